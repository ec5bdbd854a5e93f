package initialize

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"agentfleet/backend/app/blob"
	"agentfleet/backend/app/controllers"
	"agentfleet/backend/app/db"
	"agentfleet/backend/app/events"
	"agentfleet/backend/app/fly"
	jwtutil "agentfleet/backend/app/jwt"
	"agentfleet/backend/app/middleware"
	"agentfleet/backend/app/repo"
	"agentfleet/backend/app/services"
	"agentfleet/backend/app/vault"
	"agentfleet/backend/config"
	"agentfleet/backend/global"
	"agentfleet/backend/router"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type App struct {
	Cfg       *config.Config
	DB        *gorm.DB
	Router    http.Handler
	Signer    *jwtutil.Signer
	Lifecycle *services.LifecycleService
	Snapshots *services.SnapshotService
	Secrets   *services.SecretsService
	Sweeper   *services.SweepService
	Scheduler *services.Scheduler
	Fleet     controllers.Fleet

	blobs         blob.Store
	events        events.Publisher
	traceShutdown func(context.Context) error
}

type Options struct {
	// Watch reloads sweep settings and the log level when the file changes.
	Watch bool
}

func provisionDefaults(p config.Provision) services.ProvisionDefaults {
	return services.ProvisionDefaults{
		LLMModel:           p.LLMModel,
		AppKey:             p.AppKey,
		MemoryMB:           p.MemoryMB,
		Region:             p.Region,
		Image:              p.Image,
		AllowedSkills:      p.AllowedSkills,
		Restore:            p.Restore,
		ForceModel:         p.ForceModel,
		ModelForceAttempts: p.ModelForceAttempts,
		ModelForceDelay:    p.ModelForceDelay,
	}
}

// SweepOptions is the scheduler's view of the configuration.
func SweepOptions(cfg *config.Config) services.SweepOptions {
	return services.SweepOptions{
		IdleMinutes:   cfg.Sweep.IdleMinutes,
		Limit:         cfg.Sweep.Limit,
		DryRun:        cfg.Sweep.DryRun,
		AppName:       cfg.Fly.AppName,
		FlyAPIToken:   cfg.Fly.APIToken,
		EncryptionKey: cfg.EncryptionKey,
	}
}

func openBlobs(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	if strings.EqualFold(strings.TrimSpace(cfg.Blob.Backend), "redis") {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Pass, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		global.Rdb = rdb
		return blob.NewRedisStoreFromClient(rdb), nil
	}
	return blob.Open(ctx, blob.Config{
		Backend:        cfg.Blob.Backend,
		MinioEndpoint:  cfg.Minio.Endpoint,
		MinioAccessKey: cfg.Minio.AccessKey,
		MinioSecretKey: cfg.Minio.SecretKey,
		MinioBucket:    cfg.Minio.Bucket,
		MinioUseSSL:    cfg.Minio.UseSSL,
		BadgerPath:     cfg.BadgerPath,
	})
}

func Build(configPath string, opts Options) (*App, error) {
	app := &App{}
	var (
		cfg *config.Config
		err error
	)
	// Load config
	if opts.Watch {
		cfg, err = config.Watch(configPath, func(c *config.Config, e fsnotify.Event) { app.reload(c, e) })
	} else {
		cfg, err = config.Load(configPath)
	}
	if err != nil {
		return nil, err
	}
	global.Config = cfg
	SetLogLevel(cfg.LogLevel)
	log := global.Logger

	if app.traceShutdown, err = setupTracing(cfg.Tracing); err != nil {
		return nil, err
	}

	// Connect DB
	gdb, err := db.Connect(db.Config{
		Driver: cfg.DB.Driver, Host: cfg.DB.Host, Port: cfg.DB.Port, User: cfg.DB.User,
		Password: cfg.DB.Pass, DBName: cfg.DB.Name, Path: cfg.DB.Path, LogSQL: cfg.DB.LogSQL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	global.Mdb = gdb

	// Migrate
	if err := db.Migrate(gdb); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if app.blobs, err = openBlobs(ctx, cfg); err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	app.events = events.Nop{}
	if cfg.NatsURL != "" {
		pub, err := events.NewNatsPublisher(cfg.NatsURL, log)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		app.events = pub
	}

	// Services
	app.Secrets = services.NewSecretsService(repo.NewSecretsRepository(gdb), vault.New(vault.NewKeyCache()))
	app.Snapshots = services.NewSnapshotService(repo.NewSnapshotRepository(gdb), app.blobs, log)
	provider := fly.NewClient(cfg.Fly.APIBase, &http.Client{Timeout: 60 * time.Second})
	app.Lifecycle = services.NewLifecycleService(repo.NewMachineRepository(gdb), app.Snapshots, app.Secrets, provider, app.events, log,
		services.LifecycleOptions{Defaults: provisionDefaults(cfg.Provision)})
	app.Sweeper = services.NewSweepService(app.Lifecycle, log)
	app.Scheduler = services.NewScheduler(app.Sweeper, cfg.Sweep.Interval, SweepOptions(cfg), log)

	// Controllers
	app.Fleet = controllers.Fleet{AppName: cfg.Fly.AppName, APIToken: cfg.Fly.APIToken, EncryptionKey: cfg.EncryptionKey}
	app.Signer = &jwtutil.Signer{Secret: []byte(cfg.JWT.Secret), Issuer: cfg.JWT.Issuer, ExpMin: cfg.JWT.ExpMin}
	mw := &middleware.Auth{Signer: app.Signer}

	// Router
	h := router.NewRouter(
		controllers.NewHTTPController(),
		controllers.NewAgentController(app.Lifecycle, app.Snapshots, app.Fleet, log),
		controllers.NewSecretsController(app.Secrets, app.Fleet),
		controllers.NewSweepController(app.Sweeper, app.Scheduler),
		mw,
	)
	// Wrap with logging middleware
	app.Router = middleware.Logging(h)

	app.DB = gdb
	app.Cfg = cfg
	return app, nil
}

// reload applies a changed config file. Only sweep settings and the log level
// take effect without a restart.
func (a *App) reload(cfg *config.Config, e fsnotify.Event) {
	SetLogLevel(cfg.LogLevel)
	if a.Scheduler == nil {
		return
	}
	a.Scheduler.Update(cfg.Sweep.Interval, SweepOptions(cfg))
	global.Logger.Info().Str("file", e.Name).Dur("interval", cfg.Sweep.Interval).Int("idle_minutes", cfg.Sweep.IdleMinutes).Msg("config reloaded")
}

func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.events != nil {
		a.events.Close()
	}
	if a.blobs != nil {
		errs = append(errs, a.blobs.Close())
	}
	if a.traceShutdown != nil {
		errs = append(errs, a.traceShutdown(ctx))
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
