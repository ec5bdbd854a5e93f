package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type HTTP struct {
	Host string
	Port int
}

func (h HTTP) Addr() string { return fmt.Sprintf("%s:%d", h.Host, h.Port) }

type DB struct {
	Driver string
	Host   string
	Port   int
	User   string
	Pass   string
	Name   string
	Path   string
	LogSQL bool
}

type JWT struct {
	Secret string
	Issuer string
	ExpMin int
}

type Fly struct {
	APIBase  string
	AppName  string
	APIToken string
}

type Blob struct {
	Backend string
}

type Redis struct {
	Addr string
	Pass string
	DB   int
}

type Minio struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Sweep struct {
	Enabled     bool
	Interval    time.Duration
	IdleMinutes int
	Limit       int
	DryRun      bool
}

type Provision struct {
	LLMModel      string
	AppKey        string
	MemoryMB      int
	Region        string
	Image         string
	AllowedSkills []string
	Restore       bool

	ForceModel         bool
	ModelForceAttempts int
	ModelForceDelay    time.Duration
}

type Config struct {
	HTTP HTTP
	DB   DB
	JWT  JWT
	Fly  Fly
	// EncryptionKey unlocks stored agent secrets.
	EncryptionKey string
	Blob          Blob
	Redis         Redis
	Minio         Minio
	BadgerPath    string
	NatsURL       string
	Sweep         Sweep
	Provision     Provision
	Tracing       string
	LogLevel      string
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("agentfleet")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("backend.http.host", "127.0.0.1")
	v.SetDefault("backend.http.port", 9200)
	v.SetDefault("backend.log.level", "info")
	v.SetDefault("backend.db.driver", "mysql")
	v.SetDefault("backend.db.host", "127.0.0.1")
	v.SetDefault("backend.db.port", 3306)
	v.SetDefault("backend.db.user", "root")
	v.SetDefault("backend.db.pass", "")
	v.SetDefault("backend.db.name", "agentfleet")
	v.SetDefault("backend.db.path", "agentfleet.db")
	v.SetDefault("backend.db.log_sql", false)
	v.SetDefault("backend.jwt.issuer", "agentfleet")
	v.SetDefault("backend.jwt.exp_min", 60)
	v.SetDefault("backend.fly.api_base", "https://api.machines.dev/v1")
	v.SetDefault("backend.fly.app_name", "")
	v.SetDefault("backend.fly.api_token", "")
	v.SetDefault("backend.secrets.encryption_key", "")
	v.SetDefault("backend.blob.backend", "badger")
	v.SetDefault("backend.redis.addr", "127.0.0.1:6379")
	v.SetDefault("backend.redis.db", 0)
	v.SetDefault("backend.minio.endpoint", "127.0.0.1:9000")
	v.SetDefault("backend.minio.bucket", "agentfleet-snapshots")
	v.SetDefault("backend.minio.use_ssl", false)
	v.SetDefault("backend.badger.path", "data/blobs")
	v.SetDefault("backend.nats.url", "")
	v.SetDefault("backend.sweep.enabled", true)
	v.SetDefault("backend.sweep.interval", "5m")
	v.SetDefault("backend.sweep.idle_minutes", 30)
	v.SetDefault("backend.sweep.limit", 0)
	v.SetDefault("backend.sweep.dry_run", false)
	v.SetDefault("backend.provision.llm_model", "openai/gpt-4.1-mini")
	v.SetDefault("backend.provision.app_key", "linkhub-w4")
	v.SetDefault("backend.provision.memory_mb", 2048)
	v.SetDefault("backend.provision.region", "iad")
	v.SetDefault("backend.provision.image", "registry.fly.io/linkhub-agents:openclaw-okr-v1")
	v.SetDefault("backend.provision.allowed_skills", []string{"linkhub-bridge"})
	v.SetDefault("backend.provision.restore_from_latest_snapshot", true)
	v.SetDefault("backend.provision.model_force.enabled", true)
	v.SetDefault("backend.provision.model_force.attempts", 30)
	v.SetDefault("backend.provision.model_force.delay", "5s")
	v.SetDefault("backend.tracing.exporter", "none")

	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{
		HTTP: HTTP{Host: v.GetString("backend.http.host"), Port: v.GetInt("backend.http.port")},
		DB: DB{
			Driver: v.GetString("backend.db.driver"),
			Host:   v.GetString("backend.db.host"),
			Port:   v.GetInt("backend.db.port"),
			User:   v.GetString("backend.db.user"),
			Pass:   v.GetString("backend.db.pass"),
			Name:   v.GetString("backend.db.name"),
			Path:   v.GetString("backend.db.path"),
			LogSQL: v.GetBool("backend.db.log_sql"),
		},
		Fly: Fly{
			APIBase:  v.GetString("backend.fly.api_base"),
			AppName:  v.GetString("backend.fly.app_name"),
			APIToken: v.GetString("backend.fly.api_token"),
		},
		EncryptionKey: v.GetString("backend.secrets.encryption_key"),
		Blob:          Blob{Backend: v.GetString("backend.blob.backend")},
		Redis:         Redis{Addr: v.GetString("backend.redis.addr"), Pass: v.GetString("backend.redis.pass"), DB: v.GetInt("backend.redis.db")},
		Minio: Minio{
			Endpoint:  v.GetString("backend.minio.endpoint"),
			AccessKey: v.GetString("backend.minio.access_key"),
			SecretKey: v.GetString("backend.minio.secret_key"),
			Bucket:    v.GetString("backend.minio.bucket"),
			UseSSL:    v.GetBool("backend.minio.use_ssl"),
		},
		BadgerPath: v.GetString("backend.badger.path"),
		NatsURL:    v.GetString("backend.nats.url"),
		Sweep: Sweep{
			Enabled:     v.GetBool("backend.sweep.enabled"),
			Interval:    v.GetDuration("backend.sweep.interval"),
			IdleMinutes: v.GetInt("backend.sweep.idle_minutes"),
			Limit:       v.GetInt("backend.sweep.limit"),
			DryRun:      v.GetBool("backend.sweep.dry_run"),
		},
		Provision: Provision{
			LLMModel:           v.GetString("backend.provision.llm_model"),
			AppKey:             v.GetString("backend.provision.app_key"),
			MemoryMB:           v.GetInt("backend.provision.memory_mb"),
			Region:             v.GetString("backend.provision.region"),
			Image:              v.GetString("backend.provision.image"),
			AllowedSkills:      v.GetStringSlice("backend.provision.allowed_skills"),
			Restore:            v.GetBool("backend.provision.restore_from_latest_snapshot"),
			ForceModel:         v.GetBool("backend.provision.model_force.enabled"),
			ModelForceAttempts: v.GetInt("backend.provision.model_force.attempts"),
			ModelForceDelay:    v.GetDuration("backend.provision.model_force.delay"),
		},
		Tracing:  v.GetString("backend.tracing.exporter"),
		LogLevel: v.GetString("backend.log.level"),
	}
	cfg.JWT.Secret = v.GetString("backend.jwt.secret")
	if cfg.JWT.Secret == "" {
		cfg.JWT.Secret = "dev-secret"
	}
	cfg.JWT.Issuer = v.GetString("backend.jwt.issuer")
	cfg.JWT.ExpMin = v.GetInt("backend.jwt.exp_min")
	if cfg.JWT.ExpMin <= 0 {
		cfg.JWT.ExpMin = 60
	}
	if cfg.Sweep.Interval <= 0 {
		cfg.Sweep.Interval = 5 * time.Minute
	}
	return cfg
}

// Load reads path (yaml) over the defaults. An empty path uses defaults and
// AGENTFLEET_BACKEND_* environment variables only.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return fromViper(v), nil
}

// Watch loads path and calls onChange with the re-read configuration every time
// the file is written.
func Watch(path string, onChange func(*Config, fsnotify.Event)) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	if path != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				return
			}
			onChange(fromViper(v), e)
		})
		v.WatchConfig()
	}
	return fromViper(v), nil
}
