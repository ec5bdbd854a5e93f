package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentfleet/backend/global"
	"agentfleet/backend/initialize"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to config file")
	flag.Parse()

	app, err := initialize.Build(*configPath, initialize.Options{Watch: true})
	if err != nil {
		global.Logger.Fatal().Err(err).Msg("init")
	}
	log := global.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if app.Cfg.Sweep.Enabled {
		go app.Scheduler.Run(ctx)
	}

	srv := &http.Server{
		Addr:              app.Cfg.HTTP.Addr(),
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("fly_app", app.Cfg.Fly.AppName).Bool("sweep", app.Cfg.Sweep.Enabled).Msg("agentfleet listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := app.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("close resources")
	}
}
