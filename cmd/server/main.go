package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"safe-code-runner/internal/api"
	"safe-code-runner/internal/config"
	"safe-code-runner/internal/monitor"
	"safe-code-runner/internal/runtime"
	"safe-code-runner/internal/sandbox"
)

func main() {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to read .env")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	cfg := loadConfig()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry, err := runtime.NewDefaultRegistry(cfg.Overrides())
	if err != nil {
		log.Fatal().Err(err).Msg("invalid language configuration")
	}

	launcher, err := sandbox.NewLauncher(ctx, cfg, registry)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Sandbox.Backend).Msg("failed to initialize sandbox backend")
	}

	metrics := monitor.NewMetrics()
	detector := monitor.NewDetector()
	opts := []sandbox.Option{
		sandbox.WithMetrics(metrics),
		sandbox.WithDetector(detector),
	}
	if cfg.Tracing.Enabled {
		opts = append(opts, sandbox.WithTracer(monitor.NewTracer()))
	}

	dispatcher, err := sandbox.NewDispatcher(sandbox.DispatcherConfigFrom(cfg.Sandbox), registry, launcher, opts...)
	if err != nil {
		_ = launcher.Close()
		log.Fatal().Err(err).Msg("failed to create dispatcher")
	}
	if err := dispatcher.Start(); err != nil {
		_ = launcher.Close()
		log.Fatal().Err(err).Msg("failed to start dispatcher")
	}

	server := api.NewServer(cfg, dispatcher, metrics, detector)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("backend", launcher.Name()).
		Strs("languages", registry.Languages()).
		Int("workers", cfg.Sandbox.MaxConcurrent).
		Msg("server starting")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop taking requests first, then drain executions still in flight.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("dispatcher shutdown error")
	}

	log.Info().Msg("server stopped")
}

func loadConfig() *config.Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "configs/config.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("failed to load config")
		}
		log.Info().Str("path", path).Msg("configuration loaded")
		return cfg
	}

	log.Info().Str("path", path).Msg("no config file found, using defaults")
	cfg := config.DefaultConfig()
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		log.Fatal().Err(err).Msg("invalid environment override")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	return cfg
}
