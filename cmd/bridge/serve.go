package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agenticcoder/execbridge/internal/bridge"
	apihttp "github.com/agenticcoder/execbridge/internal/http"
	"github.com/agenticcoder/execbridge/internal/telemetry"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge HTTP API",
		Long: `Serve starts the HTTP API on server.host:server.http_port. The agent
registry file is reloaded on change, execution output is published to NATS
when events.nats_url is set, and SIGINT or SIGTERM shut the server down
gracefully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runServe(cmd.Context())
		},
	}
}

func (a *app) runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := a.newLogger(cfg, tel, false)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zl := logger.Underlying()

	sink, closeSink, err := connectEvents(cfg, zl)
	if err != nil {
		return err
	}
	defer closeSink()

	b, err := bridge.New(bridge.Options{
		Config:  cfg,
		Sink:    sink,
		Logger:  zl,
		Tracer:  tel.Tracer(instrumentationName),
		Meter:   tel.Meter(instrumentationName),
		Version: version,
	})
	if err != nil {
		return err
	}

	if cfg.Bridge.RegistryFile != "" {
		go func() {
			if err := b.Registry().Watch(ctx); err != nil {
				zl.Warn("registry hot reload disabled", zap.Error(err))
			}
		}()
	}

	srv, err := apihttp.NewServer(b, zl.Named("http"), &apihttp.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
		Telemetry: tel,
	})
	if err != nil {
		return err
	}

	zl.Info("bridge server starting",
		zap.String("version", version),
		zap.Strings("agents", b.Registry().Agents()),
		zap.Int("max_concurrent", cfg.Bridge.MaxConcurrent),
		zap.Bool("telemetry", tel.IsEnabled()),
		zap.Bool("nats", cfg.Events.NATSURL != ""),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	zl.Info("shutdown signal received",
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
