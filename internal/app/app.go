// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skobkin/amdgpu-sampler/internal/config"
	"github.com/skobkin/amdgpu-sampler/internal/httpserver"
	"github.com/skobkin/amdgpu-sampler/internal/plugin"
	"github.com/skobkin/amdgpu-sampler/internal/sampler"
	"github.com/skobkin/amdgpu-sampler/internal/smi"
	"github.com/skobkin/amdgpu-sampler/internal/topology"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	session, err := smi.OpenSysfs(cfg.SysfsRoot, baseLogger.With("component", "smi"))
	if err != nil {
		return fmt.Errorf("open telemetry session: %w", err)
	}
	appLogger.Info("telemetry session opened", "devices", len(session.Devices()))

	engine, err := sampler.NewEngine(session, cfg.Interval, baseLogger)
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("init sampler: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			appLogger.Warn("sampler close", "err", err)
		}
	}()

	topo, err := topology.Build(session, baseLogger)
	if err != nil {
		appLogger.Warn("topology unavailable, node lookups disabled", "err", err)
		topo = nil
	}

	plug, err := plugin.New(engine, session, topo, baseLogger, plugin.WithSupportCacheTTL(cfg.SupportCacheTTL))
	if err != nil {
		return fmt.Errorf("init plugin: %w", err)
	}

	for _, query := range cfg.Metrics {
		props := plug.MetricProperties(query)
		appLogger.Info("registered metrics", "query", query, "count", len(props))
	}

	if cfg.Autostart {
		if err := plug.Start(); err != nil {
			return fmt.Errorf("start sampler: %w", err)
		}
	}

	srv := httpserver.New(cfg, baseLogger, session.Devices(), topo, plug, engine)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		appLogger.Info("shutdown initiated", "reason", ctx.Err())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http shutdown: %w", err)
		}

		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		appLogger.Info("shutdown complete")
		return nil
	}
}
