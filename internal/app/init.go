package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/johnzilla/arbstr/internal/metrics"
	"github.com/johnzilla/arbstr/internal/proxy"
	"github.com/johnzilla/arbstr/internal/store"
)

// initStore opens the single-writer pool (applying embedded migrations) and
// the read-only analytics pool.
func (a *App) initStore(ctx context.Context) error {
	w, err := store.Open(a.baseCtx, a.cfg.DBPath, a.log)
	if err != nil {
		return fmt.Errorf("write pool: %w", err)
	}
	a.writer = w

	r, err := store.OpenReader(a.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("read pool: %w", err)
	}
	a.reader = r

	a.log.Info("request log ready", slog.String("path", a.cfg.DBPath))
	return nil
}

// initMetrics creates the Prometheus registry.
func (a *App) initMetrics(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)
	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	a.gw = proxy.NewGateway(a.baseCtx, a.cfg, a.writer, a.reader, proxy.GatewayOptions{
		Logger:  a.log,
		Metrics: a.prom,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	names := make([]string, 0, len(a.cfg.Providers))
	for i := range a.cfg.Providers {
		names = append(names, a.cfg.Providers[i].Name)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}
