// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore   — SQLite write pool (migrations) + read-only pool
//  2. initMetrics — Prometheus registry
//  3. initGateway — proxy routes and circuit registry
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/johnzilla/arbstr/internal/config"
	"github.com/johnzilla/arbstr/internal/metrics"
	"github.com/johnzilla/arbstr/internal/proxy"
	"github.com/johnzilla/arbstr/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	writer *store.Writer
	reader *store.Reader
	prom   *metrics.Registry

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"metrics", a.initMetrics},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting arbstr",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("db", a.cfg.DBPath),
		slog.Int("providers", len(a.cfg.Providers)),
		slog.Int("policies", len(a.cfg.Policies)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times in sequence; concurrent calls are not synchronised with each other.
func (a *App) Close() {
	if a.reader != nil {
		if err := a.reader.Close(); err != nil {
			a.log.Error("reader close error", slog.String("error", err.Error()))
		}
		a.reader = nil
	}
	if a.writer != nil {
		if err := a.writer.Close(); err != nil {
			a.log.Error("writer close error", slog.String("error", err.Error()))
		}
		a.writer = nil
	}
}
