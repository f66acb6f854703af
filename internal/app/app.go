// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis when rate limiting is on)
//  2. initBackend  — the upstream model invoker selected by BACKEND
//  3. initServices — cache, metrics registry, async request logger
//  4. initGateway  — router, adapters, queue
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/axonlabs/modelgate/internal/backend"
	"github.com/axonlabs/modelgate/internal/cache"
	"github.com/axonlabs/modelgate/internal/config"
	"github.com/axonlabs/modelgate/internal/gateway"
	"github.com/axonlabs/modelgate/internal/logger"
	"github.com/axonlabs/modelgate/internal/metrics"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version  string
	cfg      *config.Config
	cfgStore *config.Store
	baseCtx  context.Context
	log      *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	reqLogger *logger.Logger
	respCache *cache.Cache
	prom      *metrics.Registry

	invoker backend.Invoker
	gw      *gateway.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{
		cfg:      cfg,
		cfgStore: config.NewStore(cfg),
		version:  version,
		baseCtx:  ctx,
		log:      log,
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"backend", a.initBackend},
		{"services", a.initServices},
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

// Run binds the listener, starts the HTTP server, and blocks until ctx is
// cancelled or an error occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	ln, port, err := bindListener(a.cfg.Port)
	if err != nil {
		return fmt.Errorf("app: bind: %w", err)
	}
	a.gw.SetPort(port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.Int("port", port),
		slog.String("backend", a.invoker.Name()),
		slog.Bool("cache", a.cfg.Cache.Enabled),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Serve(ln)
	})

	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// bindListener binds a TCP listener. A configured port of 0 tries the
// preferred ports in order and falls back to an OS-assigned one. The actual
// port is returned so /health can report it.
func bindListener(configured int) (net.Listener, int, error) {
	if configured != 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", configured))
		if err != nil {
			return nil, 0, err
		}
		return ln, configured, nil
	}

	for _, p := range config.PreferredPorts {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err == nil {
			return ln, p, nil
		}
	}

	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, 0, err
	}
	return ln, ln.Addr().(*net.TCPAddr).Port, nil
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}
