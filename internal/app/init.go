package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/axonlabs/modelgate/internal/backend"
	"github.com/axonlabs/modelgate/internal/cache"
	"github.com/axonlabs/modelgate/internal/catalog"
	"github.com/axonlabs/modelgate/internal/gateway"
	"github.com/axonlabs/modelgate/internal/logger"
	"github.com/axonlabs/modelgate/internal/metrics"
	"github.com/axonlabs/modelgate/internal/ratelimit"
)

// initInfra establishes optional external connections. Redis is only
// required when rate limiting is enabled.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RateLimit.RPMLimit > 0 {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initBackend builds the upstream invoker selected by BACKEND. Exactly one
// backend serves all models the gateway advertises.
func (a *App) initBackend(ctx context.Context) error {
	switch a.cfg.Backend {
	case "anthropic":
		a.invoker = backend.NewAnthropicInvoker(a.cfg.AnthropicAPIKey, a.cfg.BackendBaseURL)
	case "gemini":
		inv, err := backend.NewGeminiInvoker(ctx, a.cfg.GeminiAPIKey)
		if err != nil {
			return fmt.Errorf("gemini: %w", err)
		}
		a.invoker = inv
	default:
		a.invoker = backend.NewOpenAIInvoker(a.cfg.OpenAIAPIKey, a.cfg.BackendBaseURL)
	}

	a.log.Info("backend ready", slog.String("backend", a.invoker.Name()))
	return nil
}

// initServices creates the response cache, Prometheus registry, and the
// async request logger.
func (a *App) initServices(ctx context.Context) error {
	a.respCache = cache.New(a.cfg.Cache.MaxBytes, a.cfg.Cache.MaxAge)
	a.respCache.SetEnabled(a.cfg.Cache.Enabled)

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	list := catalog.Defaults(a.cfg.Backend)
	if len(a.cfg.Models) > 0 {
		list = catalog.FromIDs(a.cfg.Models, a.cfg.Backend)
	}
	models := catalog.NewRegistry(list)
	if models.Len() == 0 {
		return fmt.Errorf("no models registered for backend %q", a.cfg.Backend)
	}

	opts := gateway.Options{
		Logger:    a.log,
		Metrics:   a.prom,
		ReqLogger: a.reqLogger,
	}

	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		opts.RPM = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	a.gw = gateway.New(a.baseCtx, a.cfgStore, a.invoker, models, a.respCache, opts)

	a.log.Info("gateway ready", slog.Int("models", models.Len()))
	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
