// Package gateway is the core LLM request dispatcher.
//
// The Gateway accepts requests in two wire formats — the OpenAI chat
// completion shape and the Anthropic messages shape — normalizes them into a
// protocol-neutral conversation, and serves them from one configured backend.
// Buffered requests pass through a bounded-concurrency queue with classified
// retry and a response cache; streaming requests invoke the backend directly
// and write SSE frames as chunks arrive.
//
// Key design constraints:
//   - Rate limiter, request logger, and metrics are optional and nil-safe.
//   - Configuration is read from the Store on every request, so changes apply
//     without a restart.
//   - All backend I/O uses context.Context so the per-request timeout
//     propagates and disarms correctly.
//   - Streaming responses are never cached and never queued.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/axonlabs/modelgate/internal/backend"
	"github.com/axonlabs/modelgate/internal/cache"
	"github.com/axonlabs/modelgate/internal/catalog"
	"github.com/axonlabs/modelgate/internal/config"
	"github.com/axonlabs/modelgate/internal/logger"
	"github.com/axonlabs/modelgate/internal/metrics"
	"github.com/axonlabs/modelgate/internal/queue"
	"github.com/axonlabs/modelgate/internal/ratelimit"
	"github.com/axonlabs/modelgate/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	protocolOpenAI    = "openai"
	protocolAnthropic = "anthropic"
)

// Version is reported by / and /health.
const Version = "0.1.0"

// invokeResult is the value a queued buffered invocation resolves with.
type invokeResult struct {
	content string
	elapsed time.Duration
}

// Gateway holds every dependency the HTTP handlers need. All dependencies are
// injected via the constructor so they can be replaced in unit tests.
type Gateway struct {
	cfg     *config.Store
	invoker backend.Invoker
	models  *catalog.Registry
	queue   *queue.Queue[invokeResult]
	cache   *cache.Cache
	baseCtx context.Context
	log     *slog.Logger

	// Optional dependencies, nil-safe when not configured.
	metrics   *metrics.Registry
	rpm       *ratelimit.RPMLimiter
	reqLogger *logger.Logger

	corsOrigins []string
	port        int
}

// Options holds optional Gateway dependencies.
type Options struct {
	Logger    *slog.Logger
	Metrics   *metrics.Registry
	RPM       *ratelimit.RPMLimiter
	ReqLogger *logger.Logger
}

// New creates a Gateway. baseCtx is the lifetime of the process; backend
// invocations derive their per-request timeout from it, not from the incoming
// connection, because fasthttp reuses its RequestCtx after the handler
// returns.
func New(
	baseCtx context.Context,
	cfg *config.Store,
	inv backend.Invoker,
	models *catalog.Registry,
	c *cache.Cache,
	opts Options,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	var qopts []queue.Option[invokeResult]
	if opts.Metrics != nil {
		qopts = append(qopts, queue.WithOnRetry[invokeResult](opts.Metrics.RecordRetry))
	}

	return &Gateway{
		cfg:         cfg,
		invoker:     inv,
		models:      models,
		queue:       queue.New[invokeResult](cfg.Current().MaxConcurrent, qopts...),
		cache:       c,
		baseCtx:     baseCtx,
		log:         log,
		metrics:     opts.Metrics,
		rpm:         opts.RPM,
		reqLogger:   opts.ReqLogger,
		corsOrigins: cfg.Current().CORSOrigins,
	}
}

// QueueStats exposes a snapshot of the request queue counters.
func (g *Gateway) QueueStats() queue.Stats { return g.queue.Stats() }

// SetPort records the actual listen port, reported by GET /health. Called by
// the app once the listener is bound (the configured port may be 0).
func (g *Gateway) SetPort(port int) { g.port = port }

// syncConfig applies the current config snapshot to the mutable runtime
// pieces. Runs at the top of every model request so configuration changes
// take effect on the next request.
func (g *Gateway) syncConfig(cfg *config.Config) {
	g.queue.SetMaxConcurrent(cfg.MaxConcurrent)
	if g.cache != nil {
		g.cache.Configure(cfg.Cache.MaxBytes, cfg.Cache.MaxAge)
		g.cache.SetEnabled(cfg.Cache.Enabled)
	}
}

// checkRateLimit returns false after writing a 429 in the protocol's error
// shape. A limiter error degrades open.
func (g *Gateway) checkRateLimit(ctx *fasthttp.RequestCtx, protocol string) bool {
	if g.rpm == nil {
		return true
	}
	allowed, err := g.rpm.Allow(ctx)
	if g.metrics != nil {
		switch {
		case err != nil:
			g.metrics.RecordRateLimit("error")
		case allowed:
			g.metrics.RecordRateLimit("allowed")
		default:
			g.metrics.RecordRateLimit("blocked")
		}
	}
	if err == nil && !allowed {
		g.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("protocol", protocol),
		)
		msg := "rate limit exceeded, retry later"
		if protocol == protocolAnthropic {
			apierr.WriteAnthropic(ctx, fasthttp.StatusTooManyRequests, apierr.AnthropicRateLimit, msg)
		} else {
			apierr.WriteOpenAI(ctx, fasthttp.StatusTooManyRequests,
				apierr.CodeRateLimitExceeded, msg, apierr.TypeRateLimitError)
		}
		return false
	}
	return true
}

// invokeBuffered runs one complete backend call: arm the timeout, invoke,
// drain the chunk stream into a single string, disarm the timeout. This is
// the unit of work submitted to the queue for non-streaming requests.
func (g *Gateway) invokeBuffered(model string, msgs []backend.Message, opts backend.Options, timeout time.Duration) (invokeResult, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(g.baseCtx, timeout)
	defer cancel()

	stream, err := g.invoker.Invoke(ctx, model, msgs, opts)
	if err != nil {
		return invokeResult{}, err
	}

	var sb strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return invokeResult{}, chunk.Err
		}
		sb.WriteString(chunk.Text)
	}
	if err := ctx.Err(); err != nil {
		return invokeResult{}, err
	}

	return invokeResult{content: sb.String(), elapsed: time.Since(start)}, nil
}

// enqueueBuffered submits a buffered invocation to the queue and waits for
// its terminal result. Retryable failures are retried inside the queue.
func (g *Gateway) enqueueBuffered(cfg *config.Config, model string, msgs []backend.Message, opts backend.Options) (invokeResult, error) {
	ch := g.queue.Enqueue(func() (invokeResult, error) {
		return g.invokeBuffered(model, msgs, opts, cfg.Timeout)
	}, queue.EnqueueOptions{MaxRetries: cfg.MaxRetries})

	if g.metrics != nil {
		st := g.queue.Stats()
		g.metrics.SetQueueDepth(st.Pending, st.Processing)
	}

	res := <-ch
	return res.Value, res.Err
}

// isCancellation reports whether err came from the per-request timeout timer
// rather than a backend fault. These surface as 408, never as 500, and are
// never retried.
func isCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "cancel") || strings.Contains(text, "deadline exceeded")
}

// estimateTokens approximates token usage as one token per four characters.
// It is a heuristic for logs and metrics, not a billing-accurate count.
func estimateTokens(s string) int {
	return estimateTokensFromChars(len(s))
}

func estimateTokensFromChars(chars int) int {
	n := chars / 4
	if n == 0 && chars > 0 {
		n = 1
	}
	return n
}

// estimateInputTokens totals the estimate over all request messages.
func estimateInputTokens(msgs []backend.Message) int {
	total := 0
	for _, m := range msgs {
		total += estimateTokens(m.Content)
	}
	return total
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID, protocol, model string,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	cached, stream bool,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		Protocol:     protocol,
		Model:        model,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    uint32(latency.Milliseconds()),
		Status:       uint16(status),
		Cached:       cached,
		Stream:       stream,
		CreatedAt:    time.Now(),
	})
}

// observe finalizes per-request metrics for a buffered response.
func (g *Gateway) observe(ctx *fasthttp.RequestCtx, route, protocol string, start time.Time, inputTokens, outputTokens int) {
	if g.metrics == nil {
		return
	}
	status := ctx.Response.StatusCode()
	g.metrics.ObserveHTTP(route, status, time.Since(start))
	g.metrics.RecordBackendRequest(protocol, status)
	g.metrics.AddTokens(protocol, inputTokens, outputTokens)
	st := g.queue.Stats()
	g.metrics.SetQueueDepth(st.Pending, st.Processing)
}
