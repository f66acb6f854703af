package gateway

import (
	"encoding/json"
	"net"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/axonlabs/modelgate/pkg/apierr"
)

// Handler builds the full request handler: routes plus middleware chain.
// Model endpoints are registered both with and without the /v1 prefix.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	for _, prefix := range []string{"", "/v1"} {
		r.POST(prefix+"/chat/completions", g.handleChatCompletions)
		r.POST(prefix+"/messages", g.handleMessages)
		r.GET(prefix+"/models", g.handleModels)
		r.GET(prefix+"/health", g.handleHealth)
	}
	r.GET("/", g.handleRoot)

	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	r.NotFound = g.handleNotFound
	r.MethodNotAllowed = g.handleMethodNotAllowed

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
	)
}

// Serve runs the HTTP server on an already-bound listener. The listener is
// bound by the caller so port auto-selection can report the chosen port
// before the first request arrives.
func (g *Gateway) Serve(ln net.Listener) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 0, // streaming responses have no write deadline
	}
	return srv.Serve(ln)
}

func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	type modelEntry struct {
		ID            string `json:"id"`
		Object        string `json:"object"`
		Created       int64  `json:"created"`
		OwnedBy       string `json:"owned_by"`
		Name          string `json:"name"`
		ContextWindow int    `json:"context_window"`
	}

	models := g.models.List()
	data := make([]modelEntry, len(models))
	for i, m := range models {
		data[i] = modelEntry{
			ID:            m.ID,
			Object:        "model",
			Created:       m.Created,
			OwnedBy:       m.OwnedBy,
			Name:          m.Name,
			ContextWindow: m.ContextWindow,
		}
	}

	writeJSON(ctx, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status":    "healthy",
		"models":    g.models.Len(),
		"port":      g.port,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleRoot(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"name":    "modelgate",
		"version": Version,
		"backend": g.invoker.Name(),
		"endpoints": []string{
			"POST /v1/chat/completions",
			"POST /v1/messages",
			"GET /v1/models",
			"GET /health",
		},
	})
}

func (g *Gateway) handleNotFound(ctx *fasthttp.RequestCtx) {
	writeProtocolError(ctx, fasthttp.StatusNotFound,
		apierr.CodeInvalidRequest, apierr.TypeNotFound, apierr.AnthropicNotFound,
		"unknown path: "+string(ctx.Path()))
}

func (g *Gateway) handleMethodNotAllowed(ctx *fasthttp.RequestCtx) {
	writeProtocolError(ctx, fasthttp.StatusMethodNotAllowed,
		apierr.CodeMethodNotAllowed, apierr.TypeInvalidRequest, apierr.AnthropicInvalidRequest,
		"method "+string(ctx.Method())+" is not allowed for "+string(ctx.Path()))
}

// writeProtocolError picks the error shape from the path: the Anthropic
// surface gets the Anthropic envelope, everything else the OpenAI one.
func writeProtocolError(ctx *fasthttp.RequestCtx, status int, code, openaiType, anthropicType, message string) {
	if strings.HasSuffix(string(ctx.Path()), "/messages") {
		apierr.WriteAnthropic(ctx, status, anthropicType, message)
		return
	}
	apierr.WriteOpenAI(ctx, status, code, message, openaiType)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
