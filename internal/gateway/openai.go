package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/axonlabs/modelgate/internal/backend"
	"github.com/axonlabs/modelgate/internal/cache"
	"github.com/axonlabs/modelgate/internal/config"
	"github.com/axonlabs/modelgate/pkg/apierr"
)

type (
	// openaiMessage mirrors one element of the OpenAI "messages" array.
	openaiMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	openaiRequest struct {
		Model       string          `json:"model"`
		Messages    []openaiMessage `json:"messages"`
		Stream      bool            `json:"stream"`
		MaxTokens   int             `json:"max_tokens"`
		Temperature float64         `json:"temperature"`
		TopP        float64         `json:"top_p"`
	}

	openaiUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	openaiChoice struct {
		Index        int           `json:"index"`
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	}

	openaiCompletion struct {
		ID      string         `json:"id"`
		Object  string         `json:"object"`
		Created int64          `json:"created"`
		Model   string         `json:"model"`
		Choices []openaiChoice `json:"choices"`
		Usage   openaiUsage    `json:"usage"`
	}

	openaiDelta struct {
		Content string `json:"content,omitempty"`
	}

	openaiChunkChoice struct {
		Index        int         `json:"index"`
		Delta        openaiDelta `json:"delta"`
		FinishReason *string     `json:"finish_reason"`
	}

	openaiChunk struct {
		ID      string              `json:"id"`
		Object  string              `json:"object"`
		Created int64               `json:"created"`
		Model   string              `json:"model"`
		Choices []openaiChunkChoice `json:"choices"`
	}
)

// handleChatCompletions serves POST /chat/completions and /v1/chat/completions.
func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	streaming := false

	cfg := g.cfg.Current()
	g.syncConfig(cfg)

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	inputTokens, outputTokens := 0, 0
	defer func() {
		if streaming {
			return // finalized by the stream writer
		}
		if g.metrics != nil {
			g.metrics.DecInFlight()
		}
		g.observe(ctx, route, protocolOpenAI, start, inputTokens, outputTokens)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	var req openaiRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteOpenAI(ctx, fasthttp.StatusBadRequest,
			apierr.CodeInvalidRequest, "invalid JSON: "+err.Error(), apierr.TypeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.WriteOpenAI(ctx, fasthttp.StatusBadRequest,
			apierr.CodeInvalidRequest, "field 'model' is required", apierr.TypeInvalidRequest)
		return
	}
	if len(req.Messages) == 0 {
		apierr.WriteOpenAI(ctx, fasthttp.StatusBadRequest,
			apierr.CodeInvalidRequest, "field 'messages' must not be empty", apierr.TypeInvalidRequest)
		return
	}

	model, ok := g.models.Resolve(req.Model)
	if !ok {
		apierr.WriteOpenAI(ctx, fasthttp.StatusNotFound,
			apierr.CodeModelNotFound, fmt.Sprintf("model %q not found", req.Model), apierr.TypeNotFound)
		return
	}

	if !g.checkRateLimit(ctx, protocolOpenAI) {
		return
	}

	msgs := make([]backend.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = backend.Message{Role: backend.Role(m.Role), Content: m.Content}
	}
	opts := backend.Options{
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	inputTokens = estimateInputTokens(msgs)

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("protocol", protocolOpenAI),
		slog.String("model", model.ID),
		slog.Bool("stream", req.Stream),
	)

	if req.Stream {
		streaming = true
		g.streamOpenAI(ctx, cfg, reqID, model.ID, msgs, opts, start, inputTokens)
		return
	}

	key := cache.Key(model.ID, msgs, opts)
	if payload, ok := g.cache.Get(key); ok {
		if g.metrics != nil {
			g.metrics.CacheGetHit()
		}
		content := string(payload)
		outputTokens = estimateTokens(content)
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
		writeJSON(ctx, newOpenAICompletion(model.ID, content, inputTokens, outputTokens))
		g.logRequest(reqID, protocolOpenAI, model.ID,
			inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, true, false)
		return
	}
	if g.metrics != nil {
		if cfg.Cache.Enabled {
			g.metrics.CacheGetMiss()
		} else {
			g.metrics.CacheGetBypass()
		}
	}

	res, err := g.enqueueBuffered(cfg, model.ID, msgs, opts)
	if err != nil {
		g.log.ErrorContext(ctx, "backend_error",
			slog.String("request_id", reqID),
			slog.String("model", model.ID),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		writeOpenAIInvokeError(ctx, err)
		if g.metrics != nil {
			g.metrics.RecordBackendError(protocolOpenAI, classifyErrorLabel(err))
		}
		g.logRequest(reqID, protocolOpenAI, model.ID,
			inputTokens, 0, time.Since(start), ctx.Response.StatusCode(), false, false)
		return
	}

	outputTokens = estimateTokens(res.content)
	g.cache.Set(key, []byte(res.content))
	if g.metrics != nil && cfg.Cache.Enabled {
		g.metrics.CacheSetOK()
	}

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	writeJSON(ctx, newOpenAICompletion(model.ID, res.content, inputTokens, outputTokens))

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("model", model.ID),
		slog.Int("output_tokens", outputTokens),
		slog.Duration("backend_elapsed", res.elapsed),
	)
	g.logRequest(reqID, protocolOpenAI, model.ID,
		inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, false, false)
}

// streamOpenAI writes the chat.completion.chunk SSE sequence. The backend
// invocation starts here, before the body stream writer is installed, because
// fasthttp recycles the RequestCtx once the handler returns.
func (g *Gateway) streamOpenAI(
	ctx *fasthttp.RequestCtx,
	cfg *config.Config,
	reqID, model string,
	msgs []backend.Message,
	opts backend.Options,
	start time.Time,
	inputTokens int,
) {
	invokeCtx, cancel := context.WithTimeout(g.baseCtx, cfg.Timeout)

	stream, err := g.invoker.Invoke(invokeCtx, model, msgs, opts)
	if err != nil {
		cancel()
		if g.metrics != nil {
			g.metrics.DecInFlight()
		}
		writeOpenAIInvokeError(ctx, err)
		g.observe(ctx, "chat_completions", protocolOpenAI, start, inputTokens, 0)
		g.logRequest(reqID, protocolOpenAI, model,
			inputTokens, 0, time.Since(start), ctx.Response.StatusCode(), false, true)
		return
	}

	setSSEHeaders(ctx)

	streamID := "chatcmpl-" + uuid.New().String()
	created := time.Now().Unix()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { _ = recover() }() // client may disconnect mid-write
		defer cancel()

		outputChars := 0
		failed := false

		for chunk := range stream {
			if chunk.Err != nil {
				writeOpenAIErrorFrame(w, chunk.Err)
				failed = true
				break
			}
			frame := openaiChunk{
				ID:      streamID,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []openaiChunkChoice{
					{Index: 0, Delta: openaiDelta{Content: chunk.Text}},
				},
			}
			writeSSEData(w, frame)
			outputChars += len(chunk.Text)
		}

		if !failed {
			if err := invokeCtx.Err(); err != nil {
				writeOpenAIErrorFrame(w, err)
				failed = true
			}
		}

		if !failed {
			stop := "stop"
			final := openaiChunk{
				ID:      streamID,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []openaiChunkChoice{
					{Index: 0, Delta: openaiDelta{}, FinishReason: &stop},
				},
			}
			writeSSEData(w, final)
			fmt.Fprint(w, "data: [DONE]\n\n")
			w.Flush() //nolint:errcheck
		}

		outputTokens := estimateTokensFromChars(outputChars)
		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP("chat_completions", fasthttp.StatusOK, time.Since(start))
			g.metrics.RecordBackendRequest(protocolOpenAI, fasthttp.StatusOK)
			g.metrics.AddTokens(protocolOpenAI, inputTokens, outputTokens)
		}
		g.logRequest(reqID, protocolOpenAI, model,
			inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, false, true)
	})
}

func newOpenAICompletion(model, content string, inputTokens, outputTokens int) openaiCompletion {
	return openaiCompletion{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openaiChoice{
			{
				Index:        0,
				Message:      openaiMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
		Usage: openaiUsage{
			PromptTokens:     inputTokens,
			CompletionTokens: outputTokens,
			TotalTokens:      inputTokens + outputTokens,
		},
	}
}

// writeOpenAIInvokeError maps a terminal invocation error to an HTTP status:
// timeout cancellation becomes 408, everything else 500 with the raw message.
func writeOpenAIInvokeError(ctx *fasthttp.RequestCtx, err error) {
	if isCancellation(err) {
		apierr.WriteOpenAI(ctx, fasthttp.StatusRequestTimeout,
			apierr.CodeRequestTimeout, "request timed out", apierr.TypeTimeoutError)
		return
	}
	apierr.WriteOpenAI(ctx, fasthttp.StatusInternalServerError,
		apierr.CodeInternalError, err.Error(), apierr.TypeServerError)
}

// writeOpenAIErrorFrame reports a mid-stream failure as a final data frame.
// The HTTP status is already committed, so the frame is authoritative.
func writeOpenAIErrorFrame(w *bufio.Writer, err error) {
	code, errType := apierr.CodeInternalError, apierr.TypeServerError
	msg := err.Error()
	if isCancellation(err) {
		code, errType = apierr.CodeRequestTimeout, apierr.TypeTimeoutError
		msg = "request timed out"
	}
	fmt.Fprintf(w, "data: %s\n\n", apierr.OpenAIBody(code, msg, errType))
	w.Flush() //nolint:errcheck
}

func setSSEHeaders(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)
}

func writeSSEData(w *bufio.Writer, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.Flush() //nolint:errcheck
}

// classifyErrorLabel buckets an error for the backend_errors metric.
func classifyErrorLabel(err error) string {
	if isCancellation(err) {
		return "timeout"
	}
	return "backend"
}
