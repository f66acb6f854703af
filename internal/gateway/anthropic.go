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
	// anthropicMessage mirrors one element of the Anthropic "messages" array.
	// Content is either a bare string or an array of typed blocks; it is
	// normalized via parseAnthropicContent.
	anthropicMessage struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	anthropicRequest struct {
		Model       string             `json:"model"`
		Messages    []anthropicMessage `json:"messages"`
		System      json.RawMessage    `json:"system"`
		MaxTokens   int                `json:"max_tokens"`
		Temperature float64            `json:"temperature"`
		TopP        float64            `json:"top_p"`
		Stream      bool               `json:"stream"`
	}

	anthropicContentBlock struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	anthropicUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	anthropicResponse struct {
		ID           string                  `json:"id"`
		Type         string                  `json:"type"`
		Role         string                  `json:"role"`
		Model        string                  `json:"model"`
		Content      []anthropicContentBlock `json:"content"`
		StopReason   string                  `json:"stop_reason"`
		StopSequence *string                 `json:"stop_sequence"`
		Usage        anthropicUsage          `json:"usage"`
	}
)

// parseAnthropicContent normalizes the string-or-blocks content field into a
// single string. Block arrays concatenate their text blocks in order;
// non-text blocks are rejected.
func parseAnthropicContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("'content' is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("'content' must be a string or an array of content blocks")
	}
	out := ""
	for _, b := range blocks {
		if b.Type != "text" {
			return "", fmt.Errorf("unsupported content block type %q", b.Type)
		}
		out += b.Text
	}
	return out, nil
}

// normalizeAnthropic converts the wire request into protocol-neutral
// messages. A non-empty top-level system field becomes the leading message.
func normalizeAnthropic(req *anthropicRequest) ([]backend.Message, error) {
	msgs := make([]backend.Message, 0, len(req.Messages)+1)

	if len(req.System) > 0 {
		system, err := parseAnthropicContent(req.System)
		if err != nil {
			return nil, fmt.Errorf("invalid 'system': %w", err)
		}
		if system != "" {
			msgs = append(msgs, backend.Message{Role: backend.RoleSystem, Content: system})
		}
	}

	for i, m := range req.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return nil, fmt.Errorf("messages[%d]: role must be 'user' or 'assistant', got %q", i, m.Role)
		}
		content, err := parseAnthropicContent(m.Content)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		msgs = append(msgs, backend.Message{Role: backend.Role(m.Role), Content: content})
	}

	return msgs, nil
}

// handleMessages serves POST /messages and /v1/messages.
func (g *Gateway) handleMessages(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "messages"
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
		g.observe(ctx, route, protocolAnthropic, start, inputTokens, outputTokens)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	var req anthropicRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteAnthropic(ctx, fasthttp.StatusBadRequest,
			apierr.AnthropicInvalidRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Model == "" {
		apierr.WriteAnthropic(ctx, fasthttp.StatusBadRequest,
			apierr.AnthropicInvalidRequest, "field 'model' is required")
		return
	}
	if len(req.Messages) == 0 {
		apierr.WriteAnthropic(ctx, fasthttp.StatusBadRequest,
			apierr.AnthropicInvalidRequest, "field 'messages' must not be empty")
		return
	}
	if req.MaxTokens <= 0 {
		apierr.WriteAnthropic(ctx, fasthttp.StatusBadRequest,
			apierr.AnthropicInvalidRequest, "field 'max_tokens' is required and must be positive")
		return
	}

	model, ok := g.models.Resolve(req.Model)
	if !ok {
		apierr.WriteAnthropic(ctx, fasthttp.StatusNotFound,
			apierr.AnthropicNotFound, fmt.Sprintf("model %q not found", req.Model))
		return
	}

	if !g.checkRateLimit(ctx, protocolAnthropic) {
		return
	}

	msgs, err := normalizeAnthropic(&req)
	if err != nil {
		apierr.WriteAnthropic(ctx, fasthttp.StatusBadRequest,
			apierr.AnthropicInvalidRequest, err.Error())
		return
	}
	opts := backend.Options{
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	inputTokens = estimateInputTokens(msgs)

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("protocol", protocolAnthropic),
		slog.String("model", model.ID),
		slog.Bool("stream", req.Stream),
	)

	if req.Stream {
		streaming = true
		g.streamAnthropic(ctx, cfg, reqID, model.ID, msgs, opts, start, inputTokens)
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
		writeJSON(ctx, newAnthropicResponse(model.ID, content, inputTokens, outputTokens))
		g.logRequest(reqID, protocolAnthropic, model.ID,
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
		writeAnthropicInvokeError(ctx, err)
		if g.metrics != nil {
			g.metrics.RecordBackendError(protocolAnthropic, classifyErrorLabel(err))
		}
		g.logRequest(reqID, protocolAnthropic, model.ID,
			inputTokens, 0, time.Since(start), ctx.Response.StatusCode(), false, false)
		return
	}

	outputTokens = estimateTokens(res.content)
	g.cache.Set(key, []byte(res.content))
	if g.metrics != nil && cfg.Cache.Enabled {
		g.metrics.CacheSetOK()
	}

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	writeJSON(ctx, newAnthropicResponse(model.ID, res.content, inputTokens, outputTokens))

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("model", model.ID),
		slog.Int("output_tokens", outputTokens),
		slog.Duration("backend_elapsed", res.elapsed),
	)
	g.logRequest(reqID, protocolAnthropic, model.ID,
		inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, false, false)
}

// streamAnthropic writes the named-event SSE sequence:
// message_start, content_block_start, content_block_delta per chunk,
// content_block_stop, message_delta, message_stop. The backend invocation
// starts in the handler, before the stream writer is installed.
func (g *Gateway) streamAnthropic(
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
		writeAnthropicInvokeError(ctx, err)
		g.observe(ctx, "messages", protocolAnthropic, start, inputTokens, 0)
		g.logRequest(reqID, protocolAnthropic, model,
			inputTokens, 0, time.Since(start), ctx.Response.StatusCode(), false, true)
		return
	}

	setSSEHeaders(ctx)

	msgID := "msg_" + uuid.New().String()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { _ = recover() }() // client may disconnect mid-write
		defer cancel()

		writeSSEEvent(w, "message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            msgID,
				"type":          "message",
				"role":          "assistant",
				"model":         model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		})
		writeSSEEvent(w, "content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]string{"type": "text", "text": ""},
		})

		outputChars := 0
		failed := false

		for chunk := range stream {
			if chunk.Err != nil {
				writeAnthropicErrorFrame(w, chunk.Err)
				failed = true
				break
			}
			writeSSEEvent(w, "content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": 0,
				"delta": map[string]string{"type": "text_delta", "text": chunk.Text},
			})
			outputChars += len(chunk.Text)
		}

		if !failed {
			if err := invokeCtx.Err(); err != nil {
				writeAnthropicErrorFrame(w, err)
				failed = true
			}
		}

		outputTokens := estimateTokensFromChars(outputChars)

		if !failed {
			writeSSEEvent(w, "content_block_stop", map[string]any{
				"type":  "content_block_stop",
				"index": 0,
			})
			writeSSEEvent(w, "message_delta", map[string]any{
				"type":  "message_delta",
				"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
				"usage": map[string]int{"output_tokens": outputTokens},
			})
			writeSSEEvent(w, "message_stop", map[string]any{
				"type": "message_stop",
			})
		}

		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP("messages", fasthttp.StatusOK, time.Since(start))
			g.metrics.RecordBackendRequest(protocolAnthropic, fasthttp.StatusOK)
			g.metrics.AddTokens(protocolAnthropic, inputTokens, outputTokens)
		}
		g.logRequest(reqID, protocolAnthropic, model,
			inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, false, true)
	})
}

func newAnthropicResponse(model, content string, inputTokens, outputTokens int) anthropicResponse {
	return anthropicResponse{
		ID:         "msg_" + uuid.New().String(),
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    []anthropicContentBlock{{Type: "text", Text: content}},
		StopReason: "end_turn",
		Usage: anthropicUsage{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
		},
	}
}

// writeAnthropicInvokeError maps a terminal invocation error to an HTTP
// status: timeout cancellation becomes 408, everything else 500.
func writeAnthropicInvokeError(ctx *fasthttp.RequestCtx, err error) {
	if isCancellation(err) {
		apierr.WriteAnthropic(ctx, fasthttp.StatusRequestTimeout,
			apierr.AnthropicTimeout, "request timed out")
		return
	}
	apierr.WriteAnthropic(ctx, fasthttp.StatusInternalServerError,
		apierr.AnthropicAPIError, err.Error())
}

// writeAnthropicErrorFrame reports a mid-stream failure as a final named
// error event. The HTTP status is already committed.
func writeAnthropicErrorFrame(w *bufio.Writer, err error) {
	errType := apierr.AnthropicAPIError
	msg := err.Error()
	if isCancellation(err) {
		errType = apierr.AnthropicTimeout
		msg = "request timed out"
	}
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", apierr.AnthropicBody(errType, msg))
	w.Flush() //nolint:errcheck
}

func writeSSEEvent(w *bufio.Writer, name string, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	w.Flush() //nolint:errcheck
}
