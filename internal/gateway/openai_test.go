package gateway

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestChatCompletionsBuffered(t *testing.T) {
	inv := &scriptedInvoker{chunks: []string{"hel", "lo"}}
	g := newTestGateway(inv, testConfig())
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	resp := doPost(t, client, "/chat/completions",
		`{"model":"test-model-v1","messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)

	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get("X-Cache"); got != "MISS" {
		t.Errorf("expected X-Cache MISS, got %q", got)
	}

	var out struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if out.Object != "chat.completion" {
		t.Errorf("expected object chat.completion, got %q", out.Object)
	}
	if !strings.HasPrefix(out.ID, "chatcmpl-") {
		t.Errorf("expected chatcmpl- id prefix, got %q", out.ID)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello" {
		t.Errorf("expected one choice with content 'hello', got %+v", out.Choices)
	}
	if out.Choices[0].FinishReason != "stop" {
		t.Errorf("expected finish_reason stop, got %q", out.Choices[0].FinishReason)
	}
}

func TestChatCompletionsModelAlias(t *testing.T) {
	inv := &scriptedInvoker{chunks: []string{"ok"}}
	g := newTestGateway(inv, testConfig())
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	// Family match resolves to the registered model.
	resp := doPost(t, client, "/v1/chat/completions",
		`{"model":"test","messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Model != "test-model-v1" {
		t.Errorf("expected resolved model id, got %q", out.Model)
	}
}

func TestChatCompletionsCacheHit(t *testing.T) {
	inv := &scriptedInvoker{chunks: []string{"cached answer"}}
	g := newTestGateway(inv, testConfig())
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	body := `{"model":"test-model-v1","messages":[{"role":"user","content":"same question"}]}`

	resp := doPost(t, client, "/v1/chat/completions", body)
	readBody(t, resp)
	if got := resp.Header.Get("X-Cache"); got != "MISS" {
		t.Fatalf("first request: expected MISS, got %q", got)
	}

	resp = doPost(t, client, "/v1/chat/completions", body)
	second := readBody(t, resp)
	if got := resp.Header.Get("X-Cache"); got != "HIT" {
		t.Fatalf("second request: expected HIT, got %q", got)
	}
	if !strings.Contains(string(second), "cached answer") {
		t.Errorf("cached response should carry the original content: %s", second)
	}
	if inv.calls.Load() != 1 {
		t.Errorf("expected exactly one backend call, got %d", inv.calls.Load())
	}
}

func TestChatCompletionsValidation(t *testing.T) {
	g := newTestGateway(&scriptedInvoker{chunks: []string{"ok"}}, testConfig())
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	cases := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"invalid json", `{not json`, "invalid_request"},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`, "invalid_request"},
		{"empty messages", `{"model":"test-model-v1","messages":[]}`, "invalid_request"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doPost(t, client, "/v1/chat/completions", tc.body)
			body := readBody(t, resp)
			if resp.StatusCode != 400 {
				t.Fatalf("expected 400, got %d: %s", resp.StatusCode, body)
			}
			var out struct {
				Error struct {
					Code string `json:"code"`
					Type string `json:"type"`
				} `json:"error"`
			}
			if err := json.Unmarshal(body, &out); err != nil {
				t.Fatalf("failed to parse error: %v", err)
			}
			if out.Error.Code != tc.wantCode {
				t.Errorf("expected code %q, got %q", tc.wantCode, out.Error.Code)
			}
		})
	}
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	g := newTestGateway(&scriptedInvoker{}, testConfig())
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions",
		`{"model":"no-such-model","messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "model_not_found") {
		t.Errorf("expected model_not_found code, got: %s", body)
	}
}

func TestChatCompletionsBackendError(t *testing.T) {
	inv := &scriptedInvoker{err: errors.New("upstream exploded: invalid request")}
	g := newTestGateway(inv, testConfig())
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions",
		`{"model":"test-model-v1","messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)
	if resp.StatusCode != 500 {
		t.Fatalf("expected 500, got %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "upstream exploded") {
		t.Errorf("error body should carry the raw message: %s", body)
	}
}

func TestChatCompletionsTimeout(t *testing.T) {
	inv := &scriptedInvoker{hang: true}
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	g := newTestGateway(inv, cfg)
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions",
		`{"model":"test-model-v1","messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)
	if resp.StatusCode != 408 {
		t.Fatalf("expected 408, got %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "request_timeout") {
		t.Errorf("expected request_timeout code, got: %s", body)
	}

	// The queue slot must be released after the timeout.
	time.Sleep(20 * time.Millisecond)
	if st := g.QueueStats(); st.Processing != 0 {
		t.Errorf("expected processing back to 0, got %d", st.Processing)
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	inv := &scriptedInvoker{chunks: []string{"hel", "lo"}}
	g := newTestGateway(inv, testConfig())
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions",
		`{"model":"test-model-v1","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	body := string(readBody(t, resp))

	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	frames := sseFrames(body)
	// Two content chunks, one finish chunk, then [DONE].
	if len(frames) != 4 {
		t.Fatalf("expected 4 frames, got %d: %q", len(frames), frames)
	}

	wantContents := []string{"hel", "lo"}
	for i, want := range wantContents {
		var chunk struct {
			Object  string `json:"object"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
		}
		payload := strings.TrimPrefix(frames[i], "data: ")
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Errorf("frame %d: expected chat.completion.chunk, got %q", i, chunk.Object)
		}
		if chunk.Choices[0].Delta.Content != want {
			t.Errorf("frame %d: expected delta %q, got %q", i, want, chunk.Choices[0].Delta.Content)
		}
		if chunk.Choices[0].FinishReason != nil {
			t.Errorf("frame %d: finish_reason should be null", i)
		}
	}

	var final struct {
		Choices []struct {
			Delta        map[string]any `json:"delta"`
			FinishReason *string        `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(frames[2], "data: ")), &final); err != nil {
		t.Fatalf("final chunk: %v", err)
	}
	if final.Choices[0].FinishReason == nil || *final.Choices[0].FinishReason != "stop" {
		t.Errorf("expected final finish_reason stop, got %v", final.Choices[0].FinishReason)
	}
	if len(final.Choices[0].Delta) != 0 {
		t.Errorf("final chunk delta should be empty, got %v", final.Choices[0].Delta)
	}

	if frames[3] != "data: [DONE]" {
		t.Errorf("expected terminal data: [DONE], got %q", frames[3])
	}
}

func TestChatCompletionsStreamingMidStreamError(t *testing.T) {
	inv := &scriptedInvoker{chunks: []string{"par"}, err: errors.New("backend gave up: invalid request")}
	g := newTestGateway(inv, testConfig())
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions",
		`{"model":"test-model-v1","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	body := string(readBody(t, resp))

	// Status is committed before the failure; the error travels in-band.
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	frames := sseFrames(body)
	if len(frames) != 2 {
		t.Fatalf("expected partial chunk plus error frame, got %d: %q", len(frames), frames)
	}
	if !strings.Contains(frames[0], `"par"`) {
		t.Errorf("partial output should be preserved: %q", frames[0])
	}
	if !strings.Contains(frames[1], "backend gave up") {
		t.Errorf("expected error frame, got %q", frames[1])
	}
	if strings.Contains(body, "[DONE]") {
		t.Error("failed stream must not emit [DONE]")
	}
}

func TestChatCompletionsStreamingBypassesQueue(t *testing.T) {
	inv := &scriptedInvoker{chunks: []string{"ok"}}
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	g := newTestGateway(inv, cfg)
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions",
		`{"model":"test-model-v1","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	readBody(t, resp)

	if st := g.QueueStats(); st.Completed != 0 {
		t.Errorf("streaming must not pass through the queue, completed=%d", st.Completed)
	}
}
