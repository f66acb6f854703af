package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(&scriptedInvoker{}, testConfig())
	g.SetPort(8787)
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	for _, path := range []string{"/health", "/v1/health"} {
		resp := doGet(t, client, path)
		body := readBody(t, resp)
		if resp.StatusCode != 200 {
			t.Fatalf("%s: expected 200, got %d", path, resp.StatusCode)
		}

		var out struct {
			Status    string `json:"status"`
			Models    int    `json:"models"`
			Port      int    `json:"port"`
			Timestamp string `json:"timestamp"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if out.Status != "healthy" {
			t.Errorf("%s: expected healthy, got %q", path, out.Status)
		}
		if out.Models != 1 {
			t.Errorf("%s: expected 1 model, got %d", path, out.Models)
		}
		if out.Port != 8787 {
			t.Errorf("%s: expected port 8787, got %d", path, out.Port)
		}
		if out.Timestamp == "" {
			t.Errorf("%s: expected a timestamp", path)
		}
	}
}

func TestModelsEndpoint(t *testing.T) {
	g := newTestGateway(&scriptedInvoker{}, testConfig())
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	for _, path := range []string{"/models", "/v1/models"} {
		resp := doGet(t, client, path)
		body := readBody(t, resp)
		if resp.StatusCode != 200 {
			t.Fatalf("%s: expected 200, got %d", path, resp.StatusCode)
		}

		var out struct {
			Object string `json:"object"`
			Data   []struct {
				ID            string `json:"id"`
				Object        string `json:"object"`
				OwnedBy       string `json:"owned_by"`
				ContextWindow int    `json:"context_window"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if out.Object != "list" {
			t.Errorf("%s: expected object list, got %q", path, out.Object)
		}
		if len(out.Data) != 1 || out.Data[0].ID != "test-model-v1" || out.Data[0].Object != "model" {
			t.Errorf("%s: unexpected model list: %+v", path, out.Data)
		}
	}
}

func TestRootEndpoint(t *testing.T) {
	g := newTestGateway(&scriptedInvoker{}, testConfig())
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	resp := doGet(t, client, "/")
	body := readBody(t, resp)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"modelgate"`) {
		t.Errorf("expected service descriptor, got: %s", body)
	}
}

func TestOptionsPreflight(t *testing.T) {
	g := newTestGateway(&scriptedInvoker{}, testConfig())
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	req, err := http.NewRequest("OPTIONS", "http://test/v1/chat/completions", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, resp)

	if resp.StatusCode != 204 {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if len(body) != 0 {
		t.Errorf("preflight response must have no body, got %q", body)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected permissive CORS, got %q", got)
	}
}

func TestCORSHeadersOnModelRequests(t *testing.T) {
	g := newTestGateway(&scriptedInvoker{chunks: []string{"ok"}}, testConfig())
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	resp := doGet(t, client, "/health")
	readBody(t, resp)
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected CORS header on every response, got %q", got)
	}
}

func TestNotFoundShape(t *testing.T) {
	g := newTestGateway(&scriptedInvoker{}, testConfig())
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	resp := doGet(t, client, "/no/such/path")
	body := readBody(t, resp)
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var out struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Error.Type != "not_found_error" {
		t.Errorf("expected OpenAI-shaped not_found_error, got %s", body)
	}
}

func TestMethodNotAllowedShapes(t *testing.T) {
	g := newTestGateway(&scriptedInvoker{}, testConfig())
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	// OpenAI surface: GET on a POST-only path.
	resp := doGet(t, client, "/v1/chat/completions")
	body := readBody(t, resp)
	if resp.StatusCode != 405 {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "method_not_allowed") {
		t.Errorf("expected OpenAI method_not_allowed code, got %s", body)
	}

	// Anthropic surface gets its own envelope.
	resp = doGet(t, client, "/v1/messages")
	body = readBody(t, resp)
	if resp.StatusCode != 405 {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	var out struct {
		Type  string `json:"type"`
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Type != "error" || out.Error.Type != "invalid_request_error" {
		t.Errorf("expected Anthropic error envelope, got %s", body)
	}
}
