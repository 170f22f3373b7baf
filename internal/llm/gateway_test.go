package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"evoagent/internal/config"
	"evoagent/internal/jsonx"
)

func TestGatewayResolvesAlias(t *testing.T) {
	g := NewGateway(nil, nil, nil)
	name, provider, err := g.resolve("gemini-flash")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if name != "qwen" || provider.Type != "openai" {
		t.Fatalf("alias resolution: %s %+v", name, provider)
	}
}

func TestGatewayUnknownModelReturnsEmpty(t *testing.T) {
	g := NewGateway(nil, nil, nil)
	if got := g.Complete(context.Background(), "sys", "user", "nonexistent", 100); got != "" {
		t.Fatalf("unknown model should yield empty, got %q", got)
	}
}

func TestGatewayOpenAIWire(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = jsonx.Unmarshal(body, &captured)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"content":"pong"}}]}`)
	}))
	defer server.Close()

	providers := map[string]config.Provider{
		"fast": {
			Type:      "openai",
			ModelID:   "fast-1",
			BaseURL:   server.URL,
			ExtraBody: map[string]any{"temperature": 0.1},
		},
	}
	g := NewGateway(providers, map[string]string{}, nil)
	got := g.Complete(context.Background(), "be brief", "ping", "fast", 64)
	if got != "pong" {
		t.Fatalf("Complete = %q", got)
	}
	if captured["model"] != "fast-1" {
		t.Fatalf("model id not forwarded: %v", captured["model"])
	}
	if _, ok := captured["temperature"]; !ok {
		t.Fatal("extra_body not merged into request")
	}
}

func TestGatewayAnthropicWire(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") == "" {
			t.Error("missing api key header")
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"content":[{"text":"hello"}]}`)
	}))
	defer server.Close()

	t.Setenv("TEST_ANTHROPIC_KEY", "k")
	providers := map[string]config.Provider{
		"main": {Type: "anthropic", ModelID: "m-1", APIKeyEnv: "TEST_ANTHROPIC_KEY", BaseURL: server.URL},
	}
	g := NewGateway(providers, nil, nil)
	if got := g.Complete(context.Background(), "sys", "hi", "main", 64); got != "hello" {
		t.Fatalf("Complete = %q", got)
	}
}

func TestGatewayServerErrorReturnsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	providers := map[string]config.Provider{
		"fast": {Type: "openai", ModelID: "fast-1", BaseURL: server.URL},
	}
	g := NewGateway(providers, nil, nil)
	if got := g.Complete(context.Background(), "s", "u", "fast", 10); got != "" {
		t.Fatalf("server error should yield empty, got %q", got)
	}
}

func TestMockRecordsCalls(t *testing.T) {
	m := NewMock(map[string]string{"qwen": "canned"})
	if got := m.Complete(context.Background(), "s", "u", "qwen", 10); got != "canned" {
		t.Fatalf("mock response = %q", got)
	}
	out := m.Complete(context.Background(), "s", "u", "other", 10)
	var v map[string]any
	if !jsonx.UnmarshalObject(out, &v) {
		t.Fatalf("default mock response not JSON: %q", out)
	}
	if m.CallCount() != 2 {
		t.Fatalf("call count = %d", m.CallCount())
	}
}
