package llm

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"evoagent/internal/config"
	"evoagent/internal/logging"
)

// defaultProviders backs the gateway when no registry is configured.
var defaultProviders = map[string]config.Provider{
	"opus": {
		Type:      "anthropic",
		ModelID:   "claude-opus-4-1",
		APIKeyEnv: "ANTHROPIC_API_KEY",
	},
	"qwen": {
		Type:      "openai",
		ModelID:   "qwen/qwen3-235b-a22b",
		APIKeyEnv: "NVIDIA_API_KEY",
		BaseURL:   "https://integrate.api.nvidia.com/v1",
		ExtraBody: map[string]any{"chat_template_kwargs": map[string]any{"thinking": false}},
	},
}

var defaultAliases = map[string]string{
	"gemini-flash": "qwen",
}

const clientCacheSize = 16

// caller is one wire-format backend bound to a provider's endpoint and key.
type caller interface {
	complete(ctx context.Context, modelID, systemPrompt, userMessage string, maxTokens int, extraBody map[string]any) (string, error)
}

// Gateway routes logical model names through an alias map and a provider
// registry to a lazily constructed backend client.
type Gateway struct {
	providers  map[string]config.Provider
	aliases    map[string]string
	clients    *lru.Cache[string, caller]
	httpClient *http.Client
	logger     logging.Logger
	mu         sync.Mutex
}

// NewGateway builds a gateway over the given registry. Nil maps fall back to
// the built-in providers and aliases.
func NewGateway(providers map[string]config.Provider, aliases map[string]string, logger logging.Logger) *Gateway {
	if providers == nil {
		providers = defaultProviders
	}
	if aliases == nil {
		aliases = defaultAliases
	}
	cache, _ := lru.New[string, caller](clientCacheSize)
	return &Gateway{
		providers:  providers,
		aliases:    aliases,
		clients:    cache,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     logging.OrNop(logger),
	}
}

// Complete resolves model and calls the backend. Any failure is logged and
// returned as an empty string.
func (g *Gateway) Complete(ctx context.Context, systemPrompt, userMessage, model string, maxTokens int) string {
	name, provider, err := g.resolve(model)
	if err != nil {
		g.logger.Error("llm: %v", err)
		return ""
	}
	client := g.clientFor(name, provider)
	text, err := client.complete(ctx, provider.ModelID, systemPrompt, userMessage, maxTokens, provider.ExtraBody)
	if err != nil {
		g.logger.Error("llm: call failed (model=%s): %v", model, err)
		return ""
	}
	return text
}

// resolve maps a logical model name to its provider, following one alias hop.
func (g *Gateway) resolve(model string) (string, config.Provider, error) {
	name := model
	if target, ok := g.aliases[name]; ok {
		name = target
	}
	provider, ok := g.providers[name]
	if !ok {
		return "", config.Provider{}, fmt.Errorf("unknown provider %q", model)
	}
	if provider.ModelID == "" {
		provider.ModelID = name
	}
	return name, provider, nil
}

func (g *Gateway) clientFor(name string, provider config.Provider) caller {
	g.mu.Lock()
	defer g.mu.Unlock()
	if client, ok := g.clients.Get(name); ok {
		return client
	}
	apiKey := os.Getenv(provider.APIKeyEnv)
	var client caller
	if provider.Type == "anthropic" {
		client = newAnthropicCaller(g.httpClient, provider.BaseURL, apiKey)
	} else {
		client = newOpenAICaller(g.httpClient, provider.BaseURL, apiKey)
	}
	g.clients.Add(name, client)
	return client
}
