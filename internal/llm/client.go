package llm

import "context"

// Client is the uniform completion interface every component depends on.
// Implementations never return an error: any failure is logged and surfaces
// as an empty string, which callers must treat as "no answer" and fall back.
type Client interface {
	Complete(ctx context.Context, systemPrompt, userMessage, model string, maxTokens int) string
}
