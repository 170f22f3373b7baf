package llm

import (
	"context"
	"sync"
)

// MockCall records one Complete invocation against the mock client.
type MockCall struct {
	SystemPrompt string
	UserMessage  string
	Model        string
	MaxTokens    int
}

// Mock is a test double returning canned responses per model name.
type Mock struct {
	mu        sync.Mutex
	responses map[string]string
	calls     []MockCall
}

// NewMock builds a mock whose responses are keyed by model name. Models with
// no canned answer get a well-formed reflection object so post-task stages
// keep working in tests.
func NewMock(responses map[string]string) *Mock {
	if responses == nil {
		responses = map[string]string{}
	}
	return &Mock{responses: responses}
}

func (m *Mock) Complete(_ context.Context, systemPrompt, userMessage, model string, maxTokens int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{
		SystemPrompt: systemPrompt,
		UserMessage:  userMessage,
		Model:        model,
		MaxTokens:    maxTokens,
	})
	if resp, ok := m.responses[model]; ok {
		return resp
	}
	return `{"type": "NONE", "outcome": "SUCCESS", "lesson": "mock response", "root_cause": null, "reusable_experience": null}`
}

// Calls returns a copy of the recorded invocations.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times Complete ran.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
