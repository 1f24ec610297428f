package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

// MockProvider is a deterministic in-process provider for tests and local
// development without API keys. Responses are either scripted via Enqueue or
// synthesized from the prompt.
type MockProvider struct {
	name string

	mu       sync.Mutex
	queued   []string
	requests []Request
	failures int
}

// NewMockProvider creates a mock provider.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name}
}

// Name returns the configured provider name.
func (p *MockProvider) Name() string { return p.name }

// Model returns a fixed identifier.
func (p *MockProvider) Model() string { return "mock-model" }

// Enqueue scripts the next responses, consumed in order.
func (p *MockProvider) Enqueue(texts ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queued = append(p.queued, texts...)
}

// FailNext makes the next n calls return an error.
func (p *MockProvider) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = n
}

// Requests returns a copy of every request seen, for assertions.
func (p *MockProvider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// Generate pops a scripted response or echoes the prompt.
func (p *MockProvider) Generate(_ context.Context, req Request) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)

	if p.failures > 0 {
		p.failures--
		return nil, fmt.Errorf("llm: provider %s: simulated failure", p.name)
	}

	text := "mock response to: " + req.Prompt
	if len(p.queued) > 0 {
		text = p.queued[0]
		p.queued = p.queued[1:]
	}
	return &Result{
		Text:     text,
		Provider: p.name,
		Model:    "mock-model",
		Usage: Usage{
			PromptTokens:     len(req.Prompt) / 4,
			CompletionTokens: len(text) / 4,
			TotalTokens:      (len(req.Prompt) + len(text)) / 4,
		},
	}, nil
}

// Embed returns a deterministic unit-ish vector derived from the text, so
// equal texts embed identically and similarity comparisons are stable.
func (p *MockProvider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	if p.failures > 0 {
		p.failures--
		p.mu.Unlock()
		return nil, fmt.Errorf("llm: provider %s: simulated failure", p.name)
	}
	p.mu.Unlock()

	vec := make([]float32, embeddingDimensions)
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum32()
	for i := range vec {
		seed = seed*1664525 + 1013904223
		vec[i] = float32(seed%1000)/1000 - 0.5
	}
	return vec, nil
}
