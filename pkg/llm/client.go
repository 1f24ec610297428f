// Package llm provides the unified model client used by the extraction,
// consolidation, and distillation engines and the agent variants: ordered
// provider fallback, structured output, and usage reporting.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"
)

// Request describes one generation call. A non-nil Schema asks the provider
// for structured JSON output matching it.
type Request struct {
	System string
	Prompt string

	// SchemaName labels the structured output for providers that require a
	// named schema; ignored when Schema is nil.
	SchemaName string
	Schema     map[string]any

	Temperature float64
	MaxTokens   int
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the outcome of one generation call, including which provider and
// model actually served it after fallback.
type Result struct {
	Text     string
	Provider string
	Model    string
	Usage    Usage
}

// Provider is one configured model backend.
type Provider interface {
	Name() string
	Model() string
	Generate(ctx context.Context, req Request) (*Result, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DecodeStructured unmarshals a structured-output result into v. Model
// output is not always valid JSON even when a schema was requested, so a
// failed unmarshal is retried once through jsonrepair before giving up.
func DecodeStructured(result *Result, v any) error {
	if err := json.Unmarshal([]byte(result.Text), v); err == nil {
		return nil
	}
	fixed, err := jsonrepair.JSONRepair(result.Text)
	if err != nil {
		return fmt.Errorf("llm: output is not repairable JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(fixed), v); err != nil {
		return fmt.Errorf("llm: repaired output still does not match schema: %w", err)
	}
	return nil
}
