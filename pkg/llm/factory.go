package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/stratamem/strata/pkg/config"
)

// NewClientFromConfig builds the fallback client from the configured
// provider chain, preserving order. API keys are read from the environment
// variables the config names.
func NewClientFromConfig(ctx context.Context, cfg *config.LLMConfig, modelOverride string) (*Client, error) {
	providers := make([]Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		model := pc.Model
		if modelOverride != "" {
			model = modelOverride
		}

		var (
			provider Provider
			err      error
		)
		switch pc.Type {
		case config.ProviderOpenAI:
			provider, err = NewOpenAIProvider(pc.Name, model, os.Getenv(pc.APIKeyEnv), pc.BaseURL)
		case config.ProviderGemini:
			provider, err = NewGeminiProvider(ctx, pc.Name, model, os.Getenv(pc.APIKeyEnv))
		case config.ProviderMock:
			provider = NewMockProvider(pc.Name)
		default:
			err = fmt.Errorf("llm: unknown provider type %q", pc.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("llm: failed to build provider %s: %w", pc.Name, err)
		}
		providers = append(providers, provider)
	}
	return NewClient(providers...)
}
