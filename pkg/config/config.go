// Package config loads and validates the strata service configuration from
// strata.yaml plus environment overrides.
package config

import (
	"time"
)

// Config is the umbrella configuration object returned by Initialize and
// passed down from main. It is read-only after initialization.
type Config struct {
	configDir string

	Memory        *MemoryConfig        `yaml:"memory"`
	Promotion     *PromotionConfig     `yaml:"promotion"`
	Consolidation *ConsolidationConfig `yaml:"consolidation"`
	Distillation  *DistillationConfig  `yaml:"distillation"`
	Wall          *WallConfig          `yaml:"wall"`
	Watchdog      *WatchdogConfig      `yaml:"watchdog"`
	LLM           *LLMConfig           `yaml:"llm"`
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// MemoryConfig controls the L1 window and context-block assembly.
type MemoryConfig struct {
	// WindowSize caps the L1 list per session.
	WindowSize int `yaml:"window_size"`
	// TTLHours is the TTL for a session's L1 list, refreshed on every append.
	TTLHours int `yaml:"ttl_hours"`
	// MinCIAR is the default CIAR threshold for fact retrieval.
	MinCIAR float64 `yaml:"min_ciar"`
	// MaxTurns / MaxFacts cap the context block.
	MaxTurns int `yaml:"max_turns"`
	MaxFacts int `yaml:"max_facts"`
	// TokenBudget bounds the assembled context block.
	TokenBudget int `yaml:"token_budget"`
	// FullContextTokenBudget bounds the full-context variant's block.
	FullContextTokenBudget int `yaml:"full_context_token_budget"`
}

// PromotionConfig controls the L1→L2 promotion engine.
type PromotionConfig struct {
	// BatchMinTurns is the number of unpromoted turns that triggers a run.
	BatchMinTurns int `yaml:"batch_min_turns"`
	// Threshold overrides MinCIAR for promotion when > 0.
	Threshold float64 `yaml:"promotion_threshold"`
	// BatchSize caps the turns one script invocation considers.
	BatchSize int `yaml:"batch_size"`
	// LLMRetries bounds extraction retries on malformed output.
	LLMRetries int `yaml:"llm_retries"`
	// LeaseTTL is the per-session promotion lease duration.
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// ConsolidationConfig controls the L2→L3 consolidation engine.
type ConsolidationConfig struct {
	Interval time.Duration `yaml:"interval"`
	// MinFacts is the number of unconsolidated facts that triggers a run.
	MinFacts int `yaml:"min_facts"`
}

// DistillationConfig controls the L3→L4 distillation engine.
type DistillationConfig struct {
	Interval time.Duration `yaml:"interval"`
	// MinEpisodes is the episode count that triggers distillation.
	MinEpisodes int `yaml:"min_episodes"`
	// ClusterSize is the number of similar episodes fed to one distillation.
	ClusterSize int `yaml:"cluster_size"`
}

// WallConfig controls the HTTP session wall.
type WallConfig struct {
	// RateLimitTokensPerMinute is the process-wide token budget.
	RateLimitTokensPerMinute int `yaml:"rate_limit_tokens_per_minute"`
	// MetricsSampleRate gates per-turn metric emission, in (0,1].
	MetricsSampleRate float64 `yaml:"metrics_sample_rate"`
	// RequestTimeout bounds one chat completion end to end.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// WatchdogConfig controls the stuck-run watchdog.
type WatchdogConfig struct {
	// StuckTimeoutMinutes is the no-activity window before the process is
	// declared stuck and stopped.
	StuckTimeoutMinutes int `yaml:"stuck_timeout_minutes"`
	// ArtifactPath is where the structured error artifact is written.
	ArtifactPath string `yaml:"artifact_path"`
}

// LLMConfig holds the ordered provider fallback chain.
type LLMConfig struct {
	// Providers are tried in order until one succeeds.
	Providers []ProviderConfig `yaml:"providers"`
	// EmbeddingModel is used for episode embeddings.
	EmbeddingModel string `yaml:"embedding_model"`
	// EmbeddingDim is the vector dimensionality stored in L3.
	EmbeddingDim int `yaml:"embedding_dim"`
}

// ProviderConfig describes one LLM provider in the fallback chain.
type ProviderConfig struct {
	// Type is the provider kind (openai, gemini, mock).
	Type ProviderType `yaml:"type"`
	// Name identifies the provider in logs and response attribution.
	Name string `yaml:"name"`
	// Model is the default model for this provider.
	Model string `yaml:"model"`
	// APIKeyEnv is the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	// BaseURL is an optional custom endpoint.
	BaseURL string `yaml:"base_url,omitempty"`
}
