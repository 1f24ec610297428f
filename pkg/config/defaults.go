package config

import "time"

// Default values applied to any section the YAML file leaves unset.
const (
	DefaultWindowSize             = 20
	DefaultTTLHours               = 24
	DefaultMinCIAR                = 0.6
	DefaultMaxTurns               = 10
	DefaultMaxFacts               = 10
	DefaultTokenBudget            = 8000
	DefaultFullContextTokenBudget = 120000

	DefaultBatchMinTurns = 4
	DefaultBatchSize     = 50
	DefaultLLMRetries    = 2

	DefaultConsolidationMinFacts   = 5
	DefaultDistillationMinEpisodes = 3
	DefaultDistillationClusterSize = 5

	DefaultRateLimitTokensPerMinute = 90000
	DefaultMetricsSampleRate        = 1.0

	DefaultStuckTimeoutMinutes = 15
)

var (
	DefaultLeaseTTL              = 30 * time.Second
	DefaultConsolidationInterval = 2 * time.Minute
	DefaultDistillationInterval  = 10 * time.Minute
	DefaultRequestTimeout        = 120 * time.Second
)

// applyDefaults fills every nil section and zero field with its default so
// the rest of the codebase never checks for missing configuration.
func applyDefaults(c *Config) {
	if c.Memory == nil {
		c.Memory = &MemoryConfig{}
	}
	m := c.Memory
	if m.WindowSize == 0 {
		m.WindowSize = DefaultWindowSize
	}
	if m.TTLHours == 0 {
		m.TTLHours = DefaultTTLHours
	}
	if m.MinCIAR == 0 {
		m.MinCIAR = DefaultMinCIAR
	}
	if m.MaxTurns == 0 {
		m.MaxTurns = DefaultMaxTurns
	}
	if m.MaxFacts == 0 {
		m.MaxFacts = DefaultMaxFacts
	}
	if m.TokenBudget == 0 {
		m.TokenBudget = DefaultTokenBudget
	}
	if m.FullContextTokenBudget == 0 {
		m.FullContextTokenBudget = DefaultFullContextTokenBudget
	}

	if c.Promotion == nil {
		c.Promotion = &PromotionConfig{}
	}
	p := c.Promotion
	if p.BatchMinTurns == 0 {
		p.BatchMinTurns = DefaultBatchMinTurns
	}
	if p.Threshold == 0 {
		p.Threshold = m.MinCIAR
	}
	if p.BatchSize == 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.LLMRetries == 0 {
		p.LLMRetries = DefaultLLMRetries
	}
	if p.LeaseTTL == 0 {
		p.LeaseTTL = DefaultLeaseTTL
	}

	if c.Consolidation == nil {
		c.Consolidation = &ConsolidationConfig{}
	}
	if c.Consolidation.Interval == 0 {
		c.Consolidation.Interval = DefaultConsolidationInterval
	}
	if c.Consolidation.MinFacts == 0 {
		c.Consolidation.MinFacts = DefaultConsolidationMinFacts
	}

	if c.Distillation == nil {
		c.Distillation = &DistillationConfig{}
	}
	if c.Distillation.Interval == 0 {
		c.Distillation.Interval = DefaultDistillationInterval
	}
	if c.Distillation.MinEpisodes == 0 {
		c.Distillation.MinEpisodes = DefaultDistillationMinEpisodes
	}
	if c.Distillation.ClusterSize == 0 {
		c.Distillation.ClusterSize = DefaultDistillationClusterSize
	}

	if c.Wall == nil {
		c.Wall = &WallConfig{}
	}
	if c.Wall.RateLimitTokensPerMinute == 0 {
		c.Wall.RateLimitTokensPerMinute = DefaultRateLimitTokensPerMinute
	}
	if c.Wall.MetricsSampleRate == 0 {
		c.Wall.MetricsSampleRate = DefaultMetricsSampleRate
	}
	if c.Wall.RequestTimeout == 0 {
		c.Wall.RequestTimeout = DefaultRequestTimeout
	}

	if c.Watchdog == nil {
		c.Watchdog = &WatchdogConfig{}
	}
	if c.Watchdog.StuckTimeoutMinutes == 0 {
		c.Watchdog.StuckTimeoutMinutes = DefaultStuckTimeoutMinutes
	}
	if c.Watchdog.ArtifactPath == "" {
		c.Watchdog.ArtifactPath = "strata-stuck.json"
	}

	if c.LLM == nil {
		c.LLM = &LLMConfig{}
	}
	if c.LLM.EmbeddingModel == "" {
		c.LLM.EmbeddingModel = "text-embedding-3-small"
	}
	if c.LLM.EmbeddingDim == 0 {
		c.LLM.EmbeddingDim = 1536
	}
}
