package models

import "time"

// ContextBlock is the ephemeral, per-request package of memory assembled for
// one turn: recent turns, significant facts, episode summaries, and knowledge
// snippets, bounded by a token budget.
type ContextBlock struct {
	SessionID         string              `json:"session_id"`
	RecentTurns       []Turn              `json:"recent_turns"`
	SignificantFacts  []Fact              `json:"significant_facts"`
	StandingOrders    []Fact              `json:"standing_orders"`
	EpisodeSummaries  []Episode           `json:"episode_summaries"`
	KnowledgeSnippets []KnowledgeDocument `json:"knowledge_snippets"`
	AssembledAt       time.Time           `json:"assembled_at"`
	EstimatedTokens   int                 `json:"estimated_tokens"`
}

// Workspace is an optional session-scoped scratch object for multi-agent
// merge. Writes go through compare-and-swap on Version.
type Workspace struct {
	Data    map[string]any `json:"data"`
	Version int64          `json:"version"`
}
