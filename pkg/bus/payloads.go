package bus

import "github.com/stratamem/strata/pkg/ciar"

// PromotionPayload asks the promotion engine to run for a session.
type PromotionPayload struct {
	SessionID string  `json:"session_id"`
	Threshold float64 `json:"threshold,omitempty"`
}

// SignificanceScoredPayload reports the CIAR component breakdown for one
// extracted fact, whether or not it cleared the threshold.
type SignificanceScoredPayload struct {
	SessionID  string          `json:"session_id"`
	FactID     string          `json:"fact_id"`
	Components ciar.Components `json:"components"`
	Promoted   bool            `json:"promoted"`
}

// FactPromotedPayload reports one fact accepted into L2.
type FactPromotedPayload struct {
	SessionID     string  `json:"session_id"`
	FactID        string  `json:"fact_id"`
	FactType      string  `json:"fact_type"`
	CIARScore     float64 `json:"ciar_score"`
	Justification string  `json:"justification,omitempty"`
}

// PromotionFailedPayload reports a promotion run abandoned after bounded LLM
// retries. The source turns are left untouched for the next run.
type PromotionFailedPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	Attempts  int    `json:"attempts"`
}

// ConsolidationPayload reports an episode written to L3.
type ConsolidationPayload struct {
	SessionID  string `json:"session_id"`
	EpisodeID  string `json:"episode_id"`
	FactCount  int    `json:"fact_count"`
	GraphWrite string `json:"graph_write"` // "ok" or "pending_repair"
}

// TierAccessPayload samples a tier read for observability.
type TierAccessPayload struct {
	SessionID string `json:"session_id"`
	Tier      string `json:"tier"`
	Operation string `json:"operation"`
	LatencyMS int64  `json:"latency_ms"`
}

// SessionEndPayload reports a session reset or cleanup. Deletions happen
// synchronously on the control endpoints; this event is informational.
type SessionEndPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}
