// Package bus provides the durable lifecycle event stream: a single global
// Redis stream with approximate bounded retention, fire-and-forget publishing,
// and consumer groups with pending-message recovery.
//
// Publishing never fails the caller — dropped events are tolerated because the
// consolidation engine's wake-up sweep reconciles tier state periodically.
// Consumers ack on successful handling; a handler error leaves the message
// pending so any consumer in the group can retry it.
package bus

import (
	"time"
)

// Reserved event types. The taxonomy is open: handlers are registered by
// type string and unknown types are ignored.
const (
	EventPromotion          = "promotion"
	EventFactPromoted       = "fact_promoted"
	EventSignificanceScored = "significance_scored"
	EventConsolidation      = "consolidation"
	EventTierAccess         = "tier_access"
	EventSessionEnd         = "session_end"
	EventPromotionFailed    = "promotion_failed"
)

// MaxStreamLen is the approximate retention cap on the lifecycle stream.
// Publishers request approximate trimming on every append, which keeps the
// write O(1) while bounding bus-node memory under burst traffic.
const MaxStreamLen = 50000

// Event is one lifecycle stream entry.
type Event struct {
	// ID is the stream entry ID, set by the server on publish.
	ID        string    `json:"id,omitempty"`
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	// Data is the type-specific JSON payload (see payloads.go).
	Data []byte `json:"data"`
}
