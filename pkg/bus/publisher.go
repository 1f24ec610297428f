package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stratamem/strata/pkg/keyspace"
)

// Publisher appends lifecycle events to the global stream.
//
// All Publish methods are fire-and-forget: failures are logged and swallowed
// so storage hiccups on the bus never fail the request path. Each append
// requests approximate trimming to MaxStreamLen.
type Publisher struct {
	rdb redis.Cmdable
}

// NewPublisher creates a publisher over the given Redis connection.
func NewPublisher(rdb redis.Cmdable) *Publisher {
	return &Publisher{rdb: rdb}
}

// Publish appends one event with an arbitrary payload.
func (p *Publisher) Publish(ctx context.Context, eventType, sessionID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal lifecycle payload",
			"type", eventType, "session_id", sessionID, "error", err)
		return
	}
	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: keyspace.LifecycleStream,
		MaxLen: MaxStreamLen,
		Approx: true,
		Values: map[string]any{
			"type":       eventType,
			"session_id": sessionID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
			"data":       string(data),
		},
	}).Err()
	if err != nil {
		slog.Warn("Failed to publish lifecycle event",
			"type", eventType, "session_id", sessionID, "error", err)
	}
}

// PublishPromotion requests a promotion run for a session.
func (p *Publisher) PublishPromotion(ctx context.Context, payload PromotionPayload) {
	p.Publish(ctx, EventPromotion, payload.SessionID, payload)
}

// PublishSignificanceScored reports a fact's CIAR component breakdown.
func (p *Publisher) PublishSignificanceScored(ctx context.Context, payload SignificanceScoredPayload) {
	p.Publish(ctx, EventSignificanceScored, payload.SessionID, payload)
}

// PublishFactPromoted reports a fact accepted into L2.
func (p *Publisher) PublishFactPromoted(ctx context.Context, payload FactPromotedPayload) {
	p.Publish(ctx, EventFactPromoted, payload.SessionID, payload)
}

// PublishPromotionFailed reports an abandoned promotion run.
func (p *Publisher) PublishPromotionFailed(ctx context.Context, payload PromotionFailedPayload) {
	p.Publish(ctx, EventPromotionFailed, payload.SessionID, payload)
}

// PublishConsolidation reports an episode written to L3.
func (p *Publisher) PublishConsolidation(ctx context.Context, payload ConsolidationPayload) {
	p.Publish(ctx, EventConsolidation, payload.SessionID, payload)
}

// PublishTierAccess samples a tier read.
func (p *Publisher) PublishTierAccess(ctx context.Context, payload TierAccessPayload) {
	p.Publish(ctx, EventTierAccess, payload.SessionID, payload)
}

// PublishSessionEnd reports a session reset or cleanup.
func (p *Publisher) PublishSessionEnd(ctx context.Context, payload SessionEndPayload) {
	p.Publish(ctx, EventSessionEnd, payload.SessionID, payload)
}
