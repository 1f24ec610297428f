// Package cleanup deletes a session's data across the memory tiers.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stratamem/strata/pkg/bus"
	"github.com/stratamem/strata/pkg/memory/l1"
	"github.com/stratamem/strata/pkg/memory/l2"
	"github.com/stratamem/strata/pkg/memory/l3"
)

// Counts reports what one session deletion removed per tier. Knowledge
// documents are distilled across sessions and are never deleted with one.
type Counts struct {
	SessionID  string `json:"session_id"`
	L1Keys     int64  `json:"l1_keys"`
	L2Facts    int64  `json:"l2_facts"`
	L3Episodes int64  `json:"l3_episodes"`
}

// Service removes session state from L1 through L3 and reports per-tier
// counts. Deletions run synchronously; the session_end event published
// afterwards is informational only.
type Service struct {
	active   *l1.ActiveContext
	working  *l2.WorkingMemory
	episodic *l3.Episodic
	pub      *bus.Publisher
}

// NewService creates the cleanup service.
func NewService(active *l1.ActiveContext, working *l2.WorkingMemory, episodic *l3.Episodic, pub *bus.Publisher) *Service {
	return &Service{active: active, working: working, episodic: episodic, pub: pub}
}

// Purge deletes one session across the tiers. Each tier is attempted even if
// an earlier one failed, so a partial outage removes as much as it can; the
// first error is returned alongside the counts achieved.
func (s *Service) Purge(ctx context.Context, sessionID, reason string) (Counts, error) {
	counts := Counts{SessionID: sessionID}
	var firstErr error

	l1Keys, err := s.active.Delete(ctx, sessionID)
	counts.L1Keys = l1Keys
	if err != nil {
		firstErr = fmt.Errorf("cleanup: l1 delete failed: %w", err)
	}

	l2Facts, err := s.working.Delete(ctx, sessionID)
	counts.L2Facts = l2Facts
	if err != nil && firstErr == nil {
		firstErr = fmt.Errorf("cleanup: l2 delete failed: %w", err)
	}

	l3Episodes, err := s.episodic.Delete(ctx, sessionID)
	counts.L3Episodes = l3Episodes
	if err != nil && firstErr == nil {
		firstErr = fmt.Errorf("cleanup: l3 delete failed: %w", err)
	}

	s.pub.PublishSessionEnd(ctx, bus.SessionEndPayload{
		SessionID: sessionID,
		Reason:    reason,
	})

	slog.Info("Session purged",
		"session_id", sessionID, "reason", reason,
		"l1_keys", counts.L1Keys, "l2_facts", counts.L2Facts,
		"l3_episodes", counts.L3Episodes)
	return counts, firstErr
}
