// Package l1 implements the active-context tier: the windowed list of raw
// conversation turns kept hot in Redis with a sliding TTL.
package l1

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/stratamem/strata/pkg/ciar"
	"github.com/stratamem/strata/pkg/keyspace"
	"github.com/stratamem/strata/pkg/models"
	"github.com/stratamem/strata/pkg/redisstore"
)

// Order selects the direction of a session read.
type Order int

const (
	NewestFirst Order = iota
	OldestFirst
)

// Config bounds the per-session window.
type Config struct {
	WindowSize int
	TTL        time.Duration
}

// ActiveContext is the L1 tier. Appends are atomic push+trim+expire so the
// window never exceeds WindowSize and idle sessions age out on their own.
type ActiveContext struct {
	store *redisstore.Client
	cfg   Config
}

// New creates the tier over an established Redis client.
func New(store *redisstore.Client, cfg Config) *ActiveContext {
	return &ActiveContext{store: store, cfg: cfg}
}

// storedTurn is the wire form of a turn in the L1 list. It carries the
// significance score and the derived fact ID so the promotion script can
// filter candidates without round-tripping to the application.
type storedTurn struct {
	models.Turn
	FactID string `json:"fact_id"`
}

// Store scores the turn (if the caller has not), derives its dedup fact ID,
// and appends it to the session window. Returns the window length after the
// append.
func (a *ActiveContext) Store(ctx context.Context, turn models.Turn) (int64, error) {
	if !turn.Role.IsValid() {
		return 0, fmt.Errorf("l1: invalid role %q", turn.Role)
	}
	if turn.CIARScore == 0 {
		turn.CIARScore = ScoreTurn(turn)
	}

	payload, err := json.Marshal(storedTurn{
		Turn:   turn,
		FactID: ciar.FactID(turn.SessionID, turn.Content, models.FactTypeObservation),
	})
	if err != nil {
		return 0, fmt.Errorf("l1: failed to encode turn: %w", err)
	}

	n, err := a.store.Scripts.RunSmartAppend(ctx, a.store.Redis(),
		keyspace.Turns(turn.SessionID), payload, a.cfg.WindowSize, int(a.cfg.TTL.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("l1: failed to store turn: %w", err)
	}

	slog.Debug("Stored turn",
		"session_id", turn.SessionID, "turn_id", turn.TurnID,
		"role", turn.Role, "window_len", n, "ciar_score", turn.CIARScore)
	return n, nil
}

// RetrieveSession reads the current window. The list is pushed at the head,
// so the raw order is newest-first; OldestFirst reverses in place.
func (a *ActiveContext) RetrieveSession(ctx context.Context, sessionID string, order Order) ([]models.Turn, error) {
	raw, err := a.store.Redis().LRange(ctx, keyspace.Turns(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("l1: failed to read session %s: %w", sessionID, err)
	}

	turns := make([]models.Turn, 0, len(raw))
	for _, item := range raw {
		var st storedTurn
		if err := json.Unmarshal([]byte(item), &st); err != nil {
			slog.Warn("Skipping undecodable turn", "session_id", sessionID, "error", err)
			continue
		}
		turns = append(turns, st.Turn)
	}

	if order == OldestFirst {
		for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
			turns[i], turns[j] = turns[j], turns[i]
		}
	}
	return turns, nil
}

// Delete drops every session-scoped key: turns, fact index, workspace, lease.
// Returns the number of keys removed.
func (a *ActiveContext) Delete(ctx context.Context, sessionID string) (int64, error) {
	n, err := a.store.Redis().Del(ctx, keyspace.SessionKeys(sessionID)...).Result()
	if err != nil {
		return 0, fmt.Errorf("l1: failed to delete session %s: %w", sessionID, err)
	}
	return n, nil
}

// HealthCheck verifies the backend is reachable.
func (a *ActiveContext) HealthCheck(ctx context.Context) error {
	if _, err := a.store.Health(ctx); err != nil {
		return fmt.Errorf("l1: unhealthy: %w", err)
	}
	return nil
}
