// Package models defines the domain types shared across the memory tiers:
// turns, facts, episodes, knowledge documents, context blocks, and workspaces.
package models

import (
	"fmt"
	"time"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// IsValid checks if the role is one of the known values.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Turn is a single conversation turn, owned by the L1 active-context tier.
// Turns are append-only within a session.
type Turn struct {
	SessionID string            `json:"session_id"`
	TurnID    int               `json:"turn_id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// CIARScore is the turn-level significance estimate computed before the
	// turn is offered to the promotion script. Zero until scored.
	CIARScore float64 `json:"ciar_score,omitempty"`
}

// NewTurn validates and returns an immutable turn value.
func NewTurn(sessionID string, turnID int, role Role, content string, ts time.Time) (Turn, error) {
	if sessionID == "" {
		return Turn{}, fmt.Errorf("turn: session_id is required")
	}
	if turnID < 0 {
		return Turn{}, fmt.Errorf("turn: turn_id must be non-negative, got %d", turnID)
	}
	if !role.IsValid() {
		return Turn{}, fmt.Errorf("turn: invalid role %q", role)
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Turn{
		SessionID: sessionID,
		TurnID:    turnID,
		Role:      role,
		Content:   content,
		Timestamp: ts,
	}, nil
}

// StorageID returns the tier-level identifier for this turn. User and
// assistant turns of the same index map to distinct IDs so they never collide.
func (t Turn) StorageID() string {
	return fmt.Sprintf("%s:%d:%s", t.SessionID, t.TurnID, t.Role)
}
