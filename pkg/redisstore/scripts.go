package redisstore

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed scripts/*.lua
var scriptFS embed.FS

// ScriptManager owns the three server-side scripts. Scripts are loaded at
// startup and cached by SHA; execution tries EVALSHA first and transparently
// falls back to full-source EVAL (then retries by hash) when the server's
// script cache was flushed. The go-redis Script type implements exactly that
// policy, so the manager holds one Script per operation.
//
// Every multi-key invocation passes keys that share one cluster slot — the
// keyspace package guarantees this for session-scoped keys.
type ScriptManager struct {
	promote      *redis.Script
	workspaceCAS *redis.Script
	smartAppend  *redis.Script
}

// NewScriptManager reads the embedded script sources and preloads them into
// the server's script cache.
func NewScriptManager(ctx context.Context, rdb *redis.Client) (*ScriptManager, error) {
	load := func(name string) (*redis.Script, error) {
		src, err := scriptFS.ReadFile("scripts/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded script %s: %w", name, err)
		}
		s := redis.NewScript(string(src))
		// Warm the server cache so the first EVALSHA hits. A failure here is
		// not fatal: Run falls back to EVAL on NOSCRIPT.
		_ = s.Load(ctx, rdb).Err()
		return s, nil
	}

	promote, err := load("promote.lua")
	if err != nil {
		return nil, err
	}
	cas, err := load("workspace_cas.lua")
	if err != nil {
		return nil, err
	}
	app, err := load("smart_append.lua")
	if err != nil {
		return nil, err
	}

	return &ScriptManager{promote: promote, workspaceCAS: cas, smartAppend: app}, nil
}

// PromotionCandidate is one turn the promotion script returned as promotable.
// The payload fields mirror what L1 stores per turn, including the
// precomputed score and derived fact ID the script filters on.
type PromotionCandidate struct {
	SessionID string  `json:"session_id"`
	TurnID    int     `json:"turn_id"`
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Timestamp string  `json:"timestamp"`
	CIARScore float64 `json:"ciar_score"`
	FactID    string  `json:"fact_id,omitempty"`
}

// RunPromotion executes the atomic promotion filter: up to batchSize turns
// from the head of the L1 list whose ciar_score >= threshold and whose
// fact_id is absent from the L2 index set. The script is read-only; the
// caller performs the L2 insert.
func (m *ScriptManager) RunPromotion(ctx context.Context, rdb redis.Scripter, turnsKey, factIndexKey string, threshold float64, batchSize int) ([]PromotionCandidate, error) {
	res, err := m.promote.Run(ctx, rdb, []string{turnsKey, factIndexKey}, threshold, batchSize).Result()
	if err != nil {
		return nil, fmt.Errorf("promotion script failed: %w", err)
	}
	raw, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("promotion script returned unexpected type %T", res)
	}
	var candidates []PromotionCandidate
	if err := json.Unmarshal([]byte(raw), &candidates); err != nil {
		return nil, fmt.Errorf("failed to decode promotion result: %w", err)
	}
	return candidates, nil
}

// WorkspaceMode selects how a CAS write combines with existing data.
type WorkspaceMode string

const (
	WorkspaceReplace WorkspaceMode = "replace"
	WorkspaceMerge   WorkspaceMode = "merge"
)

// ErrVersionConflict is returned when a CAS write loses the race. The caller
// re-reads the workspace and retries with the fresh version.
var ErrVersionConflict = fmt.Errorf("workspace version conflict")

// RunWorkspaceCAS executes the compare-and-swap write. expectedVersion -1
// means "don't care": the workspace is written as version 1. Returns the new
// version, or ErrVersionConflict on mismatch.
func (m *ScriptManager) RunWorkspaceCAS(ctx context.Context, rdb redis.Scripter, workspaceKey string, expectedVersion int64, newData []byte, mode WorkspaceMode) (int64, error) {
	res, err := m.workspaceCAS.Run(ctx, rdb, []string{workspaceKey}, expectedVersion, string(newData), string(mode)).Int64()
	if err != nil {
		return 0, fmt.Errorf("workspace CAS script failed: %w", err)
	}
	if res == -1 {
		return 0, ErrVersionConflict
	}
	return res, nil
}

// RunSmartAppend executes the windowed append: push to the head, trim to
// windowSize, refresh the TTL, and return the final list length.
func (m *ScriptManager) RunSmartAppend(ctx context.Context, rdb redis.Scripter, listKey string, item []byte, windowSize int, ttlSeconds int) (int64, error) {
	n, err := m.smartAppend.Run(ctx, rdb, []string{listKey}, string(item), windowSize, ttlSeconds).Int64()
	if err != nil {
		return 0, fmt.Errorf("smart append script failed: %w", err)
	}
	return n, nil
}
