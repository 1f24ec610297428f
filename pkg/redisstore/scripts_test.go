package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/strata/pkg/keyspace"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	client, err := NewClientFromRedis(context.Background(), rdb)
	require.NoError(t, err)
	return client, mr
}

func TestSmartAppend_PushTrimTTL(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()
	key := keyspace.Turns("full:s1")

	// Fill exactly to the window: no eviction.
	for i := 0; i < 3; i++ {
		n, err := client.Scripts.RunSmartAppend(ctx, client.Redis(), key, fmt.Appendf(nil, `{"turn_id":%d}`, i), 3, 60)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), n)
	}

	// One more: oldest evicted, length stays at the window.
	n, err := client.Scripts.RunSmartAppend(ctx, client.Redis(), key, []byte(`{"turn_id":3}`), 3, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	items, err := client.Redis().LRange(ctx, key, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, `{"turn_id":3}`, items[0], "newest at the head")

	// TTL refreshed on every append.
	assert.Greater(t, mr.TTL(key), int64(0))
}

func TestWorkspaceCAS_Scenario(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	sessionID := "full:s1"

	// Seed at version 3 via don't-care then two bumps.
	_, err := client.UpdateWorkspace(ctx, sessionID, -1, map[string]any{"seed": true}, WorkspaceReplace)
	require.NoError(t, err)
	for expected := int64(1); expected <= 2; expected++ {
		_, err = client.UpdateWorkspace(ctx, sessionID, expected, map[string]any{"seed": true}, WorkspaceReplace)
		require.NoError(t, err)
	}

	// Writer A wins with expected=3.
	v, err := client.UpdateWorkspace(ctx, sessionID, 3, map[string]any{"a": "alpha"}, WorkspaceReplace)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)

	// Writer B loses with stale expected=3.
	_, err = client.UpdateWorkspace(ctx, sessionID, 3, map[string]any{"b": "beta"}, WorkspaceMerge)
	assert.ErrorIs(t, err, ErrVersionConflict)

	// B re-reads and retries with expected=4, merging over A's payload.
	ws, err := client.GetWorkspace(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, int64(4), ws.Version)

	v, err = client.UpdateWorkspace(ctx, sessionID, ws.Version, map[string]any{"b": "beta"}, WorkspaceMerge)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	ws, err = client.GetWorkspace(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "alpha", ws.Data["a"])
	assert.Equal(t, "beta", ws.Data["b"])
}

func TestWorkspaceCAS_DontCareWritesVersionOne(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	v, err := client.UpdateWorkspace(ctx, "full:s2", -1, map[string]any{"x": 1}, WorkspaceReplace)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestPromotionScript_FiltersByScoreAndIndex(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	sessionID := "full:s3"
	turnsKey := keyspace.Turns(sessionID)
	indexKey := keyspace.FactIndex(sessionID)

	push := func(turnID int, score float64, factID string) {
		payload, err := json.Marshal(PromotionCandidate{
			SessionID: sessionID,
			TurnID:    turnID,
			Role:      "user",
			Content:   "turn content",
			CIARScore: score,
			FactID:    factID,
		})
		require.NoError(t, err)
		_, err = client.Scripts.RunSmartAppend(ctx, client.Redis(), turnsKey, payload, 20, 60)
		require.NoError(t, err)
	}

	push(0, 0.9, "fact_a") // promotable
	push(1, 0.2, "fact_b") // below threshold
	push(2, 0.8, "fact_c") // already indexed
	require.NoError(t, client.Redis().SAdd(ctx, indexKey, "fact_c").Err())

	got, err := client.Scripts.RunPromotion(ctx, client.Redis(), turnsKey, indexKey, 0.6, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fact_a", got[0].FactID)
	assert.Equal(t, 0, got[0].TurnID)

	// Threshold is inclusive: a score exactly at the threshold promotes.
	push(3, 0.6, "fact_d")
	got, err = client.Scripts.RunPromotion(ctx, client.Redis(), turnsKey, indexKey, 0.6, 10)
	require.NoError(t, err)
	ids := []string{}
	for _, c := range got {
		ids = append(ids, c.FactID)
	}
	assert.Contains(t, ids, "fact_d")

	// Read-only: re-running after indexing everything returns nothing.
	require.NoError(t, client.Redis().SAdd(ctx, indexKey, "fact_a", "fact_d").Err())
	got, err = client.Scripts.RunPromotion(ctx, client.Redis(), turnsKey, indexKey, 0.6, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLease_AcquireReleaseCycle(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	key := keyspace.PromotionLease("full:s4")

	ok, err := client.AcquireLease(ctx, key, "holder-1", 30000)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.AcquireLease(ctx, key, "holder-2", 30000)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not steal a live lease")

	// Wrong token does not release.
	require.NoError(t, client.ReleaseLease(ctx, key, "holder-2"))
	ok, err = client.AcquireLease(ctx, key, "holder-2", 30000)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, client.ReleaseLease(ctx, key, "holder-1"))
	ok, err = client.AcquireLease(ctx, key, "holder-2", 30000)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGraphRepairSet(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.EnqueueGraphRepair(ctx, "ep-1"))
	require.NoError(t, client.EnqueueGraphRepair(ctx, "ep-2"))
	require.NoError(t, client.EnqueueGraphRepair(ctx, "ep-1")) // set semantics

	ids, err := client.DrainGraphRepairs(ctx, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ep-1", "ep-2"}, ids)

	ids, err = client.DrainGraphRepairs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
