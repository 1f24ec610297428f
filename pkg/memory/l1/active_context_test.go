package l1

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/strata/pkg/keyspace"
	"github.com/stratamem/strata/pkg/models"
	"github.com/stratamem/strata/pkg/redisstore"
)

func newTier(t *testing.T) (*ActiveContext, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := redisstore.NewClientFromRedis(context.Background(), rdb)
	require.NoError(t, err)
	return New(store, Config{WindowSize: 3, TTL: time.Hour}), rdb
}

func mustTurn(t *testing.T, sessionID string, turnID int, role models.Role, content string) models.Turn {
	t.Helper()
	turn, err := models.NewTurn(sessionID, turnID, role, content, time.Now().UTC())
	require.NoError(t, err)
	return turn
}

func TestStore_WindowEviction(t *testing.T) {
	tier, _ := newTier(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		n, err := tier.Store(ctx, mustTurn(t, "full:s1", i, models.RoleUser, fmt.Sprintf("message %d", i)))
		require.NoError(t, err)
		if i < 3 {
			assert.Equal(t, int64(i+1), n)
		} else {
			assert.Equal(t, int64(3), n, "window never exceeds its size")
		}
	}

	turns, err := tier.RetrieveSession(ctx, "full:s1", OldestFirst)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, 1, turns[0].TurnID, "oldest turn was evicted")
	assert.Equal(t, 3, turns[2].TurnID)
}

func TestRetrieveSession_Ordering(t *testing.T) {
	tier, _ := newTier(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := tier.Store(ctx, mustTurn(t, "full:s1", i, models.RoleUser, fmt.Sprintf("message %d", i)))
		require.NoError(t, err)
	}

	newest, err := tier.RetrieveSession(ctx, "full:s1", NewestFirst)
	require.NoError(t, err)
	assert.Equal(t, 2, newest[0].TurnID)

	oldest, err := tier.RetrieveSession(ctx, "full:s1", OldestFirst)
	require.NoError(t, err)
	assert.Equal(t, 0, oldest[0].TurnID)
}

func TestRetrieveSession_EmptySession(t *testing.T) {
	tier, _ := newTier(t)
	turns, err := tier.RetrieveSession(context.Background(), "full:missing", NewestFirst)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestStore_SetsScoreAndTTL(t *testing.T) {
	tier, rdb := newTier(t)
	ctx := context.Background()

	_, err := tier.Store(ctx, mustTurn(t, "full:s1", 0, models.RoleUser, "Always use metric units from now on"))
	require.NoError(t, err)

	ttl, err := rdb.TTL(ctx, keyspace.Turns("full:s1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "session window carries a TTL")

	turns, err := tier.RetrieveSession(ctx, "full:s1", NewestFirst)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Greater(t, turns[0].CIARScore, 0.6, "instructional user turn scores high")
}

func TestDelete_RemovesAllSessionKeys(t *testing.T) {
	tier, rdb := newTier(t)
	ctx := context.Background()

	_, err := tier.Store(ctx, mustTurn(t, "full:s1", 0, models.RoleUser, "hello there"))
	require.NoError(t, err)
	require.NoError(t, rdb.SAdd(ctx, keyspace.FactIndex("full:s1"), "fact_x").Err())

	n, err := tier.Delete(ctx, "full:s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	turns, err := tier.RetrieveSession(ctx, "full:s1", NewestFirst)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestScoreTurn_RoleAndContentHeuristics(t *testing.T) {
	user := mustTurn(t, "s", 0, models.RoleUser, "Remember that my name is Dana")
	assistant := mustTurn(t, "s", 1, models.RoleAssistant, "Remember that my name is Dana")
	assert.Greater(t, ScoreTurn(user), ScoreTurn(assistant), "first-hand user turns outrank assistant turns")

	smalltalk := mustTurn(t, "s", 2, models.RoleUser, "ok")
	assert.Less(t, ScoreTurn(smalltalk), 0.2)
}
