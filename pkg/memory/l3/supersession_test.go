package l3

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/strata/pkg/database"
	"github.com/stratamem/strata/pkg/models"
	"github.com/stratamem/strata/pkg/redisstore"
	"github.com/stratamem/strata/test/util"
)

// newGraphTier builds an Episodic over a real Neo4j instance, with a unique
// session ID so parallel tests never see each other's subgraph.
func newGraphTier(t *testing.T) (*Episodic, string) {
	t.Helper()
	ctx := context.Background()

	uri, password := util.SetupTestGraph(t)
	executor, err := NewNeo4jExecutor(ctx, Neo4jConfig{
		URI:      uri,
		Username: "neo4j",
		Password: password,
		Database: "neo4j",
	})
	require.NoError(t, err)

	pool := util.SetupTestDatabase(t)
	db := database.NewClientFromPool(pool)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store, err := redisstore.NewClientFromRedis(ctx, rdb)
	require.NoError(t, err)

	sessionID := "full:" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = executor.Execute(context.Background(),
			`MATCH (n {sessionId: $sessionId}) DETACH DELETE n`,
			map[string]any{"sessionId": sessionID})
		_ = executor.Close(context.Background())
	})

	return New(db, store, executor), sessionID
}

// preferenceEpisode builds one stored-ready episode carrying a single
// (subject, predicate, object) relation observed at the given time.
func preferenceEpisode(t *testing.T, sessionID, subject, object string, observedAt time.Time) models.Episode {
	t.Helper()
	ep, err := models.NewEpisode(
		fmt.Sprintf("ep_%s_%s_%d", subject, object, observedAt.Unix()),
		sessionID,
		fmt.Sprintf("%s now prefers %s", subject, object),
		observedAt.Add(-time.Hour), observedAt)
	require.NoError(t, err)
	ep.Embedding = make([]float32, 1536)
	ep.Entities = []string{subject, object}
	ep.Relationships = []models.Relationship{{
		Subject:       subject,
		Predicate:     "prefers",
		Object:        object,
		FactValidFrom: observedAt,
	}}
	return ep
}

func TestGraphSupersession_NewObservationClosesOldRelation(t *testing.T) {
	tier, sessionID := newGraphTier(t)
	ctx := context.Background()

	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	graphOK, err := tier.Store(ctx, preferenceEpisode(t, sessionID, "Alice", "Tea", jan))
	require.NoError(t, err)
	require.True(t, graphOK)
	graphOK, err = tier.Store(ctx, preferenceEpisode(t, sessionID, "Alice", "Coffee", feb))
	require.NoError(t, err)
	require.True(t, graphOK)

	// Exactly one current relation survives, pointing at the newer object.
	rows, err := tier.QueryGraph(ctx, "current_relation", map[string]any{
		"subject": "Alice", "predicate": "prefers", "sessionId": sessionID,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Coffee", rows[0]["object"])
	validFrom, ok := rows[0]["factValidFrom"].(time.Time)
	require.True(t, ok, "factValidFrom is a datetime, got %T", rows[0]["factValidFrom"])
	assert.True(t, validFrom.Equal(feb))

	// The old relation is closed at the moment of the new observation.
	history, err := tier.QueryGraph(ctx, "relation_history", map[string]any{
		"subject": "Alice", "predicate": "prefers", "sessionId": sessionID,
	})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Tea", history[0]["object"])
	closedAt, ok := history[0]["factValidTo"].(time.Time)
	require.True(t, ok, "superseded relation carries factValidTo")
	assert.True(t, closedAt.Equal(feb))
	assert.Equal(t, "Coffee", history[1]["object"])
	assert.Nil(t, history[1]["factValidTo"])
}

func TestGraphSupersession_ReplayIsANoOp(t *testing.T) {
	tier, sessionID := newGraphTier(t)
	ctx := context.Background()

	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	ep := preferenceEpisode(t, sessionID, "Alice", "Coffee", feb)
	_, err := tier.Store(ctx, ep)
	require.NoError(t, err)

	// Replaying the same relation (graph repair, duplicate consolidation)
	// neither closes the current row nor creates a second one.
	require.NoError(t, tier.RepairGraph(ctx, ep.EpisodeID))
	later := preferenceEpisode(t, sessionID, "Alice", "Coffee", feb.Add(time.Hour))
	_, err = tier.Store(ctx, later)
	require.NoError(t, err)

	history, err := tier.QueryGraph(ctx, "relation_history", map[string]any{
		"subject": "Alice", "predicate": "prefers", "sessionId": sessionID,
	})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Coffee", history[0]["object"])
	assert.Nil(t, history[0]["factValidTo"])
}

func TestGraphSupersession_AtMostOneCurrentRowPerRelation(t *testing.T) {
	tier, sessionID := newGraphTier(t)
	ctx := context.Background()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, object := range []string{"Tea", "Coffee", "Tea", "Mate"} {
		_, err := tier.Store(ctx,
			preferenceEpisode(t, sessionID, "Alice", object, start.AddDate(0, i, 0)))
		require.NoError(t, err)
	}

	history, err := tier.QueryGraph(ctx, "relation_history", map[string]any{
		"subject": "Alice", "predicate": "prefers", "sessionId": sessionID,
	})
	require.NoError(t, err)
	require.Len(t, history, 4)
	open := 0
	for _, row := range history {
		if row["factValidTo"] == nil {
			open++
		}
	}
	assert.Equal(t, 1, open, "at most one relation row may be current")

	current, err := tier.QueryGraph(ctx, "current_relation", map[string]any{
		"subject": "Alice", "predicate": "prefers", "sessionId": sessionID,
	})
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "Mate", current[0]["object"])
}
