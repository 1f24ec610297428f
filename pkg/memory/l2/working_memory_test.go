package l2

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/strata/pkg/ciar"
	"github.com/stratamem/strata/pkg/database"
	"github.com/stratamem/strata/pkg/keyspace"
	"github.com/stratamem/strata/pkg/models"
	"github.com/stratamem/strata/pkg/redisstore"
	"github.com/stratamem/strata/test/util"
)

func newTier(t *testing.T) (*WorkingMemory, *redis.Client) {
	t.Helper()
	pool := util.SetupTestDatabase(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := redisstore.NewClientFromRedis(context.Background(), rdb)
	require.NoError(t, err)

	return New(database.NewClientFromPool(pool), store), rdb
}

func mustFact(t *testing.T, sessionID, content string, ft models.FactType, cat models.FactCategory, ciarScore float64) models.Fact {
	t.Helper()
	fact, err := models.NewFact(
		ciar.FactID(sessionID, content, ft), sessionID, content, ft, cat,
		0.9, 0.8, ciarScore, time.Now().UTC())
	require.NoError(t, err)
	fact.Provenance.SourceTurnIDs = []int{0, 1}
	return fact
}

func TestStore_IdempotentAndIndexed(t *testing.T) {
	tier, rdb := newTier(t)
	ctx := context.Background()

	fact := mustFact(t, "full:s1", "User prefers dark mode", models.FactTypePreference, models.CategoryPersonal, 0.72)
	require.NoError(t, tier.Store(ctx, fact))
	require.NoError(t, tier.Store(ctx, fact), "duplicate fact_id is a no-op")

	got, err := tier.Retrieve(ctx, fact.FactID)
	require.NoError(t, err)
	assert.Equal(t, fact.Content, got.Content)
	assert.Equal(t, []int{0, 1}, got.Provenance.SourceTurnIDs)

	indexed, err := rdb.SIsMember(ctx, keyspace.FactIndex("full:s1"), fact.FactID).Result()
	require.NoError(t, err)
	assert.True(t, indexed, "fact ID registered in session index set")
}

func TestRetrieve_NotFound(t *testing.T) {
	tier, _ := newTier(t)
	_, err := tier.Retrieve(context.Background(), "fact_missing")
	assert.ErrorContains(t, err, "not found")
}

func TestQueryBySession_FiltersAndOrdering(t *testing.T) {
	tier, _ := newTier(t)
	ctx := context.Background()

	require.NoError(t, tier.Store(ctx, mustFact(t, "full:s1", "Prefers dark mode", models.FactTypePreference, models.CategoryPersonal, 0.9)))
	require.NoError(t, tier.Store(ctx, mustFact(t, "full:s1", "Works at Initech", models.FactTypeEntity, models.CategoryBusiness, 0.7)))
	require.NoError(t, tier.Store(ctx, mustFact(t, "full:s1", "Mentioned the weather", models.FactTypeMention, models.CategoryPersonal, 0.3)))
	require.NoError(t, tier.Store(ctx, mustFact(t, "full:other", "Different session", models.FactTypeEntity, models.CategoryBusiness, 0.8)))

	all, err := tier.QueryBySession(ctx, "full:s1", Filters{})
	require.NoError(t, err)
	require.Len(t, all, 3, "session filter excludes other sessions")
	assert.Equal(t, 0.9, all[0].CIARScore, "highest score first")

	significant, err := tier.QueryBySession(ctx, "full:s1", Filters{MinCIAR: 0.6})
	require.NoError(t, err)
	assert.Len(t, significant, 2)

	prefs, err := tier.QueryBySession(ctx, "full:s1", Filters{FactType: models.FactTypePreference})
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	assert.Equal(t, "Prefers dark mode", prefs[0].Content)

	limited, err := tier.QueryBySession(ctx, "full:s1", Filters{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSearch_FullText(t *testing.T) {
	tier, _ := newTier(t)
	ctx := context.Background()

	require.NoError(t, tier.Store(ctx, mustFact(t, "full:s1", "User deploys services with Kubernetes", models.FactTypeObservation, models.CategoryTechnical, 0.7)))
	require.NoError(t, tier.Store(ctx, mustFact(t, "full:s1", "User prefers tea over coffee", models.FactTypePreference, models.CategoryPersonal, 0.7)))
	require.NoError(t, tier.Store(ctx, mustFact(t, "full:other", "Kubernetes cluster upgrade planned", models.FactTypeEvent, models.CategoryOperational, 0.7)))

	hits, err := tier.Search(ctx, "full:s1", "kubernetes", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1, "search is session-scoped")
	assert.Contains(t, hits[0].Content, "Kubernetes")

	none, err := tier.Search(ctx, "full:s1", "spaceship", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestConsolidationLifecycle(t *testing.T) {
	tier, _ := newTier(t)
	ctx := context.Background()

	f1 := mustFact(t, "full:s1", "First fact", models.FactTypeObservation, models.CategoryPersonal, 0.7)
	f2 := mustFact(t, "full:s1", "Second fact", models.FactTypeObservation, models.CategoryPersonal, 0.7)
	require.NoError(t, tier.Store(ctx, f1))
	require.NoError(t, tier.Store(ctx, f2))

	pending, err := tier.Unconsolidated(ctx, "full:s1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "First fact", pending[0].Content, "oldest first")

	require.NoError(t, tier.MarkConsolidated(ctx, []string{f1.FactID}, time.Now().UTC()))

	pending, err = tier.Unconsolidated(ctx, "full:s1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, f2.FactID, pending[0].FactID)
}

func TestTouchAccess(t *testing.T) {
	tier, _ := newTier(t)
	ctx := context.Background()

	fact := mustFact(t, "full:s1", "Accessed fact", models.FactTypeObservation, models.CategoryPersonal, 0.7)
	require.NoError(t, tier.Store(ctx, fact))
	require.NoError(t, tier.TouchAccess(ctx, []string{fact.FactID}, time.Now().UTC()))
	require.NoError(t, tier.TouchAccess(ctx, []string{fact.FactID}, time.Now().UTC()))

	got, err := tier.Retrieve(ctx, fact.FactID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
	assert.NotNil(t, got.LastAccessed)
}

func TestDelete_SessionScoped(t *testing.T) {
	tier, _ := newTier(t)
	ctx := context.Background()

	require.NoError(t, tier.Store(ctx, mustFact(t, "full:s1", "Keep me not", models.FactTypeObservation, models.CategoryPersonal, 0.7)))
	require.NoError(t, tier.Store(ctx, mustFact(t, "full:other", "Keep me", models.FactTypeObservation, models.CategoryPersonal, 0.7)))

	n, err := tier.Delete(ctx, "full:s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	remaining, err := tier.QueryBySession(ctx, "full:other", Filters{})
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestStoreBatch(t *testing.T) {
	tier, rdb := newTier(t)
	ctx := context.Background()

	facts := []models.Fact{
		mustFact(t, "full:s1", "Batch one", models.FactTypeObservation, models.CategoryPersonal, 0.7),
		mustFact(t, "full:s1", "Batch two", models.FactTypeObservation, models.CategoryPersonal, 0.7),
		mustFact(t, "full:s1", "Batch one", models.FactTypeObservation, models.CategoryPersonal, 0.7), // duplicate
	}
	require.NoError(t, tier.StoreBatch(ctx, facts))

	stored, err := tier.QueryBySession(ctx, "full:s1", Filters{})
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	indexed, err := rdb.SCard(ctx, keyspace.FactIndex("full:s1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), indexed)
}
