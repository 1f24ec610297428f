package l4

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/strata/pkg/database"
	"github.com/stratamem/strata/pkg/models"
	"github.com/stratamem/strata/test/util"
)

func newTier(t *testing.T) *Semantic {
	t.Helper()
	return New(database.NewClientFromPool(util.SetupTestDatabase(t)))
}

func mustDoc(t *testing.T, id, title, content string, kt models.KnowledgeType, confidence float64) models.KnowledgeDocument {
	t.Helper()
	doc, err := models.NewKnowledgeDocument(id, title, content, kt, confidence)
	require.NoError(t, err)
	return doc
}

func TestRetrieve_IncrementsAccessCount(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()

	require.NoError(t, tier.Store(ctx, mustDoc(t, "k1",
		"Deployment preferences", "User always deploys on Fridays", models.KnowledgePattern, 0.8)))

	first, err := tier.Retrieve(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.AccessCount)

	second, err := tier.Retrieve(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 2, second.AccessCount)
}

func TestRetrieve_NotFound(t *testing.T) {
	tier := newTier(t)
	_, err := tier.Retrieve(context.Background(), "k-missing")
	assert.ErrorContains(t, err, "not found")
}

func TestSearch_TypeFilterAndStaleExclusion(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()

	require.NoError(t, tier.Store(ctx, mustDoc(t, "k1",
		"Kubernetes deployment pattern", "Rolling restarts preferred", models.KnowledgePattern, 0.9)))
	require.NoError(t, tier.Store(ctx, mustDoc(t, "k2",
		"Kubernetes rollback rule", "Never roll back during business hours", models.KnowledgeRule, 0.7)))
	stale := mustDoc(t, "k3", "Kubernetes legacy pattern", "Outdated guidance", models.KnowledgePattern, 0.5)
	stale.Stale = true
	require.NoError(t, tier.Store(ctx, stale))

	all, err := tier.Search(ctx, "kubernetes", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2, "stale documents never surface")

	patterns, err := tier.Search(ctx, "kubernetes", models.KnowledgePattern, 10)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "k1", patterns[0].KnowledgeID)
}

func TestFindByTitleOverlap(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()

	require.NoError(t, tier.Store(ctx, mustDoc(t, "k1",
		"Friday deployment habits", "User deploys on Fridays", models.KnowledgePattern, 0.8)))
	require.NoError(t, tier.Store(ctx, mustDoc(t, "k2",
		"Database backup schedule", "Nightly backups", models.KnowledgeProcedure, 0.8)))

	overlapping, err := tier.FindByTitleOverlap(ctx, "deployment habits", models.KnowledgePattern)
	require.NoError(t, err)
	require.Len(t, overlapping, 1)
	assert.Equal(t, "k1", overlapping[0].KnowledgeID)

	none, err := tier.FindByTitleOverlap(ctx, "deployment habits", models.KnowledgeRule)
	require.NoError(t, err)
	assert.Empty(t, none, "overlap detection is type-scoped")
}

func TestAdjustConfidence_BoundedAndCounted(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()

	require.NoError(t, tier.Store(ctx, mustDoc(t, "k1", "Some rule", "content", models.KnowledgeRule, 0.9)))

	require.NoError(t, tier.AdjustConfidence(ctx, "k1", 0.5))
	doc, err := tier.Retrieve(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, doc.ConfidenceScore, "confidence clips at 1.0")
	assert.Equal(t, 1, doc.ValidationCount)

	require.NoError(t, tier.AdjustConfidence(ctx, "k1", -2.0))
	doc, err = tier.Retrieve(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, doc.ConfidenceScore, "confidence clips at 0.0")
	assert.Equal(t, 2, doc.ValidationCount)
}

func TestMarkStale_RetiresWithoutDeleting(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()

	require.NoError(t, tier.Store(ctx, mustDoc(t, "k1", "Old habit", "superseded content", models.KnowledgePattern, 0.8)))
	require.NoError(t, tier.MarkStale(ctx, "k1"))

	hits, err := tier.Search(ctx, "superseded", "", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Still retrievable by ID for the audit trail.
	doc, err := tier.Retrieve(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, doc.Stale)
}
