package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/strata/pkg/models"
)

func newSweep(h *harness) *Sweep {
	consolidation := NewConsolidation(h.working, h.episodic, h.client, h.client, h.pub, consolidationConfig())
	distillation := NewDistillation(h.episodic, h.semantic, h.client, distillationConfig())
	return NewSweep(h.store, h.working, h.episodic, consolidation, distillation,
		consolidationConfig().MinFacts, distillationConfig().MinEpisodes)
}

func TestSweep_RepairsFailedGraphWrites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sweep := newSweep(h)

	h.graph.failAll = true
	ep := h.seedEpisode(t, "full:s1", "graph write will fail", time.Now().UTC())

	unsynced, err := h.episodic.UnsyncedEpisodes(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{ep.EpisodeID}, unsynced)

	h.graph.failAll = false
	sweep.RunOnce(ctx)

	unsynced, err = h.episodic.UnsyncedEpisodes(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unsynced)

	h.graph.mu.Lock()
	writes := h.graph.writes
	h.graph.mu.Unlock()
	assert.GreaterOrEqual(t, writes, 1)

	// The repair set is drained.
	pending, err := h.store.DrainGraphRepairs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSweep_RequeuesWhenRepairKeepsFailing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sweep := newSweep(h)

	h.graph.failAll = true
	ep := h.seedEpisode(t, "full:s1", "graph stays down", time.Now().UTC())

	sweep.RunOnce(ctx)

	// Still unsynced and still queued for the next sweep.
	unsynced, err := h.episodic.UnsyncedEpisodes(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{ep.EpisodeID}, unsynced)

	pending, err := h.store.DrainGraphRepairs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{ep.EpisodeID}, pending)
}

func TestSweep_ConsolidatesSessionsWithPendingFacts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sweep := newSweep(h)

	// A dropped promotion event left these facts unconsolidated; the sweep is
	// the safety net that still turns them into an episode.
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		h.seedFact(t, "full:s1", fmt.Sprintf("orphaned fact %d", i),
			models.CategoryBusiness, base.Add(time.Duration(i)*time.Minute))
	}
	h.mock.Enqueue(synthesisJSON)

	sweep.RunOnce(ctx)

	episodes, err := h.episodic.ListBySession(ctx, "full:s1", 10)
	require.NoError(t, err)
	assert.Len(t, episodes, 1)

	remaining, err := h.working.Unconsolidated(ctx, "full:s1")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestSweep_DistillsSessionsWithEnoughEpisodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sweep := newSweep(h)

	base := time.Now().UTC().Add(-time.Hour)
	h.seedEpisode(t, "full:s1", "User scheduled a meeting at 9am", base)
	h.seedEpisode(t, "full:s1", "User asked for an 8am slot", base.Add(10*time.Minute))
	h.mock.Enqueue(distilledJSON)

	sweep.distillPending(ctx)

	doc, err := h.semantic.Retrieve(ctx,
		knowledgeID("User prefers morning meetings", models.KnowledgePattern))
	require.NoError(t, err)
	assert.Equal(t, models.KnowledgePattern, doc.KnowledgeType)
}
