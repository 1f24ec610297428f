package engine

import (
	"context"
	"log/slog"

	"github.com/stratamem/strata/pkg/memory/l2"
	"github.com/stratamem/strata/pkg/memory/l3"
	"github.com/stratamem/strata/pkg/redisstore"
)

const (
	repairDrainBatch  = 64
	unsyncedScanLimit = 32
)

// Sweep is the periodic wake-up pass that provides eventual consistency:
// it repairs failed graph writes and re-triggers consolidation and
// distillation for sessions whose trigger events were dropped.
type Sweep struct {
	store         *redisstore.Client
	working       *l2.WorkingMemory
	episodic      *l3.Episodic
	consolidation *Consolidation
	distillation  *Distillation

	consolidationMinFacts   int
	distillationMinEpisodes int
}

// NewSweep creates the sweep pass.
func NewSweep(store *redisstore.Client, working *l2.WorkingMemory, episodic *l3.Episodic, consolidation *Consolidation, distillation *Distillation, minFacts, minEpisodes int) *Sweep {
	return &Sweep{
		store:                   store,
		working:                 working,
		episodic:                episodic,
		consolidation:           consolidation,
		distillation:            distillation,
		consolidationMinFacts:   minFacts,
		distillationMinEpisodes: minEpisodes,
	}
}

// RunOnce executes one full sweep. Individual failures are logged, not
// propagated: the next sweep retries.
func (s *Sweep) RunOnce(ctx context.Context) {
	s.repairGraphs(ctx)
	s.consolidatePending(ctx)
	s.distillPending(ctx)
}

func (s *Sweep) repairGraphs(ctx context.Context) {
	pending, err := s.store.DrainGraphRepairs(ctx, repairDrainBatch)
	if err != nil {
		slog.Warn("Failed to drain graph repair set", "error", err)
	}

	// Safety net for repairs that never made it into the set.
	unsynced, err := s.episodic.UnsyncedEpisodes(ctx, unsyncedScanLimit)
	if err != nil {
		slog.Warn("Failed to scan unsynced episodes", "error", err)
	}

	seen := make(map[string]bool, len(pending)+len(unsynced))
	for _, episodeID := range append(pending, unsynced...) {
		if seen[episodeID] {
			continue
		}
		seen[episodeID] = true

		if err := s.episodic.RepairGraph(ctx, episodeID); err != nil {
			slog.Warn("Graph repair failed, re-queueing", "episode_id", episodeID, "error", err)
			if enqErr := s.store.EnqueueGraphRepair(ctx, episodeID); enqErr != nil {
				slog.Error("Failed to re-queue graph repair", "episode_id", episodeID, "error", enqErr)
			}
			continue
		}
		slog.Info("Graph repair completed", "episode_id", episodeID)
	}
}

func (s *Sweep) consolidatePending(ctx context.Context) {
	sessions, err := s.working.SessionsWithUnconsolidated(ctx, s.consolidationMinFacts)
	if err != nil {
		slog.Warn("Failed to list sessions pending consolidation", "error", err)
		return
	}
	for _, sessionID := range sessions {
		if _, err := s.consolidation.Run(ctx, sessionID); err != nil {
			slog.Warn("Sweep consolidation failed", "session_id", sessionID, "error", err)
		}
	}
}

func (s *Sweep) distillPending(ctx context.Context) {
	sessions, err := s.episodic.SessionsWithEpisodes(ctx, s.distillationMinEpisodes)
	if err != nil {
		slog.Warn("Failed to list sessions pending distillation", "error", err)
		return
	}
	for _, sessionID := range sessions {
		if _, err := s.distillation.Run(ctx, sessionID); err != nil {
			slog.Warn("Sweep distillation failed", "session_id", sessionID, "error", err)
		}
	}
}
