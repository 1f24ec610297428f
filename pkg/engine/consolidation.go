package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stratamem/strata/pkg/bus"
	"github.com/stratamem/strata/pkg/config"
	"github.com/stratamem/strata/pkg/llm"
	"github.com/stratamem/strata/pkg/memory/l2"
	"github.com/stratamem/strata/pkg/memory/l3"
	"github.com/stratamem/strata/pkg/models"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// clusterGap is the maximum extraction-time gap between consecutive facts of
// one episode cluster.
const clusterGap = 30 * time.Minute

// Consolidation is the L2→L3 engine: it clusters unconsolidated facts by
// time window and category, synthesizes an episode summary with entities and
// relationships, embeds it, and stores the episode in both L3 modalities.
type Consolidation struct {
	working  *l2.WorkingMemory
	episodic *l3.Episodic
	llm      Generator
	embedder Embedder
	pub      *bus.Publisher
	cfg      config.ConsolidationConfig
}

// NewConsolidation creates the engine.
func NewConsolidation(working *l2.WorkingMemory, episodic *l3.Episodic, gen Generator, embedder Embedder, pub *bus.Publisher, cfg config.ConsolidationConfig) *Consolidation {
	return &Consolidation{working: working, episodic: episodic, llm: gen, embedder: embedder, pub: pub, cfg: cfg}
}

// episodeSynthesis is the structured-output shape of one summarization call.
type episodeSynthesis struct {
	Summary       string   `json:"summary"`
	Importance    float64  `json:"importance"`
	Entities      []string `json:"entities"`
	Relationships []struct {
		Subject   string `json:"subject"`
		Predicate string `json:"predicate"`
		Object    string `json:"object"`
	} `json:"relationships"`
}

var synthesisSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"summary":    map[string]any{"type": "string"},
		"importance": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"entities":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"relationships": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"subject":   map[string]any{"type": "string"},
					"predicate": map[string]any{"type": "string"},
					"object":    map[string]any{"type": "string"},
				},
				"required":             []string{"subject", "predicate", "object"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"summary", "importance", "entities", "relationships"},
	"additionalProperties": false,
}

const synthesisSystemPrompt = `You consolidate extracted facts into an episode record.
Write a short narrative summary of what happened, list the entities involved,
and express durable relationships between them as subject/predicate/object
triples. Predicates are short snake_case verbs. Rate the episode's importance
between 0 and 1.`

// Run executes one consolidation pass for a session. Returns the number of
// episodes written. Below-threshold sessions are a no-op.
func (c *Consolidation) Run(ctx context.Context, sessionID string) (int, error) {
	facts, err := c.working.Unconsolidated(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("consolidation: %w", err)
	}
	if len(facts) < c.cfg.MinFacts {
		return 0, nil
	}

	episodes := 0
	for _, cluster := range clusterFacts(facts) {
		if err := c.consolidateCluster(ctx, sessionID, cluster); err != nil {
			// Later clusters still get their chance; the facts stay
			// unconsolidated and the next pass retries.
			slog.Warn("Cluster consolidation failed",
				"session_id", sessionID, "facts", len(cluster), "error", err)
			continue
		}
		episodes++
	}
	return episodes, nil
}

// clusterFacts groups facts (sorted oldest first) into clusters that share a
// category and have no extraction gap larger than clusterGap.
func clusterFacts(facts []models.Fact) [][]models.Fact {
	var clusters [][]models.Fact
	byCategory := make(map[models.FactCategory][]models.Fact)
	for _, f := range facts {
		byCategory[f.Category] = append(byCategory[f.Category], f)
	}

	for _, group := range byCategory {
		var current []models.Fact
		for _, f := range group {
			if len(current) > 0 && f.ExtractedAt.Sub(current[len(current)-1].ExtractedAt) > clusterGap {
				clusters = append(clusters, current)
				current = nil
			}
			current = append(current, f)
		}
		if len(current) > 0 {
			clusters = append(clusters, current)
		}
	}
	return clusters
}

func (c *Consolidation) consolidateCluster(ctx context.Context, sessionID string, cluster []models.Fact) error {
	var sb strings.Builder
	factIDs := make([]string, 0, len(cluster))
	for _, f := range cluster {
		fmt.Fprintf(&sb, "- [%s/%s] %s\n", f.FactType, f.Category, f.Content)
		factIDs = append(factIDs, f.FactID)
	}

	result, err := c.llm.Generate(ctx, llm.Request{
		System:     synthesisSystemPrompt,
		Prompt:     sb.String(),
		SchemaName: "episode_synthesis",
		Schema:     synthesisSchema,
	})
	if err != nil {
		return fmt.Errorf("synthesis failed: %w", err)
	}
	var synthesis episodeSynthesis
	if err := llm.DecodeStructured(result, &synthesis); err != nil {
		return fmt.Errorf("synthesis output malformed: %w", err)
	}
	if synthesis.Summary == "" {
		return fmt.Errorf("synthesis produced an empty summary")
	}

	embedding, err := c.embedder.Embed(ctx, synthesis.Summary)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}

	windowStart := cluster[0].ExtractedAt
	windowEnd := cluster[len(cluster)-1].ExtractedAt
	episode, err := models.NewEpisode("ep_"+uuid.NewString(), sessionID, synthesis.Summary, windowStart, windowEnd)
	if err != nil {
		return err
	}
	episode.ImportanceScore = synthesis.Importance
	episode.Embedding = embedding
	episode.Entities = synthesis.Entities
	episode.SourceFactIDs = factIDs
	for _, r := range synthesis.Relationships {
		episode.Relationships = append(episode.Relationships, models.Relationship{
			Subject:       r.Subject,
			Predicate:     r.Predicate,
			Object:        r.Object,
			FactValidFrom: episode.SourceObservationTimestamp,
		})
	}

	graphOK, err := c.episodic.Store(ctx, episode)
	if err != nil {
		return fmt.Errorf("episode store failed: %w", err)
	}

	if err := c.working.MarkConsolidated(ctx, factIDs, time.Now().UTC()); err != nil {
		// The episode exists; unmarked facts would re-consolidate into a
		// duplicate episode next pass. Surface the error.
		return fmt.Errorf("episode %s stored but facts not marked: %w", episode.EpisodeID, err)
	}

	graphWrite := "ok"
	if !graphOK {
		graphWrite = "pending_repair"
	}
	c.pub.PublishConsolidation(ctx, bus.ConsolidationPayload{
		SessionID:  sessionID,
		EpisodeID:  episode.EpisodeID,
		FactCount:  len(cluster),
		GraphWrite: graphWrite,
	})

	slog.Info("Episode consolidated",
		"session_id", sessionID, "episode_id", episode.EpisodeID,
		"facts", len(cluster), "graph_write", graphWrite)
	return nil
}
