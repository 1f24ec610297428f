package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stratamem/strata/pkg/config"
	"github.com/stratamem/strata/pkg/llm"
	"github.com/stratamem/strata/pkg/memory/l3"
	"github.com/stratamem/strata/pkg/memory/l4"
	"github.com/stratamem/strata/pkg/models"
)

// Distillation is the L3→L4 engine: it clusters similar episodes and distills
// them into knowledge documents, resolving conflicts with prior knowledge by
// confidence adjustment or supersession.
type Distillation struct {
	episodic *l3.Episodic
	semantic *l4.Semantic
	llm      Generator
	cfg      config.DistillationConfig
}

// NewDistillation creates the engine.
func NewDistillation(episodic *l3.Episodic, semantic *l4.Semantic, gen Generator, cfg config.DistillationConfig) *Distillation {
	return &Distillation{episodic: episodic, semantic: semantic, llm: gen, cfg: cfg}
}

type distilledKnowledge struct {
	Title           string  `json:"title"`
	Content         string  `json:"content"`
	KnowledgeType   string  `json:"knowledge_type"`
	ConfidenceScore float64 `json:"confidence_score"`
}

var distillationSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title":            map[string]any{"type": "string"},
		"content":          map[string]any{"type": "string"},
		"knowledge_type":   map[string]any{"type": "string", "enum": []string{"pattern", "rule", "summary", "procedure"}},
		"confidence_score": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
	},
	"required":             []string{"title", "content", "knowledge_type", "confidence_score"},
	"additionalProperties": false,
}

const distillationSystemPrompt = `You distill recurring episodes into one reusable knowledge document.
Generalize: capture the pattern, rule, summary, or procedure the episodes
demonstrate, not the individual events. Rate your confidence between 0 and 1.`

type conflictVerdict struct {
	Conflict string `json:"conflict"`
}

var conflictSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"conflict": map[string]any{"type": "string", "enum": []string{"none", "soft", "hard"}},
	},
	"required":             []string{"conflict"},
	"additionalProperties": false,
}

const conflictSystemPrompt = `You compare two knowledge documents on the same topic.
Answer "hard" if they state opposing rules or contradict each other,
"soft" if they overlap but disagree only in detail or emphasis,
"none" if they are compatible.`

// softConflictPenalty is subtracted from both documents on a soft conflict.
const softConflictPenalty = 0.1

// Run executes one distillation pass for a session. Returns the number of
// knowledge documents written.
func (d *Distillation) Run(ctx context.Context, sessionID string) (int, error) {
	episodes, err := d.episodic.ListBySession(ctx, sessionID, d.cfg.MinEpisodes*4)
	if err != nil {
		return 0, fmt.Errorf("distillation: %w", err)
	}
	if len(episodes) < d.cfg.MinEpisodes {
		return 0, nil
	}

	// Seed the cluster with the newest episode and pull its neighbors by
	// vector similarity.
	seed := episodes[0]
	cluster := []models.Episode{seed}
	if len(seed.Embedding) > 0 {
		neighbors, err := d.episodic.SearchSimilar(ctx, seed.Embedding,
			l3.SearchFilters{SessionID: sessionID}, d.cfg.ClusterSize)
		if err != nil {
			return 0, fmt.Errorf("distillation: neighbor search failed: %w", err)
		}
		cluster = cluster[:0]
		for _, n := range neighbors {
			cluster = append(cluster, n.Episode)
		}
	}
	if len(cluster) < d.cfg.MinEpisodes {
		return 0, nil
	}

	doc, err := d.distill(ctx, cluster)
	if err != nil {
		return 0, err
	}

	if err := d.resolveConflicts(ctx, doc); err != nil {
		return 0, err
	}

	if err := d.semantic.Store(ctx, *doc); err != nil {
		return 0, fmt.Errorf("distillation: %w", err)
	}
	slog.Info("Knowledge distilled",
		"session_id", sessionID, "knowledge_id", doc.KnowledgeID,
		"type", doc.KnowledgeType, "episodes", doc.EpisodeCount)
	return 1, nil
}

func (d *Distillation) distill(ctx context.Context, cluster []models.Episode) (*models.KnowledgeDocument, error) {
	var sb strings.Builder
	for _, ep := range cluster {
		fmt.Fprintf(&sb, "- %s\n", ep.Summary)
	}

	result, err := d.llm.Generate(ctx, llm.Request{
		System:     distillationSystemPrompt,
		Prompt:     sb.String(),
		SchemaName: "knowledge_document",
		Schema:     distillationSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("distillation: generation failed: %w", err)
	}
	var distilled distilledKnowledge
	if err := llm.DecodeStructured(result, &distilled); err != nil {
		return nil, fmt.Errorf("distillation: output malformed: %w", err)
	}

	kt := models.KnowledgeType(distilled.KnowledgeType)
	if !kt.IsValid() {
		kt = models.KnowledgeSummary
	}
	doc, err := models.NewKnowledgeDocument(
		knowledgeID(distilled.Title, kt), distilled.Title, distilled.Content, kt,
		clampUnit(distilled.ConfidenceScore))
	if err != nil {
		return nil, fmt.Errorf("distillation: %w", err)
	}
	doc.EpisodeCount = len(cluster)
	return &doc, nil
}

// resolveConflicts compares the incoming document against prior knowledge
// with overlapping titles. Soft conflicts dent both confidences; a hard
// conflict supersedes the old document (marked stale, never deleted).
func (d *Distillation) resolveConflicts(ctx context.Context, doc *models.KnowledgeDocument) error {
	existing, err := d.semantic.FindByTitleOverlap(ctx, doc.Title, doc.KnowledgeType)
	if err != nil {
		return fmt.Errorf("distillation: conflict lookup failed: %w", err)
	}

	for _, prior := range existing {
		if prior.KnowledgeID == doc.KnowledgeID {
			// Re-distilling the same knowledge validates it.
			if err := d.semantic.AdjustConfidence(ctx, prior.KnowledgeID, 0.05); err != nil {
				return err
			}
			continue
		}

		verdict, err := d.judgeConflict(ctx, prior, *doc)
		if err != nil {
			slog.Warn("Conflict judgment failed, keeping both documents",
				"existing", prior.KnowledgeID, "incoming", doc.KnowledgeID, "error", err)
			continue
		}

		switch verdict {
		case "hard":
			if err := d.semantic.MarkStale(ctx, prior.KnowledgeID); err != nil {
				return err
			}
			slog.Info("Knowledge superseded",
				"stale", prior.KnowledgeID, "superseded_by", doc.KnowledgeID)
		case "soft":
			if err := d.semantic.AdjustConfidence(ctx, prior.KnowledgeID, -softConflictPenalty); err != nil {
				return err
			}
			doc.ConfidenceScore = clampUnit(doc.ConfidenceScore - softConflictPenalty)
		}
	}
	return nil
}

func (d *Distillation) judgeConflict(ctx context.Context, existing, incoming models.KnowledgeDocument) (string, error) {
	prompt := fmt.Sprintf("Document A:\n%s\n%s\n\nDocument B:\n%s\n%s",
		existing.Title, existing.Content, incoming.Title, incoming.Content)
	result, err := d.llm.Generate(ctx, llm.Request{
		System:     conflictSystemPrompt,
		Prompt:     prompt,
		SchemaName: "conflict_verdict",
		Schema:     conflictSchema,
	})
	if err != nil {
		return "", err
	}
	var verdict conflictVerdict
	if err := llm.DecodeStructured(result, &verdict); err != nil {
		return "", err
	}
	return verdict.Conflict, nil
}

// knowledgeID derives a deterministic document ID from the normalized title
// and type, so re-distilling the same insight converges on one document.
func knowledgeID(title string, kt models.KnowledgeType) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(title))))
	h.Write([]byte{0x1f})
	h.Write([]byte(kt))
	return "know_" + hex.EncodeToString(h.Sum(nil))[:32]
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
