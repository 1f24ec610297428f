// Package engine hosts the background memory engines: promotion (L1→L2),
// consolidation (L2→L3), distillation (L3→L4), and the wake-up sweep that
// reconciles partial failures.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stratamem/strata/pkg/bus"
	"github.com/stratamem/strata/pkg/ciar"
	"github.com/stratamem/strata/pkg/config"
	"github.com/stratamem/strata/pkg/keyspace"
	"github.com/stratamem/strata/pkg/llm"
	"github.com/stratamem/strata/pkg/memory/l2"
	"github.com/stratamem/strata/pkg/models"
	"github.com/stratamem/strata/pkg/redisstore"
)

// Generator is the slice of the LLM client the engines need.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Result, error)
}

// Promotion is the L1→L2 engine: it pulls significant, unpromoted turns
// through the atomic filter script, extracts facts with an LLM, scores them,
// and batch-inserts the survivors.
type Promotion struct {
	store   *redisstore.Client
	working *l2.WorkingMemory
	llm     Generator
	pub     *bus.Publisher
	cfg     config.PromotionConfig
}

// NewPromotion creates the engine.
func NewPromotion(store *redisstore.Client, working *l2.WorkingMemory, gen Generator, pub *bus.Publisher, cfg config.PromotionConfig) *Promotion {
	return &Promotion{store: store, working: working, llm: gen, pub: pub, cfg: cfg}
}

// extractedFact is the structured-output row the extractor returns.
type extractedFact struct {
	Content       string  `json:"content"`
	Type          string  `json:"type"`
	Category      string  `json:"category"`
	Certainty     float64 `json:"certainty"`
	Impact        float64 `json:"impact"`
	Justification string  `json:"justification"`
}

type extractionResult struct {
	Facts []extractedFact `json:"facts"`
}

// extractionSchema constrains the extractor's output.
var extractionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"facts": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content":       map[string]any{"type": "string"},
					"type":          map[string]any{"type": "string", "enum": []string{"preference", "constraint", "entity", "mention", "relationship", "event", "instruction", "observation"}},
					"category":      map[string]any{"type": "string", "enum": []string{"personal", "business", "technical", "operational"}},
					"certainty":     map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					"impact":        map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					"justification": map[string]any{"type": "string"},
				},
				"required":             []string{"content", "type", "category", "certainty", "impact", "justification"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"facts"},
	"additionalProperties": false,
}

const extractionSystemPrompt = `You extract durable facts about the user from conversation turns.
A fact is information worth remembering beyond this conversation: preferences,
constraints, entities, relationships, events, instructions, or observations.
Rate certainty (how sure the turn supports the fact) and impact (how much the
fact should influence future responses) between 0 and 1. Skip smalltalk.`

// Run executes one promotion pass for a session. Returns the number of facts
// promoted. Concurrent runs for the same session are serialized by a lease:
// losing the lease is a silent no-op, the holder will cover the turns.
func (p *Promotion) Run(ctx context.Context, sessionID string, threshold float64) (int, error) {
	if threshold <= 0 {
		threshold = p.cfg.Threshold
	}

	leaseKey := keyspace.PromotionLease(sessionID)
	token := uuid.NewString()
	acquired, err := p.store.AcquireLease(ctx, leaseKey, token, p.cfg.LeaseTTL.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("promotion: failed to acquire lease: %w", err)
	}
	if !acquired {
		slog.Debug("Promotion already running for session", "session_id", sessionID)
		return 0, nil
	}
	defer func() {
		if err := p.store.ReleaseLease(context.WithoutCancel(ctx), leaseKey, token); err != nil {
			slog.Warn("Failed to release promotion lease", "session_id", sessionID, "error", err)
		}
	}()

	candidates, err := p.store.Scripts.RunPromotion(ctx, p.store.Redis(),
		keyspace.Turns(sessionID), keyspace.FactIndex(sessionID), threshold, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("promotion: candidate filter failed: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	extraction, err := p.extract(ctx, sessionID, candidates)
	if err != nil {
		p.pub.PublishPromotionFailed(ctx, bus.PromotionFailedPayload{
			SessionID: sessionID,
			Reason:    err.Error(),
			Attempts:  p.cfg.LLMRetries + 1,
		})
		return 0, fmt.Errorf("promotion: extraction failed: %w", err)
	}

	sourceTurnIDs := make([]int, 0, len(candidates))
	for _, c := range candidates {
		sourceTurnIDs = append(sourceTurnIDs, c.TurnID)
	}

	now := time.Now().UTC()
	var promoted []models.Fact
	for _, ef := range extraction.Facts {
		fact, components, ok := p.buildFact(ctx, sessionID, ef, sourceTurnIDs, threshold, now)

		p.pub.PublishSignificanceScored(ctx, bus.SignificanceScoredPayload{
			SessionID:  sessionID,
			FactID:     ciar.FactID(sessionID, ef.Content, models.FactType(ef.Type)),
			Components: components,
			Promoted:   ok,
		})
		if ok {
			promoted = append(promoted, fact)
		}
	}

	if len(promoted) == 0 {
		return 0, nil
	}
	if err := p.working.StoreBatch(ctx, promoted); err != nil {
		return 0, fmt.Errorf("promotion: batch insert failed: %w", err)
	}

	for _, fact := range promoted {
		p.pub.PublishFactPromoted(ctx, bus.FactPromotedPayload{
			SessionID:     sessionID,
			FactID:        fact.FactID,
			FactType:      string(fact.FactType),
			CIARScore:     fact.CIARScore,
			Justification: fact.Justification,
		})
	}

	slog.Info("Promotion completed",
		"session_id", sessionID, "candidates", len(candidates),
		"extracted", len(extraction.Facts), "promoted", len(promoted))
	return len(promoted), nil
}

// extract batches the candidate turns to the LLM with bounded retries on
// malformed output.
func (p *Promotion) extract(ctx context.Context, sessionID string, candidates []redisstore.PromotionCandidate) (*extractionResult, error) {
	var sb strings.Builder
	// Candidates come newest-first off the list head; present them oldest
	// first so the extractor reads chronologically.
	for i := len(candidates) - 1; i >= 0; i-- {
		c := candidates[i]
		fmt.Fprintf(&sb, "[turn %d] %s: %s\n", c.TurnID, c.Role, c.Content)
	}

	req := llm.Request{
		System:     extractionSystemPrompt,
		Prompt:     sb.String(),
		SchemaName: "fact_extraction",
		Schema:     extractionSchema,
	}

	attempts := p.cfg.LLMRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result, err := p.llm.Generate(ctx, req)
		if err != nil {
			lastErr = err
			continue
		}
		var extraction extractionResult
		if err := llm.DecodeStructured(result, &extraction); err != nil {
			lastErr = err
			slog.Warn("Extractor returned malformed output, retrying",
				"session_id", sessionID, "attempt", attempt+1, "error", err)
			continue
		}
		return &extraction, nil
	}
	return nil, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// buildFact validates one extracted fact, scores it, and re-checks the dedup
// index (the LLM latency window may have let a concurrent promoter win).
func (p *Promotion) buildFact(ctx context.Context, sessionID string, ef extractedFact, sourceTurnIDs []int, threshold float64, now time.Time) (models.Fact, ciar.Components, bool) {
	factType := models.FactType(ef.Type)
	if !factType.IsValid() {
		factType = models.FactTypeObservation
	}
	category := models.FactCategory(ef.Category)
	if !category.IsValid() {
		category = models.CategoryPersonal
	}

	components := ciar.Compute(ef.Certainty, ef.Impact, 0, 0)
	factID := ciar.FactID(sessionID, ef.Content, factType)

	if components.Score < threshold {
		return models.Fact{}, components, false
	}

	exists, err := p.store.Redis().SIsMember(ctx, keyspace.FactIndex(sessionID), factID).Result()
	if err != nil {
		slog.Warn("Dedup re-check failed, relying on insert idempotency",
			"session_id", sessionID, "fact_id", factID, "error", err)
	} else if exists {
		return models.Fact{}, components, false
	}

	fact, err := models.NewFact(factID, sessionID, ef.Content, factType, category,
		components.Certainty, components.Impact, components.Score, now)
	if err != nil {
		slog.Warn("Dropping invalid extracted fact", "session_id", sessionID, "error", err)
		return models.Fact{}, components, false
	}
	fact.Provenance.SourceTurnIDs = sourceTurnIDs
	fact.Justification = ef.Justification
	return fact, components, true
}
