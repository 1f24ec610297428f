// Package contextblock assembles the layered prompt context for a turn:
// recent turns, significant facts, standing orders, episode summaries, and
// knowledge snippets, trimmed to a token budget.
package contextblock

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stratamem/strata/pkg/ciar"
	"github.com/stratamem/strata/pkg/memory/l1"
	"github.com/stratamem/strata/pkg/memory/l2"
	"github.com/stratamem/strata/pkg/memory/l3"
	"github.com/stratamem/strata/pkg/memory/l4"
	"github.com/stratamem/strata/pkg/models"
)

// Embedder turns a query text into a vector for episode similarity lookup.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Params selects how much context to assemble.
type Params struct {
	SessionID string
	MinCIAR   float64
	MaxTurns  int
	MaxFacts  int

	// TokenBudget caps the estimated size of the assembled block.
	TokenBudget int
}

const (
	// minTurnsKept is the floor when the budget forces turn dropping.
	minTurnsKept = 10

	maxEpisodeSummaries = 3
	maxKnowledgeSnips   = 3
)

// Assembler builds context blocks from the four tiers. L3 and L4 lookups are
// best-effort: a failed tier degrades to an empty section rather than failing
// the turn.
type Assembler struct {
	active   *l1.ActiveContext
	working  *l2.WorkingMemory
	episodic *l3.Episodic
	semantic *l4.Semantic
	embedder Embedder
}

// New creates an assembler. episodic, semantic, and embedder may be nil for
// variants that only use the hot tiers.
func New(active *l1.ActiveContext, working *l2.WorkingMemory, episodic *l3.Episodic, semantic *l4.Semantic, embedder Embedder) *Assembler {
	return &Assembler{active: active, working: working, episodic: episodic, semantic: semantic, embedder: embedder}
}

// Assemble builds the context block for one turn.
func (a *Assembler) Assemble(ctx context.Context, p Params) (*models.ContextBlock, error) {
	turns, err := a.active.RetrieveSession(ctx, p.SessionID, l1.NewestFirst)
	if err != nil {
		return nil, fmt.Errorf("contextblock: failed to read turns: %w", err)
	}
	if p.MaxTurns > 0 && len(turns) > p.MaxTurns {
		turns = turns[:p.MaxTurns]
	}

	// The latest user turn keys the L3/L4 lookups.
	query := latestUserContent(turns)

	block := &models.ContextBlock{
		SessionID:   p.SessionID,
		RecentTurns: turns,
		AssembledAt: time.Now().UTC(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		facts, err := a.working.QueryBySession(gctx, p.SessionID, l2.Filters{
			MinCIAR: p.MinCIAR,
			Limit:   p.MaxFacts + p.MaxFacts, // headroom: instructions split out below
		})
		if err != nil {
			return fmt.Errorf("contextblock: failed to read facts: %w", err)
		}
		significant, orders := partitionFacts(facts, p.MaxFacts)
		block.SignificantFacts = significant
		block.StandingOrders = orders
		return nil
	})

	if a.episodic != nil && a.embedder != nil && query != "" {
		g.Go(func() error {
			vec, err := a.embedder.Embed(gctx, query)
			if err != nil {
				slog.Warn("Episode lookup skipped, embedding failed",
					"session_id", p.SessionID, "error", err)
				return nil
			}
			hits, err := a.episodic.SearchSimilar(gctx, vec,
				l3.SearchFilters{SessionID: p.SessionID}, maxEpisodeSummaries)
			if err != nil {
				slog.Warn("Episode lookup failed", "session_id", p.SessionID, "error", err)
				return nil
			}
			episodes := make([]models.Episode, 0, len(hits))
			for _, h := range hits {
				episodes = append(episodes, h.Episode)
			}
			block.EpisodeSummaries = episodes
			return nil
		})
	}

	if a.semantic != nil && query != "" {
		g.Go(func() error {
			docs, err := a.semantic.Search(gctx, query, "", maxKnowledgeSnips)
			if err != nil {
				slog.Warn("Knowledge lookup failed", "session_id", p.SessionID, "error", err)
				return nil
			}
			block.KnowledgeSnippets = docs
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	a.fitBudget(block, p.TokenBudget)
	return block, nil
}

// partitionFacts splits instruction facts (standing orders) from the rest
// and caps the significant list. Standing orders are rescored ties broken by
// extraction time; the newest instruction for a given derived ID wins.
func partitionFacts(facts []models.Fact, maxFacts int) (significant []models.Fact, orders []models.Fact) {
	seenOrder := make(map[string]bool)

	sorted := make([]models.Fact, len(facts))
	copy(sorted, facts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CIARScore != sorted[j].CIARScore {
			return sorted[i].CIARScore > sorted[j].CIARScore
		}
		return sorted[i].ExtractedAt.After(sorted[j].ExtractedAt)
	})

	for _, f := range sorted {
		if f.FactType == models.FactTypeInstruction {
			id := ciar.FactID(f.SessionID, f.Content, f.FactType)
			if !seenOrder[id] {
				seenOrder[id] = true
				orders = append(orders, f)
			}
			continue
		}
		if maxFacts <= 0 || len(significant) < maxFacts {
			significant = append(significant, f)
		}
	}
	return significant, orders
}

// fitBudget drops the oldest turns until the block fits, never going below
// minTurnsKept. Facts and knowledge are kept: they are smaller and carry the
// long-term signal the tiers exist for.
func (a *Assembler) fitBudget(block *models.ContextBlock, budget int) {
	block.EstimatedTokens = estimateBlock(block)
	if budget <= 0 {
		return
	}
	for block.EstimatedTokens > budget && len(block.RecentTurns) > minTurnsKept {
		// Turns are newest-first, so the oldest is last.
		block.RecentTurns = block.RecentTurns[:len(block.RecentTurns)-1]
		block.EstimatedTokens = estimateBlock(block)
	}
}

// EstimateTokens approximates the token count of a text as ceil(len/4).
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

func estimateBlock(block *models.ContextBlock) int {
	total := 0
	for _, t := range block.RecentTurns {
		total += EstimateTokens(t.Content)
	}
	for _, f := range block.SignificantFacts {
		total += EstimateTokens(f.Content)
	}
	for _, f := range block.StandingOrders {
		total += EstimateTokens(f.Content)
	}
	for _, e := range block.EpisodeSummaries {
		total += EstimateTokens(e.Summary)
	}
	for _, d := range block.KnowledgeSnippets {
		total += EstimateTokens(d.Title) + EstimateTokens(d.Content)
	}
	return total
}

func latestUserContent(turnsNewestFirst []models.Turn) string {
	for _, t := range turnsNewestFirst {
		if t.Role == models.RoleUser {
			return t.Content
		}
	}
	return ""
}

// Render flattens a block into prompt text. Standing orders lead, the
// conversation follows oldest-first, and facts plus knowledge close the
// prompt so the model treats them as standing context.
func Render(block *models.ContextBlock) string {
	var sb strings.Builder

	if len(block.StandingOrders) > 0 {
		sb.WriteString("## Standing orders\n")
		for _, f := range block.StandingOrders {
			sb.WriteString("- " + f.Content + "\n")
		}
		sb.WriteString("\n")
	}

	if len(block.RecentTurns) > 0 {
		sb.WriteString("## Conversation\n")
		for i := len(block.RecentTurns) - 1; i >= 0; i-- {
			t := block.RecentTurns[i]
			sb.WriteString(string(t.Role) + ": " + t.Content + "\n")
		}
		sb.WriteString("\n")
	}

	if len(block.SignificantFacts) > 0 {
		sb.WriteString("## Known facts\n")
		for _, f := range block.SignificantFacts {
			sb.WriteString("- " + f.Content + "\n")
		}
		sb.WriteString("\n")
	}

	if len(block.EpisodeSummaries) > 0 {
		sb.WriteString("## Past episodes\n")
		for _, e := range block.EpisodeSummaries {
			sb.WriteString("- " + e.Summary + "\n")
		}
		sb.WriteString("\n")
	}

	if len(block.KnowledgeSnippets) > 0 {
		sb.WriteString("## Knowledge\n")
		for _, d := range block.KnowledgeSnippets {
			sb.WriteString("- " + d.Title + ": " + d.Content + "\n")
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}
