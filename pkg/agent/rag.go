package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stratamem/strata/pkg/config"
	"github.com/stratamem/strata/pkg/llm"
	"github.com/stratamem/strata/pkg/memory/l1"
	"github.com/stratamem/strata/pkg/memory/l3"
	"github.com/stratamem/strata/pkg/models"
)

const ragSystemPrompt = `You are a helpful assistant. The context below holds
passages retrieved from earlier in this conversation by similarity to the
current question. Use them when relevant.`

// ragRetrieveK is how many similar passages feed one prompt.
const ragRetrieveK = 5

// RAGAgent answers from a per-session vector index: each user turn is
// embedded and indexed, and each prompt is built from the most similar
// previously indexed passages. No facts, episodes, or knowledge are written.
type RAGAgent struct {
	active   *l1.ActiveContext
	episodic *l3.Episodic
	llm      *llm.Client
}

// NewRAGAgent creates the retrieval-augmented variant. The episodic tier
// should be constructed with l3.NoopGraph: the index is vector-only.
func NewRAGAgent(active *l1.ActiveContext, episodic *l3.Episodic, client *llm.Client) *RAGAgent {
	return &RAGAgent{active: active, episodic: episodic, llm: client}
}

// Variant identifies the policy.
func (a *RAGAgent) Variant() config.AgentVariant { return config.VariantRAG }

// HealthCheck pings the hot tier.
func (a *RAGAgent) HealthCheck(ctx context.Context) error {
	return a.active.HealthCheck(ctx)
}

// HandleTurn retrieves similar passages, answers, then indexes the new turn.
func (a *RAGAgent) HandleTurn(ctx context.Context, state *TurnState) error {
	if err := validate(state); err != nil {
		return err
	}
	userContent := state.LatestUserContent()

	preStart := time.Now()
	vec, err := a.llm.Embed(ctx, userContent)
	if err != nil {
		return fmt.Errorf("agent: embedding failed: %w", err)
	}

	// Retrieval is best-effort: an empty index on the first turn is normal.
	hits, err := a.episodic.SearchSimilar(ctx, vec,
		l3.SearchFilters{SessionID: state.SessionID}, ragRetrieveK)
	if err != nil {
		slog.Warn("Passage retrieval failed, answering without context",
			"session_id", state.SessionID, "error", err)
		hits = nil
	}

	var sb strings.Builder
	if len(hits) > 0 {
		sb.WriteString("## Retrieved passages\n")
		for _, h := range hits {
			fmt.Fprintf(&sb, "- %s\n", h.Episode.Summary)
		}
		sb.WriteString("\n")
		state.EpisodicChunks = append(state.EpisodicChunks, episodesOf(hits)...)
	}
	sb.WriteString("user: " + userContent)
	state.Timings.StoragePreMS = time.Since(preStart).Milliseconds()

	llmStart := time.Now()
	result, err := a.llm.Generate(ctx, llm.Request{
		System: ragSystemPrompt,
		Prompt: sb.String(),
	})
	if err != nil {
		return fmt.Errorf("agent: generation failed: %w", err)
	}
	state.Timings.LLMMS = time.Since(llmStart).Milliseconds()

	postStart := time.Now()
	now := time.Now().UTC()
	userTurn, err := models.NewTurn(state.SessionID, state.TurnID, models.RoleUser, userContent, now)
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if _, err := a.active.Store(ctx, userTurn); err != nil {
		return fmt.Errorf("agent: failed to store user turn: %w", err)
	}
	assistantTurn, err := models.NewTurn(state.SessionID, state.TurnID, models.RoleAssistant, result.Text, now)
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if _, err := a.active.Store(ctx, assistantTurn); err != nil {
		return fmt.Errorf("agent: failed to store assistant turn: %w", err)
	}

	if err := a.indexTurn(ctx, state.SessionID, state.TurnID, userContent, vec, now); err != nil {
		// The answer already exists; a missed index entry only weakens future
		// retrieval for this session.
		slog.Warn("Failed to index turn", "session_id", state.SessionID, "error", err)
	}

	state.Timings.StoragePostMS = time.Since(postStart).Milliseconds()

	state.Response = result.Text
	state.Provider = result.Provider
	state.Model = result.Model
	state.Usage = result.Usage
	return nil
}

// indexTurn stores the user turn as a vector-only document.
func (a *RAGAgent) indexTurn(ctx context.Context, sessionID string, turnID int, content string, vec []float32, now time.Time) error {
	doc, err := models.NewEpisode(
		fmt.Sprintf("doc_%s_%d", sessionID, turnID), sessionID, content, now, now)
	if err != nil {
		return err
	}
	doc.Embedding = vec
	_, err = a.episodic.Store(ctx, doc)
	return err
}

func episodesOf(hits []l3.SimilarEpisode) []models.Episode {
	out := make([]models.Episode, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Episode)
	}
	return out
}
