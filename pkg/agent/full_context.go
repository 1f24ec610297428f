package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stratamem/strata/pkg/config"
	"github.com/stratamem/strata/pkg/contextblock"
	"github.com/stratamem/strata/pkg/llm"
	"github.com/stratamem/strata/pkg/memory/l1"
	"github.com/stratamem/strata/pkg/models"
)

const fullContextSystemPrompt = `You are a helpful assistant. The full
conversation so far is replayed below. Answer the latest user message.`

// fullContextMinTurns is the floor when the budget forces truncation.
const fullContextMinTurns = 10

// FullContextAgent replays the largest window the model allows, truncating
// the oldest turns when the token budget is exceeded.
type FullContextAgent struct {
	active *l1.ActiveContext
	llm    *llm.Client

	tokenBudget int
}

// NewFullContextAgent creates the full-context variant.
func NewFullContextAgent(active *l1.ActiveContext, client *llm.Client, tokenBudget int) *FullContextAgent {
	return &FullContextAgent{active: active, llm: client, tokenBudget: tokenBudget}
}

// Variant identifies the policy.
func (a *FullContextAgent) Variant() config.AgentVariant { return config.VariantFullContext }

// HealthCheck pings the hot tier.
func (a *FullContextAgent) HealthCheck(ctx context.Context) error {
	return a.active.HealthCheck(ctx)
}

// HandleTurn replays the conversation and answers.
func (a *FullContextAgent) HandleTurn(ctx context.Context, state *TurnState) error {
	if err := validate(state); err != nil {
		return err
	}
	userContent := state.LatestUserContent()

	preStart := time.Now()
	turns, err := a.active.RetrieveSession(ctx, state.SessionID, l1.NewestFirst)
	if err != nil {
		return fmt.Errorf("agent: failed to read conversation: %w", err)
	}
	turns = a.fitBudget(turns, userContent)
	state.ActiveContext = turns
	state.Timings.StoragePreMS = time.Since(preStart).Milliseconds()

	var sb strings.Builder
	for i := len(turns) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "%s: %s\n", turns[i].Role, turns[i].Content)
	}
	sb.WriteString("user: " + userContent)

	llmStart := time.Now()
	result, err := a.llm.Generate(ctx, llm.Request{
		System: fullContextSystemPrompt,
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

	state.Timings.StoragePostMS = time.Since(postStart).Milliseconds()

	state.Response = result.Text
	state.Provider = result.Provider
	state.Model = result.Model
	state.Usage = result.Usage
	return nil
}

// fitBudget drops the oldest turns (the tail of the newest-first slice) until
// the estimated size fits, keeping at least fullContextMinTurns.
func (a *FullContextAgent) fitBudget(turnsNewestFirst []models.Turn, userContent string) []models.Turn {
	if a.tokenBudget <= 0 {
		return turnsNewestFirst
	}
	estimate := func(turns []models.Turn) int {
		total := contextblock.EstimateTokens(userContent)
		for _, t := range turns {
			total += contextblock.EstimateTokens(t.Content)
		}
		return total
	}
	for estimate(turnsNewestFirst) > a.tokenBudget && len(turnsNewestFirst) > fullContextMinTurns {
		turnsNewestFirst = turnsNewestFirst[:len(turnsNewestFirst)-1]
	}
	return turnsNewestFirst
}
