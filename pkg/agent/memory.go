package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stratamem/strata/pkg/bus"
	"github.com/stratamem/strata/pkg/config"
	"github.com/stratamem/strata/pkg/contextblock"
	"github.com/stratamem/strata/pkg/llm"
	"github.com/stratamem/strata/pkg/memory/l1"
	"github.com/stratamem/strata/pkg/models"
)

const memorySystemPrompt = `You are a helpful assistant with long-term memory.
The context below contains standing orders, the recent conversation, known
facts about the user, past episodes, and distilled knowledge. Obey standing
orders. Use the facts and knowledge when they are relevant; never contradict
them.`

// MemoryAgent runs the five-step tiered-memory pipeline per turn:
// perceive, retrieve, reason, update, respond. It is the only variant that
// feeds the promotion pipeline.
type MemoryAgent struct {
	active    *l1.ActiveContext
	assembler *contextblock.Assembler
	llm       *llm.Client
	pub       *bus.Publisher

	memCfg  config.MemoryConfig
	promCfg config.PromotionConfig
}

// NewMemoryAgent creates the memory variant.
func NewMemoryAgent(active *l1.ActiveContext, assembler *contextblock.Assembler, client *llm.Client, pub *bus.Publisher, memCfg config.MemoryConfig, promCfg config.PromotionConfig) *MemoryAgent {
	return &MemoryAgent{
		active:    active,
		assembler: assembler,
		llm:       client,
		pub:       pub,
		memCfg:    memCfg,
		promCfg:   promCfg,
	}
}

// Variant identifies the policy.
func (a *MemoryAgent) Variant() config.AgentVariant { return config.VariantMemory }

// HealthCheck pings the hot tier.
func (a *MemoryAgent) HealthCheck(ctx context.Context) error {
	return a.active.HealthCheck(ctx)
}

// HandleTurn executes one turn of the pipeline.
func (a *MemoryAgent) HandleTurn(ctx context.Context, state *TurnState) error {
	// Perceive.
	if err := validate(state); err != nil {
		return err
	}
	userContent := state.LatestUserContent()

	// Retrieve: assemble the layered context block.
	preStart := time.Now()
	block, err := a.assembler.Assemble(ctx, contextblock.Params{
		SessionID:   state.SessionID,
		MinCIAR:     a.memCfg.MinCIAR,
		MaxTurns:    a.memCfg.MaxTurns,
		MaxFacts:    a.memCfg.MaxFacts,
		TokenBudget: a.memCfg.TokenBudget,
	})
	if err != nil {
		return fmt.Errorf("agent: retrieval failed: %w", err)
	}
	state.ActiveContext = block.RecentTurns
	state.WorkingFacts = append(block.StandingOrders, block.SignificantFacts...)
	state.EpisodicChunks = block.EpisodeSummaries
	state.SemanticKnowledge = block.KnowledgeSnippets
	state.Timings.StoragePreMS = time.Since(preStart).Milliseconds()

	// Reason.
	prompt := contextblock.Render(block)
	if prompt != "" {
		prompt += "\n\n"
	}
	prompt += "user: " + userContent
	llmStart := time.Now()
	result, err := a.llm.Generate(ctx, llm.Request{
		System: memorySystemPrompt,
		Prompt: prompt,
	})
	if err != nil {
		return fmt.Errorf("agent: generation failed: %w", err)
	}
	state.Timings.LLMMS = time.Since(llmStart).Milliseconds()

	// Update: persist both halves of the turn, then consider promotion.
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
	listLen, err := a.active.Store(ctx, assistantTurn)
	if err != nil {
		return fmt.Errorf("agent: failed to store assistant turn: %w", err)
	}
	if a.promCfg.BatchMinTurns > 0 && listLen >= int64(a.promCfg.BatchMinTurns) {
		a.pub.PublishPromotion(ctx, bus.PromotionPayload{
			SessionID: state.SessionID,
			Threshold: a.promCfg.Threshold,
		})
	} else {
		slog.Debug("Promotion batch not yet full",
			"session_id", state.SessionID, "turns", listLen)
	}

	state.Timings.StoragePostMS = time.Since(postStart).Milliseconds()

	// Respond.
	state.Response = result.Text
	state.Provider = result.Provider
	state.Model = result.Model
	state.Usage = result.Usage
	return nil
}
