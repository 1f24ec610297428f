package agent

import (
	"fmt"

	"github.com/stratamem/strata/pkg/bus"
	"github.com/stratamem/strata/pkg/config"
	"github.com/stratamem/strata/pkg/contextblock"
	"github.com/stratamem/strata/pkg/llm"
	"github.com/stratamem/strata/pkg/memory/l1"
	"github.com/stratamem/strata/pkg/memory/l3"
)

// Deps bundles the shared tiers and services an agent may use. Variants that
// do not need a dependency ignore it.
type Deps struct {
	Active    *l1.ActiveContext
	Episodic  *l3.Episodic
	Assembler *contextblock.Assembler
	LLM       *llm.Client
	Publisher *bus.Publisher

	Memory    config.MemoryConfig
	Promotion config.PromotionConfig
}

// New builds the agent for the requested variant.
func New(variant config.AgentVariant, deps Deps) (Agent, error) {
	switch variant {
	case config.VariantMemory:
		if deps.Assembler == nil || deps.Publisher == nil {
			return nil, fmt.Errorf("agent: memory variant needs an assembler and a publisher")
		}
		return NewMemoryAgent(deps.Active, deps.Assembler, deps.LLM, deps.Publisher,
			deps.Memory, deps.Promotion), nil
	case config.VariantRAG:
		if deps.Episodic == nil {
			return nil, fmt.Errorf("agent: rag variant needs the episodic tier")
		}
		return NewRAGAgent(deps.Active, deps.Episodic, deps.LLM), nil
	case config.VariantFullContext:
		budget := deps.Memory.FullContextTokenBudget
		return NewFullContextAgent(deps.Active, deps.LLM, budget), nil
	default:
		return nil, fmt.Errorf("agent: unknown variant %q", variant)
	}
}
