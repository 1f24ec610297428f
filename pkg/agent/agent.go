// Package agent implements the three response policies that share the memory
// tiers: the tiered-memory pipeline, the retrieval-augmented variant, and the
// full-context variant. One process runs exactly one variant.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/stratamem/strata/pkg/config"
	"github.com/stratamem/strata/pkg/llm"
	"github.com/stratamem/strata/pkg/models"
)

// ErrInvalidTurn marks client input no variant can answer. The boundary maps
// it to HTTP 400.
var ErrInvalidTurn = errors.New("invalid turn")

// Message is one entry of the incoming chat request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnState carries a single turn through an agent pipeline. The wall fills
// the request half; the agent fills the retrieval and response half.
type TurnState struct {
	SessionID string
	TurnID    int
	Messages  []Message
	Metadata  map[string]any

	ActiveContext     []models.Turn
	WorkingFacts      []models.Fact
	EpisodicChunks    []models.Episode
	SemanticKnowledge []models.KnowledgeDocument

	Response string
	Provider string
	Model    string
	Usage    llm.Usage
	Timings  Timings
}

// Timings breaks a turn's latency into the storage work before the model
// call, the model call itself, and the storage work after it.
type Timings struct {
	StoragePreMS  int64 `json:"storage_ms_pre"`
	LLMMS         int64 `json:"llm_ms"`
	StoragePostMS int64 `json:"storage_ms_post"`
}

// StorageMS is the total time spent in storage for the turn.
func (t Timings) StorageMS() int64 { return t.StoragePreMS + t.StoragePostMS }

// LatestUserContent returns the content of the last user message.
func (s *TurnState) LatestUserContent() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == string(models.RoleUser) {
			return s.Messages[i].Content
		}
	}
	return ""
}

// Agent handles one conversation turn end to end.
type Agent interface {
	// Variant identifies the policy this agent runs.
	Variant() config.AgentVariant
	// HandleTurn executes the variant's pipeline, mutating state in place.
	HandleTurn(ctx context.Context, state *TurnState) error
	// HealthCheck verifies the agent's storage dependencies are reachable.
	HealthCheck(ctx context.Context) error
}

// validate rejects turns no variant can answer.
func validate(state *TurnState) error {
	if state.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidTurn)
	}
	if len(state.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidTurn)
	}
	if state.LatestUserContent() == "" {
		return fmt.Errorf("%w: no user message in request", ErrInvalidTurn)
	}
	return nil
}
