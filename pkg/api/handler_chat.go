package api

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/stratamem/strata/pkg/agent"
	"github.com/stratamem/strata/pkg/bus"
	"github.com/stratamem/strata/pkg/contextblock"
)

// handleChatCompletion runs one turn through the process's agent variant.
func (s *Server) handleChatCompletion(c *gin.Context) {
	rawSessionID := c.GetHeader("X-Session-Id")
	if rawSessionID == "" {
		badRequest(c, "X-Session-Id header is required")
		return
	}

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed request body: "+err.Error())
		return
	}
	if req.Stream {
		badRequest(c, "streaming is not supported")
		return
	}
	if len(req.Messages) == 0 {
		badRequest(c, "messages must not be empty")
		return
	}
	turnID := req.userMessageCount() - 1
	if turnID < 0 {
		badRequest(c, "at least one user message is required")
		return
	}

	metadata := map[string]any{}
	if mockTime := c.GetHeader("X-Mock-Time"); mockTime != "" {
		ts, err := time.Parse(time.RFC3339, mockTime)
		if err != nil {
			badRequest(c, "X-Mock-Time must be ISO-8601")
			return
		}
		metadata["mock_time"] = ts
	}

	ctx := c.Request.Context()
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	reservation, ok := s.awaitBudget(ctx, c, &req)
	if !ok {
		return
	}

	sessionID := s.sessions.Track(rawSessionID)
	state := &agent.TurnState{
		SessionID: sessionID,
		TurnID:    turnID,
		Messages:  req.Messages,
		Metadata:  metadata,
	}

	start := time.Now()
	if err := s.agent.HandleTurn(ctx, state); err != nil {
		// A failed turn did not spend its token estimate; return it.
		if reservation != nil {
			reservation.Cancel()
		}
		abortTurnError(c, err)
		return
	}

	if s.watchdog != nil {
		s.watchdog.RecordActivity()
	}
	s.sampleTurnMetrics(ctx, sessionID, time.Since(start))

	c.JSON(http.StatusOK, chatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   state.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: state.Response},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     state.Usage.PromptTokens,
			CompletionTokens: state.Usage.CompletionTokens,
			TotalTokens:      state.Usage.TotalTokens,
		},
		Metadata: chatMetadata{
			SessionID:     sessionID,
			TurnID:        turnID,
			Provider:      state.Provider,
			StorageMSPre:  state.Timings.StoragePreMS,
			LLMMS:         state.Timings.LLMMS,
			StorageMSPost: state.Timings.StoragePostMS,
			StorageMS:     state.Timings.StorageMS(),
		},
	})
}

// awaitBudget blocks until the process-wide token budget admits the request.
// Returns the reservation so a failed turn can refund it.
func (s *Server) awaitBudget(ctx context.Context, c *gin.Context, req *chatRequest) (*rate.Reservation, bool) {
	if s.limiter == nil {
		return nil, true
	}

	estimate := 0
	for _, m := range req.Messages {
		estimate += contextblock.EstimateTokens(m.Content)
	}
	if estimate == 0 {
		estimate = 1
	}

	reservation := s.limiter.ReserveN(time.Now(), estimate)
	if !reservation.OK() {
		badRequest(c, "request exceeds the per-minute token budget")
		return nil, false
	}
	delay := reservation.Delay()
	if delay == 0 {
		return reservation, true
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return reservation, true
	case <-ctx.Done():
		reservation.Cancel()
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error": errorBody{
				Type:    "rate_limited",
				Message: "token budget not available within the request deadline",
			},
		})
		return nil, false
	}
}

// sampleTurnMetrics emits a per-turn timing event, gated by the configured
// sample rate.
func (s *Server) sampleTurnMetrics(ctx context.Context, sessionID string, elapsed time.Duration) {
	if s.pub == nil || s.cfg.MetricsSampleRate <= 0 {
		return
	}
	if s.cfg.MetricsSampleRate < 1 && rand.Float64() >= s.cfg.MetricsSampleRate {
		return
	}
	s.pub.PublishTierAccess(ctx, bus.TierAccessPayload{
		SessionID: sessionID,
		Tier:      "wall",
		Operation: "chat_completion",
		LatencyMS: elapsed.Milliseconds(),
	})
}
