package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stratamem/strata/pkg/agent"
	"github.com/stratamem/strata/pkg/llm"
)

// errorBody is the structured error detail on every failure response.
type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error": errorBody{Type: "invalid_request_error", Message: message},
	})
}

// abortTurnError maps a turn failure onto the error taxonomy: client input
// errors are 400, provider exhaustion is a provider-attributed 500, anything
// else is a storage-tier 500.
func abortTurnError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, agent.ErrInvalidTurn):
		badRequest(c, err.Error())
	case errors.Is(err, llm.ErrUnavailable):
		slog.Error("Turn failed: providers unavailable", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": errorBody{Type: "provider_error", Message: err.Error()},
		})
	default:
		slog.Error("Turn failed: storage error", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": errorBody{Type: "storage_error", Message: err.Error()},
		})
	}
}
