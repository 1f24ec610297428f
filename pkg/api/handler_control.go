package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/stratamem/strata/pkg/cleanup"
	"github.com/stratamem/strata/pkg/memory/l1"
)

// handleSessionReset clears one session's state and stops tracking it.
func (s *Server) handleSessionReset(c *gin.Context) {
	rawSessionID := c.GetHeader("X-Session-Id")
	if rawSessionID == "" {
		badRequest(c, "X-Session-Id header is required")
		return
	}
	sessionID := s.sessions.ApplyPrefix(rawSessionID)

	counts, err := s.cleanup.Purge(c.Request.Context(), sessionID, "reset")
	if err != nil {
		abortTurnError(c, err)
		return
	}
	s.sessions.Remove(sessionID)

	c.JSON(http.StatusOK, gin.H{"status": "reset", "deleted": counts})
}

// handleCleanupForce purges one session or every tracked session.
func (s *Server) handleCleanupForce(c *gin.Context) {
	target := c.Query("session_id")
	if target == "" {
		badRequest(c, "session_id query parameter is required")
		return
	}

	var targets []string
	if target == "all" {
		targets = s.sessions.RemoveAll()
	} else {
		id := s.sessions.ApplyPrefix(target)
		s.sessions.Remove(id)
		targets = []string{id}
	}

	deleted := make([]cleanup.Counts, 0, len(targets))
	for _, sessionID := range targets {
		counts, err := s.cleanup.Purge(c.Request.Context(), sessionID, "cleanup_force")
		if err != nil {
			abortTurnError(c, err)
			return
		}
		deleted = append(deleted, counts)
	}

	c.JSON(http.StatusOK, gin.H{"status": "cleaned", "deleted": deleted})
}

// handleListSessions returns the prefixed IDs this process tracks.
func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.List()})
}

// handleMemoryState reports per-tier counts for one session.
func (s *Server) handleMemoryState(c *gin.Context) {
	target := c.Query("session_id")
	if target == "" {
		badRequest(c, "session_id query parameter is required")
		return
	}
	sessionID := s.sessions.ApplyPrefix(target)
	ctx := c.Request.Context()

	turns, err := s.active.RetrieveSession(ctx, sessionID, l1.NewestFirst)
	if err != nil {
		abortTurnError(c, err)
		return
	}
	facts, err := s.working.CountBySession(ctx, sessionID)
	if err != nil {
		abortTurnError(c, err)
		return
	}
	episodes, err := s.episodic.CountBySession(ctx, sessionID)
	if err != nil {
		abortTurnError(c, err)
		return
	}
	docs, err := s.semantic.Count(ctx)
	if err != nil {
		abortTurnError(c, err)
		return
	}

	c.JSON(http.StatusOK, memoryStateResponse{
		SessionID:  sessionID,
		L1Turns:    len(turns),
		L2Facts:    facts,
		L3Episodes: episodes,
		L4Docs:     docs,
	})
}

// handleGraphTemplates lists the approved graph query templates.
func (s *Server) handleGraphTemplates(c *gin.Context) {
	templates := s.episodic.Templates().List()
	out := make([]gin.H, 0, len(templates))
	for _, t := range templates {
		out = append(out, gin.H{
			"name":            t.Name,
			"category":        t.Category,
			"description":     t.Description,
			"required_params": t.RequiredParams,
			"optional_params": t.OptionalParams,
			"temporal":        t.Temporal,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i]["name"].(string) < out[j]["name"].(string)
	})
	c.JSON(http.StatusOK, gin.H{"templates": out})
}

// handleHealth reports per-dependency health. Any failing dependency degrades
// the overall status but the endpoint still answers 200 so orchestrators can
// read the detail.
func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()

	redisStatus := "ok"
	if _, err := s.store.Health(ctx); err != nil {
		redisStatus = err.Error()
	}
	l1Status := "ok"
	if err := s.active.HealthCheck(ctx); err != nil {
		l1Status = err.Error()
	}
	l2Status := "ok"
	if _, err := s.working.CountBySession(ctx, "health:check"); err != nil {
		l2Status = err.Error()
	}
	agentStatus := "ok"
	if err := s.agent.HealthCheck(ctx); err != nil {
		agentStatus = err.Error()
	}

	status := "ok"
	for _, dep := range []string{redisStatus, l1Status, l2Status, agentStatus} {
		if dep != "ok" {
			status = "degraded"
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        status,
		"redis":         redisStatus,
		"l1":            l1Status,
		"l2":            l2Status,
		"agent":         agentStatus,
		"agent_type":    string(s.agent.Variant()),
		"agent_variant": s.agent.Variant().KeyPrefix(),
	})
}
