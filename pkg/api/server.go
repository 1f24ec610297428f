// Package api is the session wall: an OpenAI-compatible chat endpoint plus
// control endpoints, one agent variant per process.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/stratamem/strata/pkg/agent"
	"github.com/stratamem/strata/pkg/bus"
	"github.com/stratamem/strata/pkg/cleanup"
	"github.com/stratamem/strata/pkg/config"
	"github.com/stratamem/strata/pkg/memory/l1"
	"github.com/stratamem/strata/pkg/memory/l2"
	"github.com/stratamem/strata/pkg/memory/l3"
	"github.com/stratamem/strata/pkg/memory/l4"
	"github.com/stratamem/strata/pkg/redisstore"
	"github.com/stratamem/strata/pkg/session"
	"github.com/stratamem/strata/pkg/watchdog"
)

// ActivityRecorder is the slice of the watchdog the wall needs.
type ActivityRecorder interface {
	RecordActivity()
}

// Server is the HTTP wall over one agent variant.
type Server struct {
	agent    agent.Agent
	sessions *session.Manager
	cleanup  *cleanup.Service
	store    *redisstore.Client
	active   *l1.ActiveContext
	working  *l2.WorkingMemory
	episodic *l3.Episodic
	semantic *l4.Semantic
	pub      *bus.Publisher
	watchdog ActivityRecorder

	limiter *rate.Limiter
	cfg     config.WallConfig

	httpServer *http.Server
}

// Deps bundles what the wall serves.
type Deps struct {
	Agent    agent.Agent
	Sessions *session.Manager
	Cleanup  *cleanup.Service
	Store    *redisstore.Client
	Active   *l1.ActiveContext
	Working  *l2.WorkingMemory
	Episodic *l3.Episodic
	Semantic *l4.Semantic
	Pub      *bus.Publisher
	Watchdog *watchdog.Watchdog
}

// NewServer creates the wall. The rate limiter is process-wide: its budget is
// tokens per minute, with a burst of one minute's worth.
func NewServer(deps Deps, cfg config.WallConfig) *Server {
	var limiter *rate.Limiter
	if cfg.RateLimitTokensPerMinute > 0 {
		perSecond := rate.Limit(float64(cfg.RateLimitTokensPerMinute) / 60.0)
		limiter = rate.NewLimiter(perSecond, cfg.RateLimitTokensPerMinute)
	}
	s := &Server{
		agent:    deps.Agent,
		sessions: deps.Sessions,
		cleanup:  deps.Cleanup,
		store:    deps.Store,
		active:   deps.Active,
		working:  deps.Working,
		episodic: deps.Episodic,
		semantic: deps.Semantic,
		pub:      deps.Pub,
		limiter:  limiter,
		cfg:      cfg,
	}
	if deps.Watchdog != nil {
		s.watchdog = deps.Watchdog
	}
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.POST("/v1/chat/completions", s.handleChatCompletion)
	r.POST("/control/session/reset", s.handleSessionReset)
	r.POST("/cleanup_force", s.handleCleanupForce)
	r.GET("/sessions", s.handleListSessions)
	r.GET("/memory_state", s.handleMemoryState)
	r.GET("/graph/templates", s.handleGraphTemplates)
	r.GET("/health", s.handleHealth)
	return r
}

// Start begins serving on the given port. Blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Session wall listening", "port", port, "variant", s.agent.Variant())
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
