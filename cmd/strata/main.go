// Strata memory server — serves the OpenAI-compatible session wall and, for
// the memory variant, runs the promotion/consolidation/distillation engines.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/stratamem/strata/pkg/agent"
	"github.com/stratamem/strata/pkg/api"
	"github.com/stratamem/strata/pkg/bus"
	"github.com/stratamem/strata/pkg/cleanup"
	"github.com/stratamem/strata/pkg/config"
	"github.com/stratamem/strata/pkg/contextblock"
	"github.com/stratamem/strata/pkg/database"
	"github.com/stratamem/strata/pkg/engine"
	"github.com/stratamem/strata/pkg/llm"
	"github.com/stratamem/strata/pkg/memory/l1"
	"github.com/stratamem/strata/pkg/memory/l2"
	"github.com/stratamem/strata/pkg/memory/l3"
	"github.com/stratamem/strata/pkg/memory/l4"
	"github.com/stratamem/strata/pkg/redisstore"
	"github.com/stratamem/strata/pkg/session"
	"github.com/stratamem/strata/pkg/version"
	"github.com/stratamem/strata/pkg/watchdog"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveConsumerName determines the consumer identifier for the lifecycle
// stream group. Priority: POD_ID env > HOSTNAME env > "local"
func resolveConsumerName() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	agentType := flag.String("agent-type",
		getEnv("AGENT_TYPE", string(config.VariantMemory)),
		"Agent variant to run (memory, rag, full_context)")
	port := flag.Int("port", mustAtoi(getEnv("HTTP_PORT", "8000")),
		"HTTP listen port")
	model := flag.String("model", getEnv("LLM_MODEL", ""),
		"Override the configured LLM model")
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	variant := config.AgentVariant(*agentType)
	if !variant.IsValid() {
		slog.Error("Unknown agent type", "agent_type", *agentType)
		os.Exit(1)
	}

	slog.Info("Starting strata",
		"version", version.Full(),
		"agent_type", variant,
		"http_port", *port,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database (runs embedded migrations)
	dbClient, err := database.NewClient(ctx, database.LoadConfigFromEnv())
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Initialize Redis and load the server-side scripts
	redisCfg, err := redisstore.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load redis config", "error", err)
		os.Exit(1)
	}
	store, err := redisstore.NewClient(ctx, redisCfg)
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing redis client", "error", err)
		}
	}()
	slog.Info("Connected to Redis", "addr", redisCfg.Addr)

	// 4. Graph store: only the memory variant writes episode graphs.
	var graph l3.GraphExecutor = l3.NoopGraph{}
	if variant == config.VariantMemory {
		neo4jCfg := l3.Neo4jConfig{
			URI:      getEnv("NEO4J_URI", "bolt://localhost:7687"),
			Username: getEnv("NEO4J_USERNAME", "neo4j"),
			Password: os.Getenv("NEO4J_PASSWORD"),
			Database: getEnv("NEO4J_DATABASE", "neo4j"),
		}
		executor, err := l3.NewNeo4jExecutor(ctx, neo4jCfg)
		if err != nil {
			slog.Error("Failed to connect to neo4j", "uri", neo4jCfg.URI, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := executor.Close(ctx); err != nil {
				slog.Error("Error closing neo4j driver", "error", err)
			}
		}()
		graph = executor
		slog.Info("Connected to Neo4j", "uri", neo4jCfg.URI)
	}

	// 5. LLM fallback chain
	llmClient, err := llm.NewClientFromConfig(ctx, cfg.LLM, *model)
	if err != nil {
		slog.Error("Failed to build LLM client", "error", err)
		os.Exit(1)
	}
	slog.Info("LLM client initialized", "providers", len(cfg.LLM.Providers))

	// 6. Memory tiers and context-block assembler
	active := l1.New(store, l1.Config{
		WindowSize: cfg.Memory.WindowSize,
		TTL:        time.Duration(cfg.Memory.TTLHours) * time.Hour,
	})
	working := l2.New(dbClient, store)
	episodic := l3.New(dbClient, store, graph)
	semantic := l4.New(dbClient)
	assembler := contextblock.New(active, working, episodic, semantic, llmClient)
	pub := bus.NewPublisher(store.Redis())

	// 7. Agent
	a, err := agent.New(variant, agent.Deps{
		Active:    active,
		Episodic:  episodic,
		Assembler: assembler,
		LLM:       llmClient,
		Publisher: pub,
		Memory:    *cfg.Memory,
		Promotion: *cfg.Promotion,
	})
	if err != nil {
		slog.Error("Failed to build agent", "error", err)
		os.Exit(1)
	}

	// 8. Background engines (memory variant only)
	var runner *engine.Runner
	if variant == config.VariantMemory {
		promotion := engine.NewPromotion(store, working, llmClient, pub, *cfg.Promotion)
		consolidation := engine.NewConsolidation(working, episodic, llmClient, llmClient, pub, *cfg.Consolidation)
		distillation := engine.NewDistillation(episodic, semantic, llmClient, *cfg.Distillation)
		sweep := engine.NewSweep(store, working, episodic, consolidation, distillation,
			cfg.Consolidation.MinFacts, cfg.Distillation.MinEpisodes)

		consumer := bus.NewConsumer(store.Redis(), "strata-engines", resolveConsumerName())
		runner = engine.NewRunner(consumer, promotion, consolidation, distillation, sweep, cfg)
		if err := runner.Start(ctx); err != nil {
			slog.Error("Failed to start engine runner", "error", err)
			os.Exit(1)
		}
		slog.Info("Engine runner started",
			"consolidation_interval", cfg.Consolidation.Interval,
			"distillation_interval", cfg.Distillation.Interval)
	}

	// 9. Watchdog: a stuck process drains like a SIGTERM but must exit
	// non-zero so orchestrators see the failure.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var watchdogFired atomic.Bool
	dog := watchdog.New(cfg.Watchdog, func() {
		watchdogFired.Store(true)
		sigCh <- syscall.SIGTERM
	})
	dog.Start(ctx)
	defer dog.Stop()

	// 10. HTTP session wall
	httpServer := api.NewServer(api.Deps{
		Agent:    a,
		Sessions: session.NewManager(variant.KeyPrefix()),
		Cleanup:  cleanup.NewService(active, working, episodic, pub),
		Store:    store,
		Active:   active,
		Working:  working,
		Episodic: episodic,
		Semantic: semantic,
		Pub:      pub,
		Watchdog: dog,
	}, *cfg.Wall)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(*port); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Strata started successfully", "agent_type", variant, "port", *port)

	// 11. Wait for shutdown signal or server error
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: drain HTTP first so no new work arrives, then
	// stop the engines so in-flight promotions finish.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if runner != nil {
		done := make(chan struct{})
		go func() {
			runner.Stop()
			close(done)
		}()
		select {
		case <-done:
			slog.Info("Engine runner stopped gracefully")
		case <-time.After(30 * time.Second):
			slog.Warn("Engine runner shutdown timeout exceeded")
		}
	}

	if code := shutdownExitCode(watchdogFired.Load()); code != 0 {
		slog.Error("Shutdown was forced by the watchdog")
		os.Exit(code)
	}
	slog.Info("Shutdown complete")
}

// shutdownExitCode maps the shutdown trigger to the process exit code: a
// watchdog-forced stop is a failure even after a clean drain.
func shutdownExitCode(watchdogFired bool) int {
	if watchdogFired {
		return 1
	}
	return 0
}

func mustAtoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		slog.Error("Invalid numeric value", "value", s, "error", err)
		os.Exit(1)
	}
	return n
}
