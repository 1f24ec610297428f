// Package watchdog detects stuck processes: if no turn completes within the
// configured window, it writes a structured error artifact and triggers a
// fatal stop.
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stratamem/strata/pkg/config"
)

// Artifact is the JSON document written when the watchdog fires.
type Artifact struct {
	Error          string    `json:"error"`
	LastActivity   time.Time `json:"last_activity"`
	StuckMinutes   float64   `json:"stuck_minutes"`
	TimeoutMinutes int       `json:"timeout_minutes"`
	WrittenAt      time.Time `json:"written_at"`
}

// Watchdog tracks the last successful turn. Fatal is invoked at most once.
type Watchdog struct {
	timeout      time.Duration
	artifactPath string
	fatal        func()

	mu           sync.Mutex
	lastActivity time.Time
	fired        bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a watchdog. fatal is called after the artifact is written; main
// wires it to the process shutdown path.
func New(cfg *config.WatchdogConfig, fatal func()) *Watchdog {
	return &Watchdog{
		timeout:      time.Duration(cfg.StuckTimeoutMinutes) * time.Minute,
		artifactPath: cfg.ArtifactPath,
		fatal:        fatal,
		lastActivity: time.Now().UTC(),
	}
}

// RecordActivity marks the process as alive. Called after every completed turn.
func (w *Watchdog) RecordActivity() {
	w.mu.Lock()
	w.lastActivity = time.Now().UTC()
	w.mu.Unlock()
}

// LastActivity returns the most recent recorded activity time.
func (w *Watchdog) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActivity
}

// Start launches the check loop. A non-positive timeout disables the watchdog.
func (w *Watchdog) Start(ctx context.Context) {
	if w.timeout <= 0 || w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	interval := w.timeout / 4
	if interval > time.Minute {
		interval = time.Minute
	}

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.check()
			}
		}
	}()
	slog.Info("Watchdog started", "timeout", w.timeout)
}

// Stop halts the check loop.
func (w *Watchdog) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Watchdog) check() {
	w.mu.Lock()
	stuck := time.Since(w.lastActivity)
	shouldFire := !w.fired && stuck > w.timeout
	if shouldFire {
		w.fired = true
	}
	last := w.lastActivity
	w.mu.Unlock()

	if !shouldFire {
		return
	}

	artifact := Artifact{
		Error:          fmt.Sprintf("no activity for %s (timeout %s)", stuck.Round(time.Second), w.timeout),
		LastActivity:   last,
		StuckMinutes:   stuck.Minutes(),
		TimeoutMinutes: int(w.timeout / time.Minute),
		WrittenAt:      time.Now().UTC(),
	}
	if err := w.writeArtifact(artifact); err != nil {
		slog.Error("Failed to write watchdog artifact", "path", w.artifactPath, "error", err)
	}
	slog.Error("Watchdog timeout, stopping process",
		"last_activity", last, "timeout", w.timeout)
	w.fatal()
}

func (w *Watchdog) writeArtifact(artifact Artifact) error {
	if w.artifactPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	if dir := filepath.Dir(w.artifactPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create artifact directory: %w", err)
		}
	}
	if err := os.WriteFile(w.artifactPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return nil
}
