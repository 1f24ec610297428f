package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Read strata.yaml from configDir (missing file means all defaults)
//  2. Parse YAML into the Config sections
//  3. Apply default values
//  4. Validate
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := &Config{configDir: configDir}

	path := filepath.Join(configDir, "strata.yaml")
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Info("No strata.yaml found, using defaults", "path", path)
	case err != nil:
		return nil, NewLoadError("strata.yaml", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, NewLoadError("strata.yaml", err)
		}
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"window_size", cfg.Memory.WindowSize,
		"min_ciar", cfg.Memory.MinCIAR,
		"providers", len(cfg.LLM.Providers))
	return cfg, nil
}

func validate(c *Config) error {
	if c.Memory.WindowSize < 1 {
		return &ValidationError{Field: "memory.window_size", Reason: "must be >= 1"}
	}
	if c.Memory.MinCIAR < 0 || c.Memory.MinCIAR > 1 {
		return &ValidationError{Field: "memory.min_ciar", Reason: "must be in [0,1]"}
	}
	if c.Promotion.Threshold < 0 || c.Promotion.Threshold > 1 {
		return &ValidationError{Field: "promotion.promotion_threshold", Reason: "must be in [0,1]"}
	}
	if r := c.Wall.MetricsSampleRate; r <= 0 || r > 1 {
		return &ValidationError{Field: "wall.metrics_sample_rate", Reason: "must be in (0,1]"}
	}
	if c.Watchdog.StuckTimeoutMinutes < 1 {
		return &ValidationError{Field: "watchdog.stuck_timeout_minutes", Reason: "must be >= 1"}
	}
	for i, p := range c.LLM.Providers {
		if !p.Type.IsValid() {
			return &ValidationError{
				Field:  fmt.Sprintf("llm.providers[%d].type", i),
				Reason: fmt.Sprintf("unknown provider type %q", p.Type),
			}
		}
		if p.Model == "" {
			return &ValidationError{
				Field:  fmt.Sprintf("llm.providers[%d].model", i),
				Reason: "model is required",
			}
		}
	}
	return nil
}
