// Package redisstore wraps the Redis-compatible key-value backend: connection
// management, the atomic server-side scripts, session leases, and the
// pending-repair set used by the wake-up sweep.
package redisstore

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// LoadConfigFromEnv loads Redis configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	db := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		db = parsed
	}
	return Config{
		Addr:         getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Client wraps the go-redis client together with the loaded script manager.
type Client struct {
	rdb     *redis.Client
	Scripts *ScriptManager
}

// NewClient connects to Redis, verifies the connection, and loads the
// server-side scripts.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	scripts, err := NewScriptManager(ctx, rdb)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to load scripts: %w", err)
	}

	return &Client{rdb: rdb, Scripts: scripts}, nil
}

// NewClientFromRedis wraps an existing go-redis client (useful for testing
// against miniredis).
func NewClientFromRedis(ctx context.Context, rdb *redis.Client) (*Client, error) {
	scripts, err := NewScriptManager(ctx, rdb)
	if err != nil {
		return nil, fmt.Errorf("failed to load scripts: %w", err)
	}
	return &Client{rdb: rdb, Scripts: scripts}, nil
}

// Redis exposes the underlying go-redis client for tier implementations.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// HealthStatus reports Redis reachability.
type HealthStatus struct {
	Status       string `json:"status"`
	ResponseTime int64  `json:"response_time_ms"`
}

// Health pings Redis and reports latency.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}
	return &HealthStatus{
		Status:       "healthy",
		ResponseTime: time.Since(start).Milliseconds(),
	}, nil
}
