package database

import (
	"context"
	"fmt"
	"time"
)

// HealthStatus reports connectivity and pool pressure for the health endpoint.
type HealthStatus struct {
	Healthy      bool   `json:"healthy"`
	Error        string `json:"error,omitempty"`
	TotalConns   int32  `json:"total_conns"`
	IdleConns    int32  `json:"idle_conns"`
	MaxConns     int32  `json:"max_conns"`
	AcquireCount int64  `json:"acquire_count"`
}

// Health pings the database with a short deadline and snapshots pool stats.
func (c *Client) Health(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	stats := c.pool.Stat()
	status := HealthStatus{
		TotalConns:   stats.TotalConns(),
		IdleConns:    stats.IdleConns(),
		MaxConns:     stats.MaxConns(),
		AcquireCount: stats.AcquireCount(),
	}

	if err := c.pool.Ping(ctx); err != nil {
		status.Error = fmt.Sprintf("ping failed: %v", err)
		return status
	}
	status.Healthy = true
	return status
}
