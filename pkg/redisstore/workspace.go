package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stratamem/strata/pkg/keyspace"
	"github.com/stratamem/strata/pkg/models"
)

// GetWorkspace reads the session workspace. A missing workspace is returned
// as an empty object at version 0, which a subsequent CAS with expected 0
// will not match — writers start with expected -1.
func (c *Client) GetWorkspace(ctx context.Context, sessionID string) (models.Workspace, error) {
	key := keyspace.Workspace(sessionID)
	vals, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return models.Workspace{}, fmt.Errorf("failed to read workspace: %w", err)
	}
	ws := models.Workspace{Data: map[string]any{}}
	if raw, ok := vals["data"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &ws.Data); err != nil {
			return models.Workspace{}, fmt.Errorf("failed to decode workspace data: %w", err)
		}
	}
	if v, ok := vals["version"]; ok {
		if _, err := fmt.Sscanf(v, "%d", &ws.Version); err != nil {
			return models.Workspace{}, fmt.Errorf("failed to parse workspace version %q: %w", v, err)
		}
	}
	return ws, nil
}

// UpdateWorkspace performs a CAS write of the session workspace and returns
// the new version. ErrVersionConflict signals the caller to re-read and retry.
func (c *Client) UpdateWorkspace(ctx context.Context, sessionID string, expectedVersion int64, data map[string]any, mode WorkspaceMode) (int64, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to encode workspace data: %w", err)
	}
	return c.Scripts.RunWorkspaceCAS(ctx, c.rdb, keyspace.Workspace(sessionID), expectedVersion, payload, mode)
}

// AcquireLease takes the session-local promotion lease with SET NX PX.
// Returns false when another promoter holds it.
func (c *Client) AcquireLease(ctx context.Context, key, token string, ttlMillis int64) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, token, durationMillis(ttlMillis)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	return ok, nil
}

// releaseLease deletes the lease only if the token still matches, so an
// expired-and-reacquired lease is never released by the old holder.
var releaseLease = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// ReleaseLease releases a lease held with the given token.
func (c *Client) ReleaseLease(ctx context.Context, key, token string) error {
	err := releaseLease.Run(ctx, c.rdb, []string{key}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}

// EnqueueGraphRepair records an episode whose graph write failed. The wake-up
// sweep drains this set and retries the write.
func (c *Client) EnqueueGraphRepair(ctx context.Context, episodeID string) error {
	if err := c.rdb.SAdd(ctx, keyspace.GraphRepairSet, episodeID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue graph repair for %s: %w", episodeID, err)
	}
	return nil
}

func durationMillis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// DrainGraphRepairs pops up to n pending repair entries.
func (c *Client) DrainGraphRepairs(ctx context.Context, n int64) ([]string, error) {
	ids, err := c.rdb.SPopN(ctx, keyspace.GraphRepairSet, n).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to drain graph repairs: %w", err)
	}
	return ids, nil
}
