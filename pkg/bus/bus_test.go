package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/strata/pkg/keyspace"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestPublisher_FireAndForget(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	pub := NewPublisher(rdb)

	pub.PublishFactPromoted(ctx, FactPromotedPayload{
		SessionID: "full:s1",
		FactID:    "fact_abc",
		FactType:  "preference",
		CIARScore: 0.72,
	})

	msgs, err := rdb.XRange(ctx, keyspace.LifecycleStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, EventFactPromoted, msgs[0].Values["type"])
	assert.Equal(t, "full:s1", msgs[0].Values["session_id"])

	var payload FactPromotedPayload
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &payload))
	assert.Equal(t, "fact_abc", payload.FactID)
}

func TestPublisher_SwallowsBackendFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	mr.Close() // backend gone before publish

	// Must not panic or surface the error — publishing is fire-and-forget.
	NewPublisher(rdb).PublishSessionEnd(context.Background(), SessionEndPayload{
		SessionID: "full:s1", Reason: "reset",
	})
}

func TestConsumer_DispatchAndAck(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	pub := NewPublisher(rdb)

	var mu sync.Mutex
	var seen []string

	consumer := NewConsumer(rdb, "engines", "worker-0")
	consumer.ReadBlock = 50 * time.Millisecond
	consumer.On(EventPromotion, func(_ context.Context, e Event) error {
		var p PromotionPayload
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, p.SessionID)
		mu.Unlock()
		return nil
	})

	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop()

	for i := 0; i < 3; i++ {
		pub.PublishPromotion(ctx, PromotionPayload{SessionID: fmt.Sprintf("full:s%d", i)})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 3*time.Second, 20*time.Millisecond)

	// Everything handled must be acked: no pending entries remain.
	pending, err := rdb.XPending(ctx, keyspace.LifecycleStream, "engines").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestConsumer_HandlerErrorLeavesPending(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	pub := NewPublisher(rdb)

	consumer := NewConsumer(rdb, "engines", "worker-0")
	consumer.ReadBlock = 50 * time.Millisecond
	consumer.On(EventConsolidation, func(_ context.Context, _ Event) error {
		return fmt.Errorf("transient failure")
	})
	require.NoError(t, consumer.Start(ctx))

	pub.PublishConsolidation(ctx, ConsolidationPayload{SessionID: "full:s1", EpisodeID: "ep-1"})

	require.Eventually(t, func() bool {
		pending, err := rdb.XPending(ctx, keyspace.LifecycleStream, "engines").Result()
		return err == nil && pending.Count == 1
	}, 3*time.Second, 20*time.Millisecond)
	consumer.Stop()

	// A restarted consumer drains its pending messages before going live.
	var handled int
	var mu sync.Mutex
	retry := NewConsumer(rdb, "engines", "worker-0")
	retry.ReadBlock = 50 * time.Millisecond
	retry.On(EventConsolidation, func(_ context.Context, _ Event) error {
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	})
	require.NoError(t, retry.Start(ctx))
	defer retry.Stop()

	require.Eventually(t, func() bool {
		pending, err := rdb.XPending(ctx, keyspace.LifecycleStream, "engines").Result()
		return err == nil && pending.Count == 0
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, handled)
	mu.Unlock()
}

func TestConsumer_UnknownTypeAcked(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	consumer := NewConsumer(rdb, "engines", "worker-0")
	consumer.ReadBlock = 50 * time.Millisecond
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop()

	NewPublisher(rdb).Publish(ctx, "custom.type", "full:s1", map[string]string{"k": "v"})

	require.Eventually(t, func() bool {
		pending, err := rdb.XPending(ctx, keyspace.LifecycleStream, "engines").Result()
		return err == nil && pending.Count == 0
	}, 3*time.Second, 20*time.Millisecond)
}
