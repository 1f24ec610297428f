package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stratamem/strata/pkg/keyspace"
)

// Handler processes one event. A nil return acknowledges the message; an
// error leaves it pending for redelivery to any consumer in the group.
type Handler func(ctx context.Context, event Event) error

// Consumer reads the lifecycle stream as a member of a named consumer group.
// Multiple consumers in one group load-balance the stream.
type Consumer struct {
	rdb      redis.Cmdable
	group    string
	name     string
	handlers map[string]Handler

	// ReadBlock bounds one blocking read; the loop re-checks ctx between reads.
	ReadBlock time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer creates a consumer with the given group and consumer name.
func NewConsumer(rdb redis.Cmdable, group, name string) *Consumer {
	return &Consumer{
		rdb:       rdb,
		group:     group,
		name:      name,
		handlers:  make(map[string]Handler),
		ReadBlock: 5 * time.Second,
	}
}

// On registers the handler for an event type. Must be called before Start.
func (c *Consumer) On(eventType string, h Handler) {
	c.handlers[eventType] = h
}

// Start ensures the group exists, drains this consumer's pending messages,
// and launches the blocking read loop. It returns once the loop is running.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	if err := c.drainPending(ctx); err != nil {
		return fmt.Errorf("failed to drain pending messages: %w", err)
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.readLoop(ctx)

	slog.Info("Lifecycle consumer started",
		"group", c.group, "consumer", c.name, "handlers", len(c.handlers))
	return nil
}

// Stop signals the read loop to exit and waits for it.
func (c *Consumer) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	slog.Info("Lifecycle consumer stopped", "group", c.group, "consumer", c.name)
}

// ensureGroup creates the consumer group from the start of the stream.
// Creation is idempotent: BUSYGROUP means another replica already did it.
func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, keyspace.LifecycleStream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", c.group, err)
	}
	return nil
}

// drainPending re-reads this consumer's read-but-unacknowledged messages
// (a previous process instance may have crashed mid-handling) and dispatches
// them before joining the live stream.
func (c *Consumer) drainPending(ctx context.Context) error {
	for {
		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{keyspace.LifecycleStream, "0"},
			Count:    100,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}
		n := 0
		for _, stream := range streams {
			n += len(stream.Messages)
			for _, msg := range stream.Messages {
				c.dispatch(ctx, msg)
			}
		}
		if n == 0 {
			return nil
		}
	}
}

func (c *Consumer) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{keyspace.LifecycleStream, ">"},
			Count:    32,
			Block:    c.ReadBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			slog.Warn("Lifecycle stream read failed", "group", c.group, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.dispatch(ctx, msg)
			}
		}
	}
}

// dispatch routes one message to its handler and acks on success. Events
// without a registered handler are acked immediately — the taxonomy is open
// and other groups may care about types this one does not.
func (c *Consumer) dispatch(ctx context.Context, msg redis.XMessage) {
	event, err := decodeMessage(msg)
	if err != nil {
		slog.Warn("Dropping undecodable lifecycle event", "id", msg.ID, "error", err)
		c.ack(ctx, msg.ID)
		return
	}

	handler, ok := c.handlers[event.Type]
	if !ok {
		c.ack(ctx, msg.ID)
		return
	}

	if err := handler(ctx, event); err != nil {
		// Not acked: stays pending for retry by any consumer in the group.
		slog.Warn("Lifecycle handler failed, leaving message pending",
			"type", event.Type, "session_id", event.SessionID, "id", msg.ID, "error", err)
		return
	}
	c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.rdb.XAck(ctx, keyspace.LifecycleStream, c.group, id).Err(); err != nil {
		slog.Warn("Failed to ack lifecycle event", "id", id, "error", err)
	}
}

func decodeMessage(msg redis.XMessage) (Event, error) {
	event := Event{ID: msg.ID}

	t, ok := msg.Values["type"].(string)
	if !ok || t == "" {
		return Event{}, fmt.Errorf("event %s has no type", msg.ID)
	}
	event.Type = t

	if s, ok := msg.Values["session_id"].(string); ok {
		event.SessionID = s
	}
	if ts, ok := msg.Values["timestamp"].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err == nil {
			event.Timestamp = parsed
		}
	}
	if d, ok := msg.Values["data"].(string); ok {
		event.Data = []byte(d)
	}
	return event, nil
}
