package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/stratamem/strata/pkg/bus"
	"github.com/stratamem/strata/pkg/config"
)

// Runner wires the engines to their triggers: promotion events from the
// lifecycle stream, plus periodic consolidation, distillation, and sweep
// tickers.
type Runner struct {
	consumer      *bus.Consumer
	promotion     *Promotion
	consolidation *Consolidation
	distillation  *Distillation
	sweep         *Sweep

	consolidationInterval time.Duration
	distillationInterval  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates the runner over an already-configured consumer.
func NewRunner(consumer *bus.Consumer, promotion *Promotion, consolidation *Consolidation, distillation *Distillation, sweep *Sweep, cfg *config.Config) *Runner {
	return &Runner{
		consumer:              consumer,
		promotion:             promotion,
		consolidation:         consolidation,
		distillation:          distillation,
		sweep:                 sweep,
		consolidationInterval: cfg.Consolidation.Interval,
		distillationInterval:  cfg.Distillation.Interval,
	}
}

// Start registers the event handlers, starts the consumer, and launches the
// tickers.
func (r *Runner) Start(ctx context.Context) error {
	r.consumer.On(bus.EventPromotion, func(ctx context.Context, event bus.Event) error {
		var payload bus.PromotionPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return fmt.Errorf("bad promotion payload: %w", err)
		}
		_, err := r.promotion.Run(ctx, payload.SessionID, payload.Threshold)
		return err
	})

	// A reset or cleanup may leave facts that will never see another turn;
	// give them one final consolidation pass.
	r.consumer.On(bus.EventSessionEnd, func(ctx context.Context, event bus.Event) error {
		_, err := r.consolidation.Run(ctx, event.SessionID)
		return err
	})

	if err := r.consumer.Start(ctx); err != nil {
		return fmt.Errorf("runner: failed to start consumer: %w", err)
	}

	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(2)
	go r.tick(ctx, r.consolidationInterval, func(ctx context.Context) {
		r.sweep.RunOnce(ctx)
	})
	go r.tick(ctx, r.distillationInterval, func(ctx context.Context) {
		r.sweep.distillPending(ctx)
	})
	return nil
}

// Stop halts the tickers and the consumer, waiting for in-flight work.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.consumer.Stop()
}

func (r *Runner) tick(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
