package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrUnavailable wraps the per-provider errors when every provider in the
// fallback chain failed. The boundary maps it to a provider-attributed 500.
var ErrUnavailable = errors.New("llm: all providers failed")

const (
	// breakerThreshold consecutive failures open a provider's circuit.
	breakerThreshold = 3
	// breakerCooldown is how long an open circuit rejects before a probe.
	breakerCooldown = 30 * time.Second

	maxAttemptsPerProvider = 3
)

// breaker is a per-provider circuit breaker. After breakerThreshold
// consecutive failures the provider is skipped until the cooldown elapses;
// the next call after cooldown is the probe.
type breaker struct {
	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.After(b.openUntil)
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}

func (b *breaker) recordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= breakerThreshold {
		b.openUntil = now.Add(breakerCooldown)
	}
}

// Client fans a request across an ordered list of providers: the first
// healthy provider that answers wins. Each provider gets bounded retries
// with exponential backoff before the client moves on.
type Client struct {
	providers []Provider
	breakers  map[string]*breaker
}

// NewClient creates a fallback client over the given providers, tried in
// order.
func NewClient(providers ...Provider) (*Client, error) {
	if len(providers) == 0 {
		return nil, errors.New("llm: at least one provider is required")
	}
	breakers := make(map[string]*breaker, len(providers))
	for _, p := range providers {
		breakers[p.Name()] = &breaker{}
	}
	return &Client{providers: providers, breakers: breakers}, nil
}

// Generate tries each provider in order until one succeeds.
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	var errs []error
	for _, provider := range c.providers {
		br := c.breakers[provider.Name()]
		if !br.allow(time.Now()) {
			errs = append(errs, fmt.Errorf("provider %s: circuit open", provider.Name()))
			continue
		}

		result, err := c.withRetry(ctx, provider.Name(), func() (*Result, error) {
			return provider.Generate(ctx, req)
		})
		if err == nil {
			br.recordSuccess()
			return result, nil
		}
		br.recordFailure(time.Now())
		errs = append(errs, err)

		if ctx.Err() != nil {
			break
		}
		slog.Warn("Provider failed, falling back", "provider", provider.Name(), "error", err)
	}
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
}

// Embed tries each provider in order until one returns a vector.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var errs []error
	for _, provider := range c.providers {
		br := c.breakers[provider.Name()]
		if !br.allow(time.Now()) {
			errs = append(errs, fmt.Errorf("provider %s: circuit open", provider.Name()))
			continue
		}
		vec, err := provider.Embed(ctx, text)
		if err == nil {
			br.recordSuccess()
			return vec, nil
		}
		br.recordFailure(time.Now())
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: embed: %w", ErrUnavailable, errors.Join(errs...))
}

func (c *Client) withRetry(ctx context.Context, providerName string, call func() (*Result, error)) (*Result, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(200*time.Millisecond),
			backoff.WithMaxInterval(2*time.Second),
		), maxAttemptsPerProvider-1), ctx)

	var result *Result
	err := backoff.RetryNotify(func() error {
		var err error
		result, err = call()
		return err
	}, policy, func(err error, wait time.Duration) {
		slog.Debug("Retrying provider call",
			"provider", providerName, "wait", wait, "error", err)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
