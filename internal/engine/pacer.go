// Package engine contains the listing fetcher and the restore engine: the
// two drivers that turn a captured session into a complete inventory and a
// fully-restored set of items, surviving session expiry, throttling, and
// process restarts along the way.
package engine

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff shaping shared by the fetcher's transient retries and the
// restorer's retry waves.
const (
	baseBackoff    = 2 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// calcBackoff computes exponential backoff with ±25% jitter. The jitter
// keeps concurrent retriers from hammering the provider in lockstep.
func calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// pacer enforces the minimum spacing between provider calls and carries
// the process-wide throttle penalty: when any worker sees a rate-limit
// response, every later call waits out the penalty, not just the offender.
type pacer struct {
	mu          sync.Mutex
	next        time.Time
	minInterval time.Duration

	nowFunc   func() time.Time                               // injectable for testing
	sleepFunc func(ctx context.Context, d time.Duration) error // injectable for testing
}

func newPacer(minInterval time.Duration) *pacer {
	return &pacer{
		minInterval: minInterval,
		nowFunc:     time.Now,
		sleepFunc:   sleepCtx,
	}
}

// Wait reserves the next call slot and blocks until it arrives.
func (p *pacer) Wait(ctx context.Context) error {
	p.mu.Lock()

	now := p.nowFunc()

	start := p.next
	if start.Before(now) {
		start = now
	}

	p.next = start.Add(p.minInterval)
	p.mu.Unlock()

	if d := start.Sub(now); d > 0 {
		return p.sleepFunc(ctx, d)
	}

	return nil
}

// Penalize pushes the next call slot out by d from now. Later penalties
// never shorten an earlier one.
func (p *pacer) Penalize(d time.Duration, logger *slog.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()

	until := p.nowFunc().Add(d)
	if until.After(p.next) {
		p.next = until
		logger.Warn("rate limited, pausing all restore calls",
			slog.Duration("penalty", d),
		)
	}
}

// sleepCtx waits for the given duration or until the context is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
