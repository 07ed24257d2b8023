package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock drives a pacer without real sleeping: slept durations are
// recorded and advance the clock.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) attach(p *pacer) {
	p.nowFunc = func() time.Time { return c.now }
	p.sleepFunc = func(_ context.Context, d time.Duration) error {
		c.sleeps = append(c.sleeps, d)
		c.now = c.now.Add(d)
		return nil
	}
}

func TestPacerFirstCallDoesNotWait(t *testing.T) {
	p := newPacer(200 * time.Millisecond)
	clock := newFakeClock()
	clock.attach(p)

	require.NoError(t, p.Wait(context.Background()))
	assert.Empty(t, clock.sleeps)
}

func TestPacerSpacesConsecutiveCalls(t *testing.T) {
	p := newPacer(200 * time.Millisecond)
	clock := newFakeClock()
	clock.attach(p)

	require.NoError(t, p.Wait(context.Background()))
	require.NoError(t, p.Wait(context.Background()))
	require.NoError(t, p.Wait(context.Background()))

	assert.Equal(t, []time.Duration{200 * time.Millisecond, 200 * time.Millisecond}, clock.sleeps)
}

func TestPacerPenaltyDelaysNextCall(t *testing.T) {
	p := newPacer(200 * time.Millisecond)
	clock := newFakeClock()
	clock.attach(p)

	p.Penalize(30*time.Second, discardLogger())

	require.NoError(t, p.Wait(context.Background()))
	require.Len(t, clock.sleeps, 1)
	assert.Equal(t, 30*time.Second, clock.sleeps[0])
}

func TestPacerLaterPenaltyNeverShortens(t *testing.T) {
	p := newPacer(time.Millisecond)
	clock := newFakeClock()
	clock.attach(p)

	p.Penalize(time.Minute, discardLogger())
	p.Penalize(time.Second, discardLogger())

	require.NoError(t, p.Wait(context.Background()))
	require.Len(t, clock.sleeps, 1)
	assert.Equal(t, time.Minute, clock.sleeps[0])
}

func TestPacerWaitPropagatesCancellation(t *testing.T) {
	p := newPacer(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, p.Wait(ctx), "first call has no wait to cancel")

	err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalcBackoffBounds(t *testing.T) {
	for attempt := 0; attempt < 12; attempt++ {
		d := calcBackoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, maxBackoff+maxBackoff/4)
	}

	// Attempt 0 centers on the base, attempt 2 on four times the base.
	assert.InDelta(t, float64(baseBackoff), float64(calcBackoff(0)), float64(baseBackoff)*jitterFraction)
	assert.InDelta(t, float64(4*baseBackoff), float64(calcBackoff(2)), float64(4*baseBackoff)*jitterFraction)
}
