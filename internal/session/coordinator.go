package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrRefreshFailed means the browser could not re-establish a session.
// Fatal for the current run; checkpoint and progress state are preserved.
var ErrRefreshFailed = errors.New("session: refresh failed")

// Refresher re-authenticates and returns a fresh Session. Implemented by
// the browser controller's reload-driven refresh.
type Refresher interface {
	Refresh(ctx context.Context) (*Session, error)
}

// Coordinator mediates refresh demand from the listing fetcher and the
// restore workers. Concurrent callers join a single in-flight refresh and
// all observe the same published Session; the browser is never reloaded
// twice for one expiry.
type Coordinator struct {
	store     *Store
	refresher Refresher
	logger    *slog.Logger

	group     singleflight.Group
	refreshes atomic.Int64
	nowFunc   func() time.Time // injectable for testing
}

// NewCoordinator wires the coordinator to the credential store and the
// refresher that performs the actual browser interaction.
func NewCoordinator(store *Store, refresher Refresher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		store:     store,
		refresher: refresher,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// AwaitFresh blocks until a fresh Session has been published, triggering a
// refresh if one is not already underway. Every caller that joins the same
// flight receives the same Session.
func (c *Coordinator) AwaitFresh(ctx context.Context) (*Session, error) {
	v, err, shared := c.group.Do("refresh", func() (any, error) {
		c.refreshes.Add(1)
		c.logger.Info("refreshing session")

		sess, err := c.refresher.Refresh(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		}

		c.store.Replace(sess)
		c.logger.Info("session refreshed",
			slog.Time("captured_at", sess.CapturedAt),
			slog.Time("estimated_expiry", sess.EstimatedExpiry),
		)

		return sess, nil
	})
	if err != nil {
		return nil, err
	}

	if shared {
		c.logger.Debug("joined in-flight refresh")
	}

	return v.(*Session), nil
}

// Refreshes returns how many refresh cycles have run. Reported in the
// final run summary.
func (c *Coordinator) Refreshes() int {
	return int(c.refreshes.Load())
}

// WatchStaleness proactively refreshes when the stored session nears its
// estimated expiry, so long runs refresh ahead of the first 401 instead of
// burning a round-trip on it. Blocks until ctx is canceled; run it in its
// own goroutine. Refresh errors are logged, not fatal — a failed proactive
// refresh just means the next API caller hits AwaitFresh itself.
func (c *Coordinator) WatchStaleness(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.store.IsStale(c.nowFunc()) {
				continue
			}

			if _, err := c.AwaitFresh(ctx); err != nil {
				c.logger.Warn("proactive refresh failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
