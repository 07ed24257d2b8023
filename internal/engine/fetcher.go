package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"icloud-restore/internal/icloud"
	"icloud-restore/internal/session"
	"icloud-restore/internal/state"
)

// ErrListingFailed means transient retries were exhausted while
// paginating. The checkpoint retains all progress made, so a rerun
// re-enters at the same cursor.
var ErrListingFailed = errors.New("engine: listing failed")

// listingClient is the provider call the fetcher needs. Implemented by
// *icloud.Client; tests substitute a fake.
type listingClient interface {
	ListTombstones(ctx context.Context, sess *session.Session, cursor string, pageSize int) (*icloud.TombstonePage, error)
}

// checkpointStore is the persistence the fetcher needs from *state.Store.
type checkpointStore interface {
	LoadCheckpoint(ctx context.Context) (*state.Checkpoint, error)
	AppendPage(ctx context.Context, items []icloud.DeletedItem, nextCursor string) error
	MarkListingComplete(ctx context.Context) error
}

// refreshCoordinator blocks until a fresh session is published.
// Implemented by *session.Coordinator.
type refreshCoordinator interface {
	AwaitFresh(ctx context.Context) (*session.Session, error)
}

// FetcherConfig tunes the listing fetcher.
type FetcherConfig struct {
	PageSize    int
	MaxAttempts int // transient attempts per page before ErrListingFailed
}

// Fetcher paginates the tombstone listing into a complete, checkpointed
// inventory. Strictly sequential: each page's cursor comes from the
// previous response. An expired session suspends the current page, waits
// for one coordinated refresh, and retries the same cursor — no progress
// is lost and the auth failure is never counted as an attempt.
type Fetcher struct {
	cfg      FetcherConfig
	client   listingClient
	store    checkpointStore
	sessions *session.Store
	coord    refreshCoordinator
	logger   *slog.Logger

	sleepFunc func(ctx context.Context, d time.Duration) error // injectable for testing
}

// NewFetcher wires a listing fetcher.
func NewFetcher(
	cfg FetcherConfig,
	client listingClient,
	store checkpointStore,
	sessions *session.Store,
	coord refreshCoordinator,
	logger *slog.Logger,
) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Fetcher{
		cfg:       cfg,
		client:    client,
		store:     store,
		sessions:  sessions,
		coord:     coord,
		logger:    logger,
		sleepFunc: sleepCtx,
	}
}

// FetchAll drives the enumeration to completion, resuming from the
// persisted checkpoint when one exists. Returns once the checkpoint is
// marked complete.
func (f *Fetcher) FetchAll(ctx context.Context) error {
	cp, err := f.store.LoadCheckpoint(ctx)
	if err != nil {
		return err
	}

	if cp.Complete {
		f.logger.Info("listing already complete, skipping fetch")
		return nil
	}

	cursor := cp.Cursor
	page := cp.Pages

	if page > 0 {
		f.logger.Info("resuming listing from checkpoint", slog.Int("pages_done", page))
	}

	attempts := 0

	for {
		sess, err := f.currentSession(ctx)
		if err != nil {
			return err
		}

		tp, err := f.client.ListTombstones(ctx, sess, cursor, f.cfg.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("engine: listing canceled: %w", ctx.Err())
			}

			if errors.Is(err, icloud.ErrAuthExpired) {
				f.logger.Info("session expired during listing, refreshing",
					slog.Int("page", page+1),
				)

				if _, err := f.coord.AwaitFresh(ctx); err != nil {
					return err
				}

				// Same cursor, not counted as an attempt.
				continue
			}

			attempts++
			if attempts >= f.cfg.MaxAttempts {
				return fmt.Errorf("%w: page %d after %d attempts: %w", ErrListingFailed, page+1, attempts, err)
			}

			backoff := f.retryBackoff(err, attempts-1)
			f.logger.Warn("retrying listing page",
				slog.Int("page", page+1),
				slog.Int("attempt", attempts),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)

			if sleepErr := f.sleepFunc(ctx, backoff); sleepErr != nil {
				return fmt.Errorf("engine: listing canceled: %w", sleepErr)
			}

			continue
		}

		attempts = 0
		page++

		if err := f.store.AppendPage(ctx, tp.Items, tp.NextCursor); err != nil {
			return err
		}

		f.logger.Info("listing page persisted",
			slog.Int("page", page),
			slog.Int("items", len(tp.Items)),
		)

		if !tp.More {
			if err := f.store.MarkListingComplete(ctx); err != nil {
				return err
			}

			f.logger.Info("listing complete", slog.Int("pages", page))

			return nil
		}

		cursor = tp.NextCursor
	}
}

// currentSession returns the stored session, blocking on a refresh when
// none has been captured yet.
func (f *Fetcher) currentSession(ctx context.Context) (*session.Session, error) {
	if sess, ok := f.sessions.Current(); ok {
		return sess, nil
	}

	return f.coord.AwaitFresh(ctx)
}

// retryBackoff honors the provider's Retry-After on throttle responses and
// falls back to jittered exponential backoff otherwise.
func (f *Fetcher) retryBackoff(err error, attempt int) time.Duration {
	var apiErr *icloud.APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second
	}

	return calcBackoff(attempt)
}
