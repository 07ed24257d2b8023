package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"icloud-restore/internal/icloud"
	"icloud-restore/internal/session"
	"icloud-restore/internal/state"
)

// restoreClient is the provider call the restorer needs. Implemented by
// *icloud.Client; tests substitute a fake.
type restoreClient interface {
	RestoreItems(ctx context.Context, sess *session.Session, ids []string, parser icloud.ResultParser) (*icloud.BatchResult, error)
}

// progressStore is the persistence the restorer needs from *state.Store.
type progressStore interface {
	PendingRecords(ctx context.Context) ([]state.Record, error)
	UpdateRecords(ctx context.Context, updates []state.RecordUpdate) error
	StatusCounts(ctx context.Context) (map[state.Status]int, error)
}

// RestorerConfig tunes batching, concurrency, and retry behavior.
type RestorerConfig struct {
	BatchSize   int
	Concurrency int
	MaxAttempts int // per-item attempts before failed_permanent
	MinInterval time.Duration
}

// Summary is the end-of-run report. FailedPermanent items were given every
// configured attempt and are listed individually by the caller.
type Summary struct {
	Succeeded       int
	FailedPermanent int
}

// progressLogEvery paces the rolling progress log line.
const progressLogEvery = 20

// Restorer drives every restore record to a terminal status. Work happens
// in waves: the first wave submits every pending item once in fixed-size
// batches through a bounded worker pool; each later wave, delayed by
// jittered exponential backoff, retries only the items that failed
// transiently. Items keep their attempt count across process restarts.
type Restorer struct {
	cfg      RestorerConfig
	client   restoreClient
	store    progressStore
	sessions *session.Store
	coord    refreshCoordinator
	parser   icloud.ResultParser
	logger   *slog.Logger
	pacer    *pacer

	succeeded atomic.Int64
	failed    atomic.Int64
	batches   atomic.Int64

	sleepFunc func(ctx context.Context, d time.Duration) error // injectable for testing
}

// NewRestorer wires a restore engine. parser may be nil for the default
// response shape.
func NewRestorer(
	cfg RestorerConfig,
	client restoreClient,
	store progressStore,
	sessions *session.Store,
	coord refreshCoordinator,
	parser icloud.ResultParser,
	logger *slog.Logger,
) *Restorer {
	if logger == nil {
		logger = slog.Default()
	}

	if parser == nil {
		parser = icloud.StatusListParser{}
	}

	return &Restorer{
		cfg:       cfg,
		client:    client,
		store:     store,
		sessions:  sessions,
		coord:     coord,
		parser:    parser,
		logger:    logger,
		pacer:     newPacer(cfg.MinInterval),
		sleepFunc: sleepCtx,
	}
}

// Run processes waves until every record is terminal, then reports counts.
// A fatal error (refresh failure, cancellation) returns early with all
// completed progress already flushed; a rerun resumes from the store.
func (r *Restorer) Run(ctx context.Context) (*Summary, error) {
	wave := 0

	for {
		records, err := r.store.PendingRecords(ctx)
		if err != nil {
			return nil, err
		}

		if len(records) == 0 {
			break
		}

		if wave > 0 {
			backoff := calcBackoff(wave - 1)
			r.logger.Info("starting retry wave",
				slog.Int("wave", wave+1),
				slog.Int("items", len(records)),
				slog.Duration("backoff", backoff),
			)

			if err := r.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("engine: restore canceled: %w", err)
			}
		}

		if err := r.runWave(ctx, records); err != nil {
			return nil, err
		}

		wave++
	}

	return r.summary(ctx)
}

// runWave submits one pass over the given records through the worker pool.
func (r *Restorer) runWave(ctx context.Context, records []state.Record) error {
	batches := partitionRecords(records, r.cfg.BatchSize)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for _, batch := range batches {
		g.Go(func() error {
			return r.processBatch(gctx, batch)
		})
	}

	return g.Wait()
}

// processBatch drives one batch to a decided outcome: succeeded/pending/
// failed_permanent per item. Auth expiry and throttling resubmit the same
// batch without consuming an attempt; anything else costs every item in
// the batch one attempt.
func (r *Restorer) processBatch(ctx context.Context, batch []state.Record) error {
	ids := make([]string, len(batch))
	for i, rec := range batch {
		ids[i] = rec.ItemID
	}

	if err := r.markAll(ctx, batch, state.StatusInFlight, ""); err != nil {
		return err
	}

	for {
		if err := r.pacer.Wait(ctx); err != nil {
			return r.revertOnCancel(ctx, batch, err)
		}

		// Re-read the session at send time: a refresh may have replaced
		// it while this batch waited for a slot.
		sess, err := r.currentSession(ctx)
		if err != nil {
			return r.revertOnCancel(ctx, batch, err)
		}

		result, err := r.client.RestoreItems(ctx, sess, ids, r.parser)
		if err == nil {
			return r.commitResult(ctx, batch, result)
		}

		switch {
		case ctx.Err() != nil:
			return r.revertOnCancel(ctx, batch, err)

		case errors.Is(err, icloud.ErrAuthExpired):
			// Revert before the refresh so a crash mid-refresh restarts
			// these items as pending, and the auth failure never counts
			// as an attempt.
			if err := r.markAll(ctx, batch, state.StatusPending, ""); err != nil {
				return err
			}

			if _, err := r.coord.AwaitFresh(ctx); err != nil {
				return err
			}

			if err := r.markAll(ctx, batch, state.StatusInFlight, ""); err != nil {
				return err
			}

		case errors.Is(err, icloud.ErrThrottled):
			r.pacer.Penalize(r.throttlePenalty(err), r.logger)

		default:
			// Transient retries inside the client are exhausted; this
			// costs the whole batch one attempt.
			return r.commitFailure(ctx, batch, err)
		}
	}
}

// commitResult applies a provider response: items the provider reported as
// failed consume an attempt and stay pending (or go terminal), everything
// else in the batch succeeded.
func (r *Restorer) commitResult(ctx context.Context, batch []state.Record, result *icloud.BatchResult) error {
	updates := make([]state.RecordUpdate, 0, len(batch))

	var succeeded, failed, terminal int

	for _, rec := range batch {
		msg, failedItem := result.Failed[rec.ItemID]
		if !failedItem {
			updates = append(updates, state.RecordUpdate{
				ItemID:   rec.ItemID,
				Status:   state.StatusSucceeded,
				Attempts: rec.Attempts + 1,
			})
			succeeded++

			continue
		}

		updates = append(updates, r.failureUpdate(rec, msg))
		failed++

		if rec.Attempts+1 >= r.cfg.MaxAttempts {
			terminal++
		}
	}

	if err := r.store.UpdateRecords(ctx, updates); err != nil {
		return err
	}

	r.succeeded.Add(int64(succeeded))
	r.failed.Add(int64(terminal))
	r.logProgress()

	if failed > 0 {
		r.logger.Warn("batch partially failed",
			slog.Int("succeeded", succeeded),
			slog.Int("failed", failed),
		)
	}

	return nil
}

// commitFailure charges every item in the batch one attempt for a
// batch-level transient failure.
func (r *Restorer) commitFailure(ctx context.Context, batch []state.Record, cause error) error {
	updates := make([]state.RecordUpdate, 0, len(batch))

	var terminal int

	for _, rec := range batch {
		updates = append(updates, r.failureUpdate(rec, cause.Error()))

		if rec.Attempts+1 >= r.cfg.MaxAttempts {
			terminal++
		}
	}

	if err := r.store.UpdateRecords(ctx, updates); err != nil {
		return err
	}

	r.failed.Add(int64(terminal))
	r.logProgress()

	r.logger.Warn("batch failed",
		slog.Int("items", len(batch)),
		slog.String("error", cause.Error()),
	)

	return nil
}

// failureUpdate builds the record transition for one failed attempt:
// another wave as pending, or failed_permanent once attempts are spent.
func (r *Restorer) failureUpdate(rec state.Record, msg string) state.RecordUpdate {
	update := state.RecordUpdate{
		ItemID:    rec.ItemID,
		Status:    state.StatusPending,
		Attempts:  rec.Attempts + 1,
		LastError: msg,
	}

	if update.Attempts >= r.cfg.MaxAttempts {
		update.Status = state.StatusFailedPermanent
	}

	return update
}

// revertOnCancel flushes the batch back to pending on cancellation so a
// resumed run restarts from clean per-item state. The flush uses a
// detached context because ctx is already canceled.
func (r *Restorer) revertOnCancel(ctx context.Context, batch []state.Record, cause error) error {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := r.markAll(flushCtx, batch, state.StatusPending, ""); err != nil {
		r.logger.Error("flushing progress on shutdown", slog.String("error", err.Error()))
	}

	return fmt.Errorf("engine: restore canceled: %w", cause)
}

// markAll transitions every record in the batch to the given status,
// leaving attempt counts untouched.
func (r *Restorer) markAll(ctx context.Context, batch []state.Record, status state.Status, msg string) error {
	updates := make([]state.RecordUpdate, len(batch))
	for i, rec := range batch {
		updates[i] = state.RecordUpdate{
			ItemID:    rec.ItemID,
			Status:    status,
			Attempts:  rec.Attempts,
			LastError: msg,
		}
	}

	return r.store.UpdateRecords(ctx, updates)
}

// currentSession returns the stored session, blocking on a refresh when
// none has been captured yet.
func (r *Restorer) currentSession(ctx context.Context) (*session.Session, error) {
	if sess, ok := r.sessions.Current(); ok {
		return sess, nil
	}

	return r.coord.AwaitFresh(ctx)
}

// throttlePenalty derives the process-wide pause from the provider's
// Retry-After when present.
func (r *Restorer) throttlePenalty(err error) time.Duration {
	var apiErr *icloud.APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second
	}

	return calcBackoff(0)
}

// logProgress emits a rolling progress line every progressLogEvery batches.
func (r *Restorer) logProgress() {
	n := r.batches.Add(1)
	if n%progressLogEvery != 0 {
		return
	}

	r.logger.Info("restore progress",
		slog.Int64("batches", n),
		slog.Int64("succeeded", r.succeeded.Load()),
		slog.Int64("failed_permanent", r.failed.Load()),
	)
}

// summary reads the final per-status counts from the store.
func (r *Restorer) summary(ctx context.Context) (*Summary, error) {
	counts, err := r.store.StatusCounts(ctx)
	if err != nil {
		return nil, err
	}

	return &Summary{
		Succeeded:       counts[state.StatusSucceeded],
		FailedPermanent: counts[state.StatusFailedPermanent],
	}, nil
}

// partitionRecords splits records into batches of at most size items.
func partitionRecords(records []state.Record, size int) [][]state.Record {
	if size < 1 {
		size = 1
	}

	batches := make([][]state.Record, 0, (len(records)+size-1)/size)

	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}

		batches = append(batches, records[start:end])
	}

	return batches
}
