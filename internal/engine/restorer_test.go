package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icloud-restore/internal/icloud"
	"icloud-restore/internal/session"
	"icloud-restore/internal/state"
)

// restoreResp is one scripted fake response: a batch result or an error.
type restoreResp struct {
	result *icloud.BatchResult
	err    error
}

// fakeRestoreClient returns scripted responses in call order and records
// the ids submitted on every call. Safe for concurrent batches.
type fakeRestoreClient struct {
	mu     sync.Mutex
	resps  []restoreResp
	calls  [][]string
	onCall func() // runs inside every call, before the response is returned
}

func (f *fakeRestoreClient) RestoreItems(_ context.Context, _ *session.Session, ids []string, _ icloud.ResultParser) (*icloud.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, append([]string(nil), ids...))

	if f.onCall != nil {
		f.onCall()
	}

	i := len(f.calls) - 1
	if i >= len(f.resps) {
		return nil, fmt.Errorf("unexpected call %d with ids %v", i, ids)
	}

	return f.resps[i].result, f.resps[i].err
}

func allOK() *icloud.BatchResult {
	return &icloud.BatchResult{Failed: map[string]string{}}
}

// seedRecords fills the store with a complete inventory and pending
// records for the given ids.
func seedRecords(t *testing.T, store *state.Store, ids ...string) {
	t.Helper()

	ctx := context.Background()

	items := make([]icloud.DeletedItem, len(ids))
	for i, id := range ids {
		items[i] = tombstone(id)
	}

	require.NoError(t, store.AppendPage(ctx, items, ""))
	require.NoError(t, store.MarkListingComplete(ctx))
	require.NoError(t, store.DeriveRecords(ctx))
}

func newTestRestorer(t *testing.T, cfg RestorerConfig, client restoreClient, store *state.Store, coord *fakeCoordinator) *Restorer {
	t.Helper()

	if coord.sessions == nil {
		coord.sessions = newSessionStore(t, true)
	}

	r := NewRestorer(cfg, client, store, coord.sessions, coord, nil, discardLogger())
	r.sleepFunc = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	return r
}

func TestRunRestoresEverythingInOneWave(t *testing.T) {
	store := newStateStore(t)
	seedRecords(t, store, "a", "b", "c")

	client := &fakeRestoreClient{resps: []restoreResp{
		{result: allOK()},
		{result: allOK()},
	}}

	r := newTestRestorer(t, RestorerConfig{BatchSize: 2, Concurrency: 1, MaxAttempts: 5}, client, store, &fakeCoordinator{})

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &Summary{Succeeded: 3}, summary)
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, client.calls)

	counts, err := store.StatusCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[state.Status]int{state.StatusSucceeded: 3}, counts)
}

func TestRunWithNothingPendingMakesNoCalls(t *testing.T) {
	store := newStateStore(t)
	seedRecords(t, store, "a")
	require.NoError(t, store.UpdateRecords(context.Background(), []state.RecordUpdate{
		{ItemID: "a", Status: state.StatusSucceeded, Attempts: 1},
	}))

	client := &fakeRestoreClient{}
	r := newTestRestorer(t, RestorerConfig{BatchSize: 10, Concurrency: 1, MaxAttempts: 5}, client, store, &fakeCoordinator{})

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &Summary{Succeeded: 1}, summary)
	assert.Empty(t, client.calls, "terminal records are never resubmitted")
}

func TestRunRetriesOnlyFailedItemsInLaterWave(t *testing.T) {
	store := newStateStore(t)
	seedRecords(t, store, "a", "b", "c")

	client := &fakeRestoreClient{resps: []restoreResp{
		{result: &icloud.BatchResult{Failed: map[string]string{"b": "QUOTA_EXCEEDED"}}},
		{result: allOK()},
	}}

	r := newTestRestorer(t, RestorerConfig{BatchSize: 10, Concurrency: 1, MaxAttempts: 5}, client, store, &fakeCoordinator{})

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &Summary{Succeeded: 3}, summary)
	require.Len(t, client.calls, 2)
	assert.Equal(t, []string{"a", "b", "c"}, client.calls[0])
	assert.Equal(t, []string{"b"}, client.calls[1], "the retry wave resubmits only the failed item")
}

func TestRunMarksPermanentAfterMaxAttempts(t *testing.T) {
	store := newStateStore(t)
	seedRecords(t, store, "a")

	notFound := &icloud.BatchResult{Failed: map[string]string{"a": "ITEM_NOT_FOUND"}}
	client := &fakeRestoreClient{resps: []restoreResp{
		{result: notFound},
		{result: notFound},
	}}

	r := newTestRestorer(t, RestorerConfig{BatchSize: 10, Concurrency: 1, MaxAttempts: 2}, client, store, &fakeCoordinator{})

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &Summary{FailedPermanent: 1}, summary)
	assert.Len(t, client.calls, 2, "each item gets exactly MaxAttempts submissions")

	failed, err := store.FailedRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Attempts)
	assert.Equal(t, "ITEM_NOT_FOUND", failed[0].LastError)
}

func TestRunRefreshesAndResendsOnAuthExpiry(t *testing.T) {
	store := newStateStore(t)
	seedRecords(t, store, "a", "b")

	client := &fakeRestoreClient{resps: []restoreResp{
		{err: &icloud.APIError{StatusCode: 401, Err: icloud.ErrAuthExpired}},
		{result: allOK()},
	}}

	coord := &fakeCoordinator{}
	r := newTestRestorer(t, RestorerConfig{BatchSize: 10, Concurrency: 1, MaxAttempts: 5}, client, store, coord)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &Summary{Succeeded: 2}, summary)
	assert.Equal(t, int32(1), coord.calls.Load())
	require.Len(t, client.calls, 2)
	assert.Equal(t, client.calls[0], client.calls[1], "the same batch is resent after refresh")
}

func TestRunPausesAllCallsOnThrottle(t *testing.T) {
	store := newStateStore(t)
	seedRecords(t, store, "a")

	client := &fakeRestoreClient{resps: []restoreResp{
		{err: &icloud.APIError{StatusCode: 429, RetryAfter: 3, Err: icloud.ErrThrottled}},
		{result: allOK()},
	}}

	r := newTestRestorer(t, RestorerConfig{BatchSize: 10, Concurrency: 1, MaxAttempts: 5}, client, store, &fakeCoordinator{})

	clock := newFakeClock()
	clock.attach(r.pacer)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &Summary{Succeeded: 1}, summary)
	require.Len(t, clock.sleeps, 1, "the penalized slot delays the resend")
	assert.Equal(t, 3*time.Second, clock.sleeps[0])
}

func TestRunChargesWholeBatchOnRequestError(t *testing.T) {
	store := newStateStore(t)
	seedRecords(t, store, "a", "b")

	client := &fakeRestoreClient{resps: []restoreResp{
		{err: &icloud.APIError{StatusCode: 400, Message: "BAD_REQUEST", Err: icloud.ErrBadRequest}},
	}}

	r := newTestRestorer(t, RestorerConfig{BatchSize: 10, Concurrency: 1, MaxAttempts: 1}, client, store, &fakeCoordinator{})

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &Summary{FailedPermanent: 2}, summary)

	failed, ferr := store.FailedRecords(context.Background())
	require.NoError(t, ferr)
	require.Len(t, failed, 2)
	assert.Contains(t, failed[0].LastError, "BAD_REQUEST")
}

func TestRunCancellationRevertsInFlightBatch(t *testing.T) {
	store := newStateStore(t)
	seedRecords(t, store, "a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &fakeRestoreClient{
		resps:  []restoreResp{{err: context.Canceled}},
		onCall: cancel,
	}

	r := newTestRestorer(t, RestorerConfig{BatchSize: 10, Concurrency: 1, MaxAttempts: 5}, client, store, &fakeCoordinator{})

	_, err := r.Run(ctx)
	require.Error(t, err)

	pending, perr := store.PendingRecords(context.Background())
	require.NoError(t, perr)
	require.Len(t, pending, 1)
	assert.Equal(t, state.StatusPending, pending[0].Status, "a canceled batch restarts as pending")
	assert.Zero(t, pending[0].Attempts, "cancellation consumes no attempt")
}

func TestPartitionRecords(t *testing.T) {
	records := []state.Record{{ItemID: "a"}, {ItemID: "b"}, {ItemID: "c"}, {ItemID: "d"}, {ItemID: "e"}}

	batches := partitionRecords(records, 2)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[2], 1)

	assert.Len(t, partitionRecords(records, 0), 5, "a non-positive size degrades to singleton batches")
	assert.Len(t, partitionRecords(nil, 3), 0)
}
