package state

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icloud-restore/internal/icloud"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := NewStore(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func item(id string) icloud.DeletedItem {
	return icloud.DeletedItem{
		ID:        id,
		Name:      id + ".txt",
		Size:      100,
		DeletedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCheckpointEmpty(t *testing.T) {
	store := newTestStore(t)

	cp, err := store.LoadCheckpoint(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cp.Cursor)
	assert.False(t, cp.Complete)
	assert.Zero(t, cp.Pages)
}

func TestAppendPageAdvancesCheckpoint(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendPage(ctx, []icloud.DeletedItem{item("a"), item("b")}, "cursor-2"))
	require.NoError(t, store.AppendPage(ctx, []icloud.DeletedItem{item("c")}, "cursor-3"))

	cp, err := store.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cursor-3", cp.Cursor)
	assert.Equal(t, 2, cp.Pages)
	assert.False(t, cp.Complete)

	items, err := store.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "c", items[2].ID)
}

func TestAppendPageDeduplicatesLastWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendPage(ctx, []icloud.DeletedItem{item("a"), item("b")}, "c2"))

	// Provider re-lists "a" with changed metadata on a later page.
	updated := item("a")
	updated.Name = "renamed.txt"
	updated.Size = 999
	require.NoError(t, store.AppendPage(ctx, []icloud.DeletedItem{updated, item("c")}, "c3"))

	items, err := store.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "a", items[0].ID, "re-listed id keeps its first-seen position")
	assert.Equal(t, "renamed.txt", items[0].Name, "metadata takes the last occurrence")
	assert.Equal(t, int64(999), items[0].Size)
	assert.Equal(t, []string{"a", "b", "c"}, []string{items[0].ID, items[1].ID, items[2].ID})
}

func TestMarkListingComplete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendPage(ctx, []icloud.DeletedItem{item("a")}, ""))
	require.NoError(t, store.MarkListingComplete(ctx))

	cp, err := store.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.True(t, cp.Complete)
	assert.Equal(t, 1, cp.Pages)
}

func TestInventorySummary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendPage(ctx, []icloud.DeletedItem{item("a"), item("b")}, ""))

	count, totalSize, err := store.InventorySummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, int64(200), totalSize)
}

func TestDeriveRecordsRequiresCompleteListing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendPage(ctx, []icloud.DeletedItem{item("a")}, "more"))

	err := store.DeriveRecords(ctx)
	assert.ErrorIs(t, err, ErrListingIncomplete)
}

func TestDeriveRecordsCreatesPendingAndResetsInFlight(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendPage(ctx, []icloud.DeletedItem{item("a"), item("b"), item("c")}, ""))
	require.NoError(t, store.MarkListingComplete(ctx))
	require.NoError(t, store.DeriveRecords(ctx))

	// Simulate a run killed mid-batch: one in flight, one succeeded.
	require.NoError(t, store.UpdateRecords(ctx, []RecordUpdate{
		{ItemID: "a", Status: StatusInFlight, Attempts: 1},
		{ItemID: "b", Status: StatusSucceeded, Attempts: 1},
	}))

	require.NoError(t, store.DeriveRecords(ctx))

	pending, err := store.PendingRecords(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	assert.Equal(t, "a", pending[0].ItemID)
	assert.Equal(t, StatusPending, pending[0].Status, "in-flight records restart as pending")
	assert.Equal(t, 1, pending[0].Attempts, "attempt count survives the restart")
	assert.Equal(t, "c", pending[1].ItemID)

	counts, err := store.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusSucceeded], "succeeded records are untouched")
}

func TestDeriveRecordsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendPage(ctx, []icloud.DeletedItem{item("a")}, ""))
	require.NoError(t, store.MarkListingComplete(ctx))
	require.NoError(t, store.DeriveRecords(ctx))
	require.NoError(t, store.DeriveRecords(ctx))

	counts, err := store.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusPending: 1}, counts)
}

func TestUpdateRecordsAndFailedRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendPage(ctx, []icloud.DeletedItem{item("a"), item("b")}, ""))
	require.NoError(t, store.MarkListingComplete(ctx))
	require.NoError(t, store.DeriveRecords(ctx))

	require.NoError(t, store.UpdateRecords(ctx, []RecordUpdate{
		{ItemID: "a", Status: StatusSucceeded, Attempts: 1},
		{ItemID: "b", Status: StatusFailedPermanent, Attempts: 5, LastError: "ITEM_NOT_FOUND"},
	}))

	failed, err := store.FailedRecords(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].ItemID)
	assert.Equal(t, 5, failed[0].Attempts)
	assert.Equal(t, "ITEM_NOT_FOUND", failed[0].LastError)

	pending, err := store.PendingRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "terminal records never re-enter the work set")
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailedPermanent.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInFlight.Terminal())
}

func TestReset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendPage(ctx, []icloud.DeletedItem{item("a")}, ""))
	require.NoError(t, store.MarkListingComplete(ctx))
	require.NoError(t, store.DeriveRecords(ctx))

	require.NoError(t, store.Reset(ctx))

	cp, err := store.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.False(t, cp.Complete)

	count, _, err := store.InventorySummary(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
