package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/netplay/internal/signal"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDirectoryInsertAndQuery(t *testing.T) {
	dir := openTestDB(t).Directory()
	ctx := context.Background()

	require.NoError(t, dir.Insert(ctx, Entry{
		MatchID: "m1", ContentID: "L1", HostID: "h1", Capacity: 4, State: "forming",
	}))
	require.NoError(t, dir.Insert(ctx, Entry{
		MatchID: "m2", ContentID: "L2", HostID: "h2", Capacity: 2, State: "forming",
	}))

	all, err := dir.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	l1, err := dir.Query(ctx, Filter{ContentID: "L1"})
	require.NoError(t, err)
	require.Len(t, l1, 1)
	assert.Equal(t, "m1", l1[0].MatchID)
	assert.Equal(t, 4, l1[0].Capacity)
}

func TestDirectoryNotCompletedFilter(t *testing.T) {
	dir := openTestDB(t).Directory()
	ctx := context.Background()

	require.NoError(t, dir.Insert(ctx, Entry{MatchID: "m1", ContentID: "L1", HostID: "h1", Capacity: 4, State: "forming"}))
	require.NoError(t, dir.Insert(ctx, Entry{MatchID: "m2", ContentID: "L1", HostID: "h1", Capacity: 4, State: "completed"}))

	open, err := dir.Query(ctx, Filter{NotCompleted: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "m1", open[0].MatchID)
}

func TestDirectoryStalenessWindow(t *testing.T) {
	dir := openTestDB(t).Directory()
	ctx := context.Background()

	require.NoError(t, dir.Insert(ctx, Entry{
		MatchID: "stale", ContentID: "L1", HostID: "h1", Capacity: 4, State: "forming",
		CreatedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, dir.Insert(ctx, Entry{
		MatchID: "fresh", ContentID: "L1", HostID: "h1", Capacity: 4, State: "forming",
	}))

	recent, err := dir.Query(ctx, Filter{NewerThan: 30 * time.Minute})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "fresh", recent[0].MatchID)
}

func TestDirectoryUpdate(t *testing.T) {
	dir := openTestDB(t).Directory()
	ctx := context.Background()

	require.NoError(t, dir.Insert(ctx, Entry{MatchID: "m1", ContentID: "L1", HostID: "h1", Capacity: 4, State: "forming"}))
	require.NoError(t, dir.Update(ctx, "m1", map[string]any{"state": "active"}))

	got, err := dir.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "active", got[0].State)

	assert.Error(t, dir.Update(ctx, "m1", map[string]any{"host_id": "evil"}), "identity columns must be immutable")
	assert.Error(t, dir.Update(ctx, "missing", map[string]any{"state": "active"}))
}

func TestMailboxFetchAddressingAndSeq(t *testing.T) {
	box := openTestDB(t).Mailbox()
	ctx := context.Background()

	send := func(to string, typ signal.MessageType) {
		require.NoError(t, box.Append(ctx, "room-1", signal.Message{
			Type: typ, From: "peer-a", To: to, Data: json.RawMessage(`{}`),
		}))
	}
	send("room-1", signal.TypeJoin)
	send("peer-b", signal.TypeOffer)
	send("peer-c", signal.TypeOffer)

	rows, err := box.Fetch(ctx, "room-1", "peer-b", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2, "peer-b sees the room announce and its own offer only")
	assert.Equal(t, signal.TypeJoin, rows[0].Msg.Type)
	assert.Equal(t, signal.TypeOffer, rows[1].Msg.Type)

	// Incremental fetch skips everything at or below afterSeq.
	newer, err := box.Fetch(ctx, "room-1", "peer-b", rows[1].Seq)
	require.NoError(t, err)
	assert.Empty(t, newer)
}

func TestMailboxRoomsAreIsolated(t *testing.T) {
	box := openTestDB(t).Mailbox()
	ctx := context.Background()

	require.NoError(t, box.Append(ctx, "room-1", signal.Message{Type: signal.TypeJoin, From: "a", To: "room-1"}))
	require.NoError(t, box.Append(ctx, "room-2", signal.Message{Type: signal.TypeJoin, From: "b", To: "room-2"}))

	rows, err := box.Fetch(ctx, "room-1", "x", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0].Msg.From)
}

func TestMailboxPrune(t *testing.T) {
	box := openTestDB(t).Mailbox()
	ctx := context.Background()

	require.NoError(t, box.Append(ctx, "room-1", signal.Message{Type: signal.TypeJoin, From: "a", To: "room-1"}))

	n, err := box.Prune(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := box.Fetch(ctx, "room-1", "x", 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
