package replication

import (
	"testing"
	"time"

	"github.com/dirkpetersen/claudefs/pkg/clock"
	"github.com/dirkpetersen/claudefs/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWal(t *testing.T) *ReplicationWal {
	t.Helper()
	return NewWal(WalConfig{Clock: clock.NewFake(time.Unix(0, 0))})
}

func TestAdvanceSetsCursor(t *testing.T) {
	w := newTestWal(t)
	require.NoError(t, w.Advance(1, 3, 10, 5))
	cur := w.Cursor(1, 3)
	assert.Equal(t, types.Sequence(10), cur.LastAckedSeq)
}

func TestAdvanceOutOfOrderDoesNotRegress(t *testing.T) {
	w := newTestWal(t)
	require.NoError(t, w.Advance(1, 3, 10, 5))
	require.NoError(t, w.Advance(1, 3, 4, 2))
	cur := w.Cursor(1, 3)
	assert.Equal(t, types.Sequence(10), cur.LastAckedSeq)
	// Still audited even though it didn't move the cursor.
	assert.Len(t, w.History(), 2)
}

func TestCursorsIndependentPerSiteShard(t *testing.T) {
	w := newTestWal(t)
	require.NoError(t, w.Advance(1, 0, 5, 1))
	require.NoError(t, w.Advance(2, 0, 9, 1))
	require.NoError(t, w.Advance(1, 1, 3, 1))

	assert.Equal(t, types.Sequence(5), w.Cursor(1, 0).LastAckedSeq)
	assert.Equal(t, types.Sequence(9), w.Cursor(2, 0).LastAckedSeq)
	assert.Equal(t, types.Sequence(3), w.Cursor(1, 1).LastAckedSeq)
}

func TestCompactRetainsLatestRecordPerPair(t *testing.T) {
	w := newTestWal(t)
	for seq := 1; seq <= 5; seq++ {
		require.NoError(t, w.Advance(1, 0, types.Sequence(seq), 1))
	}
	for seq := 1; seq <= 3; seq++ {
		require.NoError(t, w.Advance(2, 0, types.Sequence(seq), 1))
	}
	// All records share the same fake-clock timestamp, so a cutoff past
	// it collapses each pair down to its single latest record.
	w.Compact(w.clock.Now().UnixMicro() + 1)

	history := w.History()
	require.Len(t, history, 2)
	bySite := map[types.SiteId]types.WalRecord{}
	for _, rec := range history {
		bySite[rec.Site] = rec
	}
	assert.Equal(t, types.Sequence(5), bySite[1].Sequence)
	assert.Equal(t, types.Sequence(3), bySite[2].Sequence)

	// Cursors survive compaction untouched: Compact only trims the
	// audit trail, never the authoritative cursor map.
	assert.Equal(t, types.Sequence(5), w.Cursor(1, 0).LastAckedSeq)
}

func TestCompactRetainsRecordsAtOrAfterCutoff(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	w := NewWal(WalConfig{Clock: fake})
	require.NoError(t, w.Advance(1, 0, 1, 1)) // t=0
	fake.Advance(time.Second)
	cutoff := fake.Now().UnixMicro()
	require.NoError(t, w.Advance(1, 0, 2, 1)) // t=1s, == cutoff, kept
	fake.Advance(time.Second)
	require.NoError(t, w.Advance(1, 0, 3, 1)) // t=2s, kept

	w.Compact(cutoff)

	history := w.History()
	require.Len(t, history, 2)
	assert.Equal(t, types.Sequence(2), history[0].Sequence)
	assert.Equal(t, types.Sequence(3), history[1].Sequence)
}

func TestCompactKeepsLatestEvenWhenOlderThanCutoff(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	w := NewWal(WalConfig{Clock: fake})
	require.NoError(t, w.Advance(1, 0, 1, 1)) // the only record for this pair
	fake.Advance(time.Hour)
	require.NoError(t, w.Advance(2, 0, 1, 1)) // unrelated pair, recent

	w.Compact(fake.Now().UnixMicro())

	history := w.History()
	require.Len(t, history, 2)
	bySite := map[types.SiteId]types.WalRecord{}
	for _, rec := range history {
		bySite[rec.Site] = rec
	}
	_, stillPresent := bySite[1]
	assert.True(t, stillPresent, "the only record for (site 1, shard 0) must survive even though it predates the cutoff")
}

func TestBoltWalStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltWalStore(dir)
	require.NoError(t, err)
	defer store.Close()

	cur := types.ReplicationCursor{Site: 1, Shard: 0, LastAckedSeq: 42}
	require.NoError(t, store.PutCursor(cur))
	require.NoError(t, store.AppendRecord(types.WalRecord{Site: 1, Shard: 0, Sequence: 42, EntryCount: 3}))

	cursors, err := store.LoadCursors()
	require.NoError(t, err)
	require.Len(t, cursors, 1)
	assert.Equal(t, cur, cursors[0])

	history, err := store.LoadHistory()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 3, history[0].EntryCount)
}

func TestWalRecoverReplaysStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltWalStore(dir)
	require.NoError(t, err)
	defer store.Close()

	w1 := NewWal(WalConfig{Clock: clock.NewFake(time.Unix(0, 0)), Store: store})
	require.NoError(t, w1.Advance(1, 0, 7, 2))

	w2 := NewWal(WalConfig{Clock: clock.NewFake(time.Unix(0, 0)), Store: store})
	require.NoError(t, w2.Recover())
	assert.Equal(t, types.Sequence(7), w2.Cursor(1, 0).LastAckedSeq)
	assert.Len(t, w2.History(), 1)
}
