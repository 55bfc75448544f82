package replication

import (
	"testing"
	"time"

	"github.com/dirkpetersen/claudefs/pkg/clock"
	"github.com/dirkpetersen/claudefs/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiverAppliesNonConflictingEntry(t *testing.T) {
	det := NewConflictDetector(ConflictDetectorConfig{Clock: clock.NewFake(time.Unix(0, 0))})
	var applied []types.OpGroup
	r := NewReceiver(ReceiverConfig{
		Site:     2,
		Conflict: det,
		Apply: func(g types.OpGroup) error {
			applied = append(applied, g)
			return nil
		},
	})

	batch := types.ReplicationBatch{
		LastSequence: 1,
		Entries: []types.JournalEntry{
			{Sequence: 1, Group: types.OpGroup{Ops: []types.MetaOp{types.CreateInode(&types.InodeAttr{Ino: 5})}}},
		},
	}
	acked, err := r.ReceiveBatch(1, batch)
	require.NoError(t, err)
	assert.Equal(t, types.Sequence(1), acked)
	require.Len(t, applied, 1)
}

func TestReceiverSkipsEntryLosingConflict(t *testing.T) {
	det := NewConflictDetector(ConflictDetectorConfig{Clock: clock.NewFake(time.Unix(0, 0))})
	var applied int
	r := NewReceiver(ReceiverConfig{
		Site:     3,
		Conflict: det,
		Apply: func(g types.OpGroup) error {
			applied++
			return nil
		},
	})

	// First, local site 3 already applied sequence 9 for ino 5.
	first := types.ReplicationBatch{
		LastSequence: 9,
		Entries: []types.JournalEntry{
			{Sequence: 9, Group: types.OpGroup{Ops: []types.MetaOp{types.SetAttr(5, &types.InodeAttr{Ino: 5})}}},
		},
	}
	_, err := r.ReceiveBatch(3, first)
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	// A concurrent write from site 1 at the same sequence loses the
	// site-id tiebreak (1 < 3) and must not be applied.
	second := types.ReplicationBatch{
		LastSequence: 9,
		Entries: []types.JournalEntry{
			{Sequence: 9, Group: types.OpGroup{Ops: []types.MetaOp{types.SetAttr(5, &types.InodeAttr{Ino: 5})}}},
		},
	}
	acked, err := r.ReceiveBatch(1, second)
	require.NoError(t, err)
	assert.Equal(t, types.Sequence(9), acked, "sequence is still considered processed even though not applied")
	assert.Equal(t, 1, applied, "loser of the conflict must not be applied")
	assert.Equal(t, 1, det.Len())
}

func TestReceiverAppliesConflictWinnerFromHigherSite(t *testing.T) {
	det := NewConflictDetector(ConflictDetectorConfig{Clock: clock.NewFake(time.Unix(0, 0))})
	var applied int
	r := NewReceiver(ReceiverConfig{
		Site:     1,
		Conflict: det,
		Apply: func(g types.OpGroup) error {
			applied++
			return nil
		},
	})

	first := types.ReplicationBatch{
		LastSequence: 9,
		Entries: []types.JournalEntry{
			{Sequence: 9, Group: types.OpGroup{Ops: []types.MetaOp{types.SetAttr(5, &types.InodeAttr{Ino: 5})}}},
		},
	}
	_, err := r.ReceiveBatch(1, first)
	require.NoError(t, err)

	// A concurrent write from site 3 at the same sequence wins the
	// tiebreak (3 > 1) and must be applied, superseding site 1's write.
	second := types.ReplicationBatch{
		LastSequence: 9,
		Entries: []types.JournalEntry{
			{Sequence: 9, Group: types.OpGroup{Ops: []types.MetaOp{types.SetAttr(5, &types.InodeAttr{Ino: 5})}}},
		},
	}
	_, err = r.ReceiveBatch(3, second)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
}
