package replication

import (
	"sync"

	"github.com/dirkpetersen/claudefs/pkg/log"
	"github.com/dirkpetersen/claudefs/pkg/types"
)

// ApplyFunc applies one already-resolved op group to local state,
// mirroring metasvc.Service.ApplyOpGroup's signature so a Receiver can
// be wired directly against a shard's Service.
type ApplyFunc func(group types.OpGroup) error

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	Site     types.SiteId
	Conflict *ConflictDetector
	Apply    ApplyFunc
}

// Receiver is the inbound half of cross-site replication: it takes
// batches shipped by a remote JournalTailer, compares each entry's
// vector clock against the last one this node applied for the same
// inode, and either applies the entry outright (no prior write raced
// it), applies the conflict winner (discarding a concurrent loser), or
// skips it (this node's own write already dominates). The per-inode
// "last applied" clock lives here rather than in metasvc.Service: it
// exists purely to gate replication application, not to answer reads.
type Receiver struct {
	site     types.SiteId
	conflict *ConflictDetector
	apply    ApplyFunc

	mu   sync.Mutex
	last map[types.InodeId]types.VectorClock
}

// NewReceiver constructs a Receiver.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	return &Receiver{
		site:     cfg.Site,
		conflict: cfg.Conflict,
		apply:    cfg.Apply,
		last:     make(map[types.InodeId]types.VectorClock),
	}
}

// inodesTouched returns every inode a MetaOp references, used to scope
// conflict detection to the entries actually affected by a group.
func inodesTouched(group types.OpGroup) []types.InodeId {
	var out []types.InodeId
	for _, op := range group.Ops {
		switch op.Kind {
		case types.OpCreateInode:
			if op.Attr != nil {
				out = append(out, op.Attr.Ino)
			}
		case types.OpAddDirEntry, types.OpRemoveDirEntry:
			out = append(out, op.Parent)
		default:
			out = append(out, op.Ino)
		}
	}
	return out
}

// ReceiveBatch applies every entry in batch from remoteSite, in
// sequence order, resolving per-inode conflicts against whatever this
// node has already applied (from its own local writes or from another
// site). Returns the highest sequence fully processed, for the caller
// to ack back to the shipper, even when some entries were skipped as
// superseded: "processed" means resolved, not necessarily applied.
func (r *Receiver) ReceiveBatch(remoteSite types.SiteId, batch types.ReplicationBatch) (types.Sequence, error) {
	var highest types.Sequence
	for _, entry := range batch.Entries {
		remoteClock := types.VectorClock{SiteId: remoteSite, Sequence: uint64(entry.Sequence)}
		if err := r.receiveEntry(remoteClock, entry.Group); err != nil {
			return highest, err
		}
		highest = entry.Sequence
	}
	if batch.LastSequence > highest {
		highest = batch.LastSequence
	}
	return highest, nil
}

func (r *Receiver) receiveEntry(remoteClock types.VectorClock, group types.OpGroup) error {
	inodes := inodesTouched(group)

	r.mu.Lock()
	apply := true
	for _, ino := range inodes {
		local, ok := r.last[ino]
		if !ok {
			continue
		}
		winner, conflicted := r.conflict.DetectConflict(ino, local, remoteClock)
		if conflicted {
			log.WithSite("receiver", uint64(remoteClock.SiteId)).Info().
				Uint64("ino", uint64(ino)).Msg("concurrent write resolved by last-writer-wins")
		}
		if winner != remoteClock {
			apply = false
		}
	}
	if apply {
		for _, ino := range inodes {
			r.last[ino] = remoteClock
		}
	}
	r.mu.Unlock()

	if !apply {
		return nil
	}
	return r.apply(group)
}
