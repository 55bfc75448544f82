// Package replication implements cross-site journal replication: tailing
// a shard's local MetadataJournal, shipping batches to remote sites,
// detecting and resolving concurrent writes with vector clocks, and
// durably tracking per-(site, shard) replication progress.
package replication

import (
	"fmt"
	"sync"

	"github.com/dirkpetersen/claudefs/pkg/journal"
	"github.com/dirkpetersen/claudefs/pkg/log"
	"github.com/dirkpetersen/claudefs/pkg/metrics"
	"github.com/dirkpetersen/claudefs/pkg/types"
)

// DefaultBatchSize bounds how many journal entries PollBatch ships at once.
const DefaultBatchSize = 256

// TailerConfig configures a JournalTailer.
type TailerConfig struct {
	Site      types.SiteId
	Shard     types.ShardId
	Journal   *journal.Journal
	BatchSize int
}

// JournalTailer streams one shard's journal to one remote site. It
// consumes PollBatch results in order, eliding a same-batch
// Create-then-Delete pair for the same inode (the remote never needs to
// learn about an inode that was born and died before this site saw it),
// and only advances the journal's compaction cursor once the remote
// site has acknowledged receipt via Acknowledge. PollBatch always
// starts from lastPolled, the tailer's own read cursor, and advances it
// unconditionally on every non-empty poll regardless of whether the
// previous batch was ever acknowledged: a poll that is never shipped
// (or whose ship fails before Acknowledge) is not retried verbatim, the
// tailer simply moves on and leaves the unacknowledged range for
// Acknowledge/compaction bookkeeping to track separately.
type JournalTailer struct {
	site    types.SiteId
	shard   types.ShardId
	journal *journal.Journal
	batch   int

	mu           sync.Mutex
	lastPolled   types.Sequence // last_consumed: PollBatch's own read cursor, advanced on every poll
	acknowledged types.Sequence
}

// consumerName is the Journal.RegisterConsumer identity for a
// (site, shard) tailer. Multiple tailers (one per remote site) can
// share a local shard's Journal, so the cursor identity must carry the
// site: otherwise two sites' acknowledgment progress would collapse
// into one compaction horizon.
func consumerName(site types.SiteId, shard types.ShardId) string {
	return fmt.Sprintf("tailer-site%d-shard%d", site, shard)
}

// NewTailer constructs a JournalTailer starting fresh at sequence 1.
func NewTailer(cfg TailerConfig) *JournalTailer {
	size := cfg.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	t := &JournalTailer{
		site:    cfg.Site,
		shard:   cfg.Shard,
		journal: cfg.Journal,
		batch:   size,
	}
	t.journal.RegisterConsumer(t.name())
	return t
}

// Resume rebuilds a JournalTailer from a durably persisted cursor,
// continuing PollBatch from the consumer's last-consumed position and
// the compaction horizon from its last-acknowledged position. A batch
// polled but not yet shipped before the crash is lost from the tailer's
// own perspective (lastPolled already moved past it on the prior
// process's poll); it is not re-sent, only its acknowledgment, if any
// was in flight, is what compaction still waits on.
func Resume(cfg TailerConfig, cursor types.TailerCursor) *JournalTailer {
	t := NewTailer(cfg)
	t.mu.Lock()
	t.lastPolled = cursor.LastConsumed
	t.acknowledged = cursor.LastAcknowledged
	t.mu.Unlock()
	t.journal.AdvanceConsumerCursor(t.name(), cursor.LastAcknowledged)
	return t
}

func (t *JournalTailer) name() string { return consumerName(t.site, t.shard) }

// PollBatch reads up to the configured batch size of entries after
// lastPolled and returns them as a ReplicationBatch, eliding any
// Create+Delete pair on the same inode that both land within this
// single batch. The returned batch's CompactedCount records how many
// raw entries were elided this way; an empty batch (no entries
// pending) returns a zero-value ReplicationBatch and no error. Every
// non-empty call advances lastPolled past the batch it returns, so two
// successive calls without an intervening Acknowledge still make
// progress rather than replaying the same range.
func (t *JournalTailer) PollBatch() (types.ReplicationBatch, error) {
	t.mu.Lock()
	start := t.lastPolled + 1
	t.mu.Unlock()

	entries, err := t.journal.ReadFrom(start, t.batch)
	if err != nil {
		return types.ReplicationBatch{}, err
	}
	if len(entries) == 0 {
		return types.ReplicationBatch{}, nil
	}

	kept, compacted := elideCreateDelete(entries)

	t.mu.Lock()
	t.lastPolled = entries[len(entries)-1].Sequence
	t.mu.Unlock()

	if len(kept) == 0 {
		return types.ReplicationBatch{
			FirstSequence:  entries[0].Sequence,
			LastSequence:   entries[len(entries)-1].Sequence,
			CompactedCount: uint32(compacted),
		}, nil
	}
	return types.ReplicationBatch{
		FirstSequence:  entries[0].Sequence,
		LastSequence:   entries[len(entries)-1].Sequence,
		CompactedCount: uint32(compacted),
		Entries:        kept,
	}, nil
}

// elideCreateDelete drops any entry pair where a CreateInode for ino is
// followed later in the same batch by a DeleteInode for the same ino;
// the entries between the two are not inspected.
// Conservative: only whole-entry CreateInode/DeleteInode ops are
// eligible, never a mixed group that also touches other inodes.
func elideCreateDelete(entries []types.JournalEntry) ([]types.JournalEntry, int) {
	created := make(map[types.InodeId]int) // ino -> index into entries of its sole-create entry
	elided := make(map[int]bool)
	compacted := 0

	for i, e := range entries {
		if len(e.Group.Ops) != 1 {
			continue
		}
		op := e.Group.Ops[0]
		switch op.Kind {
		case types.OpCreateInode:
			if op.Attr != nil {
				created[op.Attr.Ino] = i
			}
		case types.OpDeleteInode:
			if ci, ok := created[op.Ino]; ok && !elided[ci] {
				elided[ci] = true
				elided[i] = true
				compacted += 2
				delete(created, op.Ino)
			}
		}
	}

	if compacted == 0 {
		return entries, 0
	}
	out := make([]types.JournalEntry, 0, len(entries)-compacted)
	for i, e := range entries {
		if !elided[i] {
			out = append(out, e)
		}
	}
	return out, compacted
}

// Acknowledge records that the remote site has durably received every
// entry up to and including sequence, advancing this tailer's
// contribution to the journal's compaction horizon.
func (t *JournalTailer) Acknowledge(sequence types.Sequence) {
	t.mu.Lock()
	if sequence > t.acknowledged {
		t.acknowledged = sequence
	}
	t.mu.Unlock()
	t.journal.AdvanceConsumerCursor(t.name(), sequence)
	log.WithSite("tailer", uint64(t.site)).Debug().Uint64("acknowledged", uint64(sequence)).Msg("cursor advanced")
	t.reportLag()
}

// Lag returns how many journal entries remain unacknowledged by this
// tailer's remote site: head sequence minus the acknowledged cursor,
// which counts polled-but-unacknowledged entries as backlog.
func (t *JournalTailer) Lag() uint64 {
	t.mu.Lock()
	acked := t.acknowledged
	t.mu.Unlock()
	lag := t.journal.ReplicationLag(acked)
	t.setLagMetric(lag)
	return lag
}

func (t *JournalTailer) reportLag() {
	t.mu.Lock()
	acked := t.acknowledged
	t.mu.Unlock()
	t.setLagMetric(t.journal.ReplicationLag(acked))
}

func (t *JournalTailer) setLagMetric(lag uint64) {
	metrics.ReplicationLag.WithLabelValues(fmt.Sprintf("%d", t.site), fmt.Sprintf("%d", t.shard)).Set(float64(lag))
}

// PendingCount returns how many entries this tailer has most recently
// handed out via PollBatch but not yet seen acknowledged. PollBatch
// does not hand these entries out again.
func (t *JournalTailer) PendingCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastPolled <= t.acknowledged {
		return 0
	}
	return uint64(t.lastPolled) - uint64(t.acknowledged)
}

// HasPending reports whether any polled-but-unacknowledged entries
// remain.
func (t *JournalTailer) HasPending() bool {
	return t.PendingCount() > 0
}

// Cursor snapshots this tailer's progress for durable persistence.
func (t *JournalTailer) Cursor() types.TailerCursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return types.TailerCursor{
		ConsumerId:       t.name(),
		Site:             t.site,
		Shard:            t.shard,
		LastConsumed:     t.lastPolled,
		LastAcknowledged: t.acknowledged,
	}
}
