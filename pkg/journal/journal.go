// Package journal implements the per-shard append-only MetadataJournal:
// the durable record of committed MetaOps used for recovery replay and
// cross-site replication streaming.
package journal

import (
	"fmt"
	"sync"

	"github.com/dirkpetersen/claudefs/pkg/clock"
	"github.com/dirkpetersen/claudefs/pkg/metrics"
	"github.com/dirkpetersen/claudefs/pkg/types"
)

// Config configures a Journal.
type Config struct {
	Shard types.ShardId
	// MaxEntries bounds the in-memory journal; Append fails
	// CapacityExceeded once reached and the oldest entries are still
	// referenced by a consumer cursor.
	MaxEntries int
	// RetentionFloor is the minimum number of trailing entries
	// compaction always keeps, even if every consumer has acknowledged
	// past them.
	RetentionFloor int
	Clock          clock.Clock
	// Store, if non-nil, durably persists each appended entry.
	Store Store
}

// Store is the durability backend a Journal may optionally write
// through. BoltJournalStore in bolt.go is the production implementation.
type Store interface {
	Append(entry types.JournalEntry) error
	LoadAll(shard types.ShardId) ([]types.JournalEntry, error)
}

// Journal is the append-only, per-shard MetadataJournal.
type Journal struct {
	mu sync.RWMutex

	shard          types.ShardId
	maxEntries     int
	retentionFloor int
	clock          clock.Clock
	store          Store

	entries []types.JournalEntry // index 0 is the entry at baseSequence
	// baseSequence is the sequence of entries[0]; 0 if entries is empty
	// and nothing has ever been appended.
	baseSequence types.Sequence
	headSequence types.Sequence // sequence of the most recently appended entry
	// compactionHorizon is the lowest sequence still retained.
	compactionHorizon types.Sequence

	// cursors tracks the last-acknowledged sequence of every registered
	// consumer, used by Compact to compute min(acknowledged) across
	// consumers.
	cursors map[string]types.Sequence
}

// New constructs an empty Journal for one shard.
func New(cfg Config) *Journal {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1_000_000
	}
	return &Journal{
		shard:          cfg.Shard,
		maxEntries:     cfg.MaxEntries,
		retentionFloor: cfg.RetentionFloor,
		clock:          cfg.Clock,
		store:          cfg.Store,
		cursors:        make(map[string]types.Sequence),
	}
}

// RegisterConsumer registers a named consumer (e.g. a JournalTailer) so
// its acknowledged cursor participates in compaction horizon
// computation. Safe to call multiple times; idempotent.
func (j *Journal) RegisterConsumer(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.cursors[name]; !ok {
		j.cursors[name] = 0
	}
}

// AdvanceConsumerCursor records that consumer has acknowledged up to seq.
// Must be called (and durably observed) before Compact is allowed to
// reclaim entries at or below seq.
func (j *Journal) AdvanceConsumerCursor(name string, seq types.Sequence) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if cur, ok := j.cursors[name]; !ok || seq > cur {
		j.cursors[name] = seq
	}
}

// Append assigns the next sequence to op, records it with the current
// timestamp, and returns the assigned sequence.
func (j *Journal) Append(group types.OpGroup, logIndex types.LogIndex) (types.Sequence, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.entries) >= j.maxEntries {
		if !j.canCompactLocked() {
			return 0, types.NewError(types.KindCapacityExceeded, "Append")
		}
		j.compactLocked()
		if len(j.entries) >= j.maxEntries {
			return 0, types.NewError(types.KindCapacityExceeded, "Append")
		}
	}

	seq := j.headSequence + 1
	entry := types.JournalEntry{
		Sequence:  seq,
		LogIndex:  logIndex,
		Shard:     j.shard,
		Group:     group,
		Timestamp: j.clock.Now(),
	}
	if j.store != nil {
		if err := j.store.Append(entry); err != nil {
			return 0, err
		}
	}
	if len(j.entries) == 0 {
		j.baseSequence = seq
		j.compactionHorizon = seq
	}
	j.entries = append(j.entries, entry)
	j.headSequence = seq
	metrics.JournalHeadSequence.WithLabelValues(j.shardLabel()).Set(float64(seq))
	return seq, nil
}

func (j *Journal) shardLabel() string {
	return fmt.Sprintf("%d", j.shard)
}

// ReadFrom returns up to max entries starting at sequence, in sequence
// order. Fails Truncated if sequence is below the compaction horizon.
func (j *Journal) ReadFrom(sequence types.Sequence, max int) ([]types.JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if len(j.entries) == 0 {
		return nil, nil
	}
	if sequence < j.compactionHorizon {
		return nil, types.NewError(types.KindTruncated, "ReadFrom")
	}
	if sequence > j.headSequence {
		return nil, nil
	}

	startIdx := int(sequence - j.baseSequence)
	if startIdx < 0 {
		startIdx = 0
	}
	end := startIdx + max
	if end > len(j.entries) || max <= 0 {
		end = len(j.entries)
	}
	out := make([]types.JournalEntry, end-startIdx)
	copy(out, j.entries[startIdx:end])
	return out, nil
}

// ReplicationLag returns head_sequence - consumer_seq.
func (j *Journal) ReplicationLag(consumerSeq types.Sequence) uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.headSequence < consumerSeq {
		return 0
	}
	return uint64(j.headSequence - consumerSeq)
}

// HeadSequence returns the most recently appended sequence (0 if empty).
func (j *Journal) HeadSequence() types.Sequence {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.headSequence
}

// CompactionHorizon returns the lowest sequence still retained.
func (j *Journal) CompactionHorizon() types.Sequence {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.compactionHorizon
}

// Compact advances the retention horizon to
// min(acknowledged_cursor across all consumers) - retention_floor. A
// no-op if there are no registered consumers (nothing may ever be
// safely reclaimed) or nothing to trim.
func (j *Journal) Compact() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.compactLocked()
}

func (j *Journal) canCompactLocked() bool {
	if len(j.cursors) == 0 {
		return false
	}
	minAcked, ok := j.minAckedLocked()
	if !ok {
		return false
	}
	target := j.reclaimTargetLocked(minAcked)
	return target > j.compactionHorizon
}

func (j *Journal) minAckedLocked() (types.Sequence, bool) {
	if len(j.cursors) == 0 {
		return 0, false
	}
	var min types.Sequence
	first := true
	for _, seq := range j.cursors {
		if first || seq < min {
			min = seq
			first = false
		}
	}
	return min, true
}

func (j *Journal) reclaimTargetLocked(minAcked types.Sequence) types.Sequence {
	floor := types.Sequence(j.retentionFloor)
	if minAcked < floor {
		return 0
	}
	return minAcked - floor
}

func (j *Journal) compactLocked() {
	minAcked, ok := j.minAckedLocked()
	if !ok {
		return
	}
	target := j.reclaimTargetLocked(minAcked)
	if target <= j.compactionHorizon {
		return
	}
	if target > j.headSequence {
		target = j.headSequence
	}
	drop := int(target - j.baseSequence)
	if drop <= 0 {
		return
	}
	if drop > len(j.entries) {
		drop = len(j.entries)
	}
	j.entries = j.entries[drop:]
	j.compactionHorizon = target
	if len(j.entries) > 0 {
		j.baseSequence = j.entries[0].Sequence
	}
	metrics.JournalCompactions.WithLabelValues(j.shardLabel()).Inc()
}

// Recover replays durably stored entries (via Store) back into memory,
// used on process restart.
func (j *Journal) Recover() error {
	if j.store == nil {
		return nil
	}
	entries, err := j.store.LoadAll(j.shard)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = entries
	if len(entries) > 0 {
		j.baseSequence = entries[0].Sequence
		j.headSequence = entries[len(entries)-1].Sequence
		j.compactionHorizon = j.baseSequence
	}
	return nil
}
