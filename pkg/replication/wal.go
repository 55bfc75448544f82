package replication

import (
	"sync"

	"github.com/dirkpetersen/claudefs/pkg/clock"
	"github.com/dirkpetersen/claudefs/pkg/types"
)

// WalStore is the durability backend a ReplicationWal may optionally
// write through. BoltWalStore in bolt.go is the production
// implementation.
type WalStore interface {
	PutCursor(cur types.ReplicationCursor) error
	AppendRecord(rec types.WalRecord) error
	LoadCursors() ([]types.ReplicationCursor, error)
	LoadHistory() ([]types.WalRecord, error)
}

// WalConfig configures a ReplicationWal.
type WalConfig struct {
	Clock clock.Clock
	// Store, if non-nil, durably persists every cursor advance and
	// audit record.
	Store WalStore
}

type walKey struct {
	Site  types.SiteId
	Shard types.ShardId
}

// ReplicationWal durably tracks the last-acknowledged sequence for every
// (site, shard) pair this node replicates to, plus an append-only audit
// history of every advance. It is the recovery source of truth a
// restarted JournalTailer resumes from.
type ReplicationWal struct {
	clock clock.Clock
	store WalStore

	mu      sync.Mutex
	cursors map[walKey]types.ReplicationCursor
	history []types.WalRecord
}

// NewWal constructs an empty ReplicationWal.
func NewWal(cfg WalConfig) *ReplicationWal {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &ReplicationWal{
		clock:   clk,
		store:   cfg.Store,
		cursors: make(map[walKey]types.ReplicationCursor),
	}
}

// Recover replays durably stored cursors and history back into memory,
// used on process restart.
func (w *ReplicationWal) Recover() error {
	if w.store == nil {
		return nil
	}
	cursors, err := w.store.LoadCursors()
	if err != nil {
		return err
	}
	history, err := w.store.LoadHistory()
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range cursors {
		w.cursors[walKey{Site: c.Site, Shard: c.Shard}] = c
	}
	w.history = history
	return nil
}

// Advance records that site has acknowledged shard's journal up to
// sequence, carrying entryCount entries. A no-op (but still audited) if
// sequence does not move the cursor forward: acknowledgments can arrive
// out of order over an unreliable transport. Returns any durability
// error from the backing WalStore; the in-memory state has already
// advanced by the time that error is observed, the same ordering
// journal.Append uses: durability failures are reported, not rolled
// back.
func (w *ReplicationWal) Advance(site types.SiteId, shard types.ShardId, sequence types.Sequence, entryCount int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := walKey{Site: site, Shard: shard}
	cur, ok := w.cursors[key]
	if !ok || sequence > cur.LastAckedSeq {
		cur = types.ReplicationCursor{Site: site, Shard: shard, LastAckedSeq: sequence}
		w.cursors[key] = cur
		if w.store != nil {
			if err := w.store.PutCursor(cur); err != nil {
				return err
			}
		}
	}
	rec := types.WalRecord{
		Site:           site,
		Shard:          shard,
		Sequence:       sequence,
		ReplicatedAtUs: w.clock.Now().UnixMicro(),
		EntryCount:     entryCount,
	}
	if w.store != nil {
		if err := w.store.AppendRecord(rec); err != nil {
			return err
		}
	}
	w.history = append(w.history, rec)
	return nil
}

// Cursor returns the current durable cursor for (site, shard), or the
// zero cursor if nothing has ever been acknowledged for that pair.
func (w *ReplicationWal) Cursor(site types.SiteId, shard types.ShardId) types.ReplicationCursor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursors[walKey{Site: site, Shard: shard}]
}

// History returns a snapshot of every recorded advance, oldest first.
// Intended for diagnostics; not bounded the way ConflictDetector's
// event log is, since audit retention here is a deployment policy
// decision (typically backed by a rolling log file), not an in-memory
// budget this package enforces.
func (w *ReplicationWal) History() []types.WalRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]types.WalRecord, len(w.history))
	copy(out, w.history)
	return out
}

// Compact discards audit history recorded before beforeTs (a
// UnixMicro timestamp), retaining at least the single latest record for
// every (site, shard) pair so Cursor/History can always answer for a
// pair that has ever advanced, even if that pair's latest record is
// itself older than beforeTs.
func (w *ReplicationWal) Compact(beforeTs int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	latest := make(map[walKey]int) // index of the last record per key
	for i, rec := range w.history {
		latest[walKey{Site: rec.Site, Shard: rec.Shard}] = i
	}
	keep := make(map[int]bool, len(w.history))
	for i, rec := range w.history {
		if rec.ReplicatedAtUs >= beforeTs {
			keep[i] = true
		}
	}
	for _, idx := range latest {
		keep[idx] = true
	}
	out := make([]types.WalRecord, 0, len(keep))
	for i, rec := range w.history {
		if keep[i] {
			out = append(out, rec)
		}
	}
	w.history = out
}
