package replication

import (
	"fmt"
	"sync"
	"time"

	"github.com/dirkpetersen/claudefs/pkg/clock"
	"github.com/dirkpetersen/claudefs/pkg/metrics"
	"github.com/dirkpetersen/claudefs/pkg/types"
)

// DefaultConflictLogCapacity bounds a ConflictDetector's retained
// conflict-event history.
const DefaultConflictLogCapacity = 1024

// ConflictEvent records one detected concurrent write, the clocks that
// collided, and which one resolution chose to keep.
type ConflictEvent struct {
	Ino      types.InodeId
	Local    types.VectorClock
	Remote   types.VectorClock
	Winner   types.VectorClock
	Observed time.Time
}

// ResolutionPolicy names the strategy DetectConflict used to pick a
// winner. LastWriterWins is the only policy implemented; it exists as a
// named type so a future policy can be added without changing the
// ConflictEvent shape.
type ResolutionPolicy string

const lastWriterWins ResolutionPolicy = "lww"

// ConflictDetectorConfig configures a ConflictDetector.
type ConflictDetectorConfig struct {
	Clock       clock.Clock
	LogCapacity int
}

// ConflictDetector flags concurrent writes to the same inode arriving
// from different sites and resolves them deterministically with
// last-writer-wins, keeping a bounded ring-buffer history of every
// conflict it has resolved for audit and metrics.
type ConflictDetector struct {
	clock clock.Clock

	mu       sync.Mutex
	capacity int
	events   []ConflictEvent
}

// NewConflictDetector constructs a ConflictDetector.
func NewConflictDetector(cfg ConflictDetectorConfig) *ConflictDetector {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	cap := cfg.LogCapacity
	if cap <= 0 {
		cap = DefaultConflictLogCapacity
	}
	return &ConflictDetector{clock: clk, capacity: cap}
}

// IsConcurrent reports whether a and b are concurrent under the vector
// clock partial order (neither dominates the other).
func (d *ConflictDetector) IsConcurrent(a, b types.VectorClock) bool {
	return a.Concurrent(b)
}

// ResolveLWW picks the winner between two concurrent clocks by highest
// sequence, breaking ties by the higher SiteId — a fixed, deterministic
// tiebreak so every site resolves the same conflict to the same
// winner without coordination.
func (d *ConflictDetector) ResolveLWW(a, b types.VectorClock) types.VectorClock {
	if a.Sequence != b.Sequence {
		if a.Sequence > b.Sequence {
			return a
		}
		return b
	}
	if a.SiteId >= b.SiteId {
		return a
	}
	return b
}

// DetectConflict checks whether local and remote are concurrent
// writes to ino; if so it resolves the winner with ResolveLWW, records
// a ConflictEvent, and returns (winner, true). If they are not
// concurrent (one dominates, or they are equal), it returns the
// dominating clock (or either, if equal) and false: no conflict
// occurred.
func (d *ConflictDetector) DetectConflict(ino types.InodeId, local, remote types.VectorClock) (types.VectorClock, bool) {
	if !d.IsConcurrent(local, remote) {
		if local.Dominates(remote) || local.Equal(remote) {
			return local, false
		}
		return remote, false
	}
	winner := d.ResolveLWW(local, remote)
	d.record(ConflictEvent{Ino: ino, Local: local, Remote: remote, Winner: winner, Observed: d.clock.Now()})
	metrics.ConflictsDetectedTotal.WithLabelValues(fmt.Sprintf("site%d", winner.SiteId)).Inc()
	return winner, true
}

// record appends ev to the bounded event log, evicting the oldest 25%
// of entries once capacity is reached rather than dropping one at a
// time: conflict bursts tend to cluster, so a single large eviction
// keeps amortized cost low instead of shifting the whole slice on
// every append once full.
func (d *ConflictDetector) record(ev ConflictEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.events) >= d.capacity {
		evict := d.capacity / 4
		if evict < 1 {
			evict = 1
		}
		d.events = append(d.events[:0], d.events[evict:]...)
	}
	d.events = append(d.events, ev)
}

// Events returns a snapshot of the retained conflict history, oldest
// first.
func (d *ConflictDetector) Events() []ConflictEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ConflictEvent, len(d.events))
	copy(out, d.events)
	return out
}

// Len returns how many conflict events are currently retained.
func (d *ConflictDetector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}
