// Package prefetch implements the metadata PrefetchEngine: on readdir of
// a large directory, batches attribute fetches for not-yet-cached
// children and serves subsequent getattr calls from a TTL-bounded cache.
package prefetch

import (
	"sync"
	"time"

	"github.com/dirkpetersen/claudefs/pkg/clock"
	"github.com/dirkpetersen/claudefs/pkg/types"
)

// DefaultTTL bounds how long a prefetched attribute stays servable from
// cache before a getattr call must go to the metadata service again.
const DefaultTTL = 5 * time.Second

// DefaultMaxBatchSize bounds how many children one PrefetchChildren call
// will fetch in a single batch request.
const DefaultMaxBatchSize = 256

// FetchFunc fetches attributes for a batch of inodes, e.g. backed by
// MetadataService.Getattr per inode or a single batched RPC.
type FetchFunc func(inodes []types.InodeId) (map[types.InodeId]*types.InodeAttr, error)

type cacheEntry struct {
	attr      *types.InodeAttr
	fetchedAt time.Time
}

// Stats tracks cache effectiveness.
type Stats struct {
	Hits          uint64
	Misses        uint64
	BatchesIssued uint64
}

// Engine is the metadata PrefetchEngine.
type Engine struct {
	clock        clock.Clock
	ttl          time.Duration
	maxBatchSize int

	mu    sync.Mutex
	cache map[types.InodeId]cacheEntry
	stats Stats
}

// Config configures an Engine.
type Config struct {
	Clock        clock.Clock
	TTL          time.Duration
	MaxBatchSize int
}

// New builds an Engine from cfg.
func New(cfg Config) *Engine {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	batch := cfg.MaxBatchSize
	if batch == 0 {
		batch = DefaultMaxBatchSize
	}
	return &Engine{
		clock:        clk,
		ttl:          ttl,
		maxBatchSize: batch,
		cache:        make(map[types.InodeId]cacheEntry),
	}
}

// PrefetchChildren accepts the child inodes of a just-read directory,
// filters out those already cached within TTL, and issues one bounded
// batch fetch (at most MaxBatchSize inodes) for the rest via fetch.
func (e *Engine) PrefetchChildren(children []types.InodeId, fetch FetchFunc) error {
	e.mu.Lock()
	now := e.clock.Now()
	var toFetch []types.InodeId
	for _, ino := range children {
		if entry, ok := e.cache[ino]; ok && now.Sub(entry.fetchedAt) < e.ttl {
			continue
		}
		toFetch = append(toFetch, ino)
		if len(toFetch) >= e.maxBatchSize {
			break
		}
	}
	e.mu.Unlock()

	if len(toFetch) == 0 {
		return nil
	}
	attrs, err := fetch(toFetch)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.BatchesIssued++
	now = e.clock.Now()
	for ino, attr := range attrs {
		e.cache[ino] = cacheEntry{attr: attr, fetchedAt: now}
	}
	return nil
}

// Getattr serves from the prefetch cache if the entry is present and
// within TTL, else reports a cache miss.
func (e *Engine) Getattr(ino types.InodeId) (*types.InodeAttr, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[ino]
	if !ok || e.clock.Now().Sub(entry.fetchedAt) >= e.ttl {
		e.stats.Misses++
		return nil, false
	}
	e.stats.Hits++
	cp := *entry.attr
	return &cp, true
}

// Invalidate drops a cached entry, called on mutation of the child
// inode.
func (e *Engine) Invalidate(ino types.InodeId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, ino)
}

// Stats returns a snapshot of cache effectiveness counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
