// Package pathcache implements PathResolver: a bounded, LRU-evicted cache
// mapping (parent inode, name) to a PathCacheEntry, used to speculatively
// resolve filesystem paths without a metadata round trip.
package pathcache

import (
	"container/list"
	"strings"
	"sync"

	"github.com/dirkpetersen/claudefs/pkg/types"
)

// DefaultMaxEntries bounds the cache size before LRU eviction kicks in.
const DefaultMaxEntries = 100000

// LookupFunc resolves one path component the way MetadataService.Lookup
// does; ResolvePath falls back to it on every cache miss.
type LookupFunc func(parent types.InodeId, name string) (types.PathCacheEntry, error)

type key struct {
	parent types.InodeId
	name   string
}

// Resolver is the bounded LRU path-resolution cache.
// Entries are best-effort hints, never authoritative: every lookup a
// caller treats as final must still be verified (or simply trusted as
// "best effort") at the MetadataService, which Resolver never bypasses
// on an explicit miss.
type Resolver struct {
	mu         sync.Mutex
	maxEntries int
	ll         *list.List
	items      map[key]*list.Element
}

type entry struct {
	key   key
	value types.PathCacheEntry
}

// New builds a Resolver bounded to maxEntries (DefaultMaxEntries if 0).
func New(maxEntries int) *Resolver {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Resolver{
		maxEntries: maxEntries,
		ll:         list.New(),
		items:      make(map[key]*list.Element),
	}
}

// Get returns the cached entry for (parent, name), promoting it to
// most-recently-used.
func (r *Resolver) Get(parent types.InodeId, name string) (types.PathCacheEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.items[key{parent, name}]
	if !ok {
		return types.PathCacheEntry{}, false
	}
	r.ll.MoveToFront(el)
	return el.Value.(*entry).value, true
}

// Put inserts or refreshes a cache entry, evicting the least recently
// used entry if the cache is at capacity.
func (r *Resolver) Put(parent types.InodeId, name string, value types.PathCacheEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{parent, name}
	if el, ok := r.items[k]; ok {
		el.Value.(*entry).value = value
		r.ll.MoveToFront(el)
		return
	}
	el := r.ll.PushFront(&entry{key: k, value: value})
	r.items[k] = el
	if r.ll.Len() > r.maxEntries {
		r.evictOldestLocked()
	}
}

func (r *Resolver) evictOldestLocked() {
	oldest := r.ll.Back()
	if oldest == nil {
		return
	}
	r.ll.Remove(oldest)
	delete(r.items, oldest.Value.(*entry).key)
}

// InvalidateParent drops every (parent, *) entry, as required after any
// mutation of that directory.
func (r *Resolver) InvalidateParent(parent types.InodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, el := range r.items {
		if k.parent == parent {
			r.ll.Remove(el)
			delete(r.items, k)
		}
	}
}

// InvalidateEntry drops the single (parent, name) entry.
func (r *Resolver) InvalidateEntry(parent types.InodeId, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{parent, name}
	if el, ok := r.items[k]; ok {
		r.ll.Remove(el)
		delete(r.items, k)
	}
}

// SpeculativeResolve splits path on "/" and walks components against the
// cache starting at root, with no I/O. It returns the prefix resolved
// purely from cache and the unresolved remaining component names.
func (r *Resolver) SpeculativeResolve(path string) (resolved []types.PathCacheEntry, remaining []string) {
	components := splitPath(path)
	parent := types.RootInodeId
	for i, name := range components {
		entry, ok := r.Get(parent, name)
		if !ok {
			return resolved, components[i:]
		}
		resolved = append(resolved, entry)
		parent = entry.Ino
	}
	return resolved, nil
}

// ResolvePath resolves every component of path, using the cache where
// possible and falling back to lookupFn on each miss. Successful
// fallback lookups populate the cache.
func (r *Resolver) ResolvePath(path string, lookupFn LookupFunc) (types.PathCacheEntry, error) {
	components := splitPath(path)
	parent := types.RootInodeId
	var current types.PathCacheEntry
	for _, name := range components {
		if entry, ok := r.Get(parent, name); ok {
			current = entry
			parent = entry.Ino
			continue
		}
		entry, err := lookupFn(parent, name)
		if err != nil {
			return types.PathCacheEntry{}, err
		}
		r.Put(parent, name, entry)
		current = entry
		parent = entry.Ino
	}
	return current, nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
