// Package fuse implements the client-side components a POSIX FUSE
// mount layers over the metadata and data path: BSD flock semantics,
// POSIX ACL access checks, block-level read-ahead, and per-mount I/O
// admission control. The kernel attachment itself (the actual FUSE
// request loop) lives outside this module's scope; these are the
// in-memory policy engines that attachment would call into.
package fuse

import "github.com/dirkpetersen/claudefs/pkg/types"

// FlockKind distinguishes the three flock(2) operations.
type FlockKind int

const (
	FlockShared FlockKind = iota
	FlockExclusive
	FlockUnlock
)

// FlockRequest is one flock(2) call from a client, keyed by the open
// file descriptor rather than the inode alone: a process can hold
// independent locks on the same inode through different descriptors.
type FlockRequest struct {
	Fd          uint64
	Ino         types.InodeId
	Pid         uint32
	Kind        FlockKind
	NonBlocking bool
}

// FlockConflictKind reports why TryAcquire could not grant a lock
// immediately.
type FlockConflictKind int

const (
	FlockNoConflict FlockConflictKind = iota
	FlockWouldBlock
)

// FlockResult is the outcome of a TryAcquire call. HolderPid is only
// meaningful when Kind is FlockWouldBlock.
type FlockResult struct {
	Kind      FlockConflictKind
	HolderPid uint32
}

type flockKey struct {
	fd  uint64
	ino types.InodeId
}

type flockEntry struct {
	pid  uint32
	kind FlockKind
}

// FlockRegistry tracks held BSD advisory locks across every open
// descriptor on every inode a mount currently has locked. Shared locks
// from distinct processes on the same inode may coexist; an exclusive
// lock excludes every other holder.
type FlockRegistry struct {
	locks   map[flockKey]flockEntry
	byInode map[types.InodeId]map[flockKey]struct{}
}

// NewFlockRegistry constructs an empty FlockRegistry.
func NewFlockRegistry() *FlockRegistry {
	return &FlockRegistry{
		locks:   make(map[flockKey]flockEntry),
		byInode: make(map[types.InodeId]map[flockKey]struct{}),
	}
}

// TryAcquire attempts to grant req immediately. Unlock always succeeds.
// A same-(fd,ino) re-request from the same pid is treated as an
// upgrade or downgrade of that holder's own lock: downgrading
// (exclusive -> shared) always succeeds; upgrading (shared ->
// exclusive) succeeds only if no other process holds a shared lock on
// the same inode.
func (r *FlockRegistry) TryAcquire(req FlockRequest) FlockResult {
	key := flockKey{fd: req.Fd, ino: req.Ino}

	if req.Kind == FlockUnlock {
		r.removeLocked(key)
		return FlockResult{Kind: FlockNoConflict}
	}

	if existing, ok := r.locks[key]; ok && existing.pid == req.Pid {
		if existing.kind == FlockShared && req.Kind == FlockExclusive {
			for k := range r.byInode[req.Ino] {
				if k == key {
					continue
				}
				if other := r.locks[k]; other.pid != req.Pid && other.kind == FlockShared {
					return FlockResult{Kind: FlockWouldBlock, HolderPid: other.pid}
				}
			}
		}
		r.setLocked(key, req)
		return FlockResult{Kind: FlockNoConflict}
	}

	for k := range r.byInode[req.Ino] {
		other, ok := r.locks[k]
		if !ok {
			continue
		}
		if other.kind == FlockExclusive || req.Kind == FlockExclusive {
			return FlockResult{Kind: FlockWouldBlock, HolderPid: other.pid}
		}
		// both shared: no conflict, keep scanning for a stricter holder
	}

	r.setLocked(key, req)
	return FlockResult{Kind: FlockNoConflict}
}

func (r *FlockRegistry) setLocked(key flockKey, req FlockRequest) {
	r.locks[key] = flockEntry{pid: req.Pid, kind: req.Kind}
	if r.byInode[req.Ino] == nil {
		r.byInode[req.Ino] = make(map[flockKey]struct{})
	}
	r.byInode[req.Ino][key] = struct{}{}
}

func (r *FlockRegistry) removeLocked(key flockKey) {
	delete(r.locks, key)
	for ino, set := range r.byInode {
		if _, ok := set[key]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(r.byInode, ino)
			}
		}
	}
}

// Release drops the lock held by fd on ino, if any.
func (r *FlockRegistry) Release(fd uint64, ino types.InodeId) {
	r.removeLocked(flockKey{fd: fd, ino: ino})
}

// ReleaseAllForPid drops every lock held by pid, called when a process
// exits without explicitly unlocking (the kernel's own flock cleanup
// surfaces as this call at the FUSE layer).
func (r *FlockRegistry) ReleaseAllForPid(pid uint32) {
	var dead []flockKey
	for k, e := range r.locks {
		if e.pid == pid {
			dead = append(dead, k)
		}
	}
	for _, k := range dead {
		r.removeLocked(k)
	}
}

// HasLock reports whether fd currently holds any lock on ino.
func (r *FlockRegistry) HasLock(fd uint64, ino types.InodeId) bool {
	_, ok := r.locks[flockKey{fd: fd, ino: ino}]
	return ok
}

// KindFor returns the lock kind fd holds on ino, if any.
func (r *FlockRegistry) KindFor(fd uint64, ino types.InodeId) (FlockKind, bool) {
	e, ok := r.locks[flockKey{fd: fd, ino: ino}]
	return e.kind, ok
}

// HolderCount returns how many distinct (fd, ino) holders currently
// lock ino.
func (r *FlockRegistry) HolderCount(ino types.InodeId) int {
	return len(r.byInode[ino])
}
