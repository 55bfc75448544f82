package types

import "time"

// LeaseType distinguishes Read (shared) from Write (exclusive) leases.
type LeaseType string

const (
	LeaseRead  LeaseType = "read"
	LeaseWrite LeaseType = "write"
)

// Lease grants a client time-bounded caching rights over an inode.
// Invariant: at most one Write lease per inode cluster-wide; any
// number of Read leases provided no Write lease is held.
type Lease struct {
	LeaseId       LeaseId
	Ino           InodeId
	Client        ClientId
	Type          LeaseType
	GrantedAt     time.Time
	ExpiresAt     time.Time
	RenewalCount  int
}

// PathCacheEntry is the cached resolution of a (parent, name) pair.
// Entries are best-effort hints, never authoritative.
type PathCacheEntry struct {
	Ino      InodeId
	FileType FileType
	Shard    ShardId
}
