// Package types carries the data model shared by every ClaudeFS metadata
// component: identifiers, inode/directory state, the MetaOp tagged union,
// vector clocks, and the error kinds surfaced at the system boundary.
package types

// InodeId is a dense 64-bit identifier. The root directory is always 1.
type InodeId uint64

// RootInodeId is the reserved root directory inode, present from genesis
// and never destroyed.
const RootInodeId InodeId = 1

// NodeId identifies a metadata node (a Raft replica) in the cluster.
type NodeId string

// ShardId identifies a virtual partition of inode-space.
type ShardId uint32

// SiteId identifies a geographic replication site.
type SiteId uint64

// Term is a Raft election term.
type Term uint64

// LogIndex is a position in a shard's Raft log.
type LogIndex uint64

// Sequence is a per-shard, gap-free, monotonically increasing journal
// position.
type Sequence uint64

// LeaseId identifies a granted lease.
type LeaseId string

// ClientId identifies a leasing/caching client.
type ClientId string
