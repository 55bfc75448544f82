// Package shardrouter maps inodes to shards and shards to replica sets.
// Both mappings are pure, deterministic, and fixed for the life of the
// cluster: adding shards post-init is disallowed, and node
// reassignment is handled externally by drain.
package shardrouter

import (
	"hash/fnv"
	"fmt"

	"github.com/dirkpetersen/claudefs/pkg/types"
)

// DefaultNumShards is the default shard count.
const DefaultNumShards = 256

// DefaultReplicationFactor is the default placement-group size: a
// 3-replica set by default, configurable.
const DefaultReplicationFactor = 3

// Router computes shard_for_inode and placement_group.
type Router struct {
	numShards         uint32
	replicationFactor int
	placement         map[types.ShardId][]types.NodeId
}

// Config configures a Router at init time.
type Config struct {
	NumShards         uint32
	ReplicationFactor int
	// Nodes is the ordered list of candidate nodes used to build the
	// static placement table. Must have at least ReplicationFactor
	// entries.
	Nodes []types.NodeId
}

// New builds a Router from cfg. The placement table is computed once,
// deterministically, by laying replicas around the node list starting at
// an offset derived from the shard id — any two Router instances built
// from the same cfg produce identical placement groups.
func New(cfg Config) (*Router, error) {
	numShards := cfg.NumShards
	if numShards == 0 {
		numShards = DefaultNumShards
	}
	rf := cfg.ReplicationFactor
	if rf == 0 {
		rf = DefaultReplicationFactor
	}
	if len(cfg.Nodes) < rf {
		return nil, fmt.Errorf("shardrouter: need at least %d nodes for replication factor %d, got %d", rf, rf, len(cfg.Nodes))
	}

	r := &Router{
		numShards:         numShards,
		replicationFactor: rf,
		placement:         make(map[types.ShardId][]types.NodeId, numShards),
	}
	n := len(cfg.Nodes)
	for s := uint32(0); s < numShards; s++ {
		group := make([]types.NodeId, 0, rf)
		for i := 0; i < rf; i++ {
			idx := (int(s) + i) % n
			group = append(group, cfg.Nodes[idx])
		}
		r.placement[types.ShardId(s)] = group
	}
	return r, nil
}

// NumShards returns the fixed shard count.
func (r *Router) NumShards() uint32 { return r.numShards }

// ReplicationFactor returns the fixed placement-group size.
func (r *Router) ReplicationFactor() int { return r.replicationFactor }

// ShardForInode computes shard = hash(ino) mod num_shards. The
// root inode is always shard 0.
func (r *Router) ShardForInode(ino types.InodeId) types.ShardId {
	if ino == types.RootInodeId {
		return 0
	}
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(ino >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return types.ShardId(h.Sum64() % uint64(r.numShards))
}

// PlacementGroup returns the replica set for shard, or nil if shard is
// out of range.
func (r *Router) PlacementGroup(shard types.ShardId) []types.NodeId {
	group, ok := r.placement[shard]
	if !ok {
		return nil
	}
	out := make([]types.NodeId, len(group))
	copy(out, group)
	return out
}
