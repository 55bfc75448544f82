package raft

import (
	"sync"

	"github.com/dirkpetersen/claudefs/pkg/shardrouter"
	"github.com/dirkpetersen/claudefs/pkg/types"
)

// MultiRaftManager owns one RaftNode per shard this node replicates, and
// routes ino-addressed proposals to the right shard via the ShardRouter.
// A map-of-groups with per-shard locking, not a single global lock.
type MultiRaftManager struct {
	router *shardrouter.Router

	mu    sync.RWMutex
	nodes map[types.ShardId]*RaftNode
}

// NewMultiRaftManager builds an empty manager bound to router.
func NewMultiRaftManager(router *shardrouter.Router) *MultiRaftManager {
	return &MultiRaftManager{router: router, nodes: make(map[types.ShardId]*RaftNode)}
}

// AddShard registers node as the local replica for its shard.
func (m *MultiRaftManager) AddShard(node *RaftNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.Shard()] = node
}

// Shard returns the RaftNode for shard, or (nil, false) if not managed
// here.
func (m *MultiRaftManager) Shard(shard types.ShardId) (*RaftNode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[shard]
	return n, ok
}

// Shards returns every locally managed shard id.
func (m *MultiRaftManager) Shards() []types.ShardId {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ShardId, 0, len(m.nodes))
	for s := range m.nodes {
		out = append(out, s)
	}
	return out
}

// Propose routes op to the shard owning ino and proposes it there. Fails
// NotManagedHere{shard} if this node doesn't replicate that shard.
func (m *MultiRaftManager) Propose(ino types.InodeId, group types.OpGroup) (types.ShardId, types.LogIndex, []OutboundAppendEntries, error) {
	shard := m.router.ShardForInode(ino)
	node, ok := m.Shard(shard)
	if !ok {
		return shard, 0, nil, &types.ClaudefsError{Kind: types.KindNotManagedHere, Op: "Propose", Shard: shard}
	}
	index, msgs, err := node.Propose(group)
	return shard, index, msgs, err
}

// HandleRequestVote dispatches to the named shard's node.
func (m *MultiRaftManager) HandleRequestVote(shard types.ShardId, req RequestVoteRequest) (RequestVoteResponse, error) {
	node, ok := m.Shard(shard)
	if !ok {
		return RequestVoteResponse{}, &types.ClaudefsError{Kind: types.KindNotManagedHere, Op: "HandleRequestVote", Shard: shard}
	}
	return node.HandleRequestVote(req), nil
}

// HandleAppendEntries dispatches to the named shard's node.
func (m *MultiRaftManager) HandleAppendEntries(shard types.ShardId, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	node, ok := m.Shard(shard)
	if !ok {
		return AppendEntriesResponse{}, &types.ClaudefsError{Kind: types.KindNotManagedHere, Op: "HandleAppendEntries", Shard: shard}
	}
	return node.HandleAppendEntries(req), nil
}

// TickAll drives every locally managed shard's Tick, returning the
// per-shard results keyed by shard id for the caller to dispatch via a
// Transport.
func (m *MultiRaftManager) TickAll() map[types.ShardId]TickResult {
	m.mu.RLock()
	nodes := make([]*RaftNode, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	m.mu.RUnlock()

	out := make(map[types.ShardId]TickResult, len(nodes))
	for _, n := range nodes {
		if res := n.Tick(); len(res.RequestVotes) > 0 || len(res.AppendEntries) > 0 || res.BecameCandidate {
			out[n.Shard()] = res
		}
	}
	return out
}
