// Package metafacade implements RaftMetadataService: the single mutation
// entry point for the metadata service. It translates high-level
// filesystem operations into MetaOp groups, drives them through a
// shard's Raft log to commit, applies them to the local state machine in
// commit order, and fans out the side effects a commit requires (lease
// revocation, path-cache invalidation). Reads bypass Raft entirely and
// go straight to the local, per-shard MetadataService.
package metafacade

import (
	"sync"
	"time"

	"github.com/dirkpetersen/claudefs/pkg/clock"
	"github.com/dirkpetersen/claudefs/pkg/followerread"
	"github.com/dirkpetersen/claudefs/pkg/lease"
	"github.com/dirkpetersen/claudefs/pkg/log"
	"github.com/dirkpetersen/claudefs/pkg/metasvc"
	"github.com/dirkpetersen/claudefs/pkg/pathcache"
	"github.com/dirkpetersen/claudefs/pkg/prefetch"
	"github.com/dirkpetersen/claudefs/pkg/raft"
	"github.com/dirkpetersen/claudefs/pkg/shardrouter"
	"github.com/dirkpetersen/claudefs/pkg/types"
)

// DefaultCommitTimeout bounds how long Propose-and-wait blocks before
// surfacing DeadlineExceeded to the caller (e.g. on a stalled election).
const DefaultCommitTimeout = 2 * time.Second

// maxReplicationRounds bounds the retry-response loop a single Propose
// can drive before giving up on bringing every peer up to date; a
// straggler still converges on the next heartbeat Tick.
const maxReplicationRounds = 8

// Facade is RaftMetadataService.
type Facade struct {
	router    *shardrouter.Router
	multiraft *raft.MultiRaftManager
	transport raft.Transport
	allocator *metasvc.Allocator
	leases    *lease.Manager
	pathCache *pathcache.Resolver
	followers *followerread.Router
	prefetch  *prefetch.Engine
	clock     clock.Clock

	commitTimeout time.Duration

	mu       sync.RWMutex
	services map[types.ShardId]*metasvc.Service
	locks    map[types.ShardId]*sync.Mutex
}

// Config wires a Facade's collaborators.
type Config struct {
	Router        *shardrouter.Router
	MultiRaft     *raft.MultiRaftManager
	Transport     raft.Transport
	Allocator     *metasvc.Allocator
	Leases        *lease.Manager
	PathCache     *pathcache.Resolver
	Followers     *followerread.Router
	Prefetch      *prefetch.Engine
	Clock         clock.Clock
	CommitTimeout time.Duration
}

// New builds a Facade from cfg.
func New(cfg Config) *Facade {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	timeout := cfg.CommitTimeout
	if timeout <= 0 {
		timeout = DefaultCommitTimeout
	}
	pf := cfg.Prefetch
	if pf == nil {
		pf = prefetch.New(prefetch.Config{Clock: clk})
	}
	return &Facade{
		router:        cfg.Router,
		multiraft:     cfg.MultiRaft,
		transport:     cfg.Transport,
		allocator:     cfg.Allocator,
		leases:        cfg.Leases,
		pathCache:     cfg.PathCache,
		followers:     cfg.Followers,
		prefetch:      pf,
		clock:         clk,
		commitTimeout: timeout,
		services:      make(map[types.ShardId]*metasvc.Service),
		locks:         make(map[types.ShardId]*sync.Mutex),
	}
}

// RegisterShard attaches the local state-machine instance for a shard
// this node replicates. Must be called once per shard owned by node,
// matching an AddShard call on the underlying MultiRaftManager.
func (f *Facade) RegisterShard(shard types.ShardId, svc *metasvc.Service) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[shard] = svc
	f.locks[shard] = &sync.Mutex{}
}

func (f *Facade) serviceFor(shard types.ShardId) (*metasvc.Service, *sync.Mutex, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	svc, ok := f.services[shard]
	if !ok {
		return nil, nil, false
	}
	return svc, f.locks[shard], true
}

// entryKey names one (parent, name) path-cache entry to drop.
type entryKey struct {
	Parent types.InodeId
	Name   string
}

// affected lists the inodes whose leases and path-cache entries a commit
// must invalidate, and the (parent, name) pairs whose path-cache entry
// must be dropped specifically.
type affected struct {
	inodes  []types.InodeId
	entries []entryKey
}

// commit proposes group on the shard owning anchorIno, drives it to
// commit and applies every newly committed entry (this one and any
// still-pending ones ahead of it in apply order) to the local state
// machine, then fans out the affected-set invalidations.
func (f *Facade) commit(anchorIno types.InodeId, group types.OpGroup, aff affected) error {
	shard := f.router.ShardForInode(anchorIno)
	node, ok := f.multiraft.Shard(shard)
	if !ok {
		return &types.ClaudefsError{Kind: types.KindNotManagedHere, Op: "Commit", Shard: shard}
	}
	svc, mu, ok := f.serviceFor(shard)
	if !ok {
		return &types.ClaudefsError{Kind: types.KindNotManagedHere, Op: "Commit", Shard: shard}
	}

	mu.Lock()
	defer mu.Unlock()

	index, msgs, err := node.Propose(group)
	if err != nil {
		return err
	}
	if err := f.driveReplication(node, msgs); err != nil {
		log.WithComponent("metafacade").Warn().Msg("replication round exhausted before full quorum catch-up")
	}

	select {
	case <-node.WaitCommitted(index):
	case <-time.After(f.commitTimeout):
		return &types.ClaudefsError{Kind: types.KindDeadlineExceeded, Op: "Commit", Shard: shard}
	}

	for _, entry := range node.TakeCommittedEntries() {
		var committed types.OpGroup
		if err := committed.UnmarshalBinary(entry.Data); err != nil {
			return &types.ClaudefsError{Kind: types.KindRaftError, Op: "Commit", Shard: shard, Reason: err.Error(), Err: err}
		}
		if err := svc.ApplyOpGroup(committed); err != nil {
			// A validated-but-unapplicable op group means Plan* and
			// ApplyOpGroup disagree about state; that is a bug, not a
			// client-facing precondition failure.
			log.Errorf("apply committed op group", err)
			return &types.ClaudefsError{Kind: types.KindRaftError, Op: "Commit", Shard: shard, Reason: "committed group rejected on apply", Err: err}
		}
	}

	f.invalidate(aff)
	return nil
}

// driveReplication sends msgs and feeds responses back into the leader,
// repeating for any follow-up messages HandleAppendResponse returns
// (e.g. to retry a follower whose log didn't match), up to
// maxReplicationRounds.
func (f *Facade) driveReplication(node *raft.RaftNode, msgs []raft.OutboundAppendEntries) error {
	for round := 0; len(msgs) > 0 && round < maxReplicationRounds; round++ {
		var next []raft.OutboundAppendEntries
		for _, m := range msgs {
			resp, err := f.transport.SendAppendEntries(m.To, m.Request)
			if err != nil {
				continue
			}
			next = append(next, node.HandleAppendResponse(resp)...)
		}
		msgs = next
	}
	if len(msgs) > 0 {
		return &types.ClaudefsError{Kind: types.KindRaftError, Op: "driveReplication", Reason: "peers did not converge within bounded rounds"}
	}
	return nil
}

func (f *Facade) invalidate(aff affected) {
	for _, ino := range aff.inodes {
		f.leases.Revoke(ino, "mutation")
		f.pathCache.InvalidateParent(ino)
		f.prefetch.Invalidate(ino)
	}
	for _, e := range aff.entries {
		f.pathCache.InvalidateEntry(e.Parent, e.Name)
	}
}
