package metasvc

import (
	"sync/atomic"

	"github.com/dirkpetersen/claudefs/pkg/shardrouter"
	"github.com/dirkpetersen/claudefs/pkg/types"
)

// Allocator hands out fresh InodeIds. Creation op-groups must stay within
// one shard's Raft log, but ShardId is
// a hash of the inode id, not a field of it — so the allocator searches a
// small window of candidates for one that lands in the target shard
// rather than picking an arbitrary id and discovering the mismatch later.
type Allocator struct {
	router  *shardrouter.Router
	counter uint64
}

// NewAllocator builds an Allocator seeded above the reserved root inode.
func NewAllocator(router *shardrouter.Router) *Allocator {
	return &Allocator{router: router, counter: uint64(types.RootInodeId)}
}

// maxProbe bounds the search for a same-shard candidate id. With a
// uniform hash and numShards candidates per probe cycle, this comfortably
// covers worst-case clustering in practice; exhausting it indicates a
// misconfigured (e.g. zero) shard count.
const maxProbe = 100000

// NewInode returns an unused InodeId that hashes to targetShard.
func (a *Allocator) NewInode(targetShard types.ShardId) (types.InodeId, error) {
	for i := 0; i < maxProbe; i++ {
		candidate := types.InodeId(atomic.AddUint64(&a.counter, 1))
		if a.router.ShardForInode(candidate) == targetShard {
			return candidate, nil
		}
	}
	return 0, &types.ClaudefsError{Kind: types.KindRaftError, Op: "NewInode", Reason: "exhausted probe window for target shard"}
}
