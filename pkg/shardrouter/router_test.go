package shardrouter

import (
	"testing"

	"github.com/dirkpetersen/claudefs/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter(t *testing.T) *Router {
	t.Helper()
	r, err := New(Config{
		NumShards:         8,
		ReplicationFactor: 3,
		Nodes:             []types.NodeId{"n1", "n2", "n3", "n4", "n5"},
	})
	require.NoError(t, err)
	return r
}

func TestShardForInodeDeterministic(t *testing.T) {
	r := testRouter(t)
	for _, ino := range []types.InodeId{2, 100, 99999, 1 << 40} {
		a := r.ShardForInode(ino)
		b := r.ShardForInode(ino)
		assert.Equal(t, a, b, "shard assignment must be stable across calls")
	}
}

func TestRootAlwaysShardZero(t *testing.T) {
	r := testRouter(t)
	assert.Equal(t, types.ShardId(0), r.ShardForInode(types.RootInodeId))
}

func TestPlacementGroupSize(t *testing.T) {
	r := testRouter(t)
	for s := uint32(0); s < r.NumShards(); s++ {
		group := r.PlacementGroup(types.ShardId(s))
		assert.Len(t, group, 3)
	}
}

func TestPlacementGroupUnknownShard(t *testing.T) {
	r := testRouter(t)
	assert.Nil(t, r.PlacementGroup(types.ShardId(999)))
}

func TestNewRequiresEnoughNodes(t *testing.T) {
	_, err := New(Config{NumShards: 4, ReplicationFactor: 3, Nodes: []types.NodeId{"n1"}})
	assert.Error(t, err)
}
