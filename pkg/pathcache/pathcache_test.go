package pathcache

import (
	"errors"
	"testing"

	"github.com/dirkpetersen/claudefs/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	r := New(10)
	r.Put(types.RootInodeId, "a", types.PathCacheEntry{Ino: 2, FileType: types.FileTypeDirectory})
	got, ok := r.Get(types.RootInodeId, "a")
	require.True(t, ok)
	assert.Equal(t, types.InodeId(2), got.Ino)
}

func TestLRUEviction(t *testing.T) {
	r := New(2)
	r.Put(types.RootInodeId, "a", types.PathCacheEntry{Ino: 2})
	r.Put(types.RootInodeId, "b", types.PathCacheEntry{Ino: 3})
	r.Put(types.RootInodeId, "c", types.PathCacheEntry{Ino: 4})

	_, ok := r.Get(types.RootInodeId, "a")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = r.Get(types.RootInodeId, "b")
	assert.True(t, ok)
	_, ok = r.Get(types.RootInodeId, "c")
	assert.True(t, ok)
}

func TestLRURecencyProtectsFromEviction(t *testing.T) {
	r := New(2)
	r.Put(types.RootInodeId, "a", types.PathCacheEntry{Ino: 2})
	r.Put(types.RootInodeId, "b", types.PathCacheEntry{Ino: 3})
	r.Get(types.RootInodeId, "a") // touch a, making b the LRU victim
	r.Put(types.RootInodeId, "c", types.PathCacheEntry{Ino: 4})

	_, ok := r.Get(types.RootInodeId, "b")
	assert.False(t, ok)
	_, ok = r.Get(types.RootInodeId, "a")
	assert.True(t, ok)
}

func TestInvalidateParentDropsAllEntries(t *testing.T) {
	r := New(10)
	r.Put(types.RootInodeId, "a", types.PathCacheEntry{Ino: 2})
	r.Put(types.RootInodeId, "b", types.PathCacheEntry{Ino: 3})
	r.Put(types.InodeId(2), "c", types.PathCacheEntry{Ino: 4})

	r.InvalidateParent(types.RootInodeId)
	_, ok := r.Get(types.RootInodeId, "a")
	assert.False(t, ok)
	_, ok = r.Get(types.RootInodeId, "b")
	assert.False(t, ok)
	_, ok = r.Get(types.InodeId(2), "c")
	assert.True(t, ok, "entries under other parents are unaffected")
}

func TestSpeculativeResolveStopsAtFirstMiss(t *testing.T) {
	r := New(10)
	r.Put(types.RootInodeId, "a", types.PathCacheEntry{Ino: 2, FileType: types.FileTypeDirectory})

	resolved, remaining := r.SpeculativeResolve("a/b/c")
	require.Len(t, resolved, 1)
	assert.Equal(t, types.InodeId(2), resolved[0].Ino)
	assert.Equal(t, []string{"b", "c"}, remaining)
}

func TestResolvePathFallsBackAndPopulates(t *testing.T) {
	r := New(10)
	calls := 0
	lookup := func(parent types.InodeId, name string) (types.PathCacheEntry, error) {
		calls++
		if parent == types.RootInodeId && name == "a" {
			return types.PathCacheEntry{Ino: 2, FileType: types.FileTypeDirectory}, nil
		}
		if parent == types.InodeId(2) && name == "b" {
			return types.PathCacheEntry{Ino: 3, FileType: types.FileTypeRegular}, nil
		}
		return types.PathCacheEntry{}, errors.New("not found")
	}

	got, err := r.ResolvePath("a/b", lookup)
	require.NoError(t, err)
	assert.Equal(t, types.InodeId(3), got.Ino)
	assert.Equal(t, 2, calls)

	// Second resolve should hit the cache entirely.
	_, err = r.ResolvePath("a/b", lookup)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "expected no additional lookupFn calls on cache hit")
}
