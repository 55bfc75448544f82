package metasvc

import (
	"testing"
	"time"

	"github.com/dirkpetersen/claudefs/pkg/clock"
	"github.com/dirkpetersen/claudefs/pkg/shardrouter"
	"github.com/dirkpetersen/claudefs/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := New(0, clock.NewFake(time.Unix(0, 0)))
	s.InitRoot(0, 0, 0755)
	return s
}

func mustRouter(t *testing.T) *shardrouter.Router {
	t.Helper()
	r, err := shardrouter.New(shardrouter.Config{
		NumShards:         4,
		ReplicationFactor: 1,
		Nodes:             []types.NodeId{"n1"},
	})
	require.NoError(t, err)
	return r
}

func singleShardRouter(t *testing.T) *shardrouter.Router {
	t.Helper()
	r, err := shardrouter.New(shardrouter.Config{
		NumShards:         1,
		ReplicationFactor: 1,
		Nodes:             []types.NodeId{"n1"},
	})
	require.NoError(t, err)
	return r
}

func applyOrFail(t *testing.T, s *Service, group types.OpGroup) {
	t.Helper()
	require.NoError(t, s.ApplyOpGroup(group))
}

func TestCreateLookupReaddir(t *testing.T) {
	s := newTestService(t)
	attr := &types.InodeAttr{Ino: 2, Mode: 0644, Uid: 1, Gid: 1}
	group, err := s.PlanCreateFile(types.RootInodeId, "a.txt", attr)
	require.NoError(t, err)
	applyOrFail(t, s, group)

	got, err := s.Lookup(types.RootInodeId, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, types.InodeId(2), got.Ino)
	assert.Equal(t, types.FileTypeRegular, got.FileType)
	assert.Equal(t, uint32(1), got.Nlink)

	entries, err := s.Readdir(types.RootInodeId)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name)
}

func TestCreateDuplicateNameFails(t *testing.T) {
	s := newTestService(t)
	group, err := s.PlanCreateFile(types.RootInodeId, "a.txt", &types.InodeAttr{Ino: 2})
	require.NoError(t, err)
	applyOrFail(t, s, group)

	_, err = s.PlanCreateFile(types.RootInodeId, "a.txt", &types.InodeAttr{Ino: 3})
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, types.KindAlreadyExists, kind)
}

func TestMkdirBumpsParentNlink(t *testing.T) {
	s := newTestService(t)
	group, err := s.PlanMkdir(types.RootInodeId, "sub", &types.InodeAttr{Ino: 2, Mode: 0755})
	require.NoError(t, err)
	applyOrFail(t, s, group)

	root, err := s.Getattr(types.RootInodeId)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), root.Nlink)

	child, err := s.Getattr(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), child.Nlink)
	assert.True(t, child.IsDirectory())
}

func TestMkdirThenCrossDirRename(t *testing.T) {
	s := newTestService(t)

	mkA, err := s.PlanMkdir(types.RootInodeId, "a", &types.InodeAttr{Ino: 2})
	require.NoError(t, err)
	applyOrFail(t, s, mkA)

	mkB, err := s.PlanMkdir(types.RootInodeId, "b", &types.InodeAttr{Ino: 3})
	require.NoError(t, err)
	applyOrFail(t, s, mkB)

	mkFile, err := s.PlanCreateFile(2, "f.txt", &types.InodeAttr{Ino: 4})
	require.NoError(t, err)
	applyOrFail(t, s, mkFile)

	// A single-shard router always agrees that any two parents are
	// co-located, keeping this test deterministic regardless of which
	// shard a real multi-shard router's hash would pick for inodes 2/3.
	single, err := shardrouter.New(shardrouter.Config{NumShards: 1, ReplicationFactor: 1, Nodes: []types.NodeId{"n1"}})
	require.NoError(t, err)

	renameGroup, err := s.PlanRename(single, 2, "f.txt", 3, "f.txt")
	require.NoError(t, err)
	applyOrFail(t, s, renameGroup)

	_, err = s.Lookup(2, "f.txt")
	require.Error(t, err)
	got, err := s.Lookup(3, "f.txt")
	require.NoError(t, err)
	assert.Equal(t, types.InodeId(4), got.Ino)
}

func TestRenameCrossShardFails(t *testing.T) {
	s := newTestService(t)
	router := mustRouter(t)

	mkA, err := s.PlanMkdir(types.RootInodeId, "a", &types.InodeAttr{Ino: 2})
	require.NoError(t, err)
	applyOrFail(t, s, mkA)
	mkB, err := s.PlanMkdir(types.RootInodeId, "b", &types.InodeAttr{Ino: 3})
	require.NoError(t, err)
	applyOrFail(t, s, mkB)

	if router.ShardForInode(2) == router.ShardForInode(3) {
		t.Skip("chosen inode ids happened to collide on shard; not exercising the cross-shard path")
	}
	mkFile, err := s.PlanCreateFile(2, "f.txt", &types.InodeAttr{Ino: 4})
	require.NoError(t, err)
	applyOrFail(t, s, mkFile)

	_, err = s.PlanRename(router, 2, "f.txt", 3, "f.txt")
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, types.KindCrossShardRename, kind)
}

func TestRmdirNotEmptyFails(t *testing.T) {
	s := newTestService(t)
	mkDir, err := s.PlanMkdir(types.RootInodeId, "sub", &types.InodeAttr{Ino: 2})
	require.NoError(t, err)
	applyOrFail(t, s, mkDir)
	mkFile, err := s.PlanCreateFile(2, "f.txt", &types.InodeAttr{Ino: 3})
	require.NoError(t, err)
	applyOrFail(t, s, mkFile)

	_, err = s.PlanRmdir(types.RootInodeId, "sub")
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, types.KindNotEmpty, kind)
}

func TestRmdirEmptySucceedsAndRestoresParentNlink(t *testing.T) {
	s := newTestService(t)
	mkDir, err := s.PlanMkdir(types.RootInodeId, "sub", &types.InodeAttr{Ino: 2})
	require.NoError(t, err)
	applyOrFail(t, s, mkDir)

	rm, err := s.PlanRmdir(types.RootInodeId, "sub")
	require.NoError(t, err)
	applyOrFail(t, s, rm)

	root, err := s.Getattr(types.RootInodeId)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), root.Nlink)
	_, err = s.Getattr(2)
	require.Error(t, err)
}

func TestUnlinkDeletesInodeAtZeroNlink(t *testing.T) {
	s := newTestService(t)
	mkFile, err := s.PlanCreateFile(types.RootInodeId, "f.txt", &types.InodeAttr{Ino: 2})
	require.NoError(t, err)
	applyOrFail(t, s, mkFile)

	unlink, err := s.PlanUnlink(types.RootInodeId, "f.txt")
	require.NoError(t, err)
	applyOrFail(t, s, unlink)

	_, err = s.Getattr(2)
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, types.KindInodeNotFound, kind)
}

func TestLinkIncrementsNlinkAndSurvivesOneUnlink(t *testing.T) {
	s := newTestService(t)
	mkFile, err := s.PlanCreateFile(types.RootInodeId, "f.txt", &types.InodeAttr{Ino: 2})
	require.NoError(t, err)
	applyOrFail(t, s, mkFile)

	link, err := s.PlanLink(singleShardRouter(t), 2, types.RootInodeId, "g.txt")
	require.NoError(t, err)
	applyOrFail(t, s, link)

	attr, err := s.Getattr(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), attr.Nlink)

	unlink, err := s.PlanUnlink(types.RootInodeId, "f.txt")
	require.NoError(t, err)
	applyOrFail(t, s, unlink)

	// Still reachable via the second link.
	attr, err = s.Getattr(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), attr.Nlink)
}

func TestLinkDirectoryFails(t *testing.T) {
	s := newTestService(t)
	mkDir, err := s.PlanMkdir(types.RootInodeId, "sub", &types.InodeAttr{Ino: 2})
	require.NoError(t, err)
	applyOrFail(t, s, mkDir)

	_, err = s.PlanLink(singleShardRouter(t), 2, types.RootInodeId, "alias")
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, types.KindNotDirectory, kind)
}

func TestSetAttrBumpsCtimeAndOnlyAllowedFields(t *testing.T) {
	s := newTestService(t)
	mkFile, err := s.PlanCreateFile(types.RootInodeId, "f.txt", &types.InodeAttr{Ino: 2, Mode: 0644})
	require.NoError(t, err)
	applyOrFail(t, s, mkFile)

	newMode := uint32(0600)
	group, err := s.PlanSetAttr(2, SetAttrFields{Mode: &newMode})
	require.NoError(t, err)
	applyOrFail(t, s, group)

	attr, err := s.Getattr(2)
	require.NoError(t, err)
	assert.Equal(t, newMode, attr.Mode)
	assert.Equal(t, types.FileTypeRegular, attr.FileType)
}

func TestSymlinkReadlink(t *testing.T) {
	s := newTestService(t)
	group, err := s.PlanSymlink(types.RootInodeId, "link", &types.InodeAttr{Ino: 2, SymlinkTarget: "/a/b"})
	require.NoError(t, err)
	applyOrFail(t, s, group)

	target, err := s.Readlink(2)
	require.NoError(t, err)
	assert.Equal(t, "/a/b", target)
}

func TestNlinkEqualsDirentCountInvariant(t *testing.T) {
	s := newTestService(t)
	for i, name := range []string{"a", "b", "c"} {
		group, err := s.PlanMkdir(types.RootInodeId, name, &types.InodeAttr{Ino: types.InodeId(2 + i)})
		require.NoError(t, err)
		applyOrFail(t, s, group)
	}
	root, err := s.Getattr(types.RootInodeId)
	require.NoError(t, err)
	entries, err := s.Readdir(types.RootInodeId)
	require.NoError(t, err)

	dirCount := 0
	for _, e := range entries {
		if e.FileType == types.FileTypeDirectory {
			dirCount++
		}
	}
	assert.Equal(t, uint32(2+dirCount), root.Nlink)
}
