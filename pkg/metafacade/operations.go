package metafacade

import (
	"github.com/dirkpetersen/claudefs/pkg/followerread"
	"github.com/dirkpetersen/claudefs/pkg/metasvc"
	"github.com/dirkpetersen/claudefs/pkg/types"
)

// withShardService looks up the parent's shard and its local Service, or
// fails NotManagedHere.
func (f *Facade) withShardService(anchorIno types.InodeId) (*metasvc.Service, error) {
	shard := f.router.ShardForInode(anchorIno)
	svc, _, ok := f.serviceFor(shard)
	if !ok {
		return nil, &types.ClaudefsError{Kind: types.KindNotManagedHere, Op: "Facade", Shard: shard}
	}
	return svc, nil
}

// CreateFile creates a regular file under parent, returning its
// committed attributes.
func (f *Facade) CreateFile(parent types.InodeId, name string, mode, uid, gid uint32) (*types.InodeAttr, error) {
	svc, err := f.withShardService(parent)
	if err != nil {
		return nil, err
	}
	shard := f.router.ShardForInode(parent)
	ino, err := f.allocator.NewInode(shard)
	if err != nil {
		return nil, err
	}
	now := f.clock.Now()
	attr := &types.InodeAttr{Ino: ino, Mode: mode, Uid: uid, Gid: gid, Atime: now, Mtime: now, Ctime: now, Crtime: now}
	group, err := svc.PlanCreateFile(parent, name, attr)
	if err != nil {
		return nil, err
	}
	if err := f.commit(parent, group, affected{
		inodes:  []types.InodeId{parent},
		entries: []entryKey{{Parent: parent, Name: name}},
	}); err != nil {
		return nil, err
	}
	return svc.Getattr(ino)
}

// Mkdir creates a subdirectory under parent.
func (f *Facade) Mkdir(parent types.InodeId, name string, mode, uid, gid uint32) (*types.InodeAttr, error) {
	svc, err := f.withShardService(parent)
	if err != nil {
		return nil, err
	}
	shard := f.router.ShardForInode(parent)
	ino, err := f.allocator.NewInode(shard)
	if err != nil {
		return nil, err
	}
	now := f.clock.Now()
	attr := &types.InodeAttr{Ino: ino, Mode: mode, Uid: uid, Gid: gid, Atime: now, Mtime: now, Ctime: now, Crtime: now}
	group, err := svc.PlanMkdir(parent, name, attr)
	if err != nil {
		return nil, err
	}
	if err := f.commit(parent, group, affected{
		inodes:  []types.InodeId{parent},
		entries: []entryKey{{Parent: parent, Name: name}},
	}); err != nil {
		return nil, err
	}
	return svc.Getattr(ino)
}

// Symlink creates a symlink under parent pointing at target.
func (f *Facade) Symlink(parent types.InodeId, name, target string, uid, gid uint32) (*types.InodeAttr, error) {
	svc, err := f.withShardService(parent)
	if err != nil {
		return nil, err
	}
	shard := f.router.ShardForInode(parent)
	ino, err := f.allocator.NewInode(shard)
	if err != nil {
		return nil, err
	}
	now := f.clock.Now()
	attr := &types.InodeAttr{Ino: ino, Mode: 0777, Uid: uid, Gid: gid, Atime: now, Mtime: now, Ctime: now, Crtime: now, SymlinkTarget: target}
	group, err := svc.PlanSymlink(parent, name, attr)
	if err != nil {
		return nil, err
	}
	if err := f.commit(parent, group, affected{
		inodes:  []types.InodeId{parent},
		entries: []entryKey{{Parent: parent, Name: name}},
	}); err != nil {
		return nil, err
	}
	return svc.Getattr(ino)
}

// Link hardlinks the existing inode ino into newParent under newName.
func (f *Facade) Link(ino, newParent types.InodeId, newName string) (*types.InodeAttr, error) {
	svc, err := f.withShardService(newParent)
	if err != nil {
		return nil, err
	}
	group, err := svc.PlanLink(f.router, ino, newParent, newName)
	if err != nil {
		return nil, err
	}
	if err := f.commit(newParent, group, affected{
		inodes:  []types.InodeId{newParent, ino},
		entries: []entryKey{{Parent: newParent, Name: newName}},
	}); err != nil {
		return nil, err
	}
	return svc.Getattr(ino)
}

// Unlink removes a non-directory entry, deleting the inode if its link
// count reaches zero.
func (f *Facade) Unlink(parent types.InodeId, name string) error {
	svc, err := f.withShardService(parent)
	if err != nil {
		return err
	}
	entry, lookupErr := svc.Lookup(parent, name)
	group, err := svc.PlanUnlink(parent, name)
	if err != nil {
		return err
	}
	aff := affected{
		inodes:  []types.InodeId{parent},
		entries: []entryKey{{Parent: parent, Name: name}},
	}
	if lookupErr == nil {
		aff.inodes = append(aff.inodes, entry.Ino)
	}
	return f.commit(parent, group, aff)
}

// Rmdir removes an empty subdirectory.
func (f *Facade) Rmdir(parent types.InodeId, name string) error {
	svc, err := f.withShardService(parent)
	if err != nil {
		return err
	}
	entry, lookupErr := svc.Lookup(parent, name)
	group, err := svc.PlanRmdir(parent, name)
	if err != nil {
		return err
	}
	aff := affected{
		inodes:  []types.InodeId{parent},
		entries: []entryKey{{Parent: parent, Name: name}},
	}
	if lookupErr == nil {
		aff.inodes = append(aff.inodes, entry.Ino)
	}
	return f.commit(parent, group, aff)
}

// Rename moves an entry from (srcParent, srcName) to (dstParent,
// dstName). Fails CrossShardRename if the parents hash to different
// shards.
func (f *Facade) Rename(srcParent types.InodeId, srcName string, dstParent types.InodeId, dstName string) error {
	svc, err := f.withShardService(srcParent)
	if err != nil {
		return err
	}
	group, err := svc.PlanRename(f.router, srcParent, srcName, dstParent, dstName)
	if err != nil {
		return err
	}
	aff := affected{
		inodes: []types.InodeId{srcParent, dstParent},
		entries: []entryKey{
			{Parent: srcParent, Name: srcName},
			{Parent: dstParent, Name: dstName},
		},
	}
	return f.commit(srcParent, group, aff)
}

// SetAttr applies fields to ino's attributes, bumping Ctime.
func (f *Facade) SetAttr(ino types.InodeId, fields metasvc.SetAttrFields) (*types.InodeAttr, error) {
	svc, err := f.withShardService(ino)
	if err != nil {
		return nil, err
	}
	group, err := svc.PlanSetAttr(ino, fields)
	if err != nil {
		return nil, err
	}
	if err := f.commit(ino, group, affected{inodes: []types.InodeId{ino}}); err != nil {
		return nil, err
	}
	return svc.Getattr(ino)
}

// Lookup, Getattr, Readdir and Readlink are reads: they never touch
// Raft, answering directly from the local shard's state machine.

func (f *Facade) Lookup(parent types.InodeId, name string) (*types.InodeAttr, error) {
	svc, err := f.withShardService(parent)
	if err != nil {
		return nil, err
	}
	return svc.Lookup(parent, name)
}

// Getattr answers from the prefetch cache when Readdir on the parent
// directory has already warmed ino's attributes, falling back to the
// state machine on a cache miss.
func (f *Facade) Getattr(ino types.InodeId) (*types.InodeAttr, error) {
	if attr, ok := f.prefetch.Getattr(ino); ok {
		return attr, nil
	}
	svc, err := f.withShardService(ino)
	if err != nil {
		return nil, err
	}
	return svc.Getattr(ino)
}

// Readdir lists parent's children and primes the prefetch cache with a
// single batched attribute fetch for every not-yet-cached child, so the
// getattr calls a directory listing is typically followed by serve from
// cache instead of round-tripping the state machine one inode at a time.
func (f *Facade) Readdir(parent types.InodeId) ([]types.DirEntry, error) {
	svc, err := f.withShardService(parent)
	if err != nil {
		return nil, err
	}
	entries, err := svc.Readdir(parent)
	if err != nil {
		return nil, err
	}
	children := make([]types.InodeId, len(entries))
	for i, e := range entries {
		children[i] = e.Ino
	}
	_ = f.prefetch.PrefetchChildren(children, func(inodes []types.InodeId) (map[types.InodeId]*types.InodeAttr, error) {
		out := make(map[types.InodeId]*types.InodeAttr, len(inodes))
		for _, ino := range inodes {
			attr, err := svc.Getattr(ino)
			if err != nil {
				continue
			}
			out[ino] = attr
		}
		return out, nil
	})
	return entries, nil
}

func (f *Facade) Readlink(ino types.InodeId) (string, error) {
	svc, err := f.withShardService(ino)
	if err != nil {
		return "", err
	}
	return svc.Readlink(ino)
}

// RouteRead picks which replica a read at the given consistency level
// should target. followers is the caller's current view of the other
// replicas in ino's shard (health/replication telemetry is gathered by
// the surrounding server loop, not this package). Returns this node's
// own id when level is Linearizable or when no follower qualifies.
func (f *Facade) RouteRead(ino types.InodeId, level followerread.Consistency, followers []followerread.FollowerState) (types.NodeId, error) {
	shard := f.router.ShardForInode(ino)
	node, ok := f.multiraft.Shard(shard)
	if !ok {
		return "", &types.ClaudefsError{Kind: types.KindNotManagedHere, Op: "RouteRead", Shard: shard}
	}
	leader := types.NodeId(node.ID())
	if f.followers == nil {
		return leader, nil
	}
	return f.followers.Route(level, leader, node.CommitIndex(), followers), nil
}
