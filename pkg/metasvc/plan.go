package metasvc

import (
	"time"

	"github.com/dirkpetersen/claudefs/pkg/shardrouter"
	"github.com/dirkpetersen/claudefs/pkg/types"
)

// Plan* methods validate a high-level filesystem operation against the
// current (local, leader-side) state and build the MetaOp group that
// achieves it. They take only a read lock: validation must be race-free
// against concurrent ApplyOpGroup calls, but they do not mutate. The
// caller (pkg/metafacade) proposes the returned group through Raft; by
// the time it is applied here it is treated as already valid.
//
// No open-file-handle tracking happens at this layer: handle refcounting
// is a FUSE-layer concern (pkg/fuse), out of scope for the metadata state
// machine. Unlink therefore emits DeleteInode as soon as simulated Nlink
// would reach zero.

// validateCreateLocked validates that parent is a directory and that name is
// free; shared by every creation variant.
func (s *Service) validateCreateLocked(parent types.InodeId, name string) error {
	attr, ok := s.inodes[parent]
	if !ok {
		return &types.ClaudefsError{Kind: types.KindInodeNotFound, Op: "Create", Ino: parent}
	}
	if !attr.IsDirectory() {
		return &types.ClaudefsError{Kind: types.KindNotDirectory, Op: "Create", Ino: parent}
	}
	if _, exists := s.childLocked(parent, name); exists {
		return &types.ClaudefsError{Kind: types.KindAlreadyExists, Op: "Create", Parent: parent, Name: name}
	}
	return nil
}

// PlanCreateFile validates and builds the op group for creating a
// regular file. attr must already carry Ino, FileType, Mode, Uid, Gid and
// timestamps (the allocator and clock are the facade's concerns).
func (s *Service) PlanCreateFile(parent types.InodeId, name string, attr *types.InodeAttr) (types.OpGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.validateCreateLocked(parent, name); err != nil {
		return types.OpGroup{}, err
	}
	attr.FileType = types.FileTypeRegular
	attr.Nlink = 1
	return types.OpGroup{Ops: []types.MetaOp{
		types.CreateInode(attr),
		types.AddDirEntry(parent, name, attr.Ino, types.FileTypeRegular),
	}}, nil
}

// PlanSymlink is PlanCreateFile's symlink variant; attr.SymlinkTarget
// must already be set.
func (s *Service) PlanSymlink(parent types.InodeId, name string, attr *types.InodeAttr) (types.OpGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.validateCreateLocked(parent, name); err != nil {
		return types.OpGroup{}, err
	}
	attr.FileType = types.FileTypeSymlink
	attr.Nlink = 1
	return types.OpGroup{Ops: []types.MetaOp{
		types.CreateInode(attr),
		types.AddDirEntry(parent, name, attr.Ino, types.FileTypeSymlink),
	}}, nil
}

// PlanMkdir additionally bumps the parent's Nlink, maintaining the
// "Nlink == 2 + child directory count" invariant.
func (s *Service) PlanMkdir(parent types.InodeId, name string, attr *types.InodeAttr) (types.OpGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.validateCreateLocked(parent, name); err != nil {
		return types.OpGroup{}, err
	}
	attr.FileType = types.FileTypeDirectory
	attr.Nlink = 2
	return types.OpGroup{Ops: []types.MetaOp{
		types.CreateInode(attr),
		types.AddDirEntry(parent, name, attr.Ino, types.FileTypeDirectory),
		types.IncNlink(parent),
	}}, nil
}

// PlanLink validates and builds the op group for a hardlink. Directories
// cannot be hardlinked. The op group touches both ino and newParent in
// one atomic apply, so router must route them to the same shard; a
// cross-shard link fails the same way a cross-shard rename does.
func (s *Service) PlanLink(router *shardrouter.Router, ino, newParent types.InodeId, newName string) (types.OpGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if router.ShardForInode(ino) != router.ShardForInode(newParent) {
		return types.OpGroup{}, &types.ClaudefsError{Kind: types.KindCrossShardRename, Op: "Link", Ino: ino}
	}
	target, ok := s.inodes[ino]
	if !ok {
		return types.OpGroup{}, &types.ClaudefsError{Kind: types.KindInodeNotFound, Op: "Link", Ino: ino}
	}
	if target.IsDirectory() {
		return types.OpGroup{}, &types.ClaudefsError{Kind: types.KindNotDirectory, Op: "Link", Ino: ino, Reason: "cannot hardlink a directory"}
	}
	if err := s.validateCreateLocked(newParent, newName); err != nil {
		return types.OpGroup{}, err
	}
	return types.OpGroup{Ops: []types.MetaOp{
		types.AddDirEntry(newParent, newName, ino, target.FileType),
		types.IncNlink(ino),
	}}, nil
}

// PlanUnlink validates and builds the op group for removing a
// non-directory entry, deleting the inode outright once its simulated
// Nlink would reach zero.
func (s *Service) PlanUnlink(parent types.InodeId, name string) (types.OpGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.childLocked(parent, name)
	if !ok {
		return types.OpGroup{}, &types.ClaudefsError{Kind: types.KindEntryNotFound, Op: "Unlink", Parent: parent, Name: name}
	}
	if entry.FileType == types.FileTypeDirectory {
		return types.OpGroup{}, &types.ClaudefsError{Kind: types.KindNotDirectory, Op: "Unlink", Ino: entry.Ino, Reason: "use Rmdir for directories"}
	}
	attr, ok := s.inodes[entry.Ino]
	if !ok {
		return types.OpGroup{}, &types.ClaudefsError{Kind: types.KindInodeNotFound, Op: "Unlink", Ino: entry.Ino}
	}
	ops := []types.MetaOp{
		types.RemoveDirEntry(parent, name),
		types.DecNlink(entry.Ino),
	}
	if attr.Nlink <= 1 {
		ops = append(ops, types.DeleteInode(entry.Ino))
	}
	return types.OpGroup{Ops: ops}, nil
}

// PlanRmdir validates and builds the op group for removing an empty
// subdirectory.
func (s *Service) PlanRmdir(parent types.InodeId, name string) (types.OpGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.childLocked(parent, name)
	if !ok {
		return types.OpGroup{}, &types.ClaudefsError{Kind: types.KindEntryNotFound, Op: "Rmdir", Parent: parent, Name: name}
	}
	if entry.FileType != types.FileTypeDirectory {
		return types.OpGroup{}, &types.ClaudefsError{Kind: types.KindNotDirectory, Op: "Rmdir", Ino: entry.Ino}
	}
	if children := s.children[entry.Ino]; len(children) > 0 {
		return types.OpGroup{}, &types.ClaudefsError{Kind: types.KindNotEmpty, Op: "Rmdir", Ino: entry.Ino}
	}
	return types.OpGroup{Ops: []types.MetaOp{
		types.RemoveDirEntry(parent, name),
		types.DecNlink(parent),
		types.DeleteInode(entry.Ino),
	}}, nil
}

// PlanRename validates and builds the op group for a same-shard rename.
// Fails CrossShardRename if the two parents don't hash to the same shard.
// Fails AlreadyExists if an entry already occupies the destination name —
// this implementation does not support rename-over-existing-entry
// semantics.
func (s *Service) PlanRename(router *shardrouter.Router, srcParent types.InodeId, srcName string, dstParent types.InodeId, dstName string) (types.OpGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if router.ShardForInode(srcParent) != router.ShardForInode(dstParent) {
		return types.OpGroup{}, &types.ClaudefsError{Kind: types.KindCrossShardRename, Op: "Rename", Parent: srcParent}
	}
	entry, ok := s.childLocked(srcParent, srcName)
	if !ok {
		return types.OpGroup{}, &types.ClaudefsError{Kind: types.KindEntryNotFound, Op: "Rename", Parent: srcParent, Name: srcName}
	}
	if _, exists := s.childLocked(dstParent, dstName); exists {
		return types.OpGroup{}, &types.ClaudefsError{Kind: types.KindAlreadyExists, Op: "Rename", Parent: dstParent, Name: dstName}
	}
	ops := []types.MetaOp{
		types.RemoveDirEntry(srcParent, srcName),
		types.AddDirEntry(dstParent, dstName, entry.Ino, entry.FileType),
	}
	if srcParent != dstParent && entry.FileType == types.FileTypeDirectory {
		ops = append(ops, types.DecNlink(srcParent), types.IncNlink(dstParent))
	}
	return types.OpGroup{Ops: ops}, nil
}

// SetAttrFields lists the attribute fields setattr is permitted to
// change; Ino, FileType, Crtime, SymlinkTarget and Nlink are immutable
// through this path.
type SetAttrFields struct {
	Mode        *uint32
	Uid         *uint32
	Gid         *uint32
	Size        *uint64
	Atime       *time.Time
	Mtime       *time.Time
	ContentHash *string
}

// PlanSetAttr validates and builds the op group applying fields to ino,
// always bumping Ctime to the service clock's current time.
func (s *Service) PlanSetAttr(ino types.InodeId, fields SetAttrFields) (types.OpGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attr, ok := s.inodes[ino]
	if !ok {
		return types.OpGroup{}, &types.ClaudefsError{Kind: types.KindInodeNotFound, Op: "SetAttr", Ino: ino}
	}
	updated := *attr
	if fields.Mode != nil {
		updated.Mode = *fields.Mode
	}
	if fields.Uid != nil {
		updated.Uid = *fields.Uid
	}
	if fields.Gid != nil {
		updated.Gid = *fields.Gid
	}
	if fields.Size != nil {
		updated.Size = *fields.Size
	}
	if fields.Atime != nil {
		updated.Atime = *fields.Atime
	}
	if fields.Mtime != nil {
		updated.Mtime = *fields.Mtime
	}
	if fields.ContentHash != nil {
		updated.ContentHash = *fields.ContentHash
	}
	updated.Ctime = s.clock.Now()
	return types.OpGroup{Ops: []types.MetaOp{types.SetAttr(ino, &updated)}}, nil
}
