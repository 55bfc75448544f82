// Package metasvc implements the MetadataService: the deterministic state
// machine applied from committed MetaOps. It is strictly
// single-threaded from the apply loop's perspective — only ApplyOpGroup
// mutates state, and it must only ever be called with already-committed,
// already-validated op groups in Raft commit order for this shard.
package metasvc

import (
	"sync"

	"github.com/dirkpetersen/claudefs/pkg/clock"
	"github.com/dirkpetersen/claudefs/pkg/types"
)

// Service is one shard's inode table and directory index.
type Service struct {
	mu sync.RWMutex

	shard    types.ShardId
	clock    clock.Clock
	inodes   map[types.InodeId]*types.InodeAttr
	children map[types.InodeId]map[string]*types.DirEntry
}

// New constructs an empty MetadataService for one shard.
func New(shard types.ShardId, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		shard:    shard,
		clock:    clk,
		inodes:   make(map[types.InodeId]*types.InodeAttr),
		children: make(map[types.InodeId]map[string]*types.DirEntry),
	}
}

// InitRoot seeds the root directory inode. Idempotent; only meaningful
// for the shard that owns InodeId 1 (shard 0 under the default router).
func (s *Service) InitRoot(uid, gid uint32, mode uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inodes[types.RootInodeId]; ok {
		return
	}
	now := s.clock.Now()
	s.inodes[types.RootInodeId] = &types.InodeAttr{
		Ino:      types.RootInodeId,
		FileType: types.FileTypeDirectory,
		Mode:     mode,
		Nlink:    2,
		Uid:      uid,
		Gid:      gid,
		Atime:    now,
		Mtime:    now,
		Ctime:    now,
		Crtime:   now,
	}
	s.children[types.RootInodeId] = make(map[string]*types.DirEntry)
}

// Lookup resolves (parent, name) to the child's attributes.
func (s *Service) Lookup(parent types.InodeId, name string) (*types.InodeAttr, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.childLocked(parent, name)
	if !ok {
		return nil, &types.ClaudefsError{Kind: types.KindEntryNotFound, Op: "Lookup", Parent: parent, Name: name}
	}
	attr, ok := s.inodes[entry.Ino]
	if !ok {
		return nil, &types.ClaudefsError{Kind: types.KindInodeNotFound, Op: "Lookup", Ino: entry.Ino}
	}
	cp := *attr
	return &cp, nil
}

// Getattr returns an inode's attributes.
func (s *Service) Getattr(ino types.InodeId) (*types.InodeAttr, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attr, ok := s.inodes[ino]
	if !ok {
		return nil, &types.ClaudefsError{Kind: types.KindInodeNotFound, Op: "Getattr", Ino: ino}
	}
	cp := *attr
	return &cp, nil
}

// Readdir lists a directory's entries.
func (s *Service) Readdir(parent types.InodeId) ([]types.DirEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attr, ok := s.inodes[parent]
	if !ok {
		return nil, &types.ClaudefsError{Kind: types.KindInodeNotFound, Op: "Readdir", Ino: parent}
	}
	if !attr.IsDirectory() {
		return nil, &types.ClaudefsError{Kind: types.KindNotDirectory, Op: "Readdir", Ino: parent}
	}
	children := s.children[parent]
	out := make([]types.DirEntry, 0, len(children))
	for _, e := range children {
		out = append(out, *e)
	}
	return out, nil
}

// Readlink returns a symlink's target.
func (s *Service) Readlink(ino types.InodeId) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attr, ok := s.inodes[ino]
	if !ok {
		return "", &types.ClaudefsError{Kind: types.KindInodeNotFound, Op: "Readlink", Ino: ino}
	}
	if !attr.IsSymlink() {
		return "", &types.ClaudefsError{Kind: types.KindNotSymlink, Op: "Readlink", Ino: ino}
	}
	return attr.SymlinkTarget, nil
}

func (s *Service) childLocked(parent types.InodeId, name string) (*types.DirEntry, bool) {
	m, ok := s.children[parent]
	if !ok {
		return nil, false
	}
	e, ok := m[name]
	return e, ok
}

// ApplyOpGroup applies every MetaOp in group atomically to in-memory
// state. The only mutator of MetadataService state; must be
// called exclusively by the Raft apply loop, in commit order, with
// already-validated groups. A failure here is a consistency violation
// — fatal for the shard, not a normal error to surface to a
// caller.
func (s *Service) ApplyOpGroup(group types.OpGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range group.Ops {
		if err := s.applyOneLocked(op); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) applyOneLocked(op types.MetaOp) error {
	switch op.Kind {
	case types.OpCreateInode:
		s.inodes[op.Attr.Ino] = op.Attr
		if op.Attr.IsDirectory() {
			s.children[op.Attr.Ino] = make(map[string]*types.DirEntry)
		}
		return nil

	case types.OpDeleteInode:
		delete(s.inodes, op.Ino)
		delete(s.children, op.Ino)
		return nil

	case types.OpAddDirEntry:
		m, ok := s.children[op.Parent]
		if !ok {
			m = make(map[string]*types.DirEntry)
			s.children[op.Parent] = m
		}
		m[op.Name] = &types.DirEntry{ParentIno: op.Parent, Name: op.Name, Ino: op.EntryIno, FileType: op.FileType}
		return nil

	case types.OpRemoveDirEntry:
		if m, ok := s.children[op.Parent]; ok {
			delete(m, op.Name)
		}
		return nil

	case types.OpSetAttr:
		s.inodes[op.Ino] = op.NewAttr
		return nil

	case types.OpSetSymlinkTarget:
		if attr, ok := s.inodes[op.Ino]; ok {
			attr.SymlinkTarget = op.Target
		}
		return nil

	case types.OpIncNlink:
		if attr, ok := s.inodes[op.Ino]; ok {
			attr.Nlink++
		}
		return nil

	case types.OpDecNlink:
		if attr, ok := s.inodes[op.Ino]; ok && attr.Nlink > 0 {
			attr.Nlink--
		}
		return nil

	default:
		return &types.ClaudefsError{Kind: types.KindRaftError, Op: "ApplyOpGroup", Reason: "unknown MetaOp kind"}
	}
}

// Recover replays a sequence of previously committed op groups (e.g. from
// journal.Recover) to rebuild in-memory state after a restart.
func (s *Service) Recover(groups []types.OpGroup) error {
	for _, g := range groups {
		if err := s.ApplyOpGroup(g); err != nil {
			return err
		}
	}
	return nil
}
