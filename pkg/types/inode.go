package types

import "time"

// FileType enumerates the inode kinds the metadata service understands.
type FileType string

const (
	FileTypeRegular   FileType = "regular"
	FileTypeDirectory FileType = "directory"
	FileTypeSymlink   FileType = "symlink"
)

// ReplicationState tracks whether an inode's latest mutation has been
// shipped to every remote site, used by the replication layer's lag
// reporting and by operators auditing cross-site convergence.
type ReplicationState string

const (
	ReplicationStateLocal     ReplicationState = "local"     // not yet tailed
	ReplicationStateShipped   ReplicationState = "shipped"   // sent, unacked
	ReplicationStateConverged ReplicationState = "converged" // acked by all sites
)

// InodeAttr is the full attribute record for an inode.
//
// Invariants: Nlink >= 0; Nlink == 0 implies the inode is
// garbage-collectable; directories have Nlink == 2 + child directory
// count; SymlinkTarget is populated iff FileType == FileTypeSymlink.
type InodeAttr struct {
	Ino            InodeId
	FileType       FileType
	Mode           uint32
	Nlink          uint32
	Uid            uint32
	Gid            uint32
	Size           uint64
	Blocks         uint64
	Atime          time.Time
	Mtime          time.Time
	Ctime          time.Time
	Crtime         time.Time
	ContentHash    string
	Replication    ReplicationState
	VectorClock    VectorClock
	Generation     uint64
	SymlinkTarget  string
}

// IsDirectory reports whether this attribute describes a directory.
func (a *InodeAttr) IsDirectory() bool { return a.FileType == FileTypeDirectory }

// IsSymlink reports whether this attribute describes a symlink.
func (a *InodeAttr) IsSymlink() bool { return a.FileType == FileTypeSymlink }

// Garbage reports whether the inode is eligible for collection: no
// remaining links and (by convention of the caller) no open handles.
func (a *InodeAttr) Garbage() bool { return a.Nlink == 0 }

// DirEntry is a directory entry keyed by (ParentIno, Name) pointing at an
// extant inode.
type DirEntry struct {
	ParentIno InodeId
	Name      string
	Ino       InodeId
	FileType  FileType
}
