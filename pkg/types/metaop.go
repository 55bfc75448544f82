package types

// MetaOpKind tags the variant of a MetaOp. Every mutation the metadata
// service ever applies is expressible as a sequence of these.
// Do not split MetaOp into per-verb record types: the apply loop and the
// wire encoding both depend on a single tagged union.
type MetaOpKind uint8

const (
	OpCreateInode MetaOpKind = iota + 1
	OpDeleteInode
	OpAddDirEntry
	OpRemoveDirEntry
	OpSetAttr
	OpSetSymlinkTarget
	OpIncNlink
	OpDecNlink
)

func (k MetaOpKind) String() string {
	switch k {
	case OpCreateInode:
		return "CreateInode"
	case OpDeleteInode:
		return "DeleteInode"
	case OpAddDirEntry:
		return "AddDirEntry"
	case OpRemoveDirEntry:
		return "RemoveDirEntry"
	case OpSetAttr:
		return "SetAttr"
	case OpSetSymlinkTarget:
		return "SetSymlinkTarget"
	case OpIncNlink:
		return "IncNlink"
	case OpDecNlink:
		return "DecNlink"
	default:
		return "Unknown"
	}
}

// MetaOp is the canonical tagged-union mutation record. Only the fields
// relevant to Kind are populated; the rest are zero. Field order below is
// the declaration order serialized by wire.go's encoder.
type MetaOp struct {
	Kind MetaOpKind

	// CreateInode
	Attr *InodeAttr

	// DeleteInode, SetAttr, SetSymlinkTarget, IncNlink, DecNlink
	Ino InodeId

	// AddDirEntry, RemoveDirEntry
	Parent   InodeId
	Name     string
	EntryIno InodeId
	FileType FileType

	// SetAttr
	NewAttr *InodeAttr

	// SetSymlinkTarget
	Target string
}

// CreateInode builds a CreateInode op.
func CreateInode(attr *InodeAttr) MetaOp { return MetaOp{Kind: OpCreateInode, Attr: attr} }

// DeleteInode builds a DeleteInode op.
func DeleteInode(ino InodeId) MetaOp { return MetaOp{Kind: OpDeleteInode, Ino: ino} }

// AddDirEntry builds an AddDirEntry op.
func AddDirEntry(parent InodeId, name string, ino InodeId, ft FileType) MetaOp {
	return MetaOp{Kind: OpAddDirEntry, Parent: parent, Name: name, EntryIno: ino, FileType: ft}
}

// RemoveDirEntry builds a RemoveDirEntry op.
func RemoveDirEntry(parent InodeId, name string) MetaOp {
	return MetaOp{Kind: OpRemoveDirEntry, Parent: parent, Name: name}
}

// SetAttr builds a SetAttr op.
func SetAttr(ino InodeId, attr *InodeAttr) MetaOp {
	return MetaOp{Kind: OpSetAttr, Ino: ino, NewAttr: attr}
}

// SetSymlinkTarget builds a SetSymlinkTarget op.
func SetSymlinkTarget(ino InodeId, target string) MetaOp {
	return MetaOp{Kind: OpSetSymlinkTarget, Ino: ino, Target: target}
}

// IncNlink builds an IncNlink op.
func IncNlink(ino InodeId) MetaOp { return MetaOp{Kind: OpIncNlink, Ino: ino} }

// DecNlink builds a DecNlink op.
func DecNlink(ino InodeId) MetaOp { return MetaOp{Kind: OpDecNlink, Ino: ino} }

// OpGroup is a single Raft log entry carrying multiple MetaOps, applied
// atomically by the state machine.
type OpGroup struct {
	Ops []MetaOp
}
