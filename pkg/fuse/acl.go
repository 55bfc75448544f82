package fuse

// AclTagKind distinguishes the POSIX ACL entry categories.
type AclTagKind int

const (
	AclUserObj AclTagKind = iota
	AclUser
	AclGroupObj
	AclGroup
	AclMask
	AclOther
)

// AclTag identifies one ACL entry. Qualifier is only meaningful for
// AclUser and AclGroup entries (the named uid/gid).
type AclTag struct {
	Kind      AclTagKind
	Qualifier uint32
}

// AclPerms is the rwx triple one ACL entry grants.
type AclPerms struct {
	Read, Write, Execute bool
}

// AclPermsFromBits decodes the low 3 bits of a POSIX mode nibble
// (r=4, w=2, x=1).
func AclPermsFromBits(bits uint8) AclPerms {
	return AclPerms{Read: bits&0x4 != 0, Write: bits&0x2 != 0, Execute: bits&0x1 != 0}
}

// ToBits encodes back to the r/w/x bitmask.
func (p AclPerms) ToBits() uint8 {
	var b uint8
	if p.Read {
		b |= 0x4
	}
	if p.Write {
		b |= 0x2
	}
	if p.Execute {
		b |= 0x1
	}
	return b
}

func AclPermsAll() AclPerms      { return AclPerms{true, true, true} }
func AclPermsNone() AclPerms     { return AclPerms{} }
func AclPermsReadOnly() AclPerms { return AclPerms{Read: true} }

// covers reports whether p grants at least everything req asks for.
func (p AclPerms) covers(req AclPerms) bool {
	return (p.Read || !req.Read) && (p.Write || !req.Write) && (p.Execute || !req.Execute)
}

// AclEntry is one line of a POSIX access or default ACL.
type AclEntry struct {
	Tag   AclTag
	Perms AclPerms
}

// IsNamed reports whether the entry names a specific uid/gid, as
// opposed to the owning-user/owning-group/other defaults.
func (e AclEntry) IsNamed() bool {
	return e.Tag.Kind == AclUser || e.Tag.Kind == AclGroup
}

// PosixAcl evaluates POSIX.1e access checks against a fixed set of
// entries: the owning-user entry, zero or more named user/group
// entries, the owning-group entry, an optional mask that caps named
// and group permissions, and the other entry.
type PosixAcl struct {
	entries []AclEntry
}

// NewPosixAcl constructs an empty PosixAcl.
func NewPosixAcl() *PosixAcl {
	return &PosixAcl{}
}

// AddEntry appends an ACL entry.
func (a *PosixAcl) AddEntry(e AclEntry) {
	a.entries = append(a.entries, e)
}

// EntryCount returns how many entries this ACL holds.
func (a *PosixAcl) EntryCount() int { return len(a.entries) }

// HasMask reports whether a Mask entry is present.
func (a *PosixAcl) HasMask() bool {
	for _, e := range a.entries {
		if e.Tag.Kind == AclMask {
			return true
		}
	}
	return false
}

// EffectivePerms applies the ACL's mask (if any) to entryPerms. Named
// user and group entries are always subject to the mask; the
// owning-user and other entries never are.
func (a *PosixAcl) EffectivePerms(entryPerms AclPerms) AclPerms {
	for _, e := range a.entries {
		if e.Tag.Kind == AclMask {
			return AclPerms{
				Read:    entryPerms.Read && e.Perms.Read,
				Write:   entryPerms.Write && e.Perms.Write,
				Execute: entryPerms.Execute && e.Perms.Execute,
			}
		}
	}
	return entryPerms
}

// EntriesForTag returns every entry matching tag.
func (a *PosixAcl) EntriesForTag(tag AclTag) []AclEntry {
	var out []AclEntry
	for _, e := range a.entries {
		if e.Tag == tag {
			out = append(out, e)
		}
	}
	return out
}

// CheckAccess evaluates req against this ACL for a caller identified by
// (uid, gid), given the file's owning (fileUid, fileGid). Resolution
// order follows POSIX.1e: owning user, then named user, then the union
// of owning-group and named-group entries (any one matching grants
// group access, but every matching group entry must individually cover
// req or access is denied), then other.
func (a *PosixAcl) CheckAccess(uid, fileUid, gid, fileGid uint32, req AclPerms) bool {
	if uid == fileUid {
		if e, ok := a.find(AclTag{Kind: AclUserObj}); ok {
			return e.Perms.covers(req)
		}
	}

	for _, e := range a.entries {
		if e.Tag.Kind == AclUser && e.Tag.Qualifier == uid {
			return a.EffectivePerms(e.Perms).covers(req)
		}
	}

	groupMatched := false
	if gid == fileGid {
		if e, ok := a.find(AclTag{Kind: AclGroupObj}); ok {
			groupMatched = true
			if !a.EffectivePerms(e.Perms).covers(req) {
				return false
			}
		}
	}
	for _, e := range a.entries {
		if e.Tag.Kind == AclGroup && e.Tag.Qualifier == gid {
			groupMatched = true
			if !a.EffectivePerms(e.Perms).covers(req) {
				return false
			}
		}
	}
	if groupMatched {
		return true
	}

	if e, ok := a.find(AclTag{Kind: AclOther}); ok {
		return e.Perms.covers(req)
	}
	return false
}

func (a *PosixAcl) find(tag AclTag) (AclEntry, bool) {
	for _, e := range a.entries {
		if e.Tag == tag {
			return e, true
		}
	}
	return AclEntry{}, false
}

// Extended attribute names a POSIX ACL is conventionally stored under.
const (
	XattrPosixAclAccess  = "system.posix_acl_access"
	XattrPosixAclDefault = "system.posix_acl_default"
)
