package fuse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAclPermsFromBits(t *testing.T) {
	p := AclPermsFromBits(0x7)
	assert.True(t, p.Read)
	assert.True(t, p.Write)
	assert.True(t, p.Execute)

	p = AclPermsFromBits(0x4)
	assert.True(t, p.Read)
	assert.False(t, p.Write)
	assert.False(t, p.Execute)
}

func TestAclPermsToBits(t *testing.T) {
	assert.Equal(t, uint8(0x7), AclPermsAll().ToBits())
	assert.Equal(t, uint8(0x4), AclPermsReadOnly().ToBits())
	assert.Equal(t, uint8(0x0), AclPermsNone().ToBits())
}

func TestAclPermsRoundtrip(t *testing.T) {
	for bits := uint8(0); bits <= 7; bits++ {
		assert.Equal(t, bits, AclPermsFromBits(bits).ToBits())
	}
}

func TestAclEntryIsNamed(t *testing.T) {
	assert.False(t, AclEntry{Tag: AclTag{Kind: AclUserObj}}.IsNamed())
	assert.True(t, AclEntry{Tag: AclTag{Kind: AclUser, Qualifier: 1000}}.IsNamed())
	assert.False(t, AclEntry{Tag: AclTag{Kind: AclGroupObj}}.IsNamed())
	assert.True(t, AclEntry{Tag: AclTag{Kind: AclGroup, Qualifier: 1000}}.IsNamed())
	assert.False(t, AclEntry{Tag: AclTag{Kind: AclMask}}.IsNamed())
	assert.False(t, AclEntry{Tag: AclTag{Kind: AclOther}}.IsNamed())
}

func TestPosixAclEntryCount(t *testing.T) {
	a := NewPosixAcl()
	assert.Equal(t, 0, a.EntryCount())
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclUserObj}, Perms: AclPermsAll()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclGroupObj}, Perms: AclPermsAll()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclOther}, Perms: AclPermsAll()})
	assert.Equal(t, 3, a.EntryCount())
}

func TestCheckAccessOwnerAllowed(t *testing.T) {
	a := NewPosixAcl()
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclUserObj}, Perms: AclPermsAll()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclGroupObj}, Perms: AclPermsNone()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclOther}, Perms: AclPermsNone()})

	assert.True(t, a.CheckAccess(1000, 1000, 100, 100, AclPermsReadOnly()))
}

func TestCheckAccessOtherDenied(t *testing.T) {
	a := NewPosixAcl()
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclUserObj}, Perms: AclPermsNone()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclGroupObj}, Perms: AclPermsNone()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclOther}, Perms: AclPermsNone()})

	assert.False(t, a.CheckAccess(2000, 1000, 200, 100, AclPermsReadOnly()))
}

func TestCheckAccessNamedUserAllowed(t *testing.T) {
	a := NewPosixAcl()
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclUserObj}, Perms: AclPermsNone()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclUser, Qualifier: 2000}, Perms: AclPermsAll()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclGroupObj}, Perms: AclPermsNone()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclOther}, Perms: AclPermsNone()})

	assert.True(t, a.CheckAccess(2000, 1000, 100, 100, AclPermsReadOnly()))
}

func TestCheckAccessNamedUserDeniedWithoutMatch(t *testing.T) {
	a := NewPosixAcl()
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclUserObj}, Perms: AclPermsNone()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclUser, Qualifier: 3000}, Perms: AclPermsAll()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclGroupObj}, Perms: AclPermsNone()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclOther}, Perms: AclPermsNone()})

	assert.False(t, a.CheckAccess(2000, 1000, 100, 100, AclPermsReadOnly()))
}

func TestMaskLimitsNamedGroup(t *testing.T) {
	a := NewPosixAcl()
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclUserObj}, Perms: AclPermsAll()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclGroup, Qualifier: 100}, Perms: AclPermsAll()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclMask}, Perms: AclPermsReadOnly()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclOther}, Perms: AclPermsNone()})

	assert.False(t, a.CheckAccess(2000, 1000, 100, 100, AclPermsAll()))
}

func TestHasMask(t *testing.T) {
	a := NewPosixAcl()
	assert.False(t, a.HasMask())
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclUserObj}, Perms: AclPermsAll()})
	assert.False(t, a.HasMask())
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclMask}, Perms: AclPermsAll()})
	assert.True(t, a.HasMask())
}

func TestEffectivePermsWithMask(t *testing.T) {
	a := NewPosixAcl()
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclMask}, Perms: AclPermsReadOnly()})

	eff := a.EffectivePerms(AclPermsAll())
	assert.True(t, eff.Read)
	assert.False(t, eff.Write)
	assert.False(t, eff.Execute)
}

func TestEffectivePermsWithoutMask(t *testing.T) {
	a := NewPosixAcl()
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclUserObj}, Perms: AclPermsAll()})

	eff := a.EffectivePerms(AclPermsAll())
	assert.Equal(t, AclPermsAll(), eff)
}

func TestEntriesForTagFiltersCorrectly(t *testing.T) {
	a := NewPosixAcl()
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclUserObj}, Perms: AclPermsAll()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclUser, Qualifier: 1000}, Perms: AclPermsReadOnly()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclUser, Qualifier: 2000}, Perms: AclPermsAll()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclGroupObj}, Perms: AclPermsNone()})

	assert.Len(t, a.EntriesForTag(AclTag{Kind: AclUserObj}), 1)
	assert.Len(t, a.EntriesForTag(AclTag{Kind: AclUser, Qualifier: 1000}), 1)
	assert.Len(t, a.EntriesForTag(AclTag{Kind: AclGroupObj}), 1)
}

func TestXattrConstants(t *testing.T) {
	assert.Equal(t, "system.posix_acl_access", XattrPosixAclAccess)
	assert.Equal(t, "system.posix_acl_default", XattrPosixAclDefault)
}

func TestGroupMatch(t *testing.T) {
	a := NewPosixAcl()
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclUserObj}, Perms: AclPermsNone()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclGroupObj}, Perms: AclPermsAll()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclOther}, Perms: AclPermsNone()})

	assert.True(t, a.CheckAccess(2000, 1000, 100, 100, AclPermsReadOnly()))
}

func TestNamedGroupMatch(t *testing.T) {
	a := NewPosixAcl()
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclUserObj}, Perms: AclPermsNone()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclGroup, Qualifier: 100}, Perms: AclPermsAll()})
	a.AddEntry(AclEntry{Tag: AclTag{Kind: AclOther}, Perms: AclPermsNone()})

	assert.True(t, a.CheckAccess(2000, 1000, 100, 200, AclPermsReadOnly()))
}
