package lease

import (
	"testing"
	"time"

	"github.com/dirkpetersen/claudefs/pkg/clock"
	"github.com/dirkpetersen/claudefs/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	revoked []types.Lease
}

func (s *recordingSink) Revoke(l types.Lease, reason string) {
	s.revoked = append(s.revoked, l)
}

func newTestManager(t *testing.T) (*Manager, *clock.Fake, *recordingSink) {
	t.Helper()
	fake := clock.NewFake(time.Unix(0, 0))
	sink := &recordingSink{}
	m := New(Config{Clock: fake, Sink: sink, Duration: 10 * time.Second, Grace: 2 * time.Second})
	return m, fake, sink
}

func TestGrantWriteExclusive(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Grant(1, "clientA", types.LeaseWrite)
	require.NoError(t, err)

	_, err = m.Grant(1, "clientB", types.LeaseRead)
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, types.KindLeaseConflict, kind)
}

func TestGrantMultipleReadsOK(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Grant(1, "clientA", types.LeaseRead)
	require.NoError(t, err)
	_, err = m.Grant(1, "clientB", types.LeaseRead)
	require.NoError(t, err)
}

func TestGrantWriteFailsOverExistingRead(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Grant(1, "clientA", types.LeaseRead)
	require.NoError(t, err)
	_, err = m.Grant(1, "clientB", types.LeaseWrite)
	require.Error(t, err)
}

func TestRevokeOnMutation(t *testing.T) {
	m, _, sink := newTestManager(t)
	id, err := m.Grant(1, "clientA", types.LeaseRead)
	require.NoError(t, err)
	require.True(t, m.HasValidLease(1, "clientA"))

	m.Revoke(1, "setattr")
	assert.False(t, m.HasValidLease(1, "clientA"))
	require.Len(t, sink.revoked, 1)
	assert.Equal(t, id, sink.revoked[0].LeaseId)
}

func TestRenewExtendsExpiry(t *testing.T) {
	m, fake, _ := newTestManager(t)
	id, err := m.Grant(1, "clientA", types.LeaseWrite)
	require.NoError(t, err)
	fake.Advance(9 * time.Second)
	newExpiry, err := m.Renew(id)
	require.NoError(t, err)
	assert.Equal(t, fake.Now().Add(10*time.Second), newExpiry)
}

func TestRenewExpiredFails(t *testing.T) {
	m, fake, _ := newTestManager(t)
	id, err := m.Grant(1, "clientA", types.LeaseWrite)
	require.NoError(t, err)
	fake.Advance(13 * time.Second)
	_, err = m.Renew(id)
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, types.KindExpired, kind)
}

func TestHasValidLeaseWithinGrace(t *testing.T) {
	m, fake, _ := newTestManager(t)
	_, err := m.Grant(1, "clientA", types.LeaseRead)
	require.NoError(t, err)
	fake.Advance(11 * time.Second)
	assert.True(t, m.HasValidLease(1, "clientA"))
	fake.Advance(2 * time.Second)
	assert.False(t, m.HasValidLease(1, "clientA"))
}

func TestRenewManagerThresholdAndActivity(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	rm := NewRenewManager(RenewConfig{Clock: fake, Duration: 10 * time.Second, Grace: time.Second, MaxAutoRenewals: 2})
	l := types.Lease{Client: "clientA", GrantedAt: fake.Now(), ExpiresAt: fake.Now().Add(10 * time.Second)}

	assert.Equal(t, ActionNone, rm.Evaluate(l))

	fake.Advance(8 * time.Second) // 80% elapsed
	assert.Equal(t, ActionNotifyClient, rm.Evaluate(l), "no recent activity recorded")

	rm.Touch("clientA")
	assert.Equal(t, ActionRenew, rm.Evaluate(l))

	l.RenewalCount = 2
	assert.Equal(t, ActionNotifyClient, rm.Evaluate(l), "max auto renewals exhausted")
}

func TestRenewManagerRecentActivityWindowOverride(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	rm := NewRenewManager(RenewConfig{
		Clock:                fake,
		Duration:             10 * time.Second,
		Grace:                time.Second,
		RecentActivityWindow: 2 * time.Second,
	})
	l := types.Lease{Client: "clientA", GrantedAt: fake.Now(), ExpiresAt: fake.Now().Add(10 * time.Second)}

	rm.Touch("clientA")
	fake.Advance(3 * time.Second) // activity is now older than the 2s window
	fake.Advance(5 * time.Second) // 80% elapsed

	// Without the narrowed window, a Duration-wide default (10s) would
	// still count this activity as recent; the configured 2s window
	// must not.
	assert.Equal(t, ActionNotifyClient, rm.Evaluate(l))
}

func TestRenewManagerExpire(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	rm := NewRenewManager(RenewConfig{Clock: fake, Duration: 10 * time.Second, Grace: time.Second})
	l := types.Lease{Client: "clientA", GrantedAt: fake.Now(), ExpiresAt: fake.Now().Add(10 * time.Second)}
	fake.Advance(12 * time.Second)
	assert.Equal(t, ActionExpire, rm.Evaluate(l))
}
