// Package lease implements client cache-coherence leases: time-bounded
// Read/Write grants over an inode, with conflict rules, renewal policy,
// and revocation on mutation.
package lease

import (
	"sync"
	"time"

	"github.com/dirkpetersen/claudefs/pkg/clock"
	"github.com/dirkpetersen/claudefs/pkg/metrics"
	"github.com/dirkpetersen/claudefs/pkg/types"
	"github.com/google/uuid"
)

// DefaultDuration is how long a freshly granted or renewed lease lasts.
const DefaultDuration = 30 * time.Second

// DefaultGrace is the extra window after ExpiresAt during which
// has_valid_lease still treats a lease as present.
const DefaultGrace = 5 * time.Second

// RevocationSink is notified out-of-band when a lease is revoked. The
// transport that reaches the client is a collaborator contract outside
// this package; Manager only depends on this interface.
type RevocationSink interface {
	Revoke(lease types.Lease, reason string)
}

// NopSink discards revocation notifications; useful for tests and for
// nodes with no attached client transport.
type NopSink struct{}

func (NopSink) Revoke(types.Lease, string) {}

// Manager grants, renews, and revokes leases.
type Manager struct {
	clock    clock.Clock
	sink     RevocationSink
	duration time.Duration
	grace    time.Duration

	mu    sync.RWMutex
	byID  map[types.LeaseId]*types.Lease
	byIno map[types.InodeId]map[types.LeaseId]struct{}
}

// Config configures a Manager.
type Config struct {
	Clock    clock.Clock
	Sink     RevocationSink
	Duration time.Duration
	Grace    time.Duration
}

// New builds a Manager from cfg.
func New(cfg Config) *Manager {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = NopSink{}
	}
	d := cfg.Duration
	if d == 0 {
		d = DefaultDuration
	}
	g := cfg.Grace
	if g == 0 {
		g = DefaultGrace
	}
	return &Manager{
		clock:    clk,
		sink:     sink,
		duration: d,
		grace:    g,
		byID:     make(map[types.LeaseId]*types.Lease),
		byIno:    make(map[types.InodeId]map[types.LeaseId]struct{}),
	}
}

// Grant issues a new lease. Fails LeaseConflict if type==Write and any
// other lease already exists on ino, or if type==Read and a Write lease
// held by a different client exists on ino.
func (m *Manager) Grant(ino types.InodeId, client types.ClientId, typ types.LeaseType) (types.LeaseId, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.byIno[ino] {
		existing := m.byID[id]
		if existing == nil {
			continue
		}
		if typ == types.LeaseWrite {
			metrics.LeaseConflictsTotal.Inc()
			return "", &types.ClaudefsError{Kind: types.KindLeaseConflict, Op: "Grant", Ino: ino, Reason: "write lease requires exclusive access"}
		}
		if existing.Type == types.LeaseWrite && existing.Client != client {
			metrics.LeaseConflictsTotal.Inc()
			return "", &types.ClaudefsError{Kind: types.KindLeaseConflict, Op: "Grant", Ino: ino, Reason: "write lease held by another client"}
		}
	}

	id := types.LeaseId(uuid.NewString())
	now := m.clock.Now()
	lease := &types.Lease{
		LeaseId:   id,
		Ino:       ino,
		Client:    client,
		Type:      typ,
		GrantedAt: now,
		ExpiresAt: now.Add(m.duration),
	}
	m.byID[id] = lease
	if m.byIno[ino] == nil {
		m.byIno[ino] = make(map[types.LeaseId]struct{})
	}
	m.byIno[ino][id] = struct{}{}
	metrics.LeasesActive.WithLabelValues(string(typ)).Inc()
	return id, nil
}

// Renew sets a lease's ExpiresAt to now plus the configured duration. Fails
// UnknownLease if the id doesn't exist, Expired if it is already past
// ExpiresAt+grace.
func (m *Manager) Renew(id types.LeaseId) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.byID[id]
	if !ok {
		return time.Time{}, &types.ClaudefsError{Kind: types.KindUnknownLease, Op: "Renew"}
	}
	now := m.clock.Now()
	if now.After(lease.ExpiresAt.Add(m.grace)) {
		return time.Time{}, &types.ClaudefsError{Kind: types.KindExpired, Op: "Renew"}
	}
	lease.ExpiresAt = now.Add(m.duration)
	lease.RenewalCount++
	return lease.ExpiresAt, nil
}

// Revoke drops every lease on ino and notifies their clients out-of-band
// through the configured RevocationSink. Called on every mutation to ino.
func (m *Manager) Revoke(ino types.InodeId, reason string) {
	m.mu.Lock()
	ids := m.byIno[ino]
	revoked := make([]types.Lease, 0, len(ids))
	for id := range ids {
		if l := m.byID[id]; l != nil {
			revoked = append(revoked, *l)
		}
		delete(m.byID, id)
	}
	delete(m.byIno, ino)
	m.mu.Unlock()

	for _, l := range revoked {
		metrics.LeasesActive.WithLabelValues(string(l.Type)).Dec()
		m.sink.Revoke(l, reason)
	}
}

// HasValidLease reports whether client holds a non-expired (within
// grace) lease on ino.
func (m *Manager) HasValidLease(ino types.InodeId, client types.ClientId) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clock.Now()
	for id := range m.byIno[ino] {
		l := m.byID[id]
		if l == nil || l.Client != client {
			continue
		}
		if !now.After(l.ExpiresAt.Add(m.grace)) {
			return true
		}
	}
	return false
}

// Lookup returns a copy of the lease record, if present.
func (m *Manager) Lookup(id types.LeaseId) (types.Lease, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.byID[id]
	if !ok {
		return types.Lease{}, false
	}
	return *l, true
}
