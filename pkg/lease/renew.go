package lease

import (
	"time"

	"github.com/dirkpetersen/claudefs/pkg/clock"
	"github.com/dirkpetersen/claudefs/pkg/types"
)

// RenewalThreshold is the elapsed-duration fraction past which a tracked
// lease becomes eligible for renewal.
const RenewalThreshold = 0.8

// DefaultMaxAutoRenewals caps how many times RenewManager will emit
// Renew before forcing NotifyClient regardless of activity.
const DefaultMaxAutoRenewals = 10

// Action is the renewal decision RenewManager computes for one lease.
type Action int

const (
	// ActionNone: lease is healthy, no action needed yet.
	ActionNone Action = iota
	// ActionRenew: elapsed fraction crossed the threshold and the client
	// was recently active; renew automatically.
	ActionRenew
	// ActionNotifyClient: threshold crossed but the client has exhausted
	// its auto-renewal budget, or hasn't been seen recently; push a
	// notification instead of renewing silently.
	ActionNotifyClient
	// ActionExpire: past ExpiresAt+grace; drop the lease.
	ActionExpire
)

// RenewManager is a policy layer over Manager: for each tracked lease it
// computes whether to auto-renew, notify the client, or expire it.
type RenewManager struct {
	clock                clock.Clock
	duration             time.Duration
	grace                time.Duration
	maxAutoRenewals      int
	recentActivityWindow time.Duration

	lastActive map[types.ClientId]time.Time
}

// RenewConfig configures a RenewManager.
type RenewConfig struct {
	Clock           clock.Clock
	Duration        time.Duration
	Grace           time.Duration
	MaxAutoRenewals int
	// RecentActivityWindow bounds how long after a client's last
	// observed activity it is still considered "recently active" for
	// auto-renewal purposes.
	RecentActivityWindow time.Duration
}

// NewRenewManager builds a RenewManager from cfg.
func NewRenewManager(cfg RenewConfig) *RenewManager {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	d := cfg.Duration
	if d == 0 {
		d = DefaultDuration
	}
	g := cfg.Grace
	if g == 0 {
		g = DefaultGrace
	}
	max := cfg.MaxAutoRenewals
	if max == 0 {
		max = DefaultMaxAutoRenewals
	}
	w := cfg.RecentActivityWindow
	if w == 0 {
		w = d
	}
	return &RenewManager{
		clock:                clk,
		duration:             d,
		grace:                g,
		maxAutoRenewals:      max,
		recentActivityWindow: w,
		lastActive:           make(map[types.ClientId]time.Time),
	}
}

// window defaults to the lease duration itself when unset: a client
// active at any point during the current lease period counts as
// "recently active".
func (r *RenewManager) window() time.Duration {
	return r.recentActivityWindow
}

// Touch records client activity at the current time, consulted by
// Evaluate's recently-active check.
func (r *RenewManager) Touch(client types.ClientId) {
	r.lastActive[client] = r.clock.Now()
}

// Evaluate computes the renewal action for lease.
func (r *RenewManager) Evaluate(lease types.Lease) Action {
	now := r.clock.Now()
	if now.After(lease.ExpiresAt.Add(r.grace)) {
		return ActionExpire
	}

	total := lease.ExpiresAt.Sub(lease.GrantedAt)
	if total <= 0 {
		return ActionNone
	}
	elapsed := now.Sub(lease.GrantedAt)
	fraction := float64(elapsed) / float64(total)
	if fraction < RenewalThreshold {
		return ActionNone
	}

	if lease.RenewalCount >= r.maxAutoRenewals {
		return ActionNotifyClient
	}
	last, seen := r.lastActive[lease.Client]
	if !seen || now.Sub(last) > r.window() {
		return ActionNotifyClient
	}
	return ActionRenew
}
