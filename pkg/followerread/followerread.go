// Package followerread implements FollowerReadRouter: in relaxed
// consistency mode, routes read requests to the replica that best fits
// the requested consistency level.
package followerread

import (
	"time"

	"github.com/dirkpetersen/claudefs/pkg/clock"
	"github.com/dirkpetersen/claudefs/pkg/types"
)

// Consistency selects how stale a read may be.
type Consistency int

const (
	// Linearizable reads always go to the leader.
	Linearizable Consistency = iota
	// BoundedStaleness reads may go to a follower within max_stale_entries
	// and max_stale_duration of the leader.
	BoundedStaleness
	// ReadAny picks the lowest-latency healthy follower unconditionally.
	ReadAny
)

// FollowerState is the router's view of one follower's health and
// replication progress.
type FollowerState struct {
	NodeId      types.NodeId
	LastApplied types.LogIndex
	LastUpdated time.Time
	Healthy     bool
	LatencyUs   int64
}

// Router is the FollowerReadRouter.
type Router struct {
	clock            clock.Clock
	maxStaleEntries  types.LogIndex
	maxStaleDuration time.Duration
}

// Config configures a Router.
type Config struct {
	Clock            clock.Clock
	MaxStaleEntries  types.LogIndex
	MaxStaleDuration time.Duration
}

// New builds a Router from cfg.
func New(cfg Config) *Router {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Router{
		clock:            clk,
		maxStaleEntries:  cfg.MaxStaleEntries,
		maxStaleDuration: cfg.MaxStaleDuration,
	}
}

// Route picks a target replica for a read at the given consistency
// level. leader is the local/leader node id, leaderCommitIndex its
// current commit index, followers the candidate replica set. Returns
// leader whenever no follower qualifies (Linearizable always, and
// BoundedStaleness/ReadAny as a fallback when nothing healthy exists).
func (r *Router) Route(level Consistency, leader types.NodeId, leaderCommitIndex types.LogIndex, followers []FollowerState) types.NodeId {
	switch level {
	case Linearizable:
		return leader
	case ReadAny:
		if best, ok := r.lowestLatencyHealthy(followers); ok {
			return best.NodeId
		}
		return leader
	case BoundedStaleness:
		if best, ok := r.boundedStalenessCandidate(leaderCommitIndex, followers); ok {
			return best.NodeId
		}
		return leader
	default:
		return leader
	}
}

func (r *Router) lowestLatencyHealthy(followers []FollowerState) (FollowerState, bool) {
	var best FollowerState
	found := false
	for _, f := range followers {
		if !f.Healthy {
			continue
		}
		if !found || f.LatencyUs < best.LatencyUs {
			best = f
			found = true
		}
	}
	return best, found
}

func (r *Router) boundedStalenessCandidate(leaderCommitIndex types.LogIndex, followers []FollowerState) (FollowerState, bool) {
	now := r.clock.Now()
	var best FollowerState
	found := false
	for _, f := range followers {
		if !f.Healthy {
			continue
		}
		if leaderCommitIndex-f.LastApplied > r.maxStaleEntries {
			continue
		}
		if r.maxStaleDuration > 0 && now.Sub(f.LastUpdated) > r.maxStaleDuration {
			continue
		}
		if !found || f.LatencyUs < best.LatencyUs {
			best = f
			found = true
		}
	}
	return best, found
}
