package followerread

import (
	"testing"
	"time"

	"github.com/dirkpetersen/claudefs/pkg/clock"
	"github.com/dirkpetersen/claudefs/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestLinearizableAlwaysLeader(t *testing.T) {
	r := New(Config{})
	got := r.Route(Linearizable, "leader", 100, []FollowerState{
		{NodeId: "f1", Healthy: true, LatencyUs: 1},
	})
	assert.Equal(t, types.NodeId("leader"), got)
}

func TestReadAnyPicksLowestLatency(t *testing.T) {
	r := New(Config{})
	got := r.Route(ReadAny, "leader", 100, []FollowerState{
		{NodeId: "f1", Healthy: true, LatencyUs: 50},
		{NodeId: "f2", Healthy: true, LatencyUs: 10},
		{NodeId: "f3", Healthy: false, LatencyUs: 1},
	})
	assert.Equal(t, types.NodeId("f2"), got)
}

func TestReadAnyFallsBackToLeaderWhenNoneHealthy(t *testing.T) {
	r := New(Config{})
	got := r.Route(ReadAny, "leader", 100, []FollowerState{
		{NodeId: "f1", Healthy: false},
	})
	assert.Equal(t, types.NodeId("leader"), got)
}

func TestBoundedStalenessSkipsTooFarBehind(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	r := New(Config{Clock: fake, MaxStaleEntries: 5, MaxStaleDuration: time.Minute})
	got := r.Route(BoundedStaleness, "leader", 100, []FollowerState{
		{NodeId: "f1", Healthy: true, LastApplied: 80, LastUpdated: fake.Now(), LatencyUs: 1}, // 20 behind, too stale
		{NodeId: "f2", Healthy: true, LastApplied: 97, LastUpdated: fake.Now(), LatencyUs: 50},
	})
	assert.Equal(t, types.NodeId("f2"), got)
}

func TestBoundedStalenessSkipsTimeStale(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	r := New(Config{Clock: fake, MaxStaleEntries: 100, MaxStaleDuration: time.Minute})
	stale := fake.Now()
	fake.Advance(2 * time.Minute)
	got := r.Route(BoundedStaleness, "leader", 100, []FollowerState{
		{NodeId: "f1", Healthy: true, LastApplied: 99, LastUpdated: stale, LatencyUs: 1},
	})
	assert.Equal(t, types.NodeId("leader"), got, "stale-by-time follower should be skipped, falling back to leader")
}

func TestBoundedStalenessFallsBackWhenNoneQualify(t *testing.T) {
	r := New(Config{MaxStaleEntries: 1})
	got := r.Route(BoundedStaleness, "leader", 100, []FollowerState{
		{NodeId: "f1", Healthy: true, LastApplied: 10, LatencyUs: 1},
	})
	assert.Equal(t, types.NodeId("leader"), got)
}
