// Package raft implements one independent Raft consensus group per shard
// and the MultiRaftManager that owns the set of groups a node
// locally replicates.
//
// This is a hand-rolled engine, not a wrapper around hashicorp/raft's
// raft.Raft: that type owns one full consensus loop, its own transport,
// and its own snapshotting per process, which doesn't fit running up to
// 256 independent lightweight groups per node with the exact low-level
// operations this package exposes (Propose, HandleRequestVote,
// HandleVoteResponse, HandleAppendEntries, HandleAppendResponse,
// TakeCommittedEntries). We do reuse hashicorp/raft's Log struct as the
// stored log-entry shape (messages.go).
package raft

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dirkpetersen/claudefs/pkg/clock"
	"github.com/dirkpetersen/claudefs/pkg/metrics"
	"github.com/dirkpetersen/claudefs/pkg/types"
)

// State is one of the three standard Raft roles.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

const (
	// DefaultHeartbeatInterval is how often a leader sends heartbeats.
	DefaultHeartbeatInterval = 50 * time.Millisecond
	// DefaultElectionTimeoutMin/Max bound the randomized election
	// timeout.
	DefaultElectionTimeoutMin = 150 * time.Millisecond
	DefaultElectionTimeoutMax = 300 * time.Millisecond
)

// Config configures one RaftNode.
type Config struct {
	ID    ServerID
	Shard types.ShardId
	Peers []ServerID // all voting members, including ID

	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	Clock clock.Clock
	Rand  *rand.Rand
}

// RaftNode is one shard's Raft replica: election, log replication, and
// commit detection. It does not touch the state machine directly — the
// apply loop drains committed entries via TakeCommittedEntries.
type RaftNode struct {
	mu sync.Mutex

	id    ServerID
	shard types.ShardId
	peers []ServerID

	heartbeatInterval  time.Duration
	electionTimeoutMin time.Duration
	electionTimeoutMax time.Duration
	clock              clock.Clock
	rand               *rand.Rand

	state       State
	currentTerm types.Term
	votedFor    ServerID
	leaderID    ServerID

	// log[0] is a sentinel at index 0, term 0. log[i] is at raft index i.
	log []LogEntry

	commitIndex types.LogIndex
	lastApplied types.LogIndex // highest index handed to TakeCommittedEntries

	// Leader volatile state.
	nextIndex  map[ServerID]types.LogIndex
	matchIndex map[ServerID]types.LogIndex
	votes      map[ServerID]bool

	nextDeadline time.Time // election timeout (follower/candidate) or next heartbeat (leader)

	// commitWaiters lets callers block (via a channel) until a specific
	// index commits: WaitCommitted records a waiter keyed by index, and
	// the leader's commit-index advance closes every waiter at or below
	// the new commit index.
	commitWaiters map[types.LogIndex][]chan struct{}
}

// New constructs a RaftNode starting as a Follower with an empty log.
func New(cfg Config) *RaftNode {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ElectionTimeoutMin == 0 {
		cfg.ElectionTimeoutMin = DefaultElectionTimeoutMin
	}
	if cfg.ElectionTimeoutMax == 0 {
		cfg.ElectionTimeoutMax = DefaultElectionTimeoutMax
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(int64(cfg.Shard) + 1))
	}
	n := &RaftNode{
		id:                 cfg.ID,
		shard:              cfg.Shard,
		peers:              append([]ServerID(nil), cfg.Peers...),
		heartbeatInterval:  cfg.HeartbeatInterval,
		electionTimeoutMin: cfg.ElectionTimeoutMin,
		electionTimeoutMax: cfg.ElectionTimeoutMax,
		clock:              cfg.Clock,
		rand:               cfg.Rand,
		state:              Follower,
		log:                []LogEntry{{Index: 0, Term: 0}},
		nextIndex:          make(map[ServerID]types.LogIndex),
		matchIndex:         make(map[ServerID]types.LogIndex),
		votes:              make(map[ServerID]bool),
		commitWaiters:      make(map[types.LogIndex][]chan struct{}),
	}
	n.resetElectionDeadlineLocked()
	return n
}

// ID returns this node's ServerID.
func (n *RaftNode) ID() ServerID { return n.id }

// Shard returns the shard this node replicates.
func (n *RaftNode) Shard() types.ShardId { return n.shard }

func (n *RaftNode) randomElectionTimeout() time.Duration {
	span := n.electionTimeoutMax - n.electionTimeoutMin
	if span <= 0 {
		return n.electionTimeoutMin
	}
	return n.electionTimeoutMin + time.Duration(n.rand.Int63n(int64(span)))
}

func (n *RaftNode) resetElectionDeadlineLocked() {
	n.nextDeadline = n.clock.Now().Add(n.randomElectionTimeout())
}

func (n *RaftNode) lastLogIndexLocked() types.LogIndex {
	return types.LogIndex(n.log[len(n.log)-1].Index)
}

func (n *RaftNode) lastLogTermLocked() types.Term {
	return types.Term(n.log[len(n.log)-1].Term)
}

func (n *RaftNode) termAtLocked(index types.LogIndex) (types.Term, bool) {
	if int(index) < 0 || int(index) >= len(n.log) {
		return 0, false
	}
	return types.Term(n.log[index].Term), true
}

// State returns the current role.
func (n *RaftNode) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// CurrentTerm returns the current term.
func (n *RaftNode) CurrentTerm() types.Term {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

// LeaderHint returns the last known leader id, or "" if unknown.
func (n *RaftNode) LeaderHint() ServerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID
}

// CommitIndex returns the current commit index.
func (n *RaftNode) CommitIndex() types.LogIndex {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

// becomeFollowerLocked steps down to Follower for the given term,
// clearing leader-only volatile state.
func (n *RaftNode) becomeFollowerLocked(term types.Term) {
	n.state = Follower
	n.currentTerm = term
	n.votedFor = ""
	n.resetElectionDeadlineLocked()
	n.reportMetricsLocked()
}

// reportMetricsLocked publishes this node's role, term, and commit index
// to the per-shard Raft gauges. Called after any state transition so the
// exported gauges never lag the in-memory state by more than one call.
func (n *RaftNode) reportMetricsLocked() {
	shard := fmt.Sprintf("%d", n.shard)
	isLeader := 0.0
	if n.state == Leader {
		isLeader = 1.0
	}
	metrics.RaftIsLeader.WithLabelValues(shard).Set(isLeader)
	metrics.RaftTerm.WithLabelValues(shard).Set(float64(n.currentTerm))
	metrics.RaftCommitIndex.WithLabelValues(shard).Set(float64(n.commitIndex))
}
