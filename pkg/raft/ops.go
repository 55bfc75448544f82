package raft

import (
	"github.com/dirkpetersen/claudefs/pkg/types"
)

// Propose appends op to the leader's log at the next index and returns
// the AppendEntries messages to send to every peer. Fails
// NotLeader{hint} if this node isn't the leader.
func (n *RaftNode) Propose(group types.OpGroup) (types.LogIndex, []OutboundAppendEntries, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != Leader {
		return 0, nil, &types.ClaudefsError{Kind: types.KindNotLeader, Op: "Propose", Shard: n.shard, Hint: n.leaderID}
	}

	data, err := group.MarshalBinary()
	if err != nil {
		return 0, nil, &types.ClaudefsError{Kind: types.KindRaftError, Op: "Propose", Shard: n.shard, Reason: err.Error(), Err: err}
	}

	index := n.lastLogIndexLocked() + 1
	entry := LogEntry{Index: uint64(index), Term: uint64(n.currentTerm), Data: data}
	n.log = append(n.log, entry)
	n.matchIndex[n.id] = index
	n.nextIndex[n.id] = index + 1

	msgs := n.replicationMessagesLocked()
	return index, msgs, nil
}

// replicationMessagesLocked builds one AppendEntriesRequest per peer
// (excluding self) carrying every entry that peer is missing, or an
// empty heartbeat if the peer is caught up.
func (n *RaftNode) replicationMessagesLocked() []OutboundAppendEntries {
	var out []OutboundAppendEntries
	for _, peer := range n.peers {
		if peer == n.id {
			continue
		}
		next, ok := n.nextIndex[peer]
		if !ok || next < 1 {
			next = n.lastLogIndexLocked() + 1
		}
		prevIndex := next - 1
		prevTerm, _ := n.termAtLocked(prevIndex)

		var entries []LogEntry
		if int(next) <= int(n.lastLogIndexLocked()) {
			entries = append(entries, n.log[next:]...)
		}

		out = append(out, OutboundAppendEntries{
			To: peer,
			Request: AppendEntriesRequest{
				Term:              n.currentTerm,
				Leader:            n.id,
				PrevLogIndex:      prevIndex,
				PrevLogTerm:       prevTerm,
				Entries:           entries,
				LeaderCommitIndex: n.commitIndex,
			},
		})
	}
	return out
}

// HandleRequestVote applies the standard Raft voting rules:
// higher term always wins; grant only if the candidate's log is at
// least as up to date as ours and we haven't voted for someone else this
// term.
func (n *RaftNode) HandleRequestVote(req RequestVoteRequest) RequestVoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return RequestVoteResponse{Voter: n.id, Term: n.currentTerm, Granted: false}
	}
	if req.Term > n.currentTerm {
		n.becomeFollowerLocked(req.Term)
	}

	upToDate := req.LastLogTerm > n.lastLogTermLocked() ||
		(req.LastLogTerm == n.lastLogTermLocked() && req.LastLogIndex >= n.lastLogIndexLocked())

	canVote := n.votedFor == "" || n.votedFor == req.Candidate
	if canVote && upToDate {
		n.votedFor = req.Candidate
		n.resetElectionDeadlineLocked()
		return RequestVoteResponse{Voter: n.id, Term: n.currentTerm, Granted: true}
	}
	return RequestVoteResponse{Voter: n.id, Term: n.currentTerm, Granted: false}
}

// HandleVoteResponse records a vote reply; once a majority is reached the
// node becomes Leader and initializes leader volatile state. Returns the
// initial heartbeat batch if leadership was just won, else nil.
func (n *RaftNode) HandleVoteResponse(resp RequestVoteResponse) []OutboundAppendEntries {
	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.Term > n.currentTerm {
		n.becomeFollowerLocked(resp.Term)
		return nil
	}
	if n.state != Candidate || resp.Term != n.currentTerm || !resp.Granted {
		return nil
	}

	n.votes[resp.Voter] = true
	if n.countVotesLocked() < n.quorumLocked() {
		return nil
	}

	n.state = Leader
	n.leaderID = n.id
	lastIdx := n.lastLogIndexLocked()
	n.nextIndex = make(map[ServerID]types.LogIndex)
	n.matchIndex = make(map[ServerID]types.LogIndex)
	for _, p := range n.peers {
		n.nextIndex[p] = lastIdx + 1
		n.matchIndex[p] = 0
	}
	n.matchIndex[n.id] = lastIdx
	n.resetElectionDeadlineLocked() // reused as next-heartbeat deadline while leader
	n.reportMetricsLocked()
	return n.replicationMessagesLocked()
}

func (n *RaftNode) countVotesLocked() int {
	count := 0
	for _, granted := range n.votes {
		if granted {
			count++
		}
	}
	return count
}

func (n *RaftNode) quorumLocked() int {
	return len(n.peers)/2 + 1
}

// HandleAppendEntries applies the standard Raft log-consistency check
// and, on success, appends any new entries and advances the
// commit index to min(leaderCommit, index of last new entry).
func (n *RaftNode) HandleAppendEntries(req AppendEntriesRequest) AppendEntriesResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return AppendEntriesResponse{Responder: n.id, Term: n.currentTerm, Success: false, LastLogIndex: n.lastLogIndexLocked()}
	}
	if req.Term > n.currentTerm || n.state != Follower {
		n.becomeFollowerLocked(req.Term)
	}
	n.leaderID = req.Leader
	n.resetElectionDeadlineLocked()

	prevTerm, ok := n.termAtLocked(req.PrevLogIndex)
	if !ok || prevTerm != req.PrevLogTerm {
		return AppendEntriesResponse{Responder: n.id, Term: n.currentTerm, Success: false, LastLogIndex: n.lastLogIndexLocked()}
	}

	// Truncate conflicting suffix and append new entries.
	insertAt := req.PrevLogIndex + 1
	for i, entry := range req.Entries {
		idx := insertAt + types.LogIndex(i)
		if int(idx) < len(n.log) {
			if types.Term(n.log[idx].Term) != types.Term(entry.Term) {
				n.log = n.log[:idx]
				n.log = append(n.log, req.Entries[i:]...)
				break
			}
			continue
		}
		n.log = append(n.log, req.Entries[i:]...)
		break
	}

	if req.LeaderCommitIndex > n.commitIndex {
		last := n.lastLogIndexLocked()
		if req.LeaderCommitIndex < last {
			n.commitIndex = req.LeaderCommitIndex
		} else {
			n.commitIndex = last
		}
	}

	return AppendEntriesResponse{Responder: n.id, Term: n.currentTerm, Success: true, LastLogIndex: n.lastLogIndexLocked()}
}

// HandleAppendResponse updates leader-side replication progress and
// advances commitIndex once a majority of peers have replicated an
// index. Returns messages to retry sending
// if the follower needed backfill.
func (n *RaftNode) HandleAppendResponse(resp AppendEntriesResponse) []OutboundAppendEntries {
	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.Term > n.currentTerm {
		n.becomeFollowerLocked(resp.Term)
		return nil
	}
	if n.state != Leader {
		return nil
	}

	if !resp.Success {
		next := resp.LastLogIndex + 1
		if next < 1 {
			next = 1
		}
		n.nextIndex[resp.Responder] = next
		return []OutboundAppendEntries{n.appendMessageForLocked(resp.Responder)}
	}

	n.matchIndex[resp.Responder] = resp.LastLogIndex
	n.nextIndex[resp.Responder] = resp.LastLogIndex + 1
	n.advanceCommitIndexLocked()
	return nil
}

func (n *RaftNode) appendMessageForLocked(peer ServerID) OutboundAppendEntries {
	next := n.nextIndex[peer]
	if next < 1 {
		next = n.lastLogIndexLocked() + 1
	}
	prevIndex := next - 1
	prevTerm, _ := n.termAtLocked(prevIndex)
	var entries []LogEntry
	if int(next) <= int(n.lastLogIndexLocked()) {
		entries = append(entries, n.log[next:]...)
	}
	return OutboundAppendEntries{
		To: peer,
		Request: AppendEntriesRequest{
			Term:              n.currentTerm,
			Leader:            n.id,
			PrevLogIndex:      prevIndex,
			PrevLogTerm:       prevTerm,
			Entries:           entries,
			LeaderCommitIndex: n.commitIndex,
		},
	}
}

// advanceCommitIndexLocked implements the Raft commit rule: commit the
// highest index replicated to a majority, provided that entry was
// proposed in the current term (never commit entries from a prior term
// by counting replicas alone).
func (n *RaftNode) advanceCommitIndexLocked() {
	for idx := n.lastLogIndexLocked(); idx > n.commitIndex; idx-- {
		term, ok := n.termAtLocked(idx)
		if !ok || term != n.currentTerm {
			continue
		}
		count := 0
		for _, peer := range n.peers {
			if n.matchIndex[peer] >= idx {
				count++
			}
		}
		if count >= n.quorumLocked() {
			n.commitIndex = idx
			n.fulfillWaitersLocked(idx)
			n.reportMetricsLocked()
			return
		}
	}
}

func (n *RaftNode) fulfillWaitersLocked(upTo types.LogIndex) {
	for idx, chans := range n.commitWaiters {
		if idx > upTo {
			continue
		}
		for _, ch := range chans {
			close(ch)
		}
		delete(n.commitWaiters, idx)
	}
}

// TakeCommittedEntries drains entries whose index <= commit_index and
// have not yet been handed to the state machine.
func (n *RaftNode) TakeCommittedEntries() []LogEntry {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.lastApplied >= n.commitIndex {
		return nil
	}
	start := n.lastApplied + 1
	end := n.commitIndex
	out := make([]LogEntry, 0, end-start+1)
	for idx := start; idx <= end; idx++ {
		if int(idx) < len(n.log) {
			out = append(out, n.log[idx])
		}
	}
	n.lastApplied = end
	return out
}

// WaitCommitted returns a channel that closes once index commits, a
// one-shot commit-notification channel per proposal. Cancellation
// is the caller's responsibility — simply stop waiting on the channel;
// dropping it does not roll back an already-committed entry.
func (n *RaftNode) WaitCommitted(index types.LogIndex) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan struct{})
	if index <= n.commitIndex {
		close(ch)
		return ch
	}
	n.commitWaiters[index] = append(n.commitWaiters[index], ch)
	return ch
}

// Tick drives election timeouts and heartbeat emission. Callers should
// invoke it periodically (e.g. every few ms); it reads the time from the
// node's clock and returns any messages that need sending as a result.
type TickResult struct {
	RequestVotes   []OutboundRequestVote
	AppendEntries  []OutboundAppendEntries
	BecameCandidate bool
}

func (n *RaftNode) Tick() TickResult {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock.Now()
	if now.Before(n.nextDeadline) {
		return TickResult{}
	}

	switch n.state {
	case Leader:
		n.nextDeadline = now.Add(n.heartbeatInterval)
		return TickResult{AppendEntries: n.replicationMessagesLocked()}
	default:
		// Election timeout: become candidate, vote for self, request
		// votes from every peer.
		n.state = Candidate
		n.currentTerm++
		n.votedFor = n.id
		n.votes = map[ServerID]bool{n.id: true}
		n.leaderID = ""
		n.resetElectionDeadlineLocked()

		if n.countVotesLocked() >= n.quorumLocked() {
			n.state = Leader
			n.leaderID = n.id
			lastIdx := n.lastLogIndexLocked()
			n.nextIndex = make(map[ServerID]types.LogIndex)
			n.matchIndex = make(map[ServerID]types.LogIndex)
			for _, p := range n.peers {
				n.nextIndex[p] = lastIdx + 1
				n.matchIndex[p] = 0
			}
			n.matchIndex[n.id] = lastIdx
			n.reportMetricsLocked()
			return TickResult{AppendEntries: n.replicationMessagesLocked()}
		}

		n.reportMetricsLocked()
		req := RequestVoteRequest{
			Term:         n.currentTerm,
			Candidate:    n.id,
			LastLogIndex: n.lastLogIndexLocked(),
			LastLogTerm:  n.lastLogTermLocked(),
		}
		var out []OutboundRequestVote
		for _, peer := range n.peers {
			if peer == n.id {
				continue
			}
			out = append(out, OutboundRequestVote{To: peer, Request: req})
		}
		return TickResult{RequestVotes: out, BecameCandidate: true}
	}
}
