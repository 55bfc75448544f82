package raft

import (
	"github.com/dirkpetersen/claudefs/pkg/types"
	"github.com/hashicorp/raft"
)

// LogEntry is a stored Raft log entry. We reuse hashicorp/raft's Log
// struct directly as the storage record (same {Index, Term, Data} shape
// the FSM apply path consumes) rather than redefining an equivalent type.
type LogEntry = raft.Log

// ServerID identifies a Raft peer. Reused from hashicorp/raft, which
// defines it as a plain string type.
type ServerID = raft.ServerID

// RequestVoteRequest is sent by a candidate soliciting votes.
type RequestVoteRequest struct {
	Term         types.Term
	Candidate    ServerID
	LastLogIndex types.LogIndex
	LastLogTerm  types.Term
}

// RequestVoteResponse is the reply to a RequestVoteRequest.
type RequestVoteResponse struct {
	Voter   ServerID
	Term    types.Term
	Granted bool
}

// AppendEntriesRequest is sent by a leader to replicate log entries (or,
// with an empty Entries slice, as a heartbeat).
type AppendEntriesRequest struct {
	Term              types.Term
	Leader            ServerID
	PrevLogIndex      types.LogIndex
	PrevLogTerm       types.Term
	Entries           []LogEntry
	LeaderCommitIndex types.LogIndex
}

// AppendEntriesResponse is the reply to an AppendEntriesRequest.
type AppendEntriesResponse struct {
	Responder      ServerID
	Term           types.Term
	Success        bool
	// LastLogIndex lets the leader fast-forward nextIndex on conflict
	// instead of decrementing one entry at a time.
	LastLogIndex types.LogIndex
}

// OutboundAppendEntries pairs a destination peer with the request to
// send it — the "batch of AppendEntries messages to followers" Propose
// returns.
type OutboundAppendEntries struct {
	To      ServerID
	Request AppendEntriesRequest
}

// OutboundRequestVote pairs a destination peer with a vote request, sent
// by a candidate on election timeout.
type OutboundRequestVote struct {
	To      ServerID
	Request RequestVoteRequest
}
