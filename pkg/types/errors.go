package types

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the error kinds surfaced at the ClaudeFS system
// boundary. Precondition failures are returned immediately;
// transient/retryable kinds may be retried with backoff by the facade;
// consistency violations are fatal for the affected shard.
type ErrorKind string

const (
	KindInodeNotFound     ErrorKind = "InodeNotFound"
	KindEntryNotFound     ErrorKind = "EntryNotFound"
	KindAlreadyExists     ErrorKind = "AlreadyExists"
	KindNotDirectory      ErrorKind = "NotDirectory"
	KindNotEmpty          ErrorKind = "NotEmpty"
	KindNotSymlink        ErrorKind = "NotSymlink"
	KindCrossShardRename  ErrorKind = "CrossShardRename"
	KindNotLeader         ErrorKind = "NotLeader"
	KindRaftError         ErrorKind = "RaftError"
	KindCapacityExceeded  ErrorKind = "CapacityExceeded"
	KindTruncated         ErrorKind = "Truncated"
	KindLeaseConflict     ErrorKind = "LeaseConflict"
	KindExpired           ErrorKind = "Expired"
	KindDeadlineExceeded  ErrorKind = "DeadlineExceeded"
	KindUnknownLease      ErrorKind = "UnknownLease"
	KindNotManagedHere    ErrorKind = "NotManagedHere"
	KindWouldBlock        ErrorKind = "WouldBlock"
)

// Retryable reports whether the facade may transparently retry an error of
// this kind with capped exponential backoff.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNotLeader, KindDeadlineExceeded, KindRaftError:
		return true
	default:
		return false
	}
}

// ClaudefsError is the tagged error type returned at every ClaudeFS
// component boundary. Fields beyond Kind are populated per-kind (e.g.
// Hint for NotLeader, Parent/Name for EntryNotFound).
type ClaudefsError struct {
	Kind   ErrorKind
	Op     string
	Ino    InodeId
	Parent InodeId
	Name   string
	Shard  ShardId
	Hint   NodeId // leader hint for NotLeader
	Reason string
	Err    error // wrapped underlying cause, if any
}

func (e *ClaudefsError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	switch e.Kind {
	case KindEntryNotFound:
		msg = fmt.Sprintf("%s: entry not found: parent=%d name=%q", e.Op, e.Parent, e.Name)
	case KindNotLeader:
		if e.Hint != "" {
			msg = fmt.Sprintf("%s: not leader (hint=%s)", e.Op, e.Hint)
		} else {
			msg = fmt.Sprintf("%s: not leader", e.Op)
		}
	case KindNotManagedHere:
		msg = fmt.Sprintf("%s: shard %d not managed here", e.Op, e.Shard)
	case KindRaftError:
		msg = fmt.Sprintf("%s: raft error: %s", e.Op, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ClaudefsError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, SomeKindSentinel) style matching against a
// ClaudefsError carrying the same Kind.
func (e *ClaudefsError) Is(target error) bool {
	var other *ClaudefsError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// NewError builds a ClaudefsError of the given kind for the given op.
func NewError(kind ErrorKind, op string) *ClaudefsError {
	return &ClaudefsError{Kind: kind, Op: op}
}

// KindOf extracts the ErrorKind from err, ok=false if err is not (or does
// not wrap) a *ClaudefsError.
func KindOf(err error) (ErrorKind, bool) {
	var ce *ClaudefsError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}
