package raft

import "errors"

// Log store error kinds.
var (
	// ErrCorruption indicates the on-disk log or hard state could not
	// be decoded. Fatal; the caller should surface it to the operator
	// rather than retry.
	ErrCorruption = errors.New("raft: log store corruption")

	// ErrOutOfRange indicates a read past the end of the log, or a
	// read of an index already truncated by a snapshot.
	ErrOutOfRange = errors.New("raft: index out of range")
)

// ErrNotLeader is returned by Propose when this replica does not
// believe itself to be leader. Hint, if non-empty, names a replica
// more likely to be leader.
type ErrNotLeader struct {
	Hint ServerId
}

func (e *ErrNotLeader) Error() string {
	if e.Hint == "" {
		return "raft: not leader"
	}
	return "raft: not leader, try " + string(e.Hint)
}

// ErrUnavailable indicates the server is shutting down: Propose was
// called after Stop, or a proposal was still waiting for its result
// when the server stopped. The caller should retry with backoff.
var ErrUnavailable = errors.New("raft: unavailable")
