// Package apperror declares the sentinel errors shared between the
// state machine, the auth protocol and the client API, so the HTTP
// boundary can translate any of them with errors.Is/errors.As without
// the lower layers importing net/http.
package apperror

import (
	"errors"
	"fmt"

	"github.com/Konstantin-Sh/passvault/pkg/raft"
)

var (
	ErrNotRegistered     = errors.New("passvault: user not registered")
	ErrAlreadyRegistered = errors.New("passvault: user already registered")
	ErrBadNonce          = errors.New("passvault: nonce mismatch")
	ErrBadSignature      = errors.New("passvault: signature verification failed")
	ErrNotFound          = errors.New("passvault: record not found")
	ErrVersionConflict   = errors.New("passvault: record version conflict")
	ErrForbidden         = errors.New("passvault: record does not belong to this user")
	ErrInvalidUserId     = errors.New("passvault: user id exceeds maximum length")
	ErrUnavailable       = errors.New("passvault: cluster unavailable")
	ErrInternal          = errors.New("passvault: internal error")
)

// NotLeaderError is returned when a write lands on a replica that is
// not the current leader. Hint, when non-empty, names a replica the
// caller should retry against.
type NotLeaderError struct {
	Hint raft.ServerId
}

func (e *NotLeaderError) Error() string {
	if e.Hint == "" {
		return "passvault: not leader"
	}
	return fmt.Sprintf("passvault: not leader, try %s", e.Hint)
}

// FromRaftError maps errors surfaced by the raft core onto this
// package's sentinels, so the client API only ever needs to switch on
// apperror values regardless of which layer produced the failure.
func FromRaftError(err error) error {
	if err == nil {
		return nil
	}

	var notLeader *raft.ErrNotLeader
	if errors.As(err, &notLeader) {
		return &NotLeaderError{Hint: notLeader.Hint}
	}

	if errors.Is(err, raft.ErrUnavailable) {
		return ErrUnavailable
	}

	return fmt.Errorf("%w: %v", ErrInternal, err)
}
