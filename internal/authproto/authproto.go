// Package authproto implements the signed-request authentication
// protocol every write and read in internal/clientapi is checked
// against: look up the caller's registered key, compare the nonce it
// claims against the one on record, then verify a signature over a
// canonical, domain-separated message. Translated from the original
// Rust server's three-step check (lookup, nonce, signature), not
// copied line for line.
package authproto

import (
	"encoding/binary"

	"github.com/Konstantin-Sh/passvault/internal/apperror"
	"github.com/Konstantin-Sh/passvault/internal/statemachine"
)

// AuthSignature is the envelope every authenticated request carries,
// exactly the fields the original protocol signs over.
type AuthSignature struct {
	UserId []byte `json:"userId"`
	Nonce  uint64 `json:"nonce"`

	Signature []byte `json:"signature"`

	// ChallengeNum/Challenge are carried for wire compatibility with
	// the deprecated challenge/token protocol's request shape but are
	// not checked: this module only ever verifies the nonce-based
	// scheme.
	ChallengeNum uint64 `json:"challengeNum,omitempty"`
	Challenge    []byte `json:"challenge,omitempty"`
}

// Verifier checks a signature against a public key. It is the seam
// that keeps the actual scheme a deployment parameter: swapping in a
// lattice-based verifier later means writing one more implementation
// of this interface, not touching VerifyRequest.
type Verifier interface {
	Verify(pubKey, message, signature []byte) bool
}

// CanonicalMessage builds the exact byte sequence a signature is
// computed over: the method name, the nonce as 8 big-endian bytes,
// then the request payload with the auth envelope itself removed.
func CanonicalMessage(nonce uint64, methodName string, payloadWithoutAuth []byte) []byte {
	message := make([]byte, 0, len(methodName)+8+len(payloadWithoutAuth))
	message = append(message, methodName...)

	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	message = append(message, nonceBytes[:]...)

	message = append(message, payloadWithoutAuth...)
	return message
}

// VerifyRequest runs the three-step check: the caller must be
// registered, its claimed nonce must match the one on record, and the
// signature over CanonicalMessage must verify under the registered
// public key. It returns the caller's UserId on success.
//
// This only reads applied state (via view); it never mutates
// anything and never touches Raft. The actual nonce bump happens
// deterministically inside statemachine.Apply once the resulting
// command commits, which re-checks the nonce to close the race window
// between this pre-check and that commit.
func VerifyRequest(view func(func(*statemachine.Data)), verifier Verifier, methodName string, auth AuthSignature, payloadWithoutAuth []byte) (statemachine.UserId, error) {
	userId := statemachine.UserId(auth.UserId)

	var entry statemachine.AuthEntry
	var found bool

	view(func(data *statemachine.Data) {
		entry, found = data.Auth[userId.Key()]
	})

	if !found {
		return nil, apperror.ErrNotRegistered
	}

	if auth.Nonce != entry.Nonce {
		return nil, apperror.ErrBadNonce
	}

	message := CanonicalMessage(auth.Nonce, methodName, payloadWithoutAuth)
	if !verifier.Verify(entry.PubKey, message, auth.Signature) {
		return nil, apperror.ErrBadSignature
	}

	return userId, nil
}
