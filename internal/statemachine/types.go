// Package statemachine implements the deterministic application
// state a passvault cluster replicates: registered users, their
// current nonce, and the per-user record store. Everything in this
// package is a pure function of (state, committed entry) — no clock,
// no RNG, no goroutine-local state — so every replica that applies
// the same log ends up byte-identical, per the single-threaded apply
// loop in pkg/raft.
package statemachine

import (
	"encoding/hex"

	"github.com/Konstantin-Sh/passvault/pkg/raft"
)

// UserId is the raw public identifier of a registered user, carried
// as opaque bytes since the auth protocol treats it the same way
// regardless of signature scheme.
type UserId []byte

// Key returns the map key used for Data.Auth/Data.Records: a hex
// encoding, so it is both a valid JSON object key and stable across
// process restarts and replicas.
func (id UserId) Key() string {
	return hex.EncodeToString(id)
}

func KeyToUserId(key string) (UserId, error) {
	return hex.DecodeString(key)
}

// AuthEntry is everything the state machine keeps about a registered
// user: the public key it will verify future signatures against, and
// the next nonce it expects.
type AuthEntry struct {
	PubKey []byte `json:"pubKey"`
	Nonce  uint64 `json:"nonce"`
}

// Record is one opaque, user-owned blob, versioned for optimistic
// concurrency.
type Record struct {
	Id     uint64 `json:"id"`
	Ver    uint64 `json:"ver"`
	UserId UserId `json:"userId"`
	Data   []byte `json:"data"`
}

// Data is the entire replicated state. Auth and Records are keyed by
// UserId.Key(); Records' inner map is keyed by Record.Id.
type Data struct {
	LastApplied raft.LogId `json:"lastApplied"`

	Auth    map[string]AuthEntry     `json:"auth"`
	Records map[string]map[uint64]Record `json:"records"`

	LastMembershipLogId raft.LogId      `json:"lastMembershipLogId"`
	LastMembership      raft.Membership `json:"lastMembership"`
}

func NewData() *Data {
	return &Data{
		Auth:    make(map[string]AuthEntry),
		Records: make(map[string]map[uint64]Record),
	}
}

// CommandKind tags the Command union carried inside a raft.LogPayload
// of kind raft.LogPayloadApp.
type CommandKind string

const (
	CommandRegister   CommandKind = "register"
	CommandSetOne     CommandKind = "setOne"
	CommandSetMany    CommandKind = "setMany"
	CommandDeleteById CommandKind = "deleteById"
	CommandDeleteAll  CommandKind = "deleteAll"
)

// Command is the opaque payload internal/clientapi encodes into
// raft.AppPayload before calling Server.Propose. NewNonce is the
// value the user's nonce is bumped to on success; every authenticated
// command folds the "bump nonce" step in rather than treating it as a
// separate operation. ExpectNonce is the nonce the
// proposer observed when it built the command; Apply re-checks it
// against the committed state to catch two proposals racing for the
// same user (the client service already checked it once before
// proposing, but only the apply loop's check is authoritative).
type Command struct {
	Kind CommandKind `json:"kind"`

	UserId      UserId `json:"userId"`
	ExpectNonce uint64 `json:"expectNonce"`
	NewNonce    uint64 `json:"newNonce"`

	PubKey []byte `json:"pubKey,omitempty"` // Register

	Record  Record   `json:"record,omitempty"`  // SetOne
	Records []Record `json:"records,omitempty"` // SetMany

	RecordId uint64 `json:"recordId,omitempty"` // DeleteById
}

// ResultKind tags the ApplyResult union.
type ResultKind string

const (
	ResultOk                ResultKind = "ok"
	ResultAlreadyRegistered ResultKind = "alreadyRegistered"
	ResultNotRegistered     ResultKind = "notRegistered"
	ResultVersionConflict   ResultKind = "versionConflict"
	ResultNotFound          ResultKind = "notFound"
	ResultNonceRace         ResultKind = "nonceRace"
)

// ApplyResult is what Apply hands back for a single command, which
// internal/clientapi translates into an HTTP status and body.
type ApplyResult struct {
	Kind ResultKind `json:"kind"`

	Record  Record   `json:"record,omitempty"`  // Ok (SetOne), VersionConflict (the stored record)
	Records []Record `json:"records,omitempty"` // Ok (SetMany)
}
