package clientapi

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Konstantin-Sh/passvault/internal/authproto"
	"github.com/Konstantin-Sh/passvault/internal/statemachine"
	"github.com/Konstantin-Sh/passvault/pkg/raft"
)

type nopLogger struct{}

func (nopLogger) Debug(int, string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})       {}
func (nopLogger) Error(string, ...interface{})      {}

// newTestServer spins up a real single-node raft.Server, backed by the
// real statemachine.Machine, wired into a clientapi.Server, so these
// tests exercise the whole write path (propose, commit, apply, replay
// defense) rather than mocking any one layer.
func newTestServer(t *testing.T, address string) *Server {
	t.Helper()

	machine := statemachine.New()

	servers := raft.ServerSet{
		"n1": raft.ServerData{LocalAddress: raft.ServerAddress(address), PublicAddress: raft.ServerAddress(address)},
	}

	raftServer, err := raft.NewServer(raft.ServerCfg{
		Id:                 "n1",
		Servers:            servers,
		DataDirectory:      t.TempDir(),
		Logger:             nopLogger{},
		StateMachine:       machine,
		SnapshotThreshold:  1000,
		MinElectionTimeout: 30 * time.Millisecond,
		MaxElectionTimeout: 60 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
	})
	require.NoError(t, err)

	errorChan := make(chan error, 1)
	require.NoError(t, raftServer.Start(errorChan))
	t.Cleanup(raftServer.Stop)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && raftServer.Status().State != raft.ServerStateLeader {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, raft.ServerStateLeader, raftServer.Status().State, "server never became leader")

	return New(raftServer, machine, authproto.Ed25519Verifier{}, nopLogger{})
}

func signGetById(t *testing.T, priv ed25519.PrivateKey, userId []byte, nonce uint64, recordId uint64) GetByIdRequest {
	t.Helper()

	payload, err := json.Marshal(struct {
		RecordId uint64 `json:"recordId"`
	}{recordId})
	require.NoError(t, err)

	message := authproto.CanonicalMessage(nonce, "GetById", payload)
	signature := ed25519.Sign(priv, message)

	return GetByIdRequest{
		Auth: authproto.AuthSignature{
			UserId:    userId,
			Nonce:     nonce,
			Signature: signature,
		},
		RecordId: recordId,
	}
}

func signSetOne(t *testing.T, priv ed25519.PrivateKey, userId []byte, nonce uint64, record WireRecord) SetOneRequest {
	t.Helper()

	payload, err := json.Marshal(struct {
		Record WireRecord `json:"record"`
	}{record})
	require.NoError(t, err)

	message := authproto.CanonicalMessage(nonce, "SetOne", payload)
	signature := ed25519.Sign(priv, message)

	return SetOneRequest{
		Auth: authproto.AuthSignature{
			UserId:    userId,
			Nonce:     nonce,
			Signature: signature,
		},
		Record: record,
	}
}

func TestRegisterThenSetOne(t *testing.T) {
	s := newTestServer(t, "127.0.0.1:19201")
	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	userId := []byte("alice")

	regRes, err := s.Register(ctx, RegisterRequest{UserId: userId, PubKey: pub})
	require.NoError(t, err)

	record := WireRecord{Id: 1, Ver: 1, UserId: userId, Data: []byte("secret")}
	req := signSetOne(t, priv, userId, regRes.Nonce, record)

	require.NoError(t, s.SetOne(ctx, req))

	got, err := s.GetById(signGetById(t, priv, userId, regRes.Nonce+1, 1))
	require.NoError(t, err)
	require.Equal(t, "secret", string(got.Record.Data))
}

func TestReplayedNonceIsRejected(t *testing.T) {
	s := newTestServer(t, "127.0.0.1:19202")
	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	userId := []byte("bob")

	regRes, err := s.Register(ctx, RegisterRequest{UserId: userId, PubKey: pub})
	require.NoError(t, err)

	record := WireRecord{Id: 1, Ver: 1, UserId: userId, Data: []byte("secret")}
	req := signSetOne(t, priv, userId, regRes.Nonce, record)

	require.NoError(t, s.SetOne(ctx, req))

	// Replay the exact same signed request: the nonce it carries has
	// already been consumed, so this must be rejected rather than
	// silently re-applied.
	require.Error(t, s.SetOne(ctx, req))
}

func TestVersionConflictOnStaleWrite(t *testing.T) {
	s := newTestServer(t, "127.0.0.1:19203")
	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	userId := []byte("carol")

	regRes, err := s.Register(ctx, RegisterRequest{UserId: userId, PubKey: pub})
	require.NoError(t, err)

	first := WireRecord{Id: 1, Ver: 2, UserId: userId, Data: []byte("v2")}
	require.NoError(t, s.SetOne(ctx, signSetOne(t, priv, userId, regRes.Nonce, first)))

	// Writing a Ver strictly less than the stored one must be rejected
	// as a stale write.
	stale := WireRecord{Id: 1, Ver: 1, UserId: userId, Data: []byte("v1")}
	require.Error(t, s.SetOne(ctx, signSetOne(t, priv, userId, regRes.Nonce+1, stale)))
}

func TestEqualVersionRewriteSucceeds(t *testing.T) {
	s := newTestServer(t, "127.0.0.1:19204")
	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	userId := []byte("dave")

	regRes, err := s.Register(ctx, RegisterRequest{UserId: userId, PubKey: pub})
	require.NoError(t, err)

	first := WireRecord{Id: 1, Ver: 3, UserId: userId, Data: []byte("v3")}
	require.NoError(t, s.SetOne(ctx, signSetOne(t, priv, userId, regRes.Nonce, first)))

	// A rewrite at the same Ver is last-writer-wins, not a conflict.
	again := WireRecord{Id: 1, Ver: 3, UserId: userId, Data: []byte("v3-again")}
	require.NoError(t, s.SetOne(ctx, signSetOne(t, priv, userId, regRes.Nonce+1, again)))

	got, err := s.GetById(signGetById(t, priv, userId, regRes.Nonce+2, 1))
	require.NoError(t, err)
	require.Equal(t, "v3-again", string(got.Record.Data))
}
