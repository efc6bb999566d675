package raft

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testLogger discards everything; raft.Server requires a non-nil
// Logger but tests have no use for its output.
type testLogger struct{}

func (testLogger) Debug(int, string, ...interface{}) {}
func (testLogger) Info(string, ...interface{})       {}
func (testLogger) Error(string, ...interface{})      {}

// fakeStateMachine records every applied command in order, so a test
// can assert both that Propose returned the right value and that the
// apply loop really ran it exactly once, in index order.
type fakeStateMachine struct {
	mu      sync.Mutex
	applied []LogId
	last    LogId
}

func (sm *fakeStateMachine) Apply(id LogId, appData []byte) (interface{}, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.applied = append(sm.applied, id)
	sm.last = id
	return string(appData), nil
}

func (sm *fakeStateMachine) LastApplied() LogId {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.last
}

func (sm *fakeStateMachine) Snapshot() ([]byte, error) { return nil, nil }

func (sm *fakeStateMachine) Restore(id LogId, data []byte) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.last = id
	return nil
}

func newSingleNodeServer(t *testing.T, id ServerId, address string, sm StateMachine) *Server {
	t.Helper()

	servers := ServerSet{
		id: ServerData{LocalAddress: ServerAddress(address), PublicAddress: ServerAddress(address)},
	}

	server, err := NewServer(ServerCfg{
		Id:                 id,
		Servers:            servers,
		DataDirectory:      t.TempDir(),
		Logger:             testLogger{},
		StateMachine:       sm,
		SnapshotThreshold:  1000,
		MinElectionTimeout: 30 * time.Millisecond,
		MaxElectionTimeout: 60 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
	})
	require.NoError(t, err)

	return server
}

// TestSingleNodeElectsItselfLeader exercises the fix that lets a lone
// voter become leader without ever receiving a vote RPC response: the
// self-vote cast in startElection must be tallied immediately.
func TestSingleNodeElectsItselfLeader(t *testing.T) {
	sm := &fakeStateMachine{}
	server := newSingleNodeServer(t, "n1", "127.0.0.1:19101", sm)

	errorChan := make(chan error, 1)
	require.NoError(t, server.Start(errorChan))
	defer server.Stop()

	waitForLeader(t, server)
}

func waitForLeader(t *testing.T, server *Server) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if server.Status().State == ServerStateLeader {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, ServerStateLeader, server.Status().State, "server never became leader")
}

// TestProposeCommitsAndApplies exercises a single-node propose/commit/
// apply round trip end to end over the real file-backed log and
// snapshot stores.
func TestProposeCommitsAndApplies(t *testing.T) {
	sm := &fakeStateMachine{}
	server := newSingleNodeServer(t, "n1", "127.0.0.1:19102", sm)

	errorChan := make(chan error, 1)
	require.NoError(t, server.Start(errorChan))
	defer server.Stop()

	waitForLeader(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id, value, err := server.Propose(ctx, AppPayload([]byte("hello")))
	require.NoError(t, err)
	require.Equal(t, "hello", value)
	require.Greater(t, int64(id.Index), int64(0))
	require.Equal(t, id, sm.LastApplied())
}
