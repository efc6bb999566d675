package statemachine

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Konstantin-Sh/passvault/pkg/raft"
)

// Machine adapts Data/Apply to raft.StateMachine: it owns the single
// mutable copy of Data, guarded by a mutex so the apply loop (the
// only writer) and the client API's read-only handlers (readers) can
// never observe a half-applied entry.
type Machine struct {
	mu   sync.RWMutex
	data *Data
}

func New() *Machine {
	return &Machine{data: NewData()}
}

func (m *Machine) Apply(id raft.LogId, appData []byte) (interface{}, error) {
	var cmd Command
	if err := json.Unmarshal(appData, &cmd); err != nil {
		return nil, fmt.Errorf("cannot decode command: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return Apply(m.data, id, cmd), nil
}

func (m *Machine) LastApplied() raft.LogId {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.LastApplied
}

// Snapshot JSON-encodes the entire state. encoding/json sorts
// string-keyed (and, by converting them to decimal strings,
// integer-keyed) map keys before writing them out, so two replicas
// with the same Data always produce byte-identical output without
// this package needing its own key-sorting pass.
func (m *Machine) Snapshot() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.data)
}

func (m *Machine) Restore(id raft.LogId, body []byte) error {
	data := NewData()
	if err := json.Unmarshal(body, data); err != nil {
		return fmt.Errorf("cannot decode snapshot: %w", err)
	}
	data.LastApplied = id

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data

	return nil
}

// View grants read-only access to the current state to
// internal/clientapi's read handlers, which answer directly from the
// local replica's applied state rather than proposing a no-op write.
func (m *Machine) View(fn func(*Data)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.data)
}

// EncodeCommand serializes cmd for use as a raft.AppPayload's
// AppData, the wire format internal/clientapi builds before calling
// Server.Propose.
func EncodeCommand(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}
