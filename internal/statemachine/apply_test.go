package statemachine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Konstantin-Sh/passvault/pkg/raft"
)

func logId(index raft.LogIndex) raft.LogId {
	return raft.LogId{Term: 1, Index: index}
}

func TestApplyRegister(t *testing.T) {
	data := NewData()
	user := UserId("user-1")

	res := Apply(data, logId(1), Command{
		Kind: CommandRegister, UserId: user, NewNonce: 1, PubKey: []byte("pk"),
	})
	require.Equal(t, ResultOk, res.Kind)

	res = Apply(data, logId(2), Command{
		Kind: CommandRegister, UserId: user, NewNonce: 1, PubKey: []byte("pk"),
	})
	require.Equal(t, ResultAlreadyRegistered, res.Kind)
}

func TestApplySetOneNotRegistered(t *testing.T) {
	data := NewData()

	res := Apply(data, logId(1), Command{
		Kind: CommandSetOne, UserId: UserId("ghost"),
		Record: Record{Id: 1, Ver: 1},
	})
	require.Equal(t, ResultNotRegistered, res.Kind)
}

func TestApplySetOneVersioning(t *testing.T) {
	data := NewData()
	user := UserId("user-1")

	Apply(data, logId(1), Command{Kind: CommandRegister, UserId: user, NewNonce: 1})

	// A first write stores whatever Ver the client sent, verbatim —
	// there is no requirement that it start at 1.
	res := Apply(data, logId(2), Command{
		Kind: CommandSetOne, UserId: user, ExpectNonce: 1, NewNonce: 2,
		Record: Record{Id: 1, Ver: 5, UserId: user, Data: []byte("a")},
	})
	require.Equal(t, ResultOk, res.Kind)
	require.Equal(t, uint64(5), res.Record.Ver)

	// A write at the same Ver as the stored record is accepted:
	// last-writer-wins, not rejected as a conflict.
	res = Apply(data, logId(3), Command{
		Kind: CommandSetOne, UserId: user, ExpectNonce: 2, NewNonce: 3,
		Record: Record{Id: 1, Ver: 5, UserId: user, Data: []byte("b")},
	})
	require.Equal(t, ResultOk, res.Kind)
	require.Equal(t, uint64(5), res.Record.Ver)
	require.Equal(t, "b", string(res.Record.Data))

	// Only a Ver strictly less than the stored one is rejected, and the
	// stored record is reported back unchanged.
	res = Apply(data, logId(4), Command{
		Kind: CommandSetOne, UserId: user, ExpectNonce: 3, NewNonce: 4,
		Record: Record{Id: 1, Ver: 4, UserId: user, Data: []byte("c")},
	})
	require.Equal(t, ResultVersionConflict, res.Kind)
	require.Equal(t, uint64(5), res.Record.Ver)
	require.Equal(t, "b", string(res.Record.Data))
}

func TestApplyNonceRace(t *testing.T) {
	data := NewData()
	user := UserId("user-1")

	Apply(data, logId(1), Command{Kind: CommandRegister, UserId: user, NewNonce: 1})

	// Two commands built against the same ExpectNonce: only the first
	// one to apply succeeds, the second is rejected as a nonce race
	// rather than silently re-applied.
	res1 := Apply(data, logId(2), Command{
		Kind: CommandDeleteAll, UserId: user, ExpectNonce: 1, NewNonce: 2,
	})
	require.Equal(t, ResultOk, res1.Kind)

	res2 := Apply(data, logId(3), Command{
		Kind: CommandDeleteAll, UserId: user, ExpectNonce: 1, NewNonce: 2,
	})
	require.Equal(t, ResultNonceRace, res2.Kind)
}

func TestApplyDeleteById(t *testing.T) {
	data := NewData()
	user := UserId("user-1")

	Apply(data, logId(1), Command{Kind: CommandRegister, UserId: user, NewNonce: 1})
	Apply(data, logId(2), Command{
		Kind: CommandSetOne, UserId: user, ExpectNonce: 1, NewNonce: 2,
		Record: Record{Id: 7, Ver: 1, UserId: user},
	})

	res := Apply(data, logId(3), Command{
		Kind: CommandDeleteById, UserId: user, ExpectNonce: 2, NewNonce: 3, RecordId: 7,
	})
	require.Equal(t, ResultOk, res.Kind)

	res = Apply(data, logId(4), Command{
		Kind: CommandDeleteById, UserId: user, ExpectNonce: 3, NewNonce: 4, RecordId: 7,
	})
	require.Equal(t, ResultNotFound, res.Kind)
}

func TestSnapshotRoundTrip(t *testing.T) {
	m := New()
	user := UserId("user-1")

	_, err := m.Apply(logId(1), marshal(t, Command{
		Kind: CommandRegister, UserId: user, NewNonce: 1, PubKey: []byte("pk"),
	}))
	require.NoError(t, err)

	body, err := m.Snapshot()
	require.NoError(t, err)

	restored := New()
	require.NoError(t, restored.Restore(logId(1), body))
	require.Equal(t, logId(1), restored.LastApplied())

	var sawUser bool
	restored.View(func(d *Data) {
		_, sawUser = d.Auth[user.Key()]
	})
	require.True(t, sawUser, "restored snapshot is missing registered user")
}

func marshal(t *testing.T, cmd Command) []byte {
	t.Helper()
	data, err := EncodeCommand(cmd)
	require.NoError(t, err)
	return data
}
