package clientapi

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Konstantin-Sh/passvault/internal/apperror"
	"github.com/Konstantin-Sh/passvault/internal/authproto"
	"github.com/Konstantin-Sh/passvault/internal/statemachine"
	"github.com/Konstantin-Sh/passvault/pkg/raft"
)

// maxUserIdBytes bounds the raw user id accepted from the wire. It is
// checked at every point a UserId first enters the system, before the
// value is ever looked up or proposed to the raft core.
const maxUserIdBytes = 256

func checkUserId(userId []byte) error {
	if len(userId) > maxUserIdBytes {
		return apperror.ErrInvalidUserId
	}
	return nil
}

// canonicalPayload JSON-encodes exactly the fields of a request that
// are not the auth envelope itself, the way a client must build the
// identical bytes client-side before signing them. Each call site
// passes a small anonymous struct holding only those fields, so the
// wire shape is explicit at the call site rather than derived by
// reflecting over a request type's json tags.
func canonicalPayload(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Server holds everything a client request needs: the raft core to
// propose committed mutations through, the state machine to read
// applied state from and to verify signatures against, and the
// verifier the auth protocol checks signatures with. It carries no
// HTTP-specific state; handlers.go is the thin layer that decodes
// requests into these calls and encodes the results back out.
type Server struct {
	Log Logger

	Raft     *raft.Server
	Machine  *statemachine.Machine
	Verifier authproto.Verifier

	// ForwardAddrs lets Dispatch relay a write this replica cannot
	// serve on to the replica it believes is leader. Nil on a single
	// node (or in tests), in which case a NotLeader result is simply
	// returned to the caller unforwarded.
	ForwardAddrs ForwardAddresses
}

// Logger mirrors pkg/raft.Logger so this package logs the way the
// rest of the module does without importing pkg/raft for the type.
type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}

func New(raftServer *raft.Server, machine *statemachine.Machine, verifier authproto.Verifier, logger Logger) *Server {
	return &Server{Log: logger, Raft: raftServer, Machine: machine, Verifier: verifier}
}

func (s *Server) view(fn func(*statemachine.Data)) {
	s.Machine.View(fn)
}

// verify runs the three-step authentication check (registered lookup,
// nonce match, signature verification) against the local applied
// state. Every authenticated operation, read or write, calls this
// before doing anything else.
func (s *Server) verify(methodName string, auth authproto.AuthSignature, payloadWithoutAuth []byte) (statemachine.UserId, error) {
	if err := checkUserId(auth.UserId); err != nil {
		return nil, err
	}
	return authproto.VerifyRequest(s.view, s.Verifier, methodName, auth, payloadWithoutAuth)
}

// propose encodes cmd, submits it to the raft core, and blocks for the
// committed ApplyResult. A NotLeader error here is the trigger for
// transparent forwarding in forward.go.
func (s *Server) propose(ctx context.Context, cmd statemachine.Command) (statemachine.ApplyResult, error) {
	payload, err := statemachine.EncodeCommand(cmd)
	if err != nil {
		return statemachine.ApplyResult{}, fmt.Errorf("%w: cannot encode command: %v", apperror.ErrInternal, err)
	}

	_, value, err := s.Raft.Propose(ctx, raft.AppPayload(payload))
	if err != nil {
		return statemachine.ApplyResult{}, apperror.FromRaftError(err)
	}

	result, ok := value.(statemachine.ApplyResult)
	if !ok {
		return statemachine.ApplyResult{}, apperror.ErrInternal
	}

	return result, resultError(result)
}

// resultError turns an ApplyResult that is not a plain "ok" into the
// matching apperror sentinel. A rejected command (stale version,
// unknown record) is still committed to the log like any other entry,
// preserving log-state-machine determinism across every replica; this
// is purely how the client API surfaces that outcome to the caller.
func resultError(result statemachine.ApplyResult) error {
	switch result.Kind {
	case statemachine.ResultOk:
		return nil
	case statemachine.ResultAlreadyRegistered:
		return apperror.ErrAlreadyRegistered
	case statemachine.ResultNotRegistered:
		return apperror.ErrNotRegistered
	case statemachine.ResultVersionConflict:
		return apperror.ErrVersionConflict
	case statemachine.ResultNotFound:
		return apperror.ErrNotFound
	case statemachine.ResultNonceRace:
		return apperror.ErrBadNonce
	default:
		return apperror.ErrInternal
	}
}

// Register admits a brand new user with a server-chosen random
// initial nonce. The registration itself carries no auth signature
// (the user has no key on file yet to check it against).
func (s *Server) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	if err := checkUserId(req.UserId); err != nil {
		return RegisterResponse{}, err
	}

	nonce, err := randomNonce()
	if err != nil {
		return RegisterResponse{}, fmt.Errorf("%w: cannot generate initial nonce: %v", apperror.ErrInternal, err)
	}

	cmd := statemachine.Command{
		Kind:     statemachine.CommandRegister,
		UserId:   statemachine.UserId(req.UserId),
		NewNonce: nonce,
		PubKey:   req.PubKey,
	}

	if _, err := s.propose(ctx, cmd); err != nil {
		return RegisterResponse{}, err
	}

	return RegisterResponse{Success: true, Nonce: nonce}, nil
}

func randomNonce() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// GetNonce is a deliberate unauthenticated escape hatch: a client that
// lost its local nonce can always ask for the current one, since the
// nonce alone (without the matching private key) never lets anyone
// forge a signature.
func (s *Server) GetNonce(userId []byte) (NonceResponse, error) {
	if err := checkUserId(userId); err != nil {
		return NonceResponse{}, err
	}

	key := statemachine.UserId(userId).Key()

	var entry statemachine.AuthEntry
	var found bool
	s.view(func(d *statemachine.Data) {
		entry, found = d.Auth[key]
	})

	if !found {
		return NonceResponse{}, apperror.ErrNotRegistered
	}
	return NonceResponse{Nonce: entry.Nonce}, nil
}

// GetList returns record headers, sorted by Id ascending within the
// user's namespace, so iteration within a user is deterministic by
// ascending id.
func (s *Server) GetList(auth authproto.AuthSignature) (GetListResponse, error) {
	userId, err := s.verify("GetList", auth, nil)
	if err != nil {
		return GetListResponse{}, err
	}

	records := s.sortedRecords(userId)
	headers := make([]RecordHeader, len(records))
	for i, r := range records {
		headers[i] = RecordHeader{Id: r.Id, Ver: r.Ver, UserId: []byte(r.UserId)}
	}

	return GetListResponse{Records: headers}, nil
}

func (s *Server) GetAll(auth authproto.AuthSignature) (GetAllResponse, error) {
	userId, err := s.verify("GetAll", auth, nil)
	if err != nil {
		return GetAllResponse{}, err
	}

	records := s.sortedRecords(userId)
	wire := make([]WireRecord, len(records))
	for i, r := range records {
		wire[i] = toWire(r)
	}

	return GetAllResponse{Records: wire}, nil
}

func (s *Server) sortedRecords(userId statemachine.UserId) []statemachine.Record {
	var out []statemachine.Record
	s.view(func(d *statemachine.Data) {
		byId := d.Records[userId.Key()]
		out = make([]statemachine.Record, 0, len(byId))
		for _, r := range byId {
			out = append(out, r)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

func (s *Server) GetById(req GetByIdRequest) (GetByIdResponse, error) {
	payload, err := canonicalPayload(struct {
		RecordId uint64 `json:"recordId"`
	}{req.RecordId})
	if err != nil {
		return GetByIdResponse{}, fmt.Errorf("%w: %v", apperror.ErrInternal, err)
	}

	userId, err := s.verify("GetById", req.Auth, payload)
	if err != nil {
		return GetByIdResponse{}, err
	}

	var record statemachine.Record
	var found bool
	s.view(func(d *statemachine.Data) {
		record, found = d.Records[userId.Key()][req.RecordId]
	})
	if !found {
		return GetByIdResponse{}, apperror.ErrNotFound
	}

	return GetByIdResponse{Record: toWire(record)}, nil
}

// SetOne upserts a single record. Ownership (record.UserId ==
// auth.UserId) is checked here, before a command is ever built: a
// mismatch is rejected outright rather than silently coerced.
func (s *Server) SetOne(ctx context.Context, req SetOneRequest) error {
	payload, err := canonicalPayload(struct {
		Record WireRecord `json:"record"`
	}{req.Record})
	if err != nil {
		return fmt.Errorf("%w: %v", apperror.ErrInternal, err)
	}

	userId, err := s.verify("SetOne", req.Auth, payload)
	if err != nil {
		return err
	}

	record := fromWire(req.Record)
	if string(record.UserId) != string(userId) {
		return apperror.ErrForbidden
	}

	cmd := statemachine.Command{
		Kind:        statemachine.CommandSetOne,
		UserId:      userId,
		ExpectNonce: req.Auth.Nonce,
		NewNonce:    req.Auth.Nonce + 1,
		Record:      record,
	}

	_, err = s.propose(ctx, cmd)
	return err
}

func (s *Server) SetRecords(ctx context.Context, req SetRecordsRequest) error {
	payload, err := canonicalPayload(struct {
		Records []WireRecord `json:"records"`
	}{req.Records})
	if err != nil {
		return fmt.Errorf("%w: %v", apperror.ErrInternal, err)
	}

	userId, err := s.verify("SetRecords", req.Auth, payload)
	if err != nil {
		return err
	}

	records := make([]statemachine.Record, len(req.Records))
	for i, w := range req.Records {
		record := fromWire(w)
		if string(record.UserId) != string(userId) {
			return apperror.ErrForbidden
		}
		records[i] = record
	}

	cmd := statemachine.Command{
		Kind:        statemachine.CommandSetMany,
		UserId:      userId,
		ExpectNonce: req.Auth.Nonce,
		NewNonce:    req.Auth.Nonce + 1,
		Records:     records,
	}

	_, err = s.propose(ctx, cmd)
	return err
}

func (s *Server) DeleteById(ctx context.Context, req DeleteByIdRequest) error {
	payload, err := canonicalPayload(struct {
		RecordId uint64 `json:"recordId"`
	}{req.RecordId})
	if err != nil {
		return fmt.Errorf("%w: %v", apperror.ErrInternal, err)
	}

	userId, err := s.verify("DeleteById", req.Auth, payload)
	if err != nil {
		return err
	}

	cmd := statemachine.Command{
		Kind:        statemachine.CommandDeleteById,
		UserId:      userId,
		ExpectNonce: req.Auth.Nonce,
		NewNonce:    req.Auth.Nonce + 1,
		RecordId:    req.RecordId,
	}

	_, err = s.propose(ctx, cmd)
	return err
}

func (s *Server) DeleteAll(ctx context.Context, req AuthOnlyRequest) error {
	userId, err := s.verify("DeleteAll", req.Auth, nil)
	if err != nil {
		return err
	}

	cmd := statemachine.Command{
		Kind:        statemachine.CommandDeleteAll,
		UserId:      userId,
		ExpectNonce: req.Auth.Nonce,
		NewNonce:    req.Auth.Nonce + 1,
	}

	_, err = s.propose(ctx, cmd)
	return err
}
