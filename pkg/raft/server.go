package raft

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

type ServerCfg struct {
	Id      ServerId
	Servers ServerSet

	DataDirectory string

	Logger Logger

	// StateMachine is the deterministic application state this server
	// replicates. Required.
	StateMachine StateMachine

	// SnapshotThreshold is the number of applied log entries since the
	// last snapshot that triggers this server (leader or follower) to
	// snapshot its own state machine and truncate its log prefix.
	SnapshotThreshold int

	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration

	HeartbeatInterval time.Duration

	// logStore, snapshotStore and transport let tests inject in-memory
	// fakes; nil means "open the durable file-backed stores under
	// DataDirectory and listen over HTTP", the production path.
	logStore      LogStore
	snapshotStore SnapshotStore
	transport     Transport
}

type Server struct {
	Cfg ServerCfg
	Log Logger

	Id            ServerId
	LocalAddress  ServerAddress
	PublicAddress ServerAddress

	// mu guards every field below that Status() or another
	// goroutine might read concurrently with the main loop. The main
	// loop is still the only writer; mu exists so readers never
	// observe a partially-updated combination of fields.
	mu sync.RWMutex

	state         ServerState
	currentLeader ServerId
	membership    Membership
	joint         *JointMembership

	commitIndex LogIndex

	hardState HardState

	// Leader only
	nextIndex  map[ServerId]LogIndex
	matchIndex map[ServerId]LogIndex

	// Candidate only
	votes map[ServerId]bool

	logStore      LogStore
	snapshotStore SnapshotStore
	sm            StateMachine

	applyWaiters map[LogIndex]chan proposeResult

	lastSnapshotIndex LogIndex

	// pendingInstall tracks an in-progress follower-side InstallSnapshot
	// stream. Touched only from the single-threaded main loop, so it
	// needs no lock of its own.
	pendingInstall *pendingInstall

	randGenerator *rand.Rand

	heartbeatTicker *time.Ticker
	electionTimer   *time.Timer // follower or candidate only

	transport Transport

	rpcChan     chan IncomingRPCMsg
	proposeChan chan proposeRequest

	errorChan chan<- error
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

type proposeRequest struct {
	payload    LogPayload
	resultChan chan proposeResult
}

type proposeResult struct {
	id    LogId
	value interface{}
	err   error
}

func NewServer(cfg ServerCfg) (*Server, error) {
	if cfg.Id == "" {
		return nil, fmt.Errorf("missing or empty server id")
	}

	sdata, found := cfg.Servers[cfg.Id]
	if !found {
		return nil, fmt.Errorf("unknown server id %q", cfg.Id)
	}

	if cfg.DataDirectory == "" {
		return nil, fmt.Errorf("missing or empty data directory")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.StateMachine == nil {
		return nil, fmt.Errorf("missing state machine")
	}

	if cfg.MinElectionTimeout == 0 {
		cfg.MinElectionTimeout = 500 * time.Millisecond
	}

	if cfg.MaxElectionTimeout == 0 {
		cfg.MaxElectionTimeout = 1000 * time.Millisecond
	}

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 50 * time.Millisecond
	}

	if cfg.SnapshotThreshold == 0 {
		cfg.SnapshotThreshold = 10000
	}

	randSource := rand.NewSource(time.Now().UnixNano())

	s := &Server{
		Cfg: cfg,
		Log: cfg.Logger,

		Id:            cfg.Id,
		LocalAddress:  sdata.LocalAddress,
		PublicAddress: sdata.PublicAddress,

		membership: membershipFromServerSet(cfg.Servers),

		logStore:      cfg.logStore,
		snapshotStore: cfg.snapshotStore,
		sm:            cfg.StateMachine,
		transport:     cfg.transport,

		applyWaiters: make(map[LogIndex]chan proposeResult),

		randGenerator: rand.New(randSource),

		rpcChan:     make(chan IncomingRPCMsg),
		proposeChan: make(chan proposeRequest),

		stopChan: make(chan struct{}),
	}

	return s, nil
}

func membershipFromServerSet(servers ServerSet) Membership {
	m := NewMembership()
	for id := range servers {
		m.Voters[id] = true
	}
	return m
}

func (s *Server) Start(errorChan chan<- error) error {
	s.Log.Debug(1, "starting")

	s.errorChan = errorChan

	if s.logStore == nil {
		fileStore := NewFileLogStore(s.Cfg.DataDirectory)
		if err := fileStore.Open(); err != nil {
			return fmt.Errorf("cannot open log store: %w", err)
		}
		s.logStore = fileStore
	}

	if s.snapshotStore == nil {
		fileSnap := NewFileSnapshotStore(s.Cfg.DataDirectory)
		if err := fileSnap.Open(); err != nil {
			return fmt.Errorf("cannot open snapshot store: %w", err)
		}
		s.snapshotStore = fileSnap
	}

	if s.transport == nil {
		s.transport = newHTTPTransport(s)
	}

	hardState, err := s.logStore.LoadHardState()
	if err != nil {
		return fmt.Errorf("cannot read hard state: %w", err)
	}
	s.hardState = hardState

	s.Log.Debug(1, "initial hard state: currentTerm %d, votedFor %q",
		s.hardState.CurrentTerm, s.hardState.VotedFor)

	if err := s.restoreFromSnapshot(); err != nil {
		return fmt.Errorf("cannot restore from snapshot: %w", err)
	}

	s.commitIndex = s.hardState.Committed
	if applied := s.sm.LastApplied(); applied.Index > s.commitIndex {
		s.commitIndex = applied.Index
	}

	if err := s.transport.Listen(); err != nil {
		return fmt.Errorf("cannot start transport: %w", err)
	}
	s.Log.Info("listening on %s", s.LocalAddress)

	s.state = ServerStateFollower

	s.setupHeartbeatTicker()
	s.setupElectionTimer()

	s.wg.Add(1)
	go s.main()

	s.Log.Debug(1, "started")

	return nil
}

func (s *Server) Stop() {
	s.Log.Debug(1, "stopping")

	close(s.stopChan)
	s.wg.Wait()

	s.Log.Debug(1, "stopped")
}

func (s *Server) restoreFromSnapshot() error {
	meta, body, found, err := s.snapshotStore.Current()
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	if err := s.sm.Restore(meta.LastLogId, body); err != nil {
		return fmt.Errorf("cannot restore state machine: %w", err)
	}

	s.membership = meta.LastMembership
	s.lastSnapshotIndex = meta.LastLogId.Index

	s.Log.Info("restored snapshot %s up to %s", meta.SnapshotId, meta.LastLogId)

	return nil
}

func (s *Server) main() {
	defer s.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			s.Log.Error("panic: %s\n%s", msg, trace)

			s.errorChan <- fmt.Errorf("panic: %s", msg)
			s.shutdown()
		}
	}()

	for {
		select {
		case <-s.stopChan:
			s.shutdown()
			return

		case <-s.heartbeatTicker.C:
			s.onHeartbeatTicker()

		case <-s.electionTimer.C:
			s.onElectionTimer()

		case incomingMsg := <-s.rpcChan:
			s.onRPCMsg(incomingMsg.SourceId, incomingMsg.Msg)

		case req := <-s.proposeChan:
			s.onPropose(req)
		}
	}
}

func (s *Server) shutdown() {
	s.Log.Debug(1, "shutting down")

	s.transport.Close()

	s.logStore.Close()
	s.snapshotStore.Close()

	for index, ch := range s.applyWaiters {
		ch <- proposeResult{err: ErrUnavailable}
		delete(s.applyWaiters, index)
	}

	close(s.rpcChan)
}

func (s *Server) onHeartbeatTicker() {
	s.mu.RLock()
	isLeader := s.state == ServerStateLeader
	s.mu.RUnlock()

	if !isLeader {
		return
	}

	s.replicateToAllPeers()
}

func (s *Server) onElectionTimer() {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()

	switch state {
	case ServerStateFollower:
		s.startElection()

	case ServerStateCandidate:
		s.onElectionTimeout()

	default:
		Panicf("unexpected election timer activation in state %v", state)
	}
}

func (s *Server) onRPCMsg(sourceId ServerId, msg RPCMsg) {
	s.Log.Debug(2, "received %v from %s", msg, sourceId)

	term := msg.GetTerm()

	s.mu.Lock()
	currentTerm := s.hardState.CurrentTerm
	s.mu.Unlock()

	if term < currentTerm {
		s.Log.Debug(1, "ignoring stale message %v (current term: %d)",
			msg, currentTerm)
		return
	}

	if term > currentTerm {
		s.Log.Debug(1, "received message with term %d (current term: %d), "+
			"reverting to follower", term, currentTerm)

		state := HardState{CurrentTerm: term, VotedFor: "", Committed: s.hardState.Committed}
		if err := s.updateHardState(state); err != nil {
			return
		}

		s.revertToFollower()
	}

	switch msgv := msg.(type) {
	case *RPCRequestVoteRequest:
		s.onRPCRequestVoteRequest(sourceId, msgv)
	case *RPCRequestVoteResponse:
		s.onRPCRequestVoteResponse(sourceId, msgv)
	case *RPCAppendEntriesRequest:
		s.onRPCAppendEntriesRequest(sourceId, msgv)
	case *RPCAppendEntriesResponse:
		s.onRPCAppendEntriesResponse(sourceId, msgv)
	case *RPCInstallSnapshotRequest:
		s.onRPCInstallSnapshotRequest(sourceId, msgv)
	case *RPCInstallSnapshotResponse:
		s.onRPCInstallSnapshotResponse(sourceId, msgv)
	default:
		s.Log.Error("unexpected message %v from %s", msg, sourceId)
	}
}

func (s *Server) onRPCRequestVoteRequest(sourceId ServerId, req *RPCRequestVoteRequest) {
	s.mu.Lock()
	hardState := s.hardState

	noVoteGranted := hardState.VotedFor == ""
	sameVoteGranted := hardState.VotedFor == req.CandidateId
	logUpToDate := s.logUpToDateLocked(req.LastLogIndex, req.LastLogTerm)

	res := RPCRequestVoteResponse{
		Term:        hardState.CurrentTerm,
		VoteGranted: (noVoteGranted || sameVoteGranted) && logUpToDate,
	}

	if res.VoteGranted {
		hardState.VotedFor = sourceId
	}
	s.mu.Unlock()

	if err := s.updateHardState(hardState); err != nil {
		return
	}

	s.sendMsg(sourceId, &res)
}

// logUpToDateLocked implements the Raft "up-to-date log" rule: a
// candidate's log is at least as up-to-date as ours if its last term
// is greater, or equal with an index at least as large.
func (s *Server) logUpToDateLocked(lastIndex LogIndex, lastTerm Term) bool {
	ourLastTerm := s.logStore.LastTerm()
	ourLastIndex := s.logStore.LastIndex()

	if lastTerm != ourLastTerm {
		return lastTerm > ourLastTerm
	}
	return lastIndex >= ourLastIndex
}

func (s *Server) onRPCRequestVoteResponse(sourceId ServerId, res *RPCRequestVoteResponse) {
	s.mu.Lock()

	if s.state != ServerStateCandidate {
		s.mu.Unlock()
		return
	}

	s.votes[sourceId] = res.VoteGranted

	s.maybeBecomeLeaderLocked()
}

// maybeBecomeLeaderLocked counts the votes gathered so far and
// transitions to leader once they hold a majority of the current
// voter set. Called both as peer vote responses arrive and right
// after a candidate casts its own vote, since a single-voter cluster
// (e.g. a server whose configured server set names only itself) would
// otherwise never receive an RPC response to trigger the tally.
// Callers must hold s.mu and must not hold it afterwards: it unlocks
// unconditionally before returning.
func (s *Server) maybeBecomeLeaderLocked() {
	nbVotes := 0
	for id, vote := range s.votes {
		if vote && s.membership.IsVoter(id) {
			nbVotes++
		}
	}

	nbServers := s.membership.VoterCount()

	if nbVotes <= nbServers/2 {
		s.mu.Unlock()
		return
	}

	s.Log.Info("obtained %d/%d votes, becoming leader", nbVotes, nbServers)

	s.state = ServerStateLeader
	s.currentLeader = s.Id

	if s.electionTimer != nil {
		s.electionTimer.Stop()
	}

	s.votes = nil

	s.nextIndex = make(map[ServerId]LogIndex)
	s.matchIndex = make(map[ServerId]LogIndex)
	lastIndex := s.logStore.LastIndex()
	for id := range s.membership.Voters {
		s.nextIndex[id] = lastIndex + 1
		s.matchIndex[id] = 0
	}
	for id := range s.membership.Learners {
		s.nextIndex[id] = lastIndex + 1
		s.matchIndex[id] = 0
	}

	s.mu.Unlock()

	// A freshly elected leader appends a no-op entry in its own term so
	// it can advance commitIndex past entries from prior terms once a
	// quorum has it (the standard Raft rule: a leader only commits by
	// counting replicas of entries from its OWN term).
	s.appendLocal(NoopPayload(), nil)

	s.resetHeartbeatTicker()
	s.replicateToAllPeers()
}

func (s *Server) revertToFollower() {
	s.mu.Lock()
	s.state = ServerStateFollower
	s.nextIndex = nil
	s.matchIndex = nil
	s.votes = nil
	s.mu.Unlock()

	s.setupElectionTimer()
}

func (s *Server) setupHeartbeatTicker() {
	s.heartbeatTicker = time.NewTicker(s.Cfg.HeartbeatInterval)
}

func (s *Server) resetHeartbeatTicker() {
	s.heartbeatTicker.Reset(s.Cfg.HeartbeatInterval)
}

func (s *Server) setupElectionTimer() {
	timeout := s.electionTimeout()
	s.Log.Debug(2, "election timer will expire in %v", timeout)

	if s.electionTimer != nil {
		s.electionTimer.Stop()
	}

	s.electionTimer = time.NewTimer(timeout)
}

func (s *Server) resetElectionTimer() {
	timeout := s.electionTimeout()
	s.Log.Debug(2, "election timer will expire in %v", timeout)

	if !s.electionTimer.Stop() {
		select {
		case <-s.electionTimer.C:
		default:
		}
	}

	s.electionTimer.Reset(timeout)
}

func (s *Server) electionTimeout() time.Duration {
	minTimeoutMs := s.Cfg.MinElectionTimeout.Milliseconds()
	maxTimeoutMs := s.Cfg.MaxElectionTimeout.Milliseconds()

	jitter := s.randGenerator.Int63n(maxTimeoutMs - minTimeoutMs + 1)
	timeoutMs := minTimeoutMs + jitter

	return time.Duration(timeoutMs) * time.Millisecond
}

func (s *Server) startElection() {
	s.mu.Lock()
	if s.state != ServerStateFollower {
		s.mu.Unlock()
		return
	}

	nextTerm := s.hardState.CurrentTerm + 1
	s.mu.Unlock()

	s.Log.Debug(1, "starting election for term %d", nextTerm)

	state := HardState{CurrentTerm: nextTerm, VotedFor: s.Id, Committed: s.hardState.Committed}
	if err := s.updateHardState(state); err != nil {
		s.setupElectionTimer()
		return
	}

	s.mu.Lock()
	s.state = ServerStateCandidate
	s.votes = map[ServerId]bool{s.Id: true}
	lastIndex := s.logStore.LastIndex()
	lastTerm := s.logStore.LastTerm()
	s.maybeBecomeLeaderLocked()

	s.mu.RLock()
	stillCandidate := s.state == ServerStateCandidate
	s.mu.RUnlock()

	if stillCandidate {
		s.broadcastMsg(&RPCRequestVoteRequest{
			Term:         nextTerm,
			CandidateId:  s.Id,
			LastLogIndex: lastIndex,
			LastLogTerm:  lastTerm,
		})

		s.setupElectionTimer()
	}
}

func (s *Server) onElectionTimeout() {
	s.mu.Lock()
	if s.state != ServerStateCandidate {
		s.mu.Unlock()
		return
	}
	s.state = ServerStateFollower
	s.mu.Unlock()

	s.Log.Debug(1, "election timeout in term %d", s.hardState.CurrentTerm)

	s.startElection()
}

func (s *Server) updateHardState(state HardState) error {
	if err := s.logStore.SaveHardState(state); err != nil {
		s.Log.Error("cannot save hard state: %v", err)
		return err
	}

	s.mu.Lock()
	s.hardState = state
	s.mu.Unlock()

	return nil
}

func (s *Server) sendMsg(recipientId ServerId, msg RPCMsg) {
	if recipientId == s.Id {
		return
	}
	if err := s.transport.Send(recipientId, msg); err != nil {
		s.Log.Error("cannot send %v to %s: %v", msg, recipientId, err)
	}
}

func (s *Server) broadcastMsg(msg RPCMsg) {
	s.mu.RLock()
	peers := s.peerIdsLocked()
	s.mu.RUnlock()

	for _, id := range peers {
		s.sendMsg(id, msg)
	}
}

// peerIdsLocked returns every known replica other than this one,
// combining the address book with whatever membership (including a
// joint one, mid membership-change) is currently active, so a learner
// added but not yet promoted still receives replication.
func (s *Server) peerIdsLocked() []ServerId {
	seen := map[ServerId]bool{}
	var ids []ServerId

	add := func(id ServerId) {
		if id == s.Id || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}

	for id := range s.membership.Voters {
		add(id)
	}
	for id := range s.membership.Learners {
		add(id)
	}
	if s.joint != nil {
		for id := range s.joint.Old.Voters {
			add(id)
		}
		for id := range s.joint.New.Voters {
			add(id)
		}
	}

	return ids
}
