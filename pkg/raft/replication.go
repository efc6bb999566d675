package raft

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"
)

// Propose submits an application command to the cluster and blocks
// until it has been committed and applied, or ctx is cancelled. If
// this replica is not the leader, it fails immediately with
// ErrNotLeader rather than silently queuing: a follower never buffers
// a write locally.
func (s *Server) Propose(ctx context.Context, payload LogPayload) (LogId, interface{}, error) {
	resultChan := make(chan proposeResult, 1)

	select {
	case s.proposeChan <- proposeRequest{payload: payload, resultChan: resultChan}:
	case <-ctx.Done():
		return LogId{}, nil, ctx.Err()
	case <-s.stopChan:
		return LogId{}, nil, ErrUnavailable
	}

	select {
	case res := <-resultChan:
		return res.id, res.value, res.err
	case <-ctx.Done():
		return LogId{}, nil, ctx.Err()
	}
}

func (s *Server) onPropose(req proposeRequest) {
	s.mu.RLock()
	isLeader := s.state == ServerStateLeader
	hint := s.currentLeader
	s.mu.RUnlock()

	if !isLeader {
		req.resultChan <- proposeResult{err: &ErrNotLeader{Hint: hint}}
		return
	}

	s.appendLocal(req.payload, req.resultChan)
	s.maybeAdvanceCommit()
	s.replicateToAllPeers()
}

// appendLocal appends payload to this replica's own log in the
// current term. If waiter is non-nil, it is recorded so the apply
// loop can deliver the eventual Apply result to whoever proposed it,
// even though apply happens asynchronously once a quorum commits.
func (s *Server) appendLocal(payload LogPayload, waiter chan proposeResult) LogId {
	s.mu.Lock()
	term := s.hardState.CurrentTerm
	index := s.logStore.LastIndex() + 1
	entry := LogEntry{Term: term, Index: index, Payload: payload}
	s.mu.Unlock()

	if err := s.logStore.Append(entry); err != nil {
		s.Log.Error("cannot append entry at index %d: %v", index, err)
		if waiter != nil {
			waiter <- proposeResult{err: err}
		}
		return entry.LogId()
	}

	s.mu.Lock()
	if waiter != nil {
		s.applyWaiters[index] = waiter
	}
	if s.state == ServerStateLeader {
		if s.matchIndex == nil {
			s.matchIndex = make(map[ServerId]LogIndex)
		}
		s.matchIndex[s.Id] = index
	}
	s.mu.Unlock()

	return entry.LogId()
}

func (s *Server) replicateToAllPeers() {
	s.mu.RLock()
	if s.state != ServerStateLeader {
		s.mu.RUnlock()
		return
	}
	peers := s.peerIdsLocked()
	s.mu.RUnlock()

	for _, id := range peers {
		s.replicateToPeer(id)
	}
}

func (s *Server) replicateToPeer(id ServerId) {
	s.mu.RLock()
	if s.state != ServerStateLeader {
		s.mu.RUnlock()
		return
	}
	term := s.hardState.CurrentTerm
	next := s.nextIndex[id]
	if next < 1 {
		next = 1
	}
	leaderCommit := s.commitIndex
	s.mu.RUnlock()

	lastIndex := s.logStore.LastIndex()
	prevIndex := next - 1

	var prevTerm Term
	if prevIndex > 0 {
		t, ok := s.logStore.TermAt(prevIndex)
		if !ok {
			// prevIndex has already been compacted into a snapshot: the
			// peer is too far behind for log replication to catch it up.
			s.sendSnapshotToPeer(id)
			return
		}
		prevTerm = t
	}

	var entries []LogEntry
	if next <= lastIndex {
		rangeEntries, err := s.logStore.Range(next, lastIndex)
		if err != nil {
			s.sendSnapshotToPeer(id)
			return
		}
		entries = rangeEntries
	}

	s.sendMsg(id, &RPCAppendEntriesRequest{
		Term:         term,
		LeaderId:     s.Id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	})
}

func (s *Server) onRPCAppendEntriesRequest(sourceId ServerId, req *RPCAppendEntriesRequest) {
	s.mu.Lock()
	if s.state == ServerStateCandidate {
		s.state = ServerStateFollower
		s.nextIndex = nil
		s.matchIndex = nil
		s.votes = nil
	}
	wasFollower := s.state == ServerStateFollower
	if req.LeaderId != s.currentLeader {
		s.Log.Info("leader is %s", req.LeaderId)
		s.currentLeader = req.LeaderId
	}
	term := s.hardState.CurrentTerm
	s.mu.Unlock()

	if wasFollower {
		s.resetElectionTimer()
	}

	if req.PrevLogIndex > 0 {
		ourTerm, ok := s.logStore.TermAt(req.PrevLogIndex)
		if !ok || ourTerm != req.PrevLogTerm {
			conflictIndex, conflictTerm := s.findConflict(req.PrevLogIndex)
			s.sendMsg(sourceId, &RPCAppendEntriesResponse{
				Term: term, Success: false,
				ConflictIndex: conflictIndex, ConflictTerm: conflictTerm,
			})
			return
		}
	}

	if len(req.Entries) > 0 {
		first := req.Entries[0]
		if existingTerm, ok := s.logStore.TermAt(first.Index); ok && existingTerm != first.Term {
			if err := s.logStore.TruncateSuffix(first.Index); err != nil {
				s.Log.Error("cannot truncate conflicting suffix at %d: %v", first.Index, err)
				s.sendMsg(sourceId, &RPCAppendEntriesResponse{Term: term, Success: false})
				return
			}
		}

		var toAppend []LogEntry
		for _, e := range req.Entries {
			if e.Index <= s.logStore.LastIndex() {
				continue
			}
			toAppend = append(toAppend, e)
		}

		if len(toAppend) > 0 {
			if err := s.logStore.Append(toAppend...); err != nil {
				s.Log.Error("cannot append entries: %v", err)
				s.sendMsg(sourceId, &RPCAppendEntriesResponse{Term: term, Success: false})
				return
			}
		}
	}

	lastIndex := s.logStore.LastIndex()
	newCommit := req.LeaderCommit
	if lastIndex < newCommit {
		newCommit = lastIndex
	}

	s.mu.Lock()
	if newCommit > s.commitIndex {
		s.commitIndex = newCommit
	}
	hardState := s.hardState
	hardState.Committed = s.commitIndex
	s.mu.Unlock()

	if err := s.updateHardState(hardState); err != nil {
		return
	}

	s.sendMsg(sourceId, &RPCAppendEntriesResponse{
		Term: term, Success: true, MatchIndex: lastIndex,
	})

	s.applyCommitted()
}

// findConflict walks backward from prevLogIndex to the start of its
// term, so the leader can retry from the first index of that term
// instead of decrementing nextIndex one entry at a time.
func (s *Server) findConflict(prevLogIndex LogIndex) (LogIndex, Term) {
	lastIndex := s.logStore.LastIndex()
	if prevLogIndex > lastIndex {
		return lastIndex + 1, 0
	}

	term, ok := s.logStore.TermAt(prevLogIndex)
	if !ok {
		return prevLogIndex, 0
	}

	idx := prevLogIndex
	for idx > 1 {
		t, ok := s.logStore.TermAt(idx - 1)
		if !ok || t != term {
			break
		}
		idx--
	}

	return idx, term
}

func (s *Server) onRPCAppendEntriesResponse(sourceId ServerId, res *RPCAppendEntriesResponse) {
	s.mu.Lock()
	if s.state != ServerStateLeader {
		s.mu.Unlock()
		return
	}

	if !res.Success {
		next := res.ConflictIndex
		if next == 0 {
			if cur := s.nextIndex[sourceId]; cur > 1 {
				next = cur - 1
			} else {
				next = 1
			}
		}
		if next < 1 {
			next = 1
		}
		s.nextIndex[sourceId] = next
		s.mu.Unlock()

		s.replicateToPeer(sourceId)
		return
	}

	if res.MatchIndex > s.matchIndex[sourceId] {
		s.matchIndex[sourceId] = res.MatchIndex
	}
	s.nextIndex[sourceId] = res.MatchIndex + 1
	s.mu.Unlock()

	s.maybeAdvanceCommit()

	// The follower may still be behind; keep pushing immediately rather
	// than waiting for the next heartbeat.
	if s.logStore.LastIndex() >= res.MatchIndex+1 {
		s.replicateToPeer(sourceId)
	}
}

// maybeAdvanceCommit applies the Raft commit rule: commitIndex may
// advance to N if a majority of voters have matchIndex >= N AND the
// entry at N was appended in the leader's current term, preventing a
// leader from committing an earlier-term entry purely by replica
// count.
func (s *Server) maybeAdvanceCommit() {
	s.mu.Lock()
	if s.state != ServerStateLeader {
		s.mu.Unlock()
		return
	}

	currentTerm := s.hardState.CurrentTerm
	lastIndex := s.logStore.LastIndex()

	newCommit := s.commitIndex
	for n := s.commitIndex + 1; n <= lastIndex; n++ {
		term, ok := s.logStore.TermAt(n)
		if !ok || term != currentTerm {
			continue
		}

		count := 0
		for id := range s.membership.Voters {
			match := s.matchIndex[id]
			if id == s.Id {
				match = lastIndex
			}
			if match >= n {
				count++
			}
		}

		if count > s.membership.VoterCount()/2 {
			newCommit = n
		}
	}

	if newCommit <= s.commitIndex {
		s.mu.Unlock()
		return
	}

	s.commitIndex = newCommit
	hardState := s.hardState
	hardState.Committed = newCommit
	s.mu.Unlock()

	s.updateHardState(hardState)
	s.applyCommitted()
}

// applyCommitted feeds every entry between the state machine's
// LastApplied and commitIndex into the state machine in strict index
// order, delivering results to any Propose call waiting on that
// index. It never applies membership/noop entries to the state
// machine itself; those only move the raft-level membership/term
// bookkeeping.
func (s *Server) applyCommitted() {
	s.mu.Lock()
	commitIndex := s.commitIndex
	s.mu.Unlock()

	applied := s.sm.LastApplied().Index

	for index := applied + 1; index <= commitIndex; index++ {
		entry, ok, err := s.logStore.Entry(index)
		if err != nil || !ok {
			s.Log.Error("cannot read committed entry %d: %v", index, err)
			return
		}

		var value interface{}
		var applyErr error

		switch entry.Payload.Kind {
		case LogPayloadApp:
			value, applyErr = s.sm.Apply(entry.LogId(), entry.Payload.AppData)

		case LogPayloadMembership:
			s.mu.Lock()
			s.membership = entry.Payload.Membership
			s.joint = nil
			s.mu.Unlock()

		case LogPayloadJointMembership:
			s.mu.Lock()
			s.joint = &entry.Payload.JointMembership
			s.mu.Unlock()

		case LogPayloadNoop:
			// nothing to apply; it exists only to anchor commitIndex
			// advancement in the leader's own term.
		}

		s.mu.Lock()
		waiter, found := s.applyWaiters[index]
		delete(s.applyWaiters, index)
		s.mu.Unlock()

		if found {
			waiter <- proposeResult{id: entry.LogId(), value: value, err: applyErr}
		}
	}

	s.maybeSnapshot()
}

// maybeSnapshot asks the state machine to serialize itself and
// truncates the log prefix it replaces once SnapshotThreshold applied
// entries have accumulated since the last one.
func (s *Server) maybeSnapshot() {
	applied := s.sm.LastApplied()

	s.mu.RLock()
	last := s.lastSnapshotIndex
	membership := s.membership
	s.mu.RUnlock()

	if int64(applied.Index-last) < int64(s.Cfg.SnapshotThreshold) {
		return
	}

	body, err := s.sm.Snapshot()
	if err != nil {
		s.Log.Error("cannot snapshot state machine: %v", err)
		return
	}

	meta := SnapshotMeta{
		LastLogId:      applied,
		LastMembership: membership,
		SnapshotId:     fmt.Sprintf("%s-%s", applied.String(), uuid.Must(uuid.NewV4()).String()),
	}

	if err := s.snapshotStore.Save(meta, body); err != nil {
		s.Log.Error("cannot save snapshot %s: %v", meta.SnapshotId, err)
		return
	}

	if err := s.logStore.TruncatePrefix(applied.Index); err != nil {
		s.Log.Error("cannot truncate log prefix through %d: %v", applied.Index, err)
		return
	}

	s.mu.Lock()
	s.lastSnapshotIndex = applied.Index
	s.mu.Unlock()

	s.Log.Info("snapshotted state machine at %s", applied)
}

// sendSnapshotToPeer streams the leader's current snapshot to a
// follower whose nextIndex has already been compacted out of the log,
// over the chunked InstallSnapshot RPC.
func (s *Server) sendSnapshotToPeer(id ServerId) {
	meta, body, found, err := s.snapshotStore.Current()
	if err != nil || !found {
		s.Log.Error("cannot read local snapshot to send to %s: %v", id, err)
		return
	}

	s.mu.RLock()
	term := s.hardState.CurrentTerm
	s.mu.RUnlock()

	const chunkSize = 1 << 20

	if len(body) == 0 {
		s.sendMsg(id, &RPCInstallSnapshotRequest{
			Term: term, LeaderId: s.Id, Meta: meta, ChunkIndex: 0, Done: true,
		})
		return
	}

	for offset, chunkIndex := 0, 0; offset < len(body); chunkIndex++ {
		end := offset + chunkSize
		if end > len(body) {
			end = len(body)
		}

		s.sendMsg(id, &RPCInstallSnapshotRequest{
			Term:       term,
			LeaderId:   s.Id,
			Meta:       meta,
			ChunkIndex: chunkIndex,
			Data:       body[offset:end],
			Done:       end == len(body),
		})

		offset = end
	}
}

// pendingInstall tracks an in-progress InstallSnapshot stream on the
// follower side, keyed by leader so a stale or restarted stream from
// a different leader cannot interleave with it.
type pendingInstall struct {
	leaderId ServerId
	snapshot string
	install  Install
}

func (s *Server) onRPCInstallSnapshotRequest(sourceId ServerId, req *RPCInstallSnapshotRequest) {
	s.mu.Lock()
	if s.state == ServerStateCandidate {
		s.state = ServerStateFollower
		s.nextIndex = nil
		s.matchIndex = nil
		s.votes = nil
	}
	if req.LeaderId != s.currentLeader {
		s.Log.Info("leader is %s", req.LeaderId)
		s.currentLeader = req.LeaderId
	}
	term := s.hardState.CurrentTerm
	wasFollower := s.state == ServerStateFollower
	s.mu.Unlock()

	if wasFollower {
		s.resetElectionTimer()
	}

	if req.ChunkIndex == 0 {
		install, err := s.snapshotStore.BeginInstall(req.Meta)
		if err != nil {
			s.Log.Error("cannot begin snapshot install: %v", err)
			return
		}
		s.pendingInstall = &pendingInstall{
			leaderId: sourceId, snapshot: req.Meta.SnapshotId, install: install,
		}
	}

	pending := s.pendingInstall
	if pending == nil || pending.snapshot != req.Meta.SnapshotId || pending.leaderId != sourceId {
		s.Log.Error("received out-of-sequence snapshot chunk %d for %q",
			req.ChunkIndex, req.Meta.SnapshotId)
		return
	}

	if len(req.Data) > 0 {
		if err := pending.install.WriteChunk(req.Data); err != nil {
			s.Log.Error("cannot write snapshot chunk: %v", err)
			pending.install.Discard()
			s.pendingInstall = nil
			return
		}
	}

	if req.Done {
		if err := pending.install.Commit(); err != nil {
			s.Log.Error("cannot commit snapshot %q: %v", req.Meta.SnapshotId, err)
			s.pendingInstall = nil
			return
		}
		s.pendingInstall = nil

		_, body, _, err := s.snapshotStore.Current()
		if err != nil {
			s.Log.Error("cannot reread installed snapshot: %v", err)
			return
		}

		if err := s.sm.Restore(req.Meta.LastLogId, body); err != nil {
			s.Log.Error("cannot restore state machine from snapshot: %v", err)
			return
		}

		if err := s.logStore.TruncatePrefix(req.Meta.LastLogId.Index); err != nil {
			s.Log.Error("cannot truncate log after snapshot install: %v", err)
		}

		s.mu.Lock()
		s.membership = req.Meta.LastMembership
		s.lastSnapshotIndex = req.Meta.LastLogId.Index
		if s.commitIndex < req.Meta.LastLogId.Index {
			s.commitIndex = req.Meta.LastLogId.Index
		}
		s.mu.Unlock()

		s.Log.Info("installed snapshot %s up to %s", req.Meta.SnapshotId, req.Meta.LastLogId)
	}

	s.sendMsg(sourceId, &RPCInstallSnapshotResponse{Term: term})
}

func (s *Server) onRPCInstallSnapshotResponse(sourceId ServerId, res *RPCInstallSnapshotResponse) {
	s.mu.Lock()
	if s.state != ServerStateLeader {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// The follower has caught up to whatever snapshot we last sent;
	// resume normal log replication from there.
	s.replicateToPeer(sourceId)
}
