package raft

import (
	"encoding/json"
	"fmt"
)

type RPCMsg interface {
	GetType() string
	GetTerm() Term

	fmt.Stringer
}

type IncomingRPCMsg struct {
	SourceId ServerId
	Msg      RPCMsg
}

type RPCRequestVoteRequest struct {
	Term         Term
	CandidateId  ServerId
	LastLogIndex LogIndex
	LastLogTerm  Term
}

func (msg *RPCRequestVoteRequest) GetType() string {
	return "requestVoteRequest"
}

func (msg *RPCRequestVoteRequest) GetTerm() Term {
	return msg.Term
}

func (msg *RPCRequestVoteRequest) String() string {
	return fmt.Sprintf("RequestVoteRequest{term: %d, candidateId: %q, "+
		"lastLogIndex: %d, lastLogTerm: %d}",
		msg.Term, msg.CandidateId, msg.LastLogIndex, msg.LastLogTerm)
}

type RPCRequestVoteResponse struct {
	Term        Term
	VoteGranted bool
}

func (msg *RPCRequestVoteResponse) GetType() string {
	return "requestVoteResponse"
}

func (msg *RPCRequestVoteResponse) GetTerm() Term {
	return msg.Term
}

func (msg *RPCRequestVoteResponse) String() string {
	return fmt.Sprintf("RequestVoteResponse{term: %d, voteGranted: %v}",
		msg.Term, msg.VoteGranted)
}

type RPCAppendEntriesRequest struct {
	Term         Term
	LeaderId     ServerId
	PrevLogIndex LogIndex
	PrevLogTerm  Term
	Entries      []LogEntry
	LeaderCommit LogIndex
}

func (msg *RPCAppendEntriesRequest) GetType() string {
	return "appendEntriesRequest"
}

func (msg *RPCAppendEntriesRequest) GetTerm() Term {
	return msg.Term
}

func (msg *RPCAppendEntriesRequest) String() string {
	return fmt.Sprintf("AppendEntriesRequest{term: %d, leaderId: %q, "+
		"prevLogIndex: %d, prevLogTerm: %d, %d entries, leaderCommit: %d}",
		msg.Term, msg.LeaderId, msg.PrevLogIndex, msg.PrevLogTerm,
		len(msg.Entries), msg.LeaderCommit)
}

type RPCAppendEntriesResponse struct {
	Term    Term
	Success bool

	// MatchIndex is the highest index the follower confirms having in
	// common with the leader when Success is true, letting the leader
	// advance matchIndex/nextIndex without guessing from the request
	// it sent (which may be stale by the time the response arrives).
	MatchIndex LogIndex

	// ConflictIndex/ConflictTerm let the leader skip straight to the
	// point of disagreement instead of backing off one index at a
	// time, per the standard Raft log-matching optimization.
	ConflictIndex LogIndex
	ConflictTerm  Term
}

func (msg *RPCAppendEntriesResponse) GetType() string {
	return "appendEntriesResponse"
}

func (msg *RPCAppendEntriesResponse) GetTerm() Term {
	return msg.Term
}

func (msg *RPCAppendEntriesResponse) String() string {
	return fmt.Sprintf("AppendEntriesResponse{term: %d, success: %v}",
		msg.Term, msg.Success)
}

// RPCInstallSnapshotRequest carries one chunk of a streamed snapshot.
// Every chunk carries the full meta header; the receiver starts the
// install from chunk 0's meta and matches later chunks to it by
// Meta.SnapshotId, appending their raw body bytes in arrival order.
type RPCInstallSnapshotRequest struct {
	Term     Term
	LeaderId ServerId

	Meta SnapshotMeta

	ChunkIndex int
	Data       []byte
	Done       bool
}

func (msg *RPCInstallSnapshotRequest) GetType() string {
	return "installSnapshotRequest"
}

func (msg *RPCInstallSnapshotRequest) GetTerm() Term {
	return msg.Term
}

func (msg *RPCInstallSnapshotRequest) String() string {
	return fmt.Sprintf("InstallSnapshotRequest{term: %d, leaderId: %q, "+
		"snapshotId: %q, chunk: %d, %d bytes, done: %v}",
		msg.Term, msg.LeaderId, msg.Meta.SnapshotId, msg.ChunkIndex,
		len(msg.Data), msg.Done)
}

type RPCInstallSnapshotResponse struct {
	Term Term
}

func (msg *RPCInstallSnapshotResponse) GetType() string {
	return "installSnapshotResponse"
}

func (msg *RPCInstallSnapshotResponse) GetTerm() Term {
	return msg.Term
}

func (msg *RPCInstallSnapshotResponse) String() string {
	return fmt.Sprintf("InstallSnapshotResponse{term: %d}", msg.Term)
}

func EncodeRPCMsg(msg RPCMsg) ([]byte, error) {
	value := struct {
		Type  string `json:"type"`
		Value RPCMsg `json:"value"`
	}{
		Type:  msg.GetType(),
		Value: msg,
	}

	return json.Marshal(value)
}

func DecodeRPCMsg(data []byte) (RPCMsg, error) {
	var value struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}

	var msg RPCMsg

	switch value.Type {
	case "requestVoteRequest":
		msg = &RPCRequestVoteRequest{}

	case "requestVoteResponse":
		msg = &RPCRequestVoteResponse{}

	case "appendEntriesRequest":
		msg = &RPCAppendEntriesRequest{}

	case "appendEntriesResponse":
		msg = &RPCAppendEntriesResponse{}

	case "installSnapshotRequest":
		msg = &RPCInstallSnapshotRequest{}

	case "installSnapshotResponse":
		msg = &RPCInstallSnapshotResponse{}

	default:
		return nil, fmt.Errorf("unknown message type %q", value.Type)
	}

	if err := json.Unmarshal(value.Value, &msg); err != nil {
		return nil, err
	}

	return msg, nil
}
