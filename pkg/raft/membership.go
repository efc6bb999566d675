package raft

import "context"

// ClusterStatus is the read-only snapshot exposed to the client
// service for its cluster status surface.
type ClusterStatus struct {
	Id            ServerId
	State         ServerState
	CurrentTerm   Term
	CurrentLeader ServerId
	CommitIndex   LogIndex
	LastApplied   LogId
	LastLogIndex  LogIndex
	Membership    Membership
	Joint         *JointMembership
}

func (s *Server) Status() ClusterStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ClusterStatus{
		Id:            s.Id,
		State:         s.state,
		CurrentTerm:   s.hardState.CurrentTerm,
		CurrentLeader: s.currentLeader,
		CommitIndex:   s.commitIndex,
		LastApplied:   s.sm.LastApplied(),
		LastLogIndex:  s.logStore.LastIndex(),
		Membership:    cloneMembership(s.membership),
		Joint:         s.joint,
	}
}

func cloneMembership(m Membership) Membership {
	out := NewMembership()
	for id := range m.Voters {
		out.Voters[id] = true
	}
	for id := range m.Learners {
		out.Learners[id] = true
	}
	return out
}

// Init commits the founding membership entry for a brand new cluster:
// the current membership, in which every server of ServerCfg.Servers
// is a voter. It only succeeds on the leader; every other node gets
// ErrNotLeader.
func (s *Server) Init(ctx context.Context) error {
	s.mu.RLock()
	membership := cloneMembership(s.membership)
	s.mu.RUnlock()

	_, _, err := s.Propose(ctx, MembershipPayload(membership))
	return err
}

// AddLearner proposes adding id as a non-voting replica, letting it
// catch up via normal replication (or a snapshot install, if it is
// far enough behind) before ChangeMembership ever asks it to vote.
func (s *Server) AddLearner(ctx context.Context, id ServerId) error {
	s.mu.RLock()
	next := cloneMembership(s.membership)
	s.mu.RUnlock()

	if next.Voters[id] {
		return nil
	}
	next.Learners[id] = true

	_, _, err := s.Propose(ctx, MembershipPayload(next))
	return err
}

// ChangeMembership moves the cluster to exactly the given set of
// voters through joint consensus: first a log entry requiring a
// quorum of both the old and the new voter sets, then, once that has
// committed, a second entry activating the new set alone. Any replica
// dropped from voters that was not already a learner is removed
// entirely rather than demoted.
func (s *Server) ChangeMembership(ctx context.Context, voters []ServerId) error {
	s.mu.RLock()
	oldMembership := cloneMembership(s.membership)
	s.mu.RUnlock()

	newMembership := NewMembership()
	for _, id := range voters {
		newMembership.Voters[id] = true
	}
	for id := range oldMembership.Learners {
		if !newMembership.Voters[id] {
			newMembership.Learners[id] = true
		}
	}

	joint := JointMembership{Old: oldMembership, New: newMembership}
	if _, _, err := s.Propose(ctx, JointMembershipPayload(joint)); err != nil {
		return err
	}

	_, _, err := s.Propose(ctx, MembershipPayload(newMembership))
	return err
}
