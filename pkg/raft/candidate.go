package raft

import (
	"context"
	"time"

	"github.com/virajbhartiya/raftledger/pkg/transport"
)

func (s *Server) runCandidate(ctx context.Context) Role {
	s.currentTerm++
	s.votedFor = s.id
	s.currentLeader = NoLeader
	if err := s.stable.SaveState(s.currentTerm, s.id); err != nil {
		// An unrecorded self-vote could be cast again after a restart.
		log.Errorf("replica %d: persisting candidacy for term %d: %v", s.id, s.currentTerm, err)
		s.votedFor = NoVote
		s.publish()
		return Follower
	}
	s.publish()
	log.Infof("replica %d: starting election for term %d", s.id, s.currentTerm)

	votes := map[int]bool{s.id: true}
	if len(votes) >= s.majority() {
		return Leader
	}
	s.transport.SendReplica(transport.Broadcast, transport.RequestVoteArgs{
		Term:         s.currentTerm,
		CandidateID:  s.id,
		LastLogIndex: s.chain.LastIndex(),
		LastLogTerm:  s.chain.LastTerm(),
	})

	deadline := time.Now().Add(s.electionTimeout())
	for ctx.Err() == nil {
		if msg, ok := s.nextMessage(); ok {
			if next, done := s.handleAsCandidate(msg, votes); done {
				return next
			}
			continue
		}
		if !time.Now().Before(deadline) {
			log.Infof("replica %d: election for term %d timed out with %d votes", s.id, s.currentTerm, len(votes))
			return Candidate
		}
		s.wait(ctx, deadline, false)
	}
	return Candidate
}

func (s *Server) handleAsCandidate(msg transport.Message, votes map[int]bool) (Role, bool) {
	switch p := msg.Payload.(type) {
	case transport.RequestVoteArgs:
		if p.Term > s.currentTerm {
			s.stepDown(p.Term, msg)
			return Follower, true
		}
		s.transport.SendReplica(p.CandidateID, transport.RequestVoteReply{Term: s.currentTerm, VoterID: s.id})

	case transport.RequestVoteReply:
		if p.Term > s.currentTerm {
			s.adoptTerm(p.Term)
			return Follower, true
		}
		if p.Term == s.currentTerm && p.VoteGranted {
			votes[p.VoterID] = true
			if len(votes) >= s.majority() {
				log.Infof("replica %d: won term %d with %d votes", s.id, s.currentTerm, len(votes))
				return Leader, true
			}
		}

	case transport.AppendEntriesArgs:
		// A leader of our own term already won the election.
		if p.Term >= s.currentTerm {
			s.stepDown(p.Term, msg)
			return Follower, true
		}
		s.transport.SendReplica(p.LeaderID, transport.AppendEntriesReply{
			Term:       s.currentTerm,
			SenderID:   s.id,
			Heartbeat:  len(p.Entries) == 0,
			MatchIndex: s.chain.LastIndex(),
		})

	case transport.AppendEntriesReply:
		if p.Term > s.currentTerm {
			s.adoptTerm(p.Term)
			return Follower, true
		}
	}
	return Candidate, false
}
