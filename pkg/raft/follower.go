package raft

import (
	"context"
	"time"

	"github.com/virajbhartiya/raftledger/pkg/ledger"
	"github.com/virajbhartiya/raftledger/pkg/transport"
)

func (s *Server) runFollower(ctx context.Context) Role {
	deadline := time.Now().Add(s.electionTimeout())
	for ctx.Err() == nil {
		s.redirectClients()

		if msg, ok := s.nextMessage(); ok {
			if s.handleAsFollower(msg) {
				deadline = time.Now().Add(s.electionTimeout())
			}
			continue
		}
		if !time.Now().Before(deadline) {
			log.Infof("replica %d: no leader heard in term %d, starting election", s.id, s.currentTerm)
			return Candidate
		}
		s.wait(ctx, deadline, true)
	}
	return Follower
}

// redirectClients answers every queued client request with the leader we
// currently know of.
func (s *Server) redirectClients() {
	for {
		cm, ok := s.transport.ClientInbox().Pop()
		if !ok {
			return
		}
		s.transport.SendClient(cm.ClientID, transport.LeaderChange{
			RequestID: cm.Request.ID(),
			Succeed:   false,
			LeaderID:  s.currentLeader,
		})
	}
}

// handleAsFollower reports whether the election timer should be reset.
func (s *Server) handleAsFollower(msg transport.Message) bool {
	switch p := msg.Payload.(type) {
	case transport.AppendEntriesArgs:
		return s.handleAppendEntries(p)
	case transport.RequestVoteArgs:
		return s.handleRequestVote(p)
	case transport.RequestVoteReply:
		if p.Term > s.currentTerm {
			s.adoptTerm(p.Term)
		}
	case transport.AppendEntriesReply:
		if p.Term > s.currentTerm {
			s.adoptTerm(p.Term)
		}
	}
	return false
}

func (s *Server) handleAppendEntries(a transport.AppendEntriesArgs) bool {
	reply := transport.AppendEntriesReply{
		Term:       s.currentTerm,
		SenderID:   s.id,
		Heartbeat:  len(a.Entries) == 0,
		MatchIndex: s.chain.LastIndex(),
	}
	if a.Term < s.currentTerm {
		log.Debugf("replica %d: rejecting append from %d with stale term %d", s.id, a.LeaderID, a.Term)
		s.transport.SendReplica(a.LeaderID, reply)
		return false
	}
	if a.Term > s.currentTerm {
		s.adoptTerm(a.Term)
		reply.Term = s.currentTerm
	}
	s.setLeader(a.LeaderID)

	switch {
	case reply.Heartbeat:
		// Only a log that ends where the leader's does is known to hold
		// everything up to the leader's commit index. Any other tail is
		// refused so the leader starts repairing it.
		if a.PrevLogIndex == s.chain.LastIndex() && a.PrevLogTerm == s.chain.LastTerm() {
			s.commitTo(min(a.CommitIndex, s.chain.LastIndex()))
			reply.Success = true
		}
	case s.hasEntry(a.PrevLogIndex, a.PrevLogTerm):
		if err := s.appendFrom(a.PrevLogIndex, a.Entries); err != nil {
			log.Errorf("replica %d: appending after %d: %v", s.id, a.PrevLogIndex, err)
			break
		}
		reply.Success = true
		reply.MatchIndex = a.PrevLogIndex + len(a.Entries)
		s.commitTo(min(a.CommitIndex, reply.MatchIndex))
		s.publish()
	default:
		log.Debugf("replica %d: no entry %d with term %d", s.id, a.PrevLogIndex, a.PrevLogTerm)
	}

	s.transport.SendReplica(a.LeaderID, reply)
	return true
}

func (s *Server) hasEntry(index int, term uint64) bool {
	if index == ledger.NoIndex {
		return true
	}
	if index < 0 || index > s.chain.LastIndex() {
		return false
	}
	return s.chain.Block(index).Term == term
}

// appendFrom writes entries after prev, replacing our suffix from the first
// entry whose term differs. Entries we already hold are left alone.
func (s *Server) appendFrom(prev int, entries []ledger.Block) error {
	for i, e := range entries {
		index := prev + 1 + i
		if index <= s.chain.LastIndex() && s.chain.Block(index).Term == e.Term {
			continue
		}
		if index <= s.chain.LastIndex() {
			log.Infof("replica %d: dropping entries from %d", s.id, index)
		}
		return s.chain.TruncateAndReplace(index, entries[i:])
	}
	return nil
}

func (s *Server) handleRequestVote(a transport.RequestVoteArgs) bool {
	if a.Term > s.currentTerm {
		s.adoptTerm(a.Term)
	}

	grant := a.Term == s.currentTerm &&
		(s.votedFor == NoVote || s.votedFor == a.CandidateID) &&
		s.upToDate(a.LastLogIndex, a.LastLogTerm)
	if grant {
		if err := s.stable.SaveState(s.currentTerm, a.CandidateID); err != nil {
			log.Errorf("replica %d: persisting vote: %v", s.id, err)
			grant = false
		} else {
			s.votedFor = a.CandidateID
			s.publish()
			log.Infof("replica %d: voted for %d in term %d", s.id, a.CandidateID, s.currentTerm)
		}
	}

	s.transport.SendReplica(a.CandidateID, transport.RequestVoteReply{
		Term:        s.currentTerm,
		VoterID:     s.id,
		VoteGranted: grant,
	})
	return grant
}
