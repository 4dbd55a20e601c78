package raft

import (
	"context"
	"time"

	"github.com/virajbhartiya/raftledger/pkg/ledger"
	"github.com/virajbhartiya/raftledger/pkg/transport"
)

func (s *Server) runLeader(ctx context.Context) Role {
	s.setLeader(s.id)
	s.nextIndex = make([]int, s.cfg.Replicas)
	for i := range s.nextIndex {
		s.nextIndex[i] = s.chain.Len()
	}
	s.broadcastHeartbeat()
	lastBeat := time.Now()
	s.transport.SendClient(transport.Broadcast, transport.LeaderChange{Succeed: true, LeaderID: s.id})
	log.Infof("replica %d: leader for term %d", s.id, s.currentTerm)

	for ctx.Err() == nil {
		if time.Since(lastBeat) >= s.cfg.HeartbeatPeriod {
			s.broadcastHeartbeat()
			lastBeat = time.Now()
		}
		if s.drainAsLeader(nil) {
			return Follower
		}

		cm, ok := s.transport.ClientInbox().Pop()
		if !ok {
			s.wait(ctx, lastBeat.Add(s.cfg.HeartbeatPeriod), true)
			continue
		}
		if s.serveClient(ctx, cm, &lastBeat) {
			return Follower
		}
	}
	return Leader
}

// drainAsLeader handles every queued replica message and reports whether
// the leader must step down.
func (s *Server) drainAsLeader(r *round) bool {
	for {
		msg, ok := s.nextMessage()
		if !ok {
			return false
		}
		if s.handleAsLeader(msg, r) {
			return true
		}
	}
}

func (s *Server) handleAsLeader(msg transport.Message, r *round) bool {
	switch p := msg.Payload.(type) {
	case transport.RequestVoteArgs:
		if p.Term > s.currentTerm {
			s.stepDown(p.Term, msg)
			return true
		}
		s.transport.SendReplica(p.CandidateID, transport.RequestVoteReply{Term: s.currentTerm, VoterID: s.id})

	case transport.AppendEntriesArgs:
		if p.Term > s.currentTerm {
			s.stepDown(p.Term, msg)
			return true
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
			return true
		}
		if p.Term == s.currentTerm {
			s.onAppendReply(p, r)
		}

	case transport.RequestVoteReply:
		if p.Term > s.currentTerm {
			s.adoptTerm(p.Term)
			return true
		}
	}
	return false
}

// onAppendReply tracks a follower's progress. Rejections, including a
// heartbeat refused because the follower's tail differs from ours, are
// answered at once with an earlier suffix until the follower's log matches.
func (s *Server) onAppendReply(p transport.AppendEntriesReply, r *round) {
	peer := p.SenderID
	if peer < 0 || peer >= len(s.nextIndex) || peer == s.id {
		return
	}
	if p.Heartbeat && (p.Success || s.chain.Len() == 0) {
		return
	}
	if p.Success {
		s.nextIndex[peer] = max(s.nextIndex[peer], p.MatchIndex+1)
		if r != nil && p.MatchIndex >= r.index {
			r.acks[peer] = true
		}
		return
	}

	next := min(s.nextIndex[peer]-1, p.MatchIndex+1)
	s.nextIndex[peer] = clamp(next, 0, s.chain.Len())
	log.Debugf("replica %d: peer %d rejected, retrying from %d", s.id, peer, s.nextIndex[peer])
	s.replicateTo(peer)
}

// serveClient appends the request to the log and waits for a majority to
// hold it. It reports whether the leader must step down.
func (s *Server) serveClient(ctx context.Context, cm transport.ClientMessage, lastBeat *time.Time) bool {
	txn, ok := s.transactionFor(cm)
	if !ok {
		log.Warnf("replica %d: rejecting request %s from client %d", s.id, cm.Request.ID(), cm.ClientID)
		s.respond(cm, false)
		return false
	}

	for i := range s.nextIndex {
		s.nextIndex[i] = s.chain.Len()
	}
	block, err := s.chain.Append(s.currentTerm, txn)
	if err != nil {
		log.Errorf("replica %d: append: %v", s.id, err)
		s.respond(cm, false)
		return false
	}
	s.publish()

	r := &round{index: block.Index, acks: map[int]bool{s.id: true}}
	for peer := 0; peer < s.cfg.Replicas; peer++ {
		if peer != s.id {
			s.replicateTo(peer)
		}
	}

	deadline := time.Now().Add(s.cfg.LeaderWaitTimeout)
	for len(r.acks) < s.majority() {
		if ctx.Err() != nil {
			return false
		}
		now := time.Now()
		if !now.Before(deadline) {
			break
		}
		if now.Sub(*lastBeat) >= s.cfg.HeartbeatPeriod {
			s.broadcastHeartbeat()
			*lastBeat = now
		}
		if msg, ok := s.nextMessage(); ok {
			if s.handleAsLeader(msg, r) {
				log.Infof("replica %d: lost leadership while replicating %d", s.id, block.Index)
				s.respond(cm, false)
				return true
			}
			continue
		}
		wake := lastBeat.Add(s.cfg.HeartbeatPeriod)
		if deadline.Before(wake) {
			wake = deadline
		}
		s.wait(ctx, wake, false)
	}

	committed := len(r.acks) >= s.majority()
	if !committed {
		log.Warnf("replica %d: no majority for entry %d within %s", s.id, block.Index, s.cfg.LeaderWaitTimeout)
	} else if err := s.commitTo(block.Index); err != nil {
		committed = false
	}
	s.respond(cm, committed)
	return false
}

func (s *Server) transactionFor(cm transport.ClientMessage) (ledger.Transaction, bool) {
	switch req := cm.Request.(type) {
	case transport.TransactionRequest:
		if !s.validAccount(req.SenderID) || !s.validAccount(req.ReceiverID) {
			return ledger.Transaction{}, false
		}
		return ledger.NewTransfer(req.SenderID, req.ReceiverID, req.Amount), true
	case transport.BalanceRequest:
		if !s.validAccount(cm.ClientID) {
			return ledger.Transaction{}, false
		}
		return ledger.NewBalanceProbe(cm.ClientID), true
	}
	return ledger.Transaction{}, false
}

func (s *Server) respond(cm transport.ClientMessage, ok bool) {
	var resp transport.Response
	switch req := cm.Request.(type) {
	case transport.TransactionRequest:
		r := transport.TransactionResponse{RequestID: req.RequestID, Succeed: ok, LeaderID: s.currentLeader}
		if s.validAccount(req.SenderID) {
			r.Balance = s.table.Balance(req.SenderID)
		}
		resp = r
	case transport.BalanceRequest:
		r := transport.BalanceResponse{RequestID: req.RequestID, Succeed: ok, LeaderID: s.currentLeader}
		if s.validAccount(cm.ClientID) {
			r.Balance = s.table.Balance(cm.ClientID)
		}
		resp = r
	default:
		return
	}
	s.transport.SendClient(cm.ClientID, resp)
}

func (s *Server) replicateTo(peer int) {
	next := clamp(s.nextIndex[peer], 0, s.chain.Len())
	prev := next - 1
	var prevTerm uint64
	if prev >= 0 {
		prevTerm = s.chain.Block(prev).Term
	}
	s.transport.SendReplica(peer, transport.AppendEntriesArgs{
		Term:         s.currentTerm,
		LeaderID:     s.id,
		PrevLogIndex: prev,
		PrevLogTerm:  prevTerm,
		CommitIndex:  s.chain.CommittedIndex(),
		Entries:      s.chain.Entries(next),
	})
}

func (s *Server) broadcastHeartbeat() {
	s.transport.SendReplica(transport.Broadcast, transport.AppendEntriesArgs{
		Term:         s.currentTerm,
		LeaderID:     s.id,
		PrevLogIndex: s.chain.LastIndex(),
		PrevLogTerm:  s.chain.LastTerm(),
		CommitIndex:  s.chain.CommittedIndex(),
	})
}
