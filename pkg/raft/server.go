package raft

import (
	"context"
	"math/rand"
	"slices"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/virajbhartiya/raftledger/pkg/fsm"
	"github.com/virajbhartiya/raftledger/pkg/ledger"
	"github.com/virajbhartiya/raftledger/pkg/transport"
)

var log = logging.Logger("raft")

// Server is one replica. All protocol state is owned by the goroutine that
// calls Run; other goroutines may only call Status.
type Server struct {
	id        int
	cfg       Config
	chain     *ledger.Blockchain
	table     fsm.FSM
	stable    StableStore
	transport transport.Transport
	rng       *rand.Rand

	currentTerm   uint64
	votedFor      int
	currentLeader int
	lastApplied   int
	nextIndex     []int

	// deferred is a message that made the replica change role and must be
	// handled again by the next role.
	deferred *transport.Message

	mu     sync.RWMutex
	status Status
}

// NewServer restores a replica from its durable state. The balance table is
// checked against a replay of the committed log and repaired if they differ.
func NewServer(cfg Config, chain *ledger.Blockchain, table fsm.FSM, stable StableStore, t transport.Transport) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	term, votedFor, err := stable.LoadState()
	if err != nil {
		return nil, err
	}

	s := &Server{
		id:            cfg.ID,
		cfg:           cfg,
		chain:         chain,
		table:         table,
		stable:        stable,
		transport:     t,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.ID))),
		currentTerm:   term,
		votedFor:      votedFor,
		currentLeader: NoLeader,
		lastApplied:   chain.CommittedIndex(),
	}
	if last := chain.LastTerm(); last > s.currentTerm {
		log.Warnf("replica %d: stored term %d behind log term %d", s.id, term, last)
		s.currentTerm = last
		s.votedFor = NoVote
		if err := stable.SaveState(s.currentTerm, NoVote); err != nil {
			return nil, err
		}
	}
	if err := s.reconcile(); err != nil {
		return nil, err
	}

	s.status.ID = s.id
	s.status.Role = cfg.InitialRole
	s.publish()
	log.Infof("replica %d restored: term %d, %d entries, committed %d", s.id, s.currentTerm, chain.Len(), chain.CommittedIndex())
	return s, nil
}

func (s *Server) reconcile() error {
	committed := s.chain.Entries(0)[:s.chain.CommittedIndex()+1]
	want := fsm.Replay(s.table.Accounts(), s.cfg.InitialBalance, committed)
	if slices.Equal(want, s.table.Snapshot()) {
		return nil
	}
	log.Warnf("replica %d: balance table does not match committed log, rebuilding", s.id)
	return s.table.Restore(want)
}

func (s *Server) ID() int {
	return s.id
}

// Status returns a copy of the replica's last published state.
func (s *Server) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	st.Balances = slices.Clone(s.status.Balances)
	return st
}

func (s *Server) IsLeader() bool {
	return s.Status().Role == Leader
}

// Run drives the replica until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	role := s.cfg.InitialRole
	for {
		s.setRole(role)
		log.Debugf("replica %d: %s in term %d", s.id, role, s.currentTerm)

		switch role {
		case Follower:
			role = s.runFollower(ctx)
		case Candidate:
			role = s.runCandidate(ctx)
		case Leader:
			role = s.runLeader(ctx)
		}

		if err := ctx.Err(); err != nil {
			log.Infof("replica %d stopping in term %d", s.id, s.currentTerm)
			return err
		}
	}
}

func (s *Server) setRole(r Role) {
	s.mu.Lock()
	s.status.Role = r
	s.mu.Unlock()
	s.publish()
}

func (s *Server) publish() {
	balances := s.table.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Term = s.currentTerm
	s.status.VotedFor = s.votedFor
	s.status.Leader = s.currentLeader
	s.status.LastIndex = s.chain.LastIndex()
	s.status.CommittedIndex = s.chain.CommittedIndex()
	s.status.LastApplied = s.lastApplied
	s.status.Balances = balances
}

// adoptTerm moves to a newer term, forgetting the vote and the leader.
func (s *Server) adoptTerm(term uint64) {
	log.Debugf("replica %d: term %d -> %d", s.id, s.currentTerm, term)
	s.currentTerm = term
	s.votedFor = NoVote
	s.currentLeader = NoLeader
	// A lost write leaves the older term and its vote on disk, which is
	// still a consistent pair; votes are written together with their term.
	if err := s.stable.SaveState(term, NoVote); err != nil {
		log.Errorf("replica %d: persisting term %d: %v", s.id, term, err)
	}
	s.publish()
}

// stepDown adopts term if it is newer and hands msg to the next role.
func (s *Server) stepDown(term uint64, msg transport.Message) {
	if term > s.currentTerm {
		s.adoptTerm(term)
	}
	s.deferred = &msg
}

func (s *Server) setLeader(id int) {
	if s.currentLeader == id {
		return
	}
	s.currentLeader = id
	log.Infof("replica %d: leader is %d in term %d", s.id, id, s.currentTerm)
	s.publish()
}

func (s *Server) nextMessage() (transport.Message, bool) {
	if s.deferred != nil {
		msg := *s.deferred
		s.deferred = nil
		return msg, true
	}
	return s.transport.ReplicaInbox().Pop()
}

// wait blocks until a message may be available, until passes, or ctx is
// done. It never blocks longer than the poll interval.
func (s *Server) wait(ctx context.Context, until time.Time, clients bool) {
	if s.deferred != nil || s.transport.ReplicaInbox().Len() > 0 {
		return
	}
	if clients && s.transport.ClientInbox().Len() > 0 {
		return
	}
	d := time.Until(until)
	if d <= 0 {
		return
	}
	if d > s.cfg.PollInterval {
		d = s.cfg.PollInterval
	}

	var clientReady <-chan struct{}
	if clients {
		clientReady = s.transport.ClientInbox().Ready()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-s.transport.ReplicaInbox().Ready():
	case <-clientReady:
	case <-timer.C:
	}
}

// electionTimeout draws a timeout within 25% of the configured base.
func (s *Server) electionTimeout() time.Duration {
	base := s.cfg.ElectionTimeout
	return base*3/4 + time.Duration(s.rng.Int63n(int64(base/2)+1))
}

func (s *Server) majority() int {
	return Majority(s.cfg.Replicas)
}

// upToDate reports whether a log ending at (index, term) is at least as
// recent as ours.
func (s *Server) upToDate(index int, term uint64) bool {
	last := s.chain.LastTerm()
	return term > last || (term == last && index >= s.chain.LastIndex())
}

// commitTo advances the committed index to index and applies what follows
// lastApplied in order. It fails unless index is both committed and applied.
func (s *Server) commitTo(index int) error {
	if index <= s.chain.CommittedIndex() && s.lastApplied >= s.chain.CommittedIndex() {
		return nil
	}
	if index > s.chain.CommittedIndex() {
		if err := s.chain.SetCommittedIndex(index); err != nil {
			log.Errorf("replica %d: commit %d: %v", s.id, index, err)
			return err
		}
	}
	err := s.applyCommitted()
	s.publish()
	return err
}

func (s *Server) applyCommitted() error {
	for s.lastApplied < s.chain.CommittedIndex() {
		b := s.chain.Block(s.lastApplied + 1)
		if err := s.table.Apply(b.Txn); err != nil {
			log.Errorf("replica %d: apply %d: %v", s.id, b.Index, err)
			return err
		}
		s.lastApplied = b.Index
		log.Debugf("replica %d: applied %s", s.id, b)
	}
	return nil
}

func (s *Server) validAccount(id int) bool {
	return id >= 0 && id < s.table.Accounts()
}
