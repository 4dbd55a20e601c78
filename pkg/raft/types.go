package raft

// Role is the replica's current position in the protocol.
type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

const (
	// NoVote means no vote was cast in the current term.
	NoVote = -1

	// NoLeader means the current leader is unknown.
	NoLeader = -1
)

// StableStore persists the current term and vote across restarts.
type StableStore interface {
	SaveState(term uint64, votedFor int) error
	LoadState() (term uint64, votedFor int, err error)
}

// Status is a point-in-time view of a replica, safe to read from any goroutine.
type Status struct {
	ID             int
	Role           Role
	Term           uint64
	VotedFor       int
	Leader         int
	LastIndex      int
	CommittedIndex int
	LastApplied    int
	Balances       []float64
}

// round tracks acknowledgements for the entry a leader is replicating.
type round struct {
	index int
	acks  map[int]bool
}
