package transport

import "github.com/virajbhartiya/raftledger/pkg/ledger"

// Broadcast addresses every replica except the sender, or every client.
const Broadcast = -1

// Payload is one of RequestVoteArgs, RequestVoteReply, AppendEntriesArgs or
// AppendEntriesReply.
type Payload interface {
	isPayload()
}

// Message is a replica-to-replica message as queued for the receiver.
type Message struct {
	From    int
	Payload Payload
}

type RequestVoteArgs struct {
	Term         uint64
	CandidateID  int
	LastLogIndex int
	LastLogTerm  uint64
}

type RequestVoteReply struct {
	Term        uint64
	VoterID     int
	VoteGranted bool
}

// AppendEntriesArgs with no entries is a heartbeat.
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     int
	PrevLogIndex int
	PrevLogTerm  uint64
	CommitIndex  int
	Entries      []ledger.Block
}

// AppendEntriesReply reports the follower's last matching index on success
// and its last log index on rejection.
type AppendEntriesReply struct {
	Term       uint64
	SenderID   int
	Success    bool
	Heartbeat  bool
	MatchIndex int
}

func (RequestVoteArgs) isPayload()    {}
func (RequestVoteReply) isPayload()   {}
func (AppendEntriesArgs) isPayload()  {}
func (AppendEntriesReply) isPayload() {}

// Request is either a TransactionRequest or a BalanceRequest.
type Request interface {
	isRequest()
	ID() string
}

type TransactionRequest struct {
	RequestID  string
	SenderID   int
	ReceiverID int
	Amount     float64
}

// BalanceRequest asks for the balance of the requesting client's account.
type BalanceRequest struct {
	RequestID string
}

func (TransactionRequest) isRequest() {}
func (BalanceRequest) isRequest()     {}

func (r TransactionRequest) ID() string { return r.RequestID }
func (r BalanceRequest) ID() string     { return r.RequestID }

// ClientMessage is a client request as queued for a replica.
type ClientMessage struct {
	ClientID int
	Request  Request
}

// Response is a TransactionResponse, BalanceResponse or LeaderChange.
type Response interface {
	isResponse()
}

type TransactionResponse struct {
	RequestID string
	Succeed   bool
	Balance   float64
	LeaderID  int
}

type BalanceResponse struct {
	RequestID string
	Succeed   bool
	Balance   float64
	LeaderID  int
}

// LeaderChange redirects a client to LeaderID. RequestID is empty when the
// change is announced rather than sent in answer to a request.
type LeaderChange struct {
	RequestID string
	Succeed   bool
	LeaderID  int
}

func (TransactionResponse) isResponse() {}
func (BalanceResponse) isResponse()     {}
func (LeaderChange) isResponse()        {}
