package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/virajbhartiya/raftledger/pkg/ledger"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return lis
}

func startPair(t *testing.T) (*GRPCTransport, *GRPCTransport, net.Listener) {
	t.Helper()
	peer0, peer1 := listen(t), listen(t)
	client0, client1 := listen(t), listen(t)
	peers := map[int]string{
		0: peer0.Addr().String(),
		1: peer1.Addr().String(),
	}

	t0 := NewGRPCTransport(0, peers)
	t1 := NewGRPCTransport(1, peers)
	if err := t0.Serve(peer0, client0); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if err := t1.Serve(peer1, client1); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(func() {
		t0.Stop()
		t1.Stop()
	})
	return t0, t1, client0
}

func TestGRPCDeliver(t *testing.T) {
	t0, t1, _ := startPair(t)

	entries := []ledger.Block{{Term: 2, Index: 0, Txn: ledger.NewTransfer(0, 1, 5)}}
	t0.SendReplica(1, AppendEntriesArgs{Term: 2, LeaderID: 0, PrevLogIndex: -1, CommitIndex: -1, Entries: entries})
	t0.SendReplica(Broadcast, RequestVoteArgs{Term: 3, CandidateID: 0, LastLogIndex: 0, LastLogTerm: 2})

	waitLen(t, t1.ReplicaInbox(), 2)

	msg, _ := t1.ReplicaInbox().Pop()
	args, ok := msg.Payload.(AppendEntriesArgs)
	if !ok {
		t.Fatalf("first payload = %T", msg.Payload)
	}
	if msg.From != 0 || args.PrevLogIndex != -1 || len(args.Entries) != 1 || args.Entries[0] != entries[0] {
		t.Errorf("AppendEntriesArgs = %+v", args)
	}

	msg, _ = t1.ReplicaInbox().Pop()
	if vote, ok := msg.Payload.(RequestVoteArgs); !ok || vote.Term != 3 {
		t.Errorf("second payload = %#v", msg.Payload)
	}
}

func TestGRPCClientSession(t *testing.T) {
	t0, _, clientLis := startPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	session, err := DialClient(ctx, clientLis.Addr().String(), 2)
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}
	defer session.Close()

	if err := session.Send(TransactionRequest{RequestID: "abc", SenderID: 2, ReceiverID: 0, Amount: 1.5}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitLen(t, t0.ClientInbox(), 1)

	cm, _ := t0.ClientInbox().Pop()
	req, ok := cm.Request.(TransactionRequest)
	if !ok || cm.ClientID != 2 || req.Amount != 1.5 || req.RequestID != "abc" {
		t.Fatalf("ClientMessage = %#v", cm)
	}

	t0.SendClient(2, TransactionResponse{RequestID: "abc", Succeed: true, Balance: 8.5, LeaderID: 0})

	resp, err := session.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	got, ok := resp.(TransactionResponse)
	if !ok || !got.Succeed || got.Balance != 8.5 {
		t.Errorf("response = %#v", resp)
	}
}

func TestGRPCStopTwice(t *testing.T) {
	t0, _, _ := startPair(t)
	t0.Stop()
	t0.Stop()
}
