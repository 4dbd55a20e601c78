package simulator

import (
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/virajbhartiya/raftledger/pkg/fsm"
	"github.com/virajbhartiya/raftledger/pkg/ledger"
	"github.com/virajbhartiya/raftledger/pkg/raft"
	"github.com/virajbhartiya/raftledger/pkg/storage"
	"github.com/virajbhartiya/raftledger/pkg/transport"
)

func fastTiming(cfg *raft.Config) {
	cfg.ElectionTimeout = 150 * time.Millisecond
	cfg.HeartbeatPeriod = 30 * time.Millisecond
	cfg.LeaderWaitTimeout = 300 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
}

func startCluster(t *testing.T, dir string) *Cluster {
	t.Helper()
	c, err := NewCluster(dir, 3, 3, fastTiming)
	if err != nil {
		t.Fatalf("NewCluster failed: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return c
}

// eventually polls cond until it holds or timeout passes.
func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func converged(c *Cluster, want []float64) bool {
	statuses := c.Statuses()
	if len(statuses) != 3 {
		return false
	}
	last := statuses[0].LastIndex
	for _, st := range statuses {
		if st.LastIndex != last || st.CommittedIndex != last || !reflect.DeepEqual(st.Balances, want) {
			return false
		}
	}
	return true
}

func TestLeaderElection(t *testing.T) {
	c := startCluster(t, t.TempDir())
	defer c.Stop()

	if id := c.WaitForLeader(3 * time.Second); id == raft.NoLeader {
		t.Fatal("no leader elected")
	}

	leaders := make(map[uint64]int)
	for i := 0; i < 30; i++ {
		for id, st := range c.Statuses() {
			if st.Role != raft.Leader {
				continue
			}
			if prev, ok := leaders[st.Term]; ok && prev != id {
				t.Fatalf("replicas %d and %d both lead term %d", prev, id, st.Term)
			}
			leaders[st.Term] = id
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTransferReplicates(t *testing.T) {
	c := startCluster(t, t.TempDir())
	defer c.Stop()

	balance, err := c.Transfer(0, 1, 5, 5*time.Second)
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if balance != 5 {
		t.Errorf("sender balance = %v, want 5", balance)
	}

	eventually(t, 3*time.Second, "replicas to apply the transfer", func() bool {
		return converged(c, []float64{5, 15, 10})
	})

	got, err := c.Balance(1, 5*time.Second)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if got != 15 {
		t.Errorf("Balance(1) = %v, want 15", got)
	}
}

func TestFollowerRedirects(t *testing.T) {
	c := startCluster(t, t.TempDir())
	defer c.Stop()

	leader := c.WaitForLeader(3 * time.Second)
	if leader == raft.NoLeader {
		t.Fatal("no leader elected")
	}
	eventually(t, 3*time.Second, "followers to learn the leader", func() bool {
		for _, st := range c.Statuses() {
			if st.Leader != leader {
				return false
			}
		}
		return true
	})

	follower := (leader + 1) % 3
	id := uuid.NewString()
	if err := c.Submit(follower, 2, transport.BalanceRequest{RequestID: id}); err != nil {
		t.Fatal(err)
	}
	resp, ok := c.AwaitResponse(2, id, 2*time.Second)
	if !ok {
		t.Fatal("no response from follower")
	}
	lc, ok := resp.(transport.LeaderChange)
	if !ok || lc.Succeed || lc.LeaderID != leader {
		t.Errorf("response = %#v, want redirect to %d", resp, leader)
	}
}

func TestCrashAndRestart(t *testing.T) {
	dir := t.TempDir()
	c := startCluster(t, dir)

	if _, err := c.Transfer(2, 0, 4, 5*time.Second); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	eventually(t, 3*time.Second, "replicas to apply the transfer", func() bool {
		return converged(c, []float64{14, 10, 6})
	})
	terms := make(map[int]uint64)
	for id, st := range c.Statuses() {
		terms[id] = st.Term
	}
	c.Stop()

	c = startCluster(t, dir)
	defer c.Stop()
	for id, st := range c.Statuses() {
		if st.Term < terms[id] {
			t.Errorf("replica %d restarted in term %d, before %d", id, st.Term, terms[id])
		}
		if !reflect.DeepEqual(st.Balances, []float64{14, 10, 6}) {
			t.Errorf("replica %d restarted with balances %v", id, st.Balances)
		}
	}

	got, err := c.Balance(2, 5*time.Second)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if got != 6 {
		t.Errorf("Balance(2) = %v, want 6", got)
	}
}

func TestIsolatedLeaderIsRepaired(t *testing.T) {
	c := startCluster(t, t.TempDir())
	defer c.Stop()

	old := c.WaitForLeader(3 * time.Second)
	if old == raft.NoLeader {
		t.Fatal("no leader elected")
	}
	c.Partition(old, true)

	// The isolated leader appends but cannot commit.
	id := uuid.NewString()
	c.Submit(old, 0, transport.TransactionRequest{RequestID: id, SenderID: 0, ReceiverID: 1, Amount: 100})
	resp, ok := c.AwaitResponse(0, id, 2*time.Second)
	if !ok {
		t.Fatal("isolated leader did not answer")
	}
	if tr, ok := resp.(transport.TransactionResponse); !ok || tr.Succeed {
		t.Fatalf("response = %#v, want failure", resp)
	}

	eventually(t, 3*time.Second, "a new leader", func() bool {
		l := c.Leader()
		return l != raft.NoLeader && l != old
	})
	if _, err := c.Transfer(0, 2, 1, 5*time.Second); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	c.Partition(old, false)
	if _, err := c.Transfer(1, 2, 1, 5*time.Second); err != nil {
		t.Fatalf("Transfer after heal failed: %v", err)
	}
	eventually(t, 5*time.Second, "the old leader to catch up", func() bool {
		return converged(c, []float64{9, 9, 12})
	})
	if st := c.Server(old).Status(); st.Role == raft.Leader {
		t.Errorf("old leader still leads in term %d", st.Term)
	}
}

func TestHealedFollowerCatchesUpWhenIdle(t *testing.T) {
	c := startCluster(t, t.TempDir())
	defer c.Stop()

	leader := c.WaitForLeader(3 * time.Second)
	if leader == raft.NoLeader {
		t.Fatal("no leader elected")
	}
	lagging := (leader + 1) % 3
	c.Partition(lagging, true)

	if _, err := c.Transfer(0, 1, 4, 5*time.Second); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	eventually(t, 3*time.Second, "the connected replicas to commit", func() bool {
		for id, st := range c.Statuses() {
			if id != lagging && st.CommittedIndex < 0 {
				return false
			}
		}
		return true
	})

	// No client traffic after the heal; heartbeats alone must repair it.
	c.Partition(lagging, false)
	eventually(t, 5*time.Second, "the healed replica to catch up", func() bool {
		return converged(c, []float64{6, 14, 10})
	})
}

func TestReplayMatchesBalanceTable(t *testing.T) {
	dir := t.TempDir()
	c := startCluster(t, dir)

	transfers := []struct {
		from, to int
		amount   float64
	}{
		{0, 1, 2.5},
		{1, 2, 7},
		{2, 0, 0.25},
	}
	for _, tr := range transfers {
		if _, err := c.Transfer(tr.from, tr.to, tr.amount, 5*time.Second); err != nil {
			t.Fatalf("Transfer failed: %v", err)
		}
	}
	eventually(t, 3*time.Second, "replicas to commit everything", func() bool {
		return converged(c, []float64{7.75, 5.5, 16.75})
	})
	c.Stop()

	for id := 0; id < 3; id++ {
		replicaDir := filepath.Join(dir, fmt.Sprintf("replica-%d", id))
		chain, err := ledger.Load(filepath.Join(replicaDir, storage.LogFile))
		if err != nil {
			t.Fatalf("replica %d log: %v", id, err)
		}
		table, err := fsm.LoadBalanceTable(filepath.Join(replicaDir, storage.BalanceFile), 3, 10)
		if err != nil {
			t.Fatalf("replica %d table: %v", id, err)
		}
		committed := chain.Entries(0)[:chain.CommittedIndex()+1]
		if want := fsm.Replay(3, 10, committed); !reflect.DeepEqual(table.Snapshot(), want) {
			t.Errorf("replica %d table %v, replay %v", id, table.Snapshot(), want)
		}
	}
}
