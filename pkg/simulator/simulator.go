// Package simulator runs a whole ledger cluster in one process over an
// in-process transport, with crash, restart and partition controls.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log"

	"github.com/virajbhartiya/raftledger/pkg/raft"
	"github.com/virajbhartiya/raftledger/pkg/storage"
	"github.com/virajbhartiya/raftledger/pkg/transport"
)

var log = logging.Logger("simulator")

var (
	ErrUnknownReplica = errors.New("simulator: unknown replica")
	ErrNoLeader       = errors.New("simulator: no leader")
	ErrRejected       = errors.New("simulator: request rejected")
)

type node struct {
	server *raft.Server
	store  *storage.Storage
	cancel context.CancelFunc
	done   chan struct{}
}

type Cluster struct {
	mu        sync.Mutex
	transport *transport.InProcTransport
	nodes     map[int]*node
	dataDir   string
	clients   int
	cfg       raft.Config

	// responses holds client responses popped while waiting for another
	// request id.
	responses map[int][]transport.Response
}

// NewCluster prepares replicas whose durable files live under dataDir.
// tune, if not nil, adjusts the configuration shared by every replica.
func NewCluster(dataDir string, replicas, clients int, tune func(*raft.Config)) (*Cluster, error) {
	cfg := raft.DefaultConfig()
	cfg.Replicas = replicas
	if tune != nil {
		tune(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Cluster{
		transport: transport.NewInProcTransport(replicas, clients),
		nodes:     make(map[int]*node),
		dataDir:   dataDir,
		clients:   clients,
		cfg:       cfg,
		responses: make(map[int][]transport.Response),
	}, nil
}

// Start boots every replica that is not running.
func (c *Cluster) Start() error {
	for id := 0; id < c.cfg.Replicas; id++ {
		if err := c.Restart(id); err != nil {
			return err
		}
	}
	return nil
}

// Stop crashes every replica and closes the transport.
func (c *Cluster) Stop() {
	for id := 0; id < c.cfg.Replicas; id++ {
		c.Crash(id)
	}
	c.transport.Close()
}

// Crash stops replica id and closes its storage. Its files stay on disk.
func (c *Cluster) Crash(id int) {
	c.mu.Lock()
	n, ok := c.nodes[id]
	delete(c.nodes, id)
	c.mu.Unlock()
	if !ok {
		return
	}

	n.cancel()
	<-n.done
	c.transport.UnregisterNode(id)
	if err := n.store.Close(); err != nil {
		log.Warnf("closing storage of replica %d: %v", id, err)
	}
	log.Infof("replica %d crashed", id)
}

// Restart boots replica id from its files. It is a no-op if it is running.
func (c *Cluster) Restart(id int) error {
	if id < 0 || id >= c.cfg.Replicas {
		return fmt.Errorf("%w: %d", ErrUnknownReplica, id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[id]; ok {
		return nil
	}

	store, err := storage.Open(c.replicaDir(id), c.clients, c.cfg.InitialBalance)
	if err != nil {
		return err
	}
	cfg := c.cfg
	cfg.ID = id
	server, err := raft.NewServer(cfg, store.Chain, store.Table, store.Meta, c.transport.RegisterNode(id))
	if err != nil {
		store.Close()
		c.transport.UnregisterNode(id)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &node{server: server, store: store, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(n.done)
		server.Run(ctx)
	}()
	c.nodes[id] = n
	return nil
}

func (c *Cluster) replicaDir(id int) string {
	return filepath.Join(c.dataDir, fmt.Sprintf("replica-%d", id))
}

func (c *Cluster) Partition(id int, isolated bool) {
	c.transport.Partition(id, isolated)
}

func (c *Cluster) SetDropRate(rate float64) {
	c.transport.SetDropRate(rate)
}

func (c *Cluster) SetDelay(min, max time.Duration) {
	c.transport.SetDelay(min, max)
}

// Server returns the running replica id, or nil.
func (c *Cluster) Server(id int) *raft.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[id]; ok {
		return n.server
	}
	return nil
}

// Statuses returns the status of every running replica.
func (c *Cluster) Statuses() map[int]raft.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]raft.Status, len(c.nodes))
	for id, n := range c.nodes {
		out[id] = n.server.Status()
	}
	return out
}

// Leader returns the running, unpartitioned replica that believes it leads
// in the highest term, or raft.NoLeader.
func (c *Cluster) Leader() int {
	leader, term := raft.NoLeader, uint64(0)
	for id, st := range c.Statuses() {
		if st.Role != raft.Leader || c.transport.IsPartitioned(id, id) {
			continue
		}
		if leader == raft.NoLeader || st.Term > term {
			leader, term = id, st.Term
		}
	}
	return leader
}

// WaitForLeader polls until a leader is found or timeout passes.
func (c *Cluster) WaitForLeader(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if id := c.Leader(); id != raft.NoLeader {
			return id
		}
		time.Sleep(10 * time.Millisecond)
	}
	return raft.NoLeader
}

// Submit queues req from clientID at replica id.
func (c *Cluster) Submit(id, clientID int, req transport.Request) error {
	if !c.transport.SubmitClient(id, clientID, req) {
		return fmt.Errorf("%w: %d", ErrUnknownReplica, id)
	}
	return nil
}

// AwaitResponse waits for the response to requestID addressed to clientID.
// Responses for other requests are kept for later calls.
func (c *Cluster) AwaitResponse(clientID int, requestID string, timeout time.Duration) (transport.Response, bool) {
	queue := c.transport.ClientResponses(clientID)
	if queue == nil {
		return nil, false
	}
	deadline := time.Now().Add(timeout)
	for {
		if resp, ok := c.takeResponse(clientID, requestID); ok {
			return resp, true
		}
		for {
			resp, ok := queue.Pop()
			if !ok {
				break
			}
			c.mu.Lock()
			c.responses[clientID] = append(c.responses[clientID], resp)
			c.mu.Unlock()
		}
		if resp, ok := c.takeResponse(clientID, requestID); ok {
			return resp, true
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, false
		}
		select {
		case <-queue.Ready():
		case <-time.After(wait):
		}
	}
}

func (c *Cluster) takeResponse(clientID int, requestID string) (transport.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.responses[clientID]
	for i, resp := range pending {
		if responseID(resp) == requestID {
			c.responses[clientID] = append(pending[:i], pending[i+1:]...)
			return resp, true
		}
	}
	return nil, false
}

func responseID(resp transport.Response) string {
	switch r := resp.(type) {
	case transport.TransactionResponse:
		return r.RequestID
	case transport.BalanceResponse:
		return r.RequestID
	case transport.LeaderChange:
		return r.RequestID
	}
	return ""
}

// Transfer moves amount from clientID to receiver through the current
// leader, retrying until timeout. It returns the sender's balance.
func (c *Cluster) Transfer(clientID, receiver int, amount float64, timeout time.Duration) (float64, error) {
	resp, err := c.do(clientID, timeout, func(id string) transport.Request {
		return transport.TransactionRequest{RequestID: id, SenderID: clientID, ReceiverID: receiver, Amount: amount}
	})
	if err != nil {
		return 0, err
	}
	return resp.(transport.TransactionResponse).Balance, nil
}

// Balance reads clientID's balance through the log.
func (c *Cluster) Balance(clientID int, timeout time.Duration) (float64, error) {
	resp, err := c.do(clientID, timeout, func(id string) transport.Request {
		return transport.BalanceRequest{RequestID: id}
	})
	if err != nil {
		return 0, err
	}
	return resp.(transport.BalanceResponse).Balance, nil
}

// do sends a fresh request to whoever leads until one succeeds. A request
// that timed out may still commit later, so retries are not idempotent.
func (c *Cluster) do(clientID int, timeout time.Duration, build func(id string) transport.Request) (transport.Response, error) {
	deadline := time.Now().Add(timeout)
	perTry := c.cfg.LeaderWaitTimeout + c.cfg.ElectionTimeout
	for time.Now().Before(deadline) {
		leader := c.Leader()
		if leader == raft.NoLeader {
			time.Sleep(c.cfg.HeartbeatPeriod)
			continue
		}
		req := build(uuid.NewString())
		if err := c.Submit(leader, clientID, req); err != nil {
			continue
		}
		resp, ok := c.AwaitResponse(clientID, req.ID(), perTry)
		if !ok {
			log.Debugf("request %s to replica %d timed out", req.ID(), leader)
			continue
		}
		switch r := resp.(type) {
		case transport.TransactionResponse:
			if r.Succeed {
				return r, nil
			}
		case transport.BalanceResponse:
			if r.Succeed {
				return r, nil
			}
		case transport.LeaderChange:
			log.Debugf("replica %d redirected request %s to %d", leader, req.ID(), r.LeaderID)
			continue
		}
		log.Debugf("request %s failed at replica %d", req.ID(), leader)
	}
	if c.Leader() == raft.NoLeader {
		return nil, ErrNoLeader
	}
	return nil, ErrRejected
}
