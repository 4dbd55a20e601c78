package transport

import (
	"math/rand"
	"sync"
	"time"
)

// InProcTransport connects replicas living in one process. It can isolate
// replicas, delay messages and drop a fraction of them, and keeps per-link
// FIFO order under delay.
type InProcTransport struct {
	mu         sync.RWMutex
	replicas   int
	nodes      map[int]*InProcNode
	clients    map[int]*Queue[Response]
	links      map[[2]int]chan delayed
	dropRate   float64
	delayMin   time.Duration
	delayMax   time.Duration
	partitions map[int]bool
	closed     bool
}

type delayed struct {
	msg Message
	to  int
	at  time.Time
}

const linkBuffer = 1024

func NewInProcTransport(replicas, clients int) *InProcTransport {
	t := &InProcTransport{
		replicas:   replicas,
		nodes:      make(map[int]*InProcNode),
		clients:    make(map[int]*Queue[Response]),
		links:      make(map[[2]int]chan delayed),
		partitions: make(map[int]bool),
	}
	for i := 0; i < clients; i++ {
		t.clients[i] = NewQueue[Response]()
	}
	return t
}

// RegisterNode attaches replica id with empty inboxes, replacing any
// previous registration.
func (t *InProcTransport) RegisterNode(id int) *InProcNode {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := &InProcNode{
		id:        id,
		transport: t,
		replicaIn: NewQueue[Message](),
		clientIn:  NewQueue[ClientMessage](),
	}
	t.nodes[id] = node
	return node
}

// UnregisterNode detaches replica id; messages to it are dropped.
func (t *InProcTransport) UnregisterNode(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, id)
}

func (t *InProcTransport) SetDropRate(rate float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropRate = rate
}

func (t *InProcTransport) SetDelay(min, max time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delayMin = min
	t.delayMax = max
}

// Partition isolates nodeID from every other replica, or heals it.
func (t *InProcTransport) Partition(nodeID int, isolated bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partitions[nodeID] = isolated
}

func (t *InProcTransport) IsPartitioned(from, to int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.partitions[from] || t.partitions[to]
}

// SubmitClient queues req from clientID at replica replicaID.
func (t *InProcTransport) SubmitClient(replicaID, clientID int, req Request) bool {
	t.mu.RLock()
	node := t.nodes[replicaID]
	t.mu.RUnlock()
	if node == nil {
		return false
	}
	node.clientIn.Push(ClientMessage{ClientID: clientID, Request: req})
	return true
}

// ClientResponses returns the queue of responses sent to clientID by any replica.
func (t *InProcTransport) ClientResponses(clientID int) *Queue[Response] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.clients[clientID]
}

// Close stops delayed delivery. Later sends are dropped.
func (t *InProcTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, ch := range t.links {
		close(ch)
	}
	t.links = nil
}

func (t *InProcTransport) deliver(from, to int, payload Payload) {
	t.mu.RLock()
	if t.closed || t.partitions[from] || t.partitions[to] {
		t.mu.RUnlock()
		return
	}
	node := t.nodes[to]
	dropRate := t.dropRate
	delayMin := t.delayMin
	delayMax := t.delayMax
	t.mu.RUnlock()

	if node == nil {
		return
	}
	if dropRate > 0 && rand.Float64() < dropRate {
		log.Debugf("dropped %T from %d to %d", payload, from, to)
		return
	}

	msg := Message{From: from, Payload: payload}
	delay := delayMin
	if delayMax > delayMin {
		delay += time.Duration(rand.Int63n(int64(delayMax - delayMin)))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	key := [2]int{from, to}
	ch, ok := t.links[key]
	if !ok && delay <= 0 {
		node.replicaIn.Push(msg)
		return
	}
	// Once a link exists every message goes through it, so a message sent
	// after the delay is lowered cannot overtake one still in flight.
	if !ok {
		ch = make(chan delayed, linkBuffer)
		t.links[key] = ch
		go t.runLink(ch)
	}
	select {
	case ch <- delayed{msg: msg, to: to, at: time.Now().Add(delay)}:
	default:
		log.Debugf("link %d->%d full, dropping %T", from, to, payload)
	}
}

func (t *InProcTransport) runLink(ch <-chan delayed) {
	for d := range ch {
		if wait := time.Until(d.at); wait > 0 {
			time.Sleep(wait)
		}
		t.mu.RLock()
		node := t.nodes[d.to]
		cut := t.partitions[d.msg.From] || t.partitions[d.to]
		t.mu.RUnlock()
		if node != nil && !cut {
			node.replicaIn.Push(d.msg)
		}
	}
}

func (t *InProcTransport) sendClient(to int, resp Response) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if to == Broadcast {
		for _, q := range t.clients {
			q.Push(resp)
		}
		return
	}
	if q, ok := t.clients[to]; ok {
		q.Push(resp)
	}
}
