package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	deliverMethod = "/raftledger.Replica/Deliver"
	sessionMethod = "/raftledger.Client/Session"

	outboxSize  = 256
	sessionSize = 64

	defaultSendTimeout = 500 * time.Millisecond
)

type ack struct {
	OK bool
}

type clientHello struct {
	ClientID int
}

type requestEnvelope struct {
	Request Request
}

type responseEnvelope struct {
	Response Response
}

type replicaServer interface {
	Deliver(ctx context.Context, msg *Message) (*ack, error)
}

type clientServer interface {
	Session(stream grpc.ServerStream) error
}

var replicaServiceDesc = grpc.ServiceDesc{
	ServiceName: "raftledger.Replica",
	HandlerType: (*replicaServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftledger.proto",
}

var clientServiceDesc = grpc.ServiceDesc{
	ServiceName: "raftledger.Client",
	HandlerType: (*clientServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "raftledger.proto",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Message)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(replicaServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(replicaServer).Deliver(ctx, req.(*Message))
	}
	return interceptor(ctx, in, info, handler)
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(clientServer).Session(stream)
}

// GRPCTransport connects replica processes over gRPC. Replica messages go
// through a unary Deliver call, one ordered outbox per peer; clients hold a
// bidirectional Session stream per replica.
type GRPCTransport struct {
	id          int
	peers       map[int]string
	sendTimeout time.Duration

	replicaIn *Queue[Message]
	clientIn  *Queue[ClientMessage]

	peerServer   *grpc.Server
	clientServer *grpc.Server

	mu       sync.Mutex
	outboxes map[int]chan Message
	conns    []*grpc.ClientConn
	sessions map[int]chan Response
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewGRPCTransport creates the transport of replica id. peers maps every
// replica id to its peer address; the entry for id itself is ignored.
func NewGRPCTransport(id int, peers map[int]string) *GRPCTransport {
	t := &GRPCTransport{
		id:           id,
		peers:        peers,
		sendTimeout:  defaultSendTimeout,
		replicaIn:    NewQueue[Message](),
		clientIn:     NewQueue[ClientMessage](),
		peerServer:   grpc.NewServer(),
		clientServer: grpc.NewServer(),
		outboxes:     make(map[int]chan Message),
		sessions:     make(map[int]chan Response),
		stopCh:       make(chan struct{}),
	}
	t.peerServer.RegisterService(&replicaServiceDesc, &replicaService{t: t})
	t.clientServer.RegisterService(&clientServiceDesc, &clientService{t: t})
	return t
}

// Listen binds the peer and client addresses and starts serving.
func (t *GRPCTransport) Listen(peerAddr, clientAddr string) error {
	peerLis, err := net.Listen("tcp", peerAddr)
	if err != nil {
		return err
	}
	clientLis, err := net.Listen("tcp", clientAddr)
	if err != nil {
		peerLis.Close()
		return err
	}
	return t.Serve(peerLis, clientLis)
}

// Serve starts the servers on the given listeners and the per-peer senders.
func (t *GRPCTransport) Serve(peerLis, clientLis net.Listener) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for peer, addr := range t.peers {
		if peer == t.id {
			continue
		}
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return err
		}
		out := make(chan Message, outboxSize)
		t.conns = append(t.conns, conn)
		t.outboxes[peer] = out
		t.wg.Add(1)
		go t.runSender(peer, conn, out)
	}

	go func() {
		if err := t.peerServer.Serve(peerLis); err != nil {
			log.Errorf("peer server stopped: %v", err)
		}
	}()
	go func() {
		if err := t.clientServer.Serve(clientLis); err != nil {
			log.Errorf("client server stopped: %v", err)
		}
	}()
	log.Infof("replica %d serving peers on %s, clients on %s", t.id, peerLis.Addr(), clientLis.Addr())
	return nil
}

// Stop may be called more than once.
func (t *GRPCTransport) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.peerServer.Stop()
		t.clientServer.Stop()
		t.wg.Wait()

		t.mu.Lock()
		defer t.mu.Unlock()
		for _, conn := range t.conns {
			conn.Close()
		}
		t.conns = nil
	})
}

func (t *GRPCTransport) SendReplica(to int, payload Payload) {
	msg := Message{From: t.id, Payload: payload}

	t.mu.Lock()
	defer t.mu.Unlock()
	if to != Broadcast {
		t.enqueue(to, t.outboxes[to], msg)
		return
	}
	for peer, out := range t.outboxes {
		t.enqueue(peer, out, msg)
	}
}

func (t *GRPCTransport) enqueue(peer int, out chan Message, msg Message) {
	if out == nil {
		log.Warnf("no route to replica %d", peer)
		return
	}
	select {
	case out <- msg:
	default:
		log.Debugf("outbox to %d full, dropping %T", peer, msg.Payload)
	}
}

func (t *GRPCTransport) ReplicaInbox() *Queue[Message] {
	return t.replicaIn
}

func (t *GRPCTransport) SendClient(to int, resp Response) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if to == Broadcast {
		for id, out := range t.sessions {
			t.push(id, out, resp)
		}
		return
	}
	out, ok := t.sessions[to]
	if !ok {
		log.Debugf("client %d not connected, dropping %T", to, resp)
		return
	}
	t.push(to, out, resp)
}

func (t *GRPCTransport) push(client int, out chan Response, resp Response) {
	select {
	case out <- resp:
	default:
		log.Debugf("session of client %d full, dropping %T", client, resp)
	}
}

func (t *GRPCTransport) ClientInbox() *Queue[ClientMessage] {
	return t.clientIn
}

func (t *GRPCTransport) runSender(peer int, conn *grpc.ClientConn, out <-chan Message) {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		case msg := <-out:
			ctx, cancel := context.WithTimeout(context.Background(), t.sendTimeout)
			err := conn.Invoke(ctx, deliverMethod, &msg, &ack{}, grpc.CallContentSubtype(codecName))
			cancel()
			if err != nil {
				log.Debugf("deliver %T to %d failed: %v", msg.Payload, peer, err)
			}
		}
	}
}

func (t *GRPCTransport) serveSession(stream grpc.ServerStream) error {
	var hello clientHello
	if err := stream.RecvMsg(&hello); err != nil {
		return err
	}
	out := make(chan Response, sessionSize)

	t.mu.Lock()
	t.sessions[hello.ClientID] = out
	t.mu.Unlock()
	log.Infof("client %d connected", hello.ClientID)

	ctx, cancel := context.WithCancel(stream.Context())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case resp := <-out:
				if err := stream.SendMsg(&responseEnvelope{Response: resp}); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	defer func() {
		cancel()
		wg.Wait()
		t.mu.Lock()
		if t.sessions[hello.ClientID] == out {
			delete(t.sessions, hello.ClientID)
		}
		t.mu.Unlock()
		log.Infof("client %d disconnected", hello.ClientID)
	}()

	for {
		var env requestEnvelope
		if err := stream.RecvMsg(&env); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		t.clientIn.Push(ClientMessage{ClientID: hello.ClientID, Request: env.Request})
	}
}

type replicaService struct {
	t *GRPCTransport
}

func (s *replicaService) Deliver(ctx context.Context, msg *Message) (*ack, error) {
	s.t.replicaIn.Push(*msg)
	return &ack{OK: true}, nil
}

type clientService struct {
	t *GRPCTransport
}

func (s *clientService) Session(stream grpc.ServerStream) error {
	return s.t.serveSession(stream)
}

var _ Transport = (*GRPCTransport)(nil)
