package transport

// InProcNode is one replica's endpoint on an InProcTransport.
type InProcNode struct {
	id        int
	transport *InProcTransport
	replicaIn *Queue[Message]
	clientIn  *Queue[ClientMessage]
}

func (n *InProcNode) ID() int {
	return n.id
}

func (n *InProcNode) SendReplica(to int, payload Payload) {
	if to != Broadcast {
		n.transport.deliver(n.id, to, payload)
		return
	}
	for peer := 0; peer < n.transport.replicas; peer++ {
		if peer != n.id {
			n.transport.deliver(n.id, peer, payload)
		}
	}
}

func (n *InProcNode) ReplicaInbox() *Queue[Message] {
	return n.replicaIn
}

func (n *InProcNode) SendClient(to int, resp Response) {
	n.transport.sendClient(to, resp)
}

func (n *InProcNode) ClientInbox() *Queue[ClientMessage] {
	return n.clientIn
}

var _ Transport = (*InProcNode)(nil)
