// Package transport moves replica messages and client requests between
// processes and exposes them to the replica as FIFO queues.
package transport

import logging "github.com/ipfs/go-log"

var log = logging.Logger("transport")

// Transport is the replica's view of the network. Sends never block on the
// network and may silently lose messages; receives are queue pops.
type Transport interface {
	// SendReplica delivers payload to replica to, or to every other replica
	// when to is Broadcast.
	SendReplica(to int, payload Payload)
	ReplicaInbox() *Queue[Message]

	// SendClient delivers resp to client to, or to every client when to is Broadcast.
	SendClient(to int, resp Response)
	ClientInbox() *Queue[ClientMessage]
}
