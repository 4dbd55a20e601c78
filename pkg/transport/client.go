package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ClientSession is a client's stream to one replica. Send and Recv may be
// called from different goroutines.
type ClientSession struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
}

// DialClient opens a session to the replica client endpoint at addr.
func DialClient(ctx context.Context, addr string, clientID int) (*ClientSession, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(ctx)
	stream, err := conn.NewStream(sctx, &clientServiceDesc.Streams[0], sessionMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		cancel()
		conn.Close()
		return nil, err
	}
	if err := stream.SendMsg(&clientHello{ClientID: clientID}); err != nil {
		cancel()
		conn.Close()
		return nil, err
	}
	return &ClientSession{conn: conn, stream: stream, cancel: cancel}, nil
}

func (c *ClientSession) Send(req Request) error {
	return c.stream.SendMsg(&requestEnvelope{Request: req})
}

func (c *ClientSession) Recv() (Response, error) {
	var env responseEnvelope
	if err := c.stream.RecvMsg(&env); err != nil {
		return nil, err
	}
	return env.Response, nil
}

func (c *ClientSession) Close() error {
	c.stream.CloseSend()
	c.cancel()
	return c.conn.Close()
}
