package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log"

	"github.com/virajbhartiya/raftledger/pkg/config"
	"github.com/virajbhartiya/raftledger/pkg/transport"
)

var log = logging.Logger("client")

var errNoAnswer = errors.New("no replica answered")

type client struct {
	id       int
	cluster  config.Cluster
	timeout  time.Duration
	sessions map[int]*transport.ClientSession
	inbox    chan transport.Response
	leader   int
}

func main() {
	cluster := config.Default()
	cluster.RegisterFlags(flag.CommandLine)
	timeout := flag.Duration("timeout", 2*time.Second, "How long to wait for a replica to answer")
	level := flag.String("log-level", "warn", "Log level")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <client-id>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Commands: transfer <to> <amount> | balance | quit\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	id, err := strconv.Atoi(flag.Arg(0))
	if err != nil || !cluster.ValidClient(id) {
		fmt.Fprintf(os.Stderr, "Error: client id must be in [0, %d)\n", cluster.Clients)
		os.Exit(1)
	}
	if err := cluster.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := logging.SetLogLevel("*", *level); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	c := &client{
		id:       id,
		cluster:  cluster,
		timeout:  *timeout,
		sessions: make(map[int]*transport.ClientSession),
		inbox:    make(chan transport.Response, 64),
	}
	defer c.close()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 {
			if fields[0] == "quit" {
				return
			}
			c.run(fields)
		}
		fmt.Print("> ")
	}
}

func (c *client) run(fields []string) {
	switch fields[0] {
	case "transfer":
		if len(fields) != 3 {
			fmt.Println("usage: transfer <to> <amount>")
			return
		}
		to, err := strconv.Atoi(fields[1])
		if err != nil || !c.cluster.ValidClient(to) {
			fmt.Printf("receiver must be in [0, %d)\n", c.cluster.Clients)
			return
		}
		amount, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			fmt.Printf("bad amount %q\n", fields[2])
			return
		}
		resp, err := c.do(transport.TransactionRequest{
			RequestID:  uuid.NewString(),
			SenderID:   c.id,
			ReceiverID: to,
			Amount:     amount,
		})
		if err != nil {
			fmt.Println(err)
			return
		}
		r := resp.(transport.TransactionResponse)
		if r.Succeed {
			fmt.Printf("transferred %v to %d, balance %v\n", amount, to, r.Balance)
		} else {
			fmt.Printf("transfer not committed, balance %v\n", r.Balance)
		}
	case "balance":
		resp, err := c.do(transport.BalanceRequest{RequestID: uuid.NewString()})
		if err != nil {
			fmt.Println(err)
			return
		}
		r := resp.(transport.BalanceResponse)
		if r.Succeed {
			fmt.Printf("balance %v\n", r.Balance)
		} else {
			fmt.Printf("balance not confirmed, last known %v\n", r.Balance)
		}
	default:
		fmt.Printf("unknown command %q\n", fields[0])
	}
}

// do sends req to the replica believed to lead, following redirects and
// moving to the next replica when one does not answer in time.
func (c *client) do(req transport.Request) (transport.Response, error) {
	for attempt := 0; attempt < 2*c.cluster.Replicas; attempt++ {
		target := c.leader
		s, err := c.session(target)
		if err != nil {
			log.Debugf("replica %d unreachable: %v", target, err)
			c.leader = (target + 1) % c.cluster.Replicas
			continue
		}
		if err := s.Send(req); err != nil {
			log.Debugf("sending to replica %d: %v", target, err)
			c.drop(target)
			c.leader = (target + 1) % c.cluster.Replicas
			continue
		}

		resp, ok := c.await(req.ID())
		if !ok {
			log.Infof("replica %d did not answer %s", target, req.ID())
			c.leader = (target + 1) % c.cluster.Replicas
			continue
		}
		if lc, ok := resp.(transport.LeaderChange); ok {
			if lc.LeaderID < 0 || lc.LeaderID == target {
				c.leader = (target + 1) % c.cluster.Replicas
			} else {
				c.leader = lc.LeaderID
			}
			log.Debugf("redirected to replica %d", c.leader)
			continue
		}
		return resp, nil
	}
	return nil, errNoAnswer
}

// await returns the response to requestID, tracking leader announcements
// that arrive meanwhile.
func (c *client) await(requestID string) (transport.Response, bool) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	for {
		select {
		case resp := <-c.inbox:
			switch r := resp.(type) {
			case transport.LeaderChange:
				if r.RequestID == requestID {
					return r, true
				}
				if r.RequestID == "" && r.Succeed {
					log.Infof("replica %d announced leadership", r.LeaderID)
					c.leader = r.LeaderID
				}
			case transport.TransactionResponse:
				if r.RequestID == requestID {
					return r, true
				}
			case transport.BalanceResponse:
				if r.RequestID == requestID {
					return r, true
				}
			}
		case <-timer.C:
			return nil, false
		}
	}
}

func (c *client) session(replica int) (*transport.ClientSession, error) {
	if s, ok := c.sessions[replica]; ok {
		return s, nil
	}
	s, err := transport.DialClient(context.Background(), c.cluster.ClientAddr(replica), c.id)
	if err != nil {
		return nil, err
	}
	c.sessions[replica] = s
	go c.read(replica, s)
	return s, nil
}

func (c *client) read(replica int, s *transport.ClientSession) {
	for {
		resp, err := s.Recv()
		if err != nil {
			log.Debugf("session with replica %d closed: %v", replica, err)
			return
		}
		c.inbox <- resp
	}
}

func (c *client) drop(replica int) {
	if s, ok := c.sessions[replica]; ok {
		s.Close()
		delete(c.sessions, replica)
	}
}

func (c *client) close() {
	for id := range c.sessions {
		c.drop(id)
	}
}
