package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	logging "github.com/ipfs/go-log"

	"github.com/virajbhartiya/raftledger/pkg/config"
	"github.com/virajbhartiya/raftledger/pkg/raft"
	"github.com/virajbhartiya/raftledger/pkg/storage"
	"github.com/virajbhartiya/raftledger/pkg/transport"
)

var log = logging.Logger("replica")

func main() {
	cluster := config.Default()
	cluster.RegisterFlags(flag.CommandLine)

	rc := raft.DefaultConfig()
	flag.DurationVar(&rc.ElectionTimeout, "election-timeout", rc.ElectionTimeout, "Base election timeout")
	flag.DurationVar(&rc.HeartbeatPeriod, "heartbeat", rc.HeartbeatPeriod, "Leader heartbeat period")
	flag.DurationVar(&rc.LeaderWaitTimeout, "leader-wait", rc.LeaderWaitTimeout, "How long a leader waits for a majority")
	candidate := flag.Bool("candidate", false, "Start as a candidate instead of a follower")
	level := flag.String("log-level", "info", "Log level")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <replica-id>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	id, err := strconv.Atoi(flag.Arg(0))
	if err != nil || !cluster.ValidReplica(id) {
		fmt.Fprintf(os.Stderr, "Error: replica id must be in [0, %d)\n", cluster.Replicas)
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

	rc.ID = id
	rc.Replicas = cluster.Replicas
	rc.InitialBalance = cluster.InitialBalance
	if *candidate {
		rc.InitialRole = raft.Candidate
	}

	store, err := storage.Open(cluster.ReplicaDataDir(id), cluster.Clients, cluster.InitialBalance)
	if err != nil {
		log.Fatalf("opening storage: %v", err)
	}
	defer store.Close()

	t := transport.NewGRPCTransport(id, cluster.Peers())
	if err := t.Listen(cluster.ReplicaAddr(id), cluster.ClientAddr(id)); err != nil {
		log.Fatalf("listening: %v", err)
	}
	defer t.Stop()

	server, err := raft.NewServer(rc, store.Chain, store.Table, store.Meta, t)
	if err != nil {
		log.Fatalf("starting replica: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infof("replica %d running, data in %s", id, store.Dir())
	if err := server.Run(ctx); err != nil && err != context.Canceled {
		log.Errorf("replica stopped: %v", err)
	}
	st := server.Status()
	log.Infof("replica %d shut down in term %d with committed index %d", id, st.Term, st.CommittedIndex)
}
