// Package config describes the cluster topology shared by replicas and clients.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("config: invalid configuration")

const (
	DefaultReplicas        = 3
	DefaultClients         = 3
	DefaultHost            = "127.0.0.1"
	DefaultReplicaBasePort = 8900
	DefaultClientBasePort  = 8020
	DefaultInitialBalance  = 10.0
	DefaultDataDir         = "data"
)

// Cluster is the static layout of the system. Replica i listens for peers on
// ReplicaBasePort+i and for clients on ClientBasePort+i. Client ids double as
// account ids.
type Cluster struct {
	Replicas        int
	Clients         int
	Host            string
	ReplicaBasePort int
	ClientBasePort  int
	InitialBalance  float64
	DataDir         string
}

func Default() Cluster {
	return Cluster{
		Replicas:        DefaultReplicas,
		Clients:         DefaultClients,
		Host:            DefaultHost,
		ReplicaBasePort: DefaultReplicaBasePort,
		ClientBasePort:  DefaultClientBasePort,
		InitialBalance:  DefaultInitialBalance,
		DataDir:         DefaultDataDir,
	}
}

// RegisterFlags binds the cluster fields to fs, keeping current values as defaults.
func (c *Cluster) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.Replicas, "replicas", c.Replicas, "Number of replicas")
	fs.IntVar(&c.Clients, "clients", c.Clients, "Number of clients (accounts)")
	fs.StringVar(&c.Host, "host", c.Host, "Host every replica listens on")
	fs.IntVar(&c.ReplicaBasePort, "replica-port", c.ReplicaBasePort, "Base port for replica-to-replica traffic")
	fs.IntVar(&c.ClientBasePort, "client-port", c.ClientBasePort, "Base port for client sessions")
	fs.Float64Var(&c.InitialBalance, "initial-balance", c.InitialBalance, "Starting balance of every account")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "Root directory for replica data")
}

func (c Cluster) Validate() error {
	switch {
	case c.Replicas < 1:
		return fmt.Errorf("%w: replicas must be positive", ErrInvalidConfig)
	case c.Clients < 1:
		return fmt.Errorf("%w: clients must be positive", ErrInvalidConfig)
	case c.Host == "":
		return fmt.Errorf("%w: host is empty", ErrInvalidConfig)
	case c.ReplicaBasePort <= 0 || c.ReplicaBasePort+c.Replicas > 65536:
		return fmt.Errorf("%w: replica ports out of range", ErrInvalidConfig)
	case c.ClientBasePort <= 0 || c.ClientBasePort+c.Replicas > 65536:
		return fmt.Errorf("%w: client ports out of range", ErrInvalidConfig)
	case c.overlaps():
		return fmt.Errorf("%w: replica and client port ranges overlap", ErrInvalidConfig)
	}
	return nil
}

func (c Cluster) overlaps() bool {
	return c.ReplicaBasePort < c.ClientBasePort+c.Replicas && c.ClientBasePort < c.ReplicaBasePort+c.Replicas
}

// ValidReplica reports whether id names a replica of the cluster.
func (c Cluster) ValidReplica(id int) bool {
	return id >= 0 && id < c.Replicas
}

func (c Cluster) ValidClient(id int) bool {
	return id >= 0 && id < c.Clients
}

func (c Cluster) ReplicaAddr(id int) string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.ReplicaBasePort+id))
}

func (c Cluster) ClientAddr(id int) string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.ClientBasePort+id))
}

// Peers maps every replica id to its peer address.
func (c Cluster) Peers() map[int]string {
	peers := make(map[int]string, c.Replicas)
	for i := 0; i < c.Replicas; i++ {
		peers[i] = c.ReplicaAddr(i)
	}
	return peers
}

func (c Cluster) ReplicaDataDir(id int) string {
	return filepath.Join(c.DataDir, fmt.Sprintf("replica-%d", id))
}
