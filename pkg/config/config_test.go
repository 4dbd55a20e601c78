package config

import (
	"errors"
	"flag"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Cluster)
	}{
		{"no replicas", func(c *Cluster) { c.Replicas = 0 }},
		{"no clients", func(c *Cluster) { c.Clients = 0 }},
		{"empty host", func(c *Cluster) { c.Host = "" }},
		{"bad replica port", func(c *Cluster) { c.ReplicaBasePort = 0 }},
		{"client port too high", func(c *Cluster) { c.ClientBasePort = 65535 }},
		{"overlapping ports", func(c *Cluster) { c.ClientBasePort = c.ReplicaBasePort + 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestAddresses(t *testing.T) {
	c := Default()

	if got := c.ReplicaAddr(2); got != "127.0.0.1:8902" {
		t.Errorf("ReplicaAddr(2) = %s", got)
	}
	if got := c.ClientAddr(1); got != "127.0.0.1:8021" {
		t.Errorf("ClientAddr(1) = %s", got)
	}
	peers := c.Peers()
	if len(peers) != 3 || peers[0] != "127.0.0.1:8900" {
		t.Errorf("Peers = %v", peers)
	}
	if got := c.ReplicaDataDir(1); got != filepath.Join("data", "replica-1") {
		t.Errorf("ReplicaDataDir(1) = %s", got)
	}
}

func TestValidIDs(t *testing.T) {
	c := Default()
	for _, id := range []int{0, 1, 2} {
		if !c.ValidReplica(id) || !c.ValidClient(id) {
			t.Errorf("id %d should be valid", id)
		}
	}
	for _, id := range []int{-1, 3} {
		if c.ValidReplica(id) || c.ValidClient(id) {
			t.Errorf("id %d should be invalid", id)
		}
	}
}

func TestRegisterFlags(t *testing.T) {
	c := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse([]string{"-replicas", "5", "-data-dir", "/tmp/x", "-initial-balance", "20"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Replicas != 5 || c.DataDir != "/tmp/x" || c.InitialBalance != 20 {
		t.Errorf("cluster = %+v", c)
	}
	if c.Clients != DefaultClients {
		t.Errorf("Clients changed to %d", c.Clients)
	}
}
