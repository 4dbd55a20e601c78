package raft

import (
	"fmt"
	"time"
)

// Config holds the replica's identity and protocol timing.
type Config struct {
	ID       int
	Replicas int

	// ElectionTimeout is the base timeout; each wait draws uniformly from
	// 75% to 125% of it.
	ElectionTimeout   time.Duration
	HeartbeatPeriod   time.Duration
	LeaderWaitTimeout time.Duration // how long a leader waits for a majority per request
	PollInterval      time.Duration // upper bound on a single idle wait

	InitialRole    Role
	InitialBalance float64
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Replicas:          3,
		ElectionTimeout:   500 * time.Millisecond,
		HeartbeatPeriod:   100 * time.Millisecond,
		LeaderWaitTimeout: 300 * time.Millisecond,
		PollInterval:      20 * time.Millisecond,
		InitialRole:       Follower,
		InitialBalance:    10,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	switch {
	case c.Replicas < 1:
		return fmt.Errorf("%w: replicas must be positive", ErrInvalidConfig)
	case c.ID < 0 || c.ID >= c.Replicas:
		return fmt.Errorf("%w: id %d outside [0, %d)", ErrInvalidConfig, c.ID, c.Replicas)
	case c.ElectionTimeout <= 0 || c.HeartbeatPeriod <= 0 || c.LeaderWaitTimeout <= 0 || c.PollInterval <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	case c.HeartbeatPeriod >= c.ElectionTimeout*3/4:
		return fmt.Errorf("%w: heartbeat period must be below the minimum election timeout", ErrInvalidConfig)
	case c.InitialRole != Follower && c.InitialRole != Candidate:
		return fmt.Errorf("%w: initial role %s", ErrInvalidConfig, c.InitialRole)
	}
	return nil
}
