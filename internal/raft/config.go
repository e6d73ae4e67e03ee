package raft

import (
	"errors"
	"log"
	"math/rand"
	"time"

	"github.com/quorumlabs/raftkv/internal/types"
)

// Config holds configuration for a Raft node.
type Config struct {
	ID    types.NodeID
	Peers []types.NodeID // other nodes (not including self)
	Addr  string         // this node's advertised address

	// ElectionTimeoutMin and ElectionTimeoutMax bound the randomized
	// election timeout. HeartbeatInterval must be strictly below
	// ElectionTimeoutMin.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration

	// MaxAppendEntries caps entries per AppendEntries RPC,
	// MaxAppendBytes caps their summed payload size.
	MaxAppendEntries int
	MaxAppendBytes   int

	// SnapshotThreshold triggers a snapshot once the log has grown this far
	// beyond its first index; 0 disables automatic snapshots.
	// SnapshotTrailingLogs entries are retained after compaction so
	// slightly-lagging followers catch up without InstallSnapshot.
	SnapshotThreshold    uint64
	SnapshotTrailingLogs uint64

	// SnapshotChunkBytes caps InstallSnapshot chunk size.
	SnapshotChunkBytes int

	// EnablePipelining permits multiple in-flight AppendEntries per peer.
	EnablePipelining   bool
	MaxInflightAppends int

	Rand   *rand.Rand  // optional: for deterministic randomness in tests
	Logger *log.Logger // optional: defaults to the standard logger
}

// DefaultConfig returns sensible defaults for production.
func DefaultConfig() Config {
	return Config{
		ElectionTimeoutMin:   150 * time.Millisecond,
		ElectionTimeoutMax:   300 * time.Millisecond,
		HeartbeatInterval:    50 * time.Millisecond,
		MaxAppendEntries:     100,
		MaxAppendBytes:       1 << 20,
		SnapshotThreshold:    10_000,
		SnapshotTrailingLogs: 1_000,
		SnapshotChunkBytes:   256 << 10,
		MaxInflightAppends:   4,
	}
}

// withDefaults fills in zero-valued tuning fields.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ElectionTimeoutMin == 0 {
		c.ElectionTimeoutMin = def.ElectionTimeoutMin
	}
	if c.ElectionTimeoutMax == 0 {
		c.ElectionTimeoutMax = def.ElectionTimeoutMax
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.MaxAppendEntries == 0 {
		c.MaxAppendEntries = def.MaxAppendEntries
	}
	if c.MaxAppendBytes == 0 {
		c.MaxAppendBytes = def.MaxAppendBytes
	}
	if c.SnapshotChunkBytes == 0 {
		c.SnapshotChunkBytes = def.SnapshotChunkBytes
	}
	if c.MaxInflightAppends == 0 {
		c.MaxInflightAppends = def.MaxInflightAppends
	}
	return c
}

// Validate rejects configurations that would break the protocol's timing or
// batching assumptions.
func (c Config) Validate() error {
	if c.ID == "" {
		return errors.New("raft: config: node ID is required")
	}
	if c.ElectionTimeoutMin >= c.ElectionTimeoutMax {
		return errors.New("raft: config: election_timeout_min must be less than election_timeout_max")
	}
	if c.HeartbeatInterval >= c.ElectionTimeoutMin {
		return errors.New("raft: config: heartbeat_interval must be less than election_timeout_min")
	}
	if c.MaxAppendEntries <= 0 {
		return errors.New("raft: config: max_append_entries must be greater than 0")
	}
	return nil
}

// clusterSize is the number of voting members, self included.
func (c Config) clusterSize() int {
	return len(c.Peers) + 1
}

// quorum is the strict majority of the configured cluster.
func (c Config) quorum() int {
	return c.clusterSize()/2 + 1
}
