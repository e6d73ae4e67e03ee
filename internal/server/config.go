package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quorumlabs/raftkv/internal/raft"
	"github.com/quorumlabs/raftkv/internal/types"
)

// Config is the on-disk server configuration.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Raft    RaftConfig    `yaml:"raft"`
	Cluster ClusterConfig `yaml:"cluster"`
}

type NodeConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`  // advertised to peers and clients
	Listen  string `yaml:"listen"`   // bind address, e.g. ":8080"
	DataDir string `yaml:"data_dir"` // empty selects in-memory storage
}

type RaftConfig struct {
	ElectionTimeoutMin   time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax   time.Duration `yaml:"election_timeout_max"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	MaxAppendEntries     int           `yaml:"max_append_entries"`
	MaxAppendBytes       int           `yaml:"max_append_bytes"`
	SnapshotThreshold    uint64        `yaml:"snapshot_threshold"`
	SnapshotTrailingLogs uint64        `yaml:"snapshot_trailing_logs"`
	EnablePipelining     bool          `yaml:"enable_pipelining"`
}

type ClusterConfig struct {
	Peers []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.Address == "" {
		return fmt.Errorf("node.address is required")
	}
	if c.Node.Listen == "" {
		return fmt.Errorf("node.listen is required")
	}
	if len(c.Cluster.Peers) == 0 {
		return fmt.Errorf("cluster.peers must contain at least one peer")
	}

	found := false
	for _, peer := range c.Cluster.Peers {
		if peer.ID == c.Node.ID {
			found = true
			if peer.Address != c.Node.Address {
				return fmt.Errorf("node address mismatch: node.address=%s but peer address=%s",
					c.Node.Address, peer.Address)
			}
			break
		}
	}
	if !found {
		return fmt.Errorf("node.id=%s not found in cluster.peers", c.Node.ID)
	}

	uniqueIDs := make(map[string]bool)
	for _, peer := range c.Cluster.Peers {
		if peer.ID == "" || peer.Address == "" {
			return fmt.Errorf("every peer needs an id and an address")
		}
		if uniqueIDs[peer.ID] {
			return fmt.Errorf("duplicate peer ID: %s", peer.ID)
		}
		uniqueIDs[peer.ID] = true
	}

	// Raft timing and batching limits are checked by the engine config;
	// surface those failures at load time too.
	return c.RaftConfig().Validate()
}

// RaftConfig converts the file config into an engine config. Zero-valued
// timing and batching fields fall back to engine defaults; the snapshot
// fields and enable_pipelining are copied as given, so an unset
// snapshot_threshold disables automatic snapshots.
func (c *Config) RaftConfig() raft.Config {
	cfg := raft.DefaultConfig()
	cfg.ID = types.NodeID(c.Node.ID)
	cfg.Addr = c.Node.Address
	for _, peer := range c.Cluster.Peers {
		if peer.ID != c.Node.ID {
			cfg.Peers = append(cfg.Peers, types.NodeID(peer.ID))
		}
	}
	if c.Raft.ElectionTimeoutMin != 0 {
		cfg.ElectionTimeoutMin = c.Raft.ElectionTimeoutMin
	}
	if c.Raft.ElectionTimeoutMax != 0 {
		cfg.ElectionTimeoutMax = c.Raft.ElectionTimeoutMax
	}
	if c.Raft.HeartbeatInterval != 0 {
		cfg.HeartbeatInterval = c.Raft.HeartbeatInterval
	}
	if c.Raft.MaxAppendEntries != 0 {
		cfg.MaxAppendEntries = c.Raft.MaxAppendEntries
	}
	if c.Raft.MaxAppendBytes != 0 {
		cfg.MaxAppendBytes = c.Raft.MaxAppendBytes
	}
	cfg.SnapshotThreshold = c.Raft.SnapshotThreshold
	cfg.SnapshotTrailingLogs = c.Raft.SnapshotTrailingLogs
	cfg.EnablePipelining = c.Raft.EnablePipelining
	return cfg
}

// PeerAddresses maps peer IDs to addresses, self included.
func (c *Config) PeerAddresses() map[types.NodeID]string {
	res := make(map[types.NodeID]string, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		res[types.NodeID(peer.ID)] = peer.Address
	}
	return res
}
