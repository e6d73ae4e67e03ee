package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/raftkv/internal/raft"
	"github.com/quorumlabs/raftkv/internal/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raftkv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validConfig = `
node:
  id: node1
  address: http://localhost:8081
  listen: ":8081"
  data_dir: /tmp/raftkv-node1
raft:
  election_timeout_min: 200ms
  election_timeout_max: 400ms
  heartbeat_interval: 75ms
  max_append_entries: 64
  snapshot_threshold: 5000
  snapshot_trailing_logs: 500
  enable_pipelining: true
cluster:
  peers:
    - id: node1
      address: http://localhost:8081
    - id: node2
      address: http://localhost:8082
    - id: node3
      address: http://localhost:8083
`

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.Equal(t, "node1", cfg.Node.ID)
	require.Equal(t, 200*time.Millisecond, cfg.Raft.ElectionTimeoutMin)
	require.True(t, cfg.Raft.EnablePipelining)
	require.Len(t, cfg.Cluster.Peers, 3)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestConfigValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing node id", func(c *Config) { c.Node.ID = "" }},
		{"missing address", func(c *Config) { c.Node.Address = "" }},
		{"missing listen", func(c *Config) { c.Node.Listen = "" }},
		{"no peers", func(c *Config) { c.Cluster.Peers = nil }},
		{"node not in peers", func(c *Config) { c.Node.ID = "ghost" }},
		{"address mismatch", func(c *Config) { c.Cluster.Peers[0].Address = "http://elsewhere" }},
		{"duplicate peer", func(c *Config) { c.Cluster.Peers[1].ID = "node1" }},
		{"heartbeat too slow", func(c *Config) { c.Raft.HeartbeatInterval = 500 * time.Millisecond }},
		{"inverted election window", func(c *Config) {
			c.Raft.ElectionTimeoutMin = 400 * time.Millisecond
			c.Raft.ElectionTimeoutMax = 200 * time.Millisecond
		}},
		{"negative append batch", func(c *Config) { c.Raft.MaxAppendEntries = -5 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeConfig(t, validConfig))
			require.NoError(t, err)
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestRaftConfigConversion(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	rc := cfg.RaftConfig()
	require.Equal(t, types.NodeID("node1"), rc.ID)
	require.ElementsMatch(t, []types.NodeID{"node2", "node3"}, rc.Peers)
	require.Equal(t, "http://localhost:8081", rc.Addr)
	require.Equal(t, 200*time.Millisecond, rc.ElectionTimeoutMin)
	require.Equal(t, 64, rc.MaxAppendEntries)
	require.Equal(t, uint64(5000), rc.SnapshotThreshold)
	require.Equal(t, uint64(500), rc.SnapshotTrailingLogs)
	require.True(t, rc.EnablePipelining)

	// An unset batching limit falls back to the engine default.
	require.Equal(t, raft.DefaultConfig().MaxAppendBytes, rc.MaxAppendBytes)
}
