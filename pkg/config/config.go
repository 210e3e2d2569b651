// Package config holds the node configuration, loadable from a YAML file
// and overridable by command-line flags.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/replikv/replikv/pkg/raft"
)

// Duration wraps time.Duration so YAML values like "150ms" parse.
type Duration time.Duration

// UnmarshalYAML parses Go duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in Go syntax.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config describes one node of the cluster.
type Config struct {
	NodeID   string            `yaml:"node_id"`
	RaftAddr string            `yaml:"raft_addr"`
	APIAddr  string            `yaml:"api_addr"`
	Peers    map[string]string `yaml:"peers"` // node id -> raft address
	WALDir   string            `yaml:"wal_dir"`

	ElectionTimeoutMin Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax Duration `yaml:"election_timeout_max"`
	HeartbeatInterval  Duration `yaml:"heartbeat_interval"`
	RPCTimeout         Duration `yaml:"rpc_timeout"`
	SnapshotThreshold  int      `yaml:"snapshot_threshold"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the standard timing parameters with everything else
// left for flags or the config file.
func Default() Config {
	return Config{
		Peers:              make(map[string]string),
		ElectionTimeoutMin: Duration(150 * time.Millisecond),
		ElectionTimeoutMax: Duration(300 * time.Millisecond),
		HeartbeatInterval:  Duration(50 * time.Millisecond),
		RPCTimeout:         Duration(50 * time.Millisecond),
		SnapshotThreshold:  1000,
		LogLevel:           "info",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields a node cannot run without.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.RaftAddr == "" {
		return fmt.Errorf("raft_addr is required")
	}
	if c.APIAddr == "" {
		return fmt.Errorf("api_addr is required")
	}
	if c.WALDir == "" {
		return fmt.Errorf("wal_dir is required")
	}
	if c.ElectionTimeoutMax <= c.ElectionTimeoutMin {
		return fmt.Errorf("election_timeout_max must exceed election_timeout_min")
	}
	if c.HeartbeatInterval >= c.ElectionTimeoutMin {
		return fmt.Errorf("heartbeat_interval must be well below the election timeout")
	}
	return nil
}

// Raft derives the consensus engine configuration. The peer list excludes
// this node.
func (c *Config) Raft() raft.Config {
	peers := make([]string, 0, len(c.Peers))
	for id := range c.Peers {
		if id != c.NodeID {
			peers = append(peers, id)
		}
	}
	return raft.Config{
		ID:                 c.NodeID,
		Peers:              peers,
		ElectionTimeoutMin: time.Duration(c.ElectionTimeoutMin),
		ElectionTimeoutMax: time.Duration(c.ElectionTimeoutMax),
		HeartbeatInterval:  time.Duration(c.HeartbeatInterval),
		RPCTimeout:         time.Duration(c.RPCTimeout),
		WALDir:             c.WALDir,
		SnapshotThreshold:  c.SnapshotThreshold,
	}
}

// PeerAddrs returns the node id -> raft address map the transport dials,
// excluding this node.
func (c *Config) PeerAddrs() map[string]string {
	out := make(map[string]string, len(c.Peers))
	for id, addr := range c.Peers {
		if id != c.NodeID {
			out[id] = addr
		}
	}
	return out
}
