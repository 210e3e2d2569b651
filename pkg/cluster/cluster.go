// Package cluster provides an in-process multi-node harness built on the
// in-memory transport, used by the end-to-end tests.
package cluster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/replikv/replikv/pkg/raft"
	"github.com/replikv/replikv/pkg/rpc"
)

// Cluster is a set of nodes wired together through a LocalTransport.
type Cluster struct {
	Nodes     []*raft.Node
	Transport *rpc.LocalTransport

	ids []string
}

// Options tunes the harness.
type Options struct {
	// BaseDir is where each node's WAL directory is created.
	BaseDir string
	// SnapshotThreshold overrides the per-node compaction threshold.
	SnapshotThreshold int
	// ElectionTimeoutMin/Max and HeartbeatInterval override the timing
	// parameters; zero keeps the defaults.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
}

// New builds a stopped cluster of size nodes.
func New(size int, opts Options) (*Cluster, error) {
	if opts.BaseDir == "" {
		dir, err := os.MkdirTemp("", "replikv-cluster-")
		if err != nil {
			return nil, err
		}
		opts.BaseDir = dir
	}

	transport := rpc.NewLocalTransport()

	ids := make([]string, size)
	for i := range ids {
		ids[i] = fmt.Sprintf("node-%d", i)
	}

	c := &Cluster{
		Nodes:     make([]*raft.Node, size),
		Transport: transport,
		ids:       ids,
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)

	for i, id := range ids {
		peers := make([]string, 0, size-1)
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}

		cfg := raft.DefaultConfig(id, peers)
		cfg.WALDir = filepath.Join(opts.BaseDir, id)
		if opts.SnapshotThreshold > 0 {
			cfg.SnapshotThreshold = opts.SnapshotThreshold
		}
		if opts.ElectionTimeoutMin > 0 {
			cfg.ElectionTimeoutMin = opts.ElectionTimeoutMin
		}
		if opts.ElectionTimeoutMax > 0 {
			cfg.ElectionTimeoutMax = opts.ElectionTimeoutMax
		}
		if opts.HeartbeatInterval > 0 {
			cfg.HeartbeatInterval = opts.HeartbeatInterval
		}

		node, err := raft.Open(cfg, transport, logger)
		if err != nil {
			c.Stop()
			return nil, err
		}
		c.Nodes[i] = node
		transport.Register(id, node)
	}

	return c, nil
}

// Start launches every node.
func (c *Cluster) Start() {
	for _, n := range c.Nodes {
		if n != nil {
			n.Start()
		}
	}
}

// Stop shuts every node down.
func (c *Cluster) Stop() {
	for _, n := range c.Nodes {
		if n != nil {
			n.Stop()
		}
	}
}

// IDs returns the node identifiers in index order.
func (c *Cluster) IDs() []string {
	return c.ids
}

// Node returns the node with the given id, or nil.
func (c *Cluster) Node(id string) *raft.Node {
	for _, n := range c.Nodes {
		if n != nil && n.ID() == id {
			return n
		}
	}
	return nil
}

// Leader returns the current leader, or nil when none is installed.
func (c *Cluster) Leader() *raft.Node {
	for _, n := range c.Nodes {
		if n != nil && !n.Stopped() && n.IsLeader() {
			return n
		}
	}
	return nil
}

// WaitForLeader blocks until some node installs itself as leader.
func (c *Cluster) WaitForLeader(timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if leader := c.Leader(); leader != nil {
			return leader, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil, fmt.Errorf("no leader elected within %s", timeout)
}

// Put writes through the current leader, waiting for one to appear.
func (c *Cluster) Put(key, value string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		leader := c.Leader()
		if leader == nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		err := leader.Put(ctx, key, value)
		cancel()
		if err == nil {
			return nil
		}
		if err == raft.ErrNotLeader || err == raft.ErrNoQuorum {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		return err
	}
	return raft.ErrTimeout
}

// Partition isolates a node from the rest of the cluster.
func (c *Cluster) Partition(id string) {
	c.Transport.Partition(id)
}

// Heal reconnects a previously partitioned node.
func (c *Cluster) Heal(id string) {
	c.Transport.Heal(id)
}

// Crash permanently removes a node: it is partitioned away and stopped.
func (c *Cluster) Crash(id string) {
	c.Transport.Partition(id)
	if n := c.Node(id); n != nil {
		n.Stop()
	}
}

// WaitForCommitIndex blocks until the given node's commit index reaches
// at least index.
func (c *Cluster) WaitForCommitIndex(id string, index uint64, timeout time.Duration) error {
	node := c.Node(id)
	if node == nil {
		return raft.ErrNodeNotFound
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if node.CommitIndex() >= index {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("%s commit index %d below %d after %s", id, node.CommitIndex(), index, timeout)
}
