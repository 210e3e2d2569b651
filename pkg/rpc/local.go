// Package rpc provides an in-memory transport used by the test harness.
// It routes RPCs between registered nodes and can sever links to simulate
// network partitions.
package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/replikv/replikv/pkg/raft"
)

// LocalTransport delivers RPCs by direct method call on the target node.
type LocalTransport struct {
	mu       sync.RWMutex
	nodes    map[string]*raft.Node
	disabled map[string]map[string]bool // disabled[from][to]
	latency  time.Duration
}

// NewLocalTransport creates an empty transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		nodes:    make(map[string]*raft.Node),
		disabled: make(map[string]map[string]bool),
	}
}

// Register adds a node reachable under id.
func (t *LocalTransport) Register(id string, node *raft.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = node
	t.disabled[id] = make(map[string]bool)
}

// SetLatency adds artificial latency to every delivered RPC.
func (t *LocalTransport) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// Disconnect severs the link from one node to another.
func (t *LocalTransport) Disconnect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] == nil {
		t.disabled[from] = make(map[string]bool)
	}
	t.disabled[from][to] = true
}

// Connect restores the link from one node to another.
func (t *LocalTransport) Connect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] != nil {
		delete(t.disabled[from], to)
	}
}

// Partition isolates a node from every other registered node, in both
// directions.
func (t *LocalTransport) Partition(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for other := range t.nodes {
		if other == id {
			continue
		}
		if t.disabled[id] == nil {
			t.disabled[id] = make(map[string]bool)
		}
		if t.disabled[other] == nil {
			t.disabled[other] = make(map[string]bool)
		}
		t.disabled[id][other] = true
		t.disabled[other][id] = true
	}
}

// Heal restores all links touching a node.
func (t *LocalTransport) Heal(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled[id] = make(map[string]bool)
	for other := range t.nodes {
		if t.disabled[other] != nil {
			delete(t.disabled[other], id)
		}
	}
}

// HealAll restores every link.
func (t *LocalTransport) HealAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled = make(map[string]map[string]bool)
}

func (t *LocalTransport) lookup(from, to string) (*raft.Node, time.Duration, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, ok := t.nodes[to]
	if !ok {
		return nil, 0, raft.ErrNodeNotFound
	}
	if t.disabled[from] != nil && t.disabled[from][to] {
		return nil, 0, raft.ErrNodeNotFound
	}
	return node, t.latency, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RequestVote delivers a RequestVote RPC.
func (t *LocalTransport) RequestVote(ctx context.Context, target string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	node, latency, err := t.lookup(args.CandidateID, target)
	if err != nil {
		return nil, err
	}
	if err := sleep(ctx, latency); err != nil {
		return nil, err
	}
	return node.HandleRequestVote(args), nil
}

// AppendEntries delivers an AppendEntries RPC.
func (t *LocalTransport) AppendEntries(ctx context.Context, target string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	node, latency, err := t.lookup(args.LeaderID, target)
	if err != nil {
		return nil, err
	}
	if err := sleep(ctx, latency); err != nil {
		return nil, err
	}
	return node.HandleAppendEntries(args), nil
}

// InstallSnapshot delivers an InstallSnapshot RPC.
func (t *LocalTransport) InstallSnapshot(ctx context.Context, target string, args *raft.InstallSnapshotArgs) (*raft.InstallSnapshotReply, error) {
	node, latency, err := t.lookup(args.LeaderID, target)
	if err != nil {
		return nil, err
	}
	if err := sleep(ctx, latency); err != nil {
		return nil, err
	}
	return node.HandleInstallSnapshot(args), nil
}
