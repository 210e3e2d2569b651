package raft

import (
	"context"
	"time"

	"github.com/replikv/replikv/pkg/wal"
)

// Role represents the consensus role of a node.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// Entry is a single replicated operation.
type Entry = wal.Entry

// Config holds the configuration for a node.
type Config struct {
	ID                 string
	Peers              []string
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration
	WALDir             string
	SnapshotThreshold  int
}

// DefaultConfig returns a configuration with the standard timing
// parameters: election timeout drawn from [150ms, 300ms], heartbeats
// every 50ms, per-call deadline of one heartbeat interval.
func DefaultConfig(id string, peers []string) Config {
	return Config{
		ID:                 id,
		Peers:              peers,
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		RPCTimeout:         50 * time.Millisecond,
		WALDir:             "/tmp/replikv-" + id,
		SnapshotThreshold:  1000,
	}
}

// RequestVoteArgs carries a candidate's vote solicitation.
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteReply is the response to RequestVote.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesArgs carries replicated entries or, when Entries is empty,
// a heartbeat.
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []Entry
	LeaderCommit uint64
}

// AppendEntriesReply is the response to AppendEntries.
type AppendEntriesReply struct {
	Term      uint64
	Success   bool
	LastIndex uint64
}

// InstallSnapshotArgs carries a full state machine image.
type InstallSnapshotArgs struct {
	Term              uint64
	LeaderID          string
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Data              []byte
}

// InstallSnapshotReply is the response to InstallSnapshot.
type InstallSnapshotReply struct {
	Term    uint64
	Success bool
}

// Transport moves consensus RPCs between nodes. Implementations must
// honour the context deadline; the engine is agnostic to the wire
// encoding.
type Transport interface {
	RequestVote(ctx context.Context, target string, args *RequestVoteArgs) (*RequestVoteReply, error)
	AppendEntries(ctx context.Context, target string, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	InstallSnapshot(ctx context.Context, target string, args *InstallSnapshotArgs) (*InstallSnapshotReply, error)
}

// Status is a point-in-time view of a node, exposed by the HTTP API.
type Status struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Term        uint64 `json:"term"`
	LeaderID    string `json:"leader_id"`
	CommitIndex uint64 `json:"commit_index"`
	LastApplied uint64 `json:"last_applied"`
	LastIndex   uint64 `json:"last_index"`
	LogLength   int    `json:"log_length"`
}
