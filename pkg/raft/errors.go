package raft

import "errors"

var (
	ErrNotLeader     = errors.New("not the leader")
	ErrNoQuorum      = errors.New("write not acknowledged by a majority")
	ErrTimeout       = errors.New("operation timed out")
	ErrNodeNotFound  = errors.New("node not found")
	ErrNodeStopped   = errors.New("node has been stopped")
	ErrSnapshotStale = errors.New("snapshot older than current term")
)
