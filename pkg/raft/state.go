package raft

import (
	"sync"
	"sync/atomic"
	"time"
)

// NodeState holds the in-memory consensus variables. One mutex guards the
// variables that must move together (role, currentTerm, votedFor,
// leaderID); the monotonic counters are individual atomics.
//
// Invariants enforced here: currentTerm never decreases; votedFor is
// cleared on every term change and set at most once per term; commitIndex
// and lastApplied never decrease.
type NodeState struct {
	mu          sync.Mutex
	role        Role
	currentTerm uint64
	votedFor    string
	leaderID    string

	commitIndex   atomic.Uint64
	lastApplied   atomic.Uint64
	lastHeartbeat atomic.Int64 // time.Time in unix nanoseconds
}

// NewNodeState creates a follower at term 0.
func NewNodeState() *NodeState {
	s := &NodeState{role: Follower}
	s.lastHeartbeat.Store(time.Now().UnixNano())
	return s
}

// Restore seeds the persisted portion of the state after recovery.
func (s *NodeState) Restore(term uint64, votedFor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentTerm = term
	s.votedFor = votedFor
}

// Role returns the current role.
func (s *NodeState) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// CurrentTerm returns the highest term seen.
func (s *NodeState) CurrentTerm() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTerm
}

// VotedFor returns the candidate granted this node's vote in the current
// term, or the empty string.
func (s *NodeState) VotedFor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.votedFor
}

// LeaderID returns the last known leader.
func (s *NodeState) LeaderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaderID
}

// Observe returns a consistent (role, term) pair.
func (s *NodeState) Observe() (Role, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role, s.currentTerm
}

// PersistentState returns the (term, votedFor) pair to be written to
// stable storage.
func (s *NodeState) PersistentState() (uint64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTerm, s.votedFor
}

// UpdateTerm observes a term. When it exceeds the current term the node
// adopts it, clears its vote, and demotes to Follower. Returns true when
// the persisted state changed.
func (s *NodeState) UpdateTerm(term uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if term <= s.currentTerm {
		return false
	}
	s.currentTerm = term
	s.votedFor = ""
	s.role = Follower
	s.leaderID = ""
	return true
}

// TryVote grants a vote to candidate in the given term. The grant
// succeeds only when the term is still current and no different candidate
// holds this node's vote.
func (s *NodeState) TryVote(term uint64, candidate string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if term != s.currentTerm {
		return false
	}
	if s.votedFor != "" && s.votedFor != candidate {
		return false
	}
	s.votedFor = candidate
	return true
}

// BeginElection transitions to Candidate, increments the term, and votes
// for self. Returns the new term.
func (s *NodeState) BeginElection(self string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = Candidate
	s.currentTerm++
	s.votedFor = self
	s.leaderID = ""
	return s.currentTerm
}

// BecomeCandidate marks the node as a candidate; the term bump happens
// in BeginElection when the attempt actually starts.
func (s *NodeState) BecomeCandidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = Candidate
}

// AbandonElection returns a candidate of the given term to Follower.
func (s *NodeState) AbandonElection(term uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role == Candidate && s.currentTerm == term {
		s.role = Follower
	}
}

// BecomeLeader installs the node as leader for term, provided it is still
// the candidate of that term.
func (s *NodeState) BecomeLeader(self string, term uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != Candidate || s.currentTerm != term {
		return false
	}
	s.role = Leader
	s.leaderID = self
	return true
}

// BecomeFollower demotes to Follower (if not already) and records the
// current leader. Used when accepting traffic from a legitimate leader of
// the current term.
func (s *NodeState) BecomeFollower(leaderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = Follower
	s.leaderID = leaderID
}

// CommitIndex returns the highest known-committed index.
func (s *NodeState) CommitIndex() uint64 {
	return s.commitIndex.Load()
}

// AdvanceCommitIndex moves commitIndex forward to index. Returns false
// when index is not an advance; commitIndex never decreases.
func (s *NodeState) AdvanceCommitIndex(index uint64) bool {
	for {
		cur := s.commitIndex.Load()
		if index <= cur {
			return false
		}
		if s.commitIndex.CompareAndSwap(cur, index) {
			return true
		}
	}
}

// LastApplied returns the highest index handed to the state machine.
func (s *NodeState) LastApplied() uint64 {
	return s.lastApplied.Load()
}

// AdvanceLastApplied moves lastApplied forward to index; monotonic.
func (s *NodeState) AdvanceLastApplied(index uint64) {
	for {
		cur := s.lastApplied.Load()
		if index <= cur {
			return
		}
		if s.lastApplied.CompareAndSwap(cur, index) {
			return
		}
	}
}

// MarkHeartbeat records the instant of the last accepted heartbeat or
// vote grant.
func (s *NodeState) MarkHeartbeat() {
	s.lastHeartbeat.Store(time.Now().UnixNano())
}

// LastHeartbeat returns the instant recorded by MarkHeartbeat.
func (s *NodeState) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

// progressTracker holds the leader-side per-follower replication state.
// It is reset at leader install and only touched by leader-driven
// replication code.
type progressTracker struct {
	mu    sync.Mutex
	next  map[string]uint64
	match map[string]uint64
}

func newProgressTracker() *progressTracker {
	return &progressTracker{
		next:  make(map[string]uint64),
		match: make(map[string]uint64),
	}
}

// Reset initialises nextIndex to lastIndex+1 and matchIndex to 0 for
// every peer.
func (p *progressTracker) Reset(peers []string, lastIndex uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = make(map[string]uint64, len(peers))
	p.match = make(map[string]uint64, len(peers))
	for _, peer := range peers {
		p.next[peer] = lastIndex + 1
		p.match[peer] = 0
	}
}

func (p *progressTracker) Next(peer string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next[peer]
}

func (p *progressTracker) SetNext(peer string, index uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next[peer] = index
}

// DecrementNext backs nextIndex off by one, never below 1.
func (p *progressTracker) DecrementNext(peer string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next[peer] > 1 {
		p.next[peer]--
	}
}

func (p *progressTracker) Match(peer string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.match[peer]
}

// SetMatch records a replicated index; matchIndex is monotonic per peer
// while leadership holds.
func (p *progressTracker) SetMatch(peer string, index uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index > p.match[peer] {
		p.match[peer] = index
	}
}

// MatchIndexes returns the matchIndex of every tracked peer.
func (p *progressTracker) MatchIndexes() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, 0, len(p.match))
	for _, m := range p.match {
		out = append(out, m)
	}
	return out
}
