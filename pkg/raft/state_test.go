package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpdateTermAdvancesAndClearsVote(t *testing.T) {
	s := NewNodeState()
	s.Restore(3, "node-2")

	assert.False(t, s.UpdateTerm(3), "equal term is not an update")
	assert.False(t, s.UpdateTerm(2), "term never decreases")
	assert.Equal(t, uint64(3), s.CurrentTerm())
	assert.Equal(t, "node-2", s.VotedFor())

	assert.True(t, s.UpdateTerm(5))
	assert.Equal(t, uint64(5), s.CurrentTerm())
	assert.Equal(t, "", s.VotedFor())
	assert.Equal(t, Follower, s.Role())
}

func TestTryVoteIsUniquePerTerm(t *testing.T) {
	s := NewNodeState()
	s.UpdateTerm(1)

	assert.True(t, s.TryVote(1, "cand-a"))
	assert.True(t, s.TryVote(1, "cand-a"), "re-granting the same candidate is idempotent")
	assert.False(t, s.TryVote(1, "cand-b"), "one vote per term")

	// A stale-term grant never succeeds.
	assert.False(t, s.TryVote(0, "cand-c"))

	// A new term clears the vote.
	s.UpdateTerm(2)
	assert.True(t, s.TryVote(2, "cand-b"))
}

func TestBeginElectionSelfVote(t *testing.T) {
	s := NewNodeState()
	term := s.BeginElection("me")

	assert.Equal(t, uint64(1), term)
	assert.Equal(t, Candidate, s.Role())
	assert.Equal(t, "me", s.VotedFor(), "self-vote records this node's own id")
}

func TestBecomeLeaderRequiresCurrentCandidacy(t *testing.T) {
	s := NewNodeState()
	term := s.BeginElection("me")

	assert.True(t, s.BecomeLeader("me", term))
	assert.Equal(t, Leader, s.Role())
	assert.Equal(t, "me", s.LeaderID())

	// A stale win (term moved on) installs nothing.
	s2 := NewNodeState()
	oldTerm := s2.BeginElection("me")
	s2.UpdateTerm(oldTerm + 5)
	assert.False(t, s2.BecomeLeader("me", oldTerm))
	assert.Equal(t, Follower, s2.Role())
}

func TestCommitIndexMonotonic(t *testing.T) {
	s := NewNodeState()

	assert.True(t, s.AdvanceCommitIndex(5))
	assert.False(t, s.AdvanceCommitIndex(3), "commit index never decreases")
	assert.False(t, s.AdvanceCommitIndex(5))
	assert.Equal(t, uint64(5), s.CommitIndex())

	assert.True(t, s.AdvanceCommitIndex(7))
	assert.Equal(t, uint64(7), s.CommitIndex())
}

func TestLastAppliedMonotonic(t *testing.T) {
	s := NewNodeState()

	s.AdvanceLastApplied(4)
	s.AdvanceLastApplied(2)
	assert.Equal(t, uint64(4), s.LastApplied())
}

func TestAbandonElectionOnlyDemotesMatchingCandidate(t *testing.T) {
	s := NewNodeState()
	term := s.BeginElection("me")

	s.AbandonElection(term - 1)
	assert.Equal(t, Candidate, s.Role())

	s.AbandonElection(term)
	assert.Equal(t, Follower, s.Role())
}

func TestProgressTracker(t *testing.T) {
	p := newProgressTracker()
	p.Reset([]string{"a", "b"}, 10)

	assert.Equal(t, uint64(11), p.Next("a"))
	assert.Equal(t, uint64(0), p.Match("a"))

	p.SetMatch("a", 11)
	p.SetNext("a", 12)
	assert.Equal(t, uint64(11), p.Match("a"))

	// matchIndex is monotonic while leadership holds.
	p.SetMatch("a", 5)
	assert.Equal(t, uint64(11), p.Match("a"))

	// nextIndex never drops below 1.
	p.SetNext("b", 2)
	p.DecrementNext("b")
	p.DecrementNext("b")
	p.DecrementNext("b")
	assert.Equal(t, uint64(1), p.Next("b"))
}
