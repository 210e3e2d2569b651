// Package raft implements the consensus engine: a durable operation log,
// the leader-election state machine, the replication and commit pipeline,
// and snapshot-based log compaction.
package raft

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/replikv/replikv/pkg/kv"
	"github.com/replikv/replikv/pkg/wal"
)

// followerTick is how often the follower loop checks its election
// deadline.
const followerTick = 10 * time.Millisecond

// Node ties the consensus components together. It owns the NodeState,
// the log store, and the state machine; the transport is an external
// collaborator.
type Node struct {
	config    Config
	state     *NodeState
	log       *wal.Log
	store     *kv.Store
	transport Transport
	logger    zerolog.Logger
	metrics   *Metrics

	progress *progressTracker

	// proposeMu serialises leader-side index allocation and append.
	proposeMu sync.Mutex
	// applyMu serialises state machine applies and snapshot installs.
	applyMu sync.Mutex
	// replMu enforces at most one in-flight replication per peer.
	replMu map[string]*sync.Mutex

	rnd   *rand.Rand
	rndMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Open opens the log store at config.WALDir, recovers the node's durable
// state into a fresh state machine, and returns a node ready to Start.
func Open(config Config, transport Transport, logger zerolog.Logger) (*Node, error) {
	log, err := wal.Open(config.WALDir, logger)
	if err != nil {
		return nil, err
	}

	n := &Node{
		config:    config,
		state:     NewNodeState(),
		log:       log,
		store:     kv.New(),
		transport: transport,
		logger:    logger.With().Str("node", config.ID).Logger(),
		metrics:   newMetrics(config.ID),
		progress:  newProgressTracker(),
		replMu:    make(map[string]*sync.Mutex, len(config.Peers)),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(idSeed(config.ID)))),
		stopCh:    make(chan struct{}),
	}
	for _, peer := range config.Peers {
		n.replMu[peer] = &sync.Mutex{}
	}

	if err := n.recover(); err != nil {
		log.Close()
		return nil, err
	}

	return n, nil
}

// recover loads the snapshot (if any) into the state machine, replays the
// surviving log entries, and restores the persisted term and vote.
func (n *Node) recover() error {
	if snap := n.log.Snapshot(); snap != nil {
		if err := n.store.Deserialize(snap.Data); err != nil {
			return err
		}
	}
	for _, e := range n.log.Entries() {
		n.store.Put(e.Key, e.Value)
	}

	last := n.log.LastIndex()
	n.state.AdvanceCommitIndex(last)
	n.state.AdvanceLastApplied(last)

	term, votedFor := n.log.State()
	n.state.Restore(term, votedFor)

	n.logger.Info().
		Uint64("term", term).
		Uint64("last_index", last).
		Msg("recovered durable state")
	return nil
}

// Start launches the election and timer loop.
func (n *Node) Start() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.run()
	}()
}

// Stop shuts the node down: the loops observe the stop signal at their
// next suspension point, in-flight RPCs are abandoned, and the log store
// is closed once every task has exited.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.wg.Wait()
		n.log.Close()
	})
}

func (n *Node) stopped() bool {
	select {
	case <-n.stopCh:
		return true
	default:
		return false
	}
}

// run drives the role state machine until shutdown.
func (n *Node) run() {
	for !n.stopped() {
		n.syncMetrics()
		switch n.state.Role() {
		case Follower:
			n.runFollower()
		case Candidate:
			n.runCandidate()
		case Leader:
			n.runLeader()
		}
	}
}

// runFollower waits for the election deadline to expire. The timeout is
// drawn fresh for each cycle; accepted heartbeats push the deadline by
// refreshing lastHeartbeat.
func (n *Node) runFollower() {
	timeout := n.randomElectionTimeout()

	for n.state.Role() == Follower {
		select {
		case <-n.stopCh:
			return
		case <-time.After(followerTick):
			if time.Since(n.state.LastHeartbeat()) > timeout {
				n.logger.Info().Dur("timeout", timeout).Msg("election timeout, becoming candidate")
				n.state.BecomeCandidate()
				return
			}
		}
	}
}

// runCandidate runs one election attempt: bump the term, vote for self,
// solicit votes from every peer in parallel, and collect replies until a
// decision or the (freshly randomised) election timer expires. Without a
// majority the node returns to Follower; the next expiry starts a new
// election.
func (n *Node) runCandidate() {
	term := n.state.BeginElection(n.config.ID)
	n.persistState()
	n.metrics.electionsStarted.Inc()
	n.state.MarkHeartbeat()

	lastLogIndex := n.log.LastIndex()
	lastLogTerm := n.log.LastTerm()

	n.logger.Info().Uint64("term", term).Msg("starting election")

	args := &RequestVoteArgs{
		Term:         term,
		CandidateID:  n.config.ID,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}

	voteCh := make(chan *RequestVoteReply, len(n.config.Peers))
	for _, peer := range n.config.Peers {
		n.wg.Add(1)
		go func(peer string) {
			defer n.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), n.config.RPCTimeout)
			defer cancel()
			reply, err := n.transport.RequestVote(ctx, peer, args)
			if err != nil {
				voteCh <- nil
				return
			}
			voteCh <- reply
		}(peer)
	}

	votes := 1 // self-vote
	needed := majority(len(n.config.Peers) + 1)
	if votes >= needed {
		if n.state.BecomeLeader(n.config.ID, term) {
			n.becomeLeader(term)
		}
		return
	}

	timer := time.NewTimer(n.randomElectionTimeout())
	defer timer.Stop()

	for received := 0; received < len(n.config.Peers); received++ {
		select {
		case <-n.stopCh:
			return
		case <-timer.C:
			n.logger.Info().Uint64("term", term).Msg("election timed out without majority")
			n.state.AbandonElection(term)
			return
		case reply := <-voteCh:
			if reply == nil {
				continue
			}
			if reply.Term > term {
				n.stepDown(reply.Term)
				return
			}
			if reply.VoteGranted {
				votes++
				if votes >= needed {
					if n.state.BecomeLeader(n.config.ID, term) {
						n.becomeLeader(term)
					}
					return
				}
			}
		}
	}

	// Every peer answered and the majority never materialised.
	n.state.AbandonElection(term)
}

// becomeLeader resets per-follower progress and fires the initial
// heartbeat burst.
func (n *Node) becomeLeader(term uint64) {
	lastIndex := n.log.LastIndex()
	n.progress.Reset(n.config.Peers, lastIndex)
	n.logger.Info().Uint64("term", term).Uint64("last_index", lastIndex).Msg("became leader")
	n.broadcast()
}

// runLeader emits heartbeats on every tick and keeps the commit index and
// compaction moving.
func (n *Node) runLeader() {
	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	for n.state.Role() == Leader {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			if n.state.Role() != Leader {
				return
			}
			n.broadcast()
			n.updateCommitIndex()
			n.syncMetrics()
		}
	}
}

// stepDown adopts a higher term and persists the cleared vote.
func (n *Node) stepDown(term uint64) {
	if n.state.UpdateTerm(term) {
		n.logger.Info().Uint64("term", term).Msg("observed higher term, stepping down")
		n.persistState()
	}
}

func (n *Node) persistState() {
	term, votedFor := n.state.PersistentState()
	if err := n.log.SetState(term, votedFor); err != nil {
		// Losing the vote record breaks vote uniqueness across restarts.
		n.fail(err, "failed to persist term/vote")
	}
}

// fail handles an unrecoverable storage error: the node logs it and
// shuts itself down rather than serving with partial durability.
func (n *Node) fail(err error, msg string) {
	n.logger.Error().Err(err).Msg(msg + "; node shutting down")
	go n.Stop()
}

// HandleRequestVote implements the server side of RequestVote.
func (n *Node) HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply {
	if args.Term < n.state.CurrentTerm() {
		return &RequestVoteReply{Term: n.state.CurrentTerm()}
	}
	if n.state.UpdateTerm(args.Term) {
		n.persistState()
	}

	reply := &RequestVoteReply{Term: n.state.CurrentTerm()}

	lastTerm := n.log.LastTerm()
	lastIndex := n.log.LastIndex()
	upToDate := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)

	if upToDate && n.state.TryVote(args.Term, args.CandidateID) {
		n.persistState()
		n.state.MarkHeartbeat()
		reply.VoteGranted = true
		n.logger.Debug().
			Str("candidate", args.CandidateID).
			Uint64("term", args.Term).
			Msg("granted vote")
	}
	return reply
}

// HandleAppendEntries implements the server side of AppendEntries, for
// both heartbeats and entry-bearing packets. A packet from a stale term
// is rejected without touching the log.
func (n *Node) HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	if args.Term < n.state.CurrentTerm() {
		return &AppendEntriesReply{Term: n.state.CurrentTerm(), LastIndex: n.log.LastIndex()}
	}
	if n.state.UpdateTerm(args.Term) {
		n.persistState()
	}
	n.state.BecomeFollower(args.LeaderID)
	n.state.MarkHeartbeat()

	reply := &AppendEntriesReply{Term: n.state.CurrentTerm()}

	// Log-matching check: the entry at prevIndex must exist and carry
	// prevTerm.
	if args.PrevLogIndex > 0 {
		prevTerm, err := n.log.TermAt(args.PrevLogIndex)
		if err != nil || prevTerm != args.PrevLogTerm {
			reply.LastIndex = n.log.LastIndex()
			return reply
		}
	}

	for _, e := range args.Entries {
		existing, err := n.log.EntryAt(e.Index)
		switch {
		case err == nil && existing.Term == e.Term:
			continue
		case err == nil:
			// Conflict: same index, different term. Discard the
			// divergent suffix.
			if terr := n.log.TruncateFrom(e.Index); terr != nil {
				n.fail(terr, "log truncation failed")
				return reply
			}
		case errors.Is(err, wal.ErrCompacted):
			continue
		}
		if aerr := n.log.Append(e); aerr != nil {
			n.fail(aerr, "log append failed")
			return reply
		}
	}

	reply.Success = true
	reply.LastIndex = n.log.LastIndex()

	if args.LeaderCommit > n.state.CommitIndex() {
		commit := args.LeaderCommit
		if last := n.log.LastIndex(); last < commit {
			commit = last
		}
		if n.state.AdvanceCommitIndex(commit) {
			n.applyCommitted()
		}
	}
	return reply
}

// HandleInstallSnapshot implements the server side of InstallSnapshot.
// The snapshot atomically replaces the state machine and the log up to
// its boundary. A snapshot whose boundary term is behind the current term
// is refused.
func (n *Node) HandleInstallSnapshot(args *InstallSnapshotArgs) *InstallSnapshotReply {
	if args.Term < n.state.CurrentTerm() {
		return &InstallSnapshotReply{Term: n.state.CurrentTerm()}
	}
	if n.state.UpdateTerm(args.Term) {
		n.persistState()
	}
	n.state.BecomeFollower(args.LeaderID)
	n.state.MarkHeartbeat()

	reply := &InstallSnapshotReply{Term: n.state.CurrentTerm()}

	if args.LastIncludedTerm < n.state.CurrentTerm() {
		n.logger.Warn().
			Err(ErrSnapshotStale).
			Uint64("snapshot_term", args.LastIncludedTerm).
			Uint64("current_term", n.state.CurrentTerm()).
			Msg("refusing snapshot")
		return reply
	}

	n.applyMu.Lock()
	defer n.applyMu.Unlock()

	if err := n.store.Deserialize(args.Data); err != nil {
		n.logger.Error().Err(err).Msg("snapshot deserialisation failed")
		return reply
	}
	if err := n.log.InstallSnapshot(args.Data, args.LastIncludedIndex, args.LastIncludedTerm); err != nil {
		n.logger.Error().Err(err).Msg("snapshot install failed")
		return reply
	}

	n.state.AdvanceCommitIndex(args.LastIncludedIndex)
	n.state.AdvanceLastApplied(args.LastIncludedIndex)
	n.metrics.snapshotsInstalled.Inc()

	n.logger.Info().
		Uint64("last_included_index", args.LastIncludedIndex).
		Uint64("last_included_term", args.LastIncludedTerm).
		Msg("installed snapshot")

	reply.Success = true
	return reply
}

// Put replicates a write through the log. It succeeds only on the leader
// and only once the entry is durable locally and committed on a majority.
// On quorum failure the entry stays in the log; a later replication round
// may still commit it.
func (n *Node) Put(ctx context.Context, key, value string) error {
	if n.stopped() {
		return ErrNodeStopped
	}

	role, term := n.state.Observe()
	if role != Leader {
		return ErrNotLeader
	}

	n.proposeMu.Lock()
	index := n.log.LastIndex() + 1
	entry := Entry{Index: index, Term: term, Key: key, Value: value}
	if err := n.log.Append(entry); err != nil {
		n.proposeMu.Unlock()
		// Durability failures are fatal: an acked write must be on disk.
		n.fail(err, "log append failed")
		return err
	}
	n.proposeMu.Unlock()

	var wg sync.WaitGroup
	for _, peer := range n.config.Peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			n.replicateToFollower(peer, true)
		}(peer)
	}
	wg.Wait()

	n.updateCommitIndex()
	n.syncMetrics()

	if n.state.CommitIndex() >= index {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrNoQuorum
}

// Get returns the node-local value for key. Reads do not consult peers.
func (n *Node) Get(key string) (string, bool) {
	return n.store.Get(key)
}

// ID returns the node's unique identifier.
func (n *Node) ID() string {
	return n.config.ID
}

// IsLeader reports whether the node currently believes it is the leader.
func (n *Node) IsLeader() bool {
	return n.state.Role() == Leader
}

// Stopped reports whether Stop has been requested.
func (n *Node) Stopped() bool {
	return n.stopped()
}

// CurrentTerm returns the highest term this node has seen.
func (n *Node) CurrentTerm() uint64 {
	return n.state.CurrentTerm()
}

// CommitIndex returns the highest known-committed index.
func (n *Node) CommitIndex() uint64 {
	return n.state.CommitIndex()
}

// LeaderID returns the last known leader, or the empty string.
func (n *Node) LeaderID() string {
	return n.state.LeaderID()
}

// Store exposes the state machine for node-local reads.
func (n *Node) Store() *kv.Store {
	return n.store
}

// LogEntries returns a copy of the physically present log entries.
func (n *Node) LogEntries() []Entry {
	return n.log.Entries()
}

// Metrics returns the node's metrics handle.
func (n *Node) Metrics() *Metrics {
	return n.metrics
}

// Status reports a point-in-time view of the node.
func (n *Node) Status() Status {
	role, term := n.state.Observe()
	return Status{
		ID:          n.config.ID,
		Role:        role.String(),
		Term:        term,
		LeaderID:    n.state.LeaderID(),
		CommitIndex: n.state.CommitIndex(),
		LastApplied: n.state.LastApplied(),
		LastIndex:   n.log.LastIndex(),
		LogLength:   n.log.Len(),
	}
}

func (n *Node) syncMetrics() {
	role, term := n.state.Observe()
	n.metrics.role.Set(float64(role))
	n.metrics.currentTerm.Set(float64(term))
	n.metrics.commitIndex.Set(float64(n.state.CommitIndex()))
	n.metrics.lastApplied.Set(float64(n.state.LastApplied()))
	n.metrics.logLength.Set(float64(n.log.Len()))
}

// randomElectionTimeout draws uniformly from
// [ElectionTimeoutMin, ElectionTimeoutMax).
func (n *Node) randomElectionTimeout() time.Duration {
	n.rndMu.Lock()
	defer n.rndMu.Unlock()
	spread := int64(n.config.ElectionTimeoutMax - n.config.ElectionTimeoutMin)
	return n.config.ElectionTimeoutMin + time.Duration(n.rnd.Int63n(spread))
}

func majority(clusterSize int) int {
	return clusterSize/2 + 1
}

// idSeed mixes the node ID into the RNG seed so nodes opened in the
// same instant still draw distinct election timeouts.
func idSeed(id string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64()
}
