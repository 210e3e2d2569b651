package raft

import (
	"context"
	"sort"

	"github.com/replikv/replikv/pkg/wal"
)

// broadcast starts one replication attempt towards every peer. Heartbeat
// ticks use non-blocking acquisition so a tick never queues behind an
// in-flight call; the client write path blocks instead.
func (n *Node) broadcast() {
	for _, peer := range n.config.Peers {
		n.wg.Add(1)
		go func(peer string) {
			defer n.wg.Done()
			n.replicateToFollower(peer, false)
		}(peer)
	}
}

// replicateToFollower performs one replication step towards peer while
// holding the peer's replication lock, keeping at most one AppendEntries
// or InstallSnapshot in flight per peer.
func (n *Node) replicateToFollower(peer string, block bool) {
	mu := n.replMu[peer]
	if mu == nil {
		return
	}
	if block {
		mu.Lock()
	} else if !mu.TryLock() {
		return
	}
	defer mu.Unlock()

	n.replicateOnce(peer)
}

// replicateOnce sends either a snapshot (when the follower has fallen
// below the log prefix) or a packet carrying the single entry at
// nextIndex, or a bare heartbeat when the follower is caught up.
func (n *Node) replicateOnce(peer string) {
	role, term := n.state.Observe()
	if role != Leader || n.stopped() {
		return
	}

	nextIdx := n.progress.Next(peer)
	if nextIdx == 0 {
		nextIdx = n.log.LastIndex() + 1
		n.progress.SetNext(peer, nextIdx)
	}

	if snap := n.log.Snapshot(); snap != nil && nextIdx <= snap.Meta.LastIncludedIndex {
		n.sendSnapshot(peer, term, snap)
		return
	}

	prevIndex := nextIdx - 1
	prevTerm, err := n.log.TermAt(prevIndex)
	if err != nil {
		// The prefix was compacted between the snapshot check and here;
		// the next round takes the snapshot branch.
		return
	}

	var entries []Entry
	if e, eerr := n.log.EntryAt(nextIdx); eerr == nil {
		entries = []Entry{e}
	}

	args := &AppendEntriesArgs{
		Term:         term,
		LeaderID:     n.config.ID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.state.CommitIndex(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.config.RPCTimeout)
	defer cancel()

	reply, err := n.transport.AppendEntries(ctx, peer, args)
	if err != nil {
		// Transient peer failure counts as a negative ack.
		n.metrics.replicationFailures.Inc()
		return
	}

	if reply.Term > term {
		n.stepDown(reply.Term)
		return
	}
	if role, cur := n.state.Observe(); role != Leader || cur != term {
		return
	}

	if reply.Success {
		if len(entries) > 0 {
			n.progress.SetMatch(peer, nextIdx)
			n.progress.SetNext(peer, nextIdx+1)
			n.updateCommitIndex()
		}
		return
	}

	// Log-match failure: back off one step and retry on the next round.
	n.metrics.replicationFailures.Inc()
	n.progress.DecrementNext(peer)
}

// sendSnapshot streams the current snapshot to a follower whose nextIndex
// sits below the log prefix. On success the follower resumes at the
// boundary.
func (n *Node) sendSnapshot(peer string, term uint64, snap *wal.Snapshot) {
	args := &InstallSnapshotArgs{
		Term:              term,
		LeaderID:          n.config.ID,
		LastIncludedIndex: snap.Meta.LastIncludedIndex,
		LastIncludedTerm:  snap.Meta.LastIncludedTerm,
		Data:              snap.Data,
	}

	// Snapshots move much more data than a single entry.
	ctx, cancel := context.WithTimeout(context.Background(), 10*n.config.RPCTimeout)
	defer cancel()

	reply, err := n.transport.InstallSnapshot(ctx, peer, args)
	if err != nil {
		n.metrics.replicationFailures.Inc()
		return
	}
	if reply.Term > term {
		n.stepDown(reply.Term)
		return
	}
	if !reply.Success {
		n.metrics.replicationFailures.Inc()
		return
	}

	n.progress.SetNext(peer, snap.Meta.LastIncludedIndex+1)
	n.progress.SetMatch(peer, snap.Meta.LastIncludedIndex)
	n.logger.Info().
		Str("peer", peer).
		Uint64("last_included_index", snap.Meta.LastIncludedIndex).
		Msg("snapshot handed off")
}

// updateCommitIndex advances commitIndex to the greatest index N stored
// on a strict majority (the leader counts itself) whose entry is from the
// current term. Entries from prior terms are never committed by counting
// replicas alone.
func (n *Node) updateCommitIndex() {
	role, term := n.state.Observe()
	if role != Leader {
		return
	}

	match := n.progress.MatchIndexes()
	match = append(match, n.log.LastIndex())
	sort.Slice(match, func(i, j int) bool { return match[i] > match[j] })

	candidate := match[len(match)/2]
	if candidate <= n.state.CommitIndex() {
		return
	}

	entryTerm, err := n.log.TermAt(candidate)
	if err != nil || entryTerm != term {
		return
	}

	if n.state.AdvanceCommitIndex(candidate) {
		n.applyCommitted()
	}
}

// applyCommitted drives the state machine up to commitIndex, in strict
// index order, then considers compaction. Applies are serialised.
func (n *Node) applyCommitted() {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()

	commit := n.state.CommitIndex()
	for index := n.state.LastApplied() + 1; index <= commit; index++ {
		entry, err := n.log.EntryAt(index)
		if err != nil {
			// Compacted underneath us by a snapshot install that already
			// advanced lastApplied past this point.
			break
		}
		n.store.Put(entry.Key, entry.Value)
		n.state.AdvanceLastApplied(index)
	}

	n.maybeCompactLocked()
}

// maybeCompactLocked snapshots the state machine at lastApplied once the
// physical log outgrows the configured threshold. Callers hold applyMu so
// the serialised image matches lastApplied exactly.
func (n *Node) maybeCompactLocked() {
	if n.config.SnapshotThreshold <= 0 || n.log.Len() <= n.config.SnapshotThreshold {
		return
	}

	boundary := n.state.LastApplied()
	if boundary < n.log.FirstIndex() {
		return
	}

	data := n.store.Serialize()
	if err := n.log.CreateSnapshot(data, boundary); err != nil {
		n.logger.Error().Err(err).Uint64("boundary", boundary).Msg("log compaction failed")
		return
	}
	n.logger.Info().Uint64("boundary", boundary).Msg("compacted log into snapshot")
}
