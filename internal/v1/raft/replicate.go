package raft

import (
	"context"

	"github.com/roomloop/roomloop/internal/v1/logging"
	"github.com/roomloop/roomloop/internal/v1/metrics"
	"github.com/roomloop/roomloop/internal/v1/state"
	"github.com/roomloop/roomloop/internal/v1/types"
	"go.uber.org/zap"
)

// propose appends op on the leader and kicks replication. Runs on the actor
// goroutine.
func (n *Node) propose(op state.Operation) error {
	if n.unhealthy {
		metrics.Proposals.WithLabelValues("unhealthy").Inc()
		return ErrUnhealthy
	}
	if n.role != Leader {
		metrics.Proposals.WithLabelValues("not_leader").Inc()
		return &NotLeaderError{LeaderID: n.leaderID}
	}

	entry := LogEntry{
		Term:  n.currentTerm,
		Index: n.lastIndex() + 1,
		Op:    op,
	}
	n.log = append(n.log, entry)
	metrics.Proposals.WithLabelValues("accepted").Inc()
	n.logDebug("proposed entry",
		zap.Int64("index", entry.Index),
		zap.String("op", string(op.Kind)))

	// A single-node room commits immediately.
	n.advanceCommitIndex()
	n.broadcastAppend()
	return nil
}

// broadcastAppend pushes the current log tail (or a heartbeat) to every peer,
// respecting the one-in-flight-per-peer rule.
func (n *Node) broadcastAppend() {
	for _, peer := range n.cfg.Peers {
		n.sendAppend(peer)
	}
}

// sendAppend dispatches one AppendEntries to peer. If an RPC to that peer is
// already in flight the send is coalesced: a flag is set and a fresh RPC with
// the then-current tail goes out when the reply lands.
func (n *Node) sendAppend(peer types.NodeID) {
	if n.inflight[peer] {
		n.resendWant[peer] = true
		return
	}

	ni := n.nextIndex[peer]
	if ni < 1 {
		ni = 1
	}
	prev := n.entryAt(ni - 1)
	var entries []LogEntry
	if last := n.lastIndex(); ni <= last {
		entries = make([]LogEntry, last-ni+1)
		copy(entries, n.log[ni:])
	}

	req := &AppendEntriesRequest{
		Term:         n.currentTerm,
		LeaderID:     n.cfg.NodeID,
		PrevLogIndex: prev.Index,
		PrevLogTerm:  prev.Term,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
	n.inflight[peer] = true

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
		defer cancel()
		resp, err := n.cfg.Transport.AppendEntries(ctx, peer, n.cfg.RoomCode, req)
		_ = n.do(func() { n.onAppendReply(peer, req, resp, err) })
	}()
}

func (n *Node) onAppendReply(peer types.NodeID, req *AppendEntriesRequest, resp *AppendEntriesResponse, err error) {
	n.inflight[peer] = false

	if err != nil {
		// Peer down or slow. nextIndex stays put; the heartbeat retries.
		n.resendWant[peer] = false
		return
	}
	if resp.Term > n.currentTerm {
		n.stepDown(resp.Term)
		return
	}
	if n.role != Leader || req.Term != n.currentTerm {
		return
	}

	if resp.Success {
		match := req.PrevLogIndex + int64(len(req.Entries))
		if resp.MatchIndex > match {
			match = resp.MatchIndex
		}
		if match > n.matchIndex[peer] {
			n.matchIndex[peer] = match
		}
		n.nextIndex[peer] = n.matchIndex[peer] + 1
		n.advanceCommitIndex()
	} else {
		// Fast backtrack: the follower reports its log length, so jump
		// straight to one past it instead of probing one entry at a time.
		next := n.nextIndex[peer] - 1
		if hint := resp.MatchIndex + 1; hint < next {
			next = hint
		}
		if next < 1 {
			next = 1
		}
		n.nextIndex[peer] = next
		n.resendWant[peer] = true
	}

	if n.resendWant[peer] || n.nextIndex[peer] <= n.lastIndex() {
		n.resendWant[peer] = false
		n.sendAppend(peer)
	}
}

// advanceCommitIndex applies the leader commit rule: an index commits once a
// majority of matchIndex values cover it and the entry is from the current
// term. Earlier-term entries commit only transitively.
func (n *Node) advanceCommitIndex() {
	if n.role != Leader {
		return
	}
	for idx := n.lastIndex(); idx > n.commitIndex; idx-- {
		if n.entryAt(idx).Term != n.currentTerm {
			break
		}
		replicas := 1 // self
		for _, peer := range n.cfg.Peers {
			if n.matchIndex[peer] >= idx {
				replicas++
			}
		}
		if replicas >= n.majority() {
			n.commitIndex = idx
			n.applyCommitted()
			break
		}
	}
}

// appendEntries is the follower side of replication. Runs on the actor
// goroutine.
func (n *Node) appendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	if req.Term < n.currentTerm {
		return &AppendEntriesResponse{Term: n.currentTerm, Success: false}
	}
	if req.Term > n.currentTerm {
		n.stepDown(req.Term)
	}
	n.role = Follower
	n.setLeader(req.LeaderID)
	n.resetElectionTimer()

	// Consistency check. On failure the reply carries our log length so the
	// leader can backtrack nextIndex in one hop.
	if req.PrevLogIndex > n.lastIndex() || n.entryAt(req.PrevLogIndex).Term != req.PrevLogTerm {
		return &AppendEntriesResponse{
			Term:       n.currentTerm,
			Success:    false,
			MatchIndex: n.lastIndex(),
		}
	}

	// Merge entries. Truncation happens only at a real conflict: a stale or
	// reordered RPC with a shorter tail must not erase entries a newer one
	// already appended.
	for i, entry := range req.Entries {
		if entry.Index <= n.lastIndex() {
			if n.entryAt(entry.Index).Term == entry.Term {
				continue
			}
			n.log = n.log[:entry.Index]
		}
		n.log = append(n.log, req.Entries[i:]...)
		break
	}

	matched := req.PrevLogIndex + int64(len(req.Entries))
	if req.LeaderCommit > n.commitIndex {
		ci := req.LeaderCommit
		if ci > matched {
			ci = matched
		}
		if ci > n.commitIndex {
			n.commitIndex = ci
			n.applyCommitted()
		}
	}

	return &AppendEntriesResponse{
		Term:       n.currentTerm,
		Success:    true,
		MatchIndex: matched,
	}
}

// applyCommitted folds newly committed entries into the room state machine,
// in log order, and fans each result out through OnApply. An apply error
// poisons the room: it stops applying and refuses further proposals.
func (n *Node) applyCommitted() {
	for n.lastApplied < n.commitIndex {
		if n.unhealthy {
			return
		}
		next := n.lastApplied + 1
		entry := n.entryAt(next)
		applied, err := state.Apply(n.rsm, entry.Op)
		if err != nil {
			n.unhealthy = true
			logging.Error(context.Background(), "state machine apply failed; room is now unhealthy",
				append(n.logFields(),
					zap.Int64("index", entry.Index),
					zap.Error(err))...)
			return
		}
		n.rsm = applied
		n.lastApplied = next
		metrics.CommittedEntries.Inc()
		if n.cfg.OnApply != nil {
			n.cfg.OnApply(entry, n.rsm.Clone())
		}
	}
}
