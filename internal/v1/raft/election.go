package raft

import (
	"context"

	"github.com/roomloop/roomloop/internal/v1/metrics"
	"github.com/roomloop/roomloop/internal/v1/types"
	"go.uber.org/zap"
)

// onElectionTimeout starts a new election unless this node already leads the
// room. Runs on the actor goroutine.
func (n *Node) onElectionTimeout() {
	if n.role == Leader {
		return
	}
	n.setTerm(n.currentTerm + 1)
	n.role = Candidate
	n.votedFor = n.cfg.NodeID
	n.setLeader("")
	for k := range n.votes {
		delete(n.votes, k)
	}
	n.votes[n.cfg.NodeID] = true
	n.resetElectionTimer()
	metrics.ElectionsStarted.Inc()
	n.logInfo("election started", zap.Int("peers", len(n.cfg.Peers)))

	if len(n.votes) >= n.majority() {
		// Single-node cluster: elected unopposed.
		n.becomeLeader()
		return
	}

	req := &RequestVoteRequest{
		Term:         n.currentTerm,
		CandidateID:  n.cfg.NodeID,
		LastLogIndex: n.lastIndex(),
		LastLogTerm:  n.lastTerm(),
	}
	for _, peer := range n.cfg.Peers {
		go n.solicitVote(peer, req)
	}
}

// solicitVote runs off the actor goroutine; the reply re-enters via do.
func (n *Node) solicitVote(peer types.NodeID, req *RequestVoteRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	defer cancel()
	resp, err := n.cfg.Transport.RequestVote(ctx, peer, n.cfg.RoomCode, req)
	if err != nil {
		return
	}
	_ = n.do(func() { n.onVoteReply(peer, req.Term, resp) })
}

func (n *Node) onVoteReply(peer types.NodeID, reqTerm int64, resp *RequestVoteResponse) {
	if resp.Term > n.currentTerm {
		n.stepDown(resp.Term)
		return
	}
	// Stale reply from an earlier candidacy.
	if n.role != Candidate || reqTerm != n.currentTerm {
		return
	}
	if !resp.VoteGranted {
		return
	}
	n.votes[peer] = true
	if len(n.votes) >= n.majority() {
		n.becomeLeader()
	}
}

func (n *Node) becomeLeader() {
	n.role = Leader
	n.setLeader(n.cfg.NodeID)
	last := n.lastIndex()
	for _, peer := range n.cfg.Peers {
		n.nextIndex[peer] = last + 1
		n.matchIndex[peer] = 0
		n.inflight[peer] = false
		n.resendWant[peer] = false
	}
	metrics.LeadershipTransitions.Inc()
	n.logInfo("won election", zap.Int64("lastLogIndex", last))

	// Entries from earlier terms may already have majority replication; they
	// become committable the moment this term gets an entry in. A no-op is
	// not part of the protocol here, so just assert authority immediately.
	n.advanceCommitIndex()
	n.broadcastAppend()
}

// requestVote answers a candidate's ballot. Runs on the actor goroutine.
func (n *Node) requestVote(req *RequestVoteRequest) *RequestVoteResponse {
	if req.Term < n.currentTerm {
		return &RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}
	}
	if req.Term > n.currentTerm {
		n.stepDown(req.Term)
	}

	upToDate := req.LastLogTerm > n.lastTerm() ||
		(req.LastLogTerm == n.lastTerm() && req.LastLogIndex >= n.lastIndex())
	canVote := n.votedFor == "" || n.votedFor == req.CandidateID

	if !canVote || !upToDate {
		return &RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}
	}

	n.votedFor = req.CandidateID
	n.resetElectionTimer()
	n.logDebug("vote granted", zap.String("candidate", string(req.CandidateID)))
	return &RequestVoteResponse{Term: n.currentTerm, VoteGranted: true}
}
