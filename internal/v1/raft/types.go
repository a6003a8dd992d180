// Package raft implements the per-room replicated log. Every room owns one
// Node; rooms fail and elect independently of one another.
package raft

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roomloop/roomloop/internal/v1/state"
	"github.com/roomloop/roomloop/internal/v1/types"
)

// Role is the Raft role of a node within one room's group.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// LogEntry is one replicated command. Index is 1-based and contiguous.
type LogEntry struct {
	Term  int64           `json:"term"`
	Index int64           `json:"index"`
	Op    state.Operation `json:"op"`
}

// RequestVoteRequest is the candidate's ballot.
type RequestVoteRequest struct {
	Term         int64        `json:"term"`
	CandidateID  types.NodeID `json:"candidateId"`
	LastLogIndex int64        `json:"lastLogIndex"`
	LastLogTerm  int64        `json:"lastLogTerm"`
}

// RequestVoteResponse is the receiver's verdict.
type RequestVoteResponse struct {
	Term        int64 `json:"term"`
	VoteGranted bool  `json:"voteGranted"`
}

// AppendEntriesRequest replicates log entries; empty Entries is a heartbeat.
type AppendEntriesRequest struct {
	Term         int64        `json:"term"`
	LeaderID     types.NodeID `json:"leaderId"`
	PrevLogIndex int64        `json:"prevLogIndex"`
	PrevLogTerm  int64        `json:"prevLogTerm"`
	Entries      []LogEntry   `json:"entries"`
	LeaderCommit int64        `json:"leaderCommit"`
}

// AppendEntriesResponse reports how far the follower's log now matches. On
// failure MatchIndex carries the follower's log length as a fast-backtrack
// hint for the leader's nextIndex.
type AppendEntriesResponse struct {
	Term       int64 `json:"term"`
	Success    bool  `json:"success"`
	MatchIndex int64 `json:"matchIndex"`
}

// Transport sends Raft RPCs to a peer. Implementations are expected to apply
// their own timeout (the node additionally bounds calls with RPCTimeout) and
// return an error for unreachable peers; the node treats errors as the peer
// being down and retries on the next heartbeat.
type Transport interface {
	RequestVote(ctx context.Context, peer types.NodeID, room types.RoomCode, req *RequestVoteRequest) (*RequestVoteResponse, error)
	AppendEntries(ctx context.Context, peer types.NodeID, room types.RoomCode, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
}

// NotLeaderError is returned by Propose on a node that is not the room's
// leader. LeaderID is the node this one believes leads the room; empty when
// no leader is known.
type NotLeaderError struct {
	LeaderID types.NodeID
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "not leader: no leader known"
	}
	return fmt.Sprintf("not leader: known leader is %s", e.LeaderID)
}

// AsNotLeader unwraps a NotLeaderError if err carries one.
func AsNotLeader(err error) (*NotLeaderError, bool) {
	var nle *NotLeaderError
	ok := errors.As(err, &nle)
	return nle, ok
}

var (
	// ErrStopped is returned once the node's actor has shut down.
	ErrStopped = errors.New("raft node stopped")

	// ErrUnhealthy is returned after a state machine apply failure. The
	// room refuses further writes locally; an operator restart is required.
	ErrUnhealthy = errors.New("room state machine is unhealthy")
)

// Config carries everything a room's Raft node needs at construction.
type Config struct {
	NodeID   types.NodeID
	RoomCode types.RoomCode
	// Peers lists the other cluster members; excludes NodeID.
	Peers []types.NodeID

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration

	Transport Transport

	// OnApply is invoked from the actor goroutine, in log order, with each
	// committed entry and the state that resulted from applying it. It must
	// not block; the gateway fans out on buffered channels.
	OnApply func(entry LogEntry, snapshot state.RoomState)

	// OnLeaderChange is invoked from the actor goroutine whenever the node's
	// view of the room leader changes. Empty means no leader known.
	OnLeaderChange func(leader types.NodeID)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ElectionTimeoutMin <= 0 {
		out.ElectionTimeoutMin = 300 * time.Millisecond
	}
	if out.ElectionTimeoutMax <= out.ElectionTimeoutMin {
		out.ElectionTimeoutMax = out.ElectionTimeoutMin + 200*time.Millisecond
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 100 * time.Millisecond
	}
	if out.RPCTimeout <= 0 {
		out.RPCTimeout = 2 * time.Second
	}
	return out
}

// Status is a read-only snapshot of the node's Raft state, taken through the
// actor mailbox so it is internally consistent.
type Status struct {
	NodeID      types.NodeID   `json:"nodeId"`
	RoomCode    types.RoomCode `json:"roomCode"`
	Role        string         `json:"role"`
	Term        int64          `json:"term"`
	LeaderID    types.NodeID   `json:"leaderId,omitempty"`
	CommitIndex int64          `json:"commitIndex"`
	LastApplied int64          `json:"lastApplied"`
	LogLength   int64          `json:"logLength"`
	Unhealthy   bool           `json:"unhealthy,omitempty"`
}
