package raft

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/roomloop/roomloop/internal/v1/logging"
	"github.com/roomloop/roomloop/internal/v1/metrics"
	"github.com/roomloop/roomloop/internal/v1/state"
	"github.com/roomloop/roomloop/internal/v1/types"
	"go.uber.org/zap"
)

// Node is one room's member of the room's Raft group. All Raft state is owned
// by a single actor goroutine; external callers post closures onto the mailbox
// and rendezvous on reply channels, so the state needs no locks.
type Node struct {
	cfg Config

	mailbox chan func()
	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	// Everything below is touched only by the actor goroutine.
	currentTerm int64
	votedFor    types.NodeID
	log         []LogEntry // log[0] is a sentinel at index 0, term 0
	commitIndex int64
	lastApplied int64
	role        Role
	leaderID    types.NodeID

	nextIndex  map[types.NodeID]int64
	matchIndex map[types.NodeID]int64
	inflight   map[types.NodeID]bool
	resendWant map[types.NodeID]bool
	votes      map[types.NodeID]bool

	electionTimer *time.Timer
	heartbeats    *time.Ticker
	rng           *rand.Rand

	rsm       state.RoomState
	unhealthy bool
}

// NewNode constructs and starts a room Raft node. It begins life as a
// follower with a fresh randomized election timeout.
func NewNode(cfg Config) *Node {
	c := cfg.withDefaults()
	n := &Node{
		cfg:        c,
		mailbox:    make(chan func(), 64),
		done:       make(chan struct{}),
		log:        []LogEntry{{Term: 0, Index: 0}},
		role:       Follower,
		nextIndex:  make(map[types.NodeID]int64, len(c.Peers)),
		matchIndex: make(map[types.NodeID]int64, len(c.Peers)),
		inflight:   make(map[types.NodeID]bool, len(c.Peers)),
		resendWant: make(map[types.NodeID]bool, len(c.Peers)),
		votes:      make(map[types.NodeID]bool, len(c.Peers)+1),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		rsm:        state.Empty(),
	}
	n.electionTimer = time.NewTimer(n.randElectionTimeout())
	n.heartbeats = time.NewTicker(c.HeartbeatInterval)
	n.wg.Add(1)
	go n.run()
	return n
}

func (n *Node) run() {
	defer n.wg.Done()
	defer n.electionTimer.Stop()
	defer n.heartbeats.Stop()
	for {
		select {
		case <-n.done:
			return
		case fn := <-n.mailbox:
			fn()
		case <-n.electionTimer.C:
			n.onElectionTimeout()
		case <-n.heartbeats.C:
			if n.role == Leader {
				n.broadcastAppend()
			}
		}
	}
}

// Stop shuts the actor down. In-flight RPC replies posted after Stop are
// discarded. Safe to call more than once.
func (n *Node) Stop() {
	n.stopped.Do(func() { close(n.done) })
	n.wg.Wait()
}

// do posts fn to the actor and returns ErrStopped if the actor is gone.
func (n *Node) do(fn func()) error {
	select {
	case n.mailbox <- fn:
		return nil
	case <-n.done:
		return ErrStopped
	}
}

// Propose appends op to the room's log if this node is the leader. It returns
// once the entry is appended and replication has been kicked off; commitment
// is observed through OnApply.
func (n *Node) Propose(op state.Operation) error {
	errc := make(chan error, 1)
	if err := n.do(func() { errc <- n.propose(op) }); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-n.done:
		return ErrStopped
	}
}

// HandleRequestVote runs a peer's RequestVote against this node's state.
func (n *Node) HandleRequestVote(req *RequestVoteRequest) (*RequestVoteResponse, error) {
	respc := make(chan *RequestVoteResponse, 1)
	if err := n.do(func() { respc <- n.requestVote(req) }); err != nil {
		return nil, err
	}
	select {
	case resp := <-respc:
		return resp, nil
	case <-n.done:
		return nil, ErrStopped
	}
}

// HandleAppendEntries runs a leader's AppendEntries against this node's state.
func (n *Node) HandleAppendEntries(req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	respc := make(chan *AppendEntriesResponse, 1)
	if err := n.do(func() { respc <- n.appendEntries(req) }); err != nil {
		return nil, err
	}
	select {
	case resp := <-respc:
		return resp, nil
	case <-n.done:
		return nil, ErrStopped
	}
}

// Status returns a consistent snapshot of the node's Raft bookkeeping.
func (n *Node) Status() (Status, error) {
	respc := make(chan Status, 1)
	err := n.do(func() {
		respc <- Status{
			NodeID:      n.cfg.NodeID,
			RoomCode:    n.cfg.RoomCode,
			Role:        n.role.String(),
			Term:        n.currentTerm,
			LeaderID:    n.leaderID,
			CommitIndex: n.commitIndex,
			LastApplied: n.lastApplied,
			LogLength:   n.lastIndex(),
			Unhealthy:   n.unhealthy,
		}
	})
	if err != nil {
		return Status{}, err
	}
	select {
	case s := <-respc:
		return s, nil
	case <-n.done:
		return Status{}, ErrStopped
	}
}

// Snapshot returns a deep copy of the committed room state.
func (n *Node) Snapshot() (state.RoomState, error) {
	respc := make(chan state.RoomState, 1)
	if err := n.do(func() { respc <- n.rsm.Clone() }); err != nil {
		return state.RoomState{}, err
	}
	select {
	case s := <-respc:
		return s, nil
	case <-n.done:
		return state.RoomState{}, ErrStopped
	}
}

// --- actor-goroutine helpers ---

func (n *Node) lastIndex() int64 {
	return n.log[len(n.log)-1].Index
}

func (n *Node) lastTerm() int64 {
	return n.log[len(n.log)-1].Term
}

func (n *Node) entryAt(index int64) LogEntry {
	return n.log[index]
}

func (n *Node) majority() int {
	return (len(n.cfg.Peers)+1)/2 + 1
}

func (n *Node) randElectionTimeout() time.Duration {
	span := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	return n.cfg.ElectionTimeoutMin + time.Duration(n.rng.Int63n(int64(span)+1))
}

// resetElectionTimer re-arms the election timer with a fresh randomized
// interval, draining a pending fire so stale timeouts never leak through.
func (n *Node) resetElectionTimer() {
	if !n.electionTimer.Stop() {
		select {
		case <-n.electionTimer.C:
		default:
		}
	}
	n.electionTimer.Reset(n.randElectionTimeout())
}

// setTerm records a term change and mirrors it to the per-room term gauge.
func (n *Node) setTerm(term int64) {
	n.currentTerm = term
	metrics.CurrentTerm.WithLabelValues(string(n.cfg.RoomCode)).Set(float64(term))
}

func (n *Node) setLeader(leader types.NodeID) {
	if n.leaderID == leader {
		return
	}
	n.leaderID = leader
	if n.cfg.OnLeaderChange != nil {
		n.cfg.OnLeaderChange(leader)
	}
}

// stepDown adopts a higher term and reverts to follower. Vote is cleared
// because the term changed.
func (n *Node) stepDown(term int64) {
	wasLeader := n.role == Leader
	n.setTerm(term)
	n.votedFor = ""
	n.role = Follower
	n.setLeader("")
	if wasLeader {
		n.logInfo("stepping down from leadership", zap.Int64("term", term))
	}
	n.resetElectionTimer()
}

func (n *Node) logInfo(msg string, fields ...zap.Field) {
	logging.Info(context.Background(), msg, append(n.logFields(), fields...)...)
}

func (n *Node) logDebug(msg string, fields ...zap.Field) {
	logging.Debug(context.Background(), msg, append(n.logFields(), fields...)...)
}

func (n *Node) logFields() []zap.Field {
	return []zap.Field{
		zap.String("room_code", string(n.cfg.RoomCode)),
		zap.String("role", n.role.String()),
		zap.Int64("term", n.currentTerm),
	}
}
