// Package registry owns the map of rooms hosted on this node. It creates and
// tears down per-room Raft groups, routes client writes to whichever node
// currently leads a room, and dispatches incoming peer RPCs to the right
// group.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/roomloop/roomloop/internal/v1/cluster"
	"github.com/roomloop/roomloop/internal/v1/config"
	"github.com/roomloop/roomloop/internal/v1/logging"
	"github.com/roomloop/roomloop/internal/v1/metrics"
	"github.com/roomloop/roomloop/internal/v1/protocol"
	"github.com/roomloop/roomloop/internal/v1/raft"
	"github.com/roomloop/roomloop/internal/v1/state"
	"github.com/roomloop/roomloop/internal/v1/types"
	"go.uber.org/zap"
)

// ErrNoLeader is returned when a write cannot find a leader for the room
// within the submit deadline.
var ErrNoLeader = errors.New("no leader available for room")

// ErrNoFreeRoomCode is returned when every minted code collided with a live
// room. With 36^6 codes and ephemeral rooms this means something is wrong.
var ErrNoFreeRoomCode = errors.New("could not mint an unused room code")

// createAttempts bounds code re-mints on collision.
const createAttempts = 5

const (
	// submitDeadline bounds how long a write waits for the room to elect.
	submitDeadline = 2 * time.Second
	// submitRetryInterval paces leader-discovery retries within the deadline.
	submitRetryInterval = 50 * time.Millisecond
)

// ClusterClient is what the registry needs from the RPC layer. Satisfied by
// *cluster.Client; tests substitute an in-memory fake.
type ClusterClient interface {
	raft.Transport
	CreateRoom(ctx context.Context, peer types.NodeID, payload protocol.CreateRoomPayload) error
	ForwardOperation(ctx context.Context, peer types.NodeID, room types.RoomCode, opType string, payload any) error
}

// ApplyHook observes every committed entry with the state that resulted.
type ApplyHook func(room types.RoomCode, entry raft.LogEntry, snapshot state.RoomState)

// LeaderHook observes leader changes per room.
type LeaderHook func(room types.RoomCode, leader types.NodeID)

// Registry is the node-local room table.
type Registry struct {
	cfg    *config.Config
	client ClusterClient

	mu                  sync.Mutex
	rooms               map[types.RoomCode]*Room
	pendingRoomCleanups map[types.RoomCode]*time.Timer
	cleanupGracePeriod  time.Duration
	// tombstones blocks lazy resurrection of a cleaned-up room by straggler
	// heartbeats from peers that have not finished their own cleanup yet.
	// An explicit CREATE_ROOM clears the tombstone.
	tombstones map[types.RoomCode]time.Time
	closed     bool

	onApply  ApplyHook
	onLeader LeaderHook
}

func New(cfg *config.Config, client ClusterClient) *Registry {
	return &Registry{
		cfg:                 cfg,
		client:              client,
		rooms:               make(map[types.RoomCode]*Room),
		pendingRoomCleanups: make(map[types.RoomCode]*time.Timer),
		cleanupGracePeriod:  30 * time.Second,
		tombstones:          make(map[types.RoomCode]time.Time),
	}
}

// SetHooks installs the gateway's fanout callbacks. Must be called before the
// first room exists.
func (r *Registry) SetHooks(onApply ApplyHook, onLeader LeaderHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onApply = onApply
	r.onLeader = onLeader
}

// CreateRoom mints a room code, checks it for collisions locally and on every
// peer, instantiates the room's Raft group cluster-wide, and replicates the
// creation operation. The returned snapshot is computed locally so the creator
// gets an immediate ROOM_CREATED even while the group is still electing.
func (r *Registry) CreateRoom(ctx context.Context, userID types.UserID, username types.Username) (types.RoomCode, state.RoomState, error) {
	for attempt := 0; attempt < createAttempts; attempt++ {
		code, err := types.NewRoomCode()
		if err != nil {
			return "", state.RoomState{}, err
		}
		createdAt := time.Now().UnixMilli()

		// Collision check before any replication: this node first, then every
		// peer through the handshake. A taken code is re-minted.
		if r.codeTaken(code) {
			continue
		}
		payload := protocol.CreateRoomPayload{
			RoomCode:        code,
			CreatorUserID:   userID,
			CreatorUsername: username,
			CreatedAt:       createdAt,
		}
		if r.handshake(ctx, payload) {
			logging.Warn(ctx, "room code collided on a peer, re-minting",
				zap.String("room_code", string(code)))
			continue
		}

		r.ensureRoom(code, createdAt, true)

		op := state.Operation{
			Kind:            state.OpRoomCreate,
			OriginUserID:    userID,
			SubmitTimestamp: createdAt,
			RoomCode:        code,
			Username:        username,
		}
		// The creation op is forwardable too: if a peer wins the fresh group's
		// election, the op chases it like any other write.
		createRaw, err := json.Marshal(protocol.RoomCreatePayload{UserID: userID, Username: username})
		if err != nil {
			return "", state.RoomState{}, err
		}
		if err := r.submitOp(ctx, code, protocol.TypeRoomCreate, op, createRaw); err != nil {
			return "", state.RoomState{}, err
		}

		// Advisory snapshot: Apply is deterministic, so this matches what the
		// committed state will be once the group catches up.
		snapshot, err := state.Apply(state.Empty(), op)
		if err != nil {
			return "", state.RoomState{}, err
		}
		return code, snapshot, nil
	}
	return "", state.RoomState{}, ErrNoFreeRoomCode
}

// codeTaken reports whether this node hosts, or recently hosted, a room under
// code.
func (r *Registry) codeTaken(code types.RoomCode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, live := r.rooms[code]
	_, dead := r.tombstones[code]
	return live || dead
}

// handshake fans CREATE_ROOM to every peer so their groups exist before the
// first AppendEntries can arrive. Reports whether any peer holds a different
// live room under the same code. Unreachable peers only warn; they catch up
// lazily when a Raft RPC for the room reaches them.
func (r *Registry) handshake(ctx context.Context, payload protocol.CreateRoomPayload) bool {
	peers := r.cfg.PeerIDs()
	results := make(chan error, len(peers))
	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(peer types.NodeID) {
			defer wg.Done()
			err := r.client.CreateRoom(ctx, peer, payload)
			if err != nil && !errors.Is(err, cluster.ErrRoomExists) {
				logging.Warn(ctx, "create-room handshake failed",
					zap.String("room_code", string(payload.RoomCode)),
					zap.String("peer", string(peer)),
					zap.Error(err))
			}
			results <- err
		}(peer)
	}
	wg.Wait()
	close(results)

	for err := range results {
		if errors.Is(err, cluster.ErrRoomExists) {
			return true
		}
	}
	return false
}

// Submit routes one client write for room: propose locally when this node
// leads, otherwise forward to the known leader, waiting out an election if
// there is no leader yet.
func (r *Registry) Submit(ctx context.Context, room types.RoomCode, opType string, payload json.RawMessage) error {
	op, err := OperationFromPayload(opType, payload)
	if err != nil {
		return err
	}
	return r.submitOp(ctx, room, opType, op, payload)
}

// submitOp is the propose-or-forward loop shared by Submit and CreateRoom.
// payload is the raw client payload to forward; nil means forwarding is not
// possible (room creation) and the loop only waits for local leadership.
func (r *Registry) submitOp(ctx context.Context, room types.RoomCode, opType string, op state.Operation, payload json.RawMessage) error {
	rm, ok := r.Get(room)
	if !ok {
		return cluster.ErrUnknownRoom
	}

	deadline := time.Now().Add(submitDeadline)
	for {
		op.SubmitTimestamp = time.Now().UnixMilli()
		if op.Kind == state.OpRoomCreate {
			// Creation keeps the timestamp minted with the room code.
			op.SubmitTimestamp = rm.createdAt
		}
		err := rm.Propose(op)
		if err == nil {
			metrics.Proposals.WithLabelValues("submitted").Inc()
			return nil
		}
		nle, isNotLeader := raft.AsNotLeader(err)
		if !isNotLeader {
			return err
		}

		if payload != nil && nle.LeaderID != "" && nle.LeaderID != r.cfg.NodeID {
			ferr := r.client.ForwardOperation(ctx, nle.LeaderID, room, opType, payload)
			if ferr == nil {
				return nil
			}
			// Stale hint or mid-election peer: keep trying until deadline.
			if _, stillMoving := raft.AsNotLeader(ferr); !stillMoving && !errors.Is(ferr, cluster.ErrUnknownRoom) {
				return ferr
			}
		}

		if time.Now().After(deadline) {
			return ErrNoLeader
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(submitRetryInterval):
		}
	}
}

// Get returns the local room handle, if this node hosts the room's group.
func (r *Registry) Get(room types.RoomCode) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[room]
	return rm, ok
}

// Snapshot returns the committed state of a hosted room.
func (r *Registry) Snapshot(room types.RoomCode) (state.RoomState, error) {
	rm, ok := r.Get(room)
	if !ok {
		return state.RoomState{}, cluster.ErrUnknownRoom
	}
	return rm.Snapshot()
}

// Status returns the Raft bookkeeping of a hosted room.
func (r *Registry) Status(room types.RoomCode) (raft.Status, error) {
	rm, ok := r.Get(room)
	if !ok {
		return raft.Status{}, cluster.ErrUnknownRoom
	}
	return rm.Status()
}

// RoomCount reports how many room groups this node currently hosts.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// tombstoneTTL is how long a cleaned-up room resists lazy recreation. Long
// enough for every peer to finish its own deterministic cleanup.
const tombstoneTTL = 10 * time.Second

// ensureRoom returns the room's local group, creating it if absent and
// cancelling any pending cleanup. An explicit create (the CREATE_ROOM
// handshake or a local room creation) clears any tombstone; a lazy create
// from an inbound Raft RPC respects it. Safe for concurrent use.
func (r *Registry) ensureRoom(code types.RoomCode, createdAt int64, explicit bool) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ts, dead := r.tombstones[code]; dead {
		if explicit || time.Since(ts) > tombstoneTTL {
			delete(r.tombstones, code)
		} else {
			return nil
		}
	}

	if rm, ok := r.rooms[code]; ok {
		if timer, pending := r.pendingRoomCleanups[code]; pending {
			timer.Stop()
			delete(r.pendingRoomCleanups, code)
			logging.Info(context.Background(), "cancelled pending room cleanup",
				zap.String("room_code", string(code)))
		}
		return rm
	}
	if r.closed {
		return nil
	}

	rm := &Room{code: code, createdAt: createdAt}
	rm.node = raft.NewNode(raft.Config{
		NodeID:             r.cfg.NodeID,
		RoomCode:           code,
		Peers:              r.cfg.PeerIDs(),
		ElectionTimeoutMin: r.cfg.ElectionTimeoutMin,
		ElectionTimeoutMax: r.cfg.ElectionTimeoutMax,
		HeartbeatInterval:  r.cfg.HeartbeatInterval,
		RPCTimeout:         r.cfg.RPCTimeout,
		Transport:          r.client,
		OnApply: func(entry raft.LogEntry, snapshot state.RoomState) {
			r.observeApply(code, entry, snapshot)
		},
		OnLeaderChange: func(leader types.NodeID) {
			if r.onLeader != nil {
				r.onLeader(code, leader)
			}
		},
	})
	r.rooms[code] = rm
	metrics.ActiveRooms.Inc()
	logging.Info(context.Background(), "room group created",
		zap.String("room_code", string(code)))
	return rm
}

// observeApply watches committed entries for cluster-wide emptiness. Every
// node sees the same applied sequence, so cleanup scheduling is deterministic
// across the cluster without any extra coordination.
func (r *Registry) observeApply(code types.RoomCode, entry raft.LogEntry, snapshot state.RoomState) {
	if snapshot.Created() && len(snapshot.Participants) == 0 {
		r.scheduleCleanup(code)
	} else {
		r.cancelCleanup(code)
	}
	if r.onApply != nil {
		r.onApply(code, entry, snapshot)
	}
}

// scheduleCleanup arms the grace-period timer for an empty room. A rejoin
// before it fires cancels it.
func (r *Registry) scheduleCleanup(code types.RoomCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if existing, ok := r.pendingRoomCleanups[code]; ok {
		existing.Stop()
		delete(r.pendingRoomCleanups, code)
	}

	timer := time.AfterFunc(r.cleanupGracePeriod, func() {
		r.mu.Lock()
		rm, ok := r.rooms[code]
		if ok {
			delete(r.rooms, code)
			r.tombstones[code] = time.Now()
			metrics.ActiveRooms.Dec()
		}
		delete(r.pendingRoomCleanups, code)
		r.mu.Unlock()

		if ok {
			rm.stop()
			metrics.CurrentTerm.DeleteLabelValues(string(code))
			logging.Info(context.Background(), "removed empty room after grace period",
				zap.String("room_code", string(code)))
		}
	})
	r.pendingRoomCleanups[code] = timer
}

func (r *Registry) cancelCleanup(code types.RoomCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timer, ok := r.pendingRoomCleanups[code]; ok {
		timer.Stop()
		delete(r.pendingRoomCleanups, code)
	}
}

// Close stops every room group and cancels pending cleanups.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	rooms := make([]*Room, 0, len(r.rooms))
	for code, rm := range r.rooms {
		rooms = append(rooms, rm)
		delete(r.rooms, code)
	}
	for code, timer := range r.pendingRoomCleanups {
		timer.Stop()
		delete(r.pendingRoomCleanups, code)
	}
	r.mu.Unlock()

	for _, rm := range rooms {
		rm.stop()
	}
	metrics.ActiveRooms.Set(0)
}

// --- cluster.Dispatcher ---

// DispatchRequestVote routes a peer's vote request to the room's group. An
// unknown room is instantiated on the spot: a peer campaigning for it proves
// the room exists cluster-wide.
func (r *Registry) DispatchRequestVote(_ context.Context, room types.RoomCode, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	rm := r.ensureRoom(room, time.Now().UnixMilli(), false)
	if rm == nil {
		return nil, cluster.ErrUnknownRoom
	}
	return rm.node.HandleRequestVote(req)
}

// DispatchAppendEntries routes a leader's AppendEntries to the room's group,
// creating it lazily for the same reason as DispatchRequestVote.
func (r *Registry) DispatchAppendEntries(_ context.Context, room types.RoomCode, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	rm := r.ensureRoom(room, time.Now().UnixMilli(), false)
	if rm == nil {
		return nil, cluster.ErrUnknownRoom
	}
	return rm.node.HandleAppendEntries(req)
}

// DispatchCreateRoom is the receiving side of the creation handshake.
// Idempotent for a retried handshake; a different room already holding the
// code is reported as a collision so the creator re-mints.
func (r *Registry) DispatchCreateRoom(_ context.Context, payload protocol.CreateRoomPayload) error {
	if !payload.RoomCode.Valid() {
		return types.ErrInvalidRoomCode
	}
	// Same code minted at a different instant is a genuine collision, not a
	// handshake retry.
	if rm, ok := r.Get(payload.RoomCode); ok && rm.createdAt != payload.CreatedAt {
		return cluster.ErrRoomExists
	}
	if r.ensureRoom(payload.RoomCode, payload.CreatedAt, true) == nil {
		return cluster.ErrUnknownRoom
	}
	return nil
}

// DispatchForwardedOp proposes a write another node forwarded here. No
// further forwarding happens on this hop; if this node is not the leader the
// typed rejection carries our own leader hint back.
func (r *Registry) DispatchForwardedOp(_ context.Context, room types.RoomCode, opType string, payload json.RawMessage) error {
	rm, ok := r.Get(room)
	if !ok {
		return cluster.ErrUnknownRoom
	}
	var op state.Operation
	if opType == protocol.TypeRoomCreate {
		// ROOM_CREATE is the one op whose room code rides in the envelope,
		// not the payload; the creator minted it before forwarding.
		p, err := protocol.DecodePayload[protocol.RoomCreatePayload](payload)
		if err != nil {
			return err
		}
		op = state.Operation{
			Kind:         state.OpRoomCreate,
			OriginUserID: p.UserID,
			RoomCode:     room,
			Username:     p.Username,
		}
	} else {
		var err error
		op, err = OperationFromPayload(opType, payload)
		if err != nil {
			return err
		}
	}
	op.SubmitTimestamp = time.Now().UnixMilli()
	return rm.Propose(op)
}
