package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/roomloop/roomloop/internal/v1/cluster"
	"github.com/roomloop/roomloop/internal/v1/config"
	"github.com/roomloop/roomloop/internal/v1/protocol"
	"github.com/roomloop/roomloop/internal/v1/raft"
	"github.com/roomloop/roomloop/internal/v1/state"
	"github.com/roomloop/roomloop/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeCluster wires registries to each other directly, standing in for the
// HTTP RPC layer.
type fakeCluster struct {
	mu   sync.RWMutex
	regs map[types.NodeID]*Registry
}

func (f *fakeCluster) get(id types.NodeID) *Registry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.regs[id]
}

type fakeClient struct {
	c   *fakeCluster
	src types.NodeID
}

func (f *fakeClient) RequestVote(ctx context.Context, peer types.NodeID, room types.RoomCode, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	reg := f.c.get(peer)
	if reg == nil {
		return nil, cluster.ErrUnknownRoom
	}
	return reg.DispatchRequestVote(ctx, room, req)
}

func (f *fakeClient) AppendEntries(ctx context.Context, peer types.NodeID, room types.RoomCode, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	reg := f.c.get(peer)
	if reg == nil {
		return nil, cluster.ErrUnknownRoom
	}
	return reg.DispatchAppendEntries(ctx, room, req)
}

func (f *fakeClient) CreateRoom(ctx context.Context, peer types.NodeID, payload protocol.CreateRoomPayload) error {
	reg := f.c.get(peer)
	if reg == nil {
		return cluster.ErrUnknownRoom
	}
	return reg.DispatchCreateRoom(ctx, payload)
}

func (f *fakeClient) ForwardOperation(ctx context.Context, peer types.NodeID, room types.RoomCode, opType string, payload any) error {
	reg := f.c.get(peer)
	if reg == nil {
		return cluster.ErrUnknownRoom
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return reg.DispatchForwardedOp(ctx, room, opType, raw)
}

func testConfig(id types.NodeID, ids []types.NodeID) *config.Config {
	nodes := make([]config.NodeSpec, 0, len(ids))
	for i, nid := range ids {
		nodes = append(nodes, config.NodeSpec{
			ID: nid, Host: "localhost", ClientPort: 8081 + i, RPCPort: 9081 + i,
		})
	}
	return &config.Config{
		NodeID:             id,
		Nodes:              nodes,
		ElectionTimeoutMin: 50 * time.Millisecond,
		ElectionTimeoutMax: 100 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
		RPCTimeout:         250 * time.Millisecond,
		MaxFrameBytes:      64 * 1024,
	}
}

func startRegistries(t *testing.T, ids ...types.NodeID) map[types.NodeID]*Registry {
	t.Helper()
	fc := &fakeCluster{regs: make(map[types.NodeID]*Registry)}
	regs := make(map[types.NodeID]*Registry, len(ids))
	for _, id := range ids {
		reg := New(testConfig(id, ids), &fakeClient{c: fc, src: id})
		regs[id] = reg
		fc.mu.Lock()
		fc.regs[id] = reg
		fc.mu.Unlock()
	}
	t.Cleanup(func() {
		for _, reg := range regs {
			reg.Close()
		}
	})
	return regs
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", msg)
}

func participants(reg *Registry, code types.RoomCode) int {
	rm, ok := reg.Get(code)
	if !ok {
		return -1
	}
	snap, err := rm.Snapshot()
	if err != nil {
		return -1
	}
	return len(snap.Participants)
}

func TestCreateRoomReplicatesEverywhere(t *testing.T) {
	regs := startRegistries(t, "n1", "n2", "n3")

	code, snapshot, err := regs["n1"].CreateRoom(context.Background(), "u1", "Alice")
	require.NoError(t, err)
	assert.True(t, code.Valid())
	assert.True(t, snapshot.Created())
	assert.True(t, snapshot.HasParticipant("u1"))

	// The handshake put the group on every node; replication fills it in.
	for id, reg := range regs {
		_, ok := reg.Get(code)
		assert.True(t, ok, "node %s missing room group", id)
	}
	waitFor(t, 3*time.Second, func() bool {
		for _, reg := range regs {
			if participants(reg, code) != 1 {
				return false
			}
		}
		return true
	}, "create op applied on every node")
}

func TestSubmitRoutesWriteToLeader(t *testing.T) {
	regs := startRegistries(t, "n1", "n2", "n3")

	code, _, err := regs["n1"].CreateRoom(context.Background(), "u1", "Alice")
	require.NoError(t, err)

	joinRaw, err := json.Marshal(protocol.RoomJoinPayload{
		RoomCode: string(code), UserID: "u2", Username: "Bob",
	})
	require.NoError(t, err)

	// Submit on every node in turn; propose-or-forward must land each one
	// regardless of where the leader lives.
	for _, id := range []types.NodeID{"n2", "n3"} {
		require.NoError(t, regs[id].Submit(context.Background(), code, protocol.TypeRoomJoin, joinRaw))
	}

	waitFor(t, 3*time.Second, func() bool {
		for _, reg := range regs {
			if participants(reg, code) != 2 {
				return false
			}
		}
		return true
	}, "join converges on every node")
}

func TestSubmitUnknownRoom(t *testing.T) {
	regs := startRegistries(t, "n1", "n2", "n3")

	raw, err := json.Marshal(protocol.ChatMessagePayload{
		RoomCode: "GH0STY", UserID: "u1", Username: "A", MessageText: "anyone?", Timestamp: 1,
	})
	require.NoError(t, err)

	err = regs["n1"].Submit(context.Background(), "GH0STY", protocol.TypeChatMessage, raw)
	assert.ErrorIs(t, err, cluster.ErrUnknownRoom)
}

func TestDispatchCreateRoomIdempotent(t *testing.T) {
	regs := startRegistries(t, "n1", "n2", "n3")
	payload := protocol.CreateRoomPayload{
		RoomCode: "ABC123", CreatorUserID: "u1", CreatorUsername: "Alice", CreatedAt: 100,
	}

	require.NoError(t, regs["n2"].DispatchCreateRoom(context.Background(), payload))
	require.NoError(t, regs["n2"].DispatchCreateRoom(context.Background(), payload))
	assert.Equal(t, 1, regs["n2"].RoomCount())
}

// collideClient acks every Raft RPC so the local node can lead and commit,
// and scripts CREATE_ROOM handshake collisions: the first minted code (or all
// of them) is reported as already in use.
type collideClient struct {
	mu          sync.Mutex
	rejectFirst bool
	rejectAll   bool
	firstCode   types.RoomCode
	handshook   []types.RoomCode
}

func (c *collideClient) RequestVote(_ context.Context, _ types.NodeID, _ types.RoomCode, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	return &raft.RequestVoteResponse{Term: req.Term, VoteGranted: true}, nil
}

func (c *collideClient) AppendEntries(_ context.Context, _ types.NodeID, _ types.RoomCode, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	return &raft.AppendEntriesResponse{
		Term:       req.Term,
		Success:    true,
		MatchIndex: req.PrevLogIndex + int64(len(req.Entries)),
	}, nil
}

func (c *collideClient) CreateRoom(_ context.Context, _ types.NodeID, payload protocol.CreateRoomPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejectFirst && c.firstCode == "" {
		c.firstCode = payload.RoomCode
	}
	c.handshook = append(c.handshook, payload.RoomCode)
	if c.rejectAll || (c.firstCode != "" && payload.RoomCode == c.firstCode) {
		return cluster.ErrRoomExists
	}
	return nil
}

func (c *collideClient) ForwardOperation(context.Context, types.NodeID, types.RoomCode, string, any) error {
	return nil
}

func (c *collideClient) distinctCodes() []types.RoomCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[types.RoomCode]bool)
	var out []types.RoomCode
	for _, code := range c.handshook {
		if !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}
	return out
}

func TestCreateRoomRemintsOnPeerCollision(t *testing.T) {
	client := &collideClient{rejectFirst: true}
	reg := New(testConfig("n1", []types.NodeID{"n1", "n2", "n3"}), client)
	t.Cleanup(reg.Close)

	code, snapshot, err := reg.CreateRoom(context.Background(), "u1", "Alice")
	require.NoError(t, err)
	assert.True(t, snapshot.Created())

	assert.NotEqual(t, client.firstCode, code, "collided code must not be handed to the creator")
	codes := client.distinctCodes()
	require.Len(t, codes, 2, "one re-mint after the collision")
	assert.Equal(t, client.firstCode, codes[0])
	assert.Equal(t, code, codes[1])

	_, hosted := reg.Get(client.firstCode)
	assert.False(t, hosted, "collided code must not leave a local group behind")
}

func TestCreateRoomGivesUpWhenEveryCodeCollides(t *testing.T) {
	client := &collideClient{rejectAll: true}
	reg := New(testConfig("n1", []types.NodeID{"n1", "n2", "n3"}), client)
	t.Cleanup(reg.Close)

	_, _, err := reg.CreateRoom(context.Background(), "u1", "Alice")
	assert.ErrorIs(t, err, ErrNoFreeRoomCode)
	assert.Len(t, client.distinctCodes(), createAttempts, "one fresh code per attempt")
	assert.Equal(t, 0, reg.RoomCount())
}

func TestCodeTaken(t *testing.T) {
	regs := startRegistries(t, "n1", "n2", "n3")
	reg := regs["n1"]

	require.NoError(t, reg.DispatchCreateRoom(context.Background(), protocol.CreateRoomPayload{
		RoomCode: "LIVE01", CreatorUserID: "u1", CreatorUsername: "A", CreatedAt: 100,
	}))
	reg.mu.Lock()
	reg.tombstones["DEAD01"] = time.Now()
	reg.mu.Unlock()

	assert.True(t, reg.codeTaken("LIVE01"), "hosted room")
	assert.True(t, reg.codeTaken("DEAD01"), "tombstoned room")
	assert.False(t, reg.codeTaken("FRESH1"))
}

func TestDispatchCreateRoomReportsCollision(t *testing.T) {
	regs := startRegistries(t, "n1", "n2", "n3")

	require.NoError(t, regs["n2"].DispatchCreateRoom(context.Background(), protocol.CreateRoomPayload{
		RoomCode: "ABC123", CreatorUserID: "u1", CreatorUsername: "Alice", CreatedAt: 100,
	}))

	// Same code minted at a different instant is someone else's room.
	err := regs["n2"].DispatchCreateRoom(context.Background(), protocol.CreateRoomPayload{
		RoomCode: "ABC123", CreatorUserID: "u9", CreatorUsername: "Mallory", CreatedAt: 200,
	})
	assert.ErrorIs(t, err, cluster.ErrRoomExists)
	assert.Equal(t, 1, regs["n2"].RoomCount())
}

func TestDispatchCreateRoomRejectsBadCode(t *testing.T) {
	regs := startRegistries(t, "n1", "n2", "n3")
	err := regs["n1"].DispatchCreateRoom(context.Background(), protocol.CreateRoomPayload{
		RoomCode: "nope", CreatorUserID: "u1", CreatorUsername: "A",
	})
	assert.ErrorIs(t, err, types.ErrInvalidRoomCode)
}

func TestEmptyRoomCleanedUpAfterGrace(t *testing.T) {
	regs := startRegistries(t, "n1", "n2", "n3")
	for _, reg := range regs {
		reg.cleanupGracePeriod = 150 * time.Millisecond
	}

	code, _, err := regs["n1"].CreateRoom(context.Background(), "u1", "Alice")
	require.NoError(t, err)

	leaveRaw, err := json.Marshal(protocol.RoomLeavePayload{RoomCode: string(code), UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, regs["n1"].Submit(context.Background(), code, protocol.TypeRoomLeave, leaveRaw))

	waitFor(t, 3*time.Second, func() bool {
		for _, reg := range regs {
			if reg.RoomCount() != 0 {
				return false
			}
		}
		return true
	}, "empty room removed on every node after grace period")
}

func TestRejoinCancelsCleanup(t *testing.T) {
	regs := startRegistries(t, "n1", "n2", "n3")
	for _, reg := range regs {
		reg.cleanupGracePeriod = 400 * time.Millisecond
	}

	code, _, err := regs["n1"].CreateRoom(context.Background(), "u1", "Alice")
	require.NoError(t, err)

	leaveRaw, _ := json.Marshal(protocol.RoomLeavePayload{RoomCode: string(code), UserID: "u1"})
	require.NoError(t, regs["n1"].Submit(context.Background(), code, protocol.TypeRoomLeave, leaveRaw))

	// Rejoin inside the grace period keeps the room alive.
	time.Sleep(100 * time.Millisecond)
	joinRaw, _ := json.Marshal(protocol.RoomJoinPayload{RoomCode: string(code), UserID: "u2", Username: "Bob"})
	require.NoError(t, regs["n1"].Submit(context.Background(), code, protocol.TypeRoomJoin, joinRaw))

	time.Sleep(600 * time.Millisecond)
	for id, reg := range regs {
		assert.Equal(t, 1, reg.RoomCount(), "node %s dropped a live room", id)
	}
}

func TestApplyHookSeesCommittedEntries(t *testing.T) {
	regs := startRegistries(t, "n1", "n2", "n3")

	var mu sync.Mutex
	seen := make(map[types.RoomCode][]state.OpKind)
	regs["n1"].SetHooks(func(room types.RoomCode, entry raft.LogEntry, _ state.RoomState) {
		mu.Lock()
		defer mu.Unlock()
		seen[room] = append(seen[room], entry.Op.Kind)
	}, nil)

	code, _, err := regs["n1"].CreateRoom(context.Background(), "u1", "Alice")
	require.NoError(t, err)

	chatRaw, _ := json.Marshal(protocol.ChatMessagePayload{
		RoomCode: string(code), UserID: "u1", Username: "Alice", MessageText: "hi", Timestamp: 1,
	})
	require.NoError(t, regs["n1"].Submit(context.Background(), code, protocol.TypeChatMessage, chatRaw))

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen[code]) == 2
	}, "hook observes create then chat")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []state.OpKind{state.OpRoomCreate, state.OpChatMessage}, seen[code])
}

func TestOperationFromPayload(t *testing.T) {
	tests := []struct {
		name    string
		opType  string
		payload any
		want    state.Operation
		wantErr bool
	}{
		{
			name:   "join",
			opType: protocol.TypeRoomJoin,
			payload: protocol.RoomJoinPayload{
				RoomCode: "ABC123", UserID: "u2", Username: "Bob",
			},
			want: state.Operation{Kind: state.OpRoomJoin, OriginUserID: "u2", Username: "Bob"},
		},
		{
			name:    "seek maps newPositionSeconds",
			opType:  protocol.TypePlaybackSeek,
			payload: protocol.PlaybackSeekPayload{RoomCode: "ABC123", NewPositionSeconds: 42.5},
			want:    state.Operation{Kind: state.OpPlaybackSeek, PositionSeconds: 42.5},
		},
		{
			name:   "playlist add keeps append position",
			opType: protocol.TypePlaylistAdd,
			payload: protocol.PlaylistAddPayload{
				RoomCode: "ABC123", VideoID: "v1", Title: "T", UserID: "u1", Username: "A", NewVideoPosition: -1,
			},
			want: state.Operation{
				Kind: state.OpPlaylistAdd, OriginUserID: "u1", Username: "A",
				VideoID: "v1", Title: "T", Position: -1,
			},
		},
		{
			name:    "unsupported type",
			opType:  "ROOM_EXPLODE",
			payload: struct{}{},
			wantErr: true,
		},
		{
			name:    "invalid payload",
			opType:  protocol.TypeChatMessage,
			payload: protocol.ChatMessagePayload{RoomCode: "ABC123"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.payload)
			require.NoError(t, err)

			op, err := OperationFromPayload(tt.opType, raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, op)
		})
	}
}
