package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/roomloop/roomloop/internal/v1/protocol"
	"github.com/roomloop/roomloop/internal/v1/raft"
	"github.com/roomloop/roomloop/internal/v1/state"
	"github.com/roomloop/roomloop/internal/v1/types"
)

var errConnClosed = errors.New("connection closed")

// mockConn scripts inbound frames through a channel and records every write.
type mockConn struct {
	inbound chan []byte

	mu      sync.Mutex
	written [][]byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-m.inbound:
		if !ok {
			return 0, nil, errConnClosed
		}
		return websocket.TextMessage, data, nil
	case <-m.closed:
		return 0, nil, errConnClosed
	}
}

func (m *mockConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-m.closed:
		return errConnClosed
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.written = append(m.written, buf)
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) SetWriteDeadline(time.Time) error { return nil }
func (m *mockConn) SetReadLimit(int64)               {}

// frames decodes everything written so far.
func (m *mockConn) frames() []protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(m.written))
	for _, raw := range m.written {
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// framesOfType filters written frames by message type.
func (m *mockConn) framesOfType(msgType string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range m.frames() {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

// submitRecord is one call to mockRoomService.Submit.
type submitRecord struct {
	Room    types.RoomCode
	OpType  string
	Payload json.RawMessage
}

// mockRoomService scripts the registry surface the gateway depends on.
type mockRoomService struct {
	mu       sync.Mutex
	submits  []submitRecord
	creates  int
	code     types.RoomCode
	snapshot state.RoomState

	createErr   error
	submitErr   error
	snapshotErr error
}

func (m *mockRoomService) CreateRoom(_ context.Context, userID types.UserID, username types.Username) (types.RoomCode, state.RoomState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.createErr != nil {
		return "", state.RoomState{}, m.createErr
	}
	snap, _ := state.Apply(state.Empty(), state.Operation{
		Kind: state.OpRoomCreate, OriginUserID: userID, Username: username,
		RoomCode: m.code, SubmitTimestamp: 1000,
	})
	m.snapshot = snap
	return m.code, snap, nil
}

func (m *mockRoomService) Submit(_ context.Context, room types.RoomCode, opType string, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return m.submitErr
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	m.submits = append(m.submits, submitRecord{Room: room, OpType: opType, Payload: buf})
	return nil
}

func (m *mockRoomService) Snapshot(types.RoomCode) (state.RoomState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshotErr != nil {
		return state.RoomState{}, m.snapshotErr
	}
	return m.snapshot.Clone(), nil
}

func (m *mockRoomService) Status(types.RoomCode) (raft.Status, error) {
	return raft.Status{Role: "follower"}, nil
}

func (m *mockRoomService) recorded() []submitRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]submitRecord, len(m.submits))
	copy(out, m.submits)
	return out
}
