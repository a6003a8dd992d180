package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/roomloop/roomloop/internal/v1/logging"
	"github.com/roomloop/roomloop/internal/v1/metrics"
	"github.com/roomloop/roomloop/internal/v1/types"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single WebSocket write.
	writeWait = 10 * time.Second

	// reliableBuffer queues chat, lifecycle, and error frames. A session that
	// cannot drain these is closed rather than silently missing them.
	reliableBuffer = 64

	// stateUpdateBuffer queues ROOM_STATE_UPDATE frames. Updates are full
	// snapshots, so under backpressure the oldest is dropped: the newest
	// frame supersedes everything before it.
	stateUpdateBuffer = 256
)

// wsConnection is the slice of *websocket.Conn the session needs, kept as an
// interface so tests can substitute a mock connection.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
}

// Session is one connected WebSocket client. Identity fields are bound by the
// first successful ROOM_CREATE or ROOM_JOIN and protected by mu; the pumps
// own the connection.
type Session struct {
	id   types.SessionID
	conn wsConnection
	gw   *Gateway

	send         chan []byte // reliable: chat, lifecycle, errors
	stateUpdates chan []byte // droppable: state update frames

	mu       sync.RWMutex
	userID   types.UserID
	username types.Username
	room     types.RoomCode

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id types.SessionID, conn wsConnection, gw *Gateway) *Session {
	return &Session{
		id:           id,
		conn:         conn,
		gw:           gw,
		send:         make(chan []byte, reliableBuffer),
		stateUpdates: make(chan []byte, stateUpdateBuffer),
		done:         make(chan struct{}),
	}
}

func (s *Session) ID() types.SessionID { return s.id }

func (s *Session) boundRoom() types.RoomCode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

func (s *Session) identity() (types.UserID, types.Username) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.username
}

func (s *Session) bind(userID types.UserID, username types.Username, room types.RoomCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	if username != "" {
		s.username = username
	}
	s.room = room
}

func (s *Session) unbindRoom() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room = ""
}

// queueReliable enqueues a frame that must not be dropped. If the buffer is
// full the session is too far behind to be trusted with ordered delivery, so
// it is closed instead.
func (s *Session) queueReliable(frame []byte) {
	select {
	case s.send <- frame:
	case <-s.done:
	default:
		logging.Warn(context.Background(), "session reliable buffer full, closing",
			zap.String("session_id", string(s.id)))
		s.close()
	}
}

// queueStateUpdate enqueues a snapshot frame, shedding the oldest queued
// update when the buffer is full. Snapshots are cumulative, so the dropped
// frame is strictly superseded by the one replacing it.
func (s *Session) queueStateUpdate(frame []byte) {
	for {
		select {
		case s.stateUpdates <- frame:
			return
		case <-s.done:
			return
		default:
			select {
			case <-s.stateUpdates:
				metrics.DroppedStateUpdates.Inc()
			default:
			}
		}
	}
}

// readPump consumes client frames until the connection drops, then runs
// disconnect cleanup. Runs in its own goroutine.
func (s *Session) readPump() {
	defer func() {
		s.gw.handleDisconnect(s)
		s.close()
	}()
	s.conn.SetReadLimit(int64(s.gw.codec.MaxFrameBytes()))

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.gw.dispatch(s, data)
	}
}

// writePump drains both queues, always preferring reliable frames so a flood
// of state updates cannot starve chat or lifecycle delivery.
func (s *Session) writePump() {
	defer func() {
		// Best effort close frame; on a dead connection the write just fails.
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
		s.conn.Close()
	}()

	for {
		// Reliable frames first.
		select {
		case frame := <-s.send:
			if !s.write(frame) {
				return
			}
			continue
		case <-s.done:
			return
		default:
		}

		select {
		case frame := <-s.send:
			if !s.write(frame) {
				return
			}
		case frame := <-s.stateUpdates:
			if !s.write(frame) {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) write(frame []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		logging.Debug(context.Background(), "session write failed",
			zap.String("session_id", string(s.id)), zap.Error(err))
		return false
	}
	return true
}

// close tears the session down once; safe from any goroutine.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
