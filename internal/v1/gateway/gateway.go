// Package gateway is the client-facing WebSocket surface: it upgrades
// connections, validates and routes client frames into the room registry, and
// fans committed state back out to every subscribed session.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/roomloop/roomloop/internal/v1/logging"
	"github.com/roomloop/roomloop/internal/v1/metrics"
	"github.com/roomloop/roomloop/internal/v1/protocol"
	"github.com/roomloop/roomloop/internal/v1/raft"
	"github.com/roomloop/roomloop/internal/v1/state"
	"github.com/roomloop/roomloop/internal/v1/types"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

// RoomService is what the gateway needs from the room registry. Satisfied by
// *registry.Registry; tests substitute a mock.
type RoomService interface {
	CreateRoom(ctx context.Context, userID types.UserID, username types.Username) (types.RoomCode, state.RoomState, error)
	Submit(ctx context.Context, room types.RoomCode, opType string, payload json.RawMessage) error
	Snapshot(room types.RoomCode) (state.RoomState, error)
	Status(room types.RoomCode) (raft.Status, error)
}

// submitTimeout bounds one client write end to end, including a leader wait.
const submitTimeout = 5 * time.Second

// Gateway owns every connected session and the room subscription index.
type Gateway struct {
	nodeID   types.NodeID
	svc      RoomService
	codec    *protocol.Codec
	upgrader websocket.Upgrader

	mu          sync.Mutex
	sessions    map[types.SessionID]*Session
	subscribers map[types.RoomCode]set.Set[types.SessionID]
	closed      bool
}

func New(nodeID types.NodeID, svc RoomService, maxFrameBytes int, allowedOrigins string) *Gateway {
	g := &Gateway{
		nodeID:      nodeID,
		svc:         svc,
		codec:       protocol.NewCodec(maxFrameBytes),
		sessions:    make(map[types.SessionID]*Session),
		subscribers: make(map[types.RoomCode]set.Set[types.SessionID]),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return g
}

// originChecker allows everything when no origin list is configured, which is
// the single-host and development posture.
func originChecker(allowed string) func(*http.Request) bool {
	if allowed == "" {
		return func(*http.Request) bool { return true }
	}
	origins := make(map[string]bool)
	for _, o := range strings.Split(allowed, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins[o] = true
		}
	}
	return func(r *http.Request) bool {
		return origins[r.Header.Get("Origin")]
	}
}

// RegisterRoutes mounts the client-port routes on a gin router.
func (g *Gateway) RegisterRoutes(r gin.IRouter) {
	r.GET("/ws", g.serveWs)
	r.GET("/rooms/:code/raft", g.handleRaftStatus)
}

// serveWs upgrades the connection, registers the session, greets it with
// CONNECTED, and starts the pumps.
func (g *Gateway) serveWs(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	g.startSession(conn)
}

// startSession registers a freshly upgraded connection, greets it with
// CONNECTED, and starts its pumps. Returns nil when the gateway is closing.
func (g *Gateway) startSession(conn wsConnection) *Session {
	s := newSession(types.SessionID(uuid.NewString()), conn, g)
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		conn.Close()
		return nil
	}
	g.sessions[s.id] = s
	g.mu.Unlock()
	metrics.IncSession()

	logging.Info(context.Background(), "session connected", zap.String("session_id", string(s.id)))
	s.queueReliable(protocol.MustEncode(protocol.TypeConnected, protocol.ConnectedPayload{
		ClientID: s.id,
		NodeID:   g.nodeID,
	}))

	go s.writePump()
	go s.readPump()
	return s
}

// handleRaftStatus reports a room's Raft bookkeeping on this node, for
// operators debugging a stuck room.
func (g *Gateway) handleRaftStatus(c *gin.Context) {
	code, err := types.NormalizeRoomCode(c.Param("code"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := g.svc.Status(code)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not hosted on this node"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// subscribe adds the session to a room's fanout set.
func (g *Gateway) subscribe(s *Session, room types.RoomCode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	subs, ok := g.subscribers[room]
	if !ok {
		subs = set.New[types.SessionID]()
		g.subscribers[room] = subs
	}
	subs.Insert(s.id)
	metrics.RoomSubscribers.WithLabelValues(string(room)).Set(float64(subs.Len()))
}

// unsubscribe removes the session from a room's fanout set.
func (g *Gateway) unsubscribe(s *Session, room types.RoomCode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	subs, ok := g.subscribers[room]
	if !ok {
		return
	}
	subs.Delete(s.id)
	if subs.Len() == 0 {
		delete(g.subscribers, room)
		metrics.RoomSubscribers.DeleteLabelValues(string(room))
	} else {
		metrics.RoomSubscribers.WithLabelValues(string(room)).Set(float64(subs.Len()))
	}
}

// roomSessions snapshots the sessions subscribed to a room.
func (g *Gateway) roomSessions(room types.RoomCode) []*Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	subs, ok := g.subscribers[room]
	if !ok {
		return nil
	}
	out := make([]*Session, 0, subs.Len())
	for id := range subs {
		if s, ok := g.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// OnApply is the registry apply hook: every committed entry becomes a
// ROOM_STATE_UPDATE to the room's local subscribers. Chat and lifecycle
// commits ride the reliable queue; playback and playlist churn is droppable
// because each snapshot supersedes the last.
func (g *Gateway) OnApply(room types.RoomCode, entry raft.LogEntry, snapshot state.RoomState) {
	frame, err := protocol.Encode(protocol.TypeRoomStateUpdate, protocol.RoomStateUpdatePayload{
		RoomCode:  room,
		RoomState: snapshot,
	})
	if err != nil {
		logging.Error(context.Background(), "encode state update failed",
			zap.String("room_code", string(room)), zap.Error(err))
		return
	}

	reliable := false
	switch entry.Op.Kind {
	case state.OpRoomCreate, state.OpRoomJoin, state.OpRoomLeave, state.OpChatMessage:
		reliable = true
	}

	for _, s := range g.roomSessions(room) {
		if reliable {
			s.queueReliable(frame)
		} else {
			s.queueStateUpdate(frame)
		}
	}
}

// OnLeaderChange is the registry leader hook: subscribers learn where the
// room's writes are going now.
func (g *Gateway) OnLeaderChange(room types.RoomCode, leader types.NodeID) {
	frame := protocol.MustEncode(protocol.TypeLeaderChanged, protocol.LeaderChangedPayload{
		RoomCode: room,
		LeaderID: leader,
	})
	for _, s := range g.roomSessions(room) {
		s.queueReliable(frame)
	}
}

// handleDisconnect runs when a session's read pump exits: the user leaves
// their room implicitly, exactly as if they had sent ROOM_LEAVE.
func (g *Gateway) handleDisconnect(s *Session) {
	g.mu.Lock()
	_, known := g.sessions[s.id]
	delete(g.sessions, s.id)
	g.mu.Unlock()
	if !known {
		return
	}
	metrics.DecSession()

	room := s.boundRoom()
	if room != "" {
		g.unsubscribe(s, room)
		userID, _ := s.identity()
		if userID != "" {
			go g.submitImplicitLeave(room, userID)
		}
	}
	logging.Info(context.Background(), "session disconnected",
		zap.String("session_id", string(s.id)))
}

func (g *Gateway) submitImplicitLeave(room types.RoomCode, userID types.UserID) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	raw, err := json.Marshal(protocol.RoomLeavePayload{RoomCode: string(room), UserID: userID})
	if err != nil {
		return
	}
	if err := g.svc.Submit(ctx, room, protocol.TypeRoomLeave, raw); err != nil {
		logging.Warn(ctx, "implicit leave failed",
			zap.String("room_code", string(room)),
			zap.String("user_id", string(userID)),
			zap.Error(err))
	}
}

// Close tears down every session. New upgrades are refused afterwards.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
