package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/roomloop/roomloop/internal/v1/logging"
	"github.com/roomloop/roomloop/internal/v1/protocol"
	"github.com/roomloop/roomloop/internal/v1/raft"
	"github.com/roomloop/roomloop/internal/v1/types"
	"go.uber.org/zap"
)

// Fault codes peers may return for a rejected RPC.
const (
	FaultNotLeader     = "NOT_LEADER"
	FaultBadRequest    = "BAD_REQUEST"
	FaultUnknownRoom   = "UNKNOWN_ROOM"
	FaultRoomExists    = "ROOM_EXISTS"
	FaultInternal      = "INTERNAL"
	FaultUnknownType   = "UNKNOWN_TYPE"
	FaultRoomUnhealthy = "ROOM_UNHEALTHY"
)

// ErrUnknownRoom is returned by the dispatcher when an RPC names a room this
// node has no group for. CREATE_ROOM is exempt; it is what creates the group.
var ErrUnknownRoom = errors.New("unknown room")

// ErrRoomExists is returned by the dispatcher when a CREATE_ROOM handshake
// names a code this node already holds for a different room. The creator
// re-mints the code.
var ErrRoomExists = errors.New("room code already in use")

// Dispatcher is what the RPC server needs from the room registry.
type Dispatcher interface {
	DispatchRequestVote(ctx context.Context, room types.RoomCode, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error)
	DispatchAppendEntries(ctx context.Context, room types.RoomCode, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error)
	DispatchCreateRoom(ctx context.Context, payload protocol.CreateRoomPayload) error
	// DispatchForwardedOp proposes a client operation that another node
	// forwarded because it believes this node leads the room.
	DispatchForwardedOp(ctx context.Context, room types.RoomCode, opType string, payload json.RawMessage) error
}

// Server is the RPC-port HTTP surface: POST /rpc and GET /health.
type Server struct {
	nodeID     types.NodeID
	dispatcher Dispatcher
	codec      *protocol.Codec
}

func NewServer(nodeID types.NodeID, dispatcher Dispatcher, maxFrameBytes int) *Server {
	return &Server{
		nodeID:     nodeID,
		dispatcher: dispatcher,
		codec:      protocol.NewCodec(maxFrameBytes),
	}
}

// Register mounts the RPC routes on a gin router.
func (s *Server) Register(r gin.IRouter) {
	r.POST("/rpc", s.handleRPC)
	r.GET("/health", s.handleHealth)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, protocol.HealthResponse{Status: "ok", NodeID: s.nodeID})
}

func (s *Server) handleRPC(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		s.fault(c, http.StatusBadRequest, FaultBadRequest, "unreadable body", "")
		return
	}
	if len(body) > s.codec.MaxFrameBytes() {
		s.fault(c, http.StatusRequestEntityTooLarge, FaultBadRequest, "frame exceeds cap", "")
		return
	}

	var env protocol.RPCEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.fault(c, http.StatusBadRequest, FaultBadRequest, "malformed envelope", "")
		return
	}
	if env.RoomCode == "" && env.Type != protocol.RPCCreateRoom {
		s.fault(c, http.StatusBadRequest, FaultBadRequest, "missing roomCode", "")
		return
	}

	ctx := c.Request.Context()
	switch env.Type {
	case protocol.RPCRequestVote:
		req, err := protocol.DecodePayload[raft.RequestVoteRequest](env.Payload)
		if err != nil {
			s.fault(c, http.StatusBadRequest, FaultBadRequest, err.Error(), "")
			return
		}
		resp, err := s.dispatcher.DispatchRequestVote(ctx, env.RoomCode, &req)
		if err != nil {
			s.dispatchError(c, env, err)
			return
		}
		c.JSON(http.StatusOK, resp)

	case protocol.RPCAppendEntries:
		req, err := protocol.DecodePayload[raft.AppendEntriesRequest](env.Payload)
		if err != nil {
			s.fault(c, http.StatusBadRequest, FaultBadRequest, err.Error(), "")
			return
		}
		resp, err := s.dispatcher.DispatchAppendEntries(ctx, env.RoomCode, &req)
		if err != nil {
			s.dispatchError(c, env, err)
			return
		}
		c.JSON(http.StatusOK, resp)

	case protocol.RPCCreateRoom:
		payload, err := protocol.DecodePayload[protocol.CreateRoomPayload](env.Payload)
		if err != nil {
			s.fault(c, http.StatusBadRequest, FaultBadRequest, err.Error(), "")
			return
		}
		if err := s.dispatcher.DispatchCreateRoom(ctx, payload); err != nil {
			s.dispatchError(c, env, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})

	case protocol.TypeRoomCreate, protocol.TypeRoomJoin, protocol.TypeRoomLeave,
		protocol.TypePlaybackPlay, protocol.TypePlaybackPause, protocol.TypePlaybackSeek,
		protocol.TypePlaylistAdd, protocol.TypePlaylistRemove, protocol.TypeChatMessage:
		if err := s.dispatcher.DispatchForwardedOp(ctx, env.RoomCode, env.Type, env.Payload); err != nil {
			s.dispatchError(c, env, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})

	default:
		s.fault(c, http.StatusBadRequest, FaultUnknownType, "unknown rpc type "+env.Type, "")
	}
}

// dispatchError translates registry and raft errors into fault bodies the
// client side maps back onto typed errors.
func (s *Server) dispatchError(c *gin.Context, env protocol.RPCEnvelope, err error) {
	if nle, ok := raft.AsNotLeader(err); ok {
		s.fault(c, http.StatusConflict, FaultNotLeader, err.Error(), nle.LeaderID)
		return
	}
	switch err {
	case raft.ErrUnhealthy:
		s.fault(c, http.StatusConflict, FaultRoomUnhealthy, err.Error(), "")
	case ErrUnknownRoom:
		s.fault(c, http.StatusNotFound, FaultUnknownRoom, err.Error(), "")
	case ErrRoomExists:
		s.fault(c, http.StatusConflict, FaultRoomExists, err.Error(), "")
	default:
		logging.Error(c.Request.Context(), "rpc dispatch failed",
			zap.String("rpc_type", env.Type),
			zap.String("room_code", string(env.RoomCode)),
			zap.String("source", string(env.SourceNodeID)),
			zap.Error(err))
		s.fault(c, http.StatusInternalServerError, FaultInternal, "internal error", "")
	}
}

func (s *Server) fault(c *gin.Context, status int, code, message string, leader types.NodeID) {
	c.JSON(status, rpcFault{Code: code, Message: message, LeaderID: leader})
}
