package protocol

import (
	"encoding/json"

	"github.com/roomloop/roomloop/internal/v1/types"
)

// Inter-node RPC types. Forwarded client operations reuse the client message
// type (ROOM_JOIN, PLAYBACK_PLAY, ...) as the RPC type.
const (
	RPCRequestVote   = "REQUEST_VOTE"
	RPCAppendEntries = "APPEND_ENTRIES"
	RPCCreateRoom    = "CREATE_ROOM"
)

// RPCEnvelope is the frame POSTed to a peer's /rpc endpoint. RoomCode is
// mandatory on every RPC so the receiver can dispatch to the right room's
// Raft group.
type RPCEnvelope struct {
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	SourceNodeID types.NodeID    `json:"sourceNodeId"`
	TargetNodeID types.NodeID    `json:"targetNodeId,omitempty"`
	MessageID    string          `json:"messageId"`
	RoomCode     types.RoomCode  `json:"roomCode"`
}

// CreateRoomPayload is the non-Raft handshake fanned out to every peer before
// the first propose, so each node has the room's Raft group instantiated
// before the first AppendEntries arrives. Idempotent on the receiver.
type CreateRoomPayload struct {
	RoomCode        types.RoomCode `json:"roomCode"`
	CreatorUserID   types.UserID   `json:"creatorUserId"`
	CreatorUsername types.Username `json:"creatorUsername"`
	CreatedAt       int64          `json:"createdAt"`
}

// HealthResponse is the body of GET /health on the RPC port.
type HealthResponse struct {
	Status string       `json:"status"`
	NodeID types.NodeID `json:"nodeId"`
}
