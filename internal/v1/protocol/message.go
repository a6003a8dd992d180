// Package protocol defines the framed JSON wire format shared by the client
// link and the inter-node RPC link, and the strict codec that guards both.
package protocol

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/roomloop/roomloop/internal/v1/state"
	"github.com/roomloop/roomloop/internal/v1/types"
)

// Client -> server message types. Write types double as replicated operation
// kinds, so the strings must stay aligned with state.OpKind.
const (
	TypeRoomCreate     = "ROOM_CREATE"
	TypeRoomJoin       = "ROOM_JOIN"
	TypeRoomLeave      = "ROOM_LEAVE"
	TypePlaybackPlay   = "PLAYBACK_PLAY"
	TypePlaybackPause  = "PLAYBACK_PAUSE"
	TypePlaybackSeek   = "PLAYBACK_SEEK"
	TypePlaylistAdd    = "PLAYLIST_ADD"
	TypePlaylistRemove = "PLAYLIST_REMOVE"
	TypeChatMessage    = "CHAT_MESSAGE"
)

// Server -> client message types.
const (
	TypeConnected       = "CONNECTED"
	TypeRoomCreated     = "ROOM_CREATED"
	TypeRoomJoined      = "ROOM_JOINED"
	TypeRoomLeft        = "ROOM_LEFT"
	TypeRoomStateUpdate = "ROOM_STATE_UPDATE"
	TypeLeaderChanged   = "LEADER_CHANGED"
	TypeError           = "ERROR"
)

// MaxChatChars caps the text of a single chat message.
const MaxChatChars = 500

// Envelope is the frame every message travels in, both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// --- Client -> server payloads ---

type RoomCreatePayload struct {
	UserID   types.UserID   `json:"userId"`
	Username types.Username `json:"username"`
}

func (p RoomCreatePayload) Validate() error {
	if p.UserID == "" {
		return &DecodeError{Reason: "userId is required"}
	}
	if p.Username == "" {
		return &DecodeError{Reason: "username is required"}
	}
	return nil
}

type RoomJoinPayload struct {
	RoomCode string         `json:"roomCode"`
	UserID   types.UserID   `json:"userId"`
	Username types.Username `json:"username"`
}

func (p RoomJoinPayload) Validate() error {
	if p.RoomCode == "" {
		return &DecodeError{Reason: "roomCode is required"}
	}
	if p.UserID == "" {
		return &DecodeError{Reason: "userId is required"}
	}
	if p.Username == "" {
		return &DecodeError{Reason: "username is required"}
	}
	return nil
}

type RoomLeavePayload struct {
	RoomCode string       `json:"roomCode"`
	UserID   types.UserID `json:"userId"`
}

func (p RoomLeavePayload) Validate() error {
	if p.RoomCode == "" {
		return &DecodeError{Reason: "roomCode is required"}
	}
	return nil
}

type PlaybackPlayPayload struct {
	RoomCode        string  `json:"roomCode"`
	VideoID         string  `json:"videoId"`
	PositionSeconds float64 `json:"positionSeconds"`
}

func (p PlaybackPlayPayload) Validate() error {
	if p.RoomCode == "" {
		return &DecodeError{Reason: "roomCode is required"}
	}
	if p.VideoID == "" {
		return &DecodeError{Reason: "videoId is required"}
	}
	return nil
}

type PlaybackPausePayload struct {
	RoomCode        string  `json:"roomCode"`
	PositionSeconds float64 `json:"positionSeconds"`
}

func (p PlaybackPausePayload) Validate() error {
	if p.RoomCode == "" {
		return &DecodeError{Reason: "roomCode is required"}
	}
	return nil
}

type PlaybackSeekPayload struct {
	RoomCode           string  `json:"roomCode"`
	NewPositionSeconds float64 `json:"newPositionSeconds"`
}

func (p PlaybackSeekPayload) Validate() error {
	if p.RoomCode == "" {
		return &DecodeError{Reason: "roomCode is required"}
	}
	return nil
}

type PlaylistAddPayload struct {
	RoomCode         string         `json:"roomCode"`
	VideoID          string         `json:"videoId"`
	Title            string         `json:"title,omitempty"`
	UserID           types.UserID   `json:"userId"`
	Username         types.Username `json:"username"`
	NewVideoPosition int            `json:"newVideoPosition"`
}

func (p PlaylistAddPayload) Validate() error {
	if p.RoomCode == "" {
		return &DecodeError{Reason: "roomCode is required"}
	}
	if p.VideoID == "" {
		return &DecodeError{Reason: "videoId is required"}
	}
	if p.NewVideoPosition < state.AppendPosition {
		return &DecodeError{Reason: "newVideoPosition must be -1 or a non-negative index"}
	}
	return nil
}

type PlaylistRemovePayload struct {
	RoomCode             string `json:"roomCode"`
	VideoID              string `json:"videoId"`
	RemovedVideoPosition int    `json:"removedVideoPosition"`
}

func (p PlaylistRemovePayload) Validate() error {
	if p.RoomCode == "" {
		return &DecodeError{Reason: "roomCode is required"}
	}
	if p.VideoID == "" {
		return &DecodeError{Reason: "videoId is required"}
	}
	return nil
}

type ChatMessagePayload struct {
	RoomCode    string         `json:"roomCode"`
	UserID      types.UserID   `json:"userId"`
	Username    types.Username `json:"username"`
	MessageText string         `json:"messageText"`
	Timestamp   int64          `json:"timestamp"`
}

func (p ChatMessagePayload) Validate() error {
	if p.RoomCode == "" {
		return &DecodeError{Reason: "roomCode is required"}
	}
	if p.MessageText == "" {
		return &DecodeError{Reason: "messageText is required"}
	}
	// Characters, not bytes: multibyte text may pass 500 bytes well before
	// 500 characters.
	if utf8.RuneCountInString(p.MessageText) > MaxChatChars {
		return &DecodeError{Reason: "messageText exceeds 500 characters"}
	}
	return nil
}

// --- Server -> client payloads ---

type ConnectedPayload struct {
	ClientID types.SessionID `json:"clientId"`
	NodeID   types.NodeID    `json:"nodeId"`
}

type RoomCreatedPayload struct {
	RoomCode  types.RoomCode  `json:"roomCode"`
	RoomState state.RoomState `json:"roomState"`
}

type RoomJoinedPayload struct {
	RoomCode  types.RoomCode  `json:"roomCode"`
	RoomState state.RoomState `json:"roomState"`
}

type RoomLeftPayload struct {
	RoomCode types.RoomCode `json:"roomCode"`
}

type RoomStateUpdatePayload struct {
	RoomCode  types.RoomCode  `json:"roomCode"`
	RoomState state.RoomState `json:"roomState"`
}

type LeaderChangedPayload struct {
	RoomCode types.RoomCode `json:"roomCode"`
	LeaderID types.NodeID   `json:"leaderId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
