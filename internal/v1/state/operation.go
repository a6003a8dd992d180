package state

import (
	"github.com/roomloop/roomloop/internal/v1/types"
)

// OpKind tags a replicated room operation. The values double as the wire
// message types for client writes.
type OpKind string

const (
	OpRoomCreate     OpKind = "ROOM_CREATE"
	OpRoomJoin       OpKind = "ROOM_JOIN"
	OpRoomLeave      OpKind = "ROOM_LEAVE"
	OpPlaybackPlay   OpKind = "PLAYBACK_PLAY"
	OpPlaybackPause  OpKind = "PLAYBACK_PAUSE"
	OpPlaybackSeek   OpKind = "PLAYBACK_SEEK"
	OpPlaylistAdd    OpKind = "PLAYLIST_ADD"
	OpPlaylistRemove OpKind = "PLAYLIST_REMOVE"
	OpChatMessage    OpKind = "CHAT_MESSAGE"
)

// AppendPosition is the PLAYLIST_ADD position meaning "append".
const AppendPosition = -1

// Operation is one replicated log command. It is a flat record so the JSON
// form is canonical regardless of which node serialized it.
//
// SubmitTimestamp is stamped by the leader at propose time; a timestamp
// supplied by a forwarding follower is advisory only. Every time field in the
// applied state derives from it, never from the applying node's clock.
type Operation struct {
	Kind            OpKind       `json:"kind"`
	OriginUserID    types.UserID `json:"originUserId"`
	SubmitTimestamp int64        `json:"submitTimestamp"`

	// ROOM_CREATE only; other kinds inherit the room from the log they sit in.
	RoomCode types.RoomCode `json:"roomCode,omitempty"`

	// ROOM_CREATE, ROOM_JOIN, PLAYLIST_ADD
	Username types.Username `json:"username,omitempty"`

	// PLAYBACK_PLAY, PLAYLIST_ADD, PLAYLIST_REMOVE
	VideoID string `json:"videoId,omitempty"`

	// PLAYLIST_ADD
	Title string `json:"title,omitempty"`

	// PLAYBACK_PLAY, PLAYBACK_PAUSE, PLAYBACK_SEEK
	PositionSeconds float64 `json:"positionSeconds,omitempty"`

	// PLAYLIST_ADD: insertion index, AppendPosition (-1) appends.
	// PLAYLIST_REMOVE: the position the client last saw the video at.
	Position int `json:"position,omitempty"`

	// CHAT_MESSAGE
	Text string `json:"text,omitempty"`
}
