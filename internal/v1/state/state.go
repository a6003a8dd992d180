package state

import (
	"encoding/json"

	"github.com/roomloop/roomloop/internal/v1/types"
)

// MaxChatLog bounds the chat history retained in room state.
const MaxChatLog = 1000

// Participant is one member of a room.
type Participant struct {
	UserID    types.UserID   `json:"userId"`
	Username  types.Username `json:"username"`
	JoinedAt  int64          `json:"joinedAt"`
	IsCreator bool           `json:"isCreator"`
}

// PlaylistEntry is one queued video.
type PlaylistEntry struct {
	VideoID string       `json:"videoId"`
	Title   string       `json:"title,omitempty"`
	AddedBy types.UserID `json:"addedBy"`
	AddedAt int64        `json:"addedAt"`
}

// PlaybackState is the shared playhead. PositionSeconds is the position at
// LastUpdated; clients extrapolate by wall-clock delta while playing.
type PlaybackState struct {
	IsPlaying       bool    `json:"isPlaying"`
	CurrentVideoID  string  `json:"currentVideoId,omitempty"`
	PositionSeconds float64 `json:"positionSeconds"`
	LastUpdated     int64   `json:"lastUpdated"`
}

// ChatMessage is one chat log entry.
type ChatMessage struct {
	ID        string       `json:"id"`
	UserID    types.UserID `json:"userId"`
	Text      string       `json:"text"`
	Timestamp int64        `json:"timestamp"`
}

// RoomState is the replicated, deterministic state of one room. It is always
// the fold of the committed operation log over Empty(); two nodes that have
// applied the same log prefix hold byte-identical canonical serializations.
type RoomState struct {
	Code         types.RoomCode  `json:"code"`
	CreatedAt    int64           `json:"createdAt"`
	CreatedBy    types.UserID    `json:"createdBy"`
	Participants []Participant   `json:"participants"`
	Playlist     []PlaylistEntry `json:"playlist"`
	Playback     PlaybackState   `json:"playback"`
	ChatLog      []ChatMessage   `json:"chatLog"`
}

// Empty returns the pre-creation state. Slices are non-nil so the canonical
// serialization is stable ([] rather than null).
func Empty() RoomState {
	return RoomState{
		Participants: []Participant{},
		Playlist:     []PlaylistEntry{},
		ChatLog:      []ChatMessage{},
	}
}

// Created reports whether a ROOM_CREATE has been applied.
func (s RoomState) Created() bool {
	return s.Code != ""
}

// HasParticipant reports whether the user is currently in the room.
func (s RoomState) HasParticipant(userID types.UserID) bool {
	for _, p := range s.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Apply never mutates its input; callers handing
// snapshots to the gateway rely on that.
func (s RoomState) Clone() RoomState {
	out := s
	out.Participants = append([]Participant{}, s.Participants...)
	out.Playlist = append([]PlaylistEntry{}, s.Playlist...)
	out.ChatLog = append([]ChatMessage{}, s.ChatLog...)
	return out
}

// CanonicalJSON serializes the state deterministically. encoding/json emits
// struct fields in declaration order, which fixes the byte layout.
func (s RoomState) CanonicalJSON() ([]byte, error) {
	return json.Marshal(s)
}
