package state

import (
	"fmt"
)

// Apply folds one operation into the room state and returns the successor
// state. It is pure: no clock, no I/O, no randomness, and the input state is
// never mutated. An error is only returned for an operation kind the state
// machine does not know, which across a correctly replicated log indicates a
// version skew bug; callers treat it as fatal for the room.
func Apply(s RoomState, op Operation) (RoomState, error) {
	switch op.Kind {
	case OpRoomCreate:
		return applyCreate(s, op), nil
	case OpRoomJoin:
		return applyJoin(s, op), nil
	case OpRoomLeave:
		return applyLeave(s, op), nil
	case OpPlaybackPlay:
		next := s.Clone()
		next.Playback = PlaybackState{
			IsPlaying:       true,
			CurrentVideoID:  op.VideoID,
			PositionSeconds: op.PositionSeconds,
			LastUpdated:     op.SubmitTimestamp,
		}
		return next, nil
	case OpPlaybackPause:
		next := s.Clone()
		next.Playback.IsPlaying = false
		next.Playback.PositionSeconds = op.PositionSeconds
		next.Playback.LastUpdated = op.SubmitTimestamp
		return next, nil
	case OpPlaybackSeek:
		next := s.Clone()
		next.Playback.PositionSeconds = op.PositionSeconds
		next.Playback.LastUpdated = op.SubmitTimestamp
		return next, nil
	case OpPlaylistAdd:
		return applyPlaylistAdd(s, op), nil
	case OpPlaylistRemove:
		return applyPlaylistRemove(s, op), nil
	case OpChatMessage:
		return applyChat(s, op), nil
	default:
		return s, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func applyCreate(s RoomState, op Operation) RoomState {
	// A second ROOM_CREATE on a created room is a no-op.
	if s.Created() {
		return s
	}
	next := Empty()
	next.Code = op.RoomCode
	next.CreatedAt = op.SubmitTimestamp
	next.CreatedBy = op.OriginUserID
	next.Participants = []Participant{{
		UserID:    op.OriginUserID,
		Username:  op.Username,
		JoinedAt:  op.SubmitTimestamp,
		IsCreator: true,
	}}
	return next
}

func applyJoin(s RoomState, op Operation) RoomState {
	if s.HasParticipant(op.OriginUserID) {
		return s
	}
	next := s.Clone()
	// Only the creator seeded by ROOM_CREATE carries isCreator; a creator
	// who left and rejoins comes back as a regular participant.
	next.Participants = append(next.Participants, Participant{
		UserID:   op.OriginUserID,
		Username: op.Username,
		JoinedAt: op.SubmitTimestamp,
	})
	return next
}

func applyLeave(s RoomState, op Operation) RoomState {
	if !s.HasParticipant(op.OriginUserID) {
		return s
	}
	next := s.Clone()
	kept := next.Participants[:0]
	for _, p := range next.Participants {
		if p.UserID != op.OriginUserID {
			kept = append(kept, p)
		}
	}
	next.Participants = kept
	return next
}

func applyPlaylistAdd(s RoomState, op Operation) RoomState {
	next := s.Clone()
	entry := PlaylistEntry{
		VideoID: op.VideoID,
		Title:   op.Title,
		AddedBy: op.OriginUserID,
		AddedAt: op.SubmitTimestamp,
	}

	pos := op.Position
	if pos == AppendPosition || pos > len(next.Playlist) {
		pos = len(next.Playlist)
	} else if pos < 0 {
		pos = 0
	}

	next.Playlist = append(next.Playlist, PlaylistEntry{})
	copy(next.Playlist[pos+1:], next.Playlist[pos:])
	next.Playlist[pos] = entry
	return next
}

func applyPlaylistRemove(s RoomState, op Operation) RoomState {
	idx := -1
	// Prefer the position the client saw, when it still matches.
	if op.Position >= 0 && op.Position < len(s.Playlist) && s.Playlist[op.Position].VideoID == op.VideoID {
		idx = op.Position
	} else {
		// Concurrent edit moved it; deterministic tiebreak is the first
		// match from the head.
		for i, e := range s.Playlist {
			if e.VideoID == op.VideoID {
				idx = i
				break
			}
		}
	}
	if idx == -1 {
		return s
	}
	next := s.Clone()
	next.Playlist = append(next.Playlist[:idx], next.Playlist[idx+1:]...)
	return next
}

func applyChat(s RoomState, op Operation) RoomState {
	next := s.Clone()
	next.ChatLog = append(next.ChatLog, ChatMessage{
		ID:        fmt.Sprintf("%d-%s", op.SubmitTimestamp, op.OriginUserID),
		UserID:    op.OriginUserID,
		Text:      op.Text,
		Timestamp: op.SubmitTimestamp,
	})
	if len(next.ChatLog) > MaxChatLog {
		next.ChatLog = next.ChatLog[len(next.ChatLog)-MaxChatLog:]
	}
	return next
}
