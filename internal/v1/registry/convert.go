package registry

import (
	"encoding/json"
	"fmt"

	"github.com/roomloop/roomloop/internal/v1/protocol"
	"github.com/roomloop/roomloop/internal/v1/state"
)

// OperationFromPayload turns a validated client write payload into the
// replicated operation it stands for. ROOM_CREATE is excluded: creation goes
// through Registry.CreateRoom, which mints the room code itself.
//
// SubmitTimestamp is left zero; the node that wins the propose stamps it.
func OperationFromPayload(opType string, raw json.RawMessage) (state.Operation, error) {
	switch opType {
	case protocol.TypeRoomJoin:
		p, err := protocol.DecodePayload[protocol.RoomJoinPayload](raw)
		if err != nil {
			return state.Operation{}, err
		}
		return state.Operation{Kind: state.OpRoomJoin, OriginUserID: p.UserID, Username: p.Username}, nil

	case protocol.TypeRoomLeave:
		p, err := protocol.DecodePayload[protocol.RoomLeavePayload](raw)
		if err != nil {
			return state.Operation{}, err
		}
		return state.Operation{Kind: state.OpRoomLeave, OriginUserID: p.UserID}, nil

	case protocol.TypePlaybackPlay:
		p, err := protocol.DecodePayload[protocol.PlaybackPlayPayload](raw)
		if err != nil {
			return state.Operation{}, err
		}
		return state.Operation{Kind: state.OpPlaybackPlay, VideoID: p.VideoID, PositionSeconds: p.PositionSeconds}, nil

	case protocol.TypePlaybackPause:
		p, err := protocol.DecodePayload[protocol.PlaybackPausePayload](raw)
		if err != nil {
			return state.Operation{}, err
		}
		return state.Operation{Kind: state.OpPlaybackPause, PositionSeconds: p.PositionSeconds}, nil

	case protocol.TypePlaybackSeek:
		p, err := protocol.DecodePayload[protocol.PlaybackSeekPayload](raw)
		if err != nil {
			return state.Operation{}, err
		}
		return state.Operation{Kind: state.OpPlaybackSeek, PositionSeconds: p.NewPositionSeconds}, nil

	case protocol.TypePlaylistAdd:
		p, err := protocol.DecodePayload[protocol.PlaylistAddPayload](raw)
		if err != nil {
			return state.Operation{}, err
		}
		return state.Operation{
			Kind:         state.OpPlaylistAdd,
			OriginUserID: p.UserID,
			Username:     p.Username,
			VideoID:      p.VideoID,
			Title:        p.Title,
			Position:     p.NewVideoPosition,
		}, nil

	case protocol.TypePlaylistRemove:
		p, err := protocol.DecodePayload[protocol.PlaylistRemovePayload](raw)
		if err != nil {
			return state.Operation{}, err
		}
		return state.Operation{
			Kind:     state.OpPlaylistRemove,
			VideoID:  p.VideoID,
			Position: p.RemovedVideoPosition,
		}, nil

	case protocol.TypeChatMessage:
		p, err := protocol.DecodePayload[protocol.ChatMessagePayload](raw)
		if err != nil {
			return state.Operation{}, err
		}
		return state.Operation{
			Kind:         state.OpChatMessage,
			OriginUserID: p.UserID,
			Username:     p.Username,
			Text:         p.MessageText,
		}, nil

	default:
		return state.Operation{}, fmt.Errorf("unsupported operation type %q", opType)
	}
}
