package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/roomloop/roomloop/internal/v1/cluster"
	"github.com/roomloop/roomloop/internal/v1/logging"
	"github.com/roomloop/roomloop/internal/v1/metrics"
	"github.com/roomloop/roomloop/internal/v1/protocol"
	"github.com/roomloop/roomloop/internal/v1/registry"
	"github.com/roomloop/roomloop/internal/v1/state"
	"github.com/roomloop/roomloop/internal/v1/types"
	"go.uber.org/zap"
)

// Error codes carried on ERROR frames.
const (
	codeDecodeError = "DECODE_ERROR"
	codeInvalidRoom = "INVALID_ROOM_CODE"
	codeUnknownRoom = "UNKNOWN_ROOM"
	codeNoLeader    = "NO_LEADER"
	codeInternal    = "INTERNAL"
	codeUnknownType = "UNKNOWN_TYPE"
)

// dispatch routes one inbound frame. Every failure becomes an ERROR frame on
// the session; the connection itself stays open.
func (g *Gateway) dispatch(sess *Session, data []byte) {
	env, err := g.codec.DecodeEnvelope(data)
	if err != nil {
		metrics.ClientMessages.WithLabelValues("invalid", "rejected").Inc()
		sess.sendError(codeDecodeError, err.Error())
		return
	}

	var handleErr error
	switch env.Type {
	case protocol.TypeRoomCreate:
		handleErr = g.handleRoomCreate(sess, env.Payload)
	case protocol.TypeRoomJoin:
		handleErr = g.handleRoomJoin(sess, env.Payload)
	case protocol.TypeRoomLeave:
		handleErr = g.handleRoomLeave(sess, env.Payload)
	case protocol.TypePlaybackPlay, protocol.TypePlaybackPause, protocol.TypePlaybackSeek,
		protocol.TypePlaylistAdd, protocol.TypePlaylistRemove, protocol.TypeChatMessage:
		handleErr = g.handleRoomWrite(sess, env.Type, env.Payload)
	default:
		metrics.ClientMessages.WithLabelValues(env.Type, "rejected").Inc()
		sess.sendError(codeUnknownType, "unknown message type "+env.Type)
		return
	}

	if handleErr != nil {
		metrics.ClientMessages.WithLabelValues(env.Type, "error").Inc()
		sess.sendError(errorCode(handleErr), handleErr.Error())
		return
	}
	metrics.ClientMessages.WithLabelValues(env.Type, "ok").Inc()
}

func (g *Gateway) handleRoomCreate(sess *Session, raw json.RawMessage) error {
	p, err := protocol.DecodePayload[protocol.RoomCreatePayload](raw)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	code, snapshot, err := g.svc.CreateRoom(ctx, p.UserID, p.Username)
	if err != nil {
		return err
	}

	sess.bind(p.UserID, p.Username, code)
	g.subscribe(sess, code)
	sess.queueReliable(protocol.MustEncode(protocol.TypeRoomCreated, protocol.RoomCreatedPayload{
		RoomCode:  code,
		RoomState: snapshot,
	}))
	logging.Info(ctx, "room created",
		zap.String("room_code", string(code)),
		zap.String("user_id", string(p.UserID)))
	return nil
}

func (g *Gateway) handleRoomJoin(sess *Session, raw json.RawMessage) error {
	p, err := protocol.DecodePayload[protocol.RoomJoinPayload](raw)
	if err != nil {
		return err
	}
	code, err := types.NormalizeRoomCode(p.RoomCode)
	if err != nil {
		return err
	}
	// Re-frame the payload with the normalized code so the replicated op is
	// identical no matter how the client spelled it.
	p.RoomCode = string(code)
	normalized, err := json.Marshal(p)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	if err := g.svc.Submit(ctx, code, protocol.TypeRoomJoin, normalized); err != nil {
		return err
	}

	sess.bind(p.UserID, p.Username, code)
	g.subscribe(sess, code)

	snapshot, err := g.joinedSnapshot(code, p)
	if err != nil {
		return err
	}
	sess.queueReliable(protocol.MustEncode(protocol.TypeRoomJoined, protocol.RoomJoinedPayload{
		RoomCode:  code,
		RoomState: snapshot,
	}))
	return nil
}

// joinedSnapshot returns the room state to put on ROOM_JOINED. The local
// apply may lag the leader's commit by a round trip, so when the joiner is
// not visible yet the join is applied advisorily; the next ROOM_STATE_UPDATE
// carries the authoritative version.
func (g *Gateway) joinedSnapshot(code types.RoomCode, p protocol.RoomJoinPayload) (state.RoomState, error) {
	snapshot, err := g.svc.Snapshot(code)
	if err != nil {
		return state.RoomState{}, err
	}
	if snapshot.HasParticipant(p.UserID) {
		return snapshot, nil
	}
	return state.Apply(snapshot, state.Operation{
		Kind:            state.OpRoomJoin,
		OriginUserID:    p.UserID,
		Username:        p.Username,
		SubmitTimestamp: time.Now().UnixMilli(),
	})
}

func (g *Gateway) handleRoomLeave(sess *Session, raw json.RawMessage) error {
	p, err := protocol.DecodePayload[protocol.RoomLeavePayload](raw)
	if err != nil {
		return err
	}
	code, err := types.NormalizeRoomCode(p.RoomCode)
	if err != nil {
		return err
	}
	if p.UserID == "" {
		p.UserID, _ = sess.identity()
	}
	p.RoomCode = string(code)
	normalized, err := json.Marshal(p)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	if err := g.svc.Submit(ctx, code, protocol.TypeRoomLeave, normalized); err != nil {
		return err
	}

	if sess.boundRoom() == code {
		g.unsubscribe(sess, code)
		sess.unbindRoom()
	}
	sess.queueReliable(protocol.MustEncode(protocol.TypeRoomLeft, protocol.RoomLeftPayload{
		RoomCode: code,
	}))
	return nil
}

// handleRoomWrite covers playback, playlist, and chat: validate, normalize
// the room code, and hand the raw payload to the registry's propose-or-
// forward path. The reply is the eventual ROOM_STATE_UPDATE.
func (g *Gateway) handleRoomWrite(sess *Session, opType string, raw json.RawMessage) error {
	rawCode, err := roomCodeOf(opType, raw)
	if err != nil {
		return err
	}
	code, err := types.NormalizeRoomCode(rawCode)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	return g.svc.Submit(ctx, code, opType, raw)
}

// roomCodeOf validates the payload for its type and extracts the room code.
func roomCodeOf(opType string, raw json.RawMessage) (string, error) {
	switch opType {
	case protocol.TypePlaybackPlay:
		p, err := protocol.DecodePayload[protocol.PlaybackPlayPayload](raw)
		return p.RoomCode, err
	case protocol.TypePlaybackPause:
		p, err := protocol.DecodePayload[protocol.PlaybackPausePayload](raw)
		return p.RoomCode, err
	case protocol.TypePlaybackSeek:
		p, err := protocol.DecodePayload[protocol.PlaybackSeekPayload](raw)
		return p.RoomCode, err
	case protocol.TypePlaylistAdd:
		p, err := protocol.DecodePayload[protocol.PlaylistAddPayload](raw)
		return p.RoomCode, err
	case protocol.TypePlaylistRemove:
		p, err := protocol.DecodePayload[protocol.PlaylistRemovePayload](raw)
		return p.RoomCode, err
	case protocol.TypeChatMessage:
		p, err := protocol.DecodePayload[protocol.ChatMessagePayload](raw)
		return p.RoomCode, err
	default:
		return "", &protocol.DecodeError{Reason: "unsupported operation type " + opType}
	}
}

// sendError pushes an ERROR frame; the session stays connected.
func (s *Session) sendError(code, message string) {
	s.queueReliable(protocol.MustEncode(protocol.TypeError, protocol.ErrorPayload{
		Message: message,
		Code:    code,
	}))
}

// errorCode maps handler errors onto wire error codes.
func errorCode(err error) string {
	switch {
	case protocol.IsDecodeError(err):
		return codeDecodeError
	case errors.Is(err, types.ErrInvalidRoomCode):
		return codeInvalidRoom
	case errors.Is(err, registry.ErrNoLeader):
		return codeNoLeader
	case errors.Is(err, cluster.ErrUnknownRoom):
		return codeUnknownRoom
	default:
		return codeInternal
	}
}
