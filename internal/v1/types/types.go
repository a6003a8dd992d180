package types

import (
	"crypto/rand"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// --- Core Domain Types ---

// NodeID identifies a cluster node.
type NodeID string

// RoomCode is the six character identifier of a room.
type RoomCode string

// UserID identifies a user across the cluster.
type UserID string

// SessionID identifies a single client connection to one node.
type SessionID string

// Username is the human-readable name a client presents on join.
type Username string

// roomCodeAlphabet is the character set room codes are drawn from.
const roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RoomCodeLength is the fixed length of a room code.
const RoomCodeLength = 6

var roomCodePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// ErrInvalidRoomCode is returned when a room code fails validation.
var ErrInvalidRoomCode = errors.New("room code must be exactly six characters A-Z or 0-9")

// NewRoomCode generates a uniformly random six character room code. Bytes at
// or above the largest multiple of the alphabet size are rejected and redrawn,
// so no character is over-represented by the 256 % 36 remainder.
func NewRoomCode() (RoomCode, error) {
	const limit = 256 - 256%len(roomCodeAlphabet)
	code := make([]byte, 0, RoomCodeLength)
	buf := make([]byte, 16)
	for len(code) < RoomCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("room code entropy: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			code = append(code, roomCodeAlphabet[int(b)%len(roomCodeAlphabet)])
			if len(code) == RoomCodeLength {
				break
			}
		}
	}
	return RoomCode(code), nil
}

// NormalizeRoomCode uppercases a client-supplied room code and validates it.
// Clients may submit lowercase codes; the server canonicalizes on entry.
func NormalizeRoomCode(raw string) (RoomCode, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if !roomCodePattern.MatchString(code) {
		return "", ErrInvalidRoomCode
	}
	return RoomCode(code), nil
}

// Valid reports whether the code is already in canonical form.
func (c RoomCode) Valid() bool {
	return roomCodePattern.MatchString(string(c))
}
