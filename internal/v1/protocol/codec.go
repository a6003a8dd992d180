package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultMaxFrameBytes caps a single frame on either link.
const DefaultMaxFrameBytes = 64 * 1024

// DecodeError is the typed rejection every malformed frame produces. The
// decode path never panics; a session that sends garbage gets an ERROR frame
// and stays connected.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: %s", e.Reason)
}

// IsDecodeError reports whether err is (or wraps) a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Validator is implemented by payloads that carry their own field checks.
type Validator interface {
	Validate() error
}

// Codec decodes and encodes framed messages with a hard size cap and strict
// field checking.
type Codec struct {
	maxFrameBytes int
}

// NewCodec returns a codec enforcing the given frame cap; zero or negative
// selects DefaultMaxFrameBytes.
func NewCodec(maxFrameBytes int) *Codec {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Codec{maxFrameBytes: maxFrameBytes}
}

// MaxFrameBytes returns the configured frame cap.
func (c *Codec) MaxFrameBytes() int {
	return c.maxFrameBytes
}

// DecodeEnvelope parses the outer {type, payload} frame. Unknown top-level
// fields, oversize frames, and malformed JSON are all rejected.
func (c *Codec) DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if len(data) > c.maxFrameBytes {
		return env, &DecodeError{Reason: fmt.Sprintf("frame of %d bytes exceeds cap of %d", len(data), c.maxFrameBytes)}
	}
	if err := decodeStrict(data, &env); err != nil {
		return env, err
	}
	if env.Type == "" {
		return env, &DecodeError{Reason: "missing message type"}
	}
	return env, nil
}

// DecodePayload parses an envelope payload into T with strict field checking,
// then runs T's own validation when it has one.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, &DecodeError{Reason: "missing payload"}
	}
	if err := decodeStrict(raw, &v); err != nil {
		return v, err
	}
	if validator, ok := any(v).(Validator); ok {
		if err := validator.Validate(); err != nil {
			return v, err
		}
	}
	return v, nil
}

// Encode frames a message for the wire.
func Encode(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// MustEncode is Encode for payload types that cannot fail to marshal.
func MustEncode(msgType string, payload any) []byte {
	data, err := Encode(msgType, payload)
	if err != nil {
		panic(err)
	}
	return data
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &DecodeError{Reason: err.Error()}
	}
	// Trailing content after the JSON value is not a valid frame.
	if dec.More() {
		return &DecodeError{Reason: "trailing data after message"}
	}
	return nil
}
