package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Frame layout: a 4-byte big-endian payload length followed by that many
// bytes of JSON. The prefix makes frames self-delimiting so partial reads
// can be buffered until a full frame arrives.
const (
	prefixSize = 4

	// MaxFrameSize bounds a single payload. A prefix above this is treated
	// as a corrupt stream rather than an instruction to buffer gigabytes.
	MaxFrameSize = 16 << 20
)

var (
	// ErrFrameTooLarge is returned when a length prefix exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrMalformedPayload is returned when a complete frame's payload does
	// not parse as a message envelope.
	ErrMalformedPayload = errors.New("malformed message payload")
)

// Encode serializes a message into a single length-prefixed frame.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, prefixSize+len(payload))
	binary.BigEndian.PutUint32(frame[:prefixSize], uint32(len(payload)))
	copy(frame[prefixSize:], payload)
	return frame, nil
}

// Decode attempts to read one frame from the front of buf. It returns the
// decoded message and the unconsumed remainder, or (nil, buf, nil) when the
// buffer does not yet hold a complete frame. A non-nil error means the
// stream is corrupt at the current position; the caller cannot reliably
// resynchronize and should drop the connection.
func Decode(buf []byte) (*Message, []byte, error) {
	if len(buf) < prefixSize {
		return nil, buf, nil
	}

	length := binary.BigEndian.Uint32(buf[:prefixSize])
	if length > MaxFrameSize {
		return nil, buf, ErrFrameTooLarge
	}
	if uint32(len(buf)-prefixSize) < length {
		return nil, buf, nil
	}

	payload := buf[prefixSize : prefixSize+int(length)]
	rest := buf[prefixSize+int(length):]

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, buf, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if msg.Type == "" {
		return nil, buf, fmt.Errorf("%w: missing message type", ErrMalformedPayload)
	}
	if msg.Data == nil {
		msg.Data = map[string]any{}
	}
	return &msg, rest, nil
}

// remarshal converts an open data mapping into a typed payload struct.
func remarshal(data map[string]any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
