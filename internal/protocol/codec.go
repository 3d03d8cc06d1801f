package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Frame layout: 4-byte magic, 1-byte message type, 4-byte big-endian payload
// length, then the JSON payload. Applied identically in both directions.

// Magic prefixes every frame. A connection that sends anything else is not
// speaking fsh and is dropped.
var Magic = [4]byte{'F', 'S', 'H', '1'}

// MaxPayload bounds a single frame payload. Larger lengths are treated as a
// protocol violation before any allocation happens.
const MaxPayload = 10 << 20

// ErrBadFrame marks malformed framing: wrong magic, oversize length, or an
// unknown message type. Wrapped errors carry the detail.
var ErrBadFrame = errors.New("bad frame")

const headerLen = 4 + 1 + 4

// Frame is one decoded wire unit. Payload stays raw until the caller knows
// which struct to decode into.
type Frame struct {
	Type    MsgType
	Payload json.RawMessage
}

// Decode unmarshals the frame payload into v.
func (f *Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrBadFrame, f.Type, err)
	}
	return nil
}

// WriteMessage frames and writes one message. A nil payload writes an empty
// frame (Ping, Pong).
func WriteMessage(w io.Writer, t MsgType, payload any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", t, err)
		}
	}
	if len(body) > MaxPayload {
		return fmt.Errorf("%w: %s payload %d bytes exceeds limit", ErrBadFrame, t, len(body))
	}

	buf := make([]byte, headerLen+len(body))
	copy(buf, Magic[:])
	buf[4] = byte(t)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(body)))
	copy(buf[headerLen:], body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", t, err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r. It returns io.EOF unwrapped on a
// clean close between frames, and ErrBadFrame-wrapped errors on garbage.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, hdr[1:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	if [4]byte(hdr[:4]) != Magic {
		return nil, fmt.Errorf("%w: invalid magic %q", ErrBadFrame, hdr[:4])
	}

	t := MsgType(hdr[4])
	if t.String() == "Unknown" {
		return nil, fmt.Errorf("%w: unknown message type 0x%02x", ErrBadFrame, hdr[4])
	}

	n := binary.BigEndian.Uint32(hdr[5:9])
	if n > MaxPayload {
		return nil, fmt.Errorf("%w: payload length %d exceeds limit", ErrBadFrame, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return &Frame{Type: t, Payload: payload}, nil
}
