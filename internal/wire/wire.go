// Package wire implements the PostgreSQL frontend/backend wire protocol
// framing: length-prefixed, big-endian messages and the typed-field
// primitives used inside their payloads. It never touches a socket
// directly — callers own the io.Reader/io.Writer.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrame bounds the size of a single frame's payload so a
// malicious or broken peer can't force an unbounded allocation.
const DefaultMaxFrame = 1 << 20 // 1 MiB

// Startup-class frame magic numbers, sent as the first i32 of the
// untyped frame in place of a protocol version.
const (
	ProtocolVersion3   = 0x00030000
	MagicCancelRequest = 80877102
	MagicSSLRequest    = 80877103
	MagicGSSENCRequest = 80877104
)

// MalformedError is returned for any frame that violates spec.md's
// well-formedness rule. SQLSTATE is always "08P01" (protocol violation)
// per spec.md §7, carried here so callers can build an ErrorResponse
// without re-deriving the code.
type MalformedError struct {
	SQLSTATE string
	Reason   string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed frame (%s): %s", e.SQLSTATE, e.Reason)
}

func malformed(reason string) error {
	return &MalformedError{SQLSTATE: "08P01", Reason: reason}
}

// Codec reads and writes frames with a configurable payload ceiling.
// The zero value is not usable; use NewCodec.
type Codec struct {
	MaxFrame int
}

// NewCodec returns a Codec with the given frame ceiling, or
// DefaultMaxFrame if maxFrame is 0.
func NewCodec(maxFrame int) *Codec {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Codec{MaxFrame: maxFrame}
}

// Frame is a single decoded typed wire message.
type Frame struct {
	Type    byte
	Payload []byte
}

// ReadFrame reads one typed frame: a 1-byte type, a 4-byte big-endian
// length (inclusive of itself), and length-4 bytes of payload. It never
// reads past the declared length, so a frame crossing a bufio refill
// boundary can't leak into the next call.
func (c *Codec) ReadFrame(r *bufio.Reader) (Frame, error) {
	typ, err := r.ReadByte()
	if err != nil {
		return Frame{}, err
	}

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return Frame{}, err
	}
	length := int(binary.BigEndian.Uint32(lenBuf))
	if length < 4 {
		return Frame{}, malformed(fmt.Sprintf("declared length %d < 4", length))
	}
	payloadLen := length - 4
	if payloadLen > c.MaxFrame {
		return Frame{}, malformed(fmt.Sprintf("declared length %d exceeds max frame %d", length, c.MaxFrame))
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: typ, Payload: payload}, nil
}

// ReadStartupFrame reads the untyped startup-class frame used only as
// the very first message of a session (StartupMessage, SSLRequest,
// CancelRequest, GSSENCRequest all share this shape).
func (c *Codec) ReadStartupFrame(r *bufio.Reader) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint32(lenBuf))
	if length < 4 {
		return nil, malformed(fmt.Sprintf("declared length %d < 4", length))
	}
	payloadLen := length - 4
	if payloadLen > c.MaxFrame {
		return nil, malformed(fmt.Sprintf("declared length %d exceeds max frame %d", length, c.MaxFrame))
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// WriteFrame writes a typed frame to w in a single Write call so a
// session never interleaves partial writes of two frames.
func WriteFrame(w io.Writer, msgType byte, payload []byte) error {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(payload)))
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}
