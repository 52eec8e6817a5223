package wire

import (
	"bytes"
	"encoding/binary"
)

// FieldReader decodes the typed-field primitives out of a single
// frame's payload, per spec.md §4.1: i16, i32, cstr, byte, byten,
// array<T> (an i16 count followed by T repeated that many times).
type FieldReader struct {
	buf []byte
	pos int
}

// NewFieldReader wraps a decoded frame payload for sequential reads.
func NewFieldReader(payload []byte) *FieldReader {
	return &FieldReader{buf: payload}
}

// Remaining reports how many undecoded bytes are left.
func (f *FieldReader) Remaining() int {
	return len(f.buf) - f.pos
}

func (f *FieldReader) need(n int) error {
	if f.Remaining() < n {
		return malformed("field truncated")
	}
	return nil
}

// Int16 reads a big-endian signed 16-bit field.
func (f *FieldReader) Int16() (int16, error) {
	if err := f.need(2); err != nil {
		return 0, err
	}
	v := int16(binary.BigEndian.Uint16(f.buf[f.pos:]))
	f.pos += 2
	return v, nil
}

// Int32 reads a big-endian signed 32-bit field.
func (f *FieldReader) Int32() (int32, error) {
	if err := f.need(4); err != nil {
		return 0, err
	}
	v := int32(binary.BigEndian.Uint32(f.buf[f.pos:]))
	f.pos += 4
	return v, nil
}

// Byte reads a single byte field.
func (f *FieldReader) Byte() (byte, error) {
	if err := f.need(1); err != nil {
		return 0, err
	}
	v := f.buf[f.pos]
	f.pos++
	return v, nil
}

// ByteN reads exactly n raw bytes.
func (f *FieldReader) ByteN(n int) ([]byte, error) {
	if n < 0 {
		return nil, malformed("negative byte count")
	}
	if err := f.need(n); err != nil {
		return nil, err
	}
	v := f.buf[f.pos : f.pos+n]
	f.pos += n
	return v, nil
}

// CString reads a NUL-terminated string. A missing terminator before
// the end of the payload is Malformed, per spec.md §4.1.
func (f *FieldReader) CString() (string, error) {
	idx := bytes.IndexByte(f.buf[f.pos:], 0)
	if idx < 0 {
		return "", malformed("cstr missing NUL terminator")
	}
	s := string(f.buf[f.pos : f.pos+idx])
	f.pos += idx + 1
	return s, nil
}

// Int32Array reads an i16 count followed by that many i32 values, used
// for ParameterDescription-shaped fields on the decode side (e.g. the
// Parse message's parameter OID list).
func (f *FieldReader) Int32Array() ([]int32, error) {
	n, err := f.Int16()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, malformed("negative array count")
	}
	if f.Remaining() < int(n)*4 {
		return nil, malformed("array count overflows remaining payload")
	}
	out := make([]int32, n)
	for i := range out {
		v, err := f.Int32()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Int16Array reads an i16 count followed by that many i16 values, used
// for format-code lists in Bind.
func (f *FieldReader) Int16Array() ([]int16, error) {
	n, err := f.Int16()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, malformed("negative array count")
	}
	if f.Remaining() < int(n)*2 {
		return nil, malformed("array count overflows remaining payload")
	}
	out := make([]int16, n)
	for i := range out {
		v, err := f.Int16()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// FieldWriter accumulates typed fields into a payload buffer in the
// order they're written.
type FieldWriter struct {
	buf bytes.Buffer
}

// NewFieldWriter returns an empty FieldWriter.
func NewFieldWriter() *FieldWriter {
	return &FieldWriter{}
}

// Bytes returns the accumulated payload.
func (f *FieldWriter) Bytes() []byte {
	return f.buf.Bytes()
}

// Int16 appends a big-endian signed 16-bit field.
func (f *FieldWriter) Int16(v int16) *FieldWriter {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	f.buf.Write(b[:])
	return f
}

// Int32 appends a big-endian signed 32-bit field.
func (f *FieldWriter) Int32(v int32) *FieldWriter {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	f.buf.Write(b[:])
	return f
}

// Byte appends a single byte field.
func (f *FieldWriter) Byte(v byte) *FieldWriter {
	f.buf.WriteByte(v)
	return f
}

// ByteN appends raw bytes verbatim.
func (f *FieldWriter) ByteN(v []byte) *FieldWriter {
	f.buf.Write(v)
	return f
}

// CString appends s followed by a NUL terminator. The caller is
// responsible for ensuring s has no embedded NUL, per spec.md §4.1.
func (f *FieldWriter) CString(s string) *FieldWriter {
	f.buf.WriteString(s)
	f.buf.WriteByte(0)
	return f
}
