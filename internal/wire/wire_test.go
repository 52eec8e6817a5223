package wire

import (
	"bufio"
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, 'Q', []byte("SELECT 1\x00")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	c := NewCodec(0)
	r := bufio.NewReader(&buf)
	f, err := c.ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Type != 'Q' {
		t.Errorf("type = %c, want Q", f.Type)
	}
	if string(f.Payload) != "SELECT 1\x00" {
		t.Errorf("payload = %q", f.Payload)
	}
}

func TestReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	WriteFrame(&buf, 'S', nil)

	c := NewCodec(0)
	f, err := c.ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(f.Payload) != 0 {
		t.Errorf("expected empty payload, got %v", f.Payload)
	}
}

func TestReadFrameOversizeRejected(t *testing.T) {
	var buf bytes.Buffer
	WriteFrame(&buf, 'Q', make([]byte, 100))

	c := NewCodec(10) // ceiling smaller than payload
	_, err := c.ReadFrame(bufio.NewReader(&buf))
	if err == nil {
		t.Fatal("expected Malformed error for oversize frame")
	}
	me, ok := err.(*MalformedError)
	if !ok {
		t.Fatalf("expected *MalformedError, got %T", err)
	}
	if me.SQLSTATE != "08P01" {
		t.Errorf("SQLSTATE = %q, want 08P01", me.SQLSTATE)
	}
}

func TestCStringMissingTerminator(t *testing.T) {
	fr := NewFieldReader([]byte("no-terminator"))
	_, err := fr.CString()
	if err == nil {
		t.Fatal("expected error for missing NUL terminator")
	}
}

func TestCStringRoundTrip(t *testing.T) {
	fw := NewFieldWriter()
	fw.CString("hello").CString("world")

	fr := NewFieldReader(fw.Bytes())
	s1, err := fr.CString()
	if err != nil {
		t.Fatalf("CString: %v", err)
	}
	s2, err := fr.CString()
	if err != nil {
		t.Fatalf("CString: %v", err)
	}
	if s1 != "hello" || s2 != "world" {
		t.Errorf("got %q, %q", s1, s2)
	}
}

func TestInt32ArrayOverflow(t *testing.T) {
	fw := NewFieldWriter()
	fw.Int16(5) // claims 5 i32s but provides none
	fr := NewFieldReader(fw.Bytes())
	if _, err := fr.Int32Array(); err == nil {
		t.Fatal("expected overflow error")
	}
}

func TestFieldRoundTrip(t *testing.T) {
	fw := NewFieldWriter()
	fw.Int16(42).Int32(-7).Byte('Z').ByteN([]byte{1, 2, 3})

	fr := NewFieldReader(fw.Bytes())
	i16, _ := fr.Int16()
	i32, _ := fr.Int32()
	b, _ := fr.Byte()
	bn, _ := fr.ByteN(3)

	if i16 != 42 || i32 != -7 || b != 'Z' || !bytes.Equal(bn, []byte{1, 2, 3}) {
		t.Errorf("round trip mismatch: %d %d %c %v", i16, i32, b, bn)
	}
	if fr.Remaining() != 0 {
		t.Errorf("expected 0 remaining, got %d", fr.Remaining())
	}
}
