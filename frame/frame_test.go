package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestEncodeHeaderWidth(t *testing.T) {
	for _, size := range []int{0, 1, 65536} {
		body := bytes.Repeat([]byte{0xab}, size)
		encoded, err := Encode(body)
		if err != nil {
			t.Fatalf("Encode(%d bytes) error: %v", size, err)
		}
		if len(encoded) != HeaderSize+size {
			t.Fatalf("Encode(%d bytes) length = %d, want %d", size, len(encoded), HeaderSize+size)
		}
		var h [HeaderSize]byte
		copy(h[:], encoded[:HeaderSize])
		if got := DecodeHeader(h); got != uint32(size) {
			t.Errorf("header for %d-byte body = %d", size, got)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	bodies := [][]byte{
		{},
		[]byte("ewtwet"),
		{0x00, 0x01, 0x02, 0x03},
		bytes.Repeat([]byte("x"), 70000),
	}
	for _, body := range bodies {
		encoded, err := Encode(body)
		if err != nil {
			t.Fatalf("Encode() error: %v", err)
		}
		r := bytes.NewReader(encoded)
		var h [HeaderSize]byte
		if _, err := io.ReadFull(r, h[:]); err != nil {
			t.Fatalf("read header: %v", err)
		}
		decoded := make([]byte, DecodeHeader(h))
		if _, err := io.ReadFull(r, decoded); err != nil {
			t.Fatalf("read body: %v", err)
		}
		if !bytes.Equal(decoded, body) {
			t.Errorf("round trip of %d bytes mismatched", len(body))
		}
		if r.Len() != 0 {
			t.Errorf("%d trailing bytes after frame", r.Len())
		}
	}
}

func TestHeaderByteOrder(t *testing.T) {
	h, err := Header(0x01020304)
	if err != nil {
		t.Fatalf("Header() error: %v", err)
	}
	want := [HeaderSize]byte{0x04, 0x03, 0x02, 0x01}
	if h != want {
		t.Errorf("Header(0x01020304) = %x, want %x", h, want)
	}
}

func TestHeaderRejectsNegative(t *testing.T) {
	if _, err := Header(-1); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("Header(-1) error = %v, want ErrBodyTooLarge", err)
	}
}

// recordingWriter keeps each Write call separately.
type recordingWriter struct {
	writes [][]byte
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.writes = append(w.writes, append([]byte(nil), p...))
	return len(p), nil
}

func TestWriteHeaderThenBody(t *testing.T) {
	w := &recordingWriter{}
	if err := Write(w, []byte("ewtwet")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if len(w.writes) != 2 {
		t.Fatalf("Write issued %d writes, want 2", len(w.writes))
	}
	if len(w.writes[0]) != HeaderSize {
		t.Errorf("first write is %d bytes, want the %d-byte header", len(w.writes[0]), HeaderSize)
	}
	if string(w.writes[1]) != "ewtwet" {
		t.Errorf("second write = %q, want body", w.writes[1])
	}
}

func TestWriteEmptyBodyHeaderOnly(t *testing.T) {
	w := &recordingWriter{}
	if err := Write(w, nil); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if len(w.writes) != 1 || len(w.writes[0]) != HeaderSize {
		t.Errorf("empty body writes = %v, want a single header", w.writes)
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }

func TestWritePropagatesError(t *testing.T) {
	if err := Write(failingWriter{}, []byte("x")); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("Write() error = %v, want ErrClosedPipe", err)
	}
}
