// Package frame implements the length-prefixed wire format shared by both
// roles: a fixed 4-byte unsigned header holding the body length, followed
// by exactly that many body bytes. There is no magic number, version or
// checksum; stream position alone separates headers from bodies.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the width of every frame header in bytes.
const HeaderSize = 4

// MaxBodyLength is the largest body a header can describe.
const MaxBodyLength = math.MaxUint32

// ErrBodyTooLarge is returned when a body cannot be described by a header.
var ErrBodyTooLarge = errors.New("frame: body exceeds 4-byte length header")

// byteOrder is little-endian, the native order of every platform the
// protocol has shipped on. Fixing it keeps mixed-architecture peers
// compatible.
var byteOrder = binary.LittleEndian

// Header returns the encoded header for a body of n bytes.
func Header(n int) ([HeaderSize]byte, error) {
	var h [HeaderSize]byte
	if n < 0 || uint64(n) > MaxBodyLength {
		return h, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, n)
	}
	byteOrder.PutUint32(h[:], uint32(n))
	return h, nil
}

// DecodeHeader returns the body length declared by h.
func DecodeHeader(h [HeaderSize]byte) uint32 {
	return byteOrder.Uint32(h[:])
}

// Encode returns body prefixed with its header.
func Encode(body []byte) ([]byte, error) {
	h, err := Header(len(body))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, h[:]...)
	return append(out, body...), nil
}

// Write writes the header and then the body as two sequential writes on w.
// Callers sharing w between goroutines must serialize calls to Write so a
// body is never interleaved with another frame's header.
func Write(w io.Writer, body []byte) error {
	h, err := Header(len(body))
	if err != nil {
		return err
	}
	if _, err := w.Write(h[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}
