package quic

import (
	"encoding/binary"
	"errors"
)

// ErrTruncated is returned when a structure ends before all of its fields were read.
var ErrTruncated = errors.New("truncated")

// reader is a forward-only cursor over a byte slice. The first short read
// latches err and every later read returns zero values.
type reader struct {
	b   []byte
	off int
	err error
}

func newReader(b []byte) *reader {
	return &reader{b: b}
}

func (r *reader) remaining() int {
	if r.err != nil {
		return 0
	}
	return len(r.b) - r.off
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = ErrTruncated
	}
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.fail()
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) rest() []byte {
	return r.bytes(r.remaining())
}

func (r *reader) uint8() uint8 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint24() uint32 {
	b := r.bytes(3)
	if b == nil {
		return 0
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func (r *reader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// varint reads a QUIC variable-length integer (RFC 9000, Section 16).
func (r *reader) varint() uint64 {
	first := r.bytes(1)
	if first == nil {
		return 0
	}
	n := 1 << (first[0] >> 6)
	v := uint64(first[0] & 0x3f)
	rest := r.bytes(n - 1)
	if rest == nil && n > 1 {
		return 0
	}
	for _, b := range rest {
		v = v<<8 | uint64(b)
	}
	return v
}

// vector8 and vector16 read a TLS opaque vector with a 1 or 2 byte length prefix.
func (r *reader) vector8() []byte {
	return r.bytes(int(r.uint8()))
}

func (r *reader) vector16() []byte {
	return r.bytes(int(r.uint16()))
}

// AppendVarint appends v as a QUIC variable-length integer.
func AppendVarint(b []byte, v uint64) []byte {
	switch {
	case v < 1<<6:
		return append(b, byte(v))
	case v < 1<<14:
		return append(b, byte(v>>8)|0x40, byte(v))
	case v < 1<<30:
		return append(b, byte(v>>24)|0x80, byte(v>>16), byte(v>>8), byte(v))
	default:
		return append(b, byte(v>>56)|0xc0, byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}
