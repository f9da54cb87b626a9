// Package wire encodes and decodes the MTProto-TL primitive types: the
// fixed-width integers, length-prefixed byte strings, and boxed/bare
// constructors and vectors that every higher-level message is built from.
//
// All values are little-endian. Every encoded record is padded to a
// 4-byte boundary.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// VectorConstructorID is the boxed constructor id prefixing a Vector.
const VectorConstructorID uint32 = 0x1cb5c415

var (
	// ErrInvalidConstructorID is returned when a boxed value's constructor
	// id does not match what the caller expected.
	ErrInvalidConstructorID = errors.New("wire: invalid constructor id")
	// ErrShortRead is returned when the buffer ends before a value can be
	// fully decoded.
	ErrShortRead = errors.New("wire: short read")
	// ErrOversizeLength is returned when a byte-string length prefix
	// exceeds what the remaining buffer can hold, or exceeds the format's
	// maximum representable length.
	ErrOversizeLength = errors.New("wire: oversize length")
)

// Writer accumulates an MTProto-TL encoded byte stream.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated encoded bytes.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// PutUint32 appends a little-endian uint32.
func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutInt32 appends a little-endian int32.
func (w *Writer) PutInt32(v int32) { w.PutUint32(uint32(v)) }

// PutUint64 appends a little-endian uint64.
func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutInt64 appends a little-endian int64.
func (w *Writer) PutInt64(v int64) { w.PutUint64(uint64(v)) }

// PutInt128 appends a 128-bit value, least-significant byte first.
func (w *Writer) PutInt128(v [16]byte) { w.buf = append(w.buf, v[:]...) }

// PutInt256 appends a 256-bit value, least-significant byte first.
func (w *Writer) PutInt256(v [32]byte) { w.buf = append(w.buf, v[:]...) }

// PutConstructor appends a boxed constructor id.
func (w *Writer) PutConstructor(id uint32) { w.PutUint32(id) }

// PutBytes appends a length-prefixed byte string and pads the result to a
// 4-byte boundary, per the MTProto length-prefix rule: a single length
// byte when len(b) <= 253, else 0xFE followed by a 3-byte little-endian
// length.
func (w *Writer) PutBytes(b []byte) {
	start := len(w.buf)
	if len(b) <= 253 {
		w.buf = append(w.buf, byte(len(b)))
	} else {
		w.buf = append(w.buf, 0xFE, byte(len(b)), byte(len(b)>>8), byte(len(b)>>16))
	}
	w.buf = append(w.buf, b...)
	w.padFrom(start)
}

// padFrom pads the buffer with zero bytes so that the bytes written since
// offset start occupy a multiple of 4 bytes in total.
func (w *Writer) padFrom(start int) {
	n := len(w.buf) - start
	if rem := n % 4; rem != 0 {
		w.buf = append(w.buf, make([]byte, 4-rem)...)
	}
}

// PutVector writes a boxed vector: the vector constructor id, a u32
// count, and then each element as appended by enc.
func (w *Writer) PutVector(count int, enc func(i int)) {
	w.PutConstructor(VectorConstructorID)
	w.PutUint32(uint32(count))
	for i := 0; i < count; i++ {
		enc(i)
	}
}

// PutBareVector writes a bare vector: a u32 count followed by each
// element, with no constructor id.
func (w *Writer) PutBareVector(count int, enc func(i int)) {
	w.PutUint32(uint32(count))
	for i := 0; i < count; i++ {
		enc(i)
	}
}

// PutRaw appends raw bytes with no length prefix or padding.
func (w *Writer) PutRaw(b []byte) { w.buf = append(w.buf, b...) }

// Reader consumes an MTProto-TL encoded byte stream.
type Reader struct {
	buf []byte
	pos int
}

// NewReader returns a Reader over buf.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Pos returns the number of bytes consumed so far.
func (r *Reader) Pos() int { return r.pos }

// need verifies that at least n bytes remain, returning ErrShortRead
// otherwise.
func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrShortRead, n, r.Remaining())
	}
	return nil
}

// Uint32 reads a little-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// Int32 reads a little-endian int32.
func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

// Uint64 reads a little-endian uint64.
func (r *Reader) Uint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// Int64 reads a little-endian int64.
func (r *Reader) Int64() (int64, error) {
	v, err := r.Uint64()
	return int64(v), err
}

// Int128 reads a 128-bit value.
func (r *Reader) Int128() ([16]byte, error) {
	var out [16]byte
	if err := r.need(16); err != nil {
		return out, err
	}
	copy(out[:], r.buf[r.pos:])
	r.pos += 16
	return out, nil
}

// Int256 reads a 256-bit value.
func (r *Reader) Int256() ([32]byte, error) {
	var out [32]byte
	if err := r.need(32); err != nil {
		return out, err
	}
	copy(out[:], r.buf[r.pos:])
	r.pos += 32
	return out, nil
}

// Constructor reads a boxed constructor id and verifies it matches want.
func (r *Reader) Constructor(want uint32) error {
	got, err := r.Uint32()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: want %#x, got %#x", ErrInvalidConstructorID, want, got)
	}
	return nil
}

// PeekConstructor reads a boxed constructor id without consuming it.
func (r *Reader) PeekConstructor() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.buf[r.pos:]), nil
}

// Bytes reads a length-prefixed byte string and consumes its padding.
func (r *Reader) Bytes() ([]byte, error) {
	start := r.pos
	if err := r.need(1); err != nil {
		return nil, err
	}
	first := r.buf[r.pos]
	var length int
	if first == 0xFE {
		if err := r.need(4); err != nil {
			return nil, err
		}
		length = int(r.buf[r.pos+1]) | int(r.buf[r.pos+2])<<8 | int(r.buf[r.pos+3])<<16
		r.pos += 4
	} else {
		length = int(first)
		r.pos++
	}
	if err := r.need(length); err != nil {
		return nil, ErrOversizeLength
	}
	out := make([]byte, length)
	copy(out, r.buf[r.pos:r.pos+length])
	r.pos += length
	return out, r.skipPadFrom(start)
}

func (r *Reader) skipPadFrom(start int) error {
	n := r.pos - start
	if rem := n % 4; rem != 0 {
		pad := 4 - rem
		if err := r.need(pad); err != nil {
			return err
		}
		r.pos += pad
	}
	return nil
}

// VectorHeader reads the boxed vector constructor id and element count.
func (r *Reader) VectorHeader() (int, error) {
	if err := r.Constructor(VectorConstructorID); err != nil {
		return 0, err
	}
	count, err := r.Uint32()
	return int(count), err
}

// BareVectorHeader reads a bare vector's element count.
func (r *Reader) BareVectorHeader() (int, error) {
	count, err := r.Uint32()
	return int(count), err
}

// Raw reads n raw bytes with no length prefix or padding.
func (r *Reader) Raw(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}
