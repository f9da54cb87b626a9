package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestUint32RoundTrip(t *testing.T) {
	w := NewWriter()
	w.PutUint32(0xDEADBEEF)
	r := NewReader(w.Bytes())
	got, err := r.Uint32()
	if err != nil {
		t.Fatalf("Uint32() error = %v", err)
	}
	if got != 0xDEADBEEF {
		t.Errorf("Uint32() = %#x, want %#x", got, uint32(0xDEADBEEF))
	}
}

func TestInt64RoundTrip(t *testing.T) {
	w := NewWriter()
	w.PutInt64(-12345)
	r := NewReader(w.Bytes())
	got, err := r.Int64()
	if err != nil {
		t.Fatalf("Int64() error = %v", err)
	}
	if got != -12345 {
		t.Errorf("Int64() = %d, want -12345", got)
	}
}

func TestBytesShortPrefix(t *testing.T) {
	w := NewWriter()
	payload := []byte("hello")
	w.PutBytes(payload)
	if len(w.Bytes())%4 != 0 {
		t.Fatalf("PutBytes() did not pad to 4-byte boundary, len=%d", len(w.Bytes()))
	}
	// 1 length byte + 5 payload bytes = 6, padded to 8
	if len(w.Bytes()) != 8 {
		t.Fatalf("PutBytes() total length = %d, want 8", len(w.Bytes()))
	}
	r := NewReader(w.Bytes())
	got, err := r.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Bytes() = %q, want %q", got, payload)
	}
	if r.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0 after consuming padding", r.Remaining())
	}
}

func TestBytesLongPrefix(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 300)
	w := NewWriter()
	w.PutBytes(payload)
	r := NewReader(w.Bytes())
	got, err := r.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("long byte string round-trip mismatch")
	}
}

func TestVectorRoundTrip(t *testing.T) {
	values := []uint32{1, 2, 3, 4, 5}
	w := NewWriter()
	w.PutVector(len(values), func(i int) { w.PutUint32(values[i]) })

	r := NewReader(w.Bytes())
	count, err := r.VectorHeader()
	if err != nil {
		t.Fatalf("VectorHeader() error = %v", err)
	}
	if count != len(values) {
		t.Fatalf("VectorHeader() count = %d, want %d", count, len(values))
	}
	for i := 0; i < count; i++ {
		v, err := r.Uint32()
		if err != nil {
			t.Fatalf("Uint32() element %d error = %v", i, err)
		}
		if v != values[i] {
			t.Errorf("element %d = %d, want %d", i, v, values[i])
		}
	}
}

func TestConstructorMismatch(t *testing.T) {
	w := NewWriter()
	w.PutConstructor(0x12345678)
	r := NewReader(w.Bytes())
	err := r.Constructor(0xAABBCCDD)
	if !errors.Is(err, ErrInvalidConstructorID) {
		t.Fatalf("Constructor() error = %v, want ErrInvalidConstructorID", err)
	}
}

func TestShortRead(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02})
	_, err := r.Uint32()
	if !errors.Is(err, ErrShortRead) {
		t.Fatalf("Uint32() error = %v, want ErrShortRead", err)
	}
}

func TestOversizeLength(t *testing.T) {
	// Claims a 4-byte-prefixed length far larger than the remaining buffer.
	buf := []byte{0xFE, 0xFF, 0xFF, 0xFF}
	r := NewReader(buf)
	_, err := r.Bytes()
	if !errors.Is(err, ErrOversizeLength) {
		t.Fatalf("Bytes() error = %v, want ErrOversizeLength", err)
	}
}

func TestInt128RoundTrip(t *testing.T) {
	var v [16]byte
	for i := range v {
		v[i] = byte(i)
	}
	w := NewWriter()
	w.PutInt128(v)
	r := NewReader(w.Bytes())
	got, err := r.Int128()
	if err != nil {
		t.Fatalf("Int128() error = %v", err)
	}
	if got != v {
		t.Error("Int128 round-trip mismatch")
	}
}
