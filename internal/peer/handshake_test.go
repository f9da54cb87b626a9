package peer

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/postalsys/mtproto-core/internal/nonce"
	"github.com/postalsys/mtproto-core/internal/schema"
	"github.com/postalsys/mtproto-core/internal/session"
	"github.com/postalsys/mtproto-core/internal/transport"
)

func TestHandshakeState_String(t *testing.T) {
	cases := map[HandshakeState]string{
		Init:                 "Init",
		AwaitingResPQ:        "AwaitingResPQ",
		AwaitingDhParams:     "AwaitingDhParams",
		AwaitingDhGenResult:  "AwaitingDhGenResult",
		Established:          "Established",
		Failed:               "Failed",
		HandshakeState(99):   "Unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("HandshakeState(%d).String() = %q, want %q", state, got, want)
		}
	}
}

// TestStep1_NonceMismatch reproduces the nonce-mismatch scenario: the
// server echoes back a nonce different from the one the client sent
// (standing in for the spec's 0x0123...CDEF vs 0x0123...CDE0 example),
// which must fail with ErrNonceMismatch and leave the session's auth
// key/salt untouched.
func TestStep1_NonceMismatch(t *testing.T) {
	dialer, listener := newFakePeerConnPair()
	defer dialer.Close()
	defer listener.Close()

	cfg := DefaultConnectionConfig()
	clientConn, err := NewConnection(context.Background(), dialer, cfg)
	if err != nil {
		t.Fatalf("NewConnection(dialer) error = %v", err)
	}
	defer clientConn.Close()

	serverConn, err := NewConnection(context.Background(), listener, cfg)
	if err != nil {
		t.Fatalf("NewConnection(listener) error = %v", err)
	}
	defer serverConn.Close()

	serverDone := make(chan error, 1)
	go func() {
		readFraming := transport.NewIntermediate()
		writeFraming := transport.NewIntermediate()

		reqEnvelope, err := readFraming.Parse(serverConn.stream)
		if err != nil {
			serverDone <- err
			return
		}
		_, _, err = decodeReqPQMultiForTest(reqEnvelope)
		if err != nil {
			serverDone <- err
			return
		}

		var serverNonce nonce.Nonce128
		mismatched := mustMismatchedNonce()
		resPQ := schema.ResPQ{
			Nonce:                       mismatched,
			ServerNonce:                 serverNonce,
			PQ:                          []byte{0x17, 0xED, 0x48, 0x41, 0x00, 0x00, 0x00, 0x00},
			ServerPublicKeyFingerprints: []uint64{0x1122334455667788},
		}
		respBody := encodeResPQForTest(resPQ)
		respEnvelope := wrapPlainForTest(1, respBody)
		framed, err := writeFraming.Frame(respEnvelope)
		if err != nil {
			serverDone <- err
			return
		}
		if _, err := serverConn.stream.Write(framed); err != nil {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h := NewHandshaker(2 * time.Second)
	_, _, err = h.step1(ctx, clientConn)
	if err == nil {
		t.Fatal("step1() expected an error, got nil")
	}
	if !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("step1() error = %v, want ErrNonceMismatch", err)
	}
	<-serverDone

	if _, ok := clientConn.Session().AuthKey(); ok {
		t.Error("session has an auth key installed after a failed handshake")
	}
	if clientConn.Session().Salt() != 0 {
		t.Error("session salt was modified after a failed handshake")
	}
}

func TestStep1_Success(t *testing.T) {
	dialer, listener := newFakePeerConnPair()
	defer dialer.Close()
	defer listener.Close()

	cfg := DefaultConnectionConfig()
	clientConn, err := NewConnection(context.Background(), dialer, cfg)
	if err != nil {
		t.Fatalf("NewConnection(dialer) error = %v", err)
	}
	defer clientConn.Close()

	serverConn, err := NewConnection(context.Background(), listener, cfg)
	if err != nil {
		t.Fatalf("NewConnection(listener) error = %v", err)
	}
	defer serverConn.Close()

	var serverNonce nonce.Nonce128
	serverNonce[0] = 0xAA

	serverDone := make(chan error, 1)
	go func() {
		readFraming := transport.NewIntermediate()
		writeFraming := transport.NewIntermediate()

		reqEnvelope, err := readFraming.Parse(serverConn.stream)
		if err != nil {
			serverDone <- err
			return
		}
		clientNonce, _, err := decodeReqPQMultiForTest(reqEnvelope)
		if err != nil {
			serverDone <- err
			return
		}

		resPQ := schema.ResPQ{
			Nonce:                       clientNonce,
			ServerNonce:                 serverNonce,
			PQ:                          []byte{0x17, 0xED, 0x48, 0x41, 0x00, 0x00, 0x00, 0x00},
			ServerPublicKeyFingerprints: []uint64{0x1122334455667788},
		}
		respBody := encodeResPQForTest(resPQ)
		respEnvelope := wrapPlainForTest(1, respBody)
		framed, err := writeFraming.Frame(respEnvelope)
		if err != nil {
			serverDone <- err
			return
		}
		if _, err := serverConn.stream.Write(framed); err != nil {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h := NewHandshaker(2 * time.Second)
	clientNonce, resPQ, err := h.step1(ctx, clientConn)
	if err != nil {
		t.Fatalf("step1() error = %v", err)
	}
	<-serverDone

	if resPQ.Nonce != clientNonce {
		t.Error("resPQ.Nonce does not match the client's nonce")
	}
	if resPQ.ServerNonce != serverNonce {
		t.Errorf("resPQ.ServerNonce = %x, want %x", resPQ.ServerNonce, serverNonce)
	}
}

func TestTmpAESKeyIV_Deterministic(t *testing.T) {
	var newNonce nonce.Nonce256
	var serverNonce nonce.Nonce128
	for i := range newNonce {
		newNonce[i] = byte(i)
	}
	for i := range serverNonce {
		serverNonce[i] = byte(i + 1)
	}

	key1, iv1 := tmpAESKeyIV(newNonce, serverNonce)
	key2, iv2 := tmpAESKeyIV(newNonce, serverNonce)

	if len(key1) != 32 {
		t.Fatalf("key length = %d, want 32", len(key1))
	}
	if len(iv1) != 32 {
		t.Fatalf("iv length = %d, want 32", len(iv1))
	}
	if string(key1) != string(key2) || string(iv1) != string(iv2) {
		t.Error("tmpAESKeyIV() is not deterministic for identical inputs")
	}
}

func TestVerifyDHGenHash(t *testing.T) {
	var newNonce nonce.Nonce256
	var authKey [session.AuthKeySize]byte
	for i := range newNonce {
		newNonce[i] = byte(i * 3)
	}
	for i := range authKey {
		authKey[i] = byte(i * 7)
	}

	authKeyAuxHash := shaForTest(authKey[:])
	buf := append(append([]byte{}, newNonce[:]...), byte(1))
	buf = append(buf, authKeyAuxHash[0:8]...)
	full := shaForTest(buf)
	var want [16]byte
	copy(want[:], full[4:20])

	if !verifyDHGenHash(newNonce, 1, authKey, want) {
		t.Error("verifyDHGenHash() rejected a correctly derived hash")
	}

	want[0] ^= 0xFF
	if verifyDHGenHash(newNonce, 1, authKey, want) {
		t.Error("verifyDHGenHash() accepted a corrupted hash")
	}
}

func TestSaltFromNonces(t *testing.T) {
	var newNonce nonce.Nonce256
	var serverNonce nonce.Nonce128
	newNonce[0] = 0xFF
	serverNonce[0] = 0x0F

	salt := saltFromNonces(newNonce, serverNonce)
	if salt == 0 {
		t.Error("saltFromNonces() = 0, want nonzero for nonzero nonces")
	}
}

func TestPadTo16WithRandom(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 31, 32} {
		data := make([]byte, n)
		padded, err := padTo16WithRandom(data)
		if err != nil {
			t.Fatalf("padTo16WithRandom(%d) error = %v", n, err)
		}
		if len(padded)%16 != 0 {
			t.Errorf("padTo16WithRandom(%d) length %d not a multiple of 16", n, len(padded))
		}
		if len(padded) < n {
			t.Errorf("padTo16WithRandom(%d) length %d shorter than input", n, len(padded))
		}
	}
}

func TestBigIntToAuthKey(t *testing.T) {
	v := big.NewInt(0x0102030405)
	out := bigIntToAuthKey(v)
	if out[len(out)-1] != 0x05 || out[len(out)-5] != 0x01 {
		t.Errorf("bigIntToAuthKey() did not right-align the big-endian bytes: % x", out[len(out)-8:])
	}
}

func TestAuthKeyID_LittleEndian(t *testing.T) {
	var key [session.AuthKeySize]byte
	for i := range key {
		key[i] = byte(i)
	}
	got := authKeyID(key)

	sum := shaForTest(key[:])
	want := uint64(sum[12]) | uint64(sum[13])<<8 | uint64(sum[14])<<16 | uint64(sum[15])<<24 |
		uint64(sum[16])<<32 | uint64(sum[17])<<40 | uint64(sum[18])<<48 | uint64(sum[19])<<56
	if got != want {
		t.Errorf("authKeyID() = %#x, want %#x (little-endian read of sha1[12:20])", got, want)
	}
}

func TestUint32ToBytes(t *testing.T) {
	got := uint32ToBytes(0x01020304)
	want := []byte{0x01, 0x02, 0x03, 0x04}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("uint32ToBytes(0x01020304) = % x, want % x", got, want)
		}
	}
}
