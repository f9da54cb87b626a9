// Package envelope frames MTProto message bodies for the wire: the plain
// envelope used before a session has an auth key, and the authenticated,
// AES-IGE-encrypted envelope used once the handshake has completed.
package envelope

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/postalsys/mtproto-core/internal/crypto"
	"github.com/postalsys/mtproto-core/internal/session"
)

var (
	// ErrPlainAuthKeyIdNonZero is returned when an incoming plain
	// envelope's auth_key_id field is not zero.
	ErrPlainAuthKeyIdNonZero = errors.New("envelope: plain auth_key_id is non-zero")
	// ErrLengthMismatch is returned when a declared body length does not
	// match the remaining bytes.
	ErrLengthMismatch = errors.New("envelope: declared length does not match body")
	// ErrAuthKeyIdMismatch is returned when an authenticated envelope's
	// auth_key_id does not match the session's installed auth key.
	ErrAuthKeyIdMismatch = errors.New("envelope: auth_key_id mismatch")
	// ErrMsgKeyMismatch is returned when the recomputed msg_key does not
	// match the one carried on the wire.
	ErrMsgKeyMismatch = errors.New("envelope: msg_key mismatch")
	// ErrBadInnerLength is returned when the decrypted inner block's
	// declared length or padding is inconsistent with the plaintext.
	ErrBadInnerLength = errors.New("envelope: bad inner block length or padding")
)

// WrapPlain builds an unauthenticated envelope: auth_key_id=0, msg_id,
// a 4-byte body length, and the body itself.
func WrapPlain(msgID int64, body []byte) []byte {
	out := make([]byte, 8+8+4+len(body))
	// auth_key_id is already zero.
	binary.LittleEndian.PutUint64(out[8:16], uint64(msgID))
	binary.LittleEndian.PutUint32(out[16:20], uint32(len(body)))
	copy(out[20:], body)
	return out
}

// UnwrapPlain parses a plain envelope, returning the msg_id and body.
func UnwrapPlain(data []byte) (msgID int64, body []byte, err error) {
	if len(data) < 20 {
		return 0, nil, fmt.Errorf("%w: envelope shorter than header", ErrLengthMismatch)
	}
	authKeyID := binary.LittleEndian.Uint64(data[0:8])
	if authKeyID != 0 {
		return 0, nil, ErrPlainAuthKeyIdNonZero
	}
	msgID = int64(binary.LittleEndian.Uint64(data[8:16]))
	length := binary.LittleEndian.Uint32(data[16:20])
	rest := data[20:]
	if int(length) != len(rest) {
		return 0, nil, fmt.Errorf("%w: declared %d, got %d", ErrLengthMismatch, length, len(rest))
	}
	body = make([]byte, len(rest))
	copy(body, rest)
	return msgID, body, nil
}

// innerBlock is the plaintext MessageEnvelope wraps before encryption:
// salt, session id, msg_id, seq_no, body length, body, then random
// padding.
type innerBlock struct {
	Salt      int64
	SessionID int64
	MsgID     int64
	SeqNo     uint32
	Body      []byte
}

func (b innerBlock) encode() []byte {
	out := make([]byte, 8+8+8+4+4+len(b.Body))
	binary.LittleEndian.PutUint64(out[0:8], uint64(b.Salt))
	binary.LittleEndian.PutUint64(out[8:16], uint64(b.SessionID))
	binary.LittleEndian.PutUint64(out[16:24], uint64(b.MsgID))
	binary.LittleEndian.PutUint32(out[24:28], b.SeqNo)
	binary.LittleEndian.PutUint32(out[28:32], uint32(len(b.Body)))
	copy(out[32:], b.Body)
	return out
}

func decodeInnerBlock(plain []byte) (innerBlock, error) {
	if len(plain) < 32 {
		return innerBlock{}, fmt.Errorf("%w: inner block shorter than header", ErrBadInnerLength)
	}
	b := innerBlock{
		Salt:      int64(binary.LittleEndian.Uint64(plain[0:8])),
		SessionID: int64(binary.LittleEndian.Uint64(plain[8:16])),
		MsgID:     int64(binary.LittleEndian.Uint64(plain[16:24])),
		SeqNo:     binary.LittleEndian.Uint32(plain[24:28]),
	}
	length := binary.LittleEndian.Uint32(plain[28:32])
	bodyEnd := 32 + int(length)
	if bodyEnd > len(plain) {
		return innerBlock{}, fmt.Errorf("%w: body length %d exceeds plaintext", ErrBadInnerLength, length)
	}
	b.Body = append([]byte(nil), plain[32:bodyEnd]...)
	// Everything after the body is random padding; the spec requires at
	// least 12 bytes and a total plaintext length that is a multiple of
	// the AES block size, but imposes no further structure on it.
	if pad := len(plain) - bodyEnd; pad < 12 {
		return innerBlock{}, fmt.Errorf("%w: only %d bytes of padding", ErrBadInnerLength, pad)
	}
	return b, nil
}

// authKeyID returns the low 64 bits of SHA-1 of the auth key.
func authKeyID(authKey [session.AuthKeySize]byte) uint64 {
	sum := crypto.SHA1(authKey[:])
	return binary.LittleEndian.Uint64(sum[12:20])
}

// msgKeyV1 computes the legacy (protocol version 1) msg_key: the low
// 128 bits of SHA-1 of the inner block before padding.
func msgKeyV1(innerBeforePadding []byte) [16]byte {
	sum := crypto.SHA1(innerBeforePadding)
	var key [16]byte
	copy(key[:], sum[4:20])
	return key
}

// Direction identifies which side of a session originated a message.
// MTProto 2.0's key derivation folds the direction into the "x" offset
// selected into the auth key: 0 for a client-to-server message, 8 for
// a server-to-client message. Both the side that wraps a message and
// the side that unwraps it must agree on its direction - the offset is
// a property of the message, not of which side is currently running
// the code.
type Direction int

const (
	// ClientToServer selects x=0, the offset used for messages the
	// client originates.
	ClientToServer Direction = 0
	// ServerToClient selects x=8, the offset used for messages the
	// server originates.
	ServerToClient Direction = 8
)

// msgKeyV2 computes the protocol version 2 msg_key: the middle 128 bits
// of SHA-256 of a 32-byte substring of the auth key concatenated with
// the padded plaintext. x selects the direction-dependent offset into
// the auth key: 0 for client-to-server messages, 8 for server-to-client
// messages (see Direction), per the published MTProto 2.0 KDF.
func msgKeyV2(authKey [session.AuthKeySize]byte, paddedPlain []byte, x int) [16]byte {
	buf := make([]byte, 0, 32+len(paddedPlain))
	buf = append(buf, authKey[88+x:88+x+32]...)
	buf = append(buf, paddedPlain...)
	sum := crypto.SHA256(buf)
	var key [16]byte
	copy(key[:], sum[8:24])
	return key
}

// deriveKeyIVv1 implements the legacy AES key/iv derivation from
// auth_key and msg_key.
func deriveKeyIVv1(authKey [session.AuthKeySize]byte, msgKey [16]byte, x int) (key, iv []byte) {
	sub := func(off, n int) []byte { return authKey[off : off+n] }
	a := crypto.SHA1(concat(msgKey[:], sub(x, 32)))
	b := crypto.SHA1(concat(sub(32+x, 16), msgKey[:], sub(48+x, 16)))
	c := crypto.SHA1(concat(sub(64+x, 32), msgKey[:]))
	d := crypto.SHA1(concat(msgKey[:], sub(96+x, 32)))

	key = concat(a[0:8], b[8:20][:12], c[4:20][:12])
	iv = concat(a[8:20][:12], b[0:8], c[16:20][:4], d[0:8])
	return key, iv
}

// deriveKeyIVv2 implements the published MTProto 2.0 AES key/iv
// derivation from auth_key and msg_key.
func deriveKeyIVv2(authKey [session.AuthKeySize]byte, msgKey [16]byte, x int) (key, iv []byte) {
	sub := func(off, n int) []byte { return authKey[off : off+n] }
	a := crypto.SHA256(concat(msgKey[:], sub(x, 36)))
	b := crypto.SHA256(concat(sub(40+x, 36), msgKey[:]))

	key = concat(a[0:8], b[8:24], a[24:32])
	iv = concat(b[0:8], a[8:24], b[24:32])
	return key, iv
}

func concat(parts ...[]byte) []byte {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// igeIV derives the 32-byte AES-IGE iv (key||iv truncated/concatenated
// per the derivation above already yields 32 bytes of IV material for
// v2; v1's 12+8+4+8=32 is assembled to 32 bytes as well).
func igeIV(iv []byte) []byte {
	out := make([]byte, 32)
	copy(out, iv)
	return out
}

// WrapAuthenticated builds an authenticated, AES-IGE-encrypted
// envelope for body, consuming a fresh msg_id and seq_no from s. dir
// is the direction of the message being sent (ClientToServer for a
// client wrapping its own request); the peer unwrapping this same
// message must be given the identical Direction.
func WrapAuthenticated(s *session.State, body []byte, purpose session.Purpose, dir Direction) ([]byte, error) {
	authKey, ok := s.AuthKey()
	if !ok {
		return nil, fmt.Errorf("envelope: session has no auth key installed")
	}

	msgID := s.NewMessageID()
	seqNo := s.NextSeqNo(purpose)

	inner := innerBlock{
		Salt:      s.Salt(),
		SessionID: s.SessionID(),
		MsgID:     msgID,
		SeqNo:     seqNo,
		Body:      body,
	}
	beforePadding := inner.encode()

	padded, err := padTo16(beforePadding)
	if err != nil {
		return nil, err
	}

	x := int(dir)
	var msgKey [16]byte
	var key, iv []byte
	if s.Version() >= 2 {
		msgKey = msgKeyV2(authKey, padded, x)
		key, iv = deriveKeyIVv2(authKey, msgKey, x)
	} else {
		msgKey = msgKeyV1(beforePadding)
		key, iv = deriveKeyIVv1(authKey, msgKey, x)
	}

	ciphertext, err := crypto.AESIGEEncrypt(key, igeIV(iv), padded)
	if err != nil {
		return nil, fmt.Errorf("envelope: encrypt: %w", err)
	}

	out := make([]byte, 8+16+len(ciphertext))
	binary.LittleEndian.PutUint64(out[0:8], authKeyID(authKey))
	copy(out[8:24], msgKey[:])
	copy(out[24:], ciphertext)
	return out, nil
}

// UnwrapAuthenticated decrypts and validates an authenticated envelope
// received over a session, returning the original body, msg_id, and
// seq_no. dir is the direction of the message being received (
// ServerToClient for a client unwrapping a server response) and must
// match the Direction the sender wrapped it with.
func UnwrapAuthenticated(s *session.State, data []byte, dir Direction) (body []byte, msgID int64, seqNo uint32, err error) {
	if len(data) < 24 {
		return nil, 0, 0, fmt.Errorf("%w: envelope shorter than header", ErrBadInnerLength)
	}
	authKey, ok := s.AuthKey()
	if !ok {
		return nil, 0, 0, fmt.Errorf("envelope: session has no auth key installed")
	}

	wantKeyID := binary.LittleEndian.Uint64(data[0:8])
	if wantKeyID != authKeyID(authKey) {
		return nil, 0, 0, ErrAuthKeyIdMismatch
	}
	var msgKey [16]byte
	copy(msgKey[:], data[8:24])
	ciphertext := data[24:]

	x := int(dir)
	var key, iv []byte
	if s.Version() >= 2 {
		key, iv = deriveKeyIVv2(authKey, msgKey, x)
	} else {
		key, iv = deriveKeyIVv1(authKey, msgKey, x)
	}

	plain, err := crypto.AESIGEDecrypt(key, igeIV(iv), ciphertext)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("envelope: decrypt: %w", err)
	}

	var recomputed [16]byte
	if s.Version() >= 2 {
		recomputed = msgKeyV2(authKey, plain, x)
	} else {
		inner, decErr := decodeInnerBlock(plain)
		if decErr != nil {
			return nil, 0, 0, decErr
		}
		recomputed = msgKeyV1(inner.encode())
	}
	if recomputed != msgKey {
		return nil, 0, 0, ErrMsgKeyMismatch
	}

	inner, err := decodeInnerBlock(plain)
	if err != nil {
		return nil, 0, 0, err
	}
	return inner.Body, inner.MsgID, inner.SeqNo, nil
}

// padTo16 appends cryptographically random padding so the result is a
// multiple of 16 bytes and carries at least 12 bytes of padding.
func padTo16(data []byte) ([]byte, error) {
	pad := 12
	total := len(data) + pad
	if rem := total % 16; rem != 0 {
		pad += 16 - rem
	}
	out := make([]byte, len(data), len(data)+pad)
	copy(out, data)
	padding := make([]byte, pad)
	if _, err := io.ReadFull(rand.Reader, padding); err != nil {
		return nil, fmt.Errorf("envelope: fill padding: %w", err)
	}
	out = append(out, padding...)
	return out, nil
}
