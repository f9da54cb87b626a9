package peer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/postalsys/mtproto-core/internal/crypto"
	"github.com/postalsys/mtproto-core/internal/session"
)

// ErrSessionRevoked is returned by LoadSealedSession when a verified
// RevokeCommand names the sealed session's id, meaning an operator has
// ordered the session discarded rather than resumed.
var ErrSessionRevoked = errors.New("peer: session revoked by operator command")

// snapshotWireSize is the encoded size of a session.Snapshot: sessionID(8) +
// authKey(256) + timeOffset(4) + salt(8) + seqNo(4) + lastMsgID(8) + version(4).
const snapshotWireSize = 8 + session.AuthKeySize + 4 + 8 + 4 + 8 + 4

// Sealer encrypts an authenticated session's snapshot for storage at
// rest, so the auth key never touches disk in the clear. Only the
// holder of the matching private key can later restore it with an
// Opener.
type Sealer struct {
	box *crypto.SealedBox
}

// NewSealer builds a Sealer that seals to managementPublicKey, normally
// an operator's half of the config.ManagementConfig keypair.
func NewSealer(managementPublicKey [crypto.KeySize]byte) *Sealer {
	return &Sealer{box: crypto.NewSealedBox(managementPublicKey)}
}

// Seal encrypts a session snapshot for at-rest storage.
func (s *Sealer) Seal(snap session.Snapshot) ([]byte, error) {
	plain := encodeSnapshot(snap)
	defer crypto.ZeroBytes(plain)
	sealed, err := s.box.Seal(plain)
	if err != nil {
		return nil, fmt.Errorf("peer: seal session: %w", err)
	}
	return sealed, nil
}

// Opener reverses a Sealer using the management private key, so a
// client can resume a persisted session without repeating the DH
// handshake.
type Opener struct {
	box *crypto.SealedBox
}

// NewOpener builds an Opener from both halves of the management
// keypair.
func NewOpener(managementPublicKey, managementPrivateKey [crypto.KeySize]byte) *Opener {
	return &Opener{box: crypto.NewSealedBoxWithPrivate(managementPublicKey, managementPrivateKey)}
}

// LoadSealedSession decrypts sealed and restores the session.State it
// describes. If revoke is non-nil and verifies against signingPublicKey
// for the sealed session's id, the session is discarded and
// ErrSessionRevoked is returned instead of a restored State - a forced
// re-authorization, distinguishing it from a decryption failure.
func LoadSealedSession(opener *Opener, sealed []byte, revoke *RevokeCommand, signingPublicKey [crypto.Ed25519PublicKeySize]byte) (*session.State, error) {
	plain, err := opener.box.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("peer: open sealed session: %w", err)
	}
	defer crypto.ZeroBytes(plain)

	snap, err := decodeSnapshot(plain)
	if err != nil {
		return nil, err
	}

	if revoke != nil && revoke.SessionID == snap.SessionID && revoke.Verify(signingPublicKey) {
		return nil, ErrSessionRevoked
	}

	return session.Restore(snap), nil
}

func encodeSnapshot(snap session.Snapshot) []byte {
	buf := make([]byte, snapshotWireSize)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], uint64(snap.SessionID))
	off += 8
	copy(buf[off:], snap.AuthKey[:])
	off += session.AuthKeySize
	binary.LittleEndian.PutUint32(buf[off:], uint32(snap.TimeOffset))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], uint64(snap.Salt))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], snap.SeqNo)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], uint64(snap.LastMsgID))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(snap.Version))
	return buf
}

func decodeSnapshot(buf []byte) (session.Snapshot, error) {
	var snap session.Snapshot
	if len(buf) != snapshotWireSize {
		return snap, fmt.Errorf("peer: sealed session has wrong length %d, want %d", len(buf), snapshotWireSize)
	}
	off := 0
	snap.SessionID = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	copy(snap.AuthKey[:], buf[off:off+session.AuthKeySize])
	off += session.AuthKeySize
	snap.TimeOffset = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	snap.Salt = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	snap.SeqNo = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	snap.LastMsgID = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	snap.Version = int(int32(binary.LittleEndian.Uint32(buf[off:])))
	return snap, nil
}

// RevokeCommand is an operator-signed, out-of-band instruction to
// discard a persisted session rather than resume it, authenticated
// with the Ed25519 keypair configured as config.ManagementConfig's
// signing key. This file signs, verifies, and checks commands already
// in hand; live delivery to a client goes over the ControlChannel in
// control.go, and other delivery routes are not part of this package.
type RevokeCommand struct {
	SessionID int64
	IssuedAt  int64
	Signature [crypto.Ed25519SignatureSize]byte
}

// SignRevokeCommand builds a RevokeCommand ordering sessionID discarded,
// signed with the operator's private key.
func SignRevokeCommand(privateKey [crypto.Ed25519PrivateKeySize]byte, sessionID, issuedAt int64) RevokeCommand {
	cmd := RevokeCommand{SessionID: sessionID, IssuedAt: issuedAt}
	cmd.Signature = crypto.Sign(privateKey, cmd.signedPayload())
	return cmd
}

// Verify reports whether the command's signature is valid for
// publicKey.
func (c RevokeCommand) Verify(publicKey [crypto.Ed25519PublicKeySize]byte) bool {
	return crypto.Verify(publicKey, c.signedPayload(), c.Signature)
}

func (c RevokeCommand) signedPayload() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(c.SessionID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(c.IssuedAt))
	return buf
}

// revokeCommandWireSize is the encoded size of a RevokeCommand:
// sessionID(8) + issuedAt(8) + signature(64).
const revokeCommandWireSize = 16 + crypto.Ed25519SignatureSize

// EncodeRevokeCommand serializes a RevokeCommand for out-of-band
// delivery to a client.
func EncodeRevokeCommand(c RevokeCommand) []byte {
	buf := make([]byte, revokeCommandWireSize)
	copy(buf[0:16], c.signedPayload())
	copy(buf[16:], c.Signature[:])
	return buf
}

// DecodeRevokeCommand parses a RevokeCommand previously produced by
// EncodeRevokeCommand. It does not verify the signature; call Verify
// on the result.
func DecodeRevokeCommand(buf []byte) (RevokeCommand, error) {
	var cmd RevokeCommand
	if len(buf) != revokeCommandWireSize {
		return cmd, fmt.Errorf("peer: revoke command has wrong length %d, want %d", len(buf), revokeCommandWireSize)
	}
	cmd.SessionID = int64(binary.LittleEndian.Uint64(buf[0:8]))
	cmd.IssuedAt = int64(binary.LittleEndian.Uint64(buf[8:16]))
	copy(cmd.Signature[:], buf[16:])
	return cmd, nil
}
