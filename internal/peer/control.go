package peer

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/postalsys/mtproto-core/internal/crypto"
)

// maxControlFrame bounds a single ControlChannel frame, generous for a
// RevokeCommand (80 bytes plaintext) plus ChaCha20-Poly1305 overhead.
const maxControlFrame = 4096

// ControlChannel is a small end-to-end encrypted channel between an
// operator tool and a running client, independent of any MTProto
// session, used to deliver a RevokeCommand live instead of shipping it
// as a file. Its keys come from an ephemeral X25519 exchange over conn
// followed by HKDF, mirroring the construction a relay would use to
// protect data in transit between its ingress and exit legs.
type ControlChannel struct {
	conn net.Conn
	key  *crypto.SessionKey
}

// DialControlChannel opens the operator (initiator) side of a
// ControlChannel over an already-connected conn. streamID scopes the
// derived key to this one exchange; callers typically use the target
// session id.
func DialControlChannel(conn net.Conn, streamID uint64) (*ControlChannel, error) {
	priv, pub, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		return nil, fmt.Errorf("peer: control channel keypair: %w", err)
	}
	defer crypto.ZeroKey(&priv)

	if _, err := conn.Write(pub[:]); err != nil {
		return nil, fmt.Errorf("peer: send control channel public key: %w", err)
	}
	var peerPub [crypto.KeySize]byte
	if _, err := io.ReadFull(conn, peerPub[:]); err != nil {
		return nil, fmt.Errorf("peer: read control channel peer public key: %w", err)
	}

	shared, err := crypto.ComputeECDH(priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("peer: control channel ecdh: %w", err)
	}
	defer crypto.ZeroBytes(shared[:])

	key := crypto.DeriveSessionKey(shared, streamID, pub, peerPub, true)
	return &ControlChannel{conn: conn, key: key}, nil
}

// AcceptControlChannel is the client (responder) side of a
// ControlChannel over an already-accepted conn.
func AcceptControlChannel(conn net.Conn, streamID uint64) (*ControlChannel, error) {
	priv, pub, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		return nil, fmt.Errorf("peer: control channel keypair: %w", err)
	}
	defer crypto.ZeroKey(&priv)

	var peerPub [crypto.KeySize]byte
	if _, err := io.ReadFull(conn, peerPub[:]); err != nil {
		return nil, fmt.Errorf("peer: read control channel peer public key: %w", err)
	}
	if _, err := conn.Write(pub[:]); err != nil {
		return nil, fmt.Errorf("peer: send control channel public key: %w", err)
	}

	shared, err := crypto.ComputeECDH(priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("peer: control channel ecdh: %w", err)
	}
	defer crypto.ZeroBytes(shared[:])

	key := crypto.DeriveSessionKey(shared, streamID, peerPub, pub, false)
	return &ControlChannel{conn: conn, key: key}, nil
}

// SendRevoke encrypts and writes cmd as a single length-prefixed frame.
func (c *ControlChannel) SendRevoke(cmd RevokeCommand) error {
	ciphertext, err := c.key.Encrypt(EncodeRevokeCommand(cmd))
	if err != nil {
		return fmt.Errorf("peer: encrypt revoke command: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ciphertext)))
	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("peer: write revoke frame length: %w", err)
	}
	if _, err := c.conn.Write(ciphertext); err != nil {
		return fmt.Errorf("peer: write revoke frame: %w", err)
	}
	return nil
}

// ReceiveRevoke reads and decrypts one RevokeCommand frame.
func (c *ControlChannel) ReceiveRevoke() (RevokeCommand, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return RevokeCommand{}, fmt.Errorf("peer: read revoke frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxControlFrame {
		return RevokeCommand{}, fmt.Errorf("peer: revoke frame length %d out of bounds", n)
	}
	ciphertext := make([]byte, n)
	if _, err := io.ReadFull(c.conn, ciphertext); err != nil {
		return RevokeCommand{}, fmt.Errorf("peer: read revoke frame: %w", err)
	}
	plain, err := c.key.Decrypt(ciphertext)
	if err != nil {
		return RevokeCommand{}, fmt.Errorf("peer: decrypt revoke command: %w", err)
	}
	return DecodeRevokeCommand(plain)
}

// Close zeroes the channel's session key and closes the underlying
// connection.
func (c *ControlChannel) Close() error {
	c.key.Zero()
	return c.conn.Close()
}
