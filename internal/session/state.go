// Package session tracks the per-conversation bookkeeping a Connection
// and Handshaker mutate as they exchange messages with a server: message
// ids, sequence numbers, server salt, clock offset, and the auth key
// negotiated by the handshake.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// Purpose distinguishes content messages, which must be acknowledged by
// the server, from non-content messages such as pings and acks.
type Purpose int

const (
	// Content messages consume an odd sequence number and advance the
	// counter.
	Content Purpose = iota
	// NonContent messages take the next even sequence number without
	// advancing the counter.
	NonContent
)

// AuthKeySize is the length in bytes of a completed MTProto auth key.
const AuthKeySize = 256

// State is a mutable record owned exclusively by one logical session.
// It is not safe to share a State across connections; each Connection
// owns exactly one.
type State struct {
	mu sync.Mutex

	sessionID  int64
	authKey    [AuthKeySize]byte
	haveAuth   bool
	timeOffset int32
	salt       int64
	seqNo      uint32
	lastMsgID  int64
	version    int
}

// New creates a State with a fresh random session id and the given
// protocol version (1 or 2, selecting the msg_key derivation MessageEnvelope
// uses).
func New(version int) (*State, error) {
	var idBuf [8]byte
	if _, err := rand.Read(idBuf[:]); err != nil {
		return nil, fmt.Errorf("session: generate session id: %w", err)
	}
	return &State{
		sessionID: int64(binary.LittleEndian.Uint64(idBuf[:])),
		version:   version,
	}, nil
}

// SessionID returns the session's random 64-bit identifier.
func (s *State) SessionID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Version returns the configured protocol version (1 or 2).
func (s *State) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// AuthKey returns a copy of the installed auth key and whether one has
// been installed yet.
func (s *State) AuthKey() ([AuthKeySize]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authKey, s.haveAuth
}

// SetAuthKey installs the 256-byte auth key derived by the handshake.
func (s *State) SetAuthKey(key [AuthKeySize]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authKey = key
	s.haveAuth = true
}

// Salt returns the current server salt.
func (s *State) Salt() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.salt
}

// SetSalt installs the server salt, normally derived from new_nonce XOR
// server_nonce at the end of the handshake.
func (s *State) SetSalt(salt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.salt = salt
}

// TimeOffset returns the current clock offset in seconds.
func (s *State) TimeOffset() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeOffset
}

// nowFn is overridable in tests so the literal scenarios in the spec's
// testable-properties section can be reproduced exactly.
var nowFn = time.Now

// NewMessageID returns a monotone message id and advances lastMsgID.
//
// The id is (unix_seconds + time_offset) << 32 | (nanoseconds << 2). If
// that value is not strictly greater than the previously issued id, the
// id becomes lastMsgID + 4 instead, keeping the low two bits zero for
// client-generated ids.
func (s *State) NewMessageID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowFn()
	seconds := now.Unix() + int64(s.timeOffset)
	nanos := int64(now.Nanosecond())

	id := (seconds << 32) | (nanos << 2)
	if id <= s.lastMsgID {
		id = s.lastMsgID + 4
	}
	s.lastMsgID = id
	return id
}

// LastMsgID returns the most recently issued message id, or 0 if none
// has been issued yet.
func (s *State) LastMsgID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMsgID
}

// RevertMessageID undoes a NewMessageID call whose id was never put on
// the wire, so a failed write does not burn an id the server never saw.
// It only rolls back if lastMsgID still equals id, i.e. no other message
// id was issued in between.
func (s *State) RevertMessageID(id, prev int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastMsgID == id {
		s.lastMsgID = prev
	}
}

// NextSeqNo returns the next sequence number for purpose p. Content
// messages consume seqNo*2+1 and increment the counter; non-content
// messages return seqNo*2 without incrementing it.
func (s *State) NextSeqNo(p Purpose) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p == Content {
		v := s.seqNo*2 + 1
		s.seqNo++
		return v
	}
	return s.seqNo * 2
}

// Snapshot captures the fields needed to resume a State exactly,
// without performing a fresh handshake.
type Snapshot struct {
	SessionID  int64
	AuthKey    [AuthKeySize]byte
	TimeOffset int32
	Salt       int64
	SeqNo      uint32
	LastMsgID  int64
	Version    int
}

// Snapshot returns the fields needed to Restore this State later.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:  s.sessionID,
		AuthKey:    s.authKey,
		TimeOffset: s.timeOffset,
		Salt:       s.salt,
		SeqNo:      s.seqNo,
		LastMsgID:  s.lastMsgID,
		Version:    s.version,
	}
}

// Restore reconstructs a State from a Snapshot previously produced by
// an authenticated session, so a connection can resume without
// repeating the Diffie-Hellman handshake.
func Restore(snap Snapshot) *State {
	return &State{
		sessionID:  snap.SessionID,
		authKey:    snap.AuthKey,
		haveAuth:   true,
		timeOffset: snap.TimeOffset,
		salt:       snap.Salt,
		seqNo:      snap.SeqNo,
		lastMsgID:  snap.LastMsgID,
		version:    snap.Version,
	}
}

// UpdateTimeOffset reconciles the local clock against a message id the
// server is known to have produced at the true time. The upper 32 bits
// of correctMsgID are interpreted as unsigned seconds-since-epoch (never
// sign-extended) and widened before subtracting the current unix time,
// per the spec's explicit correction of a sign-handling bug observed in
// the reference implementation. lastMsgID is reset to zero so that
// subsequent ids are regenerated under the new offset.
func (s *State) UpdateTimeOffset(correctMsgID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	serverSeconds := int64(uint32(correctMsgID >> 32))
	s.timeOffset = int32(serverSeconds - nowFn().Unix())
	s.lastMsgID = 0
}
