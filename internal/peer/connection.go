// Package peer drives a single MTProto connection end to end: opening
// the one stream a session ever uses, running its authorization
// handshake, and serializing the one in-flight request a session is
// ever allowed to have outstanding.
package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/mtproto-core/internal/envelope"
	"github.com/postalsys/mtproto-core/internal/metrics"
	"github.com/postalsys/mtproto-core/internal/session"
	"github.com/postalsys/mtproto-core/internal/transport"
)

// ConnectionState represents the state of a peer connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateHandshaking
	StateConnected
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// FramingFactory constructs a fresh transport.Framing for one
// direction of a connection. The Abridged/Intermediate/Full
// constructors in internal/transport all satisfy this signature.
type FramingFactory func() transport.Framing

// ConnectionConfig contains configuration for a connection.
type ConnectionConfig struct {
	// ProtocolVersion selects the msg_key derivation (1 or 2) the
	// session uses once authenticated.
	ProtocolVersion int
	// NewFraming builds the transport.Framing used for both directions
	// of the connection's single stream. Defaults to NewIntermediate.
	NewFraming FramingFactory
	// Metrics, when set, receives connect/disconnect and byte-transfer
	// observations for the connection. Nil disables recording.
	Metrics *metrics.Metrics
}

// DefaultConnectionConfig returns a config with defaults: protocol
// version 2 and Intermediate framing.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		ProtocolVersion: 2,
		NewFraming:      transport.NewIntermediate,
	}
}

// Connection binds one transport.Stream to one session.State. MTProto
// does not multiplex: a Connection has exactly one request in flight
// at a time, enforced by requestMu.
type Connection struct {
	peerConn transport.PeerConn
	stream   transport.Stream
	isDialer bool

	session      *session.State
	writeFraming transport.Framing
	readFraming  transport.Framing
	metrics      *metrics.Metrics

	state        atomic.Int32
	requestMu    sync.Mutex
	lastActivity atomic.Int64
	rtt          atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnection opens (dialer) or accepts (listener) the connection's
// single stream, allocates a fresh session.State, and returns a
// Connection ready for its handshake.
func NewConnection(ctx context.Context, peerConn transport.PeerConn, cfg ConnectionConfig) (*Connection, error) {
	if cfg.NewFraming == nil {
		cfg.NewFraming = transport.NewIntermediate
	}

	s, err := session.New(cfg.ProtocolVersion)
	if err != nil {
		return nil, fmt.Errorf("peer: create session: %w", err)
	}

	var stream transport.Stream
	if peerConn.IsDialer() {
		stream, err = peerConn.OpenStream(ctx)
	} else {
		stream, err = peerConn.AcceptStream(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("peer: open stream: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	c := &Connection{
		peerConn:     peerConn,
		stream:       stream,
		isDialer:     peerConn.IsDialer(),
		session:      s,
		writeFraming: cfg.NewFraming(),
		readFraming:  cfg.NewFraming(),
		metrics:      cfg.Metrics,
		ctx:          connCtx,
		cancel:       cancel,
		closed:       make(chan struct{}),
	}
	c.state.Store(int32(StateHandshaking))
	c.updateActivity()

	if c.metrics != nil {
		direction := "inbound"
		if c.isDialer {
			direction = "outbound"
		}
		c.metrics.RecordPeerConnect(string(c.TransportType()), direction)
	}

	return c, nil
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// SetState updates the connection state.
func (c *Connection) SetState(state ConnectionState) {
	c.state.Store(int32(state))
}

// Session returns the connection's session state, installed with an
// auth key and salt once the handshake completes.
func (c *Connection) Session() *session.State {
	return c.session
}

// IsDialer returns true if this side initiated the connection.
func (c *Connection) IsDialer() bool {
	return c.isDialer
}

// sendDirection returns the envelope.Direction for a message this side
// originates: a dialer is the MTProto client, so its outgoing messages
// are client-to-server; the accepting side (used by the test Listener
// standing in for a server) sends server-to-client.
func (c *Connection) sendDirection() envelope.Direction {
	if c.isDialer {
		return envelope.ClientToServer
	}
	return envelope.ServerToClient
}

// recvDirection returns the envelope.Direction of a message this side
// receives: the opposite of sendDirection, since a dialer only ever
// receives server-to-client messages and vice versa.
func (c *Connection) recvDirection() envelope.Direction {
	if c.isDialer {
		return envelope.ServerToClient
	}
	return envelope.ClientToServer
}

// TransportType returns the transport protocol type for this connection.
func (c *Connection) TransportType() transport.TransportType {
	if c.peerConn == nil {
		return ""
	}
	return c.peerConn.TransportType()
}

// applyDeadline sets the stream's deadline from ctx, clearing it if ctx
// carries none.
func (c *Connection) applyDeadline(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		return c.stream.SetDeadline(time.Time{})
	}
	return c.stream.SetDeadline(deadline)
}

// RequestPlain sends an unauthenticated (plain) request and returns the
// response body. Used only during the handshake, before a session has
// an auth key.
func (c *Connection) RequestPlain(ctx context.Context, body []byte) ([]byte, error) {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	if err := c.applyDeadline(ctx); err != nil {
		return nil, fmt.Errorf("peer: set deadline: %w", err)
	}

	prevMsgID := c.session.LastMsgID()
	msgID := c.session.NewMessageID()
	wrapped := envelope.WrapPlain(msgID, body)

	framed, err := c.writeFraming.Frame(wrapped)
	if err != nil {
		c.session.RevertMessageID(msgID, prevMsgID)
		return nil, fmt.Errorf("peer: frame request: %w", err)
	}
	if _, err := c.stream.Write(framed); err != nil {
		c.session.RevertMessageID(msgID, prevMsgID)
		return nil, fmt.Errorf("peer: write request: %w", err)
	}
	c.updateActivity()
	if c.metrics != nil {
		c.metrics.RecordBytesSent("handshake", len(framed))
	}

	respEnvelope, err := c.readFraming.Parse(c.stream)
	if err != nil {
		c.session.RevertMessageID(msgID, prevMsgID)
		return nil, fmt.Errorf("peer: read response: %w", err)
	}
	c.updateActivity()
	if c.metrics != nil {
		c.metrics.RecordBytesReceived("handshake", len(respEnvelope))
	}

	_, respBody, err := envelope.UnwrapPlain(respEnvelope)
	if err != nil {
		c.session.RevertMessageID(msgID, prevMsgID)
		return nil, fmt.Errorf("peer: unwrap response: %w", err)
	}
	return respBody, nil
}

// Request sends an authenticated request over an established session
// and returns the decrypted response body.
func (c *Connection) Request(ctx context.Context, body []byte, purpose session.Purpose) ([]byte, error) {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	if err := c.applyDeadline(ctx); err != nil {
		return nil, fmt.Errorf("peer: set deadline: %w", err)
	}

	wrapped, err := envelope.WrapAuthenticated(c.session, body, purpose, c.sendDirection())
	if err != nil {
		return nil, fmt.Errorf("peer: wrap request: %w", err)
	}

	framed, err := c.writeFraming.Frame(wrapped)
	if err != nil {
		return nil, fmt.Errorf("peer: frame request: %w", err)
	}
	if _, err := c.stream.Write(framed); err != nil {
		return nil, fmt.Errorf("peer: write request: %w", err)
	}
	c.updateActivity()
	if c.metrics != nil {
		c.metrics.RecordBytesSent("session", len(framed))
	}
	sentAt := time.Now().UnixNano()
	if c.metrics != nil {
		c.metrics.RecordKeepaliveSent()
	}

	respEnvelope, err := c.readFraming.Parse(c.stream)
	if err != nil {
		return nil, fmt.Errorf("peer: read response: %w", err)
	}
	c.updateActivity()
	c.UpdateRTT(sentAt)
	if c.metrics != nil {
		c.metrics.RecordBytesReceived("session", len(respEnvelope))
		c.metrics.RecordKeepaliveRecv(c.RTT().Seconds())
	}

	respBody, _, _, err := envelope.UnwrapAuthenticated(c.session, respEnvelope, c.recvDirection())
	if err != nil {
		return nil, fmt.Errorf("peer: unwrap response: %w", err)
	}
	return respBody, nil
}

// LastActivity returns the time of last activity.
func (c *Connection) LastActivity() time.Time {
	ns := c.lastActivity.Load()
	return time.Unix(0, ns)
}

// RTT returns the measured round-trip time.
func (c *Connection) RTT() time.Duration {
	return time.Duration(c.rtt.Load())
}

func (c *Connection) updateActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// UpdateRTT records the measured RTT of a completed round trip that
// started at sentTimestamp (unix nanoseconds).
func (c *Connection) UpdateRTT(sentTimestamp int64) {
	now := time.Now().UnixNano()
	if now > sentTimestamp {
		c.rtt.Store(now - sentTimestamp)
	}
}

// Close closes the connection and its stream.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.SetState(StateDisconnected)
		if c.stream != nil {
			c.stream.Close()
		}
		err = c.peerConn.Close()
		if c.metrics != nil {
			reason := "closed"
			if err != nil {
				reason = "error"
			}
			c.metrics.RecordPeerDisconnect(reason)
		}
		close(c.closed)
	})
	return err
}

// Done returns a channel that's closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Context returns the connection's context.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// LocalAddr returns the local address.
func (c *Connection) LocalAddr() string {
	if c.peerConn == nil {
		return ""
	}
	return addrToString(c.peerConn.LocalAddr())
}

// RemoteAddr returns the remote address.
func (c *Connection) RemoteAddr() string {
	if c.peerConn == nil {
		return ""
	}
	return addrToString(c.peerConn.RemoteAddr())
}

func addrToString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// String returns a string representation.
func (c *Connection) String() string {
	return fmt.Sprintf("Connection{state=%s, addr=%s}", c.State(), c.RemoteAddr())
}
