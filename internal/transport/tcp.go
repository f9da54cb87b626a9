package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"
)

// TransportTCP identifies the plain (optionally TLS-wrapped) TCP
// transport. The three Framing conventions in framing.go run
// directly over this carrier; it is the transport a dial string with
// no scheme prefix resolves to.
const TransportTCP TransportType = "tcp"

// TCPTransport implements Transport over plain or TLS-wrapped TCP.
// A TCP connection carries exactly one Stream: MTProto does not
// multiplex requests onto a shared connection the way HTTP/2 or QUIC
// do, so OpenStream/AcceptStream is called once per PeerConn.
type TCPTransport struct {
	mu        sync.Mutex
	listeners []*TCPListener
	closed    bool
}

// NewTCPTransport creates a new plain TCP transport.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

// Type returns the transport type.
func (t *TCPTransport) Type() TransportType {
	return TransportTCP
}

// Dial connects to a remote peer over TCP, optionally wrapping the
// connection in TLS when opts.TLSConfig is set.
func (t *TCPTransport) Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	dialer := &net.Dialer{}
	if opts.Timeout > 0 {
		dialer.Timeout = opts.Timeout
	}

	var conn net.Conn
	var err error
	if opts.TLSConfig != nil {
		tlsConfig := opts.TLSConfig
		if opts.InsecureSkipVerify {
			tlsConfig = tlsConfig.Clone()
			tlsConfig.InsecureSkipVerify = true
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("TCP dial failed: %w", err)
	}

	return &TCPPeerConn{
		conn:        conn,
		isDialer:    true,
		streamAlloc: NewStreamIDAllocator(true),
	}, nil
}

// Listen creates a TCP listener, optionally wrapped in TLS.
func (t *TCPTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP listen failed: %w", err)
	}
	if opts.TLSConfig != nil {
		ln = tls.NewListener(ln, opts.TLSConfig)
	}

	tl := &TCPListener{listener: ln}
	t.listeners = append(t.listeners, tl)
	return tl, nil
}

// Close shuts down the transport and all listeners.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var lastErr error
	for _, l := range t.listeners {
		if err := l.Close(); err != nil {
			lastErr = err
		}
	}
	t.listeners = nil

	return lastErr
}

// TCPListener implements Listener for plain/TLS TCP.
type TCPListener struct {
	listener net.Listener
	closed   bool
	mu       sync.Mutex
}

// Accept waits for and returns the next TCP connection.
func (l *TCPListener) Accept(ctx context.Context) (PeerConn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.listener.Accept()
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &TCPPeerConn{
			conn:        r.conn,
			isDialer:    false,
			streamAlloc: NewStreamIDAllocator(false),
		}, nil
	}
}

// Addr returns the listener's address.
func (l *TCPListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops the listener.
func (l *TCPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.listener.Close()
}

// TCPPeerConn implements PeerConn over a single net.Conn. Only one
// stream is ever opened or accepted per connection.
type TCPPeerConn struct {
	conn        net.Conn
	isDialer    bool
	streamAlloc *StreamIDAllocator

	mu     sync.Mutex
	opened bool
	stream *TCPStream
}

// OpenStream returns the connection's single outgoing stream.
func (c *TCPPeerConn) OpenStream(ctx context.Context) (Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opened {
		return nil, fmt.Errorf("transport: TCP connection already has an open stream")
	}
	c.opened = true
	c.stream = &TCPStream{conn: c.conn, id: c.streamAlloc.Next()}
	return c.stream, nil
}

// AcceptStream returns the connection's single incoming stream. TCP
// has no stream-open handshake of its own, so acceptance is immediate
// once the underlying connection is established.
func (c *TCPPeerConn) AcceptStream(ctx context.Context) (Stream, error) {
	return c.OpenStream(ctx)
}

// Close terminates the underlying TCP connection.
func (c *TCPPeerConn) Close() error {
	return c.conn.Close()
}

// LocalAddr returns the local address.
func (c *TCPPeerConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote address.
func (c *TCPPeerConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// IsDialer returns true if this side initiated the connection.
func (c *TCPPeerConn) IsDialer() bool {
	return c.isDialer
}

// TransportType returns the transport protocol type.
func (c *TCPPeerConn) TransportType() TransportType {
	return TransportTCP
}

// TCPStream implements Stream directly over net.Conn.
type TCPStream struct {
	conn net.Conn
	id   uint64
}

// StreamID returns the allocated stream ID.
func (s *TCPStream) StreamID() uint64 {
	return s.id
}

// Read reads data from the connection.
func (s *TCPStream) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

// Write writes data to the connection.
func (s *TCPStream) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

// CloseWrite half-closes the write side if the underlying conn
// supports it, otherwise it is a no-op: the caller still reads the
// remaining response before the transport layer closes fully.
func (s *TCPStream) CloseWrite() error {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := s.conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close fully closes the connection.
func (s *TCPStream) Close() error {
	return s.conn.Close()
}

// SetDeadline sets read and write deadlines.
func (s *TCPStream) SetDeadline(t time.Time) error {
	return s.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (s *TCPStream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (s *TCPStream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}
