package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}

	// Verify metrics are registered
	if m.PeersConnected == nil {
		t.Error("PeersConnected metric is nil")
	}
	if m.BytesSent == nil {
		t.Error("BytesSent metric is nil")
	}
	if m.KeepaliveRTT == nil {
		t.Error("KeepaliveRTT metric is nil")
	}
}

func TestRecordPeerConnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	// Record some peer connections
	m.RecordPeerConnect("quic", "outbound")
	m.RecordPeerConnect("quic", "inbound")
	m.RecordPeerConnect("h2", "outbound")

	// Check PeersConnected gauge
	peersConnected := testutil.ToFloat64(m.PeersConnected)
	if peersConnected != 3 {
		t.Errorf("PeersConnected = %v, want 3", peersConnected)
	}

	// Check PeersTotal counter
	peersTotal := testutil.ToFloat64(m.PeersTotal)
	if peersTotal != 3 {
		t.Errorf("PeersTotal = %v, want 3", peersTotal)
	}
}

func TestRecordPeerDisconnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	// Connect some peers
	m.RecordPeerConnect("quic", "outbound")
	m.RecordPeerConnect("quic", "inbound")

	// Disconnect one
	m.RecordPeerDisconnect("timeout")

	peersConnected := testutil.ToFloat64(m.PeersConnected)
	if peersConnected != 1 {
		t.Errorf("PeersConnected = %v, want 1", peersConnected)
	}
}

func TestRecordBytesTransfer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBytesSent("handshake", 1000)
	m.RecordBytesSent("handshake", 500)
	m.RecordBytesSent("session", 100)

	m.RecordBytesReceived("handshake", 2000)
	m.RecordBytesReceived("session", 50)

	// Check bytes sent
	handshakeSent := testutil.ToFloat64(m.BytesSent.WithLabelValues("handshake"))
	if handshakeSent != 1500 {
		t.Errorf("BytesSent[handshake] = %v, want 1500", handshakeSent)
	}

	sessionSent := testutil.ToFloat64(m.BytesSent.WithLabelValues("session"))
	if sessionSent != 100 {
		t.Errorf("BytesSent[session] = %v, want 100", sessionSent)
	}

	// Check bytes received
	handshakeRecv := testutil.ToFloat64(m.BytesReceived.WithLabelValues("handshake"))
	if handshakeRecv != 2000 {
		t.Errorf("BytesReceived[handshake] = %v, want 2000", handshakeRecv)
	}
}

func TestRecordHandshake(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHandshake(0.5)
	m.RecordHandshake(0.3)
	m.RecordHandshakeError("timeout")
	m.RecordHandshakeError("version_mismatch")
	m.RecordHandshakeError("timeout")

	timeoutErrors := testutil.ToFloat64(m.HandshakeErrors.WithLabelValues("timeout"))
	if timeoutErrors != 2 {
		t.Errorf("HandshakeErrors[timeout] = %v, want 2", timeoutErrors)
	}

	versionErrors := testutil.ToFloat64(m.HandshakeErrors.WithLabelValues("version_mismatch"))
	if versionErrors != 1 {
		t.Errorf("HandshakeErrors[version_mismatch] = %v, want 1", versionErrors)
	}
}

func TestRecordKeepalive(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordKeepaliveSent()
	m.RecordKeepaliveSent()
	m.RecordKeepaliveRecv(0.01)
	m.RecordKeepaliveRecv(0.02)

	sent := testutil.ToFloat64(m.KeepalivesSent)
	if sent != 2 {
		t.Errorf("KeepalivesSent = %v, want 2", sent)
	}

	recv := testutil.ToFloat64(m.KeepalivesRecv)
	if recv != 2 {
		t.Errorf("KeepalivesRecv = %v, want 2", recv)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return same instance")
	}

	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
