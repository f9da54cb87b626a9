package peer

import (
	"net"
	"testing"

	"github.com/postalsys/mtproto-core/internal/crypto"
)

func TestControlChannel_SendReceiveRevoke(t *testing.T) {
	operatorConn, clientConn := net.Pipe()
	defer operatorConn.Close()
	defer clientConn.Close()

	kp, err := crypto.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}
	revoke := SignRevokeCommand(kp.PrivateKey, 0x1234, 1700000000)

	type result struct {
		got RevokeCommand
		err error
	}
	done := make(chan result, 1)
	go func() {
		ch, err := AcceptControlChannel(clientConn, 0x1234)
		if err != nil {
			done <- result{err: err}
			return
		}
		defer ch.Close()
		got, err := ch.ReceiveRevoke()
		done <- result{got: got, err: err}
	}()

	ch, err := DialControlChannel(operatorConn, 0x1234)
	if err != nil {
		t.Fatalf("DialControlChannel() error = %v", err)
	}
	defer ch.Close()
	if err := ch.SendRevoke(revoke); err != nil {
		t.Fatalf("SendRevoke() error = %v", err)
	}

	r := <-done
	if r.err != nil {
		t.Fatalf("ReceiveRevoke() error = %v", r.err)
	}
	if r.got != revoke {
		t.Fatalf("received command = %+v, want %+v", r.got, revoke)
	}
	if !r.got.Verify(kp.PublicKey) {
		t.Fatal("Verify() = false for a command delivered over ControlChannel")
	}
}

func TestControlChannel_MismatchedStreamIDFailsDecrypt(t *testing.T) {
	operatorConn, clientConn := net.Pipe()
	defer operatorConn.Close()
	defer clientConn.Close()

	kp, err := crypto.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}
	revoke := SignRevokeCommand(kp.PrivateKey, 1, 1700000000)

	done := make(chan error, 1)
	go func() {
		ch, err := AcceptControlChannel(clientConn, 0xAAAA)
		if err != nil {
			done <- err
			return
		}
		defer ch.Close()
		_, err = ch.ReceiveRevoke()
		done <- err
	}()

	ch, err := DialControlChannel(operatorConn, 0xBBBB)
	if err != nil {
		t.Fatalf("DialControlChannel() error = %v", err)
	}
	defer ch.Close()
	if err := ch.SendRevoke(revoke); err != nil {
		t.Fatalf("SendRevoke() error = %v", err)
	}

	if err := <-done; err == nil {
		t.Fatal("ReceiveRevoke() expected an error when the two sides derive keys under different stream ids")
	}
}
