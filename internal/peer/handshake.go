package peer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/postalsys/mtproto-core/internal/crypto"
	"github.com/postalsys/mtproto-core/internal/nonce"
	"github.com/postalsys/mtproto-core/internal/schema"
	"github.com/postalsys/mtproto-core/internal/session"
	"github.com/postalsys/mtproto-core/internal/transport"
)

// HandshakeState is the authorization state machine's current step.
// Only forward transitions are valid; any nonce mismatch or signature
// failure moves directly to Failed.
type HandshakeState int32

const (
	Init HandshakeState = iota
	AwaitingResPQ
	AwaitingDhParams
	AwaitingDhGenResult
	Established
	Failed
)

func (s HandshakeState) String() string {
	switch s {
	case Init:
		return "Init"
	case AwaitingResPQ:
		return "AwaitingResPQ"
	case AwaitingDhParams:
		return "AwaitingDhParams"
	case AwaitingDhGenResult:
		return "AwaitingDhGenResult"
	case Established:
		return "Established"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

var (
	// ErrNonceMismatch is returned when a response's client nonce does
	// not equal the one this side sent.
	ErrNonceMismatch = errors.New("peer: nonce mismatch")
	// ErrServerNonceMismatch is returned when a response's server nonce
	// does not equal the one bound at step 1.
	ErrServerNonceMismatch = errors.New("peer: server nonce mismatch")
	// ErrDHInnerHashMismatch is returned when the decrypted server DH
	// inner data's leading SHA-1 does not match its own content.
	ErrDHInnerHashMismatch = errors.New("peer: server dh inner data hash mismatch")
	// ErrGAOutOfRange is returned when the server's g_a is not in the
	// safe Diffie-Hellman range (1, dh_prime-1).
	ErrGAOutOfRange = errors.New("peer: g_a out of safe range")
	// ErrGBOutOfRange is returned when the freshly computed g_b is not
	// in the safe Diffie-Hellman range (1, dh_prime-1).
	ErrGBOutOfRange = errors.New("peer: g_b out of safe range")
	// ErrDHGenFail is returned when the server responds with
	// dh_gen_fail.
	ErrDHGenFail = errors.New("peer: server reported dh_gen_fail")
	// ErrDHGenHashMismatch is returned when a dh_gen_ok/retry response's
	// new_nonce_hash does not match the locally recomputed value.
	ErrDHGenHashMismatch = errors.New("peer: dh_gen response hash mismatch")
	// ErrTooManyRetries is returned when the server keeps responding
	// dh_gen_retry past the configured retry budget.
	ErrTooManyRetries = errors.New("peer: too many dh_gen_retry responses")
)

// maxDHGenRetries bounds how many times Step 3 is repeated with a fresh
// client exponent before the handshake gives up.
const maxDHGenRetries = 5

// HandshakeResult contains the outcome of a successful handshake. The
// auth key and salt it reports have already been installed into the
// Connection's session.State; callers read them from here only for
// logging/diagnostics.
type HandshakeResult struct {
	AuthKeyID int64
	Salt      int64
	RTT       time.Duration
	// SealedSession holds the session snapshot sealed through the
	// Handshaker's configured Sealer, or nil if none was configured.
	// Persist this to resume the session later via LoadSealedSession
	// instead of repeating the DH handshake.
	SealedSession []byte
}

// Handshaker drives the three-step DH authorization handshake against
// a freshly dialed Connection.
type Handshaker struct {
	timeout time.Duration
	sealer  *Sealer
}

// NewHandshaker creates a new handshaker with the given overall
// handshake timeout.
func NewHandshaker(timeout time.Duration) *Handshaker {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Handshaker{timeout: timeout}
}

// WithSealer configures a Sealer that seals the derived auth key (and
// the rest of the session snapshot) at the end of a successful
// handshake, so the result carries a SealedSession ready to persist.
func (h *Handshaker) WithSealer(s *Sealer) *Handshaker {
	h.sealer = s
	return h
}

// DialAndHandshake dials addr over tr, opens the connection's single
// stream, and runs the authorization handshake.
func (h *Handshaker) DialAndHandshake(ctx context.Context, tr transport.Transport, addr string, dialOpts transport.DialOptions, cfg ConnectionConfig) (*Connection, *HandshakeResult, error) {
	peerConn, err := tr.Dial(ctx, addr, dialOpts)
	if err != nil {
		return nil, nil, fmt.Errorf("peer: dial: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	conn, err := NewConnection(ctx, peerConn, cfg)
	if err != nil {
		peerConn.Close()
		return nil, nil, err
	}

	result, err := h.perform(ctx, conn)
	if err != nil {
		conn.SetState(StateDisconnected)
		conn.Close()
		return nil, nil, err
	}
	conn.SetState(StateConnected)
	return conn, result, nil
}

// perform runs the three handshake steps over an already-open
// connection.
func (h *Handshaker) perform(ctx context.Context, conn *Connection) (*HandshakeResult, error) {
	start := time.Now()

	clientNonce, resPQ, err := h.step1(ctx, conn)
	if err != nil {
		if conn.metrics != nil {
			conn.metrics.RecordHandshakeError("step1")
		}
		return nil, fmt.Errorf("peer: handshake step1 (%s): %w", AwaitingResPQ, err)
	}

	newNonce, serverDH, err := h.step2(ctx, conn, clientNonce, resPQ)
	if err != nil {
		if conn.metrics != nil {
			conn.metrics.RecordHandshakeError("step2")
		}
		return nil, fmt.Errorf("peer: handshake step2 (%s): %w", AwaitingDhParams, err)
	}

	authKey, salt, err := h.step3(ctx, conn, clientNonce, resPQ.ServerNonce, newNonce, serverDH)
	if err != nil {
		if conn.metrics != nil {
			conn.metrics.RecordHandshakeError("step3")
		}
		return nil, fmt.Errorf("peer: handshake step3 (%s): %w", AwaitingDhGenResult, err)
	}

	conn.session.SetAuthKey(authKey)
	conn.session.SetSalt(salt)

	if conn.metrics != nil {
		conn.metrics.RecordHandshake(time.Since(start).Seconds())
	}

	var sealedSession []byte
	if h.sealer != nil {
		sealedSession, err = h.sealer.Seal(conn.session.Snapshot())
		if err != nil {
			return nil, fmt.Errorf("peer: seal session at end of handshake: %w", err)
		}
	}

	return &HandshakeResult{
		AuthKeyID:     int64(authKeyID(authKey)),
		Salt:          salt,
		RTT:           time.Since(start),
		SealedSession: sealedSession,
	}, nil
}

// step1 runs req_pq_multi / resPQ, validating the echoed client nonce.
func (h *Handshaker) step1(ctx context.Context, conn *Connection) (nonce.Nonce128, schema.ResPQ, error) {
	clientNonce, err := nonce.New128()
	if err != nil {
		return nonce.Nonce128{}, schema.ResPQ{}, fmt.Errorf("generate client nonce: %w", err)
	}

	respBody, err := conn.RequestPlain(ctx, schema.EncodeReqPQMulti(clientNonce))
	if err != nil {
		return nonce.Nonce128{}, schema.ResPQ{}, err
	}

	resPQ, err := schema.DecodeResPQ(respBody)
	if err != nil {
		return nonce.Nonce128{}, schema.ResPQ{}, fmt.Errorf("decode resPQ: %w", err)
	}

	if clientNonce != resPQ.Nonce {
		return nonce.Nonce128{}, schema.ResPQ{}, fmt.Errorf("%w: expected %x, found %x", ErrNonceMismatch, clientNonce, resPQ.Nonce)
	}
	return clientNonce, resPQ, nil
}

// step2 runs req_DH_params / server_DH_params, decrypting and
// validating the server's DH inner data.
func (h *Handshaker) step2(ctx context.Context, conn *Connection, clientNonce nonce.Nonce128, resPQ schema.ResPQ) (nonce.Nonce256, schema.ServerDHInnerData, error) {
	var zero256 nonce.Nonce256
	var zeroInner schema.ServerDHInnerData

	pqInt := new(big.Int).SetBytes(resPQ.PQ)
	if !pqInt.IsUint64() {
		return zero256, zeroInner, fmt.Errorf("peer: pq does not fit in 64 bits")
	}
	p, q, err := crypto.PQDecompose(pqInt.Uint64())
	if err != nil {
		return zero256, zeroInner, fmt.Errorf("decompose pq: %w", err)
	}
	pBytes := uint32ToBytes(p)
	qBytes := uint32ToBytes(q)

	newNonce, err := nonce.New256()
	if err != nil {
		return zero256, zeroInner, fmt.Errorf("generate new nonce: %w", err)
	}

	inner := schema.PQInnerData{
		PQ:          resPQ.PQ,
		P:           pBytes,
		Q:           qBytes,
		Nonce:       clientNonce,
		ServerNonce: resPQ.ServerNonce,
		NewNonce:    newNonce,
	}

	key, err := crypto.FindFingerprint(resPQ.ServerPublicKeyFingerprints)
	if err != nil {
		return zero256, zeroInner, err
	}
	fingerprint, err := crypto.RSAFingerprint(key)
	if err != nil {
		return zero256, zeroInner, fmt.Errorf("fingerprint selected key: %w", err)
	}

	encrypted, err := crypto.RSAEncrypt(key, inner.Encode(), rand.Reader)
	if err != nil {
		return zero256, zeroInner, fmt.Errorf("rsa-encrypt p_q_inner_data: %w", err)
	}

	req := schema.ReqDHParams{
		Nonce:                clientNonce,
		ServerNonce:          resPQ.ServerNonce,
		P:                    pBytes,
		Q:                    qBytes,
		PublicKeyFingerprint: fingerprint,
		EncryptedData:        encrypted,
	}

	respBody, err := conn.RequestPlain(ctx, req.Encode())
	if err != nil {
		return zero256, zeroInner, err
	}

	serverDHParams, err := schema.DecodeServerDHParams(respBody)
	if err != nil {
		return zero256, zeroInner, fmt.Errorf("decode server_DH_params: %w", err)
	}
	if clientNonce != serverDHParams.Nonce {
		return zero256, zeroInner, fmt.Errorf("%w: expected %x, found %x", ErrNonceMismatch, clientNonce, serverDHParams.Nonce)
	}
	if resPQ.ServerNonce != serverDHParams.ServerNonce {
		return zero256, zeroInner, fmt.Errorf("%w: expected %x, found %x", ErrServerNonceMismatch, resPQ.ServerNonce, serverDHParams.ServerNonce)
	}
	if !serverDHParams.OK {
		return zero256, zeroInner, fmt.Errorf("peer: server returned server_DH_params_fail")
	}

	tmpKey, tmpIV := tmpAESKeyIV(newNonce, resPQ.ServerNonce)
	answer, err := crypto.AESIGEDecrypt(tmpKey, tmpIV, serverDHParams.EncryptedAnswer)
	if err != nil {
		return zero256, zeroInner, fmt.Errorf("decrypt server dh inner data: %w", err)
	}
	if len(answer) < 20 {
		return zero256, zeroInner, fmt.Errorf("%w: answer shorter than sha1 prefix", ErrDHInnerHashMismatch)
	}

	innerData, consumed, err := schema.DecodeServerDHInnerDataN(answer[20:])
	if err != nil {
		return zero256, zeroInner, fmt.Errorf("decode server_DH_inner_data: %w", err)
	}
	gotHash := crypto.SHA1(answer[20 : 20+consumed])
	if gotHash != [20]byte(answer[0:20]) {
		return zero256, zeroInner, ErrDHInnerHashMismatch
	}
	if clientNonce != innerData.Nonce {
		return zero256, zeroInner, fmt.Errorf("%w: expected %x, found %x", ErrNonceMismatch, clientNonce, innerData.Nonce)
	}
	if resPQ.ServerNonce != innerData.ServerNonce {
		return zero256, zeroInner, fmt.Errorf("%w: expected %x, found %x", ErrServerNonceMismatch, resPQ.ServerNonce, innerData.ServerNonce)
	}

	return newNonce, innerData, nil
}

// step3 runs set_client_DH_params / dh_gen_*, retrying with a fresh
// client exponent on dh_gen_retry up to maxDHGenRetries times.
func (h *Handshaker) step3(ctx context.Context, conn *Connection, clientNonce nonce.Nonce128, serverNonce nonce.Nonce128, newNonce nonce.Nonce256, serverDH schema.ServerDHInnerData) ([session.AuthKeySize]byte, int64, error) {
	dhPrime := new(big.Int).SetBytes(serverDH.DHPrime)
	g := big.NewInt(int64(serverDH.G))
	gA := new(big.Int).SetBytes(serverDH.GA)

	one := big.NewInt(1)
	upperBound := new(big.Int).Sub(dhPrime, one)
	if gA.Cmp(one) <= 0 || gA.Cmp(upperBound) >= 0 {
		return [session.AuthKeySize]byte{}, 0, ErrGAOutOfRange
	}

	tmpKey, tmpIV := tmpAESKeyIV(newNonce, serverNonce)

	var authKeyBytes [session.AuthKeySize]byte
	var retryID uint64

	for attempt := 0; ; attempt++ {
		if attempt > maxDHGenRetries {
			return authKeyBytes, 0, ErrTooManyRetries
		}

		b, err := rand.Int(rand.Reader, dhPrime)
		if err != nil {
			return authKeyBytes, 0, fmt.Errorf("generate client dh exponent: %w", err)
		}

		gB := new(big.Int).Exp(g, b, dhPrime)
		if gB.Cmp(one) <= 0 || gB.Cmp(upperBound) >= 0 {
			return authKeyBytes, 0, ErrGBOutOfRange
		}

		authKey := new(big.Int).Exp(gA, b, dhPrime)
		authKeyBytes = bigIntToAuthKey(authKey)

		clientInner := schema.ClientDHInnerData{
			Nonce:       clientNonce,
			ServerNonce: serverNonce,
			Retry:       retryID,
			GB:          gB.Bytes(),
		}
		plain := clientInner.Encode()
		hash := crypto.SHA1(plain)
		payload := append(append([]byte{}, hash[:]...), plain...)
		padded, err := padTo16WithRandom(payload)
		if err != nil {
			return authKeyBytes, 0, err
		}
		encrypted, err := crypto.AESIGEEncrypt(tmpKey, tmpIV, padded)
		if err != nil {
			return authKeyBytes, 0, fmt.Errorf("encrypt client dh inner data: %w", err)
		}

		req := schema.SetClientDHParams{
			Nonce:         clientNonce,
			ServerNonce:   serverNonce,
			EncryptedData: encrypted,
		}
		respBody, err := conn.RequestPlain(ctx, req.Encode())
		if err != nil {
			return authKeyBytes, 0, err
		}

		result, err := schema.DecodeDHGenResult(respBody)
		if err != nil {
			return authKeyBytes, 0, fmt.Errorf("decode dh_gen result: %w", err)
		}
		if clientNonce != result.Nonce {
			return authKeyBytes, 0, fmt.Errorf("%w: expected %x, found %x", ErrNonceMismatch, clientNonce, result.Nonce)
		}
		if serverNonce != result.ServerNonce {
			return authKeyBytes, 0, fmt.Errorf("%w: expected %x, found %x", ErrServerNonceMismatch, serverNonce, result.ServerNonce)
		}

		switch result.Outcome {
		case schema.DHGenFail:
			return authKeyBytes, 0, ErrDHGenFail
		case schema.DHGenRetry:
			if !verifyDHGenHash(newNonce, 2, authKeyBytes, result.NewNonceHash) {
				return authKeyBytes, 0, ErrDHGenHashMismatch
			}
			retryID++
			continue
		case schema.DHGenOK:
			if !verifyDHGenHash(newNonce, 1, authKeyBytes, result.NewNonceHash) {
				return authKeyBytes, 0, ErrDHGenHashMismatch
			}
			salt := saltFromNonces(newNonce, serverNonce)
			return authKeyBytes, salt, nil
		default:
			return authKeyBytes, 0, fmt.Errorf("peer: unknown dh_gen outcome %d", result.Outcome)
		}
	}
}

func uint32ToBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// tmpAESKeyIV derives the AES-IGE key/iv MTProto uses to encrypt and
// decrypt the DH inner-data blocks in steps 2 and 3, from new_nonce and
// server_nonce.
func tmpAESKeyIV(newNonce nonce.Nonce256, serverNonce nonce.Nonce128) (key, iv []byte) {
	nn := newNonce[:]
	sn := serverNonce[:]

	h1 := crypto.SHA1(concatBytes(nn, sn))
	h2 := crypto.SHA1(concatBytes(sn, nn))
	h3 := crypto.SHA1(concatBytes(nn, nn))

	key = concatBytes(h1[:], h2[0:12])
	iv = concatBytes(h2[12:20], h3[:], nn[0:4])
	return key, iv
}

// verifyDHGenHash recomputes new_nonce_hash{1,2,3} for marker in
// {1,2,3} and compares it against got.
func verifyDHGenHash(newNonce nonce.Nonce256, marker byte, authKey [session.AuthKeySize]byte, got [16]byte) bool {
	authKeyAuxHash := crypto.SHA1(authKey[:])
	buf := concatBytes(newNonce[:], []byte{marker}, authKeyAuxHash[0:8])
	sum := crypto.SHA1(buf)
	var want [16]byte
	copy(want[:], sum[4:20])
	return want == got
}

// saltFromNonces derives the initial session salt as the first 8 bytes
// of new_nonce XORed with the first 8 bytes of server_nonce,
// interpreted as a little-endian int64.
func saltFromNonces(newNonce nonce.Nonce256, serverNonce nonce.Nonce128) int64 {
	xored := nonce.XOR256(newNonce, serverNonce)
	return int64(binary.LittleEndian.Uint64(xored[0:8]))
}

func bigIntToAuthKey(v *big.Int) [session.AuthKeySize]byte {
	var out [session.AuthKeySize]byte
	b := v.Bytes()
	copy(out[len(out)-len(b):], b)
	return out
}

func padTo16WithRandom(data []byte) ([]byte, error) {
	total := len(data)
	if rem := total % 16; rem != 0 {
		total += 16 - rem
	}
	out := make([]byte, total)
	copy(out, data)
	if total > len(data) {
		if _, err := rand.Read(out[len(data):]); err != nil {
			return nil, fmt.Errorf("fill dh inner padding: %w", err)
		}
	}
	return out, nil
}

func concatBytes(parts ...[]byte) []byte {
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

func authKeyID(authKey [session.AuthKeySize]byte) uint64 {
	sum := crypto.SHA1(authKey[:])
	return binary.LittleEndian.Uint64(sum[12:20])
}
