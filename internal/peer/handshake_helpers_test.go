package peer

import (
	"github.com/postalsys/mtproto-core/internal/crypto"
	"github.com/postalsys/mtproto-core/internal/envelope"
	"github.com/postalsys/mtproto-core/internal/nonce"
	"github.com/postalsys/mtproto-core/internal/schema"
	"github.com/postalsys/mtproto-core/internal/wire"
)

// decodeReqPQMultiForTest unwraps a plain envelope and decodes its
// req_pq_multi#be7e8ef1 body, standing in for a real server's request
// parsing in handshake tests.
func decodeReqPQMultiForTest(envelopeBytes []byte) (nonce.Nonce128, int64, error) {
	msgID, body, err := envelope.UnwrapPlain(envelopeBytes)
	if err != nil {
		return nonce.Nonce128{}, 0, err
	}
	r := wire.NewReader(body)
	if err := r.Constructor(schema.FnReqPQMulti); err != nil {
		return nonce.Nonce128{}, 0, err
	}
	n, err := r.Int128()
	if err != nil {
		return nonce.Nonce128{}, 0, err
	}
	return nonce.Nonce128(n), msgID, nil
}

// encodeResPQForTest writes a resPQ#05162463 body by hand, standing in
// for a real server's response encoding in handshake tests.
func encodeResPQForTest(r schema.ResPQ) []byte {
	w := wire.NewWriter()
	w.PutConstructor(0x05162463)
	w.PutInt128(r.Nonce)
	w.PutInt128(r.ServerNonce)
	w.PutBytes(r.PQ)
	w.PutVector(len(r.ServerPublicKeyFingerprints), func(i int) {
		w.PutUint64(r.ServerPublicKeyFingerprints[i])
	})
	return w.Bytes()
}

// wrapPlainForTest mirrors envelope.WrapPlain for server-side test
// fixtures.
func wrapPlainForTest(msgID int64, body []byte) []byte {
	return envelope.WrapPlain(msgID, body)
}

// shaForTest exposes crypto.SHA1 under a test-local name to keep
// handshake_test.go's intent readable at call sites.
func shaForTest(data []byte) [20]byte {
	return crypto.SHA1(data)
}

// mustMismatchedNonce returns the literal mismatched-nonce fixture
// used by the nonce-mismatch scenario: a client nonce of
// 0x0123...CDEF would be echoed back by a misbehaving server as
// 0x0123...CDE0.
func mustMismatchedNonce() nonce.Nonce128 {
	var n nonce.Nonce128
	hexDigits := []byte{
		0x01, 0x23, 0x45, 0x67, 0x89, 0xAB, 0xCD, 0xEF,
		0x01, 0x23, 0x45, 0x67, 0x89, 0xAB, 0xCD, 0xE0,
	}
	copy(n[:], hexDigits)
	return n
}
