// Package schema hand-encodes the small subset of MTProto's TL schema
// needed to drive the three-step key exchange: req_pq_multi /
// resPQ, req_DH_params / server_DH_params, and set_client_DH_params /
// dh_gen_*. It builds directly on internal/wire rather than a
// generated schema compiler.
package schema

import (
	"errors"
	"fmt"

	"github.com/postalsys/mtproto-core/internal/wire"
)

// Constructor ids for the handshake schema, taken from the published
// MTProto TL layer.
const (
	ctorResPQ              uint32 = 0x05162463
	ctorPQInnerData        uint32 = 0x83c95aec
	ctorServerDHParamsFail uint32 = 0x79cb045d
	ctorServerDHParamsOk   uint32 = 0xd0e8075c
	ctorServerDHInnerData  uint32 = 0xb5890dba
	ctorClientDHInnerData  uint32 = 0x6643b654
	ctorDHGenOk            uint32 = 0x3bcbf734
	ctorDHGenRetry         uint32 = 0x46dc1fb9
	ctorDHGenFail          uint32 = 0xa69dae02

	// FnReqPQMulti is the method id for req_pq_multi.
	FnReqPQMulti uint32 = 0xbe7e8ef1
	// FnReqDHParams is the method id for req_DH_params.
	FnReqDHParams uint32 = 0xd712e4be
	// FnSetClientDHParams is the method id for set_client_DH_params.
	FnSetClientDHParams uint32 = 0xf5045f1f
)

// ErrUnknownConstructor is returned when a boxed value's constructor id
// does not match any type this package knows how to decode.
var ErrUnknownConstructor = errors.New("schema: unknown constructor id")

// ResPQ is the server's response to req_pq_multi.
type ResPQ struct {
	Nonce                       [16]byte
	ServerNonce                 [16]byte
	PQ                          []byte
	ServerPublicKeyFingerprints []uint64
}

// EncodeReqPQMulti writes a req_pq_multi#be7e8ef1 request body.
func EncodeReqPQMulti(nonce [16]byte) []byte {
	w := wire.NewWriter()
	w.PutConstructor(FnReqPQMulti)
	w.PutInt128(nonce)
	return w.Bytes()
}

// DecodeResPQ decodes a resPQ#05162463 response.
func DecodeResPQ(data []byte) (ResPQ, error) {
	var out ResPQ
	r := wire.NewReader(data)
	if err := r.Constructor(ctorResPQ); err != nil {
		return out, err
	}
	var err error
	if out.Nonce, err = r.Int128(); err != nil {
		return out, err
	}
	if out.ServerNonce, err = r.Int128(); err != nil {
		return out, err
	}
	if out.PQ, err = r.Bytes(); err != nil {
		return out, err
	}
	count, err := r.VectorHeader()
	if err != nil {
		return out, err
	}
	out.ServerPublicKeyFingerprints = make([]uint64, count)
	for i := 0; i < count; i++ {
		if out.ServerPublicKeyFingerprints[i], err = r.Uint64(); err != nil {
			return out, err
		}
	}
	return out, nil
}

// PQInnerData is p_q_inner_data#83c95aec, RSA-encrypted and sent inside
// req_DH_params.
type PQInnerData struct {
	PQ          []byte
	P           []byte
	Q           []byte
	Nonce       [16]byte
	ServerNonce [16]byte
	NewNonce    [32]byte
}

// Encode writes the p_q_inner_data#83c95aec body.
func (d PQInnerData) Encode() []byte {
	w := wire.NewWriter()
	w.PutConstructor(ctorPQInnerData)
	w.PutBytes(d.PQ)
	w.PutBytes(d.P)
	w.PutBytes(d.Q)
	w.PutInt128(d.Nonce)
	w.PutInt128(d.ServerNonce)
	w.PutInt256(d.NewNonce)
	return w.Bytes()
}

// ReqDHParams is req_DH_params#d712e4be.
type ReqDHParams struct {
	Nonce                [16]byte
	ServerNonce          [16]byte
	P                    []byte
	Q                    []byte
	PublicKeyFingerprint uint64
	EncryptedData        []byte
}

// Encode writes the req_DH_params#d712e4be body.
func (r ReqDHParams) Encode() []byte {
	w := wire.NewWriter()
	w.PutConstructor(FnReqDHParams)
	w.PutInt128(r.Nonce)
	w.PutInt128(r.ServerNonce)
	w.PutBytes(r.P)
	w.PutBytes(r.Q)
	w.PutUint64(r.PublicKeyFingerprint)
	w.PutBytes(r.EncryptedData)
	return w.Bytes()
}

// ServerDHParams is the decoded server_DH_params_ok#d0e8075c response
// (server_DH_params_fail#79cb045d decodes to ok=false with only the
// nonces and NewNonceHash1 populated).
type ServerDHParams struct {
	OK              bool
	Nonce           [16]byte
	ServerNonce     [16]byte
	NewNonceHash1   [16]byte // only set when OK is false
	EncryptedAnswer []byte   // only set when OK is true
}

// DecodeServerDHParams decodes either server_DH_params_ok or
// server_DH_params_fail.
func DecodeServerDHParams(data []byte) (ServerDHParams, error) {
	var out ServerDHParams
	r := wire.NewReader(data)
	ctor, err := r.PeekConstructor()
	if err != nil {
		return out, err
	}

	switch ctor {
	case ctorServerDHParamsOk:
		if err := r.Constructor(ctorServerDHParamsOk); err != nil {
			return out, err
		}
		out.OK = true
		if out.Nonce, err = r.Int128(); err != nil {
			return out, err
		}
		if out.ServerNonce, err = r.Int128(); err != nil {
			return out, err
		}
		if out.EncryptedAnswer, err = r.Bytes(); err != nil {
			return out, err
		}
		return out, nil
	case ctorServerDHParamsFail:
		if err := r.Constructor(ctorServerDHParamsFail); err != nil {
			return out, err
		}
		out.OK = false
		if out.Nonce, err = r.Int128(); err != nil {
			return out, err
		}
		if out.ServerNonce, err = r.Int128(); err != nil {
			return out, err
		}
		if out.NewNonceHash1, err = r.Int128(); err != nil {
			return out, err
		}
		return out, nil
	default:
		return out, fmt.Errorf("%w: %#x", ErrUnknownConstructor, ctor)
	}
}

// ServerDHInnerData is server_DH_inner_data#b5890dba, decrypted from
// ServerDHParams.EncryptedAnswer.
type ServerDHInnerData struct {
	Nonce       [16]byte
	ServerNonce [16]byte
	G           int32
	DHPrime     []byte
	GA          []byte
	ServerTime  int32
}

// DecodeServerDHInnerData decodes a server_DH_inner_data#b5890dba body.
func DecodeServerDHInnerData(data []byte) (ServerDHInnerData, error) {
	out, _, err := DecodeServerDHInnerDataN(data)
	return out, err
}

// DecodeServerDHInnerDataN decodes a server_DH_inner_data#b5890dba body
// and also reports how many leading bytes of data it consumed, so a
// caller validating the surrounding SHA-1 integrity prefix can re-hash
// exactly that span.
func DecodeServerDHInnerDataN(data []byte) (ServerDHInnerData, int, error) {
	var out ServerDHInnerData
	r := wire.NewReader(data)
	if err := r.Constructor(ctorServerDHInnerData); err != nil {
		return out, 0, err
	}
	var err error
	if out.Nonce, err = r.Int128(); err != nil {
		return out, 0, err
	}
	if out.ServerNonce, err = r.Int128(); err != nil {
		return out, 0, err
	}
	if out.G, err = r.Int32(); err != nil {
		return out, 0, err
	}
	if out.DHPrime, err = r.Bytes(); err != nil {
		return out, 0, err
	}
	if out.GA, err = r.Bytes(); err != nil {
		return out, 0, err
	}
	if out.ServerTime, err = r.Int32(); err != nil {
		return out, 0, err
	}
	return out, r.Pos(), nil
}

// ClientDHInnerData is client_DH_inner_data#6643b654, AES-IGE
// encrypted and sent inside set_client_DH_params.
type ClientDHInnerData struct {
	Nonce       [16]byte
	ServerNonce [16]byte
	Retry       uint64
	GB          []byte
}

// Encode writes the client_DH_inner_data#6643b654 body.
func (d ClientDHInnerData) Encode() []byte {
	w := wire.NewWriter()
	w.PutConstructor(ctorClientDHInnerData)
	w.PutInt128(d.Nonce)
	w.PutInt128(d.ServerNonce)
	w.PutUint64(d.Retry)
	w.PutBytes(d.GB)
	return w.Bytes()
}

// SetClientDHParams is set_client_DH_params#f5045f1f.
type SetClientDHParams struct {
	Nonce         [16]byte
	ServerNonce   [16]byte
	EncryptedData []byte
}

// Encode writes the set_client_DH_params#f5045f1f body.
func (s SetClientDHParams) Encode() []byte {
	w := wire.NewWriter()
	w.PutConstructor(FnSetClientDHParams)
	w.PutInt128(s.Nonce)
	w.PutInt128(s.ServerNonce)
	w.PutBytes(s.EncryptedData)
	return w.Bytes()
}

// DHGenResult is the decoded dh_gen_ok/dh_gen_retry/dh_gen_fail response
// to set_client_DH_params.
type DHGenResult struct {
	Outcome      DHGenOutcome
	Nonce        [16]byte
	ServerNonce  [16]byte
	NewNonceHash [16]byte
}

// DHGenOutcome distinguishes the three possible dh_gen_* responses.
type DHGenOutcome int

const (
	DHGenOK DHGenOutcome = iota
	DHGenRetry
	DHGenFail
)

// DecodeDHGenResult decodes a dh_gen_ok#3bcbf734, dh_gen_retry#46dc1fb9,
// or dh_gen_fail#a69dae02 response. The field carrying the hash is named
// new_nonce_hash1/2/3 depending on Outcome in the published schema; this
// package exposes it uniformly as NewNonceHash since the caller already
// knows which variant to expect from Outcome.
func DecodeDHGenResult(data []byte) (DHGenResult, error) {
	var out DHGenResult
	r := wire.NewReader(data)
	ctor, err := r.PeekConstructor()
	if err != nil {
		return out, err
	}

	switch ctor {
	case ctorDHGenOk:
		out.Outcome = DHGenOK
	case ctorDHGenRetry:
		out.Outcome = DHGenRetry
	case ctorDHGenFail:
		out.Outcome = DHGenFail
	default:
		return out, fmt.Errorf("%w: %#x", ErrUnknownConstructor, ctor)
	}
	if err := r.Constructor(ctor); err != nil {
		return out, err
	}

	if out.Nonce, err = r.Int128(); err != nil {
		return out, err
	}
	if out.ServerNonce, err = r.Int128(); err != nil {
		return out, err
	}
	if out.NewNonceHash, err = r.Int128(); err != nil {
		return out, err
	}
	return out, nil
}
