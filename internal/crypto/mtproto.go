package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// Sentinel errors for the MTProto-specific primitives. These are
// separate from the session-key errors in crypto.go/sealed.go, which
// predate this handshake layer and keep their own error values.
var (
	// ErrAESIGELength is returned when AES-IGE input is not a multiple
	// of the cipher block size.
	ErrAESIGELength = errors.New("crypto: aes-ige data length must be a multiple of 16")
	// ErrAESIGEIVLength is returned when the IGE iv is not 32 bytes.
	ErrAESIGEIVLength = errors.New("crypto: aes-ige iv must be 32 bytes")
	// ErrPQNotSemiprime is returned when pq cannot be factored into two
	// values that each fit in 32 bits.
	ErrPQNotSemiprime = errors.New("crypto: pq is not a 32-bit semiprime")
	// ErrRSADataTooLarge is returned when the plaintext handed to
	// RSAEncrypt cannot fit in a 255-byte MTProto block after the SHA-1
	// prefix.
	ErrRSADataTooLarge = errors.New("crypto: rsa plaintext too large for mtproto padding")
	// ErrNoKnownFingerprint is returned when none of the server's
	// advertised fingerprints match a known public key.
	ErrNoKnownFingerprint = errors.New("crypto: no known public key for advertised fingerprints")
)

// PublicKey is an RSA public key in the raw (n, e) form MTProto uses for
// its handshake encryption. It deliberately avoids crypto/rsa.PublicKey
// so callers cannot accidentally reach for OAEP/PKCS1 encryption, which
// MTProto does not use.
type PublicKey struct {
	N *big.Int
	E int
}

// derPublicKey mirrors the (modulus, exponent) pair so it can be
// DER-encoded for fingerprinting.
type derPublicKey struct {
	N *big.Int
	E int
}

// RSAFingerprint returns the low 64 bits of SHA-1 of the DER-encoded
// (n, e) pair, as a little-endian integer over the digest's last 8
// bytes.
func RSAFingerprint(pub PublicKey) (uint64, error) {
	der, err := asn1.Marshal(derPublicKey{N: pub.N, E: pub.E})
	if err != nil {
		return 0, fmt.Errorf("crypto: der-encode public key: %w", err)
	}
	sum := sha1.Sum(der)
	return binary.LittleEndian.Uint64(sum[12:20]), nil
}

// RSAEncrypt performs MTProto's raw RSA encryption: the plaintext is
// prefixed with its SHA-1 hash and padded with random bytes to a
// 255-byte block (the "old" variant, with no OAEP/PKCS1 padding), then
// raised to (e) mod n. The result is always 256 bytes, left-padded with
// zero bytes if necessary.
func RSAEncrypt(pub PublicKey, data []byte, rand io.Reader) ([]byte, error) {
	const blockSize = 255
	hash := sha1.Sum(data)
	if len(hash)+len(data) > blockSize {
		return nil, ErrRSADataTooLarge
	}

	block := make([]byte, blockSize)
	copy(block, hash[:])
	copy(block[len(hash):], data)
	if _, err := io.ReadFull(rand, block[len(hash)+len(data):]); err != nil {
		return nil, fmt.Errorf("crypto: fill rsa padding: %w", err)
	}

	m := new(big.Int).SetBytes(block)
	e := big.NewInt(int64(pub.E))
	c := new(big.Int).Exp(m, e, pub.N)

	out := make([]byte, 256)
	cBytes := c.Bytes()
	copy(out[256-len(cBytes):], cBytes)
	return out, nil
}

// PQDecompose factors a semiprime pq whose two factors each fit in 32
// bits, returning them as (min, max). It tries trial division by small
// primes first (pq from a live handshake is usually a product of two
// primes close in size, but cheap to rule out otherwise), then falls
// back to Pollard's rho.
func PQDecompose(pq uint64) (uint32, uint32, error) {
	if pq < 4 {
		return 0, 0, ErrPQNotSemiprime
	}

	n := new(big.Int).SetUint64(pq)

	if f := trialDivide(pq); f != 0 {
		other := pq / f
		return tieBreak(f, other)
	}

	factor := pollardRho(n)
	if factor == nil || factor.Sign() == 0 {
		return 0, 0, ErrPQNotSemiprime
	}
	other := new(big.Int).Div(n, factor)
	if !factor.IsUint64() || !other.IsUint64() {
		return 0, 0, ErrPQNotSemiprime
	}
	return tieBreak(factor.Uint64(), other.Uint64())
}

func tieBreak(a, b uint64) (uint32, uint32, error) {
	if a > 0xFFFFFFFF || b > 0xFFFFFFFF {
		return 0, 0, ErrPQNotSemiprime
	}
	if a > b {
		a, b = b, a
	}
	return uint32(a), uint32(b), nil
}

// trialDivide returns a small factor of pq found by trial division, or
// 0 if none of the odd candidates below 2^20 (and up to sqrt(pq))
// divide it.
func trialDivide(pq uint64) uint64 {
	if pq%2 == 0 {
		return 2
	}
	for d := uint64(3); d*d <= pq && d < 1<<20; d += 2 {
		if pq%d == 0 {
			return d
		}
	}
	return 0
}

// pollardRho returns a nontrivial factor of n using Pollard's rho
// algorithm with Floyd's tortoise-and-hare cycle detection, retrying
// with different pseudo-random sequences (c = 1..63) until one
// succeeds, or nil if none does.
func pollardRho(n *big.Int) *big.Int {
	if n.Bit(0) == 0 {
		return big.NewInt(2)
	}

	one := big.NewInt(1)
	for c := int64(1); c < 64; c++ {
		x := big.NewInt(2)
		y := big.NewInt(2)
		d := big.NewInt(1)
		cBig := big.NewInt(c)

		f := func(v *big.Int) *big.Int {
			r := new(big.Int).Mul(v, v)
			r.Add(r, cBig)
			r.Mod(r, n)
			return r
		}

		for d.Cmp(one) == 0 {
			x = f(x)
			y = f(f(y))
			diff := new(big.Int).Sub(x, y)
			diff.Abs(diff)
			if diff.Sign() == 0 {
				break
			}
			d = new(big.Int).GCD(nil, nil, diff, n)
		}
		if d.Cmp(one) != 0 && d.Cmp(n) != 0 {
			return d
		}
	}
	return nil
}

// SHA1 returns the SHA-1 digest of data.
func SHA1(data []byte) [20]byte { return sha1.Sum(data) }

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) [32]byte { return sha256.Sum256(data) }

// AESIGEEncrypt encrypts data in AES Infinite Garble Extension mode.
// data must be a multiple of the AES block size; iv must be 32 bytes
// (iv1 || iv2, each one block).
func AESIGEEncrypt(key, iv, data []byte) ([]byte, error) {
	return aesIGE(key, iv, data, true)
}

// AESIGEDecrypt decrypts data produced by AESIGEEncrypt.
func AESIGEDecrypt(key, iv, data []byte) ([]byte, error) {
	return aesIGE(key, iv, data, false)
}

func aesIGE(key, iv, data []byte, encrypt bool) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, ErrAESIGELength
	}
	if len(iv) != 2*aes.BlockSize {
		return nil, ErrAESIGEIVLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes-ige new cipher: %w", err)
	}

	prevCipher := make([]byte, aes.BlockSize)
	prevPlain := make([]byte, aes.BlockSize)
	copy(prevCipher, iv[:aes.BlockSize])
	copy(prevPlain, iv[aes.BlockSize:])

	out := make([]byte, len(data))
	tmp := make([]byte, aes.BlockSize)

	for offset := 0; offset < len(data); offset += aes.BlockSize {
		chunk := data[offset : offset+aes.BlockSize]

		if encrypt {
			xorBytes(tmp, chunk, prevCipher)
			block.Encrypt(tmp, tmp)
			xorBytes(tmp, tmp, prevPlain)
			copy(out[offset:offset+aes.BlockSize], tmp)
			copy(prevPlain, chunk)
			copy(prevCipher, tmp)
		} else {
			xorBytes(tmp, chunk, prevPlain)
			block.Decrypt(tmp, tmp)
			xorBytes(tmp, tmp, prevCipher)
			copy(out[offset:offset+aes.BlockSize], tmp)
			copy(prevCipher, chunk)
			copy(prevPlain, tmp)
		}
	}
	return out, nil
}

func xorBytes(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

// KnownServerKeys is the process-wide, read-only table of server RSA
// public keys this client trusts. It is permitted as shared state by
// the concurrency model: sessions never mutate it, they only read from
// it during handshake step 2.
var KnownServerKeys = []PublicKey{defaultServerKey}

// FindFingerprint returns the first known key matching one of the
// server-advertised fingerprints, or ErrNoKnownFingerprint if none
// match.
func FindFingerprint(advertised []uint64) (PublicKey, error) {
	for _, want := range advertised {
		for _, key := range KnownServerKeys {
			got, err := RSAFingerprint(key)
			if err != nil {
				continue
			}
			if got == want {
				return key, nil
			}
		}
	}
	return PublicKey{}, ErrNoKnownFingerprint
}

// defaultServerKey is a placeholder 2048-bit RSA public key in the
// shape the handshake expects. It is the only entry in
// KnownServerKeys; nothing in this module loads further keys from
// config or appends to the table. The entry exists so the table is
// never empty and FindFingerprint has deterministic behavior in tests.
var defaultServerKey = PublicKey{
	N: mustBigIntHex(
		"c335aa5f916f33f28375debd6e85d16c0c305877494d1df7c5b5018a685aca5" +
			"c5744c3e34d9b3fe76c2002e58fb7a9eb91835d62c5178a0d5d80aa1185dbd1" +
			"00b7dd680c3b6929bd4bb6c51d5d051d0dbeb341dac2587603baf3e25d2c495" +
			"1b2fbcc00e3c2bee49180083485c72a5de9f1b74a0ad2c9df2c15fe2a375039" +
			"ed85ff2451380f789c13ba08fe018a980e6d0570f603263abf34403bdf38922" +
			"97d140e383a77d1f2fdba145b8dd38d17db1cb96bd0a93f1077c2d674d65f0b" +
			"f681d49400bec37cd434500e1151e8481bbbe247bd659271a7547694fd10c2a" +
			"5476a49afcb95fc17a60a050f4319086276323976f8523cf2664ed3ea4bc94c" +
			"a6301193",
	),
	E: 65537,
}

func mustBigIntHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("crypto: invalid hex constant for default server key")
	}
	return n
}
