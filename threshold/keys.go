package threshold

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/group"
)

// PublicKey is an encoded ristretto255 point used as a verification key,
// either a single signer's key or a group public key.
type PublicKey struct {
	e group.Element
}

// ParsePublicKey decodes a 32-byte public key.
func ParsePublicKey(b []byte) (PublicKey, error) {
	e, err := decodeElement(b)
	if err != nil {
		return PublicKey{}, err
	}
	return PublicKey{e: e}, nil
}

// ParsePublicKeyHex decodes a hex-encoded public key.
func ParsePublicKeyHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("threshold: public key hex: %w", err)
	}
	return ParsePublicKey(b)
}

func (k PublicKey) IsZero() bool { return k.e == nil }

func (k PublicKey) Bytes() []byte {
	if k.e == nil {
		return nil
	}
	return encodeElement(k.e)
}

func (k PublicKey) Equal(o PublicKey) bool {
	if k.e == nil || o.e == nil {
		return k.e == nil && o.e == nil
	}
	return k.e.IsEqual(o.e)
}

func (k PublicKey) String() string { return hex.EncodeToString(k.Bytes()) }

// MarshalText encodes the key as lowercase hex.
func (k PublicKey) MarshalText() ([]byte, error) {
	if k.e == nil {
		return nil, errors.New("threshold: empty public key")
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a hex public key.
func (k *PublicKey) UnmarshalText(b []byte) error {
	pk, err := ParsePublicKeyHex(string(bytes.TrimSpace(b)))
	if err != nil {
		return err
	}
	*k = pk
	return nil
}

// PrivateKey is a single-signer Schnorr key.
type PrivateKey struct {
	s   group.Scalar
	pub PublicKey
}

// GenerateKey returns a fresh single-signer key.
func GenerateKey(rand io.Reader) (*PrivateKey, error) {
	s, err := randomScalar(rand, dstSecret)
	if err != nil {
		return nil, err
	}
	return newPrivateKey(s), nil
}

// ParsePrivateKey decodes a 32-byte scalar.
func ParsePrivateKey(b []byte) (*PrivateKey, error) {
	s, err := decodeScalar(b)
	if err != nil {
		return nil, err
	}
	if isZeroScalar(s) {
		return nil, errors.New("threshold: zero private key")
	}
	return newPrivateKey(s), nil
}

func newPrivateKey(s group.Scalar) *PrivateKey {
	return &PrivateKey{s: s, pub: PublicKey{e: suite.NewElement().MulGen(s)}}
}

func (k *PrivateKey) Public() PublicKey { return k.pub }

func (k *PrivateKey) Bytes() []byte { return encodeScalar(k.s) }

// Zeroize clears the secret scalar.
func (k *PrivateKey) Zeroize() { zeroize(k.s) }

// Sign produces a 64-byte Schnorr signature R || z over msg.
//
// The nonce is derived from fresh randomness hashed together with the secret
// key and the message, so a weak rand alone does not leak the key.
func (k *PrivateKey) Sign(rand io.Reader, msg []byte) ([]byte, error) {
	nonce, err := randomScalar(rand, dstNonce, encodeScalar(k.s), msg)
	if err != nil {
		return nil, err
	}
	defer zeroize(nonce)
	r := suite.NewElement().MulGen(nonce)
	c := challenge(r, k.pub.e, msg)
	z := suite.NewScalar().Add(nonce, suite.NewScalar().Mul(c, k.s))
	return append(encodeElement(r), encodeScalar(z)...), nil
}

// Verify checks a 64-byte signature R || z over msg: z*G == R + c*PK with
// c = H(R || PK || msg). Threshold aggregate signatures verify the same way
// against the group public key.
func Verify(pub PublicKey, msg, sig []byte) error {
	if pub.e == nil {
		return fmt.Errorf("%w: empty public key", ErrInvalidSignature)
	}
	if len(sig) != SignatureSize {
		return fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	r, err := decodeElement(sig[:ElementSize])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	z, err := decodeScalar(sig[ElementSize:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	c := challenge(r, pub.e, msg)
	lhs := suite.NewElement().MulGen(z)
	rhs := suite.NewElement().Add(r, suite.NewElement().Mul(pub.e, c))
	if !lhs.IsEqual(rhs) {
		return ErrInvalidSignature
	}
	return nil
}
