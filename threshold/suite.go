// Package threshold implements t-of-n Schnorr signatures over ristretto255:
// dealer and distributed key generation with Feldman verifiable secret
// sharing, a two-round FROST-style signing protocol, single-key Schnorr
// signatures and share repair.
//
// Participants are independent state machines (DKGParticipant, Signer). They
// exchange plain message values relayed by an external coordinator and never
// reference each other's secret state. The Coordinator and Session types
// implement the aggregating side of a signing round.
package threshold

import (
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/group"
)

var suite = group.Ristretto255

// ContextString prefixes every domain separation tag.
const ContextString = "podsign-FROST-RISTRETTO255-v1"

const (
	ScalarSize    = 32
	ElementSize   = 32
	SignatureSize = ElementSize + ScalarSize
)

var (
	dstRho    = []byte(ContextString + "rho")
	dstChal   = []byte(ContextString + "chal")
	dstNonce  = []byte(ContextString + "nonce")
	dstDKG    = []byte(ContextString + "dkg")
	dstSecret = []byte(ContextString + "secret")
)

// Identifier is a participant index in 1..n.
type Identifier uint16

func (id Identifier) scalar() group.Scalar {
	return suite.NewScalar().SetUint64(uint64(id))
}

func (id Identifier) bytes() []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(id))
	return b[:]
}

func hashToScalar(dst []byte, parts ...[]byte) group.Scalar {
	var msg []byte
	for _, p := range parts {
		msg = append(msg, p...)
	}
	return suite.HashToScalar(msg, dst)
}

func sha512Sum(b []byte) []byte {
	s := sha512.Sum512(b)
	return s[:]
}

func isZeroScalar(s group.Scalar) bool {
	return s.IsEqual(suite.NewScalar())
}

// randomScalar draws a uniformly random non-zero scalar from rand, mixed
// with the optional secret material.
func randomScalar(rand io.Reader, dst []byte, mix ...[]byte) (group.Scalar, error) {
	for i := 0; i < 8; i++ {
		var seed [64]byte
		if _, err := io.ReadFull(rand, seed[:]); err != nil {
			return nil, fmt.Errorf("threshold: read randomness: %w", err)
		}
		parts := append([][]byte{seed[:]}, mix...)
		s := hashToScalar(dst, parts...)
		if !isZeroScalar(s) {
			return s, nil
		}
	}
	return nil, errors.New("threshold: randomness source keeps producing zero scalars")
}

func encodeScalar(s group.Scalar) []byte {
	b, err := s.MarshalBinary()
	if err != nil {
		panic("threshold: scalar encoding failed: " + err.Error())
	}
	return b
}

func encodeElement(e group.Element) []byte {
	b, err := e.MarshalBinary()
	if err != nil {
		panic("threshold: element encoding failed: " + err.Error())
	}
	return b
}

func decodeScalar(b []byte) (group.Scalar, error) {
	if len(b) != ScalarSize {
		return nil, fmt.Errorf("threshold: scalar length %d, want %d", len(b), ScalarSize)
	}
	s := suite.NewScalar()
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("threshold: decode scalar: %w", err)
	}
	return s, nil
}

// decodeElement rejects the identity: no honest key or nonce commitment is
// ever the identity element.
func decodeElement(b []byte) (group.Element, error) {
	if len(b) != ElementSize {
		return nil, fmt.Errorf("threshold: element length %d, want %d", len(b), ElementSize)
	}
	e := suite.NewElement()
	if err := e.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("threshold: decode element: %w", err)
	}
	if e.IsIdentity() {
		return nil, errors.New("threshold: identity element")
	}
	return e, nil
}

func zeroize(scalars ...group.Scalar) {
	for _, s := range scalars {
		if s != nil {
			s.SetUint64(0)
		}
	}
}

// lagrange returns the Lagrange coefficient of id over set, evaluated at x.
func lagrange(id Identifier, set []Identifier, x group.Scalar) (group.Scalar, error) {
	num := suite.NewScalar().SetUint64(1)
	den := suite.NewScalar().SetUint64(1)
	xi := id.scalar()
	found := false
	for _, j := range set {
		if j == id {
			found = true
			continue
		}
		xj := j.scalar()
		num = suite.NewScalar().Mul(num, suite.NewScalar().Sub(x, xj))
		den = suite.NewScalar().Mul(den, suite.NewScalar().Sub(xi, xj))
	}
	if !found {
		return nil, fmt.Errorf("threshold: participant %d not in set", id)
	}
	if isZeroScalar(den) {
		return nil, fmt.Errorf("threshold: duplicate identifiers in set")
	}
	return suite.NewScalar().Mul(num, suite.NewScalar().Inv(den)), nil
}

// evalCommitment evaluates a Feldman commitment (coefficient points) at x:
// sum_k x^k * C_k.
func evalCommitment(c []group.Element, x Identifier) group.Element {
	xs := x.scalar()
	acc := suite.Identity()
	for k := len(c) - 1; k >= 0; k-- {
		acc = suite.NewElement().Mul(acc, xs)
		acc = suite.NewElement().Add(acc, c[k])
	}
	return acc
}

// challenge is the Schnorr challenge H(R || PK || msg).
func challenge(r, pk group.Element, msg []byte) group.Scalar {
	return hashToScalar(dstChal, encodeElement(r), encodeElement(pk), msg)
}
