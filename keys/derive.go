package keys

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/hkdf"

	"decentnet.org/podsign/threshold"
)

// SeedSize is the length of root and role seeds.
const SeedSize = 32

const kdfSalt = "podsign-keys-v1"

func kdf(seed []byte, info string) (io.Reader, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("keys: seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	return hkdf.New(sha256.New, seed, []byte(kdfSalt), []byte(info)), nil
}

// DeriveRoleSeed deterministically derives a role seed from a root seed.
func DeriveRoleSeed(rootSeed []byte, role string) ([]byte, error) {
	if err := CheckRole(role); err != nil {
		return nil, err
	}
	r, err := kdf(rootSeed, "role:"+role)
	if err != nil {
		return nil, err
	}
	out := make([]byte, SeedSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SingleKeyFromSeed derives the Schnorr signing key of a seed.
func SingleKeyFromSeed(seed []byte) (*threshold.PrivateKey, error) {
	r, err := kdf(seed, "single")
	if err != nil {
		return nil, err
	}
	return threshold.GenerateKey(r)
}

// LegacyKeyFromSeed derives the secp256k1 legacy site key of a seed.
func LegacyKeyFromSeed(seed []byte) (*secp256k1.PrivateKey, error) {
	r, err := kdf(seed, "legacy")
	if err != nil {
		return nil, err
	}
	var buf [32]byte
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		var s secp256k1.ModNScalar
		if overflow := s.SetByteSlice(buf[:]); !overflow && !s.IsZero() {
			return secp256k1.NewPrivateKey(&s), nil
		}
	}
}
