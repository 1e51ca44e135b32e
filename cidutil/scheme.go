package cidutil

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Scheme is a versioned addressing scheme: CIDv1 with a fixed multicodec,
// multihash function and digest length.
//
// Identifiers are only comparable when produced by the same Scheme.
type Scheme struct {
	Codec    uint64
	HashCode uint64
	// Length is the digest length in bytes. -1 selects the hash's default.
	Length int
}

var (
	// SchemeDefault is CIDv1, raw codec, sha2-256.
	SchemeDefault = Scheme{Codec: cid.Raw, HashCode: multihash.SHA2_256, Length: 32}

	// SchemeLegacy is CIDv1, raw codec, sha2-512 truncated to 32 bytes.
	// Its digest is the "sha512" field of legacy content descriptors.
	SchemeLegacy = Scheme{Codec: cid.Raw, HashCode: multihash.SHA2_512, Length: 32}

	// SchemeBlake3 is CIDv1, raw codec, blake3-256.
	SchemeBlake3 = Scheme{Codec: cid.Raw, HashCode: multihash.BLAKE3, Length: 32}
)

// Identify derives the identifier of data under s.
//
// It fails only when the hash function is not registered or the requested
// length is not available; it never fails because of data.
func (s Scheme) Identify(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, s.HashCode, s.Length)
	if err != nil {
		if errors.Is(err, multihash.ErrSumNotSupported) {
			return cid.Undef, fmt.Errorf("%w: code 0x%x", ErrUnknownHash, s.HashCode)
		}
		return cid.Undef, fmt.Errorf("cidutil: %s: %w", s, err)
	}
	return cid.NewCidV1(s.Codec, sum), nil
}

// Owns reports whether id was produced by s.
func (s Scheme) Owns(id cid.Cid) bool {
	if !id.Defined() {
		return false
	}
	p := id.Prefix()
	return p.Version == 1 && p.Codec == s.Codec && p.MhType == s.HashCode && p.MhLength == s.Length
}

// Validate checks that s names a registered hash function.
func (s Scheme) Validate() error {
	if _, err := multihash.GetHasher(s.HashCode); err != nil {
		return fmt.Errorf("%w: code 0x%x", ErrUnknownHash, s.HashCode)
	}
	if s.Length == 0 || s.Length < -1 {
		return fmt.Errorf("cidutil: invalid digest length %d", s.Length)
	}
	return nil
}

var codecNames = map[uint64]string{
	cid.Raw:         "raw",
	cid.DagCBOR:     "dag-cbor",
	cid.DagProtobuf: "dag-pb",
}

func (s Scheme) String() string {
	name, ok := multihash.Codes[s.HashCode]
	if !ok {
		name = fmt.Sprintf("0x%x", s.HashCode)
	}
	codec, ok := codecNames[s.Codec]
	if !ok {
		codec = fmt.Sprintf("0x%x", s.Codec)
	}
	return fmt.Sprintf("cidv1-%s-%s-%d", codec, name, s.Length)
}

// SchemeOf returns the scheme that produced id.
func SchemeOf(id cid.Cid) (Scheme, error) {
	if !id.Defined() {
		return Scheme{}, errors.New("cidutil: undefined cid")
	}
	p := id.Prefix()
	if p.Version != 1 {
		return Scheme{}, fmt.Errorf("cidutil: unsupported cid version %d", p.Version)
	}
	return Scheme{Codec: p.Codec, HashCode: p.MhType, Length: p.MhLength}, nil
}
