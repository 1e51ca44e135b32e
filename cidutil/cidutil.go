// Package cidutil derives content identifiers (CIDv1 + multihash) for blobs
// and file trees.
package cidutil

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var (
	// ErrUnknownHash reports a scheme whose multihash code is not registered.
	ErrUnknownHash = errors.New("cidutil: unknown hash function")
	// ErrSchemeMismatch reports identifiers produced by different schemes.
	ErrSchemeMismatch = errors.New("cidutil: addressing scheme mismatch")
)

// CIDv1RawSHA256 returns a CIDv1 string using the "raw" multicodec
// and a sha2-256 multihash.
func CIDv1RawSHA256(data []byte) string {
	id, err := CIDv1RawSHA256CID(data)
	if err != nil {
		return ""
	}
	return id.String()
}

// CIDv1RawSHA256CID returns a CIDv1 (raw + sha2-256) derived from data.
// This is the storage layer's write contract.
func CIDv1RawSHA256CID(data []byte) (cid.Cid, error) {
	return SchemeDefault.Identify(data)
}

// Identify derives the identifier of data under SchemeDefault.
func Identify(data []byte) (cid.Cid, error) {
	return SchemeDefault.Identify(data)
}

// Parse decodes a CID in any multibase string form.
func Parse(s string) (cid.Cid, error) {
	id, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("cidutil: parse %q: %w", s, err)
	}
	return id, nil
}

// Matches reports whether data hashes to id under id's own prefix.
//
// Stores use this to verify reads for any scheme, not just the default.
func Matches(id cid.Cid, data []byte) (bool, error) {
	if !id.Defined() {
		return false, nil
	}
	got, err := id.Prefix().Sum(data)
	if err != nil {
		if errors.Is(err, multihash.ErrSumNotSupported) {
			return false, fmt.Errorf("%w: %v", ErrUnknownHash, err)
		}
		return false, err
	}
	return got.Equals(id), nil
}

// Comparable reports whether a and b were produced by the same scheme.
func Comparable(a, b cid.Cid) bool {
	if !a.Defined() || !b.Defined() {
		return false
	}
	pa, pb := a.Prefix(), b.Prefix()
	return pa.Version == pb.Version && pa.Codec == pb.Codec && pa.MhType == pb.MhType && pa.MhLength == pb.MhLength
}
