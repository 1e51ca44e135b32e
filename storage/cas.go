// Package storage defines the content-addressed blob store that site files
// and exported bundles live in, plus fan-out combinators over several stores.
package storage

import (
	"github.com/ipfs/go-cid"

	"decentnet.org/podsign/cidutil"
)

// CAS is a content-addressable blob store.
//
// Contract:
// - Put is idempotent and returns the SchemeDefault identifier of the bytes.
// - Stored objects are immutable; a conflicting write fails with ErrImmutable.
// - Get verifies the bytes against the requested identifier's own prefix and
// fails with ErrCIDMismatch otherwise, so stores can serve any scheme.
// - Get returns ErrNotFound when the identifier is absent.
type CAS interface {
	Put(bytes []byte) (cid.Cid, error)
	Get(id cid.Cid) ([]byte, error)
	Has(id cid.Cid) bool
}

// SchemedCAS is a CAS that can also key blobs under a non-default scheme,
// e.g. files imported from legacy descriptors.
type SchemedCAS interface {
	CAS
	PutScheme(s cidutil.Scheme, bytes []byte) (cid.Cid, error)
}

// PutScheme stores b under s. Stores that only know SchemeDefault accept
// that scheme and reject the rest with ErrUnsupportedScheme.
func PutScheme(c CAS, s cidutil.Scheme, b []byte) (cid.Cid, error) {
	if sc, ok := c.(SchemedCAS); ok {
		return sc.PutScheme(s, b)
	}
	if s != cidutil.SchemeDefault {
		return cid.Undef, ErrUnsupportedScheme
	}
	return c.Put(b)
}

// Check verifies that b is the content of id.
func Check(id cid.Cid, b []byte) error {
	if !id.Defined() {
		return ErrInvalidCID
	}
	ok, err := cidutil.Matches(id, b)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCIDMismatch
	}
	return nil
}
