package storage

import (
	"github.com/ipfs/go-cid"

	"decentnet.org/podsign/cidutil"
)

// MultiCAS reads through Adapters in slice order and writes to the first.
// The order is the hydration strategy; callers fix it explicitly.
type MultiCAS struct {
	Adapters []CAS
}

func (m MultiCAS) Put(b []byte) (cid.Cid, error) {
	if len(m.Adapters) == 0 {
		return cid.Undef, ErrNoBackends
	}
	return m.Adapters[0].Put(b)
}

func (m MultiCAS) PutScheme(s cidutil.Scheme, b []byte) (cid.Cid, error) {
	if len(m.Adapters) == 0 {
		return cid.Undef, ErrNoBackends
	}
	return PutScheme(m.Adapters[0], s, b)
}

// Get returns the first copy found. A backend failing with anything but
// ErrNotFound stops the search, since a corrupt copy is a fault to surface.
func (m MultiCAS) Get(id cid.Cid) ([]byte, error) {
	for _, c := range m.Adapters {
		b, err := c.Get(id)
		switch {
		case err == nil:
			return b, nil
		case IsNotFound(err):
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (m MultiCAS) Has(id cid.Cid) bool {
	for _, c := range m.Adapters {
		if c.Has(id) {
			return true
		}
	}
	return false
}
