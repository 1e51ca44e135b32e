// Package history stores signed manifests by identifier and walks their
// version chains.
//
// Records are immutable: a manifest is stored as its signed envelope under
// the identifier of its canonical encoding, and links between versions are
// identifiers, never pointers.
package history

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"

	"decentnet.org/podsign/manifest"
)

var (
	ErrNotFound   = errors.New("history: manifest not found")
	ErrImmutable  = errors.New("history: different manifest already recorded under this id")
	ErrIDMismatch = errors.New("history: stored record does not match its id")
	ErrUnsigned   = errors.New("history: only signed manifests are recorded")
)

// Arena is a store of signed manifests keyed by manifest identifier.
//
// Contract:
// - Put is idempotent for identical envelopes and fails with ErrImmutable
// for a different envelope under the same identifier.
// - Get re-derives the identifier and fails with ErrIDMismatch on tampering.
// - Head returns the highest-sequence manifest recorded for a site.
type Arena interface {
	Put(m *manifest.Manifest) (cid.Cid, error)
	Get(id cid.Cid) (*manifest.Manifest, error)
	Has(id cid.Cid) bool
	Head(site string) (cid.Cid, error)
}

// record is the encoded form of m and its identifier.
func record(m *manifest.Manifest) (cid.Cid, []byte, error) {
	if !m.Signed() {
		return cid.Undef, nil, ErrUnsigned
	}
	id, err := manifest.ID(m)
	if err != nil {
		return cid.Undef, nil, err
	}
	env, err := manifest.Encode(m)
	if err != nil {
		return cid.Undef, nil, err
	}
	return id, env, nil
}

// open decodes a stored envelope and checks it against id.
func open(id cid.Cid, env []byte) (*manifest.Manifest, error) {
	m, err := manifest.Decode(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIDMismatch, err)
	}
	got, err := manifest.ID(m)
	if err != nil {
		return nil, err
	}
	if !got.Equals(id) {
		return nil, fmt.Errorf("%w: %s holds %s", ErrIDMismatch, id, got)
	}
	return m, nil
}

// Walk calls fn for head and each predecessor reachable through previous
// links, newest first. It stops at the chain's first manifest, when fn
// returns an error, or when a predecessor is missing (ErrNotFound).
func Walk(a Arena, head cid.Cid, fn func(id cid.Cid, m *manifest.Manifest) error) error {
	seen := map[cid.Cid]bool{}
	for id := head; id.Defined(); {
		if seen[id] {
			return fmt.Errorf("history: cycle at %s", id)
		}
		seen[id] = true
		m, err := a.Get(id)
		if err != nil {
			return err
		}
		if err := fn(id, m); err != nil {
			return err
		}
		id = m.Previous
	}
	return nil
}

// VerifyChain checks every link reachable from head: each previous link
// names its predecessor's identifier and sequences strictly increase. It
// returns the number of manifests checked. Link violations are
// manifest.KindChain errors.
func VerifyChain(a Arena, head cid.Cid) (int, error) {
	var (
		n     int
		later *manifest.Manifest
	)
	err := Walk(a, head, func(_ cid.Cid, m *manifest.Manifest) error {
		if later != nil {
			if err := manifest.CheckLink(later, m); err != nil {
				return err
			}
		}
		later = m
		n++
		return nil
	})
	return n, err
}

// Chain returns the manifests reachable from head, oldest first.
func Chain(a Arena, head cid.Cid) ([]*manifest.Manifest, error) {
	var out []*manifest.Manifest
	if err := Walk(a, head, func(_ cid.Cid, m *manifest.Manifest) error {
		out = append(out, m)
		return nil
	}); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
