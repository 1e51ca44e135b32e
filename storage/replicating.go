package storage

import (
	"fmt"

	"github.com/ipfs/go-cid"

	"decentnet.org/podsign/cidutil"
)

// NamedCAS pairs a backend with the name it is reported under.
type NamedCAS struct {
	Name string
	CAS  CAS
}

// ReplicatingCAS writes every blob to all backends and reads in order.
// A backend returning an identifier other than the one computed locally
// fails the write with ErrCIDMismatch.
type ReplicatingCAS struct {
	Backends []NamedCAS
}

var (
	_ CAS        = ReplicatingCAS{}
	_ SchemedCAS = ReplicatingCAS{}
	_ SchemedCAS = MultiCAS{}
)

// PutAll writes b under SchemeDefault and reports each backend's answer.
func (r ReplicatingCAS) PutAll(b []byte) (cid.Cid, map[string]cid.Cid, error) {
	return r.putAll(cidutil.SchemeDefault, b)
}

func (r ReplicatingCAS) putAll(s cidutil.Scheme, b []byte) (cid.Cid, map[string]cid.Cid, error) {
	want, err := s.Identify(b)
	if err != nil {
		return cid.Undef, nil, err
	}
	if len(r.Backends) == 0 {
		return cid.Undef, nil, ErrNoBackends
	}
	out := make(map[string]cid.Cid, len(r.Backends))
	for _, nb := range r.Backends {
		if nb.CAS == nil {
			return cid.Undef, nil, fmt.Errorf("storage: nil CAS for backend %q", nb.Name)
		}
		got, err := PutScheme(nb.CAS, s, b)
		if err != nil {
			return cid.Undef, out, fmt.Errorf("storage: backend %q: %w", nb.Name, err)
		}
		out[nb.Name] = got
		if !got.Equals(want) {
			return cid.Undef, out, fmt.Errorf("%w: backend %q returned %s", ErrCIDMismatch, nb.Name, got)
		}
	}
	return want, out, nil
}

func (r ReplicatingCAS) Put(b []byte) (cid.Cid, error) {
	id, _, err := r.PutAll(b)
	return id, err
}

func (r ReplicatingCAS) PutScheme(s cidutil.Scheme, b []byte) (cid.Cid, error) {
	id, _, err := r.putAll(s, b)
	return id, err
}

func (r ReplicatingCAS) Get(id cid.Cid) ([]byte, error) {
	return MultiCAS{Adapters: r.adapters()}.Get(id)
}

func (r ReplicatingCAS) Has(id cid.Cid) bool {
	return MultiCAS{Adapters: r.adapters()}.Has(id)
}

func (r ReplicatingCAS) adapters() []CAS {
	out := make([]CAS, 0, len(r.Backends))
	for _, nb := range r.Backends {
		if nb.CAS != nil {
			out = append(out, nb.CAS)
		}
	}
	return out
}
