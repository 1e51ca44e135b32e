package history

import (
	"bytes"
	"sync"

	"github.com/ipfs/go-cid"

	"decentnet.org/podsign/manifest"
)

type head struct {
	id  cid.Cid
	seq uint64
}

// MemoryArena is an in-process Arena.
type MemoryArena struct {
	mu      sync.RWMutex
	records map[cid.Cid][]byte
	heads   map[string]head
}

func NewMemoryArena() *MemoryArena {
	return &MemoryArena{records: map[cid.Cid][]byte{}, heads: map[string]head{}}
}

func (a *MemoryArena) Put(m *manifest.Manifest) (cid.Cid, error) {
	id, env, err := record(m)
	if err != nil {
		return cid.Undef, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.records[id]; ok {
		if !bytes.Equal(prev, env) {
			return cid.Undef, ErrImmutable
		}
		return id, nil
	}
	a.records[id] = env
	if h, ok := a.heads[m.Site]; !ok || m.Sequence > h.seq {
		a.heads[m.Site] = head{id: id, seq: m.Sequence}
	}
	return id, nil
}

func (a *MemoryArena) Get(id cid.Cid) (*manifest.Manifest, error) {
	a.mu.RLock()
	env, ok := a.records[id]
	a.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return open(id, env)
}

func (a *MemoryArena) Has(id cid.Cid) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.records[id]
	return ok
}

func (a *MemoryArena) Head(site string) (cid.Cid, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.heads[site]
	if !ok {
		return cid.Undef, ErrNotFound
	}
	return h.id, nil
}
