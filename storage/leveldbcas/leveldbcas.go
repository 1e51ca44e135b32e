// Package leveldbcas keeps blobs in a LevelDB database keyed by the binary
// form of their identifier.
package leveldbcas

import (
	"bytes"
	"errors"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"decentnet.org/podsign/cidutil"
	"decentnet.org/podsign/storage"
)

type CAS struct {
	db *leveldb.DB
	// mu serializes the read-compare-write of Put.
	mu sync.Mutex
}

var _ storage.SchemedCAS = (*CAS)(nil)

// Open opens or creates the database at path.
func Open(path string) (*CAS, error) {
	if path == "" {
		return nil, errors.New("leveldbcas: path is required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &CAS{db: db}, nil
}

func (c *CAS) Close() error { return c.db.Close() }

func (c *CAS) Put(b []byte) (cid.Cid, error) {
	return c.PutScheme(cidutil.SchemeDefault, b)
}

func (c *CAS) PutScheme(s cidutil.Scheme, b []byte) (cid.Cid, error) {
	id, err := s.Identify(b)
	if err != nil {
		return cid.Undef, err
	}
	key := id.Bytes()
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, err := c.db.Get(key, nil)
	switch {
	case err == nil:
		if !bytes.Equal(existing, b) {
			return cid.Undef, storage.ErrImmutable
		}
		return id, nil
	case !errors.Is(err, leveldb.ErrNotFound):
		return cid.Undef, err
	}
	if err := c.db.Put(key, b, &opt.WriteOptions{Sync: true}); err != nil {
		return cid.Undef, err
	}
	return id, nil
}

func (c *CAS) Get(id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	b, err := c.db.Get(id.Bytes(), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := storage.Check(id, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *CAS) Has(id cid.Cid) bool {
	if !id.Defined() {
		return false
	}
	ok, err := c.db.Has(id.Bytes(), nil)
	return err == nil && ok
}

// Len counts stored blobs.
func (c *CAS) Len() (int, error) {
	it := c.db.NewIterator(nil, nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}
