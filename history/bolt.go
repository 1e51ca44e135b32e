package history

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/ipfs/go-cid"

	"decentnet.org/podsign/manifest"
)

var (
	bucketManifests = []byte("manifests")
	bucketHeads     = []byte("heads")
)

// BoltArena is an Arena persisted in a bolt database. Heads are stored as
// 8-byte big-endian sequence followed by the manifest id bytes.
type BoltArena struct {
	db *bolt.DB
}

// OpenBoltArena opens (creating if needed) the arena database at path.
func OpenBoltArena(path string) (*BoltArena, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	a, err := NewBoltArena(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// NewBoltArena uses an already open database, creating the buckets.
func NewBoltArena(db *bolt.DB) (*BoltArena, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketManifests, bucketHeads} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltArena{db: db}, nil
}

func (a *BoltArena) Close() error { return a.db.Close() }

func (a *BoltArena) Put(m *manifest.Manifest) (cid.Cid, error) {
	id, env, err := record(m)
	if err != nil {
		return cid.Undef, err
	}
	key := id.Bytes()
	err = a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketManifests)
		if prev := b.Get(key); prev != nil {
			if !bytes.Equal(prev, env) {
				return ErrImmutable
			}
			return nil
		}
		if err := b.Put(key, env); err != nil {
			return err
		}
		heads := tx.Bucket(bucketHeads)
		if cur := heads.Get([]byte(m.Site)); cur != nil && len(cur) >= 8 && binary.BigEndian.Uint64(cur[:8]) >= m.Sequence {
			return nil
		}
		val := make([]byte, 8, 8+len(key))
		binary.BigEndian.PutUint64(val, m.Sequence)
		return heads.Put([]byte(m.Site), append(val, key...))
	})
	if err != nil {
		return cid.Undef, err
	}
	return id, nil
}

func (a *BoltArena) Get(id cid.Cid) (*manifest.Manifest, error) {
	var env []byte
	err := a.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketManifests).Get(id.Bytes())
		if v == nil {
			return ErrNotFound
		}
		env = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return open(id, env)
}

func (a *BoltArena) Has(id cid.Cid) bool {
	found := false
	_ = a.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketManifests).Get(id.Bytes()) != nil
		return nil
	})
	return found
}

func (a *BoltArena) Head(site string) (cid.Cid, error) {
	var id cid.Cid
	err := a.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHeads).Get([]byte(site))
		if v == nil {
			return ErrNotFound
		}
		if len(v) <= 8 {
			return errors.New("history: corrupt head record")
		}
		var err error
		id, err = cid.Cast(append([]byte(nil), v[8:]...))
		return err
	})
	return id, err
}
