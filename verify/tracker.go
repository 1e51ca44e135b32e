package verify

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/boltdb/bolt"
)

// SequenceTracker records the highest accepted sequence per site.
//
// Advance is a compare-and-swap: it succeeds only if seq is strictly greater
// than the value recorded at commit time (or nothing is recorded yet), and
// returns ErrStale otherwise. Implementations must be safe for concurrent use.
type SequenceTracker interface {
	Highest(site string) (seq uint64, ok bool, err error)
	Advance(site string, seq uint64) error
	// AdvanceUnless is Advance that also returns ErrStale while blocker has
	// a record. The blocker check, the compare and the store are atomic.
	AdvanceUnless(site string, seq uint64, blocker string) error
}

// MemoryTracker is a process-local SequenceTracker.
type MemoryTracker struct {
	mu      sync.Mutex
	highest map[string]uint64
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{highest: map[string]uint64{}}
}

func (t *MemoryTracker) Highest(site string) (uint64, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq, ok := t.highest[site]
	return seq, ok, nil
}

func (t *MemoryTracker) Advance(site string, seq uint64) error {
	return t.AdvanceUnless(site, seq, "")
}

func (t *MemoryTracker) AdvanceUnless(site string, seq uint64, blocker string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.highest[blocker]; ok && blocker != "" {
		return fmt.Errorf("%w: %s superseded by %s at %d", ErrStale, site, blocker, cur)
	}
	if cur, ok := t.highest[site]; ok && seq <= cur {
		return fmt.Errorf("%w: %s has %d, offered %d", ErrStale, site, cur, seq)
	}
	t.highest[site] = seq
	return nil
}

var bucketSequences = []byte("sequences")

// BoltTracker persists sequences in a bolt database. Each Advance runs in a
// single read-write transaction; bolt serializes writers, which makes the
// compare and the store atomic across goroutines sharing the handle.
type BoltTracker struct {
	db    *bolt.DB
	owned bool
}

// OpenBoltTracker opens (creating if needed) a tracker database at path.
func OpenBoltTracker(path string) (*BoltTracker, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("verify: open %s: %w", path, err)
	}
	t, err := NewBoltTracker(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	t.owned = true
	return t, nil
}

// NewBoltTracker shares an open database; Close then leaves it open.
func NewBoltTracker(db *bolt.DB) (*BoltTracker, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSequences)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &BoltTracker{db: db}, nil
}

func (t *BoltTracker) Close() error {
	if !t.owned {
		return nil
	}
	return t.db.Close()
}

func (t *BoltTracker) Highest(site string) (uint64, bool, error) {
	var (
		seq uint64
		ok  bool
	)
	err := t.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSequences).Get([]byte(site))
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("verify: corrupt sequence record for %s", site)
		}
		seq, ok = binary.BigEndian.Uint64(v), true
		return nil
	})
	return seq, ok, err
}

func (t *BoltTracker) Advance(site string, seq uint64) error {
	return t.AdvanceUnless(site, seq, "")
}

func (t *BoltTracker) AdvanceUnless(site string, seq uint64, blocker string) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSequences)
		if blocker != "" {
			if v := b.Get([]byte(blocker)); v != nil {
				return fmt.Errorf("%w: %s superseded by %s", ErrStale, site, blocker)
			}
		}
		if v := b.Get([]byte(site)); v != nil {
			if len(v) != 8 {
				return fmt.Errorf("verify: corrupt sequence record for %s", site)
			}
			if cur := binary.BigEndian.Uint64(v); seq <= cur {
				return fmt.Errorf("%w: %s has %d, offered %d", ErrStale, site, cur, seq)
			}
		}
		var val [8]byte
		binary.BigEndian.PutUint64(val[:], seq)
		return b.Put([]byte(site), val[:])
	})
}
