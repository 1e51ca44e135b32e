// Package testkit holds the behavioural suite every storage.CAS backend
// must pass.
package testkit

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/ipfs/go-cid"

	"decentnet.org/podsign/cidutil"
	"decentnet.org/podsign/storage"
)

// NewCAS returns a fresh, empty store isolated from other tests.
type NewCAS func(t *testing.T) storage.CAS

func RunCASConformance(t *testing.T, newCAS NewCAS) {
	t.Helper()

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		cas := newCAS(t)
		want := []byte("site file contents")
		id, err := cas.Put(want)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		wantID, err := cidutil.Identify(want)
		if err != nil {
			t.Fatal(err)
		}
		if !id.Equals(wantID) {
			t.Fatalf("Put id = %s, want %s", id, wantID)
		}
		got, err := cas.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Get returned different bytes")
		}
	})

	t.Run("PutIdempotent", func(t *testing.T) {
		cas := newCAS(t)
		b := []byte("same bytes")
		id1, err := cas.Put(b)
		if err != nil {
			t.Fatalf("Put(1): %v", err)
		}
		id2, err := cas.Put(b)
		if err != nil {
			t.Fatalf("Put(2): %v", err)
		}
		if !id1.Equals(id2) {
			t.Fatalf("Put not idempotent: %s vs %s", id1, id2)
		}
	})

	t.Run("HasAndNotFound", func(t *testing.T) {
		cas := newCAS(t)
		b := []byte("missing")
		id, err := cidutil.Identify(b)
		if err != nil {
			t.Fatal(err)
		}
		if cas.Has(id) {
			t.Fatalf("Has = true for absent id")
		}
		if _, err := cas.Get(id); !storage.IsNotFound(err) {
			t.Fatalf("Get absent: got %v want ErrNotFound", err)
		}
		if _, err := cas.Put(b); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if !cas.Has(id) {
			t.Fatalf("Has = false after Put")
		}
	})

	t.Run("RejectUndefCID", func(t *testing.T) {
		cas := newCAS(t)
		if cas.Has(cid.Undef) {
			t.Fatalf("Has = true for undefined id")
		}
		if _, err := cas.Get(cid.Undef); err == nil {
			t.Fatalf("Get succeeded for undefined id")
		}
	})

	t.Run("SchemeRouting", func(t *testing.T) {
		cas := newCAS(t)
		b := []byte("blob under another scheme")
		id, err := storage.PutScheme(cas, cidutil.SchemeLegacy, b)
		if errors.Is(err, storage.ErrUnsupportedScheme) {
			t.Skip("store only accepts the default scheme")
		}
		if err != nil {
			t.Fatalf("PutScheme: %v", err)
		}
		if !cidutil.SchemeLegacy.Owns(id) {
			t.Fatalf("PutScheme id %s not in legacy scheme", id)
		}
		got, err := cas.Get(id)
		if err != nil || !bytes.Equal(got, b) {
			t.Fatalf("Get legacy id = %q, %v", got, err)
		}
	})

	t.Run("ConcurrentPut", func(t *testing.T) {
		cas := newCAS(t)
		b := []byte("written by many goroutines")
		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := cas.Put(b); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("concurrent Put: %v", err)
		}
	})
}
