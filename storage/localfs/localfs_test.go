package localfs

import (
	"errors"
	"os"
	"testing"

	"decentnet.org/podsign/cidutil"
	"decentnet.org/podsign/storage"
	"decentnet.org/podsign/storage/testkit"
)

func TestLocalFS_Conformance(t *testing.T) {
	testkit.RunCASConformance(t, func(t *testing.T) storage.CAS {
		t.Helper()
		cas, err := New(t.TempDir())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return cas
	})
}

func TestLocalFS_CorruptionIsNotRepaired(t *testing.T) {
	cas, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	orig := []byte("original")
	id, err := cas.Put(orig)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	path := cas.pathFor(id)
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("corrupted"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := cas.Get(id); !errors.Is(err, storage.ErrCIDMismatch) {
		t.Fatalf("Get after corruption: got %v want ErrCIDMismatch", err)
	}
	if _, err := cas.Put(orig); !errors.Is(err, storage.ErrImmutable) {
		t.Fatalf("Put after corruption: got %v want ErrImmutable", err)
	}
}

func TestLocalFS_LegacyScheme(t *testing.T) {
	cas, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("legacy file")
	id, err := cas.PutScheme(cidutil.SchemeLegacy, data)
	if err != nil {
		t.Fatalf("PutScheme: %v", err)
	}
	if !cidutil.SchemeLegacy.Owns(id) {
		t.Fatalf("id %s not in legacy scheme", id)
	}
	got, err := cas.Get(id)
	if err != nil || string(got) != string(data) {
		t.Fatalf("Get = %q, %v", got, err)
	}
}
