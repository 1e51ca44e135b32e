package leveldbcas

import (
	"path/filepath"
	"testing"

	"decentnet.org/podsign/storage"
	"decentnet.org/podsign/storage/testkit"
)

func TestLevelDB_Conformance(t *testing.T) {
	testkit.RunCASConformance(t, func(t *testing.T) storage.CAS {
		t.Helper()
		c, err := Open(filepath.Join(t.TempDir(), "blobs"))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { c.Close() })
		return c
	})
}

func TestLevelDB_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobs")
	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	id, err := c.Put([]byte("persisted"))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	c, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	got, err := c.Get(id)
	if err != nil || string(got) != "persisted" {
		t.Fatalf("Get after reopen = %q, %v", got, err)
	}
	if n, err := c.Len(); err != nil || n != 1 {
		t.Fatalf("Len = %d, %v", n, err)
	}
}
