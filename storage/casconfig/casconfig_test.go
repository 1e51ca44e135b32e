package casconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"decentnet.org/podsign/storage"
	"decentnet.org/podsign/storage/casconfig"
	"decentnet.org/podsign/storage/casregistry"
	_ "decentnet.org/podsign/storage/leveldbcas"
	_ "decentnet.org/podsign/storage/localfs"
)

func writeConfig(t *testing.T, policy string) string {
	t.Helper()
	dir := t.TempDir()
	body := "write_policy = \"" + policy + "\"\n\n" +
		"[[backend]]\nname = \"localfs\"\n[backend.config]\nlocalfs-dir = \"" + filepath.ToSlash(filepath.Join(dir, "fs")) + "\"\n\n" +
		"[[backend]]\nname = \"leveldb\"\nid = \"cache\"\n[backend.config]\nleveldb-path = \"" + filepath.ToSlash(filepath.Join(dir, "ldb")) + "\"\n"
	path := filepath.Join(dir, "stores.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfig_WriteAllReplicates(t *testing.T) {
	cfg, err := casconfig.LoadFile(writeConfig(t, casconfig.WriteAll))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cas, closeFn, err := cfg.Open(casregistry.UsageCLI, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer closeFn()
	rep, ok := cas.(storage.ReplicatingCAS)
	if !ok {
		t.Fatalf("got %T, want storage.ReplicatingCAS", cas)
	}
	id, per, err := rep.PutAll([]byte("replicated"))
	if err != nil {
		t.Fatalf("PutAll: %v", err)
	}
	if len(per) != 2 || !per["localfs"].Equals(id) || !per["cache"].Equals(id) {
		t.Fatalf("per-backend ids = %v", per)
	}
}

func TestConfig_PreferredFirst(t *testing.T) {
	cfg, err := casconfig.LoadFile(writeConfig(t, casconfig.WriteFirst))
	if err != nil {
		t.Fatal(err)
	}
	cas, closeFn, err := cfg.Open(casregistry.UsageCLI, "cache")
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	multi, ok := cas.(storage.MultiCAS)
	if !ok || len(multi.Adapters) != 2 {
		t.Fatalf("got %T", cas)
	}
	id, err := multi.Put([]byte("first only"))
	if err != nil {
		t.Fatal(err)
	}
	if !multi.Adapters[0].Has(id) || multi.Adapters[1].Has(id) {
		t.Fatalf("write did not go to the preferred backend only")
	}
	if _, _, err := cfg.Open(casregistry.UsageCLI, "nope"); err == nil {
		t.Fatalf("expected unknown preferred backend to fail")
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := map[string]casconfig.Config{
		"empty":     {},
		"noname":    {Backends: []casconfig.BackendConfig{{}}},
		"duplicate": {Backends: []casconfig.BackendConfig{{Name: "localfs"}, {Name: "localfs"}}},
		"policy":    {WritePolicy: "some", Backends: []casconfig.BackendConfig{{Name: "localfs"}}},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
