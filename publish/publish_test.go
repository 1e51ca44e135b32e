package publish

import (
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ipfs/go-cid"

	"decentnet.org/podsign/history"
	"decentnet.org/podsign/manifest"
	"decentnet.org/podsign/storage"
	"decentnet.org/podsign/storage/localfs"
	"decentnet.org/podsign/threshold"
	"decentnet.org/podsign/verify"
)

func newPublisher(t *testing.T) *Publisher {
	t.Helper()
	cas, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return &Publisher{CAS: cas, Arena: history.NewMemoryArena()}
}

func participants(t *testing.T, th, n uint16, ids ...threshold.Identifier) (*threshold.Coordinator, []*threshold.Signer) {
	t.Helper()
	g, pkgs, err := threshold.GenerateWithDealer(th, n, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	want := map[threshold.Identifier]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []*threshold.Signer
	for _, kp := range pkgs {
		if !want[kp.ID] {
			continue
		}
		s, err := threshold.NewSigner(kp, rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, s)
	}
	c, err := threshold.NewCoordinator(g, threshold.CoordinatorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return c, out
}

func TestStage(t *testing.T) {
	p := newPublisher(t)
	entries, err := Stage(p.CAS, map[string][]byte{
		"index.html":   []byte("<h1>hi</h1>"),
		"css/site.css": []byte("body{}"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Path != "css/site.css" || entries[1].Path != "index.html" {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[1].Mime != "text/html; charset=utf-8" || entries[1].Size != 11 {
		t.Fatalf("index entry = %+v", entries[1])
	}
	if !p.CAS.Has(entries[0].ID) {
		t.Fatalf("blob not stored")
	}
	if _, err := Stage(p.CAS, map[string][]byte{"../up": nil}); err == nil {
		t.Fatalf("expected bad path to be rejected")
	}
}

func TestSignSingle_AndRecordChain(t *testing.T) {
	p := newPublisher(t)
	key, err := threshold.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	v0, err := p.First("blog", map[string][]byte{"a.txt": []byte("a")})
	if err != nil {
		t.Fatal(err)
	}
	v0, err = p.SignSingle(v0, key)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := manifest.CanonicalEncoding(v0)
	if err != nil {
		t.Fatal(err)
	}
	if err := threshold.Verify(key.Public(), msg, v0.Signature.Signature); err != nil {
		t.Fatalf("single signature does not verify: %v", err)
	}
	if _, err := p.Record(v0); err != nil {
		t.Fatal(err)
	}
	v1, err := p.Next(v0, map[string][]byte{"a.txt": []byte("a2")})
	if err != nil {
		t.Fatal(err)
	}
	v1, err = p.SignSingle(v1, key)
	if err != nil {
		t.Fatal(err)
	}
	head, err := p.Record(v1)
	if err != nil {
		t.Fatal(err)
	}
	if n, err := history.VerifyChain(p.Arena, head); err != nil || n != 2 {
		t.Fatalf("VerifyChain = %d, %v", n, err)
	}
}

func TestSignThreshold(t *testing.T) {
	p := newPublisher(t)
	c, signers := participants(t, 3, 5, 1, 3, 5)
	m, err := p.First("alpha", map[string][]byte{"index.html": []byte("x"), "b.txt": []byte("y")})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	signed, err := p.SignThreshold(ctx, c, signers, m)
	if err != nil {
		t.Fatalf("SignThreshold: %v", err)
	}
	if signed.Signature.Kind != manifest.SignatureThreshold {
		t.Fatalf("kind = %s", signed.Signature.Kind)
	}
	for _, s := range signers {
		if s.Pending() != 0 {
			t.Fatalf("participant %d kept nonces", s.ID())
		}
	}

	// Two participants cannot reach a 3-of-5 quorum.
	c2, two := participants(t, 3, 5, 2, 4)
	var q *threshold.QuorumNotMetError
	if _, err := p.SignThreshold(ctx, c2, two, m); !errors.As(err, &q) {
		t.Fatalf("expected QuorumNotMetError, got %v", err)
	}
	for _, s := range two {
		if s.Pending() != 0 {
			t.Fatalf("participant %d kept nonces after failed session", s.ID())
		}
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestSignThreshold_NonceReuseDiscardsEveryNonce(t *testing.T) {
	p := newPublisher(t)
	g, pkgs, err := threshold.GenerateWithDealer(2, 3, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	honest, err := threshold.NewSigner(pkgs[0], rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	// A broken nonce source makes hiding and binding commitments equal.
	broken, err := threshold.NewSigner(pkgs[1], zeroReader{})
	if err != nil {
		t.Fatal(err)
	}
	c, err := threshold.NewCoordinator(g, threshold.CoordinatorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	m, err := p.First("alpha", map[string][]byte{"index.html": []byte("x")})
	if err != nil {
		t.Fatal(err)
	}
	signers := []*threshold.Signer{honest, broken}
	var reuse *threshold.NonceReuseError
	if _, err := p.SignThreshold(context.Background(), c, signers, m); !errors.As(err, &reuse) {
		t.Fatalf("expected NonceReuseError, got %v", err)
	}
	for _, s := range signers {
		if n := s.Pending(); n != 0 {
			t.Fatalf("participant %d kept %d nonce(s) after the session aborted", s.ID(), n)
		}
	}
}

func TestSeal_RejectsForeignSignature(t *testing.T) {
	m, err := manifest.New("s", nil)
	if err != nil {
		t.Fatal(err)
	}
	k1, _ := threshold.GenerateKey(rand.Reader)
	k2, _ := threshold.GenerateKey(rand.Reader)
	msg, err := manifest.CanonicalEncoding(m)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := k1.Sign(rand.Reader, msg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Seal(m, k2.Public(), sig); !errors.Is(err, threshold.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

// tampered serves other bytes for every Get.
type tampered struct{ storage.CAS }

func (tampered) Get(id cid.Cid) ([]byte, error) { return []byte("evil"), nil }

func TestHydrate(t *testing.T) {
	p := newPublisher(t)
	files := map[string][]byte{"index.html": []byte("<p>ok</p>")}
	entries, err := Stage(p.CAS, files)
	if err != nil {
		t.Fatal(err)
	}
	vc := &verify.VerifiedContent{Site: "s", Files: entries}
	got, err := Hydrate(p.CAS, vc)
	if err != nil {
		t.Fatal(err)
	}
	if string(got["index.html"]) != "<p>ok</p>" {
		t.Fatalf("hydrated %q", got["index.html"])
	}
	if _, err := Hydrate(tampered{p.CAS}, vc); !errors.Is(err, storage.ErrCIDMismatch) {
		t.Fatalf("expected ErrCIDMismatch, got %v", err)
	}
}

func TestLoadDir(t *testing.T) {
	root := t.TempDir()
	write := func(rel, body string) {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("index.html", "i")
	write("img/logo.png", "png")
	write(".git/config", "hidden")
	write(".env", "hidden")
	files, err := LoadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || string(files["img/logo.png"]) != "png" {
		t.Fatalf("LoadDir = %v", files)
	}
}
