package verify_test

import (
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"decentnet.org/podsign/history"
	"decentnet.org/podsign/legacy"
	"decentnet.org/podsign/manifest"
	"decentnet.org/podsign/publish"
	"decentnet.org/podsign/storage/localfs"
	"decentnet.org/podsign/threshold"
	"decentnet.org/podsign/verify"
)

// dkgSigners runs a full 3-of-5 key generation and returns a coordinator
// plus the signers for ids.
func dkgSigners(t *testing.T, ids ...threshold.Identifier) (*threshold.Coordinator, []*threshold.Signer) {
	t.Helper()
	var (
		parts      []*threshold.DKGParticipant
		broadcasts []threshold.Round1Broadcast
		shares     []threshold.Round1Share
	)
	for id := threshold.Identifier(1); id <= 5; id++ {
		p, err := threshold.NewDKGParticipant(id, 3, 5, rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		b, sh, err := p.Round1()
		if err != nil {
			t.Fatal(err)
		}
		parts = append(parts, p)
		broadcasts = append(broadcasts, b)
		shares = append(shares, sh...)
	}
	g, err := threshold.AssembleGroup(3, 5, broadcasts)
	if err != nil {
		t.Fatal(err)
	}
	want := map[threshold.Identifier]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var signers []*threshold.Signer
	for _, p := range parts {
		kp, err := p.Finish(broadcasts, shares)
		if err != nil {
			t.Fatalf("Finish(%d): %v", p.ID(), err)
		}
		if !want[kp.ID] {
			continue
		}
		s, err := threshold.NewSigner(kp, rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		signers = append(signers, s)
	}
	c, err := threshold.NewCoordinator(g, threshold.CoordinatorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return c, signers
}

func newPublisher(t *testing.T) *publish.Publisher {
	t.Helper()
	cas, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return &publish.Publisher{CAS: cas, Arena: history.NewMemoryArena()}
}

func thresholdSign(t *testing.T, p *publish.Publisher, c *threshold.Coordinator, signers []*threshold.Signer, m *manifest.Manifest) *manifest.Manifest {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := p.SignThreshold(ctx, c, signers, m)
	if err != nil {
		t.Fatalf("SignThreshold: %v", err)
	}
	return out
}

func reasonIs(t *testing.T, err error, want verify.Reason) {
	t.Helper()
	if got := verify.ReasonOf(err); got != want {
		t.Fatalf("reason = %q (%v), want %q", got, err, want)
	}
}

func TestEndToEnd_AlphaThreeOfFive(t *testing.T) {
	c, signers := dkgSigners(t, 1, 3, 5)
	p := newPublisher(t)

	v0, err := p.First("alpha", map[string][]byte{
		"index.html": []byte("<h1>alpha</h1>"),
		"about.html": []byte("<p>about</p>"),
	})
	if err != nil {
		t.Fatal(err)
	}
	v0 = thresholdSign(t, p, c, signers, v0)
	raw, err := manifest.Encode(v0)
	if err != nil {
		t.Fatal(err)
	}

	anchors, err := verify.NewTrustStore(verify.TrustAnchor{Site: "alpha", GroupKey: c.Group().PublicKey})
	if err != nil {
		t.Fatal(err)
	}
	v := &verify.Verifier{Anchors: anchors, Tracker: verify.NewMemoryTracker(), Arena: p.Arena}

	got, err := v.Verify(context.Background(), verify.Input{Manifest: v0})
	if err != nil {
		t.Fatalf("verify v0: %v", err)
	}
	if got.Site != "alpha" || got.Sequence != 0 || len(got.Files) != 2 || got.Kind != manifest.SignatureThreshold {
		t.Fatalf("unexpected content %+v", got)
	}
	files, err := publish.Hydrate(p.CAS, got)
	if err != nil || string(files["index.html"]) != "<h1>alpha</h1>" {
		t.Fatalf("Hydrate = %v, %v", files, err)
	}
	if _, err := p.Record(v0); err != nil {
		t.Fatal(err)
	}

	v1, err := p.Next(v0, map[string][]byte{
		"index.html": []byte("<h1>alpha v1</h1>"),
		"about.html": []byte("<p>about</p>"),
	})
	if err != nil {
		t.Fatal(err)
	}
	v1 = thresholdSign(t, p, c, signers, v1)
	if _, err := v.Verify(context.Background(), verify.Input{Manifest: v1}); err != nil {
		t.Fatalf("verify v1: %v", err)
	}

	replay, err := manifest.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	_, err = v.Verify(context.Background(), verify.Input{Manifest: replay})
	reasonIs(t, err, verify.ReasonSequenceRollback)
	if !errors.Is(err, verify.ErrSequenceRollback) {
		t.Fatalf("errors.Is(ErrSequenceRollback) = false for %v", err)
	}
}

func singleSigned(t *testing.T, site string) (*threshold.PrivateKey, *publish.Publisher, *manifest.Manifest) {
	t.Helper()
	key, err := threshold.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	p := newPublisher(t)
	m, err := p.First(site, map[string][]byte{"a.txt": []byte("a")})
	if err != nil {
		t.Fatal(err)
	}
	m, err = p.SignSingle(m, key)
	if err != nil {
		t.Fatal(err)
	}
	return key, p, m
}

func TestVerify_RejectionsLeaveTrackerUntouched(t *testing.T) {
	key, p, m := singleSigned(t, "blog")
	tracker := verify.NewMemoryTracker()
	anchors, err := verify.NewTrustStore(verify.TrustAnchor{Site: "blog", SingleKey: key.Public()})
	if err != nil {
		t.Fatal(err)
	}
	v := &verify.Verifier{Anchors: anchors, Tracker: tracker}
	ctx := context.Background()

	forged := m.Clone()
	forged.Signature.Signature[0] ^= 1
	_, err = v.Verify(ctx, verify.Input{Manifest: forged})
	reasonIs(t, err, verify.ReasonBadSignature)

	other, err := threshold.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	foreign, err := p.SignSingle(withoutSignature(m), other)
	if err != nil {
		t.Fatal(err)
	}
	_, err = v.Verify(ctx, verify.Input{Manifest: foreign})
	reasonIs(t, err, verify.ReasonBadSignature)

	_, err = v.Verify(ctx, verify.Input{Manifest: withoutSignature(m)})
	reasonIs(t, err, verify.ReasonBadSignature)

	if _, ok, _ := tracker.Highest("blog"); ok {
		t.Fatalf("tracker advanced by a rejected manifest")
	}
	if _, err := v.Verify(ctx, verify.Input{Manifest: m}); err != nil {
		t.Fatalf("valid manifest rejected after failures: %v", err)
	}
}

func withoutSignature(m *manifest.Manifest) *manifest.Manifest {
	out := m.Clone()
	out.Signature = nil
	return out
}

func TestVerify_TrustAnchors(t *testing.T) {
	key, _, m := singleSigned(t, "blog")
	ctx := context.Background()

	empty, err := verify.NewTrustStore()
	if err != nil {
		t.Fatal(err)
	}
	v := &verify.Verifier{Anchors: empty, Tracker: verify.NewMemoryTracker()}
	_, err = v.Verify(ctx, verify.Input{Manifest: m})
	reasonIs(t, err, verify.ReasonUnknownTrustAnchor)

	// An anchor holding only a group key does not accept single signatures.
	_, err = v.Verify(ctx, verify.Input{Manifest: m, Anchor: &verify.TrustAnchor{Site: "blog", GroupKey: key.Public()}})
	reasonIs(t, err, verify.ReasonUnknownTrustAnchor)

	_, err = v.Verify(ctx, verify.Input{Manifest: m, Anchor: &verify.TrustAnchor{Site: "other", SingleKey: key.Public()}})
	reasonIs(t, err, verify.ReasonUnknownTrustAnchor)

	if _, err := v.Verify(ctx, verify.Input{Manifest: m, Anchor: &verify.TrustAnchor{Site: "blog", SingleKey: key.Public()}}); err != nil {
		t.Fatalf("explicit anchor: %v", err)
	}
}

func TestVerify_Links(t *testing.T) {
	key, p, v0 := singleSigned(t, "blog")
	anchors, err := verify.NewTrustStore(verify.TrustAnchor{Site: "blog", SingleKey: key.Public()})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	next := func(prior *manifest.Manifest, body string) *manifest.Manifest {
		m, err := p.Next(prior, map[string][]byte{"a.txt": []byte(body)})
		if err != nil {
			t.Fatal(err)
		}
		if m, err = p.SignSingle(m, key); err != nil {
			t.Fatal(err)
		}
		return m
	}
	v1 := next(v0, "b")
	v2 := next(v1, "c")

	v := &verify.Verifier{Anchors: anchors, Tracker: verify.NewMemoryTracker()}
	_, err = v.Verify(ctx, verify.Input{Manifest: v1})
	reasonIs(t, err, verify.ReasonLinkMismatch)

	_, err = v.Verify(ctx, verify.Input{Manifest: v2, Previous: v0})
	reasonIs(t, err, verify.ReasonLinkMismatch)

	_, err = v.Verify(ctx, verify.Input{Manifest: v0, Previous: v1})
	reasonIs(t, err, verify.ReasonLinkMismatch)

	if _, err := v.Verify(ctx, verify.Input{Manifest: v1, Previous: v0}); err != nil {
		t.Fatalf("explicit previous: %v", err)
	}

	// Resolved through the arena.
	if _, err := p.Record(v1); err != nil {
		t.Fatal(err)
	}
	v.Arena = p.Arena
	if _, err := v.Verify(ctx, verify.Input{Manifest: v2}); err != nil {
		t.Fatalf("arena previous: %v", err)
	}
}

func TestVerify_Structural(t *testing.T) {
	key, _, m := singleSigned(t, "blog")
	anchors, err := verify.NewTrustStore(verify.TrustAnchor{Site: "blog", SingleKey: key.Public()})
	if err != nil {
		t.Fatal(err)
	}
	v := &verify.Verifier{Anchors: anchors, Tracker: verify.NewMemoryTracker()}
	broken := m.Clone()
	broken.Files = append(broken.Files, broken.Files[0])
	_, err = v.Verify(context.Background(), verify.Input{Manifest: broken})
	reasonIs(t, err, verify.ReasonStructural)
	if !manifest.IsKind(err, manifest.KindStructural) {
		t.Fatalf("structural cause not preserved: %v", err)
	}
}

func legacySite(t *testing.T, key *secp256k1.PrivateKey, modified int64) *legacy.Descriptor {
	t.Helper()
	d := legacy.NewDescriptor(legacy.AddressFromPublicKey(key.PubKey(), true))
	d.SetModified(time.Unix(modified, 0))
	d.SetFile("index.html", legacy.FileInfo{SHA512: strings.Repeat("ab", 32), Size: 11})
	if _, err := d.Sign(key); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestVerify_LegacyDescriptor(t *testing.T) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	addr := legacy.AddressFromPublicKey(key.PubKey(), true)
	anchors, err := verify.NewTrustStore(verify.TrustAnchor{Site: addr, LegacyAddress: addr})
	if err != nil {
		t.Fatal(err)
	}
	v := &verify.Verifier{Anchors: anchors, Tracker: verify.NewMemoryTracker()}
	ctx := context.Background()

	old := legacySite(t, key, 1700000000)
	got, err := v.Verify(ctx, verify.Input{Legacy: old})
	if err != nil {
		t.Fatalf("verify legacy: %v", err)
	}
	if got.Kind != manifest.SignatureLegacy || got.Site != addr {
		t.Fatalf("unexpected content %+v", got)
	}

	_, err = v.Verify(ctx, verify.Input{Legacy: old})
	reasonIs(t, err, verify.ReasonSequenceRollback)

	if _, err := v.Verify(ctx, verify.Input{Legacy: legacySite(t, key, 1700000100)}); err != nil {
		t.Fatalf("newer legacy descriptor: %v", err)
	}

	tampered := legacySite(t, key, 1700000200)
	tampered.SetFile("index.html", legacy.FileInfo{SHA512: strings.Repeat("ef", 32), Size: 11})
	_, err = v.Verify(ctx, verify.Input{Legacy: tampered})
	reasonIs(t, err, verify.ReasonBadSignature)
}

func TestVerify_LegacyAfterNativeIsRollback(t *testing.T) {
	bolt, err := verify.OpenBoltTracker(filepath.Join(t.TempDir(), "seq.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer bolt.Close()

	for name, tracker := range map[string]verify.SequenceTracker{"memory": verify.NewMemoryTracker(), "bolt": bolt} {
		t.Run(name, func(t *testing.T) {
			legacyKey, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				t.Fatal(err)
			}
			addr := legacy.AddressFromPublicKey(legacyKey.PubKey(), true)
			key, p, v0 := singleSigned(t, addr)
			anchors, err := verify.NewTrustStore(verify.TrustAnchor{Site: addr, SingleKey: key.Public(), LegacyAddress: addr})
			if err != nil {
				t.Fatal(err)
			}
			v := &verify.Verifier{Anchors: anchors, Tracker: tracker, Arena: p.Arena}
			ctx := context.Background()

			// A legacy descriptor may precede the native history.
			if _, err := v.Verify(ctx, verify.Input{Legacy: legacySite(t, legacyKey, 1700000000)}); err != nil {
				t.Fatalf("legacy before native: %v", err)
			}
			if _, err := p.Record(v0); err != nil {
				t.Fatal(err)
			}
			if _, err := v.Verify(ctx, verify.Input{Manifest: v0}); err != nil {
				t.Fatalf("native v0: %v", err)
			}
			v1, err := p.Next(v0, map[string][]byte{"a.txt": []byte("b")}, manifest.WithTimestamp(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)))
			if err != nil {
				t.Fatal(err)
			}
			if v1, err = p.SignSingle(v1, key); err != nil {
				t.Fatal(err)
			}
			if _, err := v.Verify(ctx, verify.Input{Manifest: v1}); err != nil {
				t.Fatalf("native v1: %v", err)
			}

			for _, modified := range []int64{1700000100, 1900000000} {
				_, err := v.Verify(ctx, verify.Input{Legacy: legacySite(t, legacyKey, modified)})
				reasonIs(t, err, verify.ReasonSequenceRollback)
			}
			if seq, _, _ := tracker.Highest(verify.LegacyTrackPrefix + addr); seq != 1700000000000 {
				t.Fatalf("legacy record moved to %d", seq)
			}
		})
	}
}

func TestBoltTracker_ConcurrentConflictAcceptsOne(t *testing.T) {
	tracker, err := verify.OpenBoltTracker(filepath.Join(t.TempDir(), "seq.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer tracker.Close()

	key, p, v0 := singleSigned(t, "blog")
	anchors, err := verify.NewTrustStore(verify.TrustAnchor{Site: "blog", SingleKey: key.Public()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Record(v0); err != nil {
		t.Fatal(err)
	}
	var forks []*manifest.Manifest
	for _, body := range []string{"left", "right"} {
		m, err := p.Next(v0, map[string][]byte{"a.txt": []byte(body)})
		if err != nil {
			t.Fatal(err)
		}
		if m, err = p.SignSingle(m, key); err != nil {
			t.Fatal(err)
		}
		forks = append(forks, m)
	}

	var (
		wg                 sync.WaitGroup
		mu                 sync.Mutex
		accepted, rollback int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(m *manifest.Manifest) {
			defer wg.Done()
			v := &verify.Verifier{Anchors: anchors, Tracker: tracker, Arena: p.Arena}
			_, err := v.Verify(context.Background(), verify.Input{Manifest: m})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, verify.ErrSequenceRollback):
				rollback++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(forks[i%2])
	}
	wg.Wait()
	if accepted != 1 || rollback != 15 {
		t.Fatalf("accepted=%d rollback=%d, want 1 and 15", accepted, rollback)
	}
	if seq, ok, err := tracker.Highest("blog"); err != nil || !ok || seq != 1 {
		t.Fatalf("Highest = %d, %v, %v", seq, ok, err)
	}
}

func TestLoadTrustStore(t *testing.T) {
	single, _ := threshold.GenerateKey(rand.Reader)
	group, _ := threshold.GenerateKey(rand.Reader)
	body := "[[anchor]]\nsite = \"alpha\"\ngroup_key = \"" + group.Public().String() + "\"\n\n" +
		"[[anchor]]\nsite = \"blog\"\nsingle_key = \"" + single.Public().String() + "\"\n"
	path := filepath.Join(t.TempDir(), "anchors.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	store, err := verify.LoadTrustStore(path)
	if err != nil {
		t.Fatalf("LoadTrustStore: %v", err)
	}
	if got := store.Sites(); len(got) != 2 || got[0] != "alpha" || got[1] != "blog" {
		t.Fatalf("Sites = %v", got)
	}
	a, ok := store.Anchor("alpha")
	if !ok || !a.GroupKey.Equal(group.Public()) || !a.SingleKey.IsZero() {
		t.Fatalf("alpha anchor = %+v", a)
	}

	if _, err := verify.DecodeTrustStore("[[anchor]]\nsite = \"x\"\n"); err == nil {
		t.Fatalf("expected anchor without keys to be rejected")
	}
	if _, err := verify.DecodeTrustStore("[[anchor]]\nsite = \"x\"\nlegacy_address = \"nope\"\n"); err == nil {
		t.Fatalf("expected bad legacy address to be rejected")
	}
}

func TestMetrics(t *testing.T) {
	key, _, m := singleSigned(t, "blog")
	anchors, err := verify.NewTrustStore(verify.TrustAnchor{Site: "blog", SingleKey: key.Public()})
	if err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	v := &verify.Verifier{Anchors: anchors, Tracker: verify.NewMemoryTracker(), Metrics: verify.NewMetrics(reg)}
	for i := 0; i < 2; i++ {
		_, _ = v.Verify(context.Background(), verify.Input{Manifest: m})
	}
	want := `
# HELP podsign_verify_total Manifest verifications by result and rejection reason
# TYPE podsign_verify_total counter
podsign_verify_total{reason="",result="accepted"} 1
podsign_verify_total{reason="SequenceRollback",result="rejected"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "podsign_verify_total"); err != nil {
		t.Fatal(err)
	}
}
