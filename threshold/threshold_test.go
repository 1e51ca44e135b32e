package threshold

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudflare/circl/group"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func dealtSigners(t *testing.T, th, n uint16) (*Group, map[Identifier]*Signer) {
	t.Helper()
	g, pkgs, err := GenerateWithDealer(th, n, rand.Reader)
	if err != nil {
		t.Fatalf("GenerateWithDealer: %v", err)
	}
	signers := make(map[Identifier]*Signer, n)
	for _, kp := range pkgs {
		s, err := NewSigner(kp, rand.Reader)
		if err != nil {
			t.Fatalf("NewSigner(%d): %v", kp.ID, err)
		}
		signers[kp.ID] = s
	}
	return g, signers
}

// signWith runs a full signing round with the given participants.
func signWith(t *testing.T, c *Coordinator, signers map[Identifier]*Signer, msg []byte, ids ...Identifier) []byte {
	t.Helper()
	sess := c.Open(msg)
	for _, id := range ids {
		cm, err := signers[id].Commit(sess.ID)
		if err != nil {
			t.Fatalf("Commit(%d): %v", id, err)
		}
		if err := sess.AddCommitment(cm); err != nil {
			t.Fatalf("AddCommitment(%d): %v", id, err)
		}
	}
	pkg, err := sess.Package()
	if err != nil {
		t.Fatalf("Package: %v", err)
	}
	for _, id := range sess.Excluded() {
		signers[id].Discard(sess.ID)
	}
	for _, id := range pkg.Signers() {
		sh, err := signers[id].Sign(pkg)
		if err != nil {
			t.Fatalf("Sign(%d): %v", id, err)
		}
		if err := sess.AddShare(sh); err != nil {
			t.Fatalf("AddShare(%d): %v", id, err)
		}
	}
	sig, err := sess.Aggregate()
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	return sig
}

func TestSingleKey_SignVerify(t *testing.T) {
	k, err := GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("manifest bytes")
	sig, err := k.Sign(rand.Reader, msg)
	if err != nil {
		t.Fatal(err)
	}
	if len(sig) != SignatureSize {
		t.Fatalf("signature length %d", len(sig))
	}
	if err := Verify(k.Public(), msg, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := Verify(k.Public(), []byte("other"), sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for wrong message, got %v", err)
	}
	sig[40] ^= 1
	if err := Verify(k.Public(), msg, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for tampered signature, got %v", err)
	}

	again, err := ParsePrivateKey(k.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !again.Public().Equal(k.Public()) {
		t.Fatalf("private key round trip changed the public key")
	}
	pub, err := ParsePublicKeyHex(k.Public().String())
	if err != nil {
		t.Fatal(err)
	}
	if !pub.Equal(k.Public()) {
		t.Fatalf("public key hex round trip mismatch")
	}
}

func TestDealer_GroupIsConsistent(t *testing.T) {
	g, pkgs, err := GenerateWithDealer(3, 5, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(pkgs) != 5 {
		t.Fatalf("got %d key packages", len(pkgs))
	}
	for _, kp := range pkgs {
		if err := kp.Validate(); err != nil {
			t.Fatalf("key package %d: %v", kp.ID, err)
		}
	}

	bad := *g
	bad.Shares = map[Identifier]PublicKey{}
	for id, pk := range g.Shares {
		bad.Shares[id] = pk
	}
	bad.Shares[5] = g.Shares[4]
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected inconsistent share to be rejected")
	}
}

func TestDealer_InvalidParameters(t *testing.T) {
	for _, tc := range []struct{ t, n uint16 }{{0, 3}, {4, 3}, {1, 0}} {
		if _, _, err := GenerateWithDealer(tc.t, tc.n, rand.Reader); !errors.Is(err, ErrInvalidParameters) {
			t.Fatalf("t=%d n=%d: expected ErrInvalidParameters, got %v", tc.t, tc.n, err)
		}
	}
}

func runDKG(t *testing.T, th, n uint16, commit []Identifier) (*Group, []*KeyPackage, error) {
	t.Helper()
	var (
		parts      []*DKGParticipant
		broadcasts []Round1Broadcast
		shares     []Round1Share
	)
	for _, id := range commit {
		p, err := NewDKGParticipant(id, th, n, rand.Reader)
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
	g, err := AssembleGroup(th, n, broadcasts)
	if err != nil {
		return nil, nil, err
	}
	var out []*KeyPackage
	for _, p := range parts {
		kp, err := p.Finish(broadcasts, shares)
		if err != nil {
			return nil, nil, err
		}
		if !kp.Group.PublicKey.Equal(g.PublicKey) {
			t.Fatalf("participant %d derived a different group key", p.ID())
		}
		out = append(out, kp)
	}
	return g, out, nil
}

func TestDKG_ThreeOfFive(t *testing.T) {
	g, pkgs, err := runDKG(t, 3, 5, []Identifier{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatalf("dkg: %v", err)
	}
	if err := g.Validate(); err != nil {
		t.Fatal(err)
	}

	signers := make(map[Identifier]*Signer)
	for _, kp := range pkgs {
		s, err := NewSigner(kp, rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		signers[kp.ID] = s
	}
	c, err := NewCoordinator(g, CoordinatorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("dkg group message")
	sig := signWith(t, c, signers, msg, 2, 4, 5)
	if err := Verify(g.PublicKey, msg, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestDKG_InsufficientParticipants(t *testing.T) {
	_, _, err := runDKG(t, 3, 5, []Identifier{1, 2})
	var ie *InsufficientParticipantsError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InsufficientParticipantsError, got %v", err)
	}
	if ie.Committed != 2 || ie.Threshold != 3 {
		t.Fatalf("unexpected error detail: %+v", ie)
	}
}

func TestDKG_BadShareNamesCulprit(t *testing.T) {
	var (
		parts      []*DKGParticipant
		broadcasts []Round1Broadcast
		shares     []Round1Share
	)
	for id := Identifier(1); id <= 3; id++ {
		p, err := NewDKGParticipant(id, 2, 3, rand.Reader)
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
	// Dealer 2 sends participant 1 a share that is not on its polynomial.
	for i := range shares {
		if shares[i].From == 2 && shares[i].To == 1 {
			shares[i].Value = encodeScalar(suite.NewScalar().SetUint64(7))
		}
	}
	_, err := parts[0].Finish(broadcasts, shares)
	var ce *ComplaintError
	if !errors.As(err, &ce) || ce.Culprit != 2 {
		t.Fatalf("expected complaint against 2, got %v", err)
	}
}

func TestThreshold_AnyQuorumSigns(t *testing.T) {
	g, signers := dealtSigners(t, 3, 5)
	c, err := NewCoordinator(g, CoordinatorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("alpha v1")
	for _, set := range [][]Identifier{{1, 2, 3}, {1, 3, 5}, {3, 4, 5}, {1, 2, 3, 4, 5}} {
		sig := signWith(t, c, signers, msg, set...)
		if err := Verify(g.PublicKey, msg, sig); err != nil {
			t.Fatalf("set %v: %v", set, err)
		}
	}
	for id, s := range signers {
		if s.Pending() != 0 {
			t.Fatalf("participant %d still holds %d nonces", id, s.Pending())
		}
	}
}

func TestThreshold_SigningSetIsLowestIDs(t *testing.T) {
	g, signers := dealtSigners(t, 2, 4)
	c, _ := NewCoordinator(g, CoordinatorOptions{})
	sess := c.Open([]byte("m"))
	for _, id := range []Identifier{4, 2, 3} {
		cm, err := signers[id].Commit(sess.ID)
		if err != nil {
			t.Fatal(err)
		}
		if err := sess.AddCommitment(cm); err != nil {
			t.Fatal(err)
		}
	}
	pkg, err := sess.Package()
	if err != nil {
		t.Fatal(err)
	}
	if got := pkg.Signers(); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("signing set = %v, want [2 3]", got)
	}
	if ex := sess.Excluded(); len(ex) != 1 || ex[0] != 4 {
		t.Fatalf("excluded = %v, want [4]", ex)
	}
}

func TestThreshold_QuorumNotMet(t *testing.T) {
	g, signers := dealtSigners(t, 3, 5)
	c, _ := NewCoordinator(g, CoordinatorOptions{})
	sess := c.Open([]byte("m"))
	for _, id := range []Identifier{1, 2} {
		cm, _ := signers[id].Commit(sess.ID)
		if err := sess.AddCommitment(cm); err != nil {
			t.Fatal(err)
		}
	}
	_, err := sess.Package()
	var qe *QuorumNotMetError
	if !errors.As(err, &qe) || qe.Have != 2 || qe.Threshold != 3 {
		t.Fatalf("expected QuorumNotMetError 2/3, got %v", err)
	}
}

func TestThreshold_TooFewSharesDoNotAggregate(t *testing.T) {
	g, signers := dealtSigners(t, 3, 5)
	c, _ := NewCoordinator(g, CoordinatorOptions{})
	sess := c.Open([]byte("m"))
	for _, id := range []Identifier{1, 2, 3} {
		cm, _ := signers[id].Commit(sess.ID)
		if err := sess.AddCommitment(cm); err != nil {
			t.Fatal(err)
		}
	}
	pkg, err := sess.Package()
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []Identifier{1, 2} {
		sh, err := signers[id].Sign(pkg)
		if err != nil {
			t.Fatal(err)
		}
		if err := sess.AddShare(sh); err != nil {
			t.Fatal(err)
		}
	}
	_, err = sess.Aggregate()
	var qe *QuorumNotMetError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuorumNotMetError, got %v", err)
	}
}

func TestThreshold_CollectDeadline(t *testing.T) {
	g, signers := dealtSigners(t, 3, 5)
	c, _ := NewCoordinator(g, CoordinatorOptions{})
	sess := c.Open([]byte("m"))
	for _, id := range []Identifier{1, 2, 3} {
		cm, _ := signers[id].Commit(sess.ID)
		if err := sess.AddCommitment(cm); err != nil {
			t.Fatal(err)
		}
	}
	pkg, err := sess.Package()
	if err != nil {
		t.Fatal(err)
	}

	in := make(chan SignatureShare)
	go func() {
		// Participant 3 never answers.
		for _, id := range []Identifier{1, 2} {
			sh, err := signers[id].Sign(pkg)
			if err != nil {
				return
			}
			in <- sh
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = sess.Collect(ctx, in)
	var qe *QuorumNotMetError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuorumNotMetError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline cause, got %v", err)
	}
	if err := sess.AddShare(SignatureShare{Session: sess.ID, ID: 3}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected closed session, got %v", err)
	}
}

func TestThreshold_ConcurrentCollect(t *testing.T) {
	g, signers := dealtSigners(t, 3, 5)
	c, _ := NewCoordinator(g, CoordinatorOptions{})
	msg := []byte("concurrent")
	sess := c.Open(msg)
	for id := Identifier(1); id <= 5; id++ {
		cm, _ := signers[id].Commit(sess.ID)
		if err := sess.AddCommitment(cm); err != nil {
			t.Fatal(err)
		}
	}
	pkg, err := sess.Package()
	if err != nil {
		t.Fatal(err)
	}
	in := make(chan SignatureShare, 5)
	var wg sync.WaitGroup
	for _, id := range pkg.Signers() {
		wg.Add(1)
		go func(s *Signer) {
			defer wg.Done()
			sh, err := s.Sign(pkg)
			if err == nil {
				in <- sh
			}
		}(signers[id])
	}
	// A forged share from an outsider is skipped, not fatal.
	in <- SignatureShare{Session: sess.ID, ID: 5, Z: make([]byte, ScalarSize)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sig, err := sess.Collect(ctx, in)
	wg.Wait()
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if err := Verify(g.PublicKey, msg, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestThreshold_InvalidShareRejected(t *testing.T) {
	g, signers := dealtSigners(t, 2, 3)
	c, _ := NewCoordinator(g, CoordinatorOptions{})
	sess := c.Open([]byte("m"))
	for _, id := range []Identifier{1, 2} {
		cm, _ := signers[id].Commit(sess.ID)
		if err := sess.AddCommitment(cm); err != nil {
			t.Fatal(err)
		}
	}
	pkg, _ := sess.Package()
	sh, err := signers[1].Sign(pkg)
	if err != nil {
		t.Fatal(err)
	}
	sh.Z = encodeScalar(suite.NewScalar().Add(mustScalar(t, sh.Z), suite.NewScalar().SetUint64(1)))
	var se *ShareError
	if err := sess.AddShare(sh); !errors.As(err, &se) || se.Participant != 1 {
		t.Fatalf("expected ShareError from 1, got %v", err)
	}
}

func mustScalar(t *testing.T, b []byte) group.Scalar {
	t.Helper()
	s, err := decodeScalar(b)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNonceReuse_CoordinatorLedger(t *testing.T) {
	g, signers := dealtSigners(t, 2, 3)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c, _ := NewCoordinator(g, CoordinatorOptions{Metrics: m})

	first := c.Open([]byte("one"))
	cm, err := signers[1].Commit(first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.AddCommitment(cm); err != nil {
		t.Fatal(err)
	}

	// A faulty participant replays the same commitment into a second session.
	second := c.Open([]byte("two"))
	replay := cm
	replay.Session = second.ID
	err = second.AddCommitment(replay)
	var nr *NonceReuseError
	if !errors.As(err, &nr) {
		t.Fatalf("expected NonceReuseError, got %v", err)
	}
	if nr.FirstSeenIn != first.ID {
		t.Fatalf("FirstSeenIn = %s, want %s", nr.FirstSeenIn, first.ID)
	}
	if _, err := second.Package(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected aborted session, got %v", err)
	}
	if got := testutil.ToFloat64(m.nonceReuse); got != 1 {
		t.Fatalf("nonce reuse counter = %v", got)
	}
}

func TestNonceReuse_SignerRefusesSecondSign(t *testing.T) {
	g, signers := dealtSigners(t, 2, 3)
	c, _ := NewCoordinator(g, CoordinatorOptions{})
	sess := c.Open([]byte("m"))
	for _, id := range []Identifier{1, 2} {
		cm, _ := signers[id].Commit(sess.ID)
		_ = sess.AddCommitment(cm)
	}
	pkg, err := sess.Package()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := signers[1].Sign(pkg); err != nil {
		t.Fatal(err)
	}
	var nr *NonceReuseError
	if _, err := signers[1].Sign(pkg); !errors.As(err, &nr) {
		t.Fatalf("expected NonceReuseError on second sign, got %v", err)
	}
	if _, err := signers[1].Commit(sess.ID); !errors.As(err, &nr) {
		t.Fatalf("expected NonceReuseError on recommit, got %v", err)
	}
}

func TestSigner_DiscardDropsNonces(t *testing.T) {
	_, signers := dealtSigners(t, 2, 3)
	s := signers[1]
	id := uuid.New()
	if _, err := s.Commit(id); err != nil {
		t.Fatal(err)
	}
	if s.Pending() != 1 {
		t.Fatalf("pending = %d", s.Pending())
	}
	s.Discard(id)
	if s.Pending() != 0 {
		t.Fatalf("pending after discard = %d", s.Pending())
	}
}

func TestSigner_ApproveRefuses(t *testing.T) {
	g, signers := dealtSigners(t, 2, 2)
	signers[2].Approve = func(msg []byte) error {
		if !bytes.HasPrefix(msg, []byte("ok:")) {
			return errors.New("not approved")
		}
		return nil
	}
	c, _ := NewCoordinator(g, CoordinatorOptions{})
	sess := c.Open([]byte("bad"))
	for _, id := range []Identifier{1, 2} {
		cm, _ := signers[id].Commit(sess.ID)
		_ = sess.AddCommitment(cm)
	}
	pkg, _ := sess.Package()
	if _, err := signers[2].Sign(pkg); err == nil {
		t.Fatalf("expected refusal")
	}
	if signers[2].Pending() != 0 {
		t.Fatalf("refused session kept its nonces")
	}
}

func TestRepair_RecoversLostShare(t *testing.T) {
	g, pkgs, err := GenerateWithDealer(3, 5, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	byID := map[Identifier]*KeyPackage{}
	for _, kp := range pkgs {
		byID[kp.ID] = kp
	}
	const lost = Identifier(2)
	helpers := []Identifier{1, 4, 5}

	inbox := map[Identifier][]RepairDelta{}
	for _, h := range helpers {
		deltas, err := RepairStep1(byID[h], helpers, lost, rand.Reader)
		if err != nil {
			t.Fatalf("step1(%d): %v", h, err)
		}
		for _, d := range deltas {
			inbox[d.To] = append(inbox[d.To], d)
		}
	}
	var sigmas []RepairSigma
	for _, h := range helpers {
		s, err := RepairStep2(h, helpers, inbox[h])
		if err != nil {
			t.Fatalf("step2(%d): %v", h, err)
		}
		sigmas = append(sigmas, s)
	}
	kp, err := RepairStep3(g, lost, sigmas)
	if err != nil {
		t.Fatalf("step3: %v", err)
	}
	if !bytes.Equal(encodeScalar(kp.Secret), encodeScalar(byID[lost].Secret)) {
		t.Fatalf("repaired share differs from the original")
	}
}

func TestRepair_TooFewHelpers(t *testing.T) {
	_, pkgs, err := GenerateWithDealer(3, 5, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	_, err = RepairStep1(pkgs[0], []Identifier{1, 3}, 2, rand.Reader)
	var ie *InsufficientParticipantsError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InsufficientParticipantsError, got %v", err)
	}
}

func TestWire_RoundTrip(t *testing.T) {
	g, pkgs, err := GenerateWithDealer(2, 3, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	b, err := g.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var g2 Group
	if err := g2.UnmarshalBinary(b); err != nil {
		t.Fatal(err)
	}
	if g2.Fingerprint() != g.Fingerprint() || g2.Threshold != 2 || len(g2.Shares) != 3 {
		t.Fatalf("group round trip mismatch")
	}

	kb, err := pkgs[1].MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var kp KeyPackage
	if err := kp.UnmarshalBinary(kb); err != nil {
		t.Fatal(err)
	}
	if kp.ID != 2 || !bytes.Equal(encodeScalar(kp.Secret), encodeScalar(pkgs[1].Secret)) {
		t.Fatalf("key package round trip mismatch")
	}

	s, _ := NewSigner(pkgs[0], rand.Reader)
	cm, _ := s.Commit(uuid.New())
	raw, err := Marshal(cm)
	if err != nil {
		t.Fatal(err)
	}
	v, err := Unmarshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := v.(Commitment)
	if !ok || got.Session != cm.Session || !got.sameNonces(cm) {
		t.Fatalf("commitment round trip mismatch: %#v", v)
	}
	if err := g2.UnmarshalBinary(raw); err == nil {
		t.Fatalf("expected type mismatch error")
	}
}
