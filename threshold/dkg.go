package threshold

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/cloudflare/circl/group"
	"github.com/cloudflare/circl/secretsharing"
)

// Round1Broadcast is a participant's public key generation message: the
// Feldman commitment to its polynomial and a Schnorr proof of knowledge of
// the constant term.
type Round1Broadcast struct {
	From       Identifier
	Commitment [][]byte
	ProofR     []byte
	ProofZ     []byte
}

// Round1Share is the private share a dealer sends to one recipient.
type Round1Share struct {
	From  Identifier
	To    Identifier
	Value []byte
}

// DKGParticipant runs one participant's side of Pedersen key generation.
// It holds only its own polynomial; everything it learns about others comes
// through Finish's arguments.
type DKGParticipant struct {
	id   Identifier
	t, n uint16
	rand io.Reader

	shares   []secretsharing.Share
	finished bool
}

// NewDKGParticipant prepares participant id of a t-of-n key generation.
func NewDKGParticipant(id Identifier, t, n uint16, rand io.Reader) (*DKGParticipant, error) {
	if err := checkParams(t, n); err != nil {
		return nil, err
	}
	if id < 1 || id > Identifier(n) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownParticipant, id)
	}
	return &DKGParticipant{id: id, t: t, n: n, rand: rand}, nil
}

func (p *DKGParticipant) ID() Identifier { return p.id }

// Round1 samples the participant's polynomial and returns the broadcast plus
// one private share per participant (including itself).
func (p *DKGParticipant) Round1() (Round1Broadcast, []Round1Share, error) {
	if p.shares != nil || p.finished {
		return Round1Broadcast{}, nil, fmt.Errorf("%w: round 1 already run", ErrSessionState)
	}
	a0, err := randomScalar(p.rand, dstSecret)
	if err != nil {
		return Round1Broadcast{}, nil, err
	}
	shares, commitment, err := deal(p.rand, p.t, p.n, a0)
	if err != nil {
		return Round1Broadcast{}, nil, err
	}

	k, err := randomScalar(p.rand, dstNonce, encodeScalar(a0))
	if err != nil {
		return Round1Broadcast{}, nil, err
	}
	r := suite.NewElement().MulGen(k)
	c := dkgChallenge(p.id, commitment[0], r)
	z := suite.NewScalar().Add(k, suite.NewScalar().Mul(a0, c))
	zeroize(k, a0)

	b := Round1Broadcast{
		From:       p.id,
		Commitment: make([][]byte, len(commitment)),
		ProofR:     encodeElement(r),
		ProofZ:     encodeScalar(z),
	}
	for i, e := range commitment {
		b.Commitment[i] = encodeElement(e)
	}
	out := make([]Round1Share, 0, len(shares))
	for i, sh := range shares {
		out = append(out, Round1Share{From: p.id, To: Identifier(i + 1), Value: encodeScalar(sh.Value)})
	}
	p.shares = shares
	return b, out, nil
}

// Finish verifies every committed dealer's broadcast and the share it sent
// to this participant, and combines them into the participant's key package.
//
// Dealers are the senders of broadcasts; fewer than t of them is an
// InsufficientParticipantsError. A bad proof, a missing share or a share
// inconsistent with its commitment is a ComplaintError naming the dealer.
func (p *DKGParticipant) Finish(broadcasts []Round1Broadcast, shares []Round1Share) (*KeyPackage, error) {
	if p.shares == nil {
		return nil, fmt.Errorf("%w: round 1 not run", ErrSessionState)
	}
	if p.finished {
		return nil, fmt.Errorf("%w: already finished", ErrSessionState)
	}
	defer p.wipe()

	g, commitments, err := assemble(p.t, p.n, broadcasts)
	if err != nil {
		return nil, err
	}
	if _, ok := commitments[p.id]; !ok {
		return nil, fmt.Errorf("threshold: participant %d did not commit", p.id)
	}

	received := make(map[Identifier][]byte, len(shares))
	for _, sh := range shares {
		if sh.To != p.id {
			continue
		}
		if _, dup := received[sh.From]; dup {
			return nil, &ComplaintError{Culprit: sh.From, Reason: "duplicate share"}
		}
		received[sh.From] = sh.Value
	}

	secret := suite.NewScalar()
	for _, dealer := range sortedIDs(commitments) {
		raw, ok := received[dealer]
		if !ok {
			return nil, &ComplaintError{Culprit: dealer, Reason: "no share received"}
		}
		v, err := decodeScalar(raw)
		if err != nil {
			return nil, &ComplaintError{Culprit: dealer, Reason: err.Error()}
		}
		share := secretsharing.Share{ID: p.id.scalar(), Value: v}
		if !secretsharing.Verify(uint(p.t-1), share, commitments[dealer]) {
			return nil, &ComplaintError{Culprit: dealer, Reason: "share does not match commitment"}
		}
		secret = suite.NewScalar().Add(secret, v)
		zeroize(v)
	}

	kp := &KeyPackage{ID: p.id, Secret: secret, Group: g}
	if err := kp.Validate(); err != nil {
		kp.Zeroize()
		return nil, err
	}
	return kp, nil
}

func (p *DKGParticipant) wipe() {
	for _, sh := range p.shares {
		zeroize(sh.Value)
	}
	p.shares = []secretsharing.Share{}
	p.finished = true
}

// AssembleGroup derives the public group from the committed dealers'
// broadcasts, checking every proof of knowledge. Coordinators and observers
// use it to learn the group without holding any share.
func AssembleGroup(t, n uint16, broadcasts []Round1Broadcast) (*Group, error) {
	g, _, err := assemble(t, n, broadcasts)
	return g, err
}

func assemble(t, n uint16, broadcasts []Round1Broadcast) (*Group, map[Identifier][]group.Element, error) {
	if err := checkParams(t, n); err != nil {
		return nil, nil, err
	}
	commitments := make(map[Identifier][]group.Element, len(broadcasts))
	for _, b := range broadcasts {
		if b.From < 1 || b.From > Identifier(n) {
			return nil, nil, fmt.Errorf("%w: %d", ErrUnknownParticipant, b.From)
		}
		if _, dup := commitments[b.From]; dup {
			return nil, nil, &ComplaintError{Culprit: b.From, Reason: "duplicate broadcast"}
		}
		c, err := verifyBroadcast(t, b)
		if err != nil {
			return nil, nil, err
		}
		commitments[b.From] = c
	}
	if len(commitments) < int(t) {
		return nil, nil, &InsufficientParticipantsError{Committed: len(commitments), Threshold: int(t)}
	}

	g := &Group{Threshold: t, Participants: n, Shares: make(map[Identifier]PublicKey, n)}
	pk := suite.Identity()
	for _, c := range commitments {
		pk = suite.NewElement().Add(pk, c[0])
	}
	if pk.IsIdentity() {
		return nil, nil, errors.New("threshold: group key is the identity")
	}
	g.PublicKey = PublicKey{e: pk}
	for id := Identifier(1); id <= Identifier(n); id++ {
		acc := suite.Identity()
		for _, c := range commitments {
			acc = suite.NewElement().Add(acc, evalCommitment(c, id))
		}
		g.Shares[id] = PublicKey{e: acc}
	}
	if err := g.Validate(); err != nil {
		return nil, nil, err
	}
	return g, commitments, nil
}

func verifyBroadcast(t uint16, b Round1Broadcast) ([]group.Element, error) {
	if len(b.Commitment) != int(t) {
		return nil, &ComplaintError{Culprit: b.From, Reason: fmt.Sprintf("commitment has %d coefficients, want %d", len(b.Commitment), t)}
	}
	c := make([]group.Element, len(b.Commitment))
	for i, raw := range b.Commitment {
		e, err := decodeElement(raw)
		if err != nil {
			return nil, &ComplaintError{Culprit: b.From, Reason: err.Error()}
		}
		c[i] = e
	}
	r, err := decodeElement(b.ProofR)
	if err != nil {
		return nil, &ComplaintError{Culprit: b.From, Reason: "proof: " + err.Error()}
	}
	z, err := decodeScalar(b.ProofZ)
	if err != nil {
		return nil, &ComplaintError{Culprit: b.From, Reason: "proof: " + err.Error()}
	}
	ch := dkgChallenge(b.From, c[0], r)
	lhs := suite.NewElement().MulGen(z)
	rhs := suite.NewElement().Add(r, suite.NewElement().Mul(c[0], ch))
	if !lhs.IsEqual(rhs) {
		return nil, &ComplaintError{Culprit: b.From, Reason: "invalid proof of knowledge"}
	}
	return c, nil
}

func dkgChallenge(id Identifier, c0, r group.Element) group.Scalar {
	return hashToScalar(dstDKG, id.bytes(), encodeElement(c0), encodeElement(r))
}

func sortedIDs[V any](m map[Identifier]V) []Identifier {
	out := make([]Identifier, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
