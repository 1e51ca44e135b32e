package threshold

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/cloudflare/circl/group"
	"github.com/google/uuid"
)

// Commitment is a participant's round-one message: the hiding and binding
// nonce commitments D = d*G and E = e*G for one session.
type Commitment struct {
	Session uuid.UUID
	ID      Identifier
	Hiding  []byte
	Binding []byte
}

// SigningPackage is the coordinator's round-two request: the message and
// the commitments of the chosen signing set, sorted by identifier.
type SigningPackage struct {
	Session     uuid.UUID
	Message     []byte
	Commitments []Commitment
}

// SignatureShare is a participant's round-two response.
type SignatureShare struct {
	Session uuid.UUID
	ID      Identifier
	Z       []byte
}

// Signers returns the identifiers of the signing set.
func (p *SigningPackage) Signers() []Identifier {
	out := make([]Identifier, len(p.Commitments))
	for i, c := range p.Commitments {
		out[i] = c.ID
	}
	return out
}

// Commitment returns the commitment of participant id.
func (p *SigningPackage) Commitment(id Identifier) (Commitment, bool) {
	for _, c := range p.Commitments {
		if c.ID == id {
			return c, true
		}
	}
	return Commitment{}, false
}

func (c Commitment) sameNonces(o Commitment) bool {
	return bytes.Equal(c.Hiding, o.Hiding) && bytes.Equal(c.Binding, o.Binding)
}

// bindingState is the per-package data both signers and the coordinator
// derive: group commitment R, challenge c and per-signer binding factors.
type bindingState struct {
	signers []Identifier
	hiding  map[Identifier]group.Element
	binding map[Identifier]group.Element
	rho     map[Identifier]group.Scalar
	r       group.Element
	c       group.Scalar
}

func deriveBinding(g *Group, pkg *SigningPackage) (*bindingState, error) {
	if len(pkg.Commitments) < int(g.Threshold) {
		return nil, fmt.Errorf("threshold: signing package has %d commitments, need %d", len(pkg.Commitments), g.Threshold)
	}
	if !sort.SliceIsSorted(pkg.Commitments, func(i, j int) bool { return pkg.Commitments[i].ID < pkg.Commitments[j].ID }) {
		return nil, fmt.Errorf("threshold: signing package commitments not sorted")
	}

	st := &bindingState{
		hiding:  make(map[Identifier]group.Element, len(pkg.Commitments)),
		binding: make(map[Identifier]group.Element, len(pkg.Commitments)),
		rho:     make(map[Identifier]group.Scalar, len(pkg.Commitments)),
	}
	var list []byte
	for i, c := range pkg.Commitments {
		if i > 0 && pkg.Commitments[i-1].ID == c.ID {
			return nil, fmt.Errorf("threshold: duplicate commitment from participant %d", c.ID)
		}
		if !g.Has(c.ID) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownParticipant, c.ID)
		}
		if c.Session != pkg.Session {
			return nil, fmt.Errorf("threshold: commitment from participant %d belongs to session %s", c.ID, c.Session)
		}
		d, err := decodeElement(c.Hiding)
		if err != nil {
			return nil, fmt.Errorf("threshold: hiding commitment of participant %d: %w", c.ID, err)
		}
		e, err := decodeElement(c.Binding)
		if err != nil {
			return nil, fmt.Errorf("threshold: binding commitment of participant %d: %w", c.ID, err)
		}
		st.signers = append(st.signers, c.ID)
		st.hiding[c.ID] = d
		st.binding[c.ID] = e
		list = append(list, c.ID.bytes()...)
		list = append(list, c.Hiding...)
		list = append(list, c.Binding...)
	}

	pk := encodeElement(g.PublicKey.e)
	msgHash := sha512Sum(pkg.Message)
	listHash := sha512Sum(list)
	r := suite.Identity()
	for _, id := range st.signers {
		rho := hashToScalar(dstRho, pk, msgHash, listHash, id.bytes())
		st.rho[id] = rho
		ri := suite.NewElement().Add(st.hiding[id], suite.NewElement().Mul(st.binding[id], rho))
		r = suite.NewElement().Add(r, ri)
	}
	if r.IsIdentity() {
		return nil, fmt.Errorf("threshold: group commitment is the identity")
	}
	st.r = r
	st.c = challenge(r, g.PublicKey.e, pkg.Message)
	return st, nil
}

// commitmentShare is R_i = D_i + rho_i * E_i.
func (st *bindingState) commitmentShare(id Identifier) group.Element {
	return suite.NewElement().Add(st.hiding[id], suite.NewElement().Mul(st.binding[id], st.rho[id]))
}
