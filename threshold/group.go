package threshold

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cloudflare/circl/group"
)

// Group is the public description of a signing group: threshold t, size n,
// the group public key and every participant's public key share.
//
// It is created once by key generation and shared read-only afterwards.
type Group struct {
	Threshold    uint16
	Participants uint16
	PublicKey    PublicKey
	Shares       map[Identifier]PublicKey
}

func checkParams(t, n uint16) error {
	if t < 1 || n < 1 || t > n {
		return fmt.Errorf("%w: t=%d n=%d", ErrInvalidParameters, t, n)
	}
	return nil
}

// Validate checks the parameters and that all public shares lie on a single
// polynomial of degree t-1 whose value at 0 is the group public key.
func (g *Group) Validate() error {
	if g == nil {
		return errors.New("threshold: nil group")
	}
	if err := checkParams(g.Threshold, g.Participants); err != nil {
		return err
	}
	if g.PublicKey.IsZero() {
		return errors.New("threshold: group public key missing")
	}
	if len(g.Shares) != int(g.Participants) {
		return fmt.Errorf("threshold: %d public shares for %d participants", len(g.Shares), g.Participants)
	}
	for _, id := range g.IDs() {
		if id < 1 || id > Identifier(g.Participants) {
			return fmt.Errorf("%w: %d", ErrUnknownParticipant, id)
		}
		if g.Shares[id].IsZero() {
			return fmt.Errorf("threshold: empty public share for participant %d", id)
		}
	}

	base := make([]Identifier, g.Threshold)
	for i := range base {
		base[i] = Identifier(i + 1)
	}
	interp := func(x group.Scalar) (group.Element, error) {
		acc := suite.Identity()
		for _, id := range base {
			l, err := lagrange(id, base, x)
			if err != nil {
				return nil, err
			}
			acc = suite.NewElement().Add(acc, suite.NewElement().Mul(g.Shares[id].e, l))
		}
		return acc, nil
	}
	at0, err := interp(suite.NewScalar())
	if err != nil {
		return err
	}
	if !at0.IsEqual(g.PublicKey.e) {
		return errors.New("threshold: public shares do not interpolate to the group key")
	}
	for id := Identifier(g.Threshold) + 1; id <= Identifier(g.Participants); id++ {
		p, err := interp(id.scalar())
		if err != nil {
			return err
		}
		if !p.IsEqual(g.Shares[id].e) {
			return fmt.Errorf("threshold: public share %d is inconsistent with the group", id)
		}
	}
	return nil
}

// IDs returns the participant identifiers in ascending order.
func (g *Group) IDs() []Identifier {
	out := make([]Identifier, 0, len(g.Shares))
	for id := range g.Shares {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Has reports whether id is a member of g.
func (g *Group) Has(id Identifier) bool {
	_, ok := g.Shares[id]
	return ok
}

// Fingerprint is a short stable name for the group, derived from its key.
func (g *Group) Fingerprint() string {
	s := g.PublicKey.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}

// KeyPackage is one participant's secret share plus the group it belongs to.
type KeyPackage struct {
	ID     Identifier
	Secret group.Scalar
	Group  *Group
}

// Validate checks that the secret share matches the participant's public
// share.
func (kp *KeyPackage) Validate() error {
	if kp == nil || kp.Secret == nil {
		return errors.New("threshold: empty key package")
	}
	if err := kp.Group.Validate(); err != nil {
		return err
	}
	pub, ok := kp.Group.Shares[kp.ID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownParticipant, kp.ID)
	}
	if !suite.NewElement().MulGen(kp.Secret).IsEqual(pub.e) {
		return fmt.Errorf("threshold: secret share of participant %d does not match its public share", kp.ID)
	}
	return nil
}

// Zeroize clears the secret share.
func (kp *KeyPackage) Zeroize() {
	if kp != nil {
		zeroize(kp.Secret)
	}
}
