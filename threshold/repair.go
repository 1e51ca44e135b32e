package threshold

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/cloudflare/circl/group"
)

// Share repair lets t helpers reconstruct a lost share for another
// participant without revealing their own shares or the group secret.
//
//  1. each helper i splits lambda_i(r) * s_i into one random delta per helper;
//  2. each helper sums the deltas it received into a sigma;
//  3. the recovering participant sums the sigmas into s_r.

// RepairDelta is a step-one value sent from helper From to helper To.
type RepairDelta struct {
	From  Identifier
	To    Identifier
	Value []byte
}

// RepairSigma is a step-two value sent from a helper to the participant
// being repaired.
type RepairSigma struct {
	From  Identifier
	Value []byte
}

func checkHelpers(g *Group, helpers []Identifier, target Identifier) ([]Identifier, error) {
	if !g.Has(target) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownParticipant, target)
	}
	set := append([]Identifier(nil), helpers...)
	sort.Slice(set, func(i, j int) bool { return set[i] < set[j] })
	if len(set) < int(g.Threshold) {
		return nil, &InsufficientParticipantsError{Committed: len(set), Threshold: int(g.Threshold)}
	}
	for i, id := range set {
		if !g.Has(id) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownParticipant, id)
		}
		if id == target {
			return nil, fmt.Errorf("threshold: participant %d cannot help repair itself", id)
		}
		if i > 0 && set[i-1] == id {
			return nil, fmt.Errorf("threshold: duplicate helper %d", id)
		}
	}
	return set, nil
}

// RepairStep1 is run by helper kp. It returns one delta per helper,
// including one addressed to itself.
func RepairStep1(kp *KeyPackage, helpers []Identifier, target Identifier, rand io.Reader) ([]RepairDelta, error) {
	set, err := checkHelpers(kp.Group, helpers, target)
	if err != nil {
		return nil, err
	}
	found := false
	for _, id := range set {
		found = found || id == kp.ID
	}
	if !found {
		return nil, fmt.Errorf("threshold: participant %d is not among the helpers", kp.ID)
	}
	lambda, err := lagrange(kp.ID, set, target.scalar())
	if err != nil {
		return nil, err
	}
	total := suite.NewScalar().Mul(lambda, kp.Secret)
	defer zeroize(total)

	out := make([]RepairDelta, 0, len(set))
	rest := suite.NewScalar().Set(total)
	for i, id := range set {
		var d group.Scalar
		if i == len(set)-1 {
			d = rest
		} else {
			d, err = randomScalar(rand, dstSecret)
			if err != nil {
				return nil, err
			}
			rest = suite.NewScalar().Sub(rest, d)
		}
		out = append(out, RepairDelta{From: kp.ID, To: id, Value: encodeScalar(d)})
		zeroize(d)
	}
	return out, nil
}

// RepairStep2 is run by helper self over the deltas addressed to it, one
// from every helper.
func RepairStep2(self Identifier, helpers []Identifier, deltas []RepairDelta) (RepairSigma, error) {
	want := make(map[Identifier]bool, len(helpers))
	for _, id := range helpers {
		want[id] = true
	}
	sum := suite.NewScalar()
	seen := make(map[Identifier]bool, len(deltas))
	for _, d := range deltas {
		if d.To != self {
			return RepairSigma{}, fmt.Errorf("threshold: delta from %d addressed to %d, not %d", d.From, d.To, self)
		}
		if !want[d.From] {
			return RepairSigma{}, &ComplaintError{Culprit: d.From, Reason: "delta from a non-helper"}
		}
		if seen[d.From] {
			return RepairSigma{}, &ComplaintError{Culprit: d.From, Reason: "duplicate delta"}
		}
		seen[d.From] = true
		v, err := decodeScalar(d.Value)
		if err != nil {
			return RepairSigma{}, &ComplaintError{Culprit: d.From, Reason: err.Error()}
		}
		sum = suite.NewScalar().Add(sum, v)
	}
	if len(seen) != len(want) {
		return RepairSigma{}, fmt.Errorf("threshold: have deltas from %d of %d helpers", len(seen), len(want))
	}
	defer zeroize(sum)
	return RepairSigma{From: self, Value: encodeScalar(sum)}, nil
}

// RepairStep3 is run by the participant being repaired. The recovered share
// is checked against the participant's public share in g.
func RepairStep3(g *Group, target Identifier, sigmas []RepairSigma) (*KeyPackage, error) {
	if len(sigmas) < int(g.Threshold) {
		return nil, &InsufficientParticipantsError{Committed: len(sigmas), Threshold: int(g.Threshold)}
	}
	s := suite.NewScalar()
	seen := make(map[Identifier]bool, len(sigmas))
	for _, sg := range sigmas {
		if seen[sg.From] {
			return nil, &ComplaintError{Culprit: sg.From, Reason: "duplicate sigma"}
		}
		seen[sg.From] = true
		v, err := decodeScalar(sg.Value)
		if err != nil {
			return nil, &ComplaintError{Culprit: sg.From, Reason: err.Error()}
		}
		s = suite.NewScalar().Add(s, v)
	}
	kp := &KeyPackage{ID: target, Secret: s, Group: g}
	if err := kp.Validate(); err != nil {
		zeroize(s)
		return nil, errors.Join(errors.New("threshold: repaired share is inconsistent"), err)
	}
	return kp, nil
}
