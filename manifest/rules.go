package manifest

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Rule is an explicit, named structural rule.
//
// ID must be stable across versions. Apply must be deterministic and side
// effect free. prior is the manifest m claims to succeed, or nil.
type Rule struct {
	ID    string
	Apply func(m, prior *Manifest) error
}

func (r Rule) apply(m, prior *Manifest) error {
	if r.Apply == nil {
		return newError(KindInternal, "MAN-INTERNAL-002", "nil rule Apply")
	}
	return r.Apply(m, prior)
}

// ValidateRules runs rules in order, returning the first failure.
func ValidateRules(m, prior *Manifest, rules []Rule) error {
	for _, r := range rules {
		if err := r.apply(m, prior); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRulesAll runs all rules in order and returns every violation, in
// rule order.
func ValidateRulesAll(m, prior *Manifest, rules []Rule) []error {
	var out []error
	for _, r := range rules {
		if err := r.apply(m, prior); err != nil {
			out = append(out, err)
		}
	}
	return out
}

// StructureRules are the rules ValidateStructure evaluates, in order.
var StructureRules = []Rule{
	{ID: "MAN-STR-001", Apply: ruleFormat},
	{ID: "MAN-STR-002", Apply: ruleSite},
	{ID: "MAN-STR-003", Apply: ruleScheme},
	{ID: "MAN-STR-010", Apply: ruleSorted},
	{ID: "MAN-STR-011", Apply: ruleUniquePaths},
	{ID: "MAN-STR-012", Apply: rulePaths},
	{ID: "MAN-STR-013", Apply: ruleEntryIDs},
	{ID: "MAN-STR-020", Apply: ruleGenesis},
	{ID: "MAN-STR-030", Apply: ruleSignatureShape},
	{ID: "MAN-CHAIN-001", Apply: ruleSequenceAdvances},
	{ID: "MAN-CHAIN-002", Apply: rulePreviousLink},
}

// ValidateStructure checks m against StructureRules and returns all
// violations. When prior is non-nil the chain rules also check that m's
// sequence exceeds prior's and that m's previous link is prior's identifier.
func ValidateStructure(m, prior *Manifest) []error {
	if m == nil {
		return []error{newError(KindInternal, "MAN-INTERNAL-001", "validate: nil manifest")}
	}
	return ValidateRulesAll(m, prior, StructureRules)
}

// CheckLink verifies that m succeeds prior: the previous link equals
// ID(prior) and the sequence strictly increases.
func CheckLink(m, prior *Manifest) error {
	if prior == nil {
		return newError(KindChain, "MAN-CHAIN-003", "link: missing prior manifest")
	}
	return ValidateRules(m, prior, []Rule{
		{ID: "MAN-CHAIN-002", Apply: rulePreviousLink},
		{ID: "MAN-CHAIN-001", Apply: ruleSequenceAdvances},
	})
}

func structureError(m *Manifest) error {
	errs := ValidateStructure(m, nil)
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return errors.Join(errs...)
	}
}

func ruleFormat(m, _ *Manifest) error {
	if m.Format != FormatVersion {
		return newError(KindStructural, "MAN-STR-001", fmt.Sprintf("unsupported format version %d", m.Format))
	}
	return nil
}

func ruleSite(m, _ *Manifest) error {
	if m.Site == "" {
		return newError(KindStructural, "MAN-STR-002", "empty site identifier")
	}
	if !utf8.ValidString(m.Site) || hasControl(m.Site) {
		return newError(KindStructural, "MAN-STR-002", fmt.Sprintf("invalid site identifier %q", m.Site))
	}
	return nil
}

func ruleScheme(m, _ *Manifest) error {
	if err := m.Scheme.Validate(); err != nil {
		return wrapError(KindStructural, "MAN-STR-003", "invalid addressing scheme", err)
	}
	return nil
}

func ruleSorted(m, _ *Manifest) error {
	for i := 1; i < len(m.Files); i++ {
		if m.Files[i-1].Path > m.Files[i].Path {
			return newError(KindStructural, "MAN-STR-010", fmt.Sprintf("entries not sorted: %q before %q", m.Files[i-1].Path, m.Files[i].Path))
		}
	}
	return nil
}

func ruleUniquePaths(m, _ *Manifest) error {
	seen := make(map[string]struct{}, len(m.Files))
	var dups []string
	for _, f := range m.Files {
		if _, ok := seen[f.Path]; ok {
			dups = append(dups, f.Path)
			continue
		}
		seen[f.Path] = struct{}{}
	}
	if len(dups) > 0 {
		return newError(KindStructural, "MAN-STR-011", fmt.Sprintf("duplicate paths: %q", dups))
	}
	return nil
}

func rulePaths(m, _ *Manifest) error {
	for _, f := range m.Files {
		if err := CheckPath(f.Path); err != nil {
			return err
		}
	}
	return nil
}

func ruleEntryIDs(m, _ *Manifest) error {
	for _, f := range m.Files {
		if !f.ID.Defined() {
			return newError(KindStructural, "MAN-STR-013", fmt.Sprintf("undefined cid for %q", f.Path))
		}
		if !m.Scheme.Owns(f.ID) {
			return newError(KindStructural, "MAN-STR-013", fmt.Sprintf("cid for %q is not from scheme %s", f.Path, m.Scheme))
		}
	}
	return nil
}

func ruleGenesis(m, _ *Manifest) error {
	if m.Sequence == 0 && m.Previous.Defined() {
		return newError(KindStructural, "MAN-STR-020", "sequence 0 must not carry a previous link")
	}
	return nil
}

func ruleSignatureShape(m, _ *Manifest) error {
	if m.Signature == nil {
		return nil
	}
	return m.Signature.Validate()
}

func ruleSequenceAdvances(m, prior *Manifest) error {
	if prior == nil {
		return nil
	}
	if m.Sequence <= prior.Sequence {
		return newError(KindChain, "MAN-CHAIN-001", fmt.Sprintf("sequence %d does not advance past %d", m.Sequence, prior.Sequence))
	}
	if m.Site != prior.Site {
		return newError(KindChain, "MAN-CHAIN-001", fmt.Sprintf("site %q does not match prior site %q", m.Site, prior.Site))
	}
	return nil
}

func rulePreviousLink(m, prior *Manifest) error {
	if prior == nil {
		return nil
	}
	want, err := ID(prior)
	if err != nil {
		return wrapError(KindChain, "MAN-CHAIN-002", "identify prior", err)
	}
	if !m.Previous.Defined() {
		return newError(KindChain, "MAN-CHAIN-002", fmt.Sprintf("missing previous link, want %s", want))
	}
	if !m.Previous.Equals(want) {
		return newError(KindChain, "MAN-CHAIN-002", fmt.Sprintf("previous link %s does not match prior %s", m.Previous, want))
	}
	return nil
}

// CheckPath rejects paths that are empty, absolute, contain backslashes,
// empty or dot segments, control characters or invalid UTF-8.
func CheckPath(p string) error {
	bad := func(why string) error {
		return newError(KindStructural, "MAN-STR-012", fmt.Sprintf("invalid path %q: %s", p, why))
	}
	switch {
	case p == "":
		return bad("empty")
	case !utf8.ValidString(p):
		return bad("not utf-8")
	case strings.HasPrefix(p, "/"):
		return bad("absolute")
	case strings.Contains(p, "\\"):
		return bad("backslash")
	case hasControl(p):
		return bad("control character")
	}
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "":
			return bad("empty segment")
		case ".", "..":
			return bad("dot segment")
		}
	}
	return nil
}

func hasControl(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}
