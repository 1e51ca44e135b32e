package verify

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"

	"decentnet.org/podsign/legacy"
	"decentnet.org/podsign/threshold"
)

// TrustAnchor is the key material a consumer trusts for one site. Each
// signature kind is checked against its own field; an empty field means
// that kind is not accepted for the site.
type TrustAnchor struct {
	Site          string              `toml:"site"`
	SingleKey     threshold.PublicKey `toml:"single_key"`
	GroupKey      threshold.PublicKey `toml:"group_key"`
	LegacyAddress string              `toml:"legacy_address"`
}

// Validate checks that a has a site and at least one key.
func (a TrustAnchor) Validate() error {
	if a.Site == "" {
		return errors.New("verify: trust anchor without site")
	}
	if a.SingleKey.IsZero() && a.GroupKey.IsZero() && a.LegacyAddress == "" {
		return fmt.Errorf("verify: trust anchor for %q has no keys", a.Site)
	}
	if a.LegacyAddress != "" {
		if err := legacy.ValidateAddress(a.LegacyAddress); err != nil {
			return fmt.Errorf("verify: trust anchor for %q: %w", a.Site, err)
		}
	}
	return nil
}

// AnchorSource resolves the trust anchor of a site.
type AnchorSource interface {
	Anchor(site string) (TrustAnchor, bool)
}

// TrustStore is an in-memory AnchorSource safe for concurrent use.
type TrustStore struct {
	mu      sync.RWMutex
	anchors map[string]TrustAnchor
}

func NewTrustStore(anchors ...TrustAnchor) (*TrustStore, error) {
	s := &TrustStore{anchors: make(map[string]TrustAnchor, len(anchors))}
	for _, a := range anchors {
		if err := s.Add(a); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers a. A site can have only one anchor.
func (s *TrustStore) Add(a TrustAnchor) error {
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.anchors[a.Site]; dup {
		return fmt.Errorf("verify: duplicate trust anchor for %q", a.Site)
	}
	s.anchors[a.Site] = a
	return nil
}

func (s *TrustStore) Anchor(site string) (TrustAnchor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.anchors[site]
	return a, ok
}

// Sites lists the anchored sites in order.
func (s *TrustStore) Sites() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.anchors))
	for site := range s.anchors {
		out = append(out, site)
	}
	sort.Strings(out)
	return out
}

type trustFile struct {
	Anchors []TrustAnchor `toml:"anchor"`
}

// LoadTrustStore reads anchors from a TOML file of [[anchor]] tables:
//
//	[[anchor]]
//	site = "alpha"
//	group_key = "<hex>"
func LoadTrustStore(path string) (*TrustStore, error) {
	var f trustFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("verify: load trust store: %w", err)
	}
	if un := md.Undecoded(); len(un) > 0 {
		return nil, fmt.Errorf("verify: load trust store: unknown keys %v", un)
	}
	return NewTrustStore(f.Anchors...)
}

// DecodeTrustStore parses anchors from TOML text.
func DecodeTrustStore(data string) (*TrustStore, error) {
	var f trustFile
	if _, err := toml.Decode(data, &f); err != nil {
		return nil, fmt.Errorf("verify: decode trust store: %w", err)
	}
	return NewTrustStore(f.Anchors...)
}
