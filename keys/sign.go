package keys

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"decentnet.org/podsign/legacy"
	"decentnet.org/podsign/threshold"
	"decentnet.org/podsign/verify"
)

// Signers opens a threshold Signer for each listed share of name, or for
// every stored share when ids is empty. All shares must belong to one group.
func (ks *KeyStore) Signers(name string, ids []threshold.Identifier, rand io.Reader) ([]*threshold.Signer, *threshold.Group, error) {
	if len(ids) == 0 {
		var err error
		if ids, err = ks.Shares(name); err != nil {
			return nil, nil, err
		}
	}
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("keys: %s holds no threshold shares", name)
	}
	var (
		signers []*threshold.Signer
		g       *threshold.Group
	)
	for _, id := range ids {
		kp, err := ks.LoadShare(name, id)
		if err != nil {
			return nil, nil, err
		}
		if g == nil {
			g = kp.Group
		} else if !g.PublicKey.Equal(kp.Group.PublicKey) {
			return nil, nil, fmt.Errorf("keys: share %d of %s belongs to group %s, not %s", id, name, kp.Group.Fingerprint(), g.Fingerprint())
		}
		s, err := threshold.NewSigner(kp, rand)
		if err != nil {
			return nil, nil, err
		}
		signers = append(signers, s)
	}
	return signers, g, nil
}

// Anchor assembles the trust anchor a consumer needs for site from the
// public halves of name's keys: the single key if a seed is stored, the
// group key of any stored shares, and the legacy address when site is that
// address.
func (ks *KeyStore) Anchor(site, name, role string) (verify.TrustAnchor, error) {
	a := verify.TrustAnchor{Site: site}
	single, err := ks.SingleKey(name, role)
	switch {
	case err == nil:
		a.SingleKey = single.Public()
		single.Zeroize()
	case !errors.Is(err, fs.ErrNotExist):
		return a, err
	}

	ids, err := ks.Shares(name)
	if err != nil {
		return a, err
	}
	if len(ids) > 0 {
		kp, err := ks.LoadShare(name, ids[0])
		if err != nil {
			return a, err
		}
		a.GroupKey = kp.Group.PublicKey
		kp.Zeroize()
	}

	if lk, err := ks.LegacyKey(name); err == nil {
		if addr := legacy.AddressFromPublicKey(lk.PubKey(), true); addr == site {
			a.LegacyAddress = addr
		}
	}
	return a, a.Validate()
}
