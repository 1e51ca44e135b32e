package threshold

import (
	"fmt"
	"io"

	"github.com/cloudflare/circl/group"
	"github.com/cloudflare/circl/secretsharing"
)

// GenerateWithDealer creates a t-of-n group with a trusted dealer. The
// dealer's secret never leaves this call; only key packages are returned.
//
// Use the DKG for deployments where no single party may learn the key.
func GenerateWithDealer(t, n uint16, rand io.Reader) (*Group, []*KeyPackage, error) {
	if err := checkParams(t, n); err != nil {
		return nil, nil, err
	}
	secret, err := randomScalar(rand, dstSecret)
	if err != nil {
		return nil, nil, err
	}
	defer zeroize(secret)

	shares, commitment, err := deal(rand, t, n, secret)
	if err != nil {
		return nil, nil, err
	}

	g := &Group{
		Threshold:    t,
		Participants: n,
		PublicKey:    PublicKey{e: commitment[0]},
		Shares:       make(map[Identifier]PublicKey, n),
	}
	pkgs := make([]*KeyPackage, 0, n)
	for i, sh := range shares {
		id := Identifier(i + 1)
		g.Shares[id] = PublicKey{e: suite.NewElement().MulGen(sh.Value)}
		pkgs = append(pkgs, &KeyPackage{ID: id, Secret: sh.Value, Group: g})
	}
	if err := g.Validate(); err != nil {
		return nil, nil, err
	}
	return g, pkgs, nil
}

// deal splits secret into n Feldman-verifiable shares with threshold t.
// shares[i] belongs to participant i+1.
func deal(rand io.Reader, t, n uint16, secret group.Scalar) ([]secretsharing.Share, secretsharing.SecretCommitment, error) {
	ss := secretsharing.New(rand, uint(t-1), secret)
	shares := ss.Share(uint(n))
	commitment := ss.CommitSecret()
	if len(shares) != int(n) || len(commitment) != int(t) {
		return nil, nil, fmt.Errorf("threshold: secret sharing returned %d shares and %d commitments", len(shares), len(commitment))
	}
	for i, sh := range shares {
		id := Identifier(i + 1)
		if !sh.ID.IsEqual(id.scalar()) {
			return nil, nil, fmt.Errorf("threshold: share %d carries an unexpected identifier", i)
		}
		if !secretsharing.Verify(uint(t-1), sh, commitment) {
			return nil, nil, fmt.Errorf("threshold: share for participant %d does not match its commitment", id)
		}
	}
	return shares, commitment, nil
}
