package threshold

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cloudflare/circl/group"
	"github.com/google/uuid"
)

type noncePair struct {
	d, e       group.Scalar
	commitment Commitment
}

// Signer is one participant's signing state machine. It owns the
// participant's secret share and its per-session nonces; nonces are used at
// most once and are dropped after Sign or Discard, whichever comes first.
type Signer struct {
	key  *KeyPackage
	rand io.Reader

	// Approve, when set, is consulted before signing a message. Returning an
	// error refuses the package and discards the session's nonces.
	Approve func(msg []byte) error

	mu     sync.Mutex
	nonces map[uuid.UUID]*noncePair
	spent  map[uuid.UUID]struct{}
}

// NewSigner returns a signer for key. rand supplies nonce randomness.
func NewSigner(key *KeyPackage, rand io.Reader) (*Signer, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return &Signer{
		key:    key,
		rand:   rand,
		nonces: make(map[uuid.UUID]*noncePair),
		spent:  make(map[uuid.UUID]struct{}),
	}, nil
}

func (s *Signer) ID() Identifier { return s.key.ID }

// Commit generates fresh nonces for session and returns their commitment.
func (s *Signer) Commit(session uuid.UUID) (Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.spent[session]; ok {
		return Commitment{}, &NonceReuseError{Participant: s.key.ID, Session: session, Reason: "session already consumed its nonces"}
	}
	if _, ok := s.nonces[session]; ok {
		return Commitment{}, fmt.Errorf("%w: participant %d already committed to session %s", ErrSessionState, s.key.ID, session)
	}

	secret := encodeScalar(s.key.Secret)
	d, err := randomScalar(s.rand, dstNonce, secret)
	if err != nil {
		return Commitment{}, err
	}
	e, err := randomScalar(s.rand, dstNonce, secret)
	if err != nil {
		zeroize(d)
		return Commitment{}, err
	}
	c := Commitment{
		Session: session,
		ID:      s.key.ID,
		Hiding:  encodeElement(suite.NewElement().MulGen(d)),
		Binding: encodeElement(suite.NewElement().MulGen(e)),
	}
	s.nonces[session] = &noncePair{d: d, e: e, commitment: c}
	return c, nil
}

// Sign computes this participant's share z_i = d_i + e_i*rho_i +
// lambda_i*s_i*c over pkg. The session's nonces are consumed whether or not
// signing succeeds; a second request for the same session is a
// NonceReuseError.
func (s *Signer) Sign(pkg *SigningPackage) (SignatureShare, error) {
	if pkg == nil {
		return SignatureShare{}, errors.New("threshold: nil signing package")
	}
	s.mu.Lock()
	n, ok := s.nonces[pkg.Session]
	if !ok {
		_, spent := s.spent[pkg.Session]
		s.mu.Unlock()
		if spent {
			return SignatureShare{}, &NonceReuseError{Participant: s.key.ID, Session: pkg.Session, Reason: "asked to sign again with consumed nonces"}
		}
		return SignatureShare{}, fmt.Errorf("%w: participant %d has no commitment for session %s", ErrSessionState, s.key.ID, pkg.Session)
	}
	delete(s.nonces, pkg.Session)
	s.spent[pkg.Session] = struct{}{}
	s.mu.Unlock()
	defer zeroize(n.d, n.e)

	mine, ok := pkg.Commitment(s.key.ID)
	if !ok {
		return SignatureShare{}, fmt.Errorf("threshold: participant %d is not in the signing set", s.key.ID)
	}
	if !mine.sameNonces(n.commitment) {
		return SignatureShare{}, &NonceReuseError{Participant: s.key.ID, Session: pkg.Session, Reason: "signing package carries a different commitment for this participant"}
	}
	if len(pkg.Message) == 0 {
		return SignatureShare{}, errors.New("threshold: empty message")
	}
	if s.Approve != nil {
		if err := s.Approve(bytes.Clone(pkg.Message)); err != nil {
			return SignatureShare{}, fmt.Errorf("threshold: participant %d refused message: %w", s.key.ID, err)
		}
	}

	st, err := deriveBinding(s.key.Group, pkg)
	if err != nil {
		return SignatureShare{}, err
	}
	lambda, err := lagrange(s.key.ID, st.signers, suite.NewScalar())
	if err != nil {
		return SignatureShare{}, err
	}
	z := suite.NewScalar().Add(n.d, suite.NewScalar().Mul(n.e, st.rho[s.key.ID]))
	z = suite.NewScalar().Add(z, suite.NewScalar().Mul(suite.NewScalar().Mul(lambda, s.key.Secret), st.c))
	return SignatureShare{Session: pkg.Session, ID: s.key.ID, Z: encodeScalar(z)}, nil
}

// Discard drops the nonces of session without signing, e.g. when the
// participant was left out of the signing set or the session aborted.
func (s *Signer) Discard(session uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nonces[session]; ok {
		zeroize(n.d, n.e)
		delete(s.nonces, session)
		s.spent[session] = struct{}{}
	}
}

// Pending reports how many sessions hold unused nonces.
func (s *Signer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nonces)
}
