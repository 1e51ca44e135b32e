package threshold

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Coordinator opens signing sessions for one group. It relays nothing
// itself: callers move Commitments, SigningPackages and SignatureShares
// between participants however they like.
type Coordinator struct {
	group   *Group
	ledger  *NonceLedger
	log     *zap.Logger
	metrics *Metrics
}

// CoordinatorOptions configures a Coordinator. Zero values are usable.
type CoordinatorOptions struct {
	Logger  *zap.Logger
	Metrics *Metrics
	// Ledger persists across sessions of the same group. A fresh one is
	// created when nil.
	Ledger *NonceLedger
}

func NewCoordinator(g *Group, opts CoordinatorOptions) (*Coordinator, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{group: g, ledger: opts.Ledger, log: opts.Logger, metrics: opts.Metrics}
	if c.ledger == nil {
		c.ledger = NewNonceLedger()
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	c.log = c.log.With(zap.String("group", g.Fingerprint()))
	return c, nil
}

func (c *Coordinator) Group() *Group { return c.group }

type sessionState int

const (
	stateCommitting sessionState = iota
	stateSigning
	stateDone
	stateAborted
)

// Session is the coordinator's ephemeral state for signing one message. It
// is never persisted and is cleared once it produces a signature or aborts.
// All methods are safe for concurrent use.
type Session struct {
	ID uuid.UUID

	c   *Coordinator
	log *zap.Logger

	mu          sync.Mutex
	state       sessionState
	message     []byte
	commitments map[Identifier]Commitment
	pkg         *SigningPackage
	binding     *bindingState
	shares      map[Identifier][]byte
	err         error
}

// Open starts a session for msg.
func (c *Coordinator) Open(msg []byte) *Session {
	s := &Session{
		ID:          uuid.New(),
		c:           c,
		message:     bytes.Clone(msg),
		commitments: make(map[Identifier]Commitment),
		shares:      make(map[Identifier][]byte),
	}
	s.log = c.log.With(zap.Stringer("session", s.ID))
	s.log.Debug("signing session opened", zap.Int("message_bytes", len(msg)))
	return s
}

// AddCommitment records a round-one commitment. A commitment whose points
// were seen before in any session aborts this session with a
// NonceReuseError.
func (s *Session) AddCommitment(cm Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.open(); err != nil {
		return err
	}
	if s.state != stateCommitting {
		return fmt.Errorf("%w: commitment from participant %d after signing set was fixed", ErrSessionState, cm.ID)
	}
	if !s.c.group.Has(cm.ID) {
		return fmt.Errorf("%w: %d", ErrUnknownParticipant, cm.ID)
	}
	if cm.Session != s.ID {
		return fmt.Errorf("threshold: commitment for session %s delivered to %s", cm.Session, s.ID)
	}
	if prev, ok := s.commitments[cm.ID]; ok {
		if prev.sameNonces(cm) {
			return nil
		}
		err := &NonceReuseError{Participant: cm.ID, Session: s.ID, Reason: "participant sent two different commitments"}
		s.abortLocked(err)
		return err
	}
	if _, err := decodeElement(cm.Hiding); err != nil {
		return fmt.Errorf("threshold: participant %d: %w", cm.ID, err)
	}
	if _, err := decodeElement(cm.Binding); err != nil {
		return fmt.Errorf("threshold: participant %d: %w", cm.ID, err)
	}
	if err := s.c.ledger.Observe(cm); err != nil {
		s.c.metrics.reuse()
		s.log.Error("nonce reuse detected, aborting session",
			zap.Uint16("participant", uint16(cm.ID)), zap.Error(err))
		s.abortLocked(err)
		return err
	}
	s.commitments[cm.ID] = cm
	s.log.Debug("commitment accepted", zap.Uint16("participant", uint16(cm.ID)), zap.Int("committed", len(s.commitments)))
	return nil
}

// Package fixes the signing set to the t lowest committed identifiers and
// returns the round-two request. Participants outside the set should
// Discard their nonces; Excluded lists them.
func (s *Session) Package() (*SigningPackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.open(); err != nil {
		return nil, err
	}
	if s.pkg != nil {
		return s.pkg, nil
	}
	t := int(s.c.group.Threshold)
	if len(s.commitments) < t {
		return nil, &QuorumNotMetError{Session: s.ID, Have: len(s.commitments), Threshold: t}
	}
	ids := sortedIDs(s.commitments)[:t]
	pkg := &SigningPackage{Session: s.ID, Message: bytes.Clone(s.message)}
	for _, id := range ids {
		pkg.Commitments = append(pkg.Commitments, s.commitments[id])
	}
	st, err := deriveBinding(s.c.group, pkg)
	if err != nil {
		s.abortLocked(err)
		return nil, err
	}
	s.pkg, s.binding, s.state = pkg, st, stateSigning
	s.log.Debug("signing set fixed", zap.Any("signers", ids))
	return pkg, nil
}

// Excluded returns committed participants left out of the signing set.
func (s *Session) Excluded() []Identifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pkg == nil {
		return nil
	}
	in := make(map[Identifier]bool, len(s.pkg.Commitments))
	for _, c := range s.pkg.Commitments {
		in[c.ID] = true
	}
	var out []Identifier
	for _, id := range sortedIDs(s.commitments) {
		if !in[id] {
			out = append(out, id)
		}
	}
	return out
}

// AddShare verifies a partial signature against the sender's public share
// (z_i*G == R_i + c*lambda_i*PK_i) and records it. Invalid shares are
// rejected with a ShareError and do not count toward the quorum.
func (s *Session) AddShare(sh SignatureShare) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.open(); err != nil {
		return err
	}
	if s.state != stateSigning {
		return fmt.Errorf("%w: share before signing package", ErrSessionState)
	}
	if sh.Session != s.ID {
		return &ShareError{Participant: sh.ID, Session: s.ID, Reason: "share for session " + sh.Session.String()}
	}
	if _, ok := s.binding.rho[sh.ID]; !ok {
		s.c.metrics.share("rejected")
		return &ShareError{Participant: sh.ID, Session: s.ID, Reason: "not in signing set"}
	}
	if _, dup := s.shares[sh.ID]; dup {
		return nil
	}
	z, err := decodeScalar(sh.Z)
	if err != nil {
		s.c.metrics.share("rejected")
		return &ShareError{Participant: sh.ID, Session: s.ID, Reason: err.Error()}
	}
	lambda, err := lagrange(sh.ID, s.binding.signers, suite.NewScalar())
	if err != nil {
		return err
	}
	pub := s.c.group.Shares[sh.ID]
	lhs := suite.NewElement().MulGen(z)
	rhs := suite.NewElement().Add(
		s.binding.commitmentShare(sh.ID),
		suite.NewElement().Mul(pub.e, suite.NewScalar().Mul(s.binding.c, lambda)),
	)
	if !lhs.IsEqual(rhs) {
		s.c.metrics.share("rejected")
		s.log.Warn("invalid signature share", zap.Uint16("participant", uint16(sh.ID)))
		return &ShareError{Participant: sh.ID, Session: s.ID, Reason: "share does not verify"}
	}
	s.shares[sh.ID] = bytes.Clone(sh.Z)
	s.c.metrics.share("accepted")
	return nil
}

// Ready reports whether every member of the signing set has contributed a
// valid share.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateSigning && len(s.shares) == len(s.binding.signers)
}

// Collect feeds shares from in into the session until the quorum is
// reached, then aggregates. If ctx ends or in closes first the session is
// aborted with a QuorumNotMetError. Invalid shares are logged and skipped.
func (s *Session) Collect(ctx context.Context, in <-chan SignatureShare) ([]byte, error) {
	for {
		if s.Ready() {
			return s.Aggregate()
		}
		select {
		case <-ctx.Done():
			return nil, s.quorumFailure(ctx.Err())
		case sh, ok := <-in:
			if !ok {
				return nil, s.quorumFailure(errors.New("share stream closed"))
			}
			if err := s.AddShare(sh); err != nil {
				var reuse *NonceReuseError
				if errors.As(err, &reuse) || errors.Is(err, ErrSessionClosed) {
					return nil, err
				}
				s.log.Warn("share skipped", zap.Error(err))
			}
		}
	}
}

func (s *Session) quorumFailure(cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	err := &QuorumNotMetError{Session: s.ID, Have: len(s.shares), Threshold: int(s.c.group.Threshold), Cause: cause}
	s.abortLocked(err)
	return err
}

// Aggregate combines the signing set's shares into a 64-byte signature
// verifiable with the group public key alone. Fewer than t valid shares is
// a QuorumNotMetError; the session stays open so late shares may still
// arrive.
func (s *Session) Aggregate() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.open(); err != nil {
		return nil, err
	}
	t := int(s.c.group.Threshold)
	if s.state != stateSigning {
		return nil, &QuorumNotMetError{Session: s.ID, Have: len(s.commitments), Threshold: t, Cause: ErrSessionState}
	}
	if len(s.shares) < len(s.binding.signers) {
		return nil, &QuorumNotMetError{Session: s.ID, Have: len(s.shares), Threshold: t}
	}

	z := suite.NewScalar()
	for _, id := range s.binding.signers {
		zi, err := decodeScalar(s.shares[id])
		if err != nil {
			return nil, err
		}
		z = suite.NewScalar().Add(z, zi)
	}
	sig := append(encodeElement(s.binding.r), encodeScalar(z)...)
	if err := Verify(s.c.group.PublicKey, s.message, sig); err != nil {
		s.abortLocked(err)
		return nil, fmt.Errorf("threshold: aggregate does not verify: %w", err)
	}
	s.state = stateDone
	s.clearLocked()
	s.c.metrics.session("signed")
	s.log.Info("threshold signature aggregated", zap.Any("signers", s.binding.signers))
	return sig, nil
}

// Abort ends the session and drops its state.
func (s *Session) Abort(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDone || s.state == stateAborted {
		return
	}
	s.abortLocked(reason)
}

// Signers returns the fixed signing set, or nil before Package.
func (s *Session) Signers() []Identifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binding == nil {
		return nil
	}
	return append([]Identifier(nil), s.binding.signers...)
}

func (s *Session) open() error {
	switch s.state {
	case stateDone:
		return ErrSessionClosed
	case stateAborted:
		if s.err != nil {
			return fmt.Errorf("%w: %v", ErrSessionClosed, s.err)
		}
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) abortLocked(reason error) {
	s.state = stateAborted
	s.err = reason
	s.clearLocked()
	outcome := "aborted"
	var reuse *NonceReuseError
	var quorum *QuorumNotMetError
	switch {
	case errors.As(reason, &reuse):
		outcome = "nonce_reuse"
	case errors.As(reason, &quorum):
		outcome = "quorum_not_met"
	}
	s.c.metrics.session(outcome)
	s.log.Warn("signing session aborted", zap.String("outcome", outcome), zap.Error(reason))
}

func (s *Session) clearLocked() {
	s.message = nil
	s.commitments = map[Identifier]Commitment{}
	s.shares = map[Identifier][]byte{}
	s.pkg = nil
}
