package threshold

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInvalidSignature is returned by Verify for any signature that does
	// not verify.
	ErrInvalidSignature = errors.New("threshold: invalid signature")
	// ErrInvalidParameters reports an impossible (t, n) pair.
	ErrInvalidParameters = errors.New("threshold: invalid group parameters")
	// ErrUnknownParticipant reports an identifier outside 1..n.
	ErrUnknownParticipant = errors.New("threshold: unknown participant")
	// ErrSessionClosed is returned for messages that arrive after a session
	// produced its signature or was aborted.
	ErrSessionClosed = errors.New("threshold: session closed")
	// ErrSessionState reports a message that does not fit the session's phase.
	ErrSessionState = errors.New("threshold: unexpected message for session state")
)

// InsufficientParticipantsError is returned by key generation when fewer
// than Threshold participants committed.
type InsufficientParticipantsError struct {
	Committed int
	Threshold int
}

func (e *InsufficientParticipantsError) Error() string {
	return fmt.Sprintf("threshold: insufficient participants: %d committed, %d required", e.Committed, e.Threshold)
}

// QuorumNotMetError is returned when a signing session cannot gather
// Threshold valid contributions, either before its deadline or at
// aggregation time.
type QuorumNotMetError struct {
	Session   uuid.UUID
	Have      int
	Threshold int
	Cause     error
}

func (e *QuorumNotMetError) Error() string {
	msg := fmt.Sprintf("threshold: session %s: quorum not met: %d of %d", e.Session, e.Have, e.Threshold)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *QuorumNotMetError) Unwrap() error { return e.Cause }

// NonceReuseError reports a nonce commitment seen in more than one session,
// or a participant asked to sign twice with the same nonces. It is a
// protocol-safety violation: the session is aborted and never retried.
type NonceReuseError struct {
	Participant Identifier
	Session     uuid.UUID
	FirstSeenIn uuid.UUID
	Reason      string
}

func (e *NonceReuseError) Error() string {
	if e.FirstSeenIn != uuid.Nil && e.FirstSeenIn != e.Session {
		return fmt.Sprintf("threshold: nonce reuse by participant %d in session %s (first seen in %s): %s", e.Participant, e.Session, e.FirstSeenIn, e.Reason)
	}
	return fmt.Sprintf("threshold: nonce reuse by participant %d in session %s: %s", e.Participant, e.Session, e.Reason)
}

// ComplaintError names a participant whose key generation or repair
// contribution failed verification.
type ComplaintError struct {
	Culprit Identifier
	Reason  string
}

func (e *ComplaintError) Error() string {
	return fmt.Sprintf("threshold: complaint against participant %d: %s", e.Culprit, e.Reason)
}

// ShareError reports a partial signature that failed verification. The
// share is not counted toward the quorum.
type ShareError struct {
	Participant Identifier
	Session     uuid.UUID
	Reason      string
}

func (e *ShareError) Error() string {
	return fmt.Sprintf("threshold: session %s: invalid share from participant %d: %s", e.Session, e.Participant, e.Reason)
}
