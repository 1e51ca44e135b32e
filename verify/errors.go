package verify

import (
	"errors"
	"fmt"
)

// Reason classifies a verification failure.
type Reason string

const (
	ReasonBadSignature       Reason = "BadSignature"
	ReasonSequenceRollback   Reason = "SequenceRollback"
	ReasonLinkMismatch       Reason = "LinkMismatch"
	ReasonUnknownTrustAnchor Reason = "UnknownTrustAnchor"
	ReasonStructural         Reason = "Structural"
)

// VerificationError is the only error type Verify returns for a rejected
// manifest. Cause carries the underlying detail.
type VerificationError struct {
	Reason   Reason
	Site     string
	Sequence uint64
	Cause    error
}

var (
	// ErrBadSignature matches any VerificationError with ReasonBadSignature
	// via errors.Is; likewise for the other sentinels.
	ErrBadSignature       = &VerificationError{Reason: ReasonBadSignature}
	ErrSequenceRollback   = &VerificationError{Reason: ReasonSequenceRollback}
	ErrLinkMismatch       = &VerificationError{Reason: ReasonLinkMismatch}
	ErrUnknownTrustAnchor = &VerificationError{Reason: ReasonUnknownTrustAnchor}
	ErrStructural         = &VerificationError{Reason: ReasonStructural}
)

func (e *VerificationError) Error() string {
	msg := fmt.Sprintf("verify: %s", e.Reason)
	if e.Site != "" {
		msg += fmt.Sprintf(": %s#%d", e.Site, e.Sequence)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *VerificationError) Unwrap() error { return e.Cause }

// Is matches on Reason so callers can use the sentinels above.
func (e *VerificationError) Is(target error) bool {
	t, ok := target.(*VerificationError)
	if !ok {
		return false
	}
	return t.Reason == e.Reason && (t.Site == "" || t.Site == e.Site)
}

// ReasonOf returns the reason of a VerificationError in err's chain, or "".
func ReasonOf(err error) Reason {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ""
}

// ErrStale is returned by SequenceTracker.Advance when the offered sequence
// does not exceed the recorded one.
var ErrStale = errors.New("verify: sequence not newer than recorded")
