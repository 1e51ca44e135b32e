package manifest

import "errors"

// Kind is a stable category for programmatic error handling.
//
// Callers should branch on Kind/RuleID rather than matching error strings.
// Use errors.As to extract *Error for structured handling.
type Kind string

const (
	// KindStructural covers duplicate paths and malformed entries.
	KindStructural Kind = "Structural"
	// KindChain covers broken version linkage.
	KindChain    Kind = "Chain"
	KindCodec    Kind = "Codec"
	KindInternal Kind = "Internal"
)

// Error is the package's structured error type.
//
// RuleID names the violated rule (e.g. MAN-STR-011, MAN-CHAIN-002).
// Message is for humans; do not match on it.
type Error struct {
	Kind    Kind
	RuleID  string
	Message string
	Cause   error
}

var (
	// ErrStructural matches any *Error of KindStructural via errors.Is.
	ErrStructural = &Error{Kind: KindStructural}
	// ErrChain matches any *Error of KindChain via errors.Is.
	ErrChain = &Error{Kind: KindChain}
	// ErrCodec matches any *Error of KindCodec via errors.Is.
	ErrCodec = &Error{Kind: KindCodec}
)

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message == "" {
		return "manifest: " + string(e.Kind) + " error"
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches kind-only sentinels such as ErrChain.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.RuleID == "" && t.Message == "" && t.Kind == e.Kind
}

func newError(kind Kind, ruleID, msg string) error {
	return &Error{Kind: kind, RuleID: ruleID, Message: msg}
}

func wrapError(kind Kind, ruleID, msg string, cause error) error {
	if cause == nil {
		return newError(kind, ruleID, msg)
	}
	return &Error{Kind: kind, RuleID: ruleID, Message: msg + ": " + cause.Error(), Cause: cause}
}

// IsKind reports whether err is (or wraps) a *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// RuleID returns the stable RuleID for a structured error, or "" if unknown.
func RuleID(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.RuleID
}
