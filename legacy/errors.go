package legacy

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDescriptor reports a content.json that cannot be interpreted.
	ErrInvalidDescriptor = errors.New("legacy: invalid descriptor")
	// ErrBadSignature reports a signature that does not recover to the
	// claimed address.
	ErrBadSignature = errors.New("legacy: bad signature")
	// ErrInvalidAddress reports a malformed base58check address.
	ErrInvalidAddress = errors.New("legacy: invalid address")
	// ErrPayloadMismatch reports a legacy-signed manifest whose fields
	// disagree with the descriptor it carries.
	ErrPayloadMismatch = errors.New("legacy: manifest does not match its signed payload")
)

// UnrepresentableError is returned when a manifest cannot be expressed in
// the legacy format without losing its authorization.
type UnrepresentableError struct {
	Site   string
	Reason string
}

func (e *UnrepresentableError) Error() string {
	return fmt.Sprintf("legacy: manifest for %q is not representable: %s", e.Site, e.Reason)
}

// SignsError reports a descriptor that lacks the required number of valid
// signatures.
type SignsError struct {
	Valid    int
	Required int
}

func (e *SignsError) Error() string {
	return fmt.Sprintf("legacy: %d valid signatures, %d required", e.Valid, e.Required)
}

func (e *SignsError) Unwrap() error { return ErrBadSignature }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDescriptor, fmt.Sprintf(format, args...))
}
