package storage

import "errors"

var (
	ErrNotFound          = errors.New("storage: not found")
	ErrInvalidCID        = errors.New("storage: invalid cid")
	ErrCIDMismatch       = errors.New("storage: cid mismatch")
	ErrImmutable         = errors.New("storage: immutable object mismatch")
	ErrUnsupportedScheme = errors.New("storage: addressing scheme not supported by this store")
	ErrNoBackends        = errors.New("storage: no backends configured")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
