package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors for image storage operations. Backends wrap these with
// fmt.Errorf("...: %w", ...) and callers classify with errors.Is.
var (
	// ErrValidation reports bad caller input: a nil image, an incomplete key,
	// mutually exclusive options.
	ErrValidation = errors.New("invalid image argument")

	// ErrNotFound reports a read of a key that holds nothing (or a tombstone).
	ErrNotFound = errors.New("image file not found")

	// ErrNotImplemented reports an optional capability a backend does not provide.
	ErrNotImplemented = errors.New("not implemented by storage backend")

	// ErrAuthMechanism reports that the remote service rejected the backend's
	// authentication scheme. The wrapping message says what to reconfigure.
	ErrAuthMechanism = errors.New("authorization mechanism rejected by storage service")

	// ErrMissingOriginal reports an image group with no original. It wraps
	// ErrNotFound so callers may match either.
	ErrMissingOriginal = fmt.Errorf("%w: no original image", ErrNotFound)
)

// NotFound wraps ErrNotFound with the key that was looked up.
func NotFound(key Key) error {
	return fmt.Errorf("%w: %s", ErrNotFound, key)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
