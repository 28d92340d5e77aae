package omniuri

import "errors"

// Common errors returned by omniuri handles, backends and utilities.
var (
	// ErrNotValidURI is returned by every storage operation on a handle
	// that no registered backend accepted.
	ErrNotValidURI = errors.New("omniuri: not a valid URI")

	// ErrNotFound is returned when a path does not exist.
	ErrNotFound = errors.New("omniuri: not found")

	// ErrPermissionDenied is returned when access to a path is denied.
	ErrPermissionDenied = errors.New("omniuri: permission denied")

	// ErrTransient marks a backend-internal failure worth retrying
	// (gateway timeout, service unavailable, read-after-write races).
	ErrTransient = errors.New("omniuri: transient backend error")

	// ErrLocalizationCycle is returned when localization recursion reaches
	// the configured depth ceiling.
	ErrLocalizationCycle = errors.New("omniuri: localization recursion limit reached")

	// ErrLockTimeout is returned when a lock could not be acquired in time.
	ErrLockTimeout = errors.New("omniuri: lock timeout")

	// ErrLockRelease is returned when a lock object could not be removed
	// after all retries. The stale lock must be removed manually.
	ErrLockRelease = errors.New("omniuri: lock release failed")

	// ErrTransferUnsupported is returned when neither backend of a
	// source/destination pair registered a transfer for it.
	ErrTransferUnsupported = errors.New("omniuri: transfer unsupported")

	// ErrNoLocalizationRoot is returned when Localize has neither an
	// explicit target root nor a configured one.
	ErrNoLocalizationRoot = errors.New("omniuri: empty localization root")

	// ErrNotSupported is returned when an operation is not supported by the backend.
	ErrNotSupported = errors.New("omniuri: operation not supported")

	// ErrInvalidPath is returned when a path is invalid (e.g., contains forbidden characters).
	ErrInvalidPath = errors.New("omniuri: invalid path")

	// ErrBackendClosed is returned when operating on a closed backend.
	ErrBackendClosed = errors.New("omniuri: backend closed")

	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("omniuri: writer closed")
)

// IsNotFound returns true if the error indicates a path was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsPermissionDenied returns true if the error indicates permission was denied.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// IsTransient returns true if the error is a retryable backend error.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsNotSupported returns true if the error indicates an unsupported operation.
func IsNotSupported(err error) bool {
	return errors.Is(err, ErrNotSupported)
}
