package store

import "errors"

// Failure taxonomy (SPEC_FULL.md §4.3, §7). NotCached, RegistryUnauthorized,
// and RegistryNotFound are non-retriable by the caller; NetworkError and
// DigestMismatch feed ImagePullBackoff.
var (
	ErrNotCached            = errors.New("store: reference not cached")
	ErrRegistryUnauthorized = errors.New("store: registry authentication rejected")
	ErrRegistryNotFound     = errors.New("store: reference not found on registry")
	ErrNetworkError         = errors.New("store: network error contacting registry")
	ErrDigestMismatch       = errors.New("store: pulled content digest does not match reference")
)

// Retriable reports whether the caller (ImagePull) should route the error
// into ImagePullBackoff rather than treating it as a hard failure.
func Retriable(err error) bool {
	return errors.Is(err, ErrNetworkError) || errors.Is(err, ErrDigestMismatch)
}
