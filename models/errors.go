package models

import (
	"errors"
	"fmt"
)

// Error classes. Every failure surfaced by the deployment core wraps exactly
// one of these so callers can map it to an exit code or a retry decision
// with errors.Is.
var (
	// ErrUser: invalid input. No state was mutated.
	ErrUser = errors.New("invalid input")
	// ErrStorageCorrupt: an on-disk invariant is already violated. All
	// further mutation is refused until externally resolved.
	ErrStorageCorrupt = errors.New("storage corruption detected")
	// ErrNetworkTransient: a pull failed after bounded retries.
	ErrNetworkTransient = errors.New("transient network failure")
	// ErrLockContended: another mutation holds the storage root lock.
	ErrLockContended = errors.New("storage root is locked")
)

func Userf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUser, fmt.Sprintf(format, args...))
}

func Corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStorageCorrupt, fmt.Sprintf(format, args...))
}

// ExitCode maps an error to the process exit code contract: 0 success,
// 1 user error, 2 storage corruption, 3 network transient, 4 lock
// contention, 5 anything else.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrUser):
		return 1
	case errors.Is(err, ErrStorageCorrupt):
		return 2
	case errors.Is(err, ErrNetworkTransient):
		return 3
	case errors.Is(err, ErrLockContended):
		return 4
	default:
		return 5
	}
}
