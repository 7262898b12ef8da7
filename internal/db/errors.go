package db

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Callers branch with errors.Is; the HTTP layer maps
// them onto the wire envelope.
var (
	// ErrNotFound means the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation means the input violates a store invariant.
	ErrValidation = errors.New("validation failed")

	// ErrConflict means a lease is already held or a concurrent update won.
	ErrConflict = errors.New("conflict")

	// ErrQueueEmpty means no ticket is eligible for claiming.
	ErrQueueEmpty = errors.New("queue empty")

	// ErrLockExpired means a heartbeat or release was attempted by a
	// caller that no longer holds the lease.
	ErrLockExpired = errors.New("lock expired")
)

// notFound wraps ErrNotFound with the entity that was missing.
func notFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

// invalid wraps ErrValidation with a reason.
func invalid(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}
