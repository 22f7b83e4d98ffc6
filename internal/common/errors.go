// Package common defines shared constants and the error taxonomy used by the
// client store, the reconciler and the reference backend. Callers should use
// errors.Is / errors.As to match these values.
package common

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Lookup errors.
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")

	// ErrVersionConflict means the backend holds a newer version than the one
	// a mutation was based on.
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnavailable covers every transient failure: network errors,
	// timeouts, backend down.
	ErrUnavailable = errors.New("backend unavailable")

	// Local persistence errors. Both are logged and absorbed.
	ErrStorageQuota      = errors.New("storage quota exceeded")
	ErrCorruptedSnapshot = errors.New("corrupted snapshot")

	// Token errors.
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// ValidationError reports a malformed entity. It is permanent: the mutation
// that produced it is discarded.
type ValidationError struct {
	Entity   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Entity, strings.Join(e.Problems, "; "))
}

// NewValidationError returns nil when problems is empty.
func NewValidationError(entity string, problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Entity: entity, Problems: problems}
}
