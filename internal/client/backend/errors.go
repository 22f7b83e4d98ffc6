package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/shotkeeper/internal/common"
)

// ConflictError means the mutation's base version is older than the
// backend's record. Current is that record.
type ConflictError struct {
	Current json.RawMessage
}

func (e *ConflictError) Error() string { return common.ErrVersionConflict.Error() }

func (e *ConflictError) Unwrap() error { return common.ErrVersionConflict }

// RejectedError is a permanent refusal: validation, authorization or a
// missing target.
type RejectedError struct {
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rejected: %s: %v", e.Reason, e.Err)
	}
	return "rejected: " + e.Reason
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Class is how the reconciler treats a Submit error.
type Class int

const (
	ClassTransient Class = iota
	ClassConflict
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassConflict:
		return "conflict"
	case ClassPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// Classify sorts err into a Class. Errors nobody recognises are transient,
// which keeps the mutation queued.
func Classify(err error) Class {
	var conflict *ConflictError
	var rejected *RejectedError
	var invalid *common.ValidationError
	switch {
	case errors.As(err, &conflict):
		return ClassConflict
	case errors.As(err, &rejected), errors.As(err, &invalid):
		return ClassPermanent
	case errors.Is(err, common.ErrForbidden), errors.Is(err, common.ErrNotFound):
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// unavailable wraps err as transient.
func unavailable(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", common.ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
}
