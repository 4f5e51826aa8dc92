package app

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a requested status change is
	// not an edge of the lifecycle table. The transaction is unchanged.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrReferenceExhausted is returned when reference generation kept
	// colliding past the retry budget. No transaction was persisted.
	ErrReferenceExhausted = errors.New("reference generation exhausted")

	// ErrReviewAlreadyResolved is returned when the transaction left
	// on_hold through another path before this resolution landed.
	ErrReviewAlreadyResolved = errors.New("review already resolved")
)

// ValidationError rejects a malformed or out-of-range request before any
// state is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidationError reports whether err is a request validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
