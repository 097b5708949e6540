package core

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the ledger services and the HTTP layer.
var (
	ErrValidation         = errors.New("validation error")
	ErrInvalidDate        = errors.New("invalid date")
	ErrForbidden          = errors.New("forbidden")
	ErrNotAllowed         = errors.New("not allowed")
	ErrNotFound           = errors.New("not found")
	ErrInconsistentSeries = errors.New("inconsistent series")
)

// Field-level validation sentinels. Each one matches ErrValidation with errors.Is.
var (
	ErrInvalidDay        = newValidationSentinel("invalid day")
	ErrInvalidMonth      = newValidationSentinel("invalid month")
	ErrInvalidAmount     = newValidationSentinel("invalid amount")
	ErrEmptyLabel        = newValidationSentinel("empty label")
	ErrLabelTooLong      = newValidationSentinel("label too long (max 200 characters)")
	ErrInvalidKind       = newValidationSentinel("invalid transaction kind")
	ErrInvalidRecurrence = newValidationSentinel("invalid recurrence")
	ErrInvalidEndDate    = newValidationSentinel("invalid series end date")
	ErrTooManyTags       = newValidationSentinel("too many tags")
	ErrFrozenEntry       = newValidationSentinel("closed series entries cannot change recurrence")
	ErrInvalidRange      = newValidationSentinel("invalid date range")
)

type validationSentinel struct {
	msg string
}

func newValidationSentinel(msg string) error {
	return &validationSentinel{msg: msg}
}

func (e *validationSentinel) Error() string { return e.msg }

func (e *validationSentinel) Unwrap() error { return ErrValidation }

// ValidationError reports a user-correctable problem with a single input field.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

// Unwrap exposes both the field cause and ErrValidation to errors.Is.
func (e *ValidationError) Unwrap() []error {
	return []error{e.Err, ErrValidation}
}

// Invalid wraps err as a ValidationError on field.
func Invalid(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// IsValidation reports whether err is a user-correctable input error,
// including malformed dates.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidDate)
}
