package model

import (
	"errors"
	"fmt"
)

// Shared error taxonomy. Accounting errors abort one operation only; the
// mutation queue keeps processing. ErrStaleOrderState is recovered inside the
// matcher and never surfaced to callers.
var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInsufficientHolding = errors.New("insufficient holding quantity")
	ErrAccountNotFound     = errors.New("account not found")
	ErrOrderNotFound       = errors.New("order not found")
	ErrPositionNotFound    = errors.New("position not found")
	ErrHoldingNotFound     = errors.New("holding not found")
	ErrOrderNotCancelable  = errors.New("order is not cancelable")
	ErrStaleOrderState     = errors.New("order state changed concurrently")
	ErrServiceUnavailable  = errors.New("service unavailable")
	ErrPriceUnavailable    = errors.New("no price available")
)

// ValidationError reports bad input shape or range. Surfaced immediately to
// the caller, before any mutation.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// Validationf builds a ValidationError for the given field.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// IsDomainError reports whether err is part of the domain taxonomy, as opposed
// to a transient infrastructure failure worth retrying.
func IsDomainError(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	for _, target := range []error{
		ErrInsufficientFunds, ErrInsufficientHolding,
		ErrAccountNotFound, ErrOrderNotFound, ErrPositionNotFound,
		ErrHoldingNotFound, ErrOrderNotCancelable, ErrStaleOrderState,
		ErrPriceUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
