package models

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError indicates malformed input. It is always recoverable by the caller.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrInvalidAmount is returned when a payment amount is not strictly positive.
var ErrInvalidAmount = &ValidationError{Field: "amount", Message: "must be greater than zero"}

// Is matches validation errors on the same field.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Field == e.Field
}

// MissingColumnsError aborts statement ingestion.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("statement is missing required columns: %s", strings.Join(e.Columns, ", "))
}

type StateCode string

const (
	StateAlreadySettled    StateCode = "already_settled"
	StateAlreadyReconciled StateCode = "already_reconciled"
)

// StateError is a business-rule rejection, not a defect.
type StateError struct {
	Code   StateCode
	Detail string
}

func (e *StateError) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Is reports whether target is a StateError with the same code.
func (e *StateError) Is(target error) bool {
	t, ok := target.(*StateError)
	return ok && t.Code == e.Code
}

var (
	ErrAlreadySettled    = &StateError{Code: StateAlreadySettled}
	ErrAlreadyReconciled = &StateError{Code: StateAlreadyReconciled}
)

// NotFoundError indicates an unknown loan, installment, payer or transaction.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// IntegrityError means a ledger invariant broke. Processing of the loan must stop.
type IntegrityError struct {
	LoanID   string
	Sequence int
	Detail   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity violated on loan %s installment %d: %s", e.LoanID, e.Sequence, e.Detail)
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsIntegrity reports whether err wraps an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsPermanent reports whether err is a caller or state error that a retry
// cannot change.
func IsPermanent(err error) bool {
	var (
		ve *ValidationError
		mc *MissingColumnsError
		se *StateError
	)
	return IsNotFound(err) || errors.As(err, &ve) || errors.As(err, &mc) || errors.As(err, &se)
}
