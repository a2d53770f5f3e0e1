package common

import (
	"fmt"
)

// NotFoundError is returned when the required value is not found.
type NotFoundError struct {
	Message string
}

func (nf NotFoundError) Error() string {
	return fmt.Sprintf("%s", nf.Message)
}

// NewNotFoundError creates a new instance of NotFoundError with the given message.
func NewNotFoundError(message string) NotFoundError {
	return NotFoundError{
		Message: message,
	}
}

// StateViolationError is returned when an operation is not valid in the current
// state of a transaction or an enlistment.
type StateViolationError struct {
	Message string
	Cause   error
}

func (sve StateViolationError) Error() string {
	if sve.Cause != nil {
		return fmt.Sprintf("%s: %s", sve.Message, sve.Cause)
	}
	return fmt.Sprintf("%s", sve.Message)
}

// Unwrap returns the reason of the violation, if any.
func (sve StateViolationError) Unwrap() error {
	return sve.Cause
}

// NewStateViolationError creates a new instance of StateViolationError with the given message.
func NewStateViolationError(message string) StateViolationError {
	return StateViolationError{
		Message: message,
	}
}

// NewStateViolationErrorWithCause creates a new instance of StateViolationError carrying a reason.
func NewStateViolationErrorWithCause(message string, cause error) StateViolationError {
	return StateViolationError{
		Message: message,
		Cause:   cause,
	}
}

// TransactionCompletedError is returned when an operation is called on a transaction
// handle that has already been completed.
type TransactionCompletedError struct {
	Message string
}

func (tce TransactionCompletedError) Error() string {
	return fmt.Sprintf("%s", tce.Message)
}

// NewTransactionCompletedError creates a new instance of TransactionCompletedError with the given message.
func NewTransactionCompletedError(message string) TransactionCompletedError {
	return TransactionCompletedError{
		Message: message,
	}
}

// PromotionError is returned when a transaction could not be delegated to a distributed coordinator.
type PromotionError struct {
	Message string
	Cause   error
}

func (pe PromotionError) Error() string {
	if pe.Cause != nil {
		return fmt.Sprintf("%s: %s", pe.Message, pe.Cause)
	}
	return fmt.Sprintf("%s", pe.Message)
}

// Unwrap returns the underlying cause of the promotion failure.
func (pe PromotionError) Unwrap() error {
	return pe.Cause
}

// NewPromotionError creates a new instance of PromotionError with the given message and cause.
func NewPromotionError(message string, cause error) PromotionError {
	return PromotionError{
		Message: message,
		Cause:   cause,
	}
}

// UnsupportedPromoterTypeError is returned when a promotable enlistment names a
// promoter type the configured coordinator cannot import.
type UnsupportedPromoterTypeError struct {
	Message string
}

func (upt UnsupportedPromoterTypeError) Error() string {
	return fmt.Sprintf("%s", upt.Message)
}

// NewUnsupportedPromoterTypeError creates a new instance of UnsupportedPromoterTypeError with the given message.
func NewUnsupportedPromoterTypeError(message string) UnsupportedPromoterTypeError {
	return UnsupportedPromoterTypeError{
		Message: message,
	}
}

// InvalidOptionError is returned when invalid options are passed to an operation.
type InvalidOptionError struct {
	Message string
}

func (ioe InvalidOptionError) Error() string {
	return fmt.Sprintf("%s", ioe.Message)
}

// NewInvalidOptionError creates a new instance of InvalidOptionError with the given message.
func NewInvalidOptionError(message string) InvalidOptionError {
	return InvalidOptionError{
		Message: message,
	}
}
