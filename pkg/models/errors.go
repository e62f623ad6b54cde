package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures raised while executing payments
type ErrorKind string

const (
	KindValidation            ErrorKind = "validation"
	KindInsufficientFunds     ErrorKind = "insufficient_funds"
	KindInsufficientAllowance ErrorKind = "insufficient_allowance"
	KindRecoverableLedger     ErrorKind = "recoverable_ledger"
	KindTerminalLedger        ErrorKind = "terminal_ledger"
	KindLeaseConflict         ErrorKind = "lease_conflict"
	KindStore                 ErrorKind = "store"
)

// Sentinels usable with errors.Is against any PaymentError of the same kind.
var (
	ErrValidation            = &PaymentError{Kind: KindValidation}
	ErrInsufficientFunds     = &PaymentError{Kind: KindInsufficientFunds}
	ErrInsufficientAllowance = &PaymentError{Kind: KindInsufficientAllowance}
	ErrRecoverableLedger     = &PaymentError{Kind: KindRecoverableLedger}
	ErrTerminalLedger        = &PaymentError{Kind: KindTerminalLedger}
	ErrLeaseConflict         = &PaymentError{Kind: KindLeaseConflict}
	ErrStore                 = &PaymentError{Kind: KindStore}
)

// PaymentError is a typed failure. TxHash is set when a transaction was
// broadcast before the failure was observed.
type PaymentError struct {
	Kind    ErrorKind
	Message string
	TxHash  string
	Err     error
}

func (e *PaymentError) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Is matches on kind so callers can compare against the sentinels
func (e *PaymentError) Is(target error) bool {
	t, ok := target.(*PaymentError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewPaymentError builds a PaymentError of the given kind
func NewPaymentError(kind ErrorKind, err error, format string, args ...interface{}) *PaymentError {
	return &PaymentError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// WithTxHash returns a copy of the error annotated with the broadcast hash
func (e *PaymentError) WithTxHash(hash string) *PaymentError {
	c := *e
	c.TxHash = hash
	return &c
}

// KindOf returns the kind of the first PaymentError in the chain
func KindOf(err error) (ErrorKind, bool) {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindValidation, true
	}
	return "", false
}

// TxHashOf returns the transaction hash attached to err, if any
func TxHashOf(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.TxHash
	}
	return ""
}

// ValidationError aggregates every problem found in a request
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation: " + strings.Join(e.Problems, "; ")
}

// Is lets a ValidationError match ErrValidation
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*PaymentError)
	return ok && t.Kind == KindValidation
}

// Add records a problem
func (e *ValidationError) Add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// ErrOrNil returns nil when no problem was recorded
func (e *ValidationError) ErrOrNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}
