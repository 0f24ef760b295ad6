package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Code identifies a terminal failure outcome. Callers branch on codes, never
// on message text.
type Code string

const (
	CodeInvalidAmount         Code = "INVALID_AMOUNT"
	CodeDuplicateReference    Code = "DUPLICATE_REFERENCE"
	CodeNotAuthorized         Code = "NOT_AUTHORIZED"
	CodeTransferNotPermitted  Code = "TRANSFER_NOT_PERMITTED"
	CodeInsufficientFunds     Code = "INSUFFICIENT_FUNDS"
	CodeInvalidBlockState     Code = "INVALID_BLOCK_STATE"
	CodeDailyCeilingExceeded  Code = "DAILY_CEILING_EXCEEDED"
	CodeLedgerNotFound        Code = "LEDGER_NOT_FOUND"
	CodeMovementNotFound      Code = "MOVEMENT_NOT_FOUND"
	CodeInvalidReconciliation Code = "INVALID_RECONCILIATION"
	CodeInvariantViolation    Code = "INVARIANT_VIOLATION"
	CodeRetryable             Code = "RETRYABLE"
)

// Error is a typed engine failure. It carries enough structured detail for
// the calling layer to render a precise message; the engine itself produces
// no end-user text.
type Error struct {
	Code      Code
	Rule      string // hierarchy rule violated, TRANSFER_NOT_PERMITTED only
	Available decimal.Decimal
	Requested decimal.Decimal
	msg       string
	cause     error
}

func (e *Error) Error() string {
	if e.msg != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.msg)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches errors by code, so callers can use errors.Is with a bare
// NewError(code) sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// NewError builds a typed failure.
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...)}
}

// WrapError builds a typed failure around an underlying cause.
func WrapError(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...), cause: cause}
}

// InsufficientFundsError reports a debit that the available balance cannot
// cover.
func InsufficientFundsError(available, requested decimal.Decimal) *Error {
	return &Error{
		Code:      CodeInsufficientFunds,
		Available: available,
		Requested: requested,
		msg:       fmt.Sprintf("available %s, requested %s", available, requested),
	}
}

// InvalidBlockStateError reports an unblock that the blocked balance cannot
// cover.
func InvalidBlockStateError(blocked, requested decimal.Decimal) *Error {
	return &Error{
		Code:      CodeInvalidBlockState,
		Available: blocked,
		Requested: requested,
		msg:       fmt.Sprintf("blocked %s, requested %s", blocked, requested),
	}
}

// TransferNotPermittedError reports the specific hierarchy rule violated.
func TransferNotPermittedError(rule, format string, args ...interface{}) *Error {
	return &Error{
		Code: CodeTransferNotPermitted,
		Rule: rule,
		msg:  fmt.Sprintf(format, args...),
	}
}

// CodeOf extracts the failure code from err, or empty when err is not a
// typed engine failure.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
