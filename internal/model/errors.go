package model

import (
	"errors"
	"fmt"
)

// Error kinds. Every failed engine operation unwraps to exactly one of these.
var (
	ErrInsufficientBalance       = errors.New("InsufficientBalance")
	ErrInsufficientShares        = errors.New("InsufficientShares")
	ErrInsufficientLiquidity     = errors.New("InsufficientLiquidity")
	ErrWrongAsset                = errors.New("WrongAsset")
	ErrBorrowerLocked            = errors.New("BorrowerLocked")
	ErrLoanAlreadyActive         = errors.New("LoanAlreadyActive")
	ErrInsufficientFunds         = errors.New("InsufficientFunds")
	ErrInsufficientPoolLiquidity = errors.New("InsufficientPoolLiquidity")
	ErrNotYetLiquidatable        = errors.New("NotYetLiquidatable")
	ErrUnauthorized              = errors.New("Unauthorized")
	ErrArithmeticOverflow        = errors.New("ArithmeticOverflow")

	ErrInvalidAmount          = errors.New("InvalidAmount")
	ErrInsufficientAllowance  = errors.New("InsufficientAllowance")
	ErrInsufficientCollateral = errors.New("InsufficientCollateral")
	ErrNoActiveLoan           = errors.New("NoActiveLoan")
	ErrIssuanceClosed         = errors.New("IssuanceClosed")
	ErrBorrowCapExceeded      = errors.New("BorrowCapExceeded")
	ErrNotFound               = errors.New("NotFound")
	ErrInvalidAccount         = errors.New("InvalidAccount")
)

var kinds = []error{
	ErrInsufficientBalance,
	ErrInsufficientShares,
	ErrInsufficientLiquidity,
	ErrWrongAsset,
	ErrBorrowerLocked,
	ErrLoanAlreadyActive,
	ErrInsufficientFunds,
	ErrInsufficientPoolLiquidity,
	ErrNotYetLiquidatable,
	ErrUnauthorized,
	ErrArithmeticOverflow,
	ErrInvalidAmount,
	ErrInsufficientAllowance,
	ErrInsufficientCollateral,
	ErrNoActiveLoan,
	ErrIssuanceClosed,
	ErrBorrowCapExceeded,
	ErrNotFound,
	ErrInvalidAccount,
}

// OpError carries the error kind together with the precondition that
// failed, e.g. "need more funds".
type OpError struct {
	Op     string
	Kind   error
	Detail string
}

func (e *OpError) Error() string {
	if e.Detail == "" {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Detail
}

func (e *OpError) Unwrap() error {
	return e.Kind
}

// Fail builds an *OpError. kind must be one of the Err* kinds above.
func Fail(op string, kind error, format string, args ...any) error {
	return &OpError{Op: op, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the name of the error kind wrapped by err, or "" when err
// does not carry one.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return ""
}

// DetailOf returns the human-readable precondition of an *OpError, falling
// back to err.Error().
func DetailOf(err error) string {
	var oe *OpError
	if errors.As(err, &oe) && oe.Detail != "" {
		return oe.Detail
	}
	return err.Error()
}
