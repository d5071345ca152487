// Package limits implements optional caps on loan issuance, checked by the
// collateral controller after sizing a loan.
package limits

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/vault-lending/internal/model"
)

var (
	// ErrPerLoanLimitExceeded is returned when a single loan's principal is
	// above the per-loan maximum.
	ErrPerLoanLimitExceeded = fmt.Errorf("limits: per-loan limit exceeded: %w", model.ErrBorrowCapExceeded)

	// ErrOutstandingLimitExceeded is returned when issuing a loan would push
	// the total principal outstanding across all borrowers above the
	// aggregate maximum.
	ErrOutstandingLimitExceeded = fmt.Errorf("limits: outstanding limit exceeded: %w", model.ErrBorrowCapExceeded)
)

// BorrowLimiter caps loan principal in token units. A zero limit disables
// that check.
type BorrowLimiter struct {
	// MaxPerLoan is the largest principal a single loan may carry.
	MaxPerLoan decimal.Decimal

	// MaxOutstanding is the largest sum of principal over all active loans.
	MaxOutstanding decimal.Decimal
}

// NewBorrowLimiter creates a limiter. Negative limits are treated as zero.
func NewBorrowLimiter(maxPerLoan, maxOutstanding decimal.Decimal) *BorrowLimiter {
	return &BorrowLimiter{
		MaxPerLoan:     decimal.Max(maxPerLoan, decimal.Zero),
		MaxOutstanding: decimal.Max(maxOutstanding, decimal.Zero),
	}
}

// Enabled reports whether any cap is set.
func (l *BorrowLimiter) Enabled() bool {
	return l != nil && (l.MaxPerLoan.IsPositive() || l.MaxOutstanding.IsPositive())
}

// CheckLimit validates a new loan of principal given the principal already
// outstanding. A nil limiter allows everything.
func (l *BorrowLimiter) CheckLimit(principal, outstanding decimal.Decimal) error {
	if l == nil {
		return nil
	}
	if l.MaxPerLoan.IsPositive() && principal.GreaterThan(l.MaxPerLoan) {
		return ErrPerLoanLimitExceeded
	}
	if l.MaxOutstanding.IsPositive() && outstanding.Add(principal).GreaterThan(l.MaxOutstanding) {
		return ErrOutstandingLimitExceeded
	}
	return nil
}
