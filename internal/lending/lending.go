// Package lending is the lending ledger: per-borrower loan records and the
// append-only registry of every loan ever opened.
package lending

import (
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/vault-lending/internal/amount"
	"github.com/atmx/vault-lending/internal/model"
)

// Loan is one borrower's current loan record. A settled loan keeps its
// record with Active false and zeroed amounts.
type Loan struct {
	Borrower     string
	Principal    uint256.Int
	RepaymentDue uint256.Int
	OpenedAt     time.Time
	Active       bool
	Index        int
}

// Book holds the loan records. Not safe for concurrent use.
type Book struct {
	feeBps   uint64
	loans    map[string]*Loan
	registry []string
}

// New creates an empty book charging feeBps basis points on principal.
func New(feeBps uint64) *Book {
	return &Book{feeBps: feeBps, loans: make(map[string]*Loan)}
}

// FeeBps returns the configured fee.
func (b *Book) FeeBps() uint64 { return b.feeBps }

// Due returns principal plus the fee, floor rounded.
func (b *Book) Due(principal *uint256.Int) (*uint256.Int, error) {
	fee, err := amount.Bps(principal, b.feeBps)
	if err != nil {
		return nil, err
	}
	return amount.Add(principal, fee)
}

// RegisterLoan opens a loan for borrower and appends it to the registry.
// It returns the registry index of the new entry.
func (b *Book) RegisterLoan(borrower string, principal *uint256.Int, at time.Time) (int, error) {
	const op = "lending.registerLoan"
	if l, ok := b.loans[borrower]; ok && l.Active {
		return 0, model.Fail(op, model.ErrLoanAlreadyActive, "%s already has an active loan", borrower)
	}
	if principal.IsZero() {
		return 0, model.Fail(op, model.ErrInvalidAmount, "principal must be positive")
	}
	due, err := b.Due(principal)
	if err != nil {
		return 0, model.Fail(op, model.ErrArithmeticOverflow, "repayment due")
	}
	idx := len(b.registry)
	b.registry = append(b.registry, borrower)
	b.loans[borrower] = &Loan{
		Borrower:     borrower,
		Principal:    *principal,
		RepaymentDue: *due,
		OpenedAt:     at,
		Active:       true,
		Index:        idx,
	}
	return idx, nil
}

// ComputeRepaymentDue returns what borrower owes, or zero without an active
// loan.
func (b *Book) ComputeRepaymentDue(borrower string) *uint256.Int {
	l, ok := b.loans[borrower]
	if !ok || !l.Active {
		return amount.Zero()
	}
	due := l.RepaymentDue
	return &due
}

// Settle closes borrower's loan. The record is kept with zeroed amounts.
func (b *Book) Settle(borrower string) error {
	l, ok := b.loans[borrower]
	if !ok || !l.Active {
		return model.Fail("lending.settle", model.ErrNoActiveLoan, "%s has no active loan", borrower)
	}
	l.Active = false
	l.Principal.Clear()
	l.RepaymentDue.Clear()
	return nil
}

// LoanIssued returns the principal of borrower's active loan.
func (b *Book) LoanIssued(borrower string) *uint256.Int {
	l, ok := b.loans[borrower]
	if !ok {
		return amount.Zero()
	}
	p := l.Principal
	return &p
}

// RepaymentAmount returns the recorded repayment due, zero once settled.
func (b *Book) RepaymentAmount(borrower string) *uint256.Int {
	l, ok := b.loans[borrower]
	if !ok {
		return amount.Zero()
	}
	d := l.RepaymentDue
	return &d
}

// Loan returns a copy of borrower's record.
func (b *Book) Loan(borrower string) (Loan, bool) {
	l, ok := b.loans[borrower]
	if !ok {
		return Loan{}, false
	}
	return *l, true
}

// IsActive reports whether borrower has an active loan.
func (b *Book) IsActive(borrower string) bool {
	l, ok := b.loans[borrower]
	return ok && l.Active
}

// Borrower returns the i-th registry entry.
func (b *Book) Borrower(i int) (string, error) {
	if i < 0 || i >= len(b.registry) {
		return "", model.Fail("lending.borrower", model.ErrNotFound, "registry index %d out of range [0,%d)", i, len(b.registry))
	}
	return b.registry[i], nil
}

// BorrowerCount returns the registry length.
func (b *Book) BorrowerCount() int { return len(b.registry) }

// Registry returns a copy of registry entries [from, from+limit).
func (b *Book) Registry(from, limit int) []string {
	if from < 0 || from >= len(b.registry) {
		return []string{}
	}
	end := len(b.registry)
	if limit > 0 && from+limit < end {
		end = from + limit
	}
	out := make([]string, end-from)
	copy(out, b.registry[from:end])
	return out
}

// Active returns every active loan, in registry order.
func (b *Book) Active() []Loan {
	var out []Loan
	for i, who := range b.registry {
		l := b.loans[who]
		if l.Active && l.Index == i {
			out = append(out, *l)
		}
	}
	return out
}

// Outstanding is the sum of principal over active loans.
func (b *Book) Outstanding() *uint256.Int {
	total := amount.Zero()
	for _, l := range b.loans {
		if l.Active {
			total.Add(total, &l.Principal)
		}
	}
	return total
}

// Checkpoint captures the book and returns a function that restores it.
func (b *Book) Checkpoint() func() {
	loans := make(map[string]*Loan, len(b.loans))
	for k, l := range b.loans {
		c := *l
		loans[k] = &c
	}
	n := len(b.registry)
	return func() {
		b.loans = loans
		b.registry = b.registry[:n]
	}
}
