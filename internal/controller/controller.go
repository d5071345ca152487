// Package controller implements the collateral controller: it sizes loans
// against collateral held in the collateral pool, disburses them from the
// lending pool, locks the borrower's collateral position and seizes it once
// the liquidation window has elapsed.
//
// A borrower moves through NONE -> ACTIVE (locked) -> REPAID or LIQUIDATED
// and back to NONE. Only operators may issue or liquidate.
package controller

import (
	"sort"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/vault-lending/internal/amount"
	"github.com/atmx/vault-lending/internal/lending"
	"github.com/atmx/vault-lending/internal/limits"
	"github.com/atmx/vault-lending/internal/model"
)

// Pool is the part of a share vault the controller may use.
type Pool interface {
	ID() string
	Account() string
	TotalAssets() *uint256.Int
	ConvertToShares(assets *uint256.Int) (*uint256.Int, error)
	PreviewWithdraw(assets *uint256.Int) (*uint256.Int, error)
	SharesOf(account string) *uint256.Int
	Release(to string, amt *uint256.Int) error
	Seize(owner string, shares *uint256.Int) error
}

// Params are the economic constants of the controller.
type Params struct {
	LTVBps            uint64
	LiquidationWindow time.Duration
}

// Record is the controller's per-borrower collateral state. It exists only
// while a loan is active.
type Record struct {
	Collateral  uint256.Int
	Shares      uint256.Int
	LoanBalance uint256.Int
	Start       time.Time
	Locked      bool
}

// Issuance describes a successfully issued loan.
type Issuance struct {
	Borrower     string
	Index        int
	Principal    *uint256.Int
	RepaymentDue *uint256.Int
	Collateral   *uint256.Int
	Shares       *uint256.Int
	Start        time.Time
}

// Seizure describes a completed liquidation.
type Seizure struct {
	Borrower   string
	Principal  *uint256.Int
	Collateral *uint256.Int
	Shares     *uint256.Int
	Start      time.Time
}

// Controller is not safe for concurrent use; the engine serializes access.
type Controller struct {
	params  Params
	lend    Pool
	collat  Pool
	book    *lending.Book
	limiter *limits.BorrowLimiter
	clock   Clock

	records   map[string]*Record
	admins    map[string]bool
	operators map[string]bool
}

// New wires a controller over the lending pool, the collateral pool and the
// lending book.
func New(params Params, lend, collat Pool, book *lending.Book, clock Clock) *Controller {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Controller{
		params:    params,
		lend:      lend,
		collat:    collat,
		book:      book,
		clock:     clock,
		records:   make(map[string]*Record),
		admins:    make(map[string]bool),
		operators: make(map[string]bool),
	}
}

// SetLimiter installs optional borrow caps.
func (c *Controller) SetLimiter(l *limits.BorrowLimiter) { c.limiter = l }

func (c *Controller) Params() Params { return c.params }

// Now reads the injected clock.
func (c *Controller) Now() time.Time { return c.clock.Now() }

// LoanAmount returns collateral*LTV, floor rounded.
func (c *Controller) LoanAmount(collateral *uint256.Int) (*uint256.Int, error) {
	return amount.Bps(collateral, c.params.LTVBps)
}

// IssueLoan sizes a loan against collateral, disburses it from the lending
// pool and locks the borrower's collateral position. The borrower must
// already hold collateral pool shares worth at least collateral; those
// shares are pledged until the loan closes.
func (c *Controller) IssueLoan(caller, borrower string, collateral *uint256.Int) (*Issuance, error) {
	if !c.operators[caller] {
		return nil, model.Fail("controller.issueLoan", model.ErrUnauthorized, "%s is not an operator", caller)
	}
	return c.Issue(borrower, collateral)
}

// Issue is IssueLoan without the operator check. The engine uses it for
// self-service borrowing after authorizing the borrower itself.
func (c *Controller) Issue(borrower string, collateral *uint256.Int) (*Issuance, error) {
	const op = "controller.issueLoan"
	if collateral.IsZero() {
		return nil, model.Fail(op, model.ErrInvalidAmount, "collateral must be positive")
	}
	if c.book.IsActive(borrower) || c.Locked(borrower) {
		return nil, model.Fail(op, model.ErrLoanAlreadyActive, "%s already has an active loan", borrower)
	}

	loan, err := c.LoanAmount(collateral)
	if err != nil {
		return nil, model.Fail(op, model.ErrArithmeticOverflow, "loan amount")
	}
	if loan.IsZero() {
		return nil, model.Fail(op, model.ErrInvalidAmount, "collateral %s is too small to borrow against", amount.Format(collateral))
	}
	if c.lend.TotalAssets().Lt(loan) {
		return nil, model.Fail(op, model.ErrInsufficientPoolLiquidity, "Not enough token balance in vault")
	}
	if err := c.limiter.CheckLimit(amount.ToDecimal(loan), amount.ToDecimal(c.book.Outstanding())); err != nil {
		return nil, model.Fail(op, model.ErrBorrowCapExceeded, "%v", err)
	}

	if c.collat.TotalAssets().Lt(collateral) {
		return nil, model.Fail(op, model.ErrInsufficientCollateral, "%s holds less than %s", c.collat.ID(), amount.Format(collateral))
	}
	pledged, err := c.collat.PreviewWithdraw(collateral)
	if err != nil {
		return nil, model.Fail(op, model.ErrArithmeticOverflow, "pledged shares: %v", err)
	}
	if held := c.collat.SharesOf(borrower); held.Lt(pledged) {
		return nil, model.Fail(op, model.ErrInsufficientCollateral, "%s holds %s %s shares, collateral needs %s",
			borrower, amount.Format(held), c.collat.ID(), amount.Format(pledged))
	}

	now := c.clock.Now()
	if err := c.lend.Release(borrower, loan); err != nil {
		return nil, err
	}
	idx, err := c.book.RegisterLoan(borrower, loan, now)
	if err != nil {
		return nil, err
	}
	rec := &Record{Start: now, Locked: true}
	rec.Collateral.Set(collateral)
	rec.Shares.Set(pledged)
	rec.LoanBalance.Set(loan)
	c.records[borrower] = rec

	return &Issuance{
		Borrower:     borrower,
		Index:        idx,
		Principal:    loan,
		RepaymentDue: c.book.ComputeRepaymentDue(borrower),
		Collateral:   new(uint256.Int).Set(collateral),
		Shares:       pledged,
		Start:        now,
	}, nil
}

// Release clears borrower's lock after repayment. The pledged shares stay
// with the borrower.
func (c *Controller) Release(borrower string) error {
	if _, ok := c.records[borrower]; !ok {
		return model.Fail("controller.release", model.ErrNoActiveLoan, "%s has no locked collateral", borrower)
	}
	delete(c.records, borrower)
	return nil
}

// Liquidate seizes an expired loan's collateral: the pledged shares are
// burned and the collateral moves from the collateral pool's backing into
// the lending pool's backing without minting lending pool shares.
func (c *Controller) Liquidate(caller, borrower string) (*Seizure, error) {
	if !c.operators[caller] {
		return nil, model.Fail("controller.liquidate", model.ErrUnauthorized, "%s is not an operator", caller)
	}
	return c.Foreclose(borrower)
}

// Foreclose is Liquidate without the operator check. The liquidation
// window still applies. The engine uses it to re-apply journaled
// liquidations at boot.
func (c *Controller) Foreclose(borrower string) (*Seizure, error) {
	const op = "controller.liquidate"
	rec, ok := c.records[borrower]
	if !ok || !c.book.IsActive(borrower) {
		return nil, model.Fail(op, model.ErrNoActiveLoan, "%s has no active loan", borrower)
	}
	now := c.clock.Now()
	due := rec.Start.Add(c.params.LiquidationWindow)
	if now.Before(due) {
		return nil, model.Fail(op, model.ErrNotYetLiquidatable, "loan of %s can be liquidated from %s",
			borrower, due.Format(time.RFC3339))
	}

	s := &Seizure{
		Borrower:   borrower,
		Principal:  new(uint256.Int).Set(&rec.LoanBalance),
		Collateral: new(uint256.Int).Set(&rec.Collateral),
		Shares:     new(uint256.Int).Set(&rec.Shares),
		Start:      rec.Start,
	}
	if err := c.collat.Seize(borrower, s.Shares); err != nil {
		return nil, err
	}
	if err := c.collat.Release(c.lend.Account(), s.Collateral); err != nil {
		return nil, err
	}
	if err := c.book.Settle(borrower); err != nil {
		return nil, err
	}
	delete(c.records, borrower)
	return s, nil
}

// Locked reports whether borrower's collateral position is frozen.
func (c *Controller) Locked(borrower string) bool {
	r, ok := c.records[borrower]
	return ok && r.Locked
}

// Record returns a copy of borrower's collateral record.
func (c *Controller) Record(borrower string) (Record, bool) {
	r, ok := c.records[borrower]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// LoanStartTime returns the origination time, zero without a loan.
func (c *Controller) LoanStartTime(borrower string) time.Time {
	if r, ok := c.records[borrower]; ok {
		return r.Start
	}
	return time.Time{}
}

// CollateralDeposited returns the locked collateral amount.
func (c *Controller) CollateralDeposited(borrower string) *uint256.Int {
	if r, ok := c.records[borrower]; ok {
		return new(uint256.Int).Set(&r.Collateral)
	}
	return amount.Zero()
}

// LoanBalance returns the principal disbursed against the collateral.
func (c *Controller) LoanBalance(borrower string) *uint256.Int {
	if r, ok := c.records[borrower]; ok {
		return new(uint256.Int).Set(&r.LoanBalance)
	}
	return amount.Zero()
}

// LiquidatableAt returns when borrower's loan becomes liquidatable.
func (c *Controller) LiquidatableAt(borrower string) (time.Time, bool) {
	r, ok := c.records[borrower]
	if !ok {
		return time.Time{}, false
	}
	return r.Start.Add(c.params.LiquidationWindow), true
}

// Expired returns borrowers whose liquidation window has elapsed at now,
// oldest loan first.
func (c *Controller) Expired(now time.Time) []string {
	var out []string
	for who, r := range c.records {
		if !now.Before(r.Start.Add(c.params.LiquidationWindow)) {
			out = append(out, who)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := c.records[out[i]].Start, c.records[out[j]].Start
		if a.Equal(b) {
			return out[i] < out[j]
		}
		return a.Before(b)
	})
	return out
}

// Checkpoint captures collateral records and roles and returns a function
// that restores them.
func (c *Controller) Checkpoint() func() {
	records := make(map[string]*Record, len(c.records))
	for k, r := range c.records {
		cp := *r
		records[k] = &cp
	}
	admins := copySet(c.admins)
	operators := copySet(c.operators)
	return func() {
		c.records = records
		c.admins = admins
		c.operators = operators
	}
}
