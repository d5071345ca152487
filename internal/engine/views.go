package engine

import (
	"context"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/vault-lending/internal/amount"
	"github.com/atmx/vault-lending/internal/model"
)

// Pool returns a snapshot of the named pool.
func (e *Engine) Pool(id string) (model.PoolView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.pool("engine.pool", id)
	if err != nil {
		return model.PoolView{}, err
	}
	return p.View(), nil
}

// Pools returns both pools, lending pool first.
func (e *Engine) Pools() []model.PoolView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return []model.PoolView{e.lend.View(), e.collat.View()}
}

// Position returns acct's holding in pool.
func (e *Engine) Position(poolID, acct string) (model.HolderView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.pool("engine.position", poolID)
	if err != nil {
		return model.HolderView{}, err
	}
	return p.Holder(acct), nil
}

// Loan joins borrower's lending book entry with the controller's record.
func (e *Engine) Loan(borrower string) model.LoanView {
	e.mu.Lock()
	defer e.mu.Unlock()

	v := model.LoanView{
		Borrower:         borrower,
		Active:           e.book.IsActive(borrower),
		Principal:        amount.ToDecimal(e.book.LoanIssued(borrower)),
		RepaymentDue:     amount.ToDecimal(e.book.ComputeRepaymentDue(borrower)),
		Collateral:       amount.ToDecimal(e.ctrl.CollateralDeposited(borrower)),
		CollateralShares: amount.ToDecimal(amount.Zero()),
		Locked:           e.ctrl.Locked(borrower),
	}
	if rec, ok := e.ctrl.Record(borrower); ok {
		start := rec.Start
		v.StartTime = &start
		v.CollateralShares = amount.ToDecimal(&rec.Shares)
	}
	if at, ok := e.ctrl.LiquidatableAt(borrower); ok {
		v.LiquidatableAt = &at
	}
	return v
}

// Borrowers returns registry entries [from, from+limit) and the registry
// length.
func (e *Engine) Borrowers(from, limit int) ([]string, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Registry(from, limit), e.book.BorrowerCount()
}

// Borrower returns the i-th registry entry.
func (e *Engine) Borrower(i int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Borrower(i)
}

// Balance returns acct's balance of asset.
func (e *Engine) Balance(asset, acct string) (model.BalanceView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ledger.Has(asset) {
		return model.BalanceView{}, model.Fail("engine.balance", model.ErrWrongAsset, "unknown asset %s", asset)
	}
	return model.BalanceView{
		Asset:   asset,
		Account: acct,
		Balance: amount.ToDecimal(e.ledger.BalanceOf(asset, acct)),
	}, nil
}

// Allowance returns what spender (account or pool id) may move out of
// owner's asset balance.
func (e *Engine) Allowance(asset, owner, spender string) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Allowance(asset, owner, e.spenderAccount(spender))
}

// LiquidationCandidates returns borrowers whose window has elapsed, oldest
// loan first.
func (e *Engine) LiquidationCandidates() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctrl.Expired(e.clock.Now())
}

// Operators returns the operator set.
func (e *Engine) Operators() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctrl.Operators()
}

// IsOperator reports whether acct holds the operator role.
func (e *Engine) IsOperator(acct string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctrl.IsOperator(acct)
}

// Events pages through the journal.
func (e *Engine) Events(ctx context.Context, after uint64, limit int) ([]model.Event, error) {
	return e.store.ListEvents(ctx, after, limit)
}

// AccountEvents returns the most recent events touching acct.
func (e *Engine) AccountEvents(ctx context.Context, acct string, limit int) ([]model.Event, error) {
	return e.store.EventsByAccount(ctx, acct, limit)
}

// LoanHistory returns every loan epoch of borrower from the journal.
func (e *Engine) LoanHistory(ctx context.Context, borrower string) ([]model.LoanRecord, error) {
	return e.store.LoanHistory(ctx, borrower)
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.clock.Now() }
