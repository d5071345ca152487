package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/atmx/vault-lending/internal/account"
	"github.com/atmx/vault-lending/internal/amount"
	"github.com/atmx/vault-lending/internal/controller"
	"github.com/atmx/vault-lending/internal/model"
)

// LoanReceipt is returned by IssueLoan and DepositAndBorrow.
type LoanReceipt struct {
	LoanID           string
	Borrower         string
	RegistryIndex    int
	Principal        *uint256.Int
	RepaymentDue     *uint256.Int
	Collateral       *uint256.Int
	CollateralShares *uint256.Int
	StartTime        time.Time
	LiquidatableAt   time.Time
}

func userAccount(op, raw string) error {
	if _, err := account.ParseUser(raw); err != nil {
		return model.Fail(op, model.ErrUnauthorized, "%v", err)
	}
	return nil
}

// spenderAccount resolves a pool id to its backing account; any other value
// is taken as an account id.
func (e *Engine) spenderAccount(spender string) string {
	if p, ok := e.pools[spender]; ok {
		return p.Account()
	}
	return spender
}

// Approve lets spender move up to amt of caller's asset. spender may be a
// pool id, which approves that pool's backing account.
func (e *Engine) Approve(ctx context.Context, caller, asset, spender string, amt *uint256.Int) error {
	return e.apply(ctx, "approve", func(t *txn) error {
		spenderAcct := e.spenderAccount(spender)
		if _, err := account.Parse(spenderAcct); err != nil {
			return model.Fail("engine.approve", model.ErrInvalidAccount, "spender: %v", err)
		}
		if err := e.ledger.Approve(asset, caller, spenderAcct, amt); err != nil {
			return err
		}
		t.emit(model.Event{
			Type:     model.EventApproval,
			Asset:    asset,
			Owner:    caller,
			Receiver: spenderAcct,
			Assets:   amount.ToDecimal(amt),
		})
		return nil
	})
}

// Transfer moves amt of caller's asset to another user account.
func (e *Engine) Transfer(ctx context.Context, caller, asset, to string, amt *uint256.Int) error {
	return e.apply(ctx, "transfer", func(t *txn) error {
		if err := userAccount("engine.transfer", to); err != nil {
			return err
		}
		if amt.IsZero() {
			return model.Fail("engine.transfer", model.ErrInvalidAmount, "transfer amount must be positive")
		}
		if err := e.ledger.Transfer(asset, caller, to, amt); err != nil {
			return err
		}
		t.emit(model.Event{
			Type:     model.EventTransfer,
			Asset:    asset,
			Sender:   caller,
			Receiver: to,
			Assets:   amount.ToDecimal(amt),
		})
		return nil
	})
}

// Deposit moves amt of asset from caller into pool and credits the minted
// shares to receiver (caller when empty). Returns the shares minted.
func (e *Engine) Deposit(ctx context.Context, caller, poolID, asset string, amt *uint256.Int, receiver string) (*uint256.Int, error) {
	var shares *uint256.Int
	err := e.apply(ctx, "deposit", func(t *txn) error {
		var err error
		shares, err = e.deposit(t, caller, poolID, asset, amt, receiver)
		return err
	})
	return shares, err
}

func (e *Engine) deposit(t *txn, caller, poolID, asset string, amt *uint256.Int, receiver string) (*uint256.Int, error) {
	const op = "engine.deposit"
	p, err := e.pool(op, poolID)
	if err != nil {
		return nil, err
	}
	if receiver == "" {
		receiver = caller
	}
	if err := userAccount(op, receiver); err != nil {
		return nil, err
	}
	shares, err := p.Deposit(asset, amt, caller, receiver)
	if err != nil {
		return nil, err
	}
	t.emit(model.Event{
		Type:   model.EventDeposit,
		Pool:   p.ID(),
		Asset:  p.Asset(),
		Sender: caller,
		Owner:  receiver,
		Assets: amount.ToDecimal(amt),
		Shares: amount.ToDecimal(shares),
	})
	return shares, nil
}

// Withdraw pays assets out of owner's position in pool to receiver (caller
// when empty). Returns the shares burned.
func (e *Engine) Withdraw(ctx context.Context, caller, poolID string, assets *uint256.Int, receiver, owner string) (*uint256.Int, error) {
	var shares *uint256.Int
	err := e.apply(ctx, "withdraw", func(t *txn) error {
		p, err := e.pool("engine.withdraw", poolID)
		if err != nil {
			return err
		}
		receiver, owner = defaults(caller, receiver, owner)
		if err := userAccount("engine.withdraw", receiver); err != nil {
			return err
		}
		shares, err = p.Withdraw(assets, caller, receiver, owner)
		if err != nil {
			return err
		}
		t.emit(withdrawEvent(p.ID(), p.Asset(), caller, receiver, owner, assets, shares))
		return nil
	})
	return shares, err
}

// Redeem burns shares from owner's position in pool and pays the assets to
// receiver (caller when empty). Returns the assets paid.
func (e *Engine) Redeem(ctx context.Context, caller, poolID string, shares *uint256.Int, receiver, owner string) (*uint256.Int, error) {
	var assets *uint256.Int
	err := e.apply(ctx, "redeem", func(t *txn) error {
		p, err := e.pool("engine.redeem", poolID)
		if err != nil {
			return err
		}
		receiver, owner = defaults(caller, receiver, owner)
		if err := userAccount("engine.redeem", receiver); err != nil {
			return err
		}
		assets, err = p.Redeem(shares, caller, receiver, owner)
		if err != nil {
			return err
		}
		t.emit(withdrawEvent(p.ID(), p.Asset(), caller, receiver, owner, assets, shares))
		return nil
	})
	return assets, err
}

func defaults(caller, receiver, owner string) (string, string) {
	if receiver == "" {
		receiver = caller
	}
	if owner == "" {
		owner = caller
	}
	return receiver, owner
}

func withdrawEvent(pool, asset, caller, receiver, owner string, assets, shares *uint256.Int) model.Event {
	return model.Event{
		Type:     model.EventWithdraw,
		Pool:     pool,
		Asset:    asset,
		Sender:   caller,
		Receiver: receiver,
		Owner:    owner,
		Assets:   amount.ToDecimal(assets),
		Shares:   amount.ToDecimal(shares),
	}
}

// IssueLoan lets an operator open a loan for borrower against collateral
// already deposited in the collateral pool.
func (e *Engine) IssueLoan(ctx context.Context, caller, borrower string, collateral *uint256.Int) (*LoanReceipt, error) {
	var receipt *LoanReceipt
	err := e.apply(ctx, "issue_loan", func(t *txn) error {
		if err := userAccount("engine.issueLoan", borrower); err != nil {
			return err
		}
		iss, err := e.ctrl.IssueLoan(caller, borrower, collateral)
		if err != nil {
			return err
		}
		receipt = e.recordIssuance(t, caller, iss)
		return nil
	})
	return receipt, err
}

// DepositAndBorrow deposits collateral into the collateral pool on caller's
// behalf and immediately draws the matching loan, without an operator.
// Disabled unless self-service borrowing is configured.
func (e *Engine) DepositAndBorrow(ctx context.Context, caller string, collateral *uint256.Int) (*LoanReceipt, error) {
	var receipt *LoanReceipt
	err := e.apply(ctx, "deposit_and_borrow", func(t *txn) error {
		if !e.selfService {
			return model.Fail("engine.depositAndBorrow", model.ErrUnauthorized, "self-service borrowing is disabled")
		}
		if _, err := e.deposit(t, caller, e.collat.ID(), e.collat.Asset(), collateral, caller); err != nil {
			return err
		}
		iss, err := e.ctrl.Issue(caller, collateral)
		if err != nil {
			return err
		}
		receipt = e.recordIssuance(t, caller, iss)
		return nil
	})
	return receipt, err
}

func (e *Engine) recordIssuance(t *txn, caller string, iss *controller.Issuance) *LoanReceipt {
	rec := model.LoanRecord{
		ID:           uuid.NewString(),
		Borrower:     iss.Borrower,
		Index:        iss.Index,
		Principal:    amount.ToDecimal(iss.Principal),
		RepaymentDue: amount.ToDecimal(iss.RepaymentDue),
		Collateral:   amount.ToDecimal(iss.Collateral),
		Status:       model.LoanActive,
		OpenedAt:     iss.Start,
	}
	e.opened[iss.Borrower] = rec
	t.loan(rec)
	t.emit(model.Event{
		Type:     model.EventLoanIssued,
		Pool:     e.lend.ID(),
		Asset:    e.lend.Asset(),
		Sender:   caller,
		Borrower: iss.Borrower,
		Assets:   amount.ToDecimal(iss.Principal),
		Shares:   amount.ToDecimal(iss.Shares),
	})
	return &LoanReceipt{
		LoanID:           rec.ID,
		Borrower:         iss.Borrower,
		RegistryIndex:    iss.Index,
		Principal:        iss.Principal,
		RepaymentDue:     iss.RepaymentDue,
		Collateral:       iss.Collateral,
		CollateralShares: iss.Shares,
		StartTime:        iss.Start,
		LiquidatableAt:   iss.Start.Add(e.ctrl.Params().LiquidationWindow),
	}
}

func (e *Engine) closeLoan(t *txn, borrower string, status model.LoanStatus) {
	rec, ok := e.opened[borrower]
	if !ok {
		return
	}
	closed := t.now
	rec.Status = status
	rec.ClosedAt = &closed
	delete(e.opened, borrower)
	t.loan(rec)
}

// RepayLoan pays off borrower's loan in full. The caller must be the
// borrower or an operator; funds always come from the borrower, who must
// have approved the lending pool for at least amt.
func (e *Engine) RepayLoan(ctx context.Context, caller, borrower string, amt *uint256.Int) error {
	return e.apply(ctx, "repay_loan", func(t *txn) error {
		const op = "engine.repayLoan"
		if !e.book.IsActive(borrower) {
			return model.Fail(op, model.ErrNoActiveLoan, "%s has no active loan", borrower)
		}
		if caller != borrower && !e.ctrl.IsOperator(caller) {
			return model.Fail(op, model.ErrUnauthorized, "%s cannot repay for %s", caller, borrower)
		}
		due := e.book.ComputeRepaymentDue(borrower)
		if !amt.Eq(due) {
			return model.Fail(op, model.ErrInvalidAmount, "repayment must equal the amount due %s, got %s",
				amount.Format(due), amount.Format(amt))
		}
		if err := e.settleRepayment(op, borrower, amt); err != nil {
			return err
		}
		e.closeLoan(t, borrower, model.LoanRepaid)
		t.emit(model.Event{
			Type:     model.EventLoanRepaid,
			Pool:     e.lend.ID(),
			Asset:    e.lend.Asset(),
			Sender:   caller,
			Borrower: borrower,
			Assets:   amount.ToDecimal(amt),
		})
		return nil
	})
}

// settleRepayment pulls amt from borrower into the lending pool, closes the
// loan and unlocks the collateral.
func (e *Engine) settleRepayment(op, borrower string, amt *uint256.Int) error {
	asset := e.lend.Asset()
	if e.ledger.BalanceOf(asset, borrower).Lt(amt) {
		return model.Fail(op, model.ErrInsufficientFunds, "need more funds")
	}
	if err := e.ledger.TransferFrom(asset, e.lend.Account(), borrower, e.lend.Account(), amt); err != nil {
		return err
	}
	if err := e.book.Settle(borrower); err != nil {
		return err
	}
	return e.ctrl.Release(borrower)
}

// Liquidate seizes borrower's collateral into the lending pool once the
// liquidation window has elapsed. Operator only.
func (e *Engine) Liquidate(ctx context.Context, caller, borrower string) (*controller.Seizure, error) {
	var seized *controller.Seizure
	err := e.apply(ctx, "liquidate", func(t *txn) error {
		s, err := e.ctrl.Liquidate(caller, borrower)
		if err != nil {
			return err
		}
		seized = s
		e.closeLoan(t, borrower, model.LoanLiquidated)
		t.emit(model.Event{
			Type:     model.EventLiquidated,
			Pool:     e.collat.ID(),
			Asset:    e.collat.Asset(),
			Sender:   caller,
			Receiver: e.lend.Account(),
			Borrower: borrower,
			Assets:   amount.ToDecimal(s.Collateral),
			Shares:   amount.ToDecimal(s.Shares),
		})
		return nil
	})
	return seized, err
}

// GrantOperator adds acct to the operator set. Admin only.
func (e *Engine) GrantOperator(ctx context.Context, caller, acct string) error {
	return e.apply(ctx, "grant_operator", func(t *txn) error {
		if err := userAccount("engine.grantOperator", acct); err != nil {
			return err
		}
		changed, err := e.ctrl.GrantOperator(caller, acct)
		if err != nil || !changed {
			return err
		}
		t.emit(model.Event{Type: model.EventOperatorGranted, Sender: caller, Owner: acct})
		return nil
	})
}

// RevokeOperator removes acct from the operator set. Admin only.
func (e *Engine) RevokeOperator(ctx context.Context, caller, acct string) error {
	return e.apply(ctx, "revoke_operator", func(t *txn) error {
		changed, err := e.ctrl.RevokeOperator(caller, acct)
		if err != nil || !changed {
			return err
		}
		t.emit(model.Event{Type: model.EventOperatorRevoked, Sender: caller, Owner: acct})
		return nil
	})
}
