package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/vault-lending/internal/amount"
	"github.com/atmx/vault-lending/internal/controller"
	"github.com/atmx/vault-lending/internal/model"
)

const replayPage = 500

// pinnedClock reads the injected clock unless a journaled event pins the
// time it is being re-applied at.
type pinnedClock struct {
	controller.Clock
	at time.Time
}

func (c *pinnedClock) Now() time.Time {
	if !c.at.IsZero() {
		return c.at
	}
	return c.Clock.Now()
}

// replay re-applies every journaled event on top of the genesis state,
// through the same ledger, vault and controller calls that produced it and
// at the event's own timestamp. Every re-applied event must reproduce the
// recorded amounts; a journal written under different economics or
// genesis fails the boot instead of being silently reinterpreted.
// Role checks are skipped: the journal already authorized each change.
func (e *Engine) replay(ctx context.Context) (int, error) {
	defer func() { e.pinned.at = time.Time{} }()

	r := &replayer{e: e, ctx: ctx, history: make(map[string][]model.LoanRecord)}
	var after uint64
	n := 0
	for {
		evs, err := e.store.ListEvents(ctx, after, replayPage)
		if err != nil {
			return n, fmt.Errorf("engine: read journal: %w", err)
		}
		for i := range evs {
			ev := &evs[i]
			e.pinned.at = ev.Timestamp
			if err := r.apply(ev); err != nil {
				return n, fmt.Errorf("engine: replay event %d (%s): %w", ev.Seq, ev.Type, err)
			}
			after = ev.Seq
			n++
		}
		if len(evs) < replayPage {
			return n, nil
		}
	}
}

type replayer struct {
	e       *Engine
	ctx     context.Context
	history map[string][]model.LoanRecord
}

func mismatch(what string, recorded decimal.Decimal, got *uint256.Int) error {
	return fmt.Errorf("%s: journal recorded %s, replay produced %s", what, recorded, amount.Format(got))
}

func (r *replayer) apply(ev *model.Event) error {
	e := r.e
	assets, err := amount.FromDecimal(ev.Assets)
	if err != nil {
		return err
	}
	shares, err := amount.FromDecimal(ev.Shares)
	if err != nil {
		return err
	}

	switch ev.Type {
	case model.EventApproval:
		return e.ledger.Approve(ev.Asset, ev.Owner, ev.Receiver, assets)

	case model.EventTransfer:
		return e.ledger.Transfer(ev.Asset, ev.Sender, ev.Receiver, assets)

	case model.EventDeposit:
		p, err := e.pool("engine.replay", ev.Pool)
		if err != nil {
			return err
		}
		minted, err := p.Deposit(ev.Asset, assets, ev.Sender, ev.Owner)
		if err != nil {
			return err
		}
		if !minted.Eq(shares) {
			return mismatch("shares minted", ev.Shares, minted)
		}
		return nil

	case model.EventWithdraw:
		p, err := e.pool("engine.replay", ev.Pool)
		if err != nil {
			return err
		}
		// Withdraw and Redeem journal the same event. Whichever one
		// produced it reproduces both amounts exactly.
		if need, err := p.PreviewWithdraw(assets); err == nil && need.Eq(shares) {
			_, err := p.Withdraw(assets, ev.Sender, ev.Receiver, ev.Owner)
			return err
		}
		paid, err := p.Redeem(shares, ev.Sender, ev.Receiver, ev.Owner)
		if err != nil {
			return err
		}
		if !paid.Eq(assets) {
			return mismatch("assets redeemed", ev.Assets, paid)
		}
		return nil

	case model.EventLoanIssued:
		rec, err := r.openedRecord(ev.Borrower, e.book.BorrowerCount())
		if err != nil {
			return err
		}
		col, err := amount.FromDecimal(rec.Collateral)
		if err != nil {
			return err
		}
		iss, err := e.ctrl.Issue(ev.Borrower, col)
		if err != nil {
			return err
		}
		if !iss.Principal.Eq(assets) {
			return mismatch("principal", ev.Assets, iss.Principal)
		}
		if !iss.Shares.Eq(shares) {
			return mismatch("pledged shares", ev.Shares, iss.Shares)
		}
		e.opened[ev.Borrower] = rec
		return nil

	case model.EventLoanRepaid:
		if due := e.book.ComputeRepaymentDue(ev.Borrower); !due.Eq(assets) {
			return mismatch("repayment due", ev.Assets, due)
		}
		if err := e.settleRepayment("engine.replay", ev.Borrower, assets); err != nil {
			return err
		}
		delete(e.opened, ev.Borrower)
		return nil

	case model.EventLiquidated:
		s, err := e.ctrl.Foreclose(ev.Borrower)
		if err != nil {
			return err
		}
		if !s.Collateral.Eq(assets) {
			return mismatch("collateral seized", ev.Assets, s.Collateral)
		}
		delete(e.opened, ev.Borrower)
		return nil

	case model.EventOperatorGranted:
		e.ctrl.SetOperator(ev.Owner, true)
		return nil

	case model.EventOperatorRevoked:
		e.ctrl.SetOperator(ev.Owner, false)
		return nil
	}
	return fmt.Errorf("unknown event type %q", ev.Type)
}

// openedRecord finds the journaled history row of borrower's loan at the
// given registry index. The row carries the collateral amount and the id
// later closes must update.
func (r *replayer) openedRecord(borrower string, index int) (model.LoanRecord, error) {
	rows, ok := r.history[borrower]
	if !ok {
		var err error
		rows, err = r.e.store.LoanHistory(r.ctx, borrower)
		if err != nil {
			return model.LoanRecord{}, fmt.Errorf("read loan history of %s: %w", borrower, err)
		}
		r.history[borrower] = rows
	}
	for _, rec := range rows {
		if rec.Index == index {
			// The row may already be closed in the store; the loan is
			// re-opened here and closed again by a later event.
			rec.Status = model.LoanActive
			rec.ClosedAt = nil
			return rec, nil
		}
	}
	return model.LoanRecord{}, fmt.Errorf("no loan history row for %s at registry index %d", borrower, index)
}
