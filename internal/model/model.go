// Package model defines the domain types shared across the lending engine.
// Amounts leave the engine as shopspring/decimal token units (18 decimals),
// never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a state change emitted by the engine.
type EventType string

const (
	EventDeposit         EventType = "Deposit"
	EventWithdraw        EventType = "Withdraw"
	EventLoanIssued      EventType = "LoanIssued"
	EventLoanRepaid      EventType = "LoanRepaid"
	EventLiquidated      EventType = "Liquidated"
	EventApproval        EventType = "Approval"
	EventTransfer        EventType = "Transfer"
	EventOperatorGranted EventType = "OperatorGranted"
	EventOperatorRevoked EventType = "OperatorRevoked"
)

// Event is an immutable record of one committed state change. Seq is
// assigned by the engine and strictly increases across the journal.
// Fields that do not apply to a type are left empty.
type Event struct {
	ID        string          `json:"id" db:"id"`
	Seq       uint64          `json:"seq" db:"seq"`
	Type      EventType       `json:"type" db:"type"`
	Pool      string          `json:"pool,omitempty" db:"pool"`
	Asset     string          `json:"asset,omitempty" db:"asset"`
	Sender    string          `json:"sender,omitempty" db:"sender"`
	Receiver  string          `json:"receiver,omitempty" db:"receiver"`
	Owner     string          `json:"owner,omitempty" db:"owner"`
	Borrower  string          `json:"borrower,omitempty" db:"borrower"`
	Assets    decimal.Decimal `json:"assets" db:"assets"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Accounts lists every non-empty account the event touches.
func (e *Event) Accounts() []string {
	seen := make(map[string]bool, 4)
	var out []string
	for _, a := range []string{e.Sender, e.Receiver, e.Owner, e.Borrower} {
		if a != "" && !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

// LoanStatus is the lifecycle state of one loan epoch.
type LoanStatus string

const (
	LoanActive     LoanStatus = "active"
	LoanRepaid     LoanStatus = "repaid"
	LoanLiquidated LoanStatus = "liquidated"
)

// LoanRecord is the persisted history row of one loan epoch. A borrower has
// one row per loan taken; rows are updated only when the loan closes.
type LoanRecord struct {
	ID           string          `json:"id" db:"id"`
	Borrower     string          `json:"borrower" db:"borrower"`
	Index        int             `json:"registry_index" db:"registry_index"`
	Principal    decimal.Decimal `json:"principal" db:"principal"`
	RepaymentDue decimal.Decimal `json:"repayment_due" db:"repayment_due"`
	Collateral   decimal.Decimal `json:"collateral" db:"collateral"`
	Status       LoanStatus      `json:"status" db:"status"`
	OpenedAt     time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// Batch is everything one engine operation writes to the journal. It is
// committed atomically or not at all.
type Batch struct {
	Events []Event
	Loans  []LoanRecord
}

// PoolView is a point-in-time snapshot of one share vault.
type PoolView struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Symbol      string          `json:"symbol"`
	Asset       string          `json:"asset"`
	Account     string          `json:"account"`
	TotalAssets decimal.Decimal `json:"total_assets"`
	TotalShares decimal.Decimal `json:"total_shares"`
	SharePrice  decimal.Decimal `json:"share_price"`
}

// HolderView is one account's position in a share vault.
type HolderView struct {
	Pool        string          `json:"pool"`
	Account     string          `json:"account"`
	Shares      decimal.Decimal `json:"shares"`
	MaxRedeem   decimal.Decimal `json:"max_redeem"`
	MaxWithdraw decimal.Decimal `json:"max_withdraw"`
	Locked      bool            `json:"locked"`
}

// LoanView joins the lending ledger entry with the controller's collateral
// record for one borrower.
type LoanView struct {
	Borrower         string          `json:"borrower"`
	Active           bool            `json:"active"`
	Principal        decimal.Decimal `json:"principal"`
	RepaymentDue     decimal.Decimal `json:"repayment_due"`
	Collateral       decimal.Decimal `json:"collateral"`
	CollateralShares decimal.Decimal `json:"collateral_shares"`
	Locked           bool            `json:"locked"`
	StartTime        *time.Time      `json:"start_time,omitempty"`
	LiquidatableAt   *time.Time      `json:"liquidatable_at,omitempty"`
}

// BalanceView is an account's balance of one asset.
type BalanceView struct {
	Asset   string          `json:"asset"`
	Account string          `json:"account"`
	Balance decimal.Decimal `json:"balance"`
}
