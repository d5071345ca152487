package lending_test

import (
	"errors"
	"testing"
	"time"

	"github.com/atmx/vault-lending/internal/amount"
	"github.com/atmx/vault-lending/internal/lending"
	"github.com/atmx/vault-lending/internal/model"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRegisterLoan_ComputesDue(t *testing.T) {
	b := lending.New(1000)
	idx, err := b.RegisterLoan("carol", amount.Units(270), t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx != 0 {
		t.Errorf("index = %d, want 0", idx)
	}
	if got := b.ComputeRepaymentDue("carol"); !got.Eq(amount.Units(297)) {
		t.Errorf("due = %s, want 297", amount.Format(got))
	}
	if !b.LoanIssued("carol").Eq(amount.Units(270)) {
		t.Errorf("issued = %s", amount.Format(b.LoanIssued("carol")))
	}
}

func TestRegisterLoan_AlreadyActive(t *testing.T) {
	b := lending.New(1000)
	if _, err := b.RegisterLoan("carol", amount.Units(90), t0); err != nil {
		t.Fatal(err)
	}
	_, err := b.RegisterLoan("carol", amount.Units(10), t0)
	if !errors.Is(err, model.ErrLoanAlreadyActive) {
		t.Fatalf("expected LoanAlreadyActive, got %v", err)
	}
	if b.BorrowerCount() != 1 {
		t.Errorf("registry grew on failure: %d", b.BorrowerCount())
	}
}

func TestSettle_AllowsNewEpoch(t *testing.T) {
	b := lending.New(1000)
	if _, err := b.RegisterLoan("carol", amount.Units(90), t0); err != nil {
		t.Fatal(err)
	}
	if err := b.Settle("carol"); err != nil {
		t.Fatal(err)
	}
	if !b.ComputeRepaymentDue("carol").IsZero() || !b.RepaymentAmount("carol").IsZero() {
		t.Error("settled loan should owe nothing")
	}
	if err := b.Settle("carol"); !errors.Is(err, model.ErrNoActiveLoan) {
		t.Errorf("double settle: expected NoActiveLoan, got %v", err)
	}

	idx, err := b.RegisterLoan("carol", amount.Units(50), t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if idx != 1 {
		t.Errorf("second epoch index = %d, want 1", idx)
	}
	// Registry keeps duplicates across epochs.
	for i := 0; i < 2; i++ {
		who, err := b.Borrower(i)
		if err != nil || who != "carol" {
			t.Errorf("Borrower(%d) = %q, %v", i, who, err)
		}
	}
	if _, err := b.Borrower(2); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("out of range: expected NotFound, got %v", err)
	}
	if active := b.Active(); len(active) != 1 || active[0].Index != 1 {
		t.Errorf("active = %+v", active)
	}
}

func TestOutstanding(t *testing.T) {
	b := lending.New(1000)
	_, _ = b.RegisterLoan("carol", amount.Units(90), t0)
	_, _ = b.RegisterLoan("dave", amount.Units(10), t0)
	if !b.Outstanding().Eq(amount.Units(100)) {
		t.Errorf("outstanding = %s", amount.Format(b.Outstanding()))
	}
	_ = b.Settle("dave")
	if !b.Outstanding().Eq(amount.Units(90)) {
		t.Errorf("outstanding after settle = %s", amount.Format(b.Outstanding()))
	}
}

func TestRegistry_Paging(t *testing.T) {
	b := lending.New(0)
	for _, who := range []string{"a", "b", "c"} {
		_, _ = b.RegisterLoan(who, amount.Units(1), t0)
	}
	if got := b.Registry(1, 1); len(got) != 1 || got[0] != "b" {
		t.Errorf("Registry(1,1) = %v", got)
	}
	if got := b.Registry(0, 0); len(got) != 3 {
		t.Errorf("Registry(0,0) = %v", got)
	}
	if got := b.Registry(5, 1); len(got) != 0 {
		t.Errorf("Registry(5,1) = %v", got)
	}
}

func TestCheckpoint(t *testing.T) {
	b := lending.New(1000)
	restore := b.Checkpoint()
	_, _ = b.RegisterLoan("carol", amount.Units(90), t0)
	restore()
	if b.IsActive("carol") || b.BorrowerCount() != 0 {
		t.Error("restore should undo the registration")
	}
}
