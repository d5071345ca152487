package ledger_test

import (
	"errors"
	"testing"

	"github.com/atmx/vault-lending/internal/amount"
	"github.com/atmx/vault-lending/internal/ledger"
	"github.com/atmx/vault-lending/internal/model"
)

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l := ledger.New()
	if err := l.Register("USDC"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := l.Mint("USDC", "alice", amount.Units(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	return l
}

func TestTransfer(t *testing.T) {
	l := newLedger(t)
	if err := l.Transfer("USDC", "alice", "bob", amount.Units(40)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !l.BalanceOf("USDC", "alice").Eq(amount.Units(60)) {
		t.Errorf("alice = %s", amount.Format(l.BalanceOf("USDC", "alice")))
	}
	if !l.BalanceOf("USDC", "bob").Eq(amount.Units(40)) {
		t.Errorf("bob = %s", amount.Format(l.BalanceOf("USDC", "bob")))
	}
	if !l.TotalSupply("USDC").Eq(amount.Units(100)) {
		t.Errorf("supply changed: %s", amount.Format(l.TotalSupply("USDC")))
	}
}

func TestTransfer_InsufficientBalance(t *testing.T) {
	l := newLedger(t)
	err := l.Transfer("USDC", "alice", "bob", amount.Units(101))
	if !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected InsufficientBalance, got %v", err)
	}
	if !l.BalanceOf("USDC", "alice").Eq(amount.Units(100)) {
		t.Error("failed transfer must not change balances")
	}
	if !l.BalanceOf("USDC", "bob").IsZero() {
		t.Error("failed transfer must not credit the receiver")
	}
}

func TestTransfer_UnknownAsset(t *testing.T) {
	l := newLedger(t)
	err := l.Transfer("DAI", "alice", "bob", amount.Units(1))
	if !errors.Is(err, model.ErrWrongAsset) {
		t.Fatalf("expected WrongAsset, got %v", err)
	}
}

func TestSeal_ClosesIssuance(t *testing.T) {
	l := newLedger(t)
	l.Seal()
	if err := l.Mint("USDC", "alice", amount.Units(1)); !errors.Is(err, model.ErrIssuanceClosed) {
		t.Errorf("mint after seal: expected IssuanceClosed, got %v", err)
	}
	if err := l.Burn("USDC", "alice", amount.Units(1)); !errors.Is(err, model.ErrIssuanceClosed) {
		t.Errorf("burn after seal: expected IssuanceClosed, got %v", err)
	}
	// Transfers still work.
	if err := l.Transfer("USDC", "alice", "bob", amount.Units(1)); err != nil {
		t.Errorf("transfer after seal: %v", err)
	}
}

func TestBurn(t *testing.T) {
	l := newLedger(t)
	if err := l.Burn("USDC", "alice", amount.Units(30)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !l.TotalSupply("USDC").Eq(amount.Units(70)) {
		t.Errorf("supply = %s, want 70", amount.Format(l.TotalSupply("USDC")))
	}
	if err := l.Burn("USDC", "alice", amount.Units(71)); !errors.Is(err, model.ErrInsufficientBalance) {
		t.Errorf("expected InsufficientBalance, got %v", err)
	}
}

func TestTransferFrom(t *testing.T) {
	l := newLedger(t)
	vault := "vault:pool-a"

	err := l.TransferFrom("USDC", vault, "alice", vault, amount.Units(10))
	if !errors.Is(err, model.ErrInsufficientAllowance) {
		t.Fatalf("without approval: expected InsufficientAllowance, got %v", err)
	}

	if err := l.Approve("USDC", "alice", vault, amount.Units(25)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := l.TransferFrom("USDC", vault, "alice", vault, amount.Units(10)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	if got := l.Allowance("USDC", "alice", vault); !got.Eq(amount.Units(15)) {
		t.Errorf("allowance = %s, want 15", amount.Format(got))
	}
	if !l.BalanceOf("USDC", vault).Eq(amount.Units(10)) {
		t.Errorf("vault balance = %s", amount.Format(l.BalanceOf("USDC", vault)))
	}
}

func TestTransferFrom_BalanceCheckedBeforeAllowance(t *testing.T) {
	l := newLedger(t)
	if err := l.Approve("USDC", "bob", "vault:pool-a", amount.Units(10)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	err := l.TransferFrom("USDC", "vault:pool-a", "bob", "vault:pool-a", amount.Units(10))
	if !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected InsufficientBalance, got %v", err)
	}
	if !l.Allowance("USDC", "bob", "vault:pool-a").Eq(amount.Units(10)) {
		t.Error("failed transferFrom must not consume allowance")
	}
}

func TestCheckpoint_Restores(t *testing.T) {
	l := newLedger(t)
	restore := l.Checkpoint()

	_ = l.Transfer("USDC", "alice", "bob", amount.Units(50))
	_ = l.Approve("USDC", "alice", "carol", amount.Units(5))
	l.Seal()

	restore()
	if !l.BalanceOf("USDC", "alice").Eq(amount.Units(100)) {
		t.Errorf("alice = %s after restore", amount.Format(l.BalanceOf("USDC", "alice")))
	}
	if !l.BalanceOf("USDC", "bob").IsZero() {
		t.Error("bob should hold nothing after restore")
	}
	if !l.Allowance("USDC", "alice", "carol").IsZero() {
		t.Error("allowance should be gone after restore")
	}
	if l.Sealed() {
		t.Error("seal should be undone by restore")
	}
}
