package keeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/vault-lending/internal/amount"
	"github.com/atmx/vault-lending/internal/controller"
	"github.com/atmx/vault-lending/internal/engine"
	"github.com/atmx/vault-lending/internal/model"
	"github.com/atmx/vault-lending/internal/store"
	"github.com/atmx/vault-lending/internal/vault"
)

type fakeEngine struct {
	mu         sync.Mutex
	candidates []string
	fail       map[string]error
	calls      []string
}

func (f *fakeEngine) LiquidationCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.candidates...)
}

func (f *fakeEngine) Liquidate(_ context.Context, caller, borrower string) (*controller.Seizure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, caller+"/"+borrower)
	if err := f.fail[borrower]; err != nil {
		return nil, err
	}
	return &controller.Seizure{Borrower: borrower, Collateral: amount.Units(100), Principal: amount.Units(90)}, nil
}

func TestSweep(t *testing.T) {
	eng := &fakeEngine{
		candidates: []string{"carol", "dave", "erin"},
		fail: map[string]error{
			"dave": model.Fail("controller.liquidate", model.ErrNoActiveLoan, "dave has no active loan"),
			"erin": errors.New("journal down"),
		},
	}
	k := New(eng, "keeper", time.Second, nil)

	if got := k.Sweep(context.Background()); got != 1 {
		t.Fatalf("Sweep = %d, want 1", got)
	}
	want := []string{"keeper/carol", "keeper/dave", "keeper/erin"}
	if len(eng.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", eng.calls, want)
	}
	for i := range want {
		if eng.calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, eng.calls[i], want[i])
		}
	}
}

func TestSweep_StopsOnCancel(t *testing.T) {
	eng := &fakeEngine{candidates: []string{"carol", "dave"}}
	k := New(eng, "keeper", time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := k.Sweep(ctx); got != 0 {
		t.Fatalf("Sweep = %d, want 0", got)
	}
	if len(eng.calls) != 0 {
		t.Fatalf("unexpected calls %v", eng.calls)
	}
}

func TestRun(t *testing.T) {
	eng := &fakeEngine{candidates: []string{"carol"}}
	k := New(eng, "keeper", 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		eng.mu.Lock()
		n := len(eng.calls)
		eng.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("keeper never swept")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestNew_DefaultInterval(t *testing.T) {
	k := New(&fakeEngine{}, "keeper", 0, nil)
	if k.interval != time.Minute {
		t.Fatalf("interval = %s", k.interval)
	}
}

func TestSweep_Engine(t *testing.T) {
	ctx := context.Background()
	clock := controller.NewManualClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	cfg := engine.Config{
		Assets: []string{"TKN"},
		Allocations: []engine.Allocation{
			{Asset: "TKN", Account: "alice", Amount: decimal.NewFromInt(300)},
			{Asset: "TKN", Account: "carol", Amount: decimal.NewFromInt(100)},
		},
		LendingPool:       vault.Config{ID: "pool-a", Asset: "TKN"},
		CollateralPool:    vault.Config{ID: "pool-b", Asset: "TKN"},
		LTVBps:            9000,
		FeeBps:            1000,
		LiquidationWindow: time.Hour,
		Operators:         []string{"keeper"},
	}
	eng, err := engine.New(ctx, cfg, store.NewMemoryStore(), engine.WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	for _, step := range []struct{ who, pool string }{{"alice", "pool-a"}, {"carol", "pool-b"}} {
		bal, _ := eng.Balance("TKN", step.who)
		amt, _ := amount.FromDecimal(bal.Balance)
		if err := eng.Approve(ctx, step.who, "TKN", step.pool, amt); err != nil {
			t.Fatal(err)
		}
		if _, err := eng.Deposit(ctx, step.who, step.pool, "TKN", amt, ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := eng.IssueLoan(ctx, "keeper", "carol", amount.Units(100)); err != nil {
		t.Fatal(err)
	}

	k := New(eng, "keeper", time.Second, nil)
	if got := k.Sweep(ctx); got != 0 {
		t.Fatalf("swept %d loans before the window elapsed", got)
	}
	clock.Advance(time.Hour)
	if got := k.Sweep(ctx); got != 1 {
		t.Fatalf("Sweep = %d, want 1", got)
	}
	p, _ := eng.Pool("pool-a")
	if !p.TotalAssets.Equal(decimal.NewFromInt(310)) {
		t.Fatalf("pool-a total assets = %s, want 310", p.TotalAssets)
	}
}
