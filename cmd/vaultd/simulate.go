package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/vault-lending/internal/amount"
	"github.com/atmx/vault-lending/internal/config"
	"github.com/atmx/vault-lending/internal/controller"
	"github.com/atmx/vault-lending/internal/engine"
	"github.com/atmx/vault-lending/internal/store"
)

var (
	simDeposit    string
	simCollateral string
	simRepay      bool

	simulateCmd = &cobra.Command{
		Use:   "simulate",
		Short: "Replay a deposit, borrow and settle scenario on a throwaway engine",
		Long: `Bootstraps an in-memory engine from the configured economics with a manual
clock, funds the lending pool, borrows against collateral and then either
repays or waits out the liquidation window and liquidates. Pool state is
printed after every step.`,
		RunE: runSimulate,
	}
)

func init() {
	simulateCmd.Flags().StringVar(&simDeposit, "deposit", "300", "lender deposit into the lending pool")
	simulateCmd.Flags().StringVar(&simCollateral, "collateral", "100", "borrower collateral")
	simulateCmd.Flags().BoolVar(&simRepay, "repay", false, "repay the loan instead of liquidating it")
}

const (
	simLender   = "lender"
	simBorrower = "borrower"
	simOperator = "operator"
)

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	dep, err := amount.Parse(simDeposit)
	if err != nil {
		return fmt.Errorf("--deposit: %w", err)
	}
	col, err := amount.Parse(simCollateral)
	if err != nil {
		return fmt.Errorf("--collateral: %w", err)
	}

	ec, err := cfg.Engine()
	if err != nil {
		return err
	}
	bank := decimal.NewFromInt(1_000_000)
	ec.Allocations = []engine.Allocation{
		{Asset: ec.LendingPool.Asset, Account: simLender, Amount: bank},
		{Asset: ec.LendingPool.Asset, Account: simBorrower, Amount: bank},
	}
	ec.Admins = []string{simOperator}
	ec.Operators = []string{simOperator}
	ec.MaxPerLoan, ec.MaxOutstanding = decimal.Zero, decimal.Zero

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	clock := controller.NewManualClock(time.Now().UTC().Truncate(time.Second))
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(ctx, ec, store.NewMemoryStore(), engine.WithClock(clock), engine.WithLogger(quiet))
	if err != nil {
		return err
	}
	sim := &simulation{ctx: ctx, eng: eng, out: out}

	step := func(name string, fn func() error) error {
		if err := fn(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Fprintf(out, "\n== %s (t=%s)\n", name, clock.Now().Format(time.RFC3339))
		sim.report()
		return nil
	}

	if err := step("lender deposits "+amount.Format(dep), func() error {
		return sim.deposit(simLender, ec.LendingPool.ID, ec.LendingPool.Asset, dep)
	}); err != nil {
		return err
	}
	if err := step("borrower deposits collateral "+amount.Format(col), func() error {
		return sim.deposit(simBorrower, ec.CollateralPool.ID, ec.CollateralPool.Asset, col)
	}); err != nil {
		return err
	}
	var receipt *engine.LoanReceipt
	if err := step("operator issues loan", func() error {
		receipt, err = eng.IssueLoan(ctx, simOperator, simBorrower, col)
		return err
	}); err != nil {
		return err
	}
	fmt.Fprintf(out, "   principal %s, repayment due %s, liquidatable at %s\n",
		amount.Format(receipt.Principal), amount.Format(receipt.RepaymentDue),
		receipt.LiquidatableAt.Format(time.RFC3339))

	if simRepay {
		return step("borrower repays "+amount.Format(receipt.RepaymentDue), func() error {
			if err := eng.Approve(ctx, simBorrower, ec.LendingPool.Asset, ec.LendingPool.ID, receipt.RepaymentDue); err != nil {
				return err
			}
			return eng.RepayLoan(ctx, simBorrower, simBorrower, receipt.RepaymentDue)
		})
	}

	clock.Set(receipt.LiquidatableAt)
	return step("operator liquidates after "+ec.LiquidationWindow.String(), func() error {
		_, err := eng.Liquidate(ctx, simOperator, simBorrower)
		return err
	})
}

type simulation struct {
	ctx context.Context
	eng *engine.Engine
	out io.Writer
}

func (s *simulation) deposit(who, pool, asset string, amt *uint256.Int) error {
	if err := s.eng.Approve(s.ctx, who, asset, pool, amt); err != nil {
		return err
	}
	_, err := s.eng.Deposit(s.ctx, who, pool, asset, amt, "")
	return err
}

func (s *simulation) report() {
	for _, p := range s.eng.Pools() {
		fmt.Fprintf(s.out, "   %-10s assets=%s shares=%s price=%s\n", p.ID, p.TotalAssets, p.TotalShares, p.SharePrice)
	}
	l := s.eng.Loan(simBorrower)
	fmt.Fprintf(s.out, "   loan       active=%t locked=%t principal=%s due=%s collateral=%s\n",
		l.Active, l.Locked, l.Principal, l.RepaymentDue, l.Collateral)
}
