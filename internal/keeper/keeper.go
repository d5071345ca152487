// Package keeper liquidates loans whose liquidation window has elapsed.
package keeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/atmx/vault-lending/internal/amount"
	"github.com/atmx/vault-lending/internal/controller"
	"github.com/atmx/vault-lending/internal/metrics"
	"github.com/atmx/vault-lending/internal/model"
)

// Liquidator is the part of the engine the keeper drives.
type Liquidator interface {
	LiquidationCandidates() []string
	Liquidate(ctx context.Context, caller, borrower string) (*controller.Seizure, error)
}

// Keeper periodically sweeps expired loans, acting as one operator.
type Keeper struct {
	eng      Liquidator
	operator string
	interval time.Duration
	log      *slog.Logger
}

// New constructs a keeper. A non-positive interval defaults to one minute.
func New(eng Liquidator, operator string, interval time.Duration, log *slog.Logger) *Keeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Keeper{eng: eng, operator: operator, interval: interval, log: log.With("component", "keeper")}
}

// Run sweeps every interval until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	k.log.Info("keeper started", "operator", k.operator, "interval", k.interval.String())
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			k.log.Info("keeper stopped")
			return nil
		case <-ticker.C:
			k.Sweep(ctx)
		}
	}
}

// Sweep liquidates every current candidate once and returns how many loans
// were seized. A candidate lost to a concurrent repayment is skipped.
func (k *Keeper) Sweep(ctx context.Context) int {
	seized := 0
	for _, borrower := range k.eng.LiquidationCandidates() {
		if ctx.Err() != nil {
			break
		}
		s, err := k.eng.Liquidate(ctx, k.operator, borrower)
		switch {
		case err == nil:
			seized++
			metrics.KeeperSweeps.WithLabelValues("liquidated").Inc()
			k.log.Info("loan liquidated",
				"borrower", borrower,
				"collateral", amount.Format(s.Collateral),
				"principal", amount.Format(s.Principal),
			)
		case errors.Is(err, model.ErrNoActiveLoan):
			metrics.KeeperSweeps.WithLabelValues("skipped").Inc()
		default:
			metrics.KeeperSweeps.WithLabelValues("error").Inc()
			k.log.Warn("liquidation failed", "borrower", borrower, "kind", model.KindOf(err), "error", err)
		}
	}
	return seized
}
