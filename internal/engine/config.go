package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/vault-lending/internal/account"
	"github.com/atmx/vault-lending/internal/amount"
	"github.com/atmx/vault-lending/internal/limits"
	"github.com/atmx/vault-lending/internal/vault"
)

// Allocation is a genesis balance minted before issuance is sealed.
type Allocation struct {
	Asset   string
	Account string
	Amount  decimal.Decimal
}

// Config is everything the engine needs to bootstrap.
type Config struct {
	Assets         []string
	Allocations    []Allocation
	LendingPool    vault.Config
	CollateralPool vault.Config

	LTVBps            uint64
	FeeBps            uint64
	LiquidationWindow time.Duration

	Admins    []string
	Operators []string

	// Zero disables the cap.
	MaxPerLoan     decimal.Decimal
	MaxOutstanding decimal.Decimal

	// SelfServiceBorrow lets a borrower deposit collateral and draw a loan
	// in one call without an operator.
	SelfServiceBorrow bool
}

// Validate checks the bootstrap configuration.
func (c *Config) Validate() error {
	var errs []error
	known := make(map[string]bool, len(c.Assets))
	for _, a := range c.Assets {
		if a == "" {
			errs = append(errs, errors.New("engine: empty asset id"))
		}
		known[a] = true
	}
	for _, p := range []vault.Config{c.LendingPool, c.CollateralPool} {
		if p.ID == "" {
			errs = append(errs, errors.New("engine: pool id is required"))
		}
		if !known[p.Asset] {
			errs = append(errs, fmt.Errorf("engine: pool %s uses unregistered asset %q", p.ID, p.Asset))
		}
	}
	// Seized collateral becomes lending pool backing, so both pools must
	// hold the same asset.
	if c.LendingPool.Asset != c.CollateralPool.Asset {
		errs = append(errs, fmt.Errorf("engine: pools must share one asset, lending pool holds %q and collateral pool %q",
			c.LendingPool.Asset, c.CollateralPool.Asset))
	}
	if c.LendingPool.ID == c.CollateralPool.ID {
		errs = append(errs, fmt.Errorf("engine: pools must have distinct ids, both are %q", c.LendingPool.ID))
	}
	if c.LTVBps == 0 || c.LTVBps > amount.BasisPoints {
		errs = append(errs, fmt.Errorf("engine: ltv_bps must be in (0, %d], got %d", amount.BasisPoints, c.LTVBps))
	}
	if c.LiquidationWindow < 0 {
		errs = append(errs, errors.New("engine: liquidation window must not be negative"))
	}
	for _, al := range c.Allocations {
		if !known[al.Asset] {
			errs = append(errs, fmt.Errorf("engine: allocation of unregistered asset %q", al.Asset))
		}
		if _, err := account.Parse(al.Account); err != nil {
			errs = append(errs, fmt.Errorf("engine: allocation: %w", err))
		}
	}
	for _, who := range append(append([]string{}, c.Admins...), c.Operators...) {
		if _, err := account.ParseUser(who); err != nil {
			errs = append(errs, fmt.Errorf("engine: role holder: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) limiter() *limits.BorrowLimiter {
	l := limits.NewBorrowLimiter(c.MaxPerLoan, c.MaxOutstanding)
	if !l.Enabled() {
		return nil
	}
	return l
}
