// Package vault implements a tokenized share vault over one ledger asset.
//
// Depositors receive shares proportional to their contribution; a share is
// a claim on totalAssets/totalShares of the backing account's balance.
// Conversions round in the vault's favour: deposits and redemptions round
// down, withdrawals round the burned shares up.
package vault

import (
	"sort"

	"github.com/holiman/uint256"

	"github.com/atmx/vault-lending/internal/account"
	"github.com/atmx/vault-lending/internal/amount"
	"github.com/atmx/vault-lending/internal/ledger"
	"github.com/atmx/vault-lending/internal/model"
)

// Gate reports whether an account is frozen out of the vault. The collateral
// pool is gated by the controller's borrower locks.
type Gate interface {
	Locked(account string) bool
}

// Config describes one vault.
type Config struct {
	ID     string
	Name   string
	Symbol string
	Asset  string
}

// Vault is a share vault. Not safe for concurrent use.
type Vault struct {
	cfg     Config
	account string
	ledger  *ledger.Ledger
	gate    Gate

	totalShares uint256.Int
	shares      map[string]uint256.Int
}

// New creates an empty vault whose backing account is account.Vault(cfg.ID).
func New(cfg Config, l *ledger.Ledger) *Vault {
	return &Vault{
		cfg:     cfg,
		account: account.Vault(cfg.ID),
		ledger:  l,
		shares:  make(map[string]uint256.Int),
	}
}

// SetGate installs the lock check applied to deposits and exits.
func (v *Vault) SetGate(g Gate) { v.gate = g }

func (v *Vault) ID() string { return v.cfg.ID }

func (v *Vault) Asset() string { return v.cfg.Asset }

// Account is the ledger account holding the vault's assets.
func (v *Vault) Account() string { return v.account }

func (v *Vault) Config() Config { return v.cfg }

func (v *Vault) op(s string) string { return "vault." + v.cfg.ID + "." + s }

func (v *Vault) locked(acct string) bool {
	return v.gate != nil && v.gate.Locked(acct)
}

// TotalAssets is the ledger balance of the backing account.
func (v *Vault) TotalAssets() *uint256.Int {
	return v.ledger.BalanceOf(v.cfg.Asset, v.account)
}

// TotalShares is the outstanding share supply.
func (v *Vault) TotalShares() *uint256.Int {
	s := v.totalShares
	return &s
}

// SharesOf returns the shares held by acct.
func (v *Vault) SharesOf(acct string) *uint256.Int {
	s := v.shares[acct]
	return &s
}

// Holders returns every account holding shares, sorted.
func (v *Vault) Holders() []string {
	out := make([]string, 0, len(v.shares))
	for a := range v.shares {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// ConvertToShares returns floor(assets*totalShares/totalAssets), or assets
// itself while the vault has no shares.
func (v *Vault) ConvertToShares(assets *uint256.Int) (*uint256.Int, error) {
	if v.totalShares.IsZero() {
		return new(uint256.Int).Set(assets), nil
	}
	return amount.MulDiv(assets, &v.totalShares, v.TotalAssets())
}

// ConvertToAssets returns floor(shares*totalAssets/totalShares), or shares
// itself while the vault has no shares.
func (v *Vault) ConvertToAssets(shares *uint256.Int) (*uint256.Int, error) {
	if v.totalShares.IsZero() {
		return new(uint256.Int).Set(shares), nil
	}
	return amount.MulDiv(shares, v.TotalAssets(), &v.totalShares)
}

// PreviewDeposit returns the shares a deposit of assets would mint.
func (v *Vault) PreviewDeposit(assets *uint256.Int) (*uint256.Int, error) {
	return v.ConvertToShares(assets)
}

// PreviewWithdraw returns the shares burned to withdraw assets, rounded up.
func (v *Vault) PreviewWithdraw(assets *uint256.Int) (*uint256.Int, error) {
	if v.totalShares.IsZero() {
		return new(uint256.Int).Set(assets), nil
	}
	return amount.MulDivUp(assets, &v.totalShares, v.TotalAssets())
}

// PreviewRedeem returns the assets paid for redeeming shares.
func (v *Vault) PreviewRedeem(shares *uint256.Int) (*uint256.Int, error) {
	return v.ConvertToAssets(shares)
}

// MaxRedeem is owner's full share balance. A locked owner still reports
// it; the exit itself fails with BorrowerLocked.
func (v *Vault) MaxRedeem(owner string) *uint256.Int {
	return v.SharesOf(owner)
}

// MaxWithdraw is the asset value of MaxRedeem.
func (v *Vault) MaxWithdraw(owner string) *uint256.Int {
	a, err := v.ConvertToAssets(v.MaxRedeem(owner))
	if err != nil {
		return amount.Zero()
	}
	return a
}

// Deposit pulls amt of asset from depositor and mints shares to receiver.
// The vault's backing account must hold an allowance from depositor.
func (v *Vault) Deposit(asset string, amt *uint256.Int, depositor, receiver string) (*uint256.Int, error) {
	op := v.op("deposit")
	if amt.IsZero() {
		return nil, model.Fail(op, model.ErrInvalidAmount, "deposit amount must be positive")
	}
	if asset != v.cfg.Asset {
		return nil, model.Fail(op, model.ErrWrongAsset, "%s accepts %s, got %s", v.cfg.ID, v.cfg.Asset, asset)
	}
	for _, a := range []string{depositor, receiver} {
		if v.locked(a) {
			return nil, model.Fail(op, model.ErrBorrowerLocked, "User is locked due to an active loan: %s", a)
		}
	}

	ta := v.TotalAssets()
	if !v.totalShares.IsZero() && ta.IsZero() {
		return nil, model.Fail(op, model.ErrInvalidAmount, "%s has outstanding shares but no assets", v.cfg.ID)
	}
	minted, err := v.ConvertToShares(amt)
	if err != nil {
		return nil, model.Fail(op, model.ErrArithmeticOverflow, "share conversion: %v", err)
	}
	if minted.IsZero() {
		return nil, model.Fail(op, model.ErrInvalidAmount, "deposit of %s mints zero shares", amount.Format(amt))
	}
	if err := v.mint(op, receiver, minted); err != nil {
		return nil, err
	}
	if err := v.ledger.TransferFrom(v.cfg.Asset, v.account, depositor, v.account, amt); err != nil {
		// Undo the mint; the ledger made no change.
		v.burn(receiver, minted)
		return nil, err
	}
	return minted, nil
}

// Withdraw burns the shares needed to pay assets out of owner's position
// to receiver. Returns the shares burned.
func (v *Vault) Withdraw(assets *uint256.Int, caller, receiver, owner string) (*uint256.Int, error) {
	op := v.op("withdraw")
	if err := v.checkExit(op, assets, caller, owner); err != nil {
		return nil, err
	}
	if v.TotalAssets().IsZero() {
		return nil, model.Fail(op, model.ErrInsufficientLiquidity, "%s holds no assets", v.cfg.ID)
	}
	shares, err := v.PreviewWithdraw(assets)
	if err != nil {
		return nil, model.Fail(op, model.ErrArithmeticOverflow, "share conversion: %v", err)
	}
	if err := v.exit(op, shares, assets, receiver, owner); err != nil {
		return nil, err
	}
	return shares, nil
}

// Redeem burns shares from owner's position and pays the matching assets to
// receiver. Returns the assets paid.
func (v *Vault) Redeem(shares *uint256.Int, caller, receiver, owner string) (*uint256.Int, error) {
	op := v.op("redeem")
	if err := v.checkExit(op, shares, caller, owner); err != nil {
		return nil, err
	}
	assets, err := v.PreviewRedeem(shares)
	if err != nil {
		return nil, model.Fail(op, model.ErrArithmeticOverflow, "asset conversion: %v", err)
	}
	if assets.IsZero() {
		return nil, model.Fail(op, model.ErrInvalidAmount, "redeeming %s shares pays nothing", amount.Format(shares))
	}
	if err := v.exit(op, shares, assets, receiver, owner); err != nil {
		return nil, err
	}
	return assets, nil
}

func (v *Vault) checkExit(op string, amt *uint256.Int, caller, owner string) error {
	if amt.IsZero() {
		return model.Fail(op, model.ErrInvalidAmount, "amount must be positive")
	}
	if caller != owner {
		return model.Fail(op, model.ErrUnauthorized, "%s cannot exit on behalf of %s", caller, owner)
	}
	if v.locked(owner) {
		return model.Fail(op, model.ErrBorrowerLocked, "User is locked due to an active loan: %s", owner)
	}
	return nil
}

func (v *Vault) exit(op string, shares, assets *uint256.Int, receiver, owner string) error {
	held := v.shares[owner]
	if held.Lt(shares) {
		return model.Fail(op, model.ErrInsufficientShares, "%s holds %s shares, needs %s",
			owner, amount.Format(&held), amount.Format(shares))
	}
	if v.TotalAssets().Lt(assets) {
		return model.Fail(op, model.ErrInsufficientLiquidity, "Not enough token balance in vault")
	}
	v.burn(owner, shares)
	return v.ledger.Transfer(v.cfg.Asset, v.account, receiver, assets)
}

// Release pays amt out of the backing account to to without burning
// shares. The controller uses it to disburse loans and move seized
// collateral; every holder's claim shrinks proportionally.
func (v *Vault) Release(to string, amt *uint256.Int) error {
	if v.TotalAssets().Lt(amt) {
		return model.Fail(v.op("release"), model.ErrInsufficientLiquidity, "Not enough token balance in vault")
	}
	return v.ledger.Transfer(v.cfg.Asset, v.account, to, amt)
}

// Seize burns shares from owner without paying out assets.
func (v *Vault) Seize(owner string, shares *uint256.Int) error {
	held := v.shares[owner]
	if held.Lt(shares) {
		return model.Fail(v.op("seize"), model.ErrInsufficientShares, "%s holds %s shares, seizure needs %s",
			owner, amount.Format(&held), amount.Format(shares))
	}
	v.burn(owner, shares)
	return nil
}

func (v *Vault) mint(op, to string, shares *uint256.Int) error {
	total, err := amount.Add(&v.totalShares, shares)
	if err != nil {
		return model.Fail(op, model.ErrArithmeticOverflow, "total shares")
	}
	held := v.shares[to]
	newHeld, err := amount.Add(&held, shares)
	if err != nil {
		return model.Fail(op, model.ErrArithmeticOverflow, "shares of %s", to)
	}
	v.totalShares = *total
	v.shares[to] = *newHeld
	return nil
}

// burn assumes the caller checked the holding.
func (v *Vault) burn(from string, shares *uint256.Int) {
	held := v.shares[from]
	rest := new(uint256.Int).Sub(&held, shares)
	if rest.IsZero() {
		delete(v.shares, from)
	} else {
		v.shares[from] = *rest
	}
	v.totalShares.Sub(&v.totalShares, shares)
}

// View returns a snapshot of the vault.
func (v *Vault) View() model.PoolView {
	price, err := v.ConvertToAssets(amount.Units(1))
	if err != nil {
		price = amount.Zero()
	}
	return model.PoolView{
		ID:          v.cfg.ID,
		Name:        v.cfg.Name,
		Symbol:      v.cfg.Symbol,
		Asset:       v.cfg.Asset,
		Account:     v.account,
		TotalAssets: amount.ToDecimal(v.TotalAssets()),
		TotalShares: amount.ToDecimal(v.TotalShares()),
		SharePrice:  amount.ToDecimal(price),
	}
}

// Holder returns owner's position.
func (v *Vault) Holder(owner string) model.HolderView {
	return model.HolderView{
		Pool:        v.cfg.ID,
		Account:     owner,
		Shares:      amount.ToDecimal(v.SharesOf(owner)),
		MaxRedeem:   amount.ToDecimal(v.MaxRedeem(owner)),
		MaxWithdraw: amount.ToDecimal(v.MaxWithdraw(owner)),
		Locked:      v.locked(owner),
	}
}

// Checkpoint captures share state and returns a function that restores it.
// Asset balances belong to the ledger's own checkpoint.
func (v *Vault) Checkpoint() func() {
	total := v.totalShares
	saved := make(map[string]uint256.Int, len(v.shares))
	for k, s := range v.shares {
		saved[k] = s
	}
	return func() {
		v.totalShares = total
		v.shares = saved
	}
}
