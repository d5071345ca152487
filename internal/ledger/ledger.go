// Package ledger implements the asset ledger: fungible balances of every
// underlying asset, allowances, and the bootstrap-only issuance of supply.
//
// The ledger is not safe for concurrent use; the engine serializes access.
package ledger

import (
	"sort"

	"github.com/holiman/uint256"

	"github.com/atmx/vault-lending/internal/amount"
	"github.com/atmx/vault-lending/internal/model"
)

type allowanceKey struct {
	owner   string
	spender string
}

type book struct {
	supply     uint256.Int
	balances   map[string]uint256.Int
	allowances map[allowanceKey]uint256.Int
}

func newBook() *book {
	return &book{
		balances:   make(map[string]uint256.Int),
		allowances: make(map[allowanceKey]uint256.Int),
	}
}

func (b *book) clone() *book {
	c := &book{
		supply:     b.supply,
		balances:   make(map[string]uint256.Int, len(b.balances)),
		allowances: make(map[allowanceKey]uint256.Int, len(b.allowances)),
	}
	for k, v := range b.balances {
		c.balances[k] = v
	}
	for k, v := range b.allowances {
		c.allowances[k] = v
	}
	return c
}

// Ledger holds balances for a fixed set of registered assets. Invariant: for
// every asset the sum of balances equals its total supply.
type Ledger struct {
	assets map[string]*book
	sealed bool
}

// New creates an empty, unsealed ledger.
func New() *Ledger {
	return &Ledger{assets: make(map[string]*book)}
}

// Register adds an asset with zero supply. Registering twice is a no-op.
func (l *Ledger) Register(asset string) error {
	if l.sealed {
		return model.Fail("ledger.register", model.ErrIssuanceClosed, "ledger is sealed")
	}
	if _, ok := l.assets[asset]; !ok {
		l.assets[asset] = newBook()
	}
	return nil
}

// Seal closes issuance. Mint, Burn and Register fail afterwards.
func (l *Ledger) Seal() { l.sealed = true }

// Sealed reports whether issuance is closed.
func (l *Ledger) Sealed() bool { return l.sealed }

// Assets returns the registered asset ids in sorted order.
func (l *Ledger) Assets() []string {
	out := make([]string, 0, len(l.assets))
	for a := range l.assets {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Has reports whether asset is registered.
func (l *Ledger) Has(asset string) bool {
	_, ok := l.assets[asset]
	return ok
}

func (l *Ledger) book(op, asset string) (*book, error) {
	b, ok := l.assets[asset]
	if !ok {
		return nil, model.Fail(op, model.ErrWrongAsset, "unknown asset %s", asset)
	}
	return b, nil
}

// Mint creates amt of asset in account to. Bootstrap only.
func (l *Ledger) Mint(asset, to string, amt *uint256.Int) error {
	const op = "ledger.mint"
	if l.sealed {
		return model.Fail(op, model.ErrIssuanceClosed, "ledger is sealed")
	}
	b, err := l.book(op, asset)
	if err != nil {
		return err
	}
	supply, err := amount.Add(&b.supply, amt)
	if err != nil {
		return model.Fail(op, model.ErrArithmeticOverflow, "total supply of %s", asset)
	}
	bal := b.balances[to]
	newBal, err := amount.Add(&bal, amt)
	if err != nil {
		return model.Fail(op, model.ErrArithmeticOverflow, "balance of %s", to)
	}
	b.supply = *supply
	b.balances[to] = *newBal
	return nil
}

// Burn destroys amt of asset held by from. Bootstrap only.
func (l *Ledger) Burn(asset, from string, amt *uint256.Int) error {
	const op = "ledger.burn"
	if l.sealed {
		return model.Fail(op, model.ErrIssuanceClosed, "ledger is sealed")
	}
	b, err := l.book(op, asset)
	if err != nil {
		return err
	}
	bal := b.balances[from]
	if bal.Lt(amt) {
		return model.Fail(op, model.ErrInsufficientBalance, "%s holds %s %s, burn needs %s",
			from, amount.Format(&bal), asset, amount.Format(amt))
	}
	newBal, _ := amount.Sub(&bal, amt)
	supply, _ := amount.Sub(&b.supply, amt)
	b.setBalance(from, newBal)
	b.supply = *supply
	return nil
}

// BalanceOf returns the balance of account in asset. Unknown assets and
// accounts report zero.
func (l *Ledger) BalanceOf(asset, acct string) *uint256.Int {
	b, ok := l.assets[asset]
	if !ok {
		return amount.Zero()
	}
	bal := b.balances[acct]
	return &bal
}

// TotalSupply returns the issued supply of asset.
func (l *Ledger) TotalSupply(asset string) *uint256.Int {
	b, ok := l.assets[asset]
	if !ok {
		return amount.Zero()
	}
	s := b.supply
	return &s
}

// Transfer moves amt of asset from one account to another. Either both
// sides change or neither does.
func (l *Ledger) Transfer(asset, from, to string, amt *uint256.Int) error {
	b, err := l.book("ledger.transfer", asset)
	if err != nil {
		return err
	}
	return b.move("ledger.transfer", asset, from, to, amt)
}

func (b *book) move(op, asset, from, to string, amt *uint256.Int) error {
	fromBal := b.balances[from]
	if fromBal.Lt(amt) {
		return model.Fail(op, model.ErrInsufficientBalance, "%s holds %s %s, transfer needs %s",
			from, amount.Format(&fromBal), asset, amount.Format(amt))
	}
	if from == to || amt.IsZero() {
		return nil
	}
	toBal := b.balances[to]
	newTo, err := amount.Add(&toBal, amt)
	if err != nil {
		return model.Fail(op, model.ErrArithmeticOverflow, "balance of %s", to)
	}
	newFrom, _ := amount.Sub(&fromBal, amt)
	b.setBalance(from, newFrom)
	b.balances[to] = *newTo
	return nil
}

func (b *book) setBalance(acct string, v *uint256.Int) {
	if v.IsZero() {
		delete(b.balances, acct)
		return
	}
	b.balances[acct] = *v
}

// Approve sets the amount spender may move out of owner's balance.
func (l *Ledger) Approve(asset, owner, spender string, amt *uint256.Int) error {
	b, err := l.book("ledger.approve", asset)
	if err != nil {
		return err
	}
	key := allowanceKey{owner: owner, spender: spender}
	if amt.IsZero() {
		delete(b.allowances, key)
		return nil
	}
	b.allowances[key] = *amt
	return nil
}

// Allowance returns what spender may still move out of owner's balance.
func (l *Ledger) Allowance(asset, owner, spender string) *uint256.Int {
	b, ok := l.assets[asset]
	if !ok {
		return amount.Zero()
	}
	a := b.allowances[allowanceKey{owner: owner, spender: spender}]
	return &a
}

// TransferFrom moves amt from owner to to on behalf of spender, consuming
// allowance. The balance check comes first so an underfunded owner sees
// InsufficientBalance rather than an allowance error.
func (l *Ledger) TransferFrom(asset, spender, from, to string, amt *uint256.Int) error {
	const op = "ledger.transferFrom"
	b, err := l.book(op, asset)
	if err != nil {
		return err
	}
	if bal := b.balances[from]; bal.Lt(amt) {
		return model.Fail(op, model.ErrInsufficientBalance, "%s holds %s %s, transfer needs %s",
			from, amount.Format(&bal), asset, amount.Format(amt))
	}
	key := allowanceKey{owner: from, spender: spender}
	allowed := b.allowances[key]
	if allowed.Lt(amt) {
		return model.Fail(op, model.ErrInsufficientAllowance, "%s approved %s %s to %s, transfer needs %s",
			from, amount.Format(&allowed), asset, spender, amount.Format(amt))
	}
	if err := b.move(op, asset, from, to, amt); err != nil {
		return err
	}
	rest, _ := amount.Sub(&allowed, amt)
	if rest.IsZero() {
		delete(b.allowances, key)
	} else {
		b.allowances[key] = *rest
	}
	return nil
}

// Checkpoint captures the ledger state and returns a function that restores
// it.
func (l *Ledger) Checkpoint() func() {
	saved := make(map[string]*book, len(l.assets))
	for a, b := range l.assets {
		saved[a] = b.clone()
	}
	sealed := l.sealed
	return func() {
		l.assets = saved
		l.sealed = sealed
	}
}
