// Package amount implements the engine's fixed-point arithmetic: token
// quantities are unsigned 256-bit integers of base units with 18 fractional
// decimal digits. Every operation fails closed on overflow instead of
// wrapping. Conversion to and from human token units goes through
// shopspring/decimal so no float64 is ever involved.
package amount

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/vault-lending/internal/model"
)

// Decimals is the number of fractional digits of every asset.
const Decimals = 18

// BasisPoints is the denominator of all ratio parameters.
const BasisPoints = 10_000

var (
	// ErrOverflow is returned when a result does not fit in 256 bits.
	ErrOverflow = fmt.Errorf("amount: overflow: %w", model.ErrArithmeticOverflow)

	// ErrUnderflow is returned when a subtraction would go below zero.
	ErrUnderflow = fmt.Errorf("amount: underflow: %w", model.ErrArithmeticOverflow)

	// ErrDivisionByZero is returned by MulDiv with a zero divisor.
	ErrDivisionByZero = fmt.Errorf("amount: division by zero: %w", model.ErrArithmeticOverflow)

	// ErrInvalid is returned when a token string cannot be represented
	// exactly in base units.
	ErrInvalid = fmt.Errorf("amount: invalid token amount: %w", model.ErrInvalidAmount)
)

var (
	bpsDenominator = uint256.NewInt(BasisPoints)
	one            = uint256.NewInt(1)
)

// Zero returns a fresh zero amount.
func Zero() *uint256.Int { return new(uint256.Int) }

// Units returns n whole tokens expressed in base units.
func Units(n uint64) *uint256.Int {
	z := uint256.NewInt(n)
	return z.Mul(z, unit())
}

// Base returns n base units.
func Base(n uint64) *uint256.Int { return uint256.NewInt(n) }

func unit() *uint256.Int {
	// 10^18 fits in a uint64.
	return uint256.NewInt(1_000_000_000_000_000_000)
}

// Add returns a+b.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns a-b.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// MulDiv returns floor(x*y/d) computed with a 512-bit intermediate.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulDivUp returns ceil(x*y/d).
func MulDivUp(x, y, d *uint256.Int) (*uint256.Int, error) {
	z, err := MulDiv(x, y, d)
	if err != nil {
		return nil, err
	}
	if new(uint256.Int).MulMod(x, y, d).IsZero() {
		return z, nil
	}
	return Add(z, one)
}

// Bps returns floor(x*bps/10000).
func Bps(x *uint256.Int, bps uint64) (*uint256.Int, error) {
	return MulDiv(x, uint256.NewInt(bps), bpsDenominator)
}

// FromDecimal converts a token quantity to base units. Negative values and
// values with more than Decimals fractional digits are rejected.
func FromDecimal(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, ErrInvalid
	}
	shifted := d.Shift(Decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, ErrInvalid
	}
	z, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Parse converts a decimal token string such as "12.5" to base units.
func Parse(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return FromDecimal(d)
}

// ToDecimal converts base units to a token quantity.
func ToDecimal(x *uint256.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.ToBig(), -Decimals)
}

// Format renders base units as a decimal token string.
func Format(x *uint256.Int) string {
	return ToDecimal(x).String()
}
