package amount

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/vault-lending/internal/model"
)

func TestUnits(t *testing.T) {
	got := Units(90)
	want, _ := uint256.FromDecimal("90000000000000000000")
	if !got.Eq(want) {
		t.Fatalf("Units(90) = %s, want %s", got.Dec(), want.Dec())
	}
}

func TestAdd_Overflow(t *testing.T) {
	max := new(uint256.Int).SetAllOne()
	_, err := Add(max, Base(1))
	if !errors.Is(err, model.ErrArithmeticOverflow) {
		t.Fatalf("expected ArithmeticOverflow, got %v", err)
	}
}

func TestSub_Underflow(t *testing.T) {
	_, err := Sub(Base(1), Base(2))
	if !errors.Is(err, model.ErrArithmeticOverflow) {
		t.Fatalf("expected ArithmeticOverflow, got %v", err)
	}
}

func TestMulDiv_RoundsDown(t *testing.T) {
	got, err := MulDiv(Base(10), Base(1), Base(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Uint64() != 3 {
		t.Errorf("floor(10/3) = %d, want 3", got.Uint64())
	}
}

func TestMulDivUp_RoundsUp(t *testing.T) {
	got, err := MulDivUp(Base(10), Base(1), Base(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Uint64() != 4 {
		t.Errorf("ceil(10/3) = %d, want 4", got.Uint64())
	}

	exact, _ := MulDivUp(Base(9), Base(1), Base(3))
	if exact.Uint64() != 3 {
		t.Errorf("ceil(9/3) = %d, want 3", exact.Uint64())
	}
}

func TestMulDiv_ZeroDivisor(t *testing.T) {
	if _, err := MulDiv(Base(1), Base(1), Zero()); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// x*y overflows 256 bits but the quotient fits.
	max := new(uint256.Int).SetAllOne()
	got, err := MulDiv(max, Base(2), Base(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Eq(max) {
		t.Errorf("expected max, got %s", got.Dec())
	}
}

func TestBps(t *testing.T) {
	got, err := Bps(Units(100), 9000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Eq(Units(90)) {
		t.Errorf("90%% of 100 = %s, want 90", Format(got))
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"1", "1000000000000000000", false},
		{"0.5", "500000000000000000", false},
		{"297", "297000000000000000000", false},
		{"0.000000000000000001", "1", false},
		{"0.0000000000000000001", "", true},
		{"-1", "", true},
		{"abc", "", true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			if !errors.Is(err, model.ErrInvalidAmount) {
				t.Errorf("Parse(%q): expected InvalidAmount, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got.Dec() != tt.want {
			t.Errorf("Parse(%q) = %s, want %s", tt.in, got.Dec(), tt.want)
		}
	}
}

func TestToDecimal_RoundTrip(t *testing.T) {
	d := decimal.RequireFromString("210.25")
	x, err := FromDecimal(d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ToDecimal(x).Equal(d) {
		t.Errorf("round trip: got %s, want %s", ToDecimal(x), d)
	}
	if Format(Units(310)) != "310" {
		t.Errorf("Format(310) = %s", Format(Units(310)))
	}
}
