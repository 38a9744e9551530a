package math_test

import (
	"errors"
	"testing"

	fpmath "FortyAcres/internal/math"

	"github.com/holiman/uint256"
)

func TestMulDiv_RoundDown(t *testing.T) {
	got, err := fpmath.MulDiv(uint256.NewInt(10), uint256.NewInt(3), uint256.NewInt(4), fpmath.RoundDown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Uint64() != 7 {
		t.Errorf("got %d, want 7", got.Uint64())
	}
}

func TestMulDiv_RoundUp(t *testing.T) {
	got, err := fpmath.MulDiv(uint256.NewInt(10), uint256.NewInt(3), uint256.NewInt(4), fpmath.RoundUp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Uint64() != 8 {
		t.Errorf("got %d, want 8", got.Uint64())
	}
}

func TestMulDiv_ExactDivisionDoesNotRoundUp(t *testing.T) {
	got, _ := fpmath.MulDiv(uint256.NewInt(10), uint256.NewInt(4), uint256.NewInt(4), fpmath.RoundUp)
	if got.Uint64() != 10 {
		t.Errorf("got %d, want 10", got.Uint64())
	}
}

func TestMulDiv_DivisionByZero(t *testing.T) {
	_, err := fpmath.MulDiv(uint256.NewInt(1), uint256.NewInt(1), uint256.NewInt(0), fpmath.RoundDown)
	if !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Errorf("got %v, want ErrDivisionByZero", err)
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// (2^200 * 2^100) / 2^100 must not overflow the intermediate product.
	x := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	y := new(uint256.Int).Lsh(uint256.NewInt(1), 100)
	got, err := fpmath.MulDiv(x, y, y, fpmath.RoundDown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Eq(x) {
		t.Errorf("got %s, want %s", got.Dec(), x.Dec())
	}
}

func TestApplyBps(t *testing.T) {
	tests := []struct {
		amount uint64
		rate   uint64
		want   uint64
	}{
		{5_000_000, 80, 40_000},
		{1_000_000, 10_000, 1_000_000},
		{1_000_000, 0, 0},
		{99, 100, 0},
	}
	for _, tc := range tests {
		got := fpmath.ApplyBps(uint256.NewInt(tc.amount), tc.rate)
		if got.Uint64() != tc.want {
			t.Errorf("ApplyBps(%d, %d): got %d, want %d", tc.amount, tc.rate, got.Uint64(), tc.want)
		}
	}
}

func TestValidateBps(t *testing.T) {
	if err := fpmath.ValidateBps(10_000); err != nil {
		t.Errorf("10000 should be valid: %v", err)
	}
	if err := fpmath.ValidateBps(10_001); !errors.Is(err, fpmath.ErrInvalidBps) {
		t.Errorf("got %v, want ErrInvalidBps", err)
	}
}

func TestSub_Underflow(t *testing.T) {
	_, err := fpmath.Sub(uint256.NewInt(1), uint256.NewInt(2))
	if !errors.Is(err, fpmath.ErrUnderflow) {
		t.Errorf("got %v, want ErrUnderflow", err)
	}
	if got := fpmath.SaturatingSub(uint256.NewInt(1), uint256.NewInt(2)); !got.IsZero() {
		t.Errorf("saturating sub: got %s, want 0", got.Dec())
	}
}

func TestEpochBoundaries(t *testing.T) {
	const ts = 3*fpmath.Week + 1234
	if got := fpmath.EpochStart(ts); got != 3*fpmath.Week {
		t.Errorf("EpochStart: got %d, want %d", got, 3*fpmath.Week)
	}
	if got := fpmath.EpochNext(ts); got != 4*fpmath.Week {
		t.Errorf("EpochNext: got %d, want %d", got, 4*fpmath.Week)
	}
}

func TestInVoteWindow(t *testing.T) {
	start := 10 * fpmath.Week
	tests := []struct {
		name string
		ts   uint64
		want bool
	}{
		{"epoch start", start, false},
		{"inside first hour", start + 1800, false},
		{"first hour boundary", start + fpmath.VoteBuffer, false},
		{"mid epoch", start + 3*24*3600, true},
		{"last vote second", start + fpmath.Week - fpmath.VoteBuffer, true},
		{"last hour", start + fpmath.Week - 60, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := fpmath.InVoteWindow(tc.ts); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}
