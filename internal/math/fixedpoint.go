package math

import (
	"errors"

	"github.com/holiman/uint256"
)

// Token amounts are raw integer units in the token's own decimals.
// Ratios are either basis points (1/10_000) or WAD (1e18) scaled.
const (
	BasisPoints uint64 = 10_000
	WADDecimals        = 18
)

var (
	ErrDivisionByZero = errors.New("math: division by zero")
	ErrOverflow       = errors.New("math: overflow")
	ErrUnderflow      = errors.New("math: underflow")
	ErrInvalidBps     = errors.New("math: basis points exceed 10000")
)

var (
	wad = uint256.NewInt(1_000_000_000_000_000_000)
	bps = uint256.NewInt(BasisPoints)
)

// WAD returns a fresh 1e18.
func WAD() *uint256.Int { return wad.Clone() }

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

// MulDiv computes x * y / d with a 512-bit intermediate.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	result, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	if mode == RoundUp {
		rem := new(uint256.Int).MulMod(x, y, d)
		if !rem.IsZero() {
			if result.Eq(maxUint256) {
				return nil, ErrOverflow
			}
			result.AddUint64(result, 1)
		}
	}
	return result, nil
}

var maxUint256 = new(uint256.Int).SetAllOne()

// ApplyBps returns amount * rate / 10_000 rounded down. Never overflows for
// rate <= 10_000.
func ApplyBps(amount *uint256.Int, rate uint64) *uint256.Int {
	if amount == nil || amount.IsZero() || rate == 0 {
		return new(uint256.Int)
	}
	result, _ := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(rate), bps)
	return result
}

// ValidateBps rejects rates above 100%.
func ValidateBps(rate uint64) error {
	if rate > BasisPoints {
		return ErrInvalidBps
	}
	return nil
}

// MulWad returns x * y / 1e18 rounded down.
func MulWad(x, y *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, y, wad, RoundDown)
}

// Sub returns a - b or ErrUnderflow.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	result, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, ErrUnderflow
	}
	return result, nil
}

// Add returns a + b or ErrOverflow.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	result, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return result, nil
}

// SaturatingSub returns max(a - b, 0).
func SaturatingSub(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

func Min(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return a.Clone()
	}
	return b.Clone()
}

func Max(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) >= 0 {
		return a.Clone()
	}
	return b.Clone()
}

// Zero returns a fresh zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// OrZero treats nil as zero.
func OrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

// Pow10 returns 10^n.
func Pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}
