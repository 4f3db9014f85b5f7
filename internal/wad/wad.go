// Package wad implements deterministic fixed-point arithmetic at 1e18 scale.
//
// Persisted and exchanged amounts are unsigned 256-bit integers (uint256.Int).
// Transcendental functions work on signed math/big values at 2^128 binary
// scale internally and never touch hardware floating point.
package wad

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

// Decimals is the number of decimal places of a WAD value.
const Decimals = 18

var (
	// ErrArithmeticDomain is returned when an input lies outside the safe
	// domain of a function (exp overflow, ln of a non-positive value,
	// division by zero, negative result for an unsigned quantity).
	ErrArithmeticDomain = errors.New("arithmetic domain error")

	// ErrOverflow is returned when a result does not fit in 256 bits.
	ErrOverflow = errors.New("arithmetic overflow")
)

var (
	// One is 1.0 as a WAD.
	One = uint256.NewInt(1_000_000_000_000_000_000)

	oneBig = new(big.Int).Set(One.ToBig())
)

// BpsBase is the basis-point denominator (100%).
const BpsBase = 10_000

// New returns a WAD holding n whole units.
func New(n uint64) *uint256.Int {
	z := uint256.NewInt(n)
	return z.Mul(z, One)
}

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// Add returns x + y.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns x - y. A negative result is a domain error: unsigned ledger
// quantities never go below zero.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, ErrArithmeticDomain
	}
	return z, nil
}

// Mul multiplies two WADs: x*y/1e18, rounded down.
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, y, One)
}

// Div divides two WADs: x*1e18/y, rounded down.
func Div(x, y *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, One, y)
}

// MulDiv returns floor(x*y/d) with a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrArithmeticDomain
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
	rem := new(uint256.Int).MulMod(x, y, d)
	if rem.IsZero() {
		return z, nil
	}
	return Add(z, uint256.NewInt(1))
}

// Bps returns floor(x*bps/10000). bps above 10000 is rejected.
func Bps(x *uint256.Int, bps uint32) (*uint256.Int, error) {
	if bps > BpsBase {
		return nil, ErrArithmeticDomain
	}
	return MulDiv(x, uint256.NewInt(uint64(bps)), uint256.NewInt(BpsBase))
}

// Max returns the largest element of xs, or zero for an empty slice.
func Max(xs []uint256.Int) *uint256.Int {
	m := new(uint256.Int)
	for i := range xs {
		if xs[i].Gt(m) {
			m.Set(&xs[i])
		}
	}
	return m
}

// Sum adds all elements of xs with overflow checking.
func Sum(xs []uint256.Int) (*uint256.Int, error) {
	total := new(uint256.Int)
	for i := range xs {
		var overflow bool
		if total, overflow = total.AddOverflow(total, &xs[i]); overflow {
			return nil, ErrOverflow
		}
	}
	return total, nil
}

// FromBig converts a non-negative big.Int to a uint256.
func FromBig(x *big.Int) (*uint256.Int, error) {
	if x.Sign() < 0 {
		return nil, ErrArithmeticDomain
	}
	z, overflow := uint256.FromBig(x)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Clone copies a slice of values.
func Clone(xs []uint256.Int) []uint256.Int {
	out := make([]uint256.Int, len(xs))
	copy(out, xs)
	return out
}
