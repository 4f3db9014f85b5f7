package wad

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// pow10 returns 10^n as a uint256.
func pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

// ToUnits converts a WAD amount to an asset with the given number of
// decimals. Amounts collected from users round up, amounts paid out round
// down, so the conversion can never leak value out of a pool.
func ToUnits(x *uint256.Int, decimals uint8, roundUp bool) (*uint256.Int, error) {
	switch {
	case decimals == Decimals:
		return new(uint256.Int).Set(x), nil
	case decimals > Decimals:
		z, overflow := new(uint256.Int).MulOverflow(x, pow10(decimals-Decimals))
		if overflow {
			return nil, ErrOverflow
		}
		return z, nil
	}
	scale := pow10(Decimals - decimals)
	if roundUp {
		return MulDivUp(x, uint256.NewInt(1), scale)
	}
	return new(uint256.Int).Div(x, scale), nil
}

// FromUnits converts an asset amount with the given decimals to a WAD.
func FromUnits(x *uint256.Int, decimals uint8) (*uint256.Int, error) {
	switch {
	case decimals == Decimals:
		return new(uint256.Int).Set(x), nil
	case decimals > Decimals:
		return new(uint256.Int).Div(x, pow10(decimals-Decimals)), nil
	}
	z, overflow := new(uint256.Int).MulOverflow(x, pow10(Decimals-decimals))
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Parse reads a human decimal string ("12.5") into a WAD. More than 18
// fractional digits and negative values are rejected.
func Parse(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("wad: parse %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("wad: parse %q: %w", s, ErrArithmeticDomain)
	}
	scaled := d.Shift(Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("wad: parse %q: more than %d decimals", s, Decimals)
	}
	return FromBig(scaled.BigInt())
}

// MustParse is Parse for constants and tests.
func MustParse(s string) *uint256.Int {
	z, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return z
}

// Format renders a WAD as a human decimal string without trailing zeros.
func Format(x *uint256.Int) string {
	return decimal.NewFromBigInt(x.ToBig(), -Decimals).String()
}

// ParseRaw reads a base-10 integer string already at WAD scale.
func ParseRaw(s string) (*uint256.Int, error) {
	z, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("wad: parse raw %q: %w", s, err)
	}
	return z, nil
}
