package wad_test

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

func TestCheckedArithmetic(t *testing.T) {
	maxU := new(uint256.Int).SetAllOne()

	_, err := wad.Add(maxU, uint256.NewInt(1))
	assert.ErrorIs(t, err, wad.ErrOverflow)

	_, err = wad.Sub(uint256.NewInt(1), uint256.NewInt(2))
	assert.ErrorIs(t, err, wad.ErrArithmeticDomain)

	_, err = wad.Mul(maxU, wad.New(2))
	assert.ErrorIs(t, err, wad.ErrOverflow)

	_, err = wad.Div(wad.One, wad.Zero())
	assert.ErrorIs(t, err, wad.ErrArithmeticDomain)

	got, err := wad.Mul(wad.MustParse("1.5"), wad.MustParse("2.5"))
	require.NoError(t, err)
	assert.Equal(t, "3.75", wad.Format(got))

	got, err = wad.Div(wad.New(1), wad.New(3))
	require.NoError(t, err)
	assert.Equal(t, "333333333333333333", got.Dec())
}

func TestMulDivUp(t *testing.T) {
	got, err := wad.MulDivUp(uint256.NewInt(10), uint256.NewInt(1), uint256.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.Uint64())

	got, err = wad.MulDivUp(uint256.NewInt(9), uint256.NewInt(1), uint256.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Uint64())
}

func TestBps(t *testing.T) {
	got, err := wad.Bps(wad.New(100), 250)
	require.NoError(t, err)
	assert.Equal(t, "2.5", wad.Format(got))

	_, err = wad.Bps(wad.New(1), 10_001)
	assert.ErrorIs(t, err, wad.ErrArithmeticDomain)
}

func TestMaxAndSum(t *testing.T) {
	xs := []uint256.Int{*wad.New(3), *wad.New(7), *wad.New(5)}
	assert.Equal(t, "7", wad.Format(wad.Max(xs)))

	total, err := wad.Sum(xs)
	require.NoError(t, err)
	assert.Equal(t, "15", wad.Format(total))

	_, err = wad.Sum([]uint256.Int{*new(uint256.Int).SetAllOne(), *uint256.NewInt(1)})
	assert.ErrorIs(t, err, wad.ErrOverflow)
}

func TestUnitsConversion(t *testing.T) {
	// 1.0000001 units at 6 decimals: pulls round up, pushes round down.
	x := wad.MustParse("1.0000001")

	up, err := wad.ToUnits(x, 6, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_001), up.Uint64())

	down, err := wad.ToUnits(x, 6, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), down.Uint64())

	back, err := wad.FromUnits(uint256.NewInt(1_000_001), 6)
	require.NoError(t, err)
	assert.Equal(t, "1.000001", wad.Format(back))

	same, err := wad.ToUnits(x, 18, true)
	require.NoError(t, err)
	assert.True(t, same.Eq(x))
}

func TestParseAndFormat(t *testing.T) {
	v, err := wad.Parse("12.5")
	require.NoError(t, err)
	assert.Equal(t, "12500000000000000000", v.Dec())
	assert.Equal(t, "12.5", wad.Format(v))

	_, err = wad.Parse("-1")
	assert.Error(t, err)

	_, err = wad.Parse("0.0000000000000000001")
	assert.Error(t, err)

	_, err = wad.Parse("abc")
	assert.Error(t, err)

	raw, err := wad.ParseRaw("1000")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), raw.Uint64())
}
