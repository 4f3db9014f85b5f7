package lmsr_test

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/alanyoungcy/lmsrmarket/internal/lmsr"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

func zeros(n int) []uint256.Int { return make([]uint256.Int, n) }

func TestCost_Empty(t *testing.T) {
	b := wad.New(100)

	c, err := lmsr.Cost(zeros(2), b)
	require.NoError(t, err)
	// 100 * ln 2 = 69.3147180559945309417..., rounded up.
	assert.Equal(t, "69314718055994530942", c.Dec())

	sub, err := lmsr.MinSubsidy(b, 3)
	require.NoError(t, err)
	assert.Equal(t, "109861228866810969140", sub.Dec())

	_, err = lmsr.Cost(zeros(1), b)
	assert.ErrorIs(t, err, lmsr.ErrTooFewOutcomes)

	_, err = lmsr.Cost(zeros(2), wad.Zero())
	assert.ErrorIs(t, err, wad.ErrArithmeticDomain)
}

func TestQuoteBuy_TwoOutcomes(t *testing.T) {
	b := wad.New(100)

	tc, err := lmsr.QuoteBuy(zeros(2), b, 0, wad.New(100), 200)
	require.NoError(t, err)
	// 100 * ln((e + 1) / 2) = 62.0114506958277524...
	assert.Equal(t, "62011450695827752463", tc.Base.Dec())
	assert.Equal(t, "1240229013916555049", tc.Fee.Dec())

	total, err := tc.Total()
	require.NoError(t, err)
	assert.Equal(t, "63251679709744307512", total.Dec())
}

func TestQuoteBuy_ThreeOutcomes(t *testing.T) {
	tc, err := lmsr.QuoteBuy(zeros(3), wad.New(100), 2, wad.New(50), 0)
	require.NoError(t, err)
	assert.Equal(t, "19576448074953348909", tc.Base.Dec())
	assert.True(t, tc.Fee.IsZero())
}

func TestQuote_Validation(t *testing.T) {
	b := wad.New(10)
	_, err := lmsr.QuoteBuy(zeros(2), b, 2, wad.New(1), 0)
	assert.ErrorIs(t, err, lmsr.ErrOutcomeOutOfRange)

	_, err = lmsr.QuoteBuy(zeros(2), b, 0, wad.Zero(), 0)
	assert.ErrorIs(t, err, lmsr.ErrZeroAmount)

	_, err = lmsr.QuoteSell(zeros(2), b, 0, wad.New(1), 0)
	assert.ErrorIs(t, err, wad.ErrArithmeticDomain)

	_, err = lmsr.QuoteBuy(zeros(2), b, 0, wad.New(1), 10_001)
	assert.ErrorIs(t, err, wad.ErrArithmeticDomain)
}

func TestPrices(t *testing.T) {
	b := wad.New(100)

	ps, err := lmsr.Prices(zeros(2), b)
	require.NoError(t, err)
	assert.Equal(t, "500000000000000000", ps[0].Dec())
	assert.Equal(t, "500000000000000000", ps[1].Dec())

	q := []uint256.Int{*wad.New(100), {}}
	ps, err = lmsr.Prices(q, b)
	require.NoError(t, err)
	// e / (e + 1) = 0.7310585786300048792...
	assert.Equal(t, "731058578630004879", ps[0].Dec())
	assert.Equal(t, "268941421369995120", ps[1].Dec())

	p, err := lmsr.Price(q, b, 1)
	require.NoError(t, err)
	assert.True(t, p.Eq(&ps[1]))
}

func TestSellAfterBuy(t *testing.T) {
	b := wad.New(100)
	q := []uint256.Int{*wad.New(100), {}}

	tc, err := lmsr.QuoteSell(q, b, 0, wad.New(40), 100)
	require.NoError(t, err)
	assert.Equal(t, "27577373703233720759", tc.Base.Dec())

	proceeds, err := tc.Proceeds()
	require.NoError(t, err)
	fee, err := wad.Bps(&tc.Base, 100)
	require.NoError(t, err)
	want, err := wad.Sub(&tc.Base, fee)
	require.NoError(t, err)
	assert.True(t, proceeds.Eq(want))
}

func TestMaxSharesForBudget(t *testing.T) {
	b := wad.New(100)
	budget := wad.New(50)

	shares, tc, err := lmsr.MaxSharesForBudget(zeros(2), b, 0, budget, 0)
	require.NoError(t, err)
	// b * ln(2e^(budget/b) - 1) = 83.1796565751186...
	assert.Equal(t, "83179656575118622642", shares.Dec())

	total, err := tc.Total()
	require.NoError(t, err)
	assert.False(t, total.Gt(budget))

	next := new(uint256.Int).AddUint64(shares, 1)
	over, err := lmsr.QuoteBuy(zeros(2), b, 0, next, 0)
	require.NoError(t, err)
	assert.True(t, over.Base.Gt(budget))
}

// market draws a liquidity parameter and a quantity vector bounded to
// 20*b per outcome, where every outcome price stays well above zero.
func market(t *rapid.T) ([]uint256.Int, *uint256.Int) {
	n := rapid.IntRange(2, 6).Draw(t, "outcomes")
	b := wad.New(rapid.Uint64Range(1, 10_000).Draw(t, "b"))
	q := make([]uint256.Int, n)
	for i := range q {
		frac := rapid.Uint64Range(0, 400).Draw(t, "q")
		v, err := wad.MulDiv(b, uint256.NewInt(frac), uint256.NewInt(20))
		if err != nil {
			t.Fatalf("muldiv: %v", err)
		}
		q[i] = *v
	}
	return q, b
}

func TestProperty_PricesSumToOne(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		q, b := market(t)
		ps, err := lmsr.Prices(q, b)
		if err != nil {
			t.Fatalf("prices: %v", err)
		}
		sum, err := wad.Sum(ps)
		if err != nil {
			t.Fatalf("sum: %v", err)
		}
		lower := new(uint256.Int).SubUint64(wad.One, uint64(len(q)))
		if sum.Gt(wad.One) || sum.Lt(lower) {
			t.Fatalf("prices sum to %s", sum.Dec())
		}
		for i := range ps {
			if ps[i].IsZero() || !ps[i].Lt(wad.One) {
				t.Fatalf("price %d out of (0,1): %s", i, ps[i].Dec())
			}
		}
	})
}

func TestProperty_CostCoversMaxQuantity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		q, b := market(t)
		c, err := lmsr.Cost(q, b)
		if err != nil {
			t.Fatalf("cost: %v", err)
		}
		if c.Lt(wad.Max(q)) {
			t.Fatalf("C(q)=%s below max(q)=%s", c.Dec(), wad.Max(q).Dec())
		}
	})
}

func TestProperty_QuoteBuyStrictlyIncreasing(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		q, b := market(t)
		outcome := rapid.IntRange(0, len(q)-1).Draw(t, "outcome")
		unit := uint256.NewInt(1_000_000_000_000_000)
		s1 := new(uint256.Int).Mul(uint256.NewInt(rapid.Uint64Range(1, 1_000_000).Draw(t, "s1")), unit)
		d := new(uint256.Int).Mul(uint256.NewInt(rapid.Uint64Range(1, 1_000_000).Draw(t, "d")), unit)
		s2 := new(uint256.Int).Add(s1, d)

		c1, err := lmsr.QuoteBuy(q, b, outcome, s1, 0)
		if err != nil {
			t.Fatalf("quote: %v", err)
		}
		c2, err := lmsr.QuoteBuy(q, b, outcome, s2, 0)
		if err != nil {
			t.Fatalf("quote: %v", err)
		}
		if !c2.Base.Gt(&c1.Base) {
			t.Fatalf("cost(%s)=%s not above cost(%s)=%s", s2.Dec(), c2.Base.Dec(), s1.Dec(), c1.Base.Dec())
		}
	})
}

func TestProperty_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		q, b := market(t)
		outcome := rapid.IntRange(0, len(q)-1).Draw(t, "outcome")
		shares := wad.New(rapid.Uint64Range(1, 5_000).Draw(t, "shares"))
		fee := uint32(rapid.IntRange(0, 1_000).Draw(t, "fee"))

		buy, err := lmsr.QuoteBuy(q, b, outcome, shares, fee)
		if err != nil {
			t.Fatalf("buy: %v", err)
		}
		after := wad.Clone(q)
		after[outcome].Add(&after[outcome], shares)
		sell, err := lmsr.QuoteSell(after, b, outcome, shares, fee)
		if err != nil {
			t.Fatalf("sell: %v", err)
		}

		paid, _ := buy.Total()
		got, _ := sell.Proceeds()
		if got.Gt(paid) {
			t.Fatalf("round trip profit: paid %s got %s", paid.Dec(), got.Dec())
		}
		if fee == 0 && !got.Eq(paid) {
			t.Fatalf("zero-fee round trip not exact: paid %s got %s", paid.Dec(), got.Dec())
		}
	})
}
