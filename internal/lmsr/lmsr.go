// Package lmsr prices multi-outcome markets with the Logarithmic Market
// Scoring Rule.
//
// The cost function C(q) = b * ln(sum_i exp(q_i / b)) is evaluated as
//
//	C(q) = max(q) + ceil(b * ln(sum_i exp((q_i - max(q)) / b)))
//
// at 2^128 binary precision. Shifting by the maximum keeps every exponent
// non-positive, and rounding the correction term up makes C(q) >= max(q)
// hold exactly, which is what keeps a subsidized pool solvent.
//
// All quantities are WAD (1e18) unsigned integers.
package lmsr

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

var (
	// ErrOutcomeOutOfRange is returned for an outcome index outside [0, n).
	ErrOutcomeOutOfRange = errors.New("lmsr: outcome out of range")
	// ErrZeroAmount is returned when a trade or budget is zero.
	ErrZeroAmount = errors.New("lmsr: zero amount")
	// ErrTooFewOutcomes is returned when fewer than two quantities are given.
	ErrTooFewOutcomes = errors.New("lmsr: fewer than two outcomes")
)

// TradeCost is the price of a trade split into the curve cost and the
// protocol fee computed on it. Buyers pay Base+Fee; sellers receive
// Base-Fee. The fee is always borne by the trader.
type TradeCost struct {
	Base uint256.Int
	Fee  uint256.Int
}

// Total is the amount a buyer must supply.
func (c TradeCost) Total() (*uint256.Int, error) {
	return wad.Add(&c.Base, &c.Fee)
}

// Proceeds is the amount a seller receives.
func (c TradeCost) Proceeds() (*uint256.Int, error) {
	return wad.Sub(&c.Base, &c.Fee)
}

// curve holds the intermediate values of one cost evaluation.
type curve struct {
	qmax  *big.Int
	terms []*big.Int // exp((q_i - qmax)/b) at 2^128 scale
	sum   *big.Int
}

func evaluate(q []uint256.Int, b *uint256.Int) (*curve, error) {
	if len(q) < 2 {
		return nil, ErrTooFewOutcomes
	}
	if b.IsZero() {
		return nil, wad.ErrArithmeticDomain
	}

	bb := b.ToBig()
	imax := 0
	for i := range q {
		if q[i].Gt(&q[imax]) {
			imax = i
		}
	}
	rmax := ratio(&q[imax], bb)

	c := &curve{
		qmax:  q[imax].ToBig(),
		terms: make([]*big.Int, len(q)),
		sum:   new(big.Int),
	}
	for i := range q {
		x := ratio(&q[i], bb)
		x.Sub(x, rmax)
		t, err := wad.ExpX128(x)
		if err != nil {
			return nil, err
		}
		c.terms[i] = t
		c.sum.Add(c.sum, t)
	}
	return c, nil
}

// ratio returns q/b at 2^128 scale.
func ratio(q *uint256.Int, b *big.Int) *big.Int {
	r := new(big.Int).Lsh(q.ToBig(), 128)
	return r.Quo(r, b)
}

// Cost evaluates C(q) for liquidity b.
func Cost(q []uint256.Int, b *uint256.Int) (*uint256.Int, error) {
	c, err := evaluate(q, b)
	if err != nil {
		return nil, err
	}
	lse, err := wad.LnX128(c.sum)
	if err != nil {
		return nil, err
	}

	// sum >= 1.0 because the max term is exactly 1, so lse >= 0.
	t := new(big.Int).Mul(b.ToBig(), lse)
	t.Add(t, new(big.Int).Sub(wad.OneX128, big.NewInt(1)))
	t.Rsh(t, 128)
	t.Add(t, c.qmax)
	return wad.FromBig(t)
}

// Prices returns the marginal price of every outcome, each rounded down.
// The prices sum to one within len(q) wei.
func Prices(q []uint256.Int, b *uint256.Int) ([]uint256.Int, error) {
	c, err := evaluate(q, b)
	if err != nil {
		return nil, err
	}
	one := wad.One.ToBig()
	out := make([]uint256.Int, len(q))
	for i, t := range c.terms {
		p := new(big.Int).Mul(t, one)
		p.Quo(p, c.sum)
		v, err := wad.FromBig(p)
		if err != nil {
			return nil, err
		}
		out[i] = *v
	}
	return out, nil
}

// Price returns the marginal price of a single outcome.
func Price(q []uint256.Int, b *uint256.Int, outcome int) (*uint256.Int, error) {
	if outcome < 0 || outcome >= len(q) {
		return nil, ErrOutcomeOutOfRange
	}
	ps, err := Prices(q, b)
	if err != nil {
		return nil, err
	}
	return &ps[outcome], nil
}

// MinSubsidy is C(0) = ceil(b * ln n), the worst-case loss of the market
// maker. A pool seeded with at least this much can always pay max(q).
func MinSubsidy(b *uint256.Int, outcomes int) (*uint256.Int, error) {
	if outcomes < 2 {
		return nil, ErrTooFewOutcomes
	}
	return Cost(make([]uint256.Int, outcomes), b)
}

// QuoteBuy prices buying shares of one outcome: C(q + s*e_i) - C(q).
func QuoteBuy(q []uint256.Int, b *uint256.Int, outcome int, shares *uint256.Int, feeBps uint32) (TradeCost, error) {
	if err := checkTrade(q, outcome, shares); err != nil {
		return TradeCost{}, err
	}
	after := wad.Clone(q)
	sum, err := wad.Add(&after[outcome], shares)
	if err != nil {
		return TradeCost{}, err
	}
	after[outcome] = *sum
	return quote(q, after, b, feeBps)
}

// QuoteSell prices selling shares of one outcome back to the curve:
// C(q) - C(q - s*e_i).
func QuoteSell(q []uint256.Int, b *uint256.Int, outcome int, shares *uint256.Int, feeBps uint32) (TradeCost, error) {
	if err := checkTrade(q, outcome, shares); err != nil {
		return TradeCost{}, err
	}
	after := wad.Clone(q)
	diff, err := wad.Sub(&after[outcome], shares)
	if err != nil {
		return TradeCost{}, err
	}
	after[outcome] = *diff
	return quote(after, q, b, feeBps)
}

// quote returns the cost of moving from lo to hi, where hi dominates lo.
func quote(lo, hi []uint256.Int, b *uint256.Int, feeBps uint32) (TradeCost, error) {
	cLo, err := Cost(lo, b)
	if err != nil {
		return TradeCost{}, err
	}
	cHi, err := Cost(hi, b)
	if err != nil {
		return TradeCost{}, err
	}

	var tc TradeCost
	// C is increasing in every q_i; rounding of the two evaluations can
	// only tie, never invert, but a tie must not become a wrapped value.
	if cHi.Gt(cLo) {
		tc.Base.Sub(cHi, cLo)
	}
	fee, err := wad.Bps(&tc.Base, feeBps)
	if err != nil {
		return TradeCost{}, err
	}
	tc.Fee = *fee
	return tc, nil
}

func checkTrade(q []uint256.Int, outcome int, shares *uint256.Int) error {
	if outcome < 0 || outcome >= len(q) {
		return ErrOutcomeOutOfRange
	}
	if shares.IsZero() {
		return ErrZeroAmount
	}
	return nil
}

// MaxSharesForBudget returns the largest share amount of one outcome whose
// total buy cost (base plus fee) does not exceed budget, and its quote.
func MaxSharesForBudget(q []uint256.Int, b *uint256.Int, outcome int, budget *uint256.Int, feeBps uint32) (*uint256.Int, TradeCost, error) {
	if outcome < 0 || outcome >= len(q) {
		return nil, TradeCost{}, ErrOutcomeOutOfRange
	}
	if budget.IsZero() {
		return nil, TradeCost{}, ErrZeroAmount
	}

	// C(q + s*e_i) >= q_i + s, so s <= budget + C(q) - q_i.
	c0, err := Cost(q, b)
	if err != nil {
		return nil, TradeCost{}, err
	}
	hi, err := wad.Add(budget, c0)
	if err != nil {
		return nil, TradeCost{}, err
	}
	hi, err = wad.Sub(hi, &q[outcome])
	if err != nil {
		return nil, TradeCost{}, err
	}
	lo := new(uint256.Int)
	var best TradeCost

	one := uint256.NewInt(1)
	for lo.Lt(hi) {
		// mid = lo + (hi-lo+1)/2 biases upward so the loop terminates.
		mid := new(uint256.Int).Sub(hi, lo)
		mid.Add(mid, one)
		mid.Rsh(mid, 1)
		mid.Add(mid, lo)

		tc, err := QuoteBuy(q, b, outcome, mid, feeBps)
		if err != nil {
			return nil, TradeCost{}, err
		}
		total, err := tc.Total()
		if err != nil {
			return nil, TradeCost{}, err
		}
		if total.Gt(budget) {
			hi = mid.Sub(mid, one)
			continue
		}
		lo = mid
		best = tc
	}
	if lo.IsZero() {
		return nil, TradeCost{}, ErrZeroAmount
	}
	return lo, best, nil
}
