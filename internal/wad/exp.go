package wad

import (
	"math/big"
)

// Binary fixed point: a value v is represented as v * 2^128.
const fracBits = 128

var (
	// OneX128 is 1.0 at 2^128 scale.
	OneX128 = new(big.Int).Lsh(big.NewInt(1), fracBits)

	twoX128 = new(big.Int).Lsh(big.NewInt(1), fracBits+1)

	// Log2EX128 is floor(log2(e) * 2^128).
	Log2EX128, _ = new(big.Int).SetString("171547652b82fe1777d0ffda0d23a7d11", 16)

	// Ln2X128 is floor(ln(2) * 2^128).
	Ln2X128, _ = new(big.Int).SetString("b17217f7d1cf79abc9e3b39803f2f6af", 16)

	// ladder[k] = 2^(2^-k) at 2^128 scale, k = 1..128.
	ladder [fracBits + 1]*big.Int

	// exp2Max bounds the integer part accepted by Exp2X128.
	exp2Max = new(big.Int).Lsh(big.NewInt(255), fracBits)

	// Exp domain bounds in WAD. Above expMaxWad the result no longer fits a
	// signed 256-bit WAD; at or below expMinWad it rounds to zero.
	expMaxWad, _ = new(big.Int).SetString("135305999368893231589", 10)
	expMinWad, _ = new(big.Int).SetString("-42139678854452767551", 10)
)

func init() {
	// 2^(1/2) = sqrt(2), each following rung is the square root of the last.
	ladder[1] = new(big.Int).Sqrt(new(big.Int).Lsh(big.NewInt(2), 2*fracBits))
	for k := 2; k <= fracBits; k++ {
		ladder[k] = new(big.Int).Sqrt(new(big.Int).Lsh(ladder[k-1], fracBits))
	}
}

// Exp2X128 returns 2^x for a signed 2^128-scaled exponent, at 2^128 scale,
// rounded down. Exponents below -129 underflow to zero.
func Exp2X128(x *big.Int) (*big.Int, error) {
	if x.Cmp(exp2Max) >= 0 {
		return nil, ErrArithmeticDomain
	}

	// Rsh on a negative big.Int rounds toward negative infinity, so n is the
	// floor and frac is always in [0, 2^128).
	n := new(big.Int).Rsh(x, fracBits)
	frac := new(big.Int).Sub(x, new(big.Int).Lsh(n, fracBits))
	if n.Cmp(big.NewInt(-(fracBits + 1))) < 0 {
		return new(big.Int), nil
	}

	r := new(big.Int).Set(OneX128)
	for k := 1; k <= fracBits; k++ {
		if frac.Bit(fracBits-k) == 1 {
			r.Mul(r, ladder[k])
			r.Rsh(r, fracBits)
		}
	}

	shift := n.Int64()
	if shift >= 0 {
		return r.Lsh(r, uint(shift)), nil
	}
	return r.Rsh(r, uint(-shift)), nil
}

// Log2X128 returns log2(y) for a positive 2^128-scaled value, at 2^128
// scale, rounded down.
func Log2X128(y *big.Int) (*big.Int, error) {
	if y.Sign() <= 0 {
		return nil, ErrArithmeticDomain
	}

	n := y.BitLen() - 1 - fracBits
	z := new(big.Int)
	if n >= 0 {
		z.Rsh(y, uint(n))
	} else {
		z.Lsh(y, uint(-n))
	}

	// z is now in [1, 2); each squaring yields one fractional bit.
	res := new(big.Int).Lsh(big.NewInt(int64(n)), fracBits)
	bit := new(big.Int).Set(OneX128)
	for i := 1; i <= fracBits; i++ {
		bit.Rsh(bit, 1)
		z.Mul(z, z)
		z.Rsh(z, fracBits)
		if z.Cmp(twoX128) >= 0 {
			z.Rsh(z, 1)
			res.Add(res, bit)
		}
	}
	return res, nil
}

// ExpX128 returns e^x at 2^128 scale.
func ExpX128(x *big.Int) (*big.Int, error) {
	e := new(big.Int).Mul(x, Log2EX128)
	return Exp2X128(e.Rsh(e, fracBits))
}

// LnX128 returns ln(y) at 2^128 scale.
func LnX128(y *big.Int) (*big.Int, error) {
	l, err := Log2X128(y)
	if err != nil {
		return nil, err
	}
	l.Mul(l, Ln2X128)
	return l.Rsh(l, fracBits), nil
}

// Exp returns e^(x/1e18) * 1e18 for a signed WAD exponent, rounded down.
func Exp(x *big.Int) (*big.Int, error) {
	if x.Cmp(expMaxWad) >= 0 {
		return nil, ErrArithmeticDomain
	}
	if x.Cmp(expMinWad) <= 0 {
		return new(big.Int), nil
	}
	r, err := ExpX128(toX128(x))
	if err != nil {
		return nil, err
	}
	return fromX128(r), nil
}

// Ln returns ln(x/1e18) * 1e18 for a positive WAD, rounded down.
func Ln(x *big.Int) (*big.Int, error) {
	if x.Sign() <= 0 {
		return nil, ErrArithmeticDomain
	}
	r, err := LnX128(toX128(x))
	if err != nil {
		return nil, err
	}
	return fromX128(r), nil
}

// Log2 returns log2(x/1e18) * 1e18 for a positive WAD, rounded down.
func Log2(x *big.Int) (*big.Int, error) {
	if x.Sign() <= 0 {
		return nil, ErrArithmeticDomain
	}
	r, err := Log2X128(toX128(x))
	if err != nil {
		return nil, err
	}
	return fromX128(r), nil
}

// Pow returns x^y for a positive WAD base and signed WAD exponent,
// computed as exp(y * ln x).
func Pow(x, y *big.Int) (*big.Int, error) {
	if x.Sign() <= 0 {
		return nil, ErrArithmeticDomain
	}
	lx, err := LnX128(toX128(x))
	if err != nil {
		return nil, err
	}
	// y*ln(x) stays at 2^128 scale: (y/1e18) * lx.
	e := lx.Mul(lx, y)
	e = floorDiv(e, oneBig)
	// Reject before exponentiating so the domain matches Exp.
	if fromX128(new(big.Int).Set(e)).Cmp(expMaxWad) >= 0 {
		return nil, ErrArithmeticDomain
	}
	r, err := ExpX128(e)
	if err != nil {
		return nil, err
	}
	return fromX128(r), nil
}

// toX128 converts a WAD to 2^128 scale, rounding toward negative infinity.
func toX128(x *big.Int) *big.Int {
	z := new(big.Int).Lsh(x, fracBits)
	return floorDiv(z, oneBig)
}

// fromX128 converts a 2^128 scaled value to WAD, rounding toward negative
// infinity.
func fromX128(x *big.Int) *big.Int {
	z := new(big.Int).Mul(x, oneBig)
	return z.Rsh(z, fracBits)
}

// floorDiv divides by a positive d rounding toward negative infinity.
// big.Int.Div is Euclidean, which equals floor for positive divisors.
func floorDiv(x, d *big.Int) *big.Int {
	return new(big.Int).Div(x, d)
}
