// Package fixedpoint provides integer-scaled decimal arithmetic for rates,
// money amounts and compounding factors. Binary floating point is never used
// for any financial computation; values are big.Int mantissas with an explicit
// scale.
package fixedpoint

import (
	"database/sql/driver"
	"fmt"
	"math/big"
)

// Scales used across the system. Factor precision strictly exceeds the display
// scales so that repeated compounding does not accumulate visible drift;
// conversion down to RateScale/MoneyScale happens only at read boundaries.
var (
	// RateScale is the oracle answer scale (8 decimals, fiat feed convention):
	// 4.50% is stored as 450000000.
	RateScale = big.NewInt(100_000_000)
	// SpreadScale is the instrument spread scale (4 decimals): 5.00% is 50000.
	SpreadScale = big.NewInt(10_000)
	// MoneyScale is the currency scale (6 decimals): R$ 1000.00 is 1000000000.
	MoneyScale = big.NewInt(1_000_000)
	// FactorScale is the internal compounding factor scale (18 decimals).
	FactorScale = mustBigInt("1000000000000000000")
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("fixedpoint: invalid big integer constant")
	}
	return v
}

// Dec is an integer-scaled decimal. The zero value is usable and equals zero.
// The scale is carried by the caller, not the value; mixing scales without an
// explicit Rescale is a programming error.
type Dec struct {
	i *big.Int
}

// New returns a Dec holding the given scaled mantissa.
func New(mantissa int64) Dec {
	return Dec{i: big.NewInt(mantissa)}
}

// FromBig returns a Dec holding a copy of the given mantissa.
func FromBig(mantissa *big.Int) Dec {
	if mantissa == nil {
		return Dec{i: new(big.Int)}
	}
	return Dec{i: new(big.Int).Set(mantissa)}
}

// FromString parses a decimal mantissa in base 10.
func FromString(s string) (Dec, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Dec{}, fmt.Errorf("fixedpoint: invalid decimal %q", s)
	}
	return Dec{i: v}, nil
}

// One returns the factor 1.0 at FactorScale.
func One() Dec {
	return FromBig(FactorScale)
}

// Zero returns the zero value.
func Zero() Dec {
	return Dec{i: new(big.Int)}
}

func (d Dec) big() *big.Int {
	if d.i == nil {
		return new(big.Int)
	}
	return d.i
}

// Big returns a copy of the underlying mantissa.
func (d Dec) Big() *big.Int {
	return new(big.Int).Set(d.big())
}

// Int64 returns the mantissa as int64. Callers must know the value fits.
func (d Dec) Int64() int64 {
	return d.big().Int64()
}

// Add returns d + o.
func (d Dec) Add(o Dec) Dec {
	return Dec{i: new(big.Int).Add(d.big(), o.big())}
}

// Sub returns d - o.
func (d Dec) Sub(o Dec) Dec {
	return Dec{i: new(big.Int).Sub(d.big(), o.big())}
}

// Neg returns -d.
func (d Dec) Neg() Dec {
	return Dec{i: new(big.Int).Neg(d.big())}
}

// Cmp compares d and o: -1 if d < o, 0 if equal, +1 if d > o.
func (d Dec) Cmp(o Dec) int {
	return d.big().Cmp(o.big())
}

// Sign reports the sign of d.
func (d Dec) Sign() int {
	return d.big().Sign()
}

// IsZero reports whether d is zero.
func (d Dec) IsZero() bool {
	return d.big().Sign() == 0
}

// MulScaled returns d*o at the given common scale, rounding half away from
// zero.
func (d Dec) MulScaled(o Dec, scale *big.Int) Dec {
	product := new(big.Int).Mul(d.big(), o.big())
	return Dec{i: divRound(product, scale)}
}

// DivScaled returns d/o at the given common scale, rounding half away from
// zero. Division by zero returns zero.
func (d Dec) DivScaled(o Dec, scale *big.Int) Dec {
	if o.big().Sign() == 0 {
		return Zero()
	}
	numerator := new(big.Int).Mul(d.big(), scale)
	return Dec{i: divRound(numerator, o.big())}
}

// MulInt returns d multiplied by a plain integer (no rescaling needed).
func (d Dec) MulInt(n int64) Dec {
	return Dec{i: new(big.Int).Mul(d.big(), big.NewInt(n))}
}

// DivInt returns d divided by a plain integer, rounding half away from zero.
func (d Dec) DivInt(n int64) Dec {
	if n == 0 {
		return Zero()
	}
	return Dec{i: divRound(d.big(), big.NewInt(n))}
}

// Rescale converts the mantissa from one scale to another, rounding half away
// from zero. Used only at read boundaries, never mid-computation.
func (d Dec) Rescale(from, to *big.Int) Dec {
	numerator := new(big.Int).Mul(d.big(), to)
	return Dec{i: divRound(numerator, from)}
}

// PowFactor raises a FactorScale value to an integer power by binary
// exponentiation, rounding at FactorScale after each multiplication.
func (d Dec) PowFactor(exp uint64) Dec {
	result := One()
	base := FromBig(d.big())
	for exp > 0 {
		if exp&1 == 1 {
			result = result.MulScaled(base, FactorScale)
		}
		base = base.MulScaled(base, FactorScale)
		exp >>= 1
	}
	return result
}

// RootFactor computes the n-th root of a FactorScale value by Newton
// iteration. The input must be positive; n must be at least 1. Used for the
// per-business-day compounding factor (1+r)^(1/252).
func (d Dec) RootFactor(n uint64) Dec {
	if n <= 1 {
		return FromBig(d.big())
	}
	a := d.big()
	if a.Sign() <= 0 {
		return Zero()
	}
	bigN := big.NewInt(int64(n))

	// First-order guess 1 + (a-1)/n converges fast for values near one,
	// which covers every plausible annual rate.
	x := new(big.Int).Sub(a, FactorScale)
	x.Quo(x, bigN)
	x.Add(x, FactorScale)
	if x.Sign() <= 0 {
		x.Set(FactorScale)
	}

	for i := 0; i < 128; i++ {
		// x' = ((n-1)*x + a/x^(n-1)) / n
		pow := FromBig(x).PowFactor(n - 1)
		if pow.IsZero() {
			break
		}
		next := new(big.Int).Mul(x, new(big.Int).Sub(bigN, big.NewInt(1)))
		next.Add(next, FromBig(a).DivScaled(pow, FactorScale).big())
		next = divRound(next, bigN)
		if next.Cmp(x) == 0 {
			break
		}
		delta := new(big.Int).Sub(next, x)
		x.Set(next)
		if delta.CmpAbs(big.NewInt(1)) <= 0 {
			break
		}
	}
	return Dec{i: x}
}

// divRound divides rounding half away from zero.
func divRound(num, den *big.Int) *big.Int {
	if den.Sign() == 0 {
		return new(big.Int)
	}
	quo, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Sign() == 0 {
		return quo
	}
	doubled := new(big.Int).Mul(rem, big.NewInt(2))
	if doubled.CmpAbs(den) >= 0 {
		if (num.Sign() < 0) != (den.Sign() < 0) {
			quo.Sub(quo, big.NewInt(1))
		} else {
			quo.Add(quo, big.NewInt(1))
		}
	}
	return quo
}

// String renders the raw mantissa in base 10.
func (d Dec) String() string {
	return d.big().String()
}

// Value implements driver.Valuer, storing the mantissa as a decimal string so
// values beyond int64 survive round trips.
func (d Dec) Value() (driver.Value, error) {
	return d.big().String(), nil
}

// Scan implements sql.Scanner.
func (d *Dec) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		d.i = new(big.Int)
		return nil
	case int64:
		d.i = big.NewInt(v)
		return nil
	case string:
		return d.setString(v)
	case []byte:
		return d.setString(string(v))
	default:
		return fmt.Errorf("fixedpoint: cannot scan %T", src)
	}
}

func (d *Dec) setString(s string) error {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("fixedpoint: invalid stored decimal %q", s)
	}
	d.i = v
	return nil
}

// MarshalJSON renders the mantissa as a JSON string to avoid precision loss in
// consumers that parse numbers as float64.
func (d Dec) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.big().String() + `"`), nil
}

// UnmarshalJSON accepts either a JSON string or a bare number.
func (d *Dec) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return d.setString(s)
}
