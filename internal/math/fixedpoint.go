package math

import (
	"math/big"
	"sync"
)

// Willets is the number of indivisible units in one whole unit of a
// divisible property.
const Willets int64 = 100_000_000

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // banker's rounding
	RoundDown
	RoundUp
)

// int128Pool holds big.Ints reused for intermediate 128-bit products.
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b in 128-bit to prevent overflow. The caller
// owns the result until it is passed back through DivideInt128 or released.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with the given rounding and
// releases numerator back to the pool.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	neg := numerator.Sign() < 0
	abs := getInt128()
	abs.Abs(numerator)
	quotient.QuoRem(abs, denom, remainder)

	result := quotient.Int64()

	if remainder.Sign() != 0 {
		switch roundingMode {
		case RoundUp:
			result++
		case RoundHalfEven:
			half := big.NewInt(denominator / 2)
			cmp := remainder.Cmp(half)
			if cmp > 0 {
				result++
			} else if cmp == 0 && denominator%2 == 0 && result%2 != 0 {
				result++
			}
		}
	}
	if neg {
		result = -result
	}

	putInt128(abs)
	putInt128(quotient)
	putInt128(remainder)
	putInt128(numerator)

	return result
}

// MulDiv computes a*b/c in 128-bit intermediate precision.
func MulDiv(a, b, c int64, mode RoundingMode) int64 {
	return DivideInt128(MultiplyInt128(a, b), c, mode)
}

// DivideAndRoundUp computes ceil(a*b/c). Used by the bilateral exchange
// purchase formula, which always rounds in the buyer's favor.
func DivideAndRoundUp(a, b, c int64) int64 {
	return MulDiv(a, b, c, RoundUp)
}

// WeightedAverageCeil computes round_up(sum(amounts[i]*prices[i]) /
// sum(amounts)). Entry prices round up so that margin consumption is never
// understated.
func WeightedAverageCeil(amounts, prices []int64) int64 {
	if len(amounts) == 0 {
		return 0
	}
	numerator := getInt128()
	var total int64
	for i := range amounts {
		part := MultiplyInt128(amounts[i], prices[i])
		numerator.Add(numerator, part)
		putInt128(part)
		total += amounts[i]
	}
	if total == 0 {
		putInt128(numerator)
		return 0
	}
	return DivideInt128(numerator, total, RoundUp)
}

// ReciprocalDiff computes amount * notional * (1/entry - 1/exit) as
// amount*notional*Willets*(exit-entry) / (entry*exit), in extended
// precision. This is the inverse-quoted contract PnL kernel: a long
// position gains when exit > entry. Prices and the notional are in
// willets; the result is in willets of the collateral token.
func ReciprocalDiff(amount, notional, entry, exit int64, mode RoundingMode) int64 {
	if entry == 0 || exit == 0 {
		return 0
	}
	num := MultiplyInt128(amount, notional)
	num.Mul(num, big.NewInt(Willets))
	num.Mul(num, big.NewInt(exit-entry))

	denom := getInt128()
	denom.Mul(big.NewInt(entry), big.NewInt(exit))

	// Longhand DivideInt128 over a big denominator.
	quotient := getInt128()
	remainder := getInt128()
	neg := num.Sign() < 0
	num.Abs(num)
	quotient.QuoRem(num, denom, remainder)
	result := quotient.Int64()
	if remainder.Sign() != 0 && mode == RoundUp {
		result++
	}
	if neg {
		result = -result
	}

	putInt128(num)
	putInt128(denom)
	putInt128(quotient)
	putInt128(remainder)
	return result
}
