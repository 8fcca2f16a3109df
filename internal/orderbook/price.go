package orderbook

import (
	xmath "MetaLayer/internal/math"
)

// Ratio is an exact price: Num units of the desired property per Den units
// of the property for sale. Comparisons cross-multiply in 128 bits so no
// precision is ever lost; equality of 1/3 and 2/6 holds without reduction.
type Ratio struct {
	Num int64
	Den int64
}

func NewRatio(num, den int64) Ratio {
	return Ratio{Num: num, Den: den}
}

// Cmp returns -1, 0 or +1 comparing r against other.
func (r Ratio) Cmp(other Ratio) int {
	left := xmath.MultiplyInt128(r.Num, other.Den)
	right := xmath.MultiplyInt128(other.Num, r.Den)
	return left.Cmp(right)
}

// Inverse flips the ratio.
func (r Ratio) Inverse() Ratio {
	return Ratio{Num: r.Den, Den: r.Num}
}

// Positive reports whether the ratio represents a usable price.
func (r Ratio) Positive() bool {
	return r.Num > 0 && r.Den > 0
}

// Fixed renders the ratio as a willets fixed-point price for read models.
func (r Ratio) Fixed() int64 {
	if r.Den == 0 {
		return 0
	}
	return xmath.MulDiv(r.Num, xmath.Willets, r.Den, xmath.RoundHalfEven)
}
