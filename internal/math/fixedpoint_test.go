package math_test

import (
	"testing"

	xmath "MetaLayer/internal/math"
)

func TestMulDivRounding(t *testing.T) {
	tests := []struct {
		name    string
		a, b, c int64
		mode    xmath.RoundingMode
		want    int64
	}{
		{"exact", 6, 4, 8, xmath.RoundDown, 3},
		{"down", 7, 1, 2, xmath.RoundDown, 3},
		{"up", 7, 1, 2, xmath.RoundUp, 4},
		{"half even to even", 5, 1, 2, xmath.RoundHalfEven, 2},
		{"half even to odd neighbor", 7, 1, 2, xmath.RoundHalfEven, 4},
		{"below half rounds down", 7, 3, 4, xmath.RoundHalfEven, 5},
		{"negative down truncates toward zero", -7, 1, 2, xmath.RoundDown, -3},
		{"large no overflow", 9_000_000_000_000_000, 3, 9, xmath.RoundDown, 3_000_000_000_000_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := xmath.MulDiv(tt.a, tt.b, tt.c, tt.mode); got != tt.want {
				t.Errorf("MulDiv(%d, %d, %d) = %d, want %d", tt.a, tt.b, tt.c, got, tt.want)
			}
		})
	}
}

func TestDivideAndRoundUp(t *testing.T) {
	if got := xmath.DivideAndRoundUp(10, 3, 4); got != 8 {
		t.Errorf("DivideAndRoundUp(10, 3, 4) = %d, want 8", got)
	}
	if got := xmath.DivideAndRoundUp(8, 1, 4); got != 2 {
		t.Errorf("DivideAndRoundUp(8, 1, 4) = %d, want 2", got)
	}
}

func TestWeightedAverageCeil(t *testing.T) {
	tests := []struct {
		name    string
		amounts []int64
		prices  []int64
		want    int64
	}{
		{"empty", nil, nil, 0},
		{"single", []int64{10}, []int64{500}, 500},
		{"weighted", []int64{1, 3}, []int64{100, 200}, 175},
		{"ceil", []int64{3}, []int64{100}, 100},
		{"ceil on remainder", []int64{2, 1}, []int64{100, 101}, 101},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := xmath.WeightedAverageCeil(tt.amounts, tt.prices); got != tt.want {
				t.Errorf("WeightedAverageCeil(%v, %v) = %d, want %d", tt.amounts, tt.prices, got, tt.want)
			}
		})
	}
}

func TestReciprocalDiff(t *testing.T) {
	// 1 contract, notional 1.0, entry 2.0, exit 4.0: the long gains
	// 1 * 1 * (1/2 - 1/4) = 0.25 collateral.
	got := xmath.ReciprocalDiff(1, xmath.Willets, 2*xmath.Willets, 4*xmath.Willets, xmath.RoundDown)
	if want := xmath.Willets / 4; got != want {
		t.Errorf("ReciprocalDiff long gain = %d, want %d", got, want)
	}

	// Reversed prices give the symmetric loss.
	got = xmath.ReciprocalDiff(1, xmath.Willets, 4*xmath.Willets, 2*xmath.Willets, xmath.RoundDown)
	if want := -xmath.Willets / 4; got != want {
		t.Errorf("ReciprocalDiff long loss = %d, want %d", got, want)
	}

	// A zero price never divides.
	if got := xmath.ReciprocalDiff(1, xmath.Willets, 0, 2*xmath.Willets, xmath.RoundDown); got != 0 {
		t.Errorf("ReciprocalDiff with zero entry = %d, want 0", got)
	}
}
