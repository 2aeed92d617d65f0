package mmath

import (
	"math"
	"sort"
)

// DropNaN returns the values of xs that are not NaN, in their original order.
func DropNaN(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, x := range xs {
		if !math.IsNaN(x) {
			out = append(out, x)
		}
	}
	return out
}

// NanMean is the arithmetic mean ignoring NaN entries. It returns NaN if nothing remains.
func NanMean(xs []float64) float64 {
	kept := DropNaN(xs)
	if len(kept) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, x := range kept {
		sum += x
	}
	return sum / float64(len(kept))
}

// Percentile computes the q-th percentile (q in [0, 100]) of xs using linear interpolation
// between the closest ranks. Infinities are valid extremes; if any value is NaN the result is
// NaN. An empty input yields NaN.
//
// When either neighboring rank is infinite the result snaps to the nearer rank, ties going to
// the upper one, instead of interpolating. For [1, +Inf] this gives 1 at q=25 and +Inf at q=50,
// where numpy's lerp gives +Inf for both.
func Percentile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	for _, x := range xs {
		if math.IsNaN(x) {
			return math.NaN()
		}
	}

	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)

	rank := Clamp(q, 0, 100) / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	if math.IsInf(sorted[lo], 0) || math.IsInf(sorted[hi], 0) {
		if frac < 0.5 {
			return sorted[lo]
		}
		return sorted[hi]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// NanPercentile is Percentile with NaN entries removed first.
func NanPercentile(xs []float64, q float64) float64 {
	return Percentile(DropNaN(xs), q)
}

// Median is the NaN-ignoring 50th percentile.
func Median(xs []float64) float64 {
	return NanPercentile(xs, 50)
}
