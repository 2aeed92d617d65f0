package mmath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMinMaxClamp(t *testing.T) {
	require.Equal(t, 1, Min(3, 1, 2))
	require.Equal(t, 3.5, Max(3.5, 1, 2))
	require.Equal(t, 5, Clamp(9, 0, 5))
	require.Equal(t, 0, Clamp(-1, 0, 5))
	require.Equal(t, 3, Clamp(3, 0, 5))
}

func TestPercentileInterpolates(t *testing.T) {
	xs := []float64{4, 1, 3, 2}
	require.Equal(t, 1.0, Percentile(xs, 0))
	require.Equal(t, 4.0, Percentile(xs, 100))
	require.InDelta(t, 2.5, Percentile(xs, 50), 1e-12)
	require.InDelta(t, 3.25, Percentile(xs, 75), 1e-12)
}

func TestNanHandling(t *testing.T) {
	nan := math.NaN()
	require.True(t, math.IsNaN(Percentile([]float64{1, nan}, 50)))
	require.Equal(t, 1.0, NanPercentile([]float64{1, nan}, 50))
	require.True(t, math.IsNaN(NanPercentile([]float64{nan, nan}, 50)))
	require.True(t, math.IsNaN(NanMean(nil)))
	require.Equal(t, 2.0, NanMean([]float64{1, nan, 3}))
	require.Equal(t, 2.0, Median([]float64{nan, 3, 1, 2}))
}

func TestPercentileWithInfinities(t *testing.T) {
	inf := math.Inf(1)
	require.Equal(t, inf, Percentile([]float64{1, inf}, 100))
	require.Equal(t, 1.0, Percentile([]float64{1, inf}, 25))
	require.Equal(t, inf, Percentile([]float64{1, inf}, 50))
	require.Equal(t, math.Inf(-1), Median([]float64{math.Inf(-1), math.Inf(-1), 0}))
}
