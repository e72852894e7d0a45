package stats

import (
	"math"

	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer | constraints.Float
}

// Mean returns the arithmetic mean, NaN for an empty slice.
func Mean[T Number](xs []T) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, x := range xs {
		sum += float64(x)
	}
	return sum / float64(len(xs))
}

// Std returns the population standard deviation, NaN for an empty slice.
func Std[T Number](xs []T) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	mean := Mean(xs)
	var sum float64
	for _, x := range xs {
		d := float64(x) - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// MinMax returns the extremes of xs; both are NaN for an empty slice.
func MinMax[T Number](xs []T) (float64, float64) {
	if len(xs) == 0 {
		return math.NaN(), math.NaN()
	}
	lo, hi := float64(xs[0]), float64(xs[0])
	for _, x := range xs[1:] {
		lo = math.Min(lo, float64(x))
		hi = math.Max(hi, float64(x))
	}
	return lo, hi
}
