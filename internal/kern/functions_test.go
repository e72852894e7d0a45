package kern

import (
	"math"
	"testing"
)

const fdStep = 1e-5

func checkDerivatives(t *testing.T, k Function, x, y float64) {
	t.Helper()
	left := (k.Value(x+fdStep, y) - k.Value(x-fdStep, y)) / (2 * fdStep)
	if got := k.LeftGrad(x, y); math.Abs(got-left) > 1e-6 {
		t.Fatalf("%s left grad mismatch at (%g,%g): got=%g want=%g", k.Name(), x, y, got, left)
	}
	right := (k.Value(x, y+fdStep) - k.Value(x, y-fdStep)) / (2 * fdStep)
	if got := k.RightGrad(x, y); math.Abs(got-right) > 1e-6 {
		t.Fatalf("%s right grad mismatch at (%g,%g): got=%g want=%g", k.Name(), x, y, got, right)
	}
	mixed := (k.LeftGrad(x, y+fdStep) - k.LeftGrad(x, y-fdStep)) / (2 * fdStep)
	if got := k.GradGrad(x, y); math.Abs(got-mixed) > 1e-6 {
		t.Fatalf("%s gradgrad mismatch at (%g,%g): got=%g want=%g", k.Name(), x, y, got, mixed)
	}
}

func TestDerivativesMatchFiniteDifferences(t *testing.T) {
	cases := []struct {
		k    Function
		x, y float64
	}{
		{NewSquaredExp(0.8), 1.1, 1.7},
		{SquaredExp{LengthScale: 0.5, Variance: 2}, 2.0, 2.3},
		{DotProduct{}, 0.4, -1.2},
		{Polynomial{Degree: 3, Offset: 0.5}, 0.9, 1.3},
		{Polynomial{Degree: 1}, 0.9, 1.3},
		{Product{NewSquaredExp(1), Polynomial{Degree: 2, Offset: 1}}, 1.2, 0.8},
		{Product{NewSquaredExp(1), DotProduct{}, NewSquaredExp(2)}, 1.2, 0.8},
	}
	for _, c := range cases {
		checkDerivatives(t, c.k, c.x, c.y)
	}
}

func TestSquaredExpPeaksOnDiagonal(t *testing.T) {
	k := NewSquaredExp(1)
	if got := k.Value(2, 2); got != 1 {
		t.Fatalf("unexpected diagonal value: %g", got)
	}
	if got := k.GradGrad(2, 2); got != 1 {
		t.Fatalf("unexpected diagonal gradgrad: %g", got)
	}
	if k.LeftGrad(2, 2) != 0 || k.RightGrad(2, 2) != 0 {
		t.Fatal("expected zero first derivatives on the diagonal")
	}
}
