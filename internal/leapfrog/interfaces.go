package leapfrog

import (
	"context"

	"autoforce/internal/atoms"
	"autoforce/internal/calculator"
)

// Dynamics advances the simulated structure. Atoms must return the live
// structure the integrator mutates.
type Dynamics interface {
	Atoms() *atoms.Structure
	Run(ctx context.Context, steps int) error
}

// Surrogate is the incrementally trained model. Every Add may keep or reject
// its candidate; Pop removes the most recent entry of its kind.
type Surrogate interface {
	DataCount() int
	InducingCount() int
	AddStructure(ctx context.Context, snap calculator.Labeled, ediff, fdiff float64) (float64, float64, error)
	PopData() error
	AddInducing(ctx context.Context, env *atoms.LocalEnv, ediff float64) (float64, error)
	PopInducing() error
	Leakages(ctx context.Context, envs []*atoms.LocalEnv) ([]float64, error)
}

// SurrogateFactory builds an initial model from one labeled structure.
type SurrogateFactory func(ctx context.Context, snap calculator.Labeled, ediff float64) (Surrogate, error)

// CachingCalculator evaluates the surrogate and must forget cached results
// when the model changes.
type CachingCalculator interface {
	calculator.Calculator
	ClearCache()
}

type stressCalculator interface {
	Stress(ctx context.Context, s *atoms.Structure) ([6]float64, error)
}

type weighted interface {
	Weights() []float64
}
