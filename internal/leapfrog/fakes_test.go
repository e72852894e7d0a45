package leapfrog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"autoforce/internal/atoms"
	"autoforce/internal/calculator"
)

type fakeDynamics struct {
	s     *atoms.Structure
	steps int
}

func (d *fakeDynamics) Atoms() *atoms.Structure { return d.s }

func (d *fakeDynamics) Run(_ context.Context, steps int) error {
	pos := d.s.Positions()
	pos[0][0] += 0.01 * float64(steps)
	d.steps += steps
	return d.s.SetPositions(pos)
}

// fakeCalculator reports a scripted energy for the dynamics' current step.
type fakeCalculator struct {
	dyn    *fakeDynamics
	energy func(step int) float64
	clears int
	calls  int
}

func (*fakeCalculator) Name() string { return "fake" }

func (c *fakeCalculator) Calculate(_ context.Context, s *atoms.Structure) (calculator.Results, error) {
	c.calls++
	return calculator.Results{Energy: c.energy(c.dyn.steps), Forces: make([]atoms.Vec3, s.NAtoms())}, nil
}

func (c *fakeCalculator) ClearCache() { c.clears++ }

type fakeReference struct {
	calls int
	err   error
}

func (*fakeReference) Name() string { return "reference" }

func (r *fakeReference) Calculate(_ context.Context, s *atoms.Structure) (calculator.Results, error) {
	if r.err != nil {
		return calculator.Results{}, r.err
	}
	r.calls++
	return calculator.Results{Energy: -1 - 0.01*float64(r.calls), Forces: make([]atoms.Vec3, s.NAtoms())}, nil
}

var errFakeEmpty = errors.New("fake surrogate: empty")

// fakeSurrogate accepts a structure when de >= ediff and an environment when
// change(env) >= ediff.
type fakeSurrogate struct {
	data     []calculator.Labeled
	inducing []*atoms.LocalEnv
	de       float64
	change   func(env *atoms.LocalEnv) float64
	leaks    []float64
	pops     []string
}

func (f *fakeSurrogate) DataCount() int { return len(f.data) }

func (f *fakeSurrogate) InducingCount() int { return len(f.inducing) }

func (f *fakeSurrogate) AddStructure(_ context.Context, snap calculator.Labeled, ediff, _ float64) (float64, float64, error) {
	if f.de >= ediff {
		f.data = append(f.data, snap)
	}
	return f.de, 0, nil
}

func (f *fakeSurrogate) PopData() error {
	if len(f.data) == 0 {
		return errFakeEmpty
	}
	f.data = f.data[:len(f.data)-1]
	f.pops = append(f.pops, "data")
	return nil
}

func (f *fakeSurrogate) AddInducing(_ context.Context, env *atoms.LocalEnv, ediff float64) (float64, error) {
	change := 1.0
	if f.change != nil {
		change = f.change(env)
	}
	if change >= ediff {
		f.inducing = append(f.inducing, env)
	}
	return change, nil
}

func (f *fakeSurrogate) PopInducing() error {
	if len(f.inducing) == 0 {
		return errFakeEmpty
	}
	f.inducing = f.inducing[:len(f.inducing)-1]
	f.pops = append(f.pops, "inducing")
	return nil
}

func (f *fakeSurrogate) Leakages(_ context.Context, envs []*atoms.LocalEnv) ([]float64, error) {
	out := make([]float64, len(envs))
	for i := range out {
		out[i] = 1
		if i < len(f.leaks) {
			out[i] = f.leaks[i]
		}
	}
	return out, nil
}

func (f *fakeSurrogate) Weights() []float64 { return make([]float64, len(f.inducing)) }

type fixture struct {
	dyn       *fakeDynamics
	calc      *fakeCalculator
	reference *fakeReference
	surrogate *fakeSurrogate
	cfg       Config
}

func waterLine(t *testing.T) *atoms.Structure {
	t.Helper()
	s, err := atoms.New(atoms.Config{
		Numbers:   []int{1, 8, 1},
		Positions: []atoms.Vec3{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}},
		Cutoff:    3,
	})
	require.NoError(t, err)
	return s
}

func newFixture(t *testing.T, energy func(step int) float64) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.LogFile = filepath.Join(dir, "leapfrog.log")
	cfg.FPFile = filepath.Join(dir, "_FP.traj")
	dyn := &fakeDynamics{s: waterLine(t)}
	return &fixture{
		dyn:       dyn,
		calc:      &fakeCalculator{dyn: dyn, energy: energy},
		reference: &fakeReference{},
		surrogate: &fakeSurrogate{de: 1},
		cfg:       cfg,
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		RunID:      "run-test",
		Dynamics:   f.dyn,
		Reference:  f.reference,
		Calculator: f.calc,
	}
}

// withModel builds a controller around a surrogate that already holds one
// datum and two inducing environments.
func (f *fixture) withModel(t *testing.T) *Controller {
	t.Helper()
	envs, err := f.dyn.s.LocalEnvs()
	require.NoError(t, err)
	f.surrogate.data = []calculator.Labeled{{Structure: f.dyn.s.Copy()}}
	f.surrogate.inducing = []*atoms.LocalEnv{envs[0], envs[1]}
	deps := f.deps()
	deps.Surrogate = f.surrogate
	c, err := New(context.Background(), f.cfg, deps)
	require.NoError(t, err)
	return c
}

// fresh builds a controller whose initial model comes from a reference
// snapshot of the first structure.
func (f *fixture) fresh(t *testing.T) *Controller {
	t.Helper()
	deps := f.deps()
	deps.NewSurrogate = func(_ context.Context, snap calculator.Labeled, _ float64) (Surrogate, error) {
		envs, err := snap.Structure.LocalEnvs()
		if err != nil {
			return nil, err
		}
		f.surrogate.data = []calculator.Labeled{snap}
		f.surrogate.inducing = []*atoms.LocalEnv{envs[0], envs[1]}
		return f.surrogate, nil
	}
	c, err := New(context.Background(), f.cfg, deps)
	require.NoError(t, err)
	return c
}

func linear(step int) float64 { return -0.1 * float64(step) }

func alternating(step int) float64 {
	if step%2 == 0 {
		return -1
	}
	return -0.9
}
