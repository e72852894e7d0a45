package dynamics

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoforce/internal/atoms"
	"autoforce/internal/calculator"
)

func argonCluster(t *testing.T) *atoms.Structure {
	t.Helper()
	s, err := atoms.New(atoms.Config{
		Numbers:   []int{18, 18, 18},
		Positions: []atoms.Vec3{{0, 0, 0}, {3.8, 0, 0}, {1.9, 3.3, 0}},
		Cutoff:    8,
	})
	require.NoError(t, err)
	return s
}

func TestVelocityVerletConservesEnergy(t *testing.T) {
	ctx := context.Background()
	s := argonCluster(t)
	require.NoError(t, MaxwellBoltzmann(s, 60, rand.New(rand.NewSource(3))))
	lj, err := calculator.NewLennardJones(0.0104, 3.4, 8)
	require.NoError(t, err)

	total := func() float64 {
		res, err := lj.Calculate(ctx, s)
		require.NoError(t, err)
		return res.Energy + KineticEnergy(s)
	}

	md, err := NewVelocityVerlet(s, lj, 1)
	require.NoError(t, err)
	before := total()
	require.NoError(t, md.Run(ctx, 200))
	assert.Equal(t, 200, md.Steps())
	assert.InDelta(t, before, total(), 1e-4)
}

func TestMaxwellBoltzmannRemovesDrift(t *testing.T) {
	s := argonCluster(t)
	require.NoError(t, MaxwellBoltzmann(s, 300, rand.New(rand.NewSource(7))))
	var p atoms.Vec3
	masses := s.Masses()
	for i, v := range s.Velocities() {
		p = p.Add(v.Scale(masses[i]))
	}
	assert.InDelta(t, 0, p.Norm(), 1e-12)
	assert.Greater(t, Temperature(s), 0.0)

	require.Error(t, MaxwellBoltzmann(s, 300, nil))
}

func TestTemperatureOfKnownVelocities(t *testing.T) {
	s, err := atoms.New(atoms.Config{
		Numbers:    []int{1},
		Positions:  []atoms.Vec3{{0, 0, 0}},
		Velocities: []atoms.Vec3{{1, 0, 0}},
		Masses:     []float64{2},
		Cutoff:     1,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, KineticEnergy(s), 1e-15)
	assert.InDelta(t, 2.0/(3*KB), Temperature(s), 1e-9)
}

func TestBerendsenPullsTowardTarget(t *testing.T) {
	ctx := context.Background()
	s := argonCluster(t)
	require.NoError(t, MaxwellBoltzmann(s, 500, rand.New(rand.NewSource(11))))
	lj, err := calculator.NewLennardJones(0.0104, 3.4, 8)
	require.NoError(t, err)

	md, err := NewVelocityVerlet(s, lj, 1, WithBerendsen(50, 10))
	require.NoError(t, err)
	start := Temperature(s)
	require.NoError(t, md.Run(ctx, 100))
	assert.Less(t, math.Abs(Temperature(s)-50), math.Abs(start-50))
}

func TestBerendsenWithShortTauStaysFinite(t *testing.T) {
	s := argonCluster(t)
	require.NoError(t, MaxwellBoltzmann(s, 500, rand.New(rand.NewSource(11))))
	lj, err := calculator.NewLennardJones(0.0104, 3.4, 8)
	require.NoError(t, err)

	md, err := NewVelocityVerlet(s, lj, 2, WithBerendsen(0, 0.5))
	require.NoError(t, err)
	require.NoError(t, md.Run(context.Background(), 1))
	for _, v := range s.Velocities() {
		for _, c := range v {
			assert.False(t, math.IsNaN(c))
		}
	}
	assert.Zero(t, Temperature(s))
}

func TestNewVelocityVerletValidates(t *testing.T) {
	s := argonCluster(t)
	lj, err := calculator.NewLennardJones(0.0104, 3.4, 8)
	require.NoError(t, err)
	_, err = NewVelocityVerlet(nil, lj, 1)
	require.Error(t, err)
	_, err = NewVelocityVerlet(s, nil, 1)
	require.Error(t, err)
	_, err = NewVelocityVerlet(s, lj, 0)
	require.Error(t, err)
	_, err = NewVelocityVerlet(s, lj, 1, WithBerendsen(300, 0))
	require.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := argonCluster(t)
	lj, err := calculator.NewLennardJones(0.0104, 3.4, 8)
	require.NoError(t, err)
	md, err := NewVelocityVerlet(s, lj, 1)
	require.NoError(t, err)
	require.ErrorIs(t, md.Run(ctx, 5), context.Canceled)
	assert.Zero(t, md.Steps())
}
