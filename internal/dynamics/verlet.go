package dynamics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"autoforce/internal/atoms"
	"autoforce/internal/calculator"
)

const (
	// KB is the Boltzmann constant in eV/K.
	KB = 8.617333262e-5
	// FS is one femtosecond in internal time units (A sqrt(amu/eV)).
	FS = 0.09822694788464063
)

// Berendsen weakly couples the kinetic temperature to Target with time
// constant Tau (fs).
type Berendsen struct {
	Target float64
	Tau    float64
}

// VelocityVerlet integrates Newton's equations for a structure. Forces are
// re-evaluated at the start of every Run so that a calculator whose model
// changed between calls is honoured.
type VelocityVerlet struct {
	structure  *atoms.Structure
	calc       calculator.Calculator
	dt         float64
	thermostat *Berendsen
	steps      int
}

type Option func(*VelocityVerlet)

func WithBerendsen(target, tau float64) Option {
	return func(v *VelocityVerlet) {
		v.thermostat = &Berendsen{Target: target, Tau: tau}
	}
}

// NewVelocityVerlet builds an integrator with a timestep given in fs.
func NewVelocityVerlet(s *atoms.Structure, calc calculator.Calculator, timestepFS float64, opts ...Option) (*VelocityVerlet, error) {
	if s == nil {
		return nil, errors.New("structure is required")
	}
	if calc == nil {
		return nil, errors.New("calculator is required")
	}
	if timestepFS <= 0 {
		return nil, fmt.Errorf("timestep must be > 0, got %g", timestepFS)
	}
	v := &VelocityVerlet{structure: s, calc: calc, dt: timestepFS * FS}
	for _, opt := range opts {
		opt(v)
	}
	if v.thermostat != nil && (v.thermostat.Tau <= 0 || v.thermostat.Target < 0) {
		return nil, fmt.Errorf("invalid berendsen coupling: target=%g tau=%g", v.thermostat.Target, v.thermostat.Tau)
	}
	return v, nil
}

func (v *VelocityVerlet) Atoms() *atoms.Structure { return v.structure }

func (v *VelocityVerlet) Calculator() calculator.Calculator { return v.calc }

// Steps is the number of steps integrated so far.
func (v *VelocityVerlet) Steps() int { return v.steps }

func (v *VelocityVerlet) Run(ctx context.Context, steps int) error {
	if steps <= 0 {
		return nil
	}
	res, err := v.calc.Calculate(ctx, v.structure)
	if err != nil {
		return err
	}
	forces := res.Forces
	masses := v.structure.Masses()
	half := 0.5 * v.dt

	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		pos := v.structure.Positions()
		vel := v.structure.Velocities()
		for i := range vel {
			vel[i] = vel[i].Add(forces[i].Scale(half / masses[i]))
			pos[i] = pos[i].Add(vel[i].Scale(v.dt))
		}
		if err := v.structure.SetPositions(pos); err != nil {
			return err
		}
		res, err := v.calc.Calculate(ctx, v.structure)
		if err != nil {
			return err
		}
		forces = res.Forces
		for i := range vel {
			vel[i] = vel[i].Add(forces[i].Scale(half / masses[i]))
		}
		if v.thermostat != nil {
			v.rescale(vel, masses)
		}
		if err := v.structure.SetVelocities(vel); err != nil {
			return err
		}
		v.steps++
	}
	return nil
}

func (v *VelocityVerlet) rescale(vel []atoms.Vec3, masses []float64) {
	current := temperature(vel, masses)
	if current == 0 {
		return
	}
	tau := v.thermostat.Tau * FS
	// dt > tau can push the square below zero when cooling; stop the atoms
	lambda := math.Sqrt(math.Max(0, 1+v.dt/tau*(v.thermostat.Target/current-1)))
	for i := range vel {
		vel[i] = vel[i].Scale(lambda)
	}
}

// KineticEnergy is sum m v^2 / 2 in eV.
func KineticEnergy(s *atoms.Structure) float64 {
	return kinetic(s.Velocities(), s.Masses())
}

// Temperature is the instantaneous kinetic temperature 2 Ekin / (3 N kB).
func Temperature(s *atoms.Structure) float64 {
	return temperature(s.Velocities(), s.Masses())
}

func kinetic(vel []atoms.Vec3, masses []float64) float64 {
	out := 0.0
	for i, u := range vel {
		out += 0.5 * masses[i] * u.Dot(u)
	}
	return out
}

func temperature(vel []atoms.Vec3, masses []float64) float64 {
	if len(vel) == 0 {
		return 0
	}
	return 2 * kinetic(vel, masses) / (3 * float64(len(vel)) * KB)
}

// MaxwellBoltzmann draws velocities at temperature t and removes the centre of
// mass momentum.
func MaxwellBoltzmann(s *atoms.Structure, t float64, rng *rand.Rand) error {
	if rng == nil {
		return errors.New("random source is required")
	}
	masses := s.Masses()
	vel := make([]atoms.Vec3, len(masses))
	var momentum atoms.Vec3
	total := 0.0
	for i, m := range masses {
		sigma := math.Sqrt(KB * t / m)
		vel[i] = atoms.Vec3{rng.NormFloat64() * sigma, rng.NormFloat64() * sigma, rng.NormFloat64() * sigma}
		momentum = momentum.Add(vel[i].Scale(m))
		total += m
	}
	drift := momentum.Scale(1 / total)
	for i := range vel {
		vel[i] = vel[i].Sub(drift)
	}
	return s.SetVelocities(vel)
}
