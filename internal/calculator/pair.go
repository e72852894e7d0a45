package calculator

import (
	"context"
	"errors"
	"fmt"
	"math"

	"autoforce/internal/atoms"
)

// pairFunc returns phi(r) and dphi/dr.
type pairFunc func(r float64) (float64, float64)

// evaluatePairs sums a pair potential over every neighbor pair closer than
// rc. The energy is shifted so that phi(rc) = 0 when shift is set.
func evaluatePairs(ctx context.Context, s *atoms.Structure, rc float64, shift bool, phi pairFunc) (Results, error) {
	if err := ctx.Err(); err != nil {
		return Results{}, err
	}
	n := s.NAtoms()
	res := Results{Forces: make([]atoms.Vec3, n)}
	offset := 0.0
	if shift {
		offset, _ = phi(rc)
	}
	var virial [3][3]float64

	species := s.Species()
	for x, a := range species {
		for _, b := range species[x:] {
			pairs, err := s.Select(a, b, atoms.OneWay)
			if err != nil {
				return Results{}, err
			}
			for k, r := range pairs.R {
				d := r.Norm()
				if d >= rc {
					continue
				}
				if d == 0 {
					return Results{}, fmt.Errorf("atoms %d and %d coincide", pairs.I[k], pairs.J[k])
				}
				e, de := phi(d)
				res.Energy += e - offset
				f := r.Scale(de / d)
				res.Forces[pairs.I[k]] = res.Forces[pairs.I[k]].Add(f)
				res.Forces[pairs.J[k]] = res.Forces[pairs.J[k]].Sub(f)
				for i := 0; i < 3; i++ {
					for j := 0; j < 3; j++ {
						virial[i][j] += f[i] * r[j]
					}
				}
			}
		}
	}

	if volume := s.Volume(); volume > 0 {
		res.HasStress = true
		res.Stress = [6]float64{
			virial[0][0] / volume,
			virial[1][1] / volume,
			virial[2][2] / volume,
			virial[1][2] / volume,
			virial[0][2] / volume,
			virial[0][1] / volume,
		}
	}
	return res, nil
}

// LennardJones is 4 Epsilon ((Sigma/r)^12 - (Sigma/r)^6) truncated at Rc.
type LennardJones struct {
	Epsilon float64
	Sigma   float64
	Rc      float64
	Shift   bool
}

func NewLennardJones(epsilon, sigma, rc float64) (*LennardJones, error) {
	if epsilon <= 0 || sigma <= 0 || rc <= 0 {
		return nil, errors.New("lennard-jones parameters must be > 0")
	}
	return &LennardJones{Epsilon: epsilon, Sigma: sigma, Rc: rc, Shift: true}, nil
}

func (*LennardJones) Name() string { return "lennard_jones" }

func (lj *LennardJones) phi(r float64) (float64, float64) {
	sr6 := math.Pow(lj.Sigma/r, 6)
	sr12 := sr6 * sr6
	return 4 * lj.Epsilon * (sr12 - sr6), 4 * lj.Epsilon * (-12*sr12 + 6*sr6) / r
}

func (lj *LennardJones) Calculate(ctx context.Context, s *atoms.Structure) (Results, error) {
	return evaluatePairs(ctx, s, effectiveCutoff(lj.Rc, s), lj.Shift, lj.phi)
}

// effectiveCutoff clamps rc to the neighbor-list cutoff of s.
func effectiveCutoff(rc float64, s *atoms.Structure) float64 {
	if rc > 0 && rc < s.Cutoff() {
		return rc
	}
	return s.Cutoff()
}

// Morse is D (exp(-2 Alpha (r-R0)) - 2 exp(-Alpha (r-R0))) truncated at Rc.
type Morse struct {
	D     float64
	Alpha float64
	R0    float64
	Rc    float64
	Shift bool
}

func NewMorse(depth, alpha, r0, rc float64) (*Morse, error) {
	if depth <= 0 || alpha <= 0 || r0 <= 0 || rc <= 0 {
		return nil, errors.New("morse parameters must be > 0")
	}
	return &Morse{D: depth, Alpha: alpha, R0: r0, Rc: rc, Shift: true}, nil
}

func (*Morse) Name() string { return "morse" }

func (m *Morse) phi(r float64) (float64, float64) {
	e1 := math.Exp(-m.Alpha * (r - m.R0))
	e2 := e1 * e1
	return m.D * (e2 - 2*e1), -2 * m.Alpha * m.D * (e2 - e1)
}

func (m *Morse) Calculate(ctx context.Context, s *atoms.Structure) (Results, error) {
	return evaluatePairs(ctx, s, effectiveCutoff(m.Rc, s), m.Shift, m.phi)
}
