package similarity

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"autoforce/internal/atoms"
	"autoforce/internal/kern"
)

// Kernel is a similarity between two atomic configurations together with its
// derivatives with respect to atomic positions. Gradients are flat 3N slices
// ordered (x0, y0, z0, x1, ...).
type Kernel interface {
	Name() string
	Value(s *Scratch, p, q atoms.PairSource) (float64, error)
	LeftGrad(s *Scratch, p, q atoms.PairSource) ([]float64, error)
	RightGrad(s *Scratch, p, q atoms.PairSource) ([]float64, error)
	GradGrad(s *Scratch, p, q atoms.PairSource) (*mat.Dense, error)
	GradGradDiag(s *Scratch, p atoms.PairSource) ([]float64, error)
}

// law is the pair energy as a function of two descriptor values and its
// derivatives, expressed through the base kernel.
type law interface {
	value(k kern.Function, d, dd float64) float64
	left(k kern.Function, d, dd float64) float64
	right(k kern.Function, d, dd float64) float64
	mixed(k kern.Function, d, dd float64) float64
}

type plainLaw struct{}

func (plainLaw) value(k kern.Function, d, dd float64) float64 { return k.Value(d, dd) }
func (plainLaw) left(k kern.Function, d, dd float64) float64 { return k.LeftGrad(d, dd) }
func (plainLaw) right(k kern.Function, d, dd float64) float64 { return k.RightGrad(d, dd) }
func (plainLaw) mixed(k kern.Function, d, dd float64) float64 { return k.GradGrad(d, dd) }

// coulombLaw is k(d,d')/(d d').
type coulombLaw struct{}

func (coulombLaw) value(k kern.Function, d, dd float64) float64 {
	return k.Value(d, dd) / (d * dd)
}

func (coulombLaw) left(k kern.Function, d, dd float64) float64 {
	return (k.LeftGrad(d, dd) - k.Value(d, dd)/d) / (d * dd)
}

func (coulombLaw) right(k kern.Function, d, dd float64) float64 {
	return (k.RightGrad(d, dd) - k.Value(d, dd)/dd) / (d * dd)
}

func (coulombLaw) mixed(k kern.Function, d, dd float64) float64 {
	ddt := d * dd
	return (k.Value(d, dd)/ddt - k.RightGrad(d, dd)/d - k.LeftGrad(d, dd)/dd + k.GradGrad(d, dd)) / ddt
}

// repulsiveLaw is k(d,d')/(d d')^eta.
type repulsiveLaw struct{ eta float64 }

func (l repulsiveLaw) value(k kern.Function, d, dd float64) float64 {
	return k.Value(d, dd) / math.Pow(d*dd, l.eta)
}

func (l repulsiveLaw) left(k kern.Function, d, dd float64) float64 {
	return (k.LeftGrad(d, dd) - l.eta*k.Value(d, dd)/d) / math.Pow(d*dd, l.eta)
}

func (l repulsiveLaw) right(k kern.Function, d, dd float64) float64 {
	return (k.RightGrad(d, dd) - l.eta*k.Value(d, dd)/dd) / math.Pow(d*dd, l.eta)
}

func (l repulsiveLaw) mixed(k kern.Function, d, dd float64) float64 {
	ddt := d * dd
	return (l.eta*l.eta*k.Value(d, dd)/ddt -
		l.eta*k.RightGrad(d, dd)/d -
		l.eta*k.LeftGrad(d, dd)/dd +
		k.GradGrad(d, dd)) / math.Pow(ddt, l.eta)
}

// engine evaluates one law over the (a, b) pairs of two sources.
type engine struct {
	name     string
	a, b     int
	kern     kern.Function
	desc     Descriptor
	law      law
	gradgrad bool
}

func (e engine) check() error {
	if e.desc == nil || e.law == nil {
		return fmt.Errorf("%w: %s has no descriptor", ErrUnimplemented, e.name)
	}
	if e.kern == nil {
		return fmt.Errorf("%s: base kernel is required", e.name)
	}
	return nil
}

func (e engine) both(s *Scratch, p, q atoms.PairSource) (*terms, *terms, error) {
	if err := e.check(); err != nil {
		return nil, nil, err
	}
	tp, err := s.lookup(e.desc, e.a, e.b, atoms.OneWay, p)
	if err != nil {
		return nil, nil, err
	}
	tq, err := s.lookup(e.desc, e.a, e.b, atoms.OneWay, q)
	if err != nil {
		return nil, nil, err
	}
	return tp, tq, nil
}

func (e engine) value(s *Scratch, p, q atoms.PairSource) (float64, error) {
	tp, tq, err := e.both(s, p, q)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, d := range tp.d {
		for _, dd := range tq.d {
			total += e.law.value(e.kern, d, dd)
		}
	}
	return total, nil
}

// scatter adds -c at atom i and +c at atom j of pair k.
func scatter(out []float64, set atoms.PairSet, k int, c atoms.Vec3) {
	i, j := set.I[k], set.J[k]
	for x := 0; x < 3; x++ {
		out[3*i+x] -= c[x]
		out[3*j+x] += c[x]
	}
}

func (e engine) leftGrad(s *Scratch, p, q atoms.PairSource) ([]float64, error) {
	tp, tq, err := e.both(s, p, q)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 3*p.NAtoms())
	for k, d := range tp.d {
		c := 0.0
		for _, dd := range tq.d {
			c += e.law.left(e.kern, d, dd)
		}
		scatter(out, tp.set, k, tp.grad[k].Scale(c))
	}
	return out, nil
}

func (e engine) rightGrad(s *Scratch, p, q atoms.PairSource) ([]float64, error) {
	tp, tq, err := e.both(s, p, q)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 3*q.NAtoms())
	for k, dd := range tq.d {
		c := 0.0
		for _, d := range tp.d {
			c += e.law.right(e.kern, d, dd)
		}
		scatter(out, tq.set, k, tq.grad[k].Scale(c))
	}
	return out, nil
}

func (e engine) gradGrad(s *Scratch, p, q atoms.PairSource) (*mat.Dense, error) {
	if !e.gradgrad {
		return nil, fmt.Errorf("%w: gradgrad for %s", ErrUnimplemented, e.name)
	}
	tp, tq, err := e.both(s, p, q)
	if err != nil {
		return nil, err
	}
	out := mat.NewDense(3*p.NAtoms(), 3*q.NAtoms(), nil)
	for k, d := range tp.d {
		for l, dd := range tq.d {
			f := e.law.mixed(e.kern, d, dd)
			for _, left := range []struct {
				atom int
				sign float64
			}{{tp.set.I[k], -1}, {tp.set.J[k], 1}} {
				for _, right := range []struct {
					atom int
					sign float64
				}{{tq.set.I[l], -1}, {tq.set.J[l], 1}} {
					w := f * left.sign * right.sign
					for x := 0; x < 3; x++ {
						for y := 0; y < 3; y++ {
							row, col := 3*left.atom+x, 3*right.atom+y
							out.Set(row, col, out.At(row, col)+w*tp.grad[k][x]*tq.grad[l][y])
						}
					}
				}
			}
		}
	}
	return out, nil
}

// gradGradDiag sums, for every centre atom, the mixed second derivative over
// all pairs of its both-ways neighbors weighted by the elementwise product of
// their descriptor gradients.
func (e engine) gradGradDiag(s *Scratch, p atoms.PairSource) ([]float64, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	t, err := s.lookup(e.desc, e.a, e.b, atoms.BothWays, p)
	if err != nil {
		return nil, err
	}
	groups := make(map[int][]int)
	for k, i := range t.set.I {
		groups[i] = append(groups[i], k)
	}
	out := make([]float64, 3*p.NAtoms())
	for centre, members := range groups {
		var c atoms.Vec3
		for _, m := range members {
			for _, n := range members {
				f := e.law.mixed(e.kern, t.d[m], t.d[n])
				for x := 0; x < 3; x++ {
					c[x] += f * t.grad[m][x] * t.grad[n][x]
				}
			}
		}
		for x := 0; x < 3; x++ {
			out[3*centre+x] += c[x]
		}
	}
	return out, nil
}
