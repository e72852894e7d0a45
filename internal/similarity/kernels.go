package similarity

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"autoforce/internal/atoms"
	"autoforce/internal/kern"
)

// PairKernel compares two configurations through a descriptor of every (A, B)
// pair: value(p, q) = sum over pairs of p and q of k(d_p, d_q). A PairKernel
// without a descriptor reports every operation as unimplemented.
type PairKernel struct {
	A, B int
	Kern kern.Function
	Desc Descriptor
}

func NewDistanceSimilarity(a, b int, k kern.Function) *PairKernel {
	return &PairKernel{A: a, B: b, Kern: k, Desc: Distance{}}
}

func NewLogDistanceSimilarity(a, b int, k kern.Function) *PairKernel {
	return &PairKernel{A: a, B: b, Kern: k, Desc: LogDistance{}}
}

func (pk *PairKernel) engine() engine {
	e := engine{name: pk.Name(), a: pk.A, b: pk.B, kern: pk.Kern, desc: pk.Desc, gradgrad: true}
	if pk.Desc != nil {
		e.law = plainLaw{}
	}
	return e
}

func (pk *PairKernel) Name() string {
	desc := "abstract"
	if pk.Desc != nil {
		desc = pk.Desc.Name()
	}
	return fmt.Sprintf("%s(%d,%d)", desc, pk.A, pk.B)
}

func (pk *PairKernel) Value(s *Scratch, p, q atoms.PairSource) (float64, error) {
	return pk.engine().value(s, p, q)
}

func (pk *PairKernel) LeftGrad(s *Scratch, p, q atoms.PairSource) ([]float64, error) {
	return pk.engine().leftGrad(s, p, q)
}

func (pk *PairKernel) RightGrad(s *Scratch, p, q atoms.PairSource) ([]float64, error) {
	return pk.engine().rightGrad(s, p, q)
}

func (pk *PairKernel) GradGrad(s *Scratch, p, q atoms.PairSource) (*mat.Dense, error) {
	return pk.engine().gradGrad(s, p, q)
}

func (pk *PairKernel) GradGradDiag(s *Scratch, p atoms.PairSource) ([]float64, error) {
	return pk.engine().gradGradDiag(s, p)
}

// CoulombSimilarity models the pair energy as k(d, d')/(d d').
type CoulombSimilarity struct {
	A, B int
	Kern kern.Function
}

func NewCoulombSimilarity(a, b int, k kern.Function) *CoulombSimilarity {
	return &CoulombSimilarity{A: a, B: b, Kern: k}
}

func (c *CoulombSimilarity) engine() engine {
	return engine{name: c.Name(), a: c.A, b: c.B, kern: c.Kern, desc: Distance{}, law: coulombLaw{}}
}

func (c *CoulombSimilarity) Name() string { return fmt.Sprintf("coulomb(%d,%d)", c.A, c.B) }

func (c *CoulombSimilarity) Value(s *Scratch, p, q atoms.PairSource) (float64, error) {
	return c.engine().value(s, p, q)
}

func (c *CoulombSimilarity) LeftGrad(s *Scratch, p, q atoms.PairSource) ([]float64, error) {
	return c.engine().leftGrad(s, p, q)
}

func (c *CoulombSimilarity) RightGrad(s *Scratch, p, q atoms.PairSource) ([]float64, error) {
	return c.engine().rightGrad(s, p, q)
}

func (c *CoulombSimilarity) GradGrad(s *Scratch, p, q atoms.PairSource) (*mat.Dense, error) {
	return c.engine().gradGrad(s, p, q)
}

func (c *CoulombSimilarity) GradGradDiag(s *Scratch, p atoms.PairSource) ([]float64, error) {
	return c.engine().gradGradDiag(s, p)
}

// RepulsiveCoreSimilarity models the pair energy as k(d, d')/(d d')^Eta.
type RepulsiveCoreSimilarity struct {
	A, B int
	Kern kern.Function
	Eta  float64
}

func NewRepulsiveCoreSimilarity(a, b int, k kern.Function, eta float64) *RepulsiveCoreSimilarity {
	return &RepulsiveCoreSimilarity{A: a, B: b, Kern: k, Eta: eta}
}

func (r *RepulsiveCoreSimilarity) engine() engine {
	return engine{name: r.Name(), a: r.A, b: r.B, kern: r.Kern, desc: Distance{}, law: repulsiveLaw{eta: r.Eta}}
}

func (r *RepulsiveCoreSimilarity) Name() string {
	return fmt.Sprintf("repulsive_core(%d,%d,eta=%g)", r.A, r.B, r.Eta)
}

func (r *RepulsiveCoreSimilarity) Value(s *Scratch, p, q atoms.PairSource) (float64, error) {
	return r.engine().value(s, p, q)
}

func (r *RepulsiveCoreSimilarity) LeftGrad(s *Scratch, p, q atoms.PairSource) ([]float64, error) {
	return r.engine().leftGrad(s, p, q)
}

func (r *RepulsiveCoreSimilarity) RightGrad(s *Scratch, p, q atoms.PairSource) ([]float64, error) {
	return r.engine().rightGrad(s, p, q)
}

func (r *RepulsiveCoreSimilarity) GradGrad(s *Scratch, p, q atoms.PairSource) (*mat.Dense, error) {
	return r.engine().gradGrad(s, p, q)
}

func (r *RepulsiveCoreSimilarity) GradGradDiag(s *Scratch, p atoms.PairSource) ([]float64, error) {
	return r.engine().gradGradDiag(s, p)
}
