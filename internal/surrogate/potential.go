package surrogate

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"autoforce/internal/atoms"
	"autoforce/internal/calculator"
	"autoforce/internal/similarity"
)

var (
	ErrEmpty          = errors.New("surrogate: nothing to pop")
	ErrIllConditioned = errors.New("surrogate: normal equations are not positive definite")
)

type Options struct {
	// EnergyNoise and ForceNoise weight the energy and force rows of the fit.
	EnergyNoise float64
	ForceNoise  float64
	// Jitter is added to the diagonal of the inducing covariance.
	Jitter float64
}

func DefaultOptions() Options {
	return Options{EnergyNoise: 0.01, ForceNoise: 0.05, Jitter: 1e-8}
}

// design holds the kernel rows of one training structure against every
// inducing environment: energy[z] = sum_i k(env_i, z) and forces[z] the
// negative position gradient of that sum.
type design struct {
	energy []float64
	forces [][]float64
}

// Potential is a sparse Gaussian-process potential. The local energy of an
// environment x is eps(x) = sum_z mu_z k(x, z) over the inducing set Z, and the
// total energy of a structure is the sum over its local environments. The
// weights mu solve the projected-process normal equations over the energies
// and forces of every training structure.
type Potential struct {
	kernel similarity.Kernel
	opts   Options

	data     []calculator.Labeled
	designs  []design
	inducing []*atoms.LocalEnv
	kmm      [][]float64
	mu       *mat.VecDense
}

func New(kernel similarity.Kernel, opts Options) (*Potential, error) {
	if kernel == nil {
		return nil, errors.New("surrogate: kernel is required")
	}
	if opts.EnergyNoise <= 0 || opts.ForceNoise <= 0 {
		return nil, fmt.Errorf("surrogate: noise must be > 0, got energy=%g forces=%g", opts.EnergyNoise, opts.ForceNoise)
	}
	if opts.Jitter < 0 {
		return nil, fmt.Errorf("surrogate: jitter must be >= 0, got %g", opts.Jitter)
	}
	return &Potential{kernel: kernel, opts: opts}, nil
}

func (p *Potential) Name() string { return "sparse_gp" }

func (p *Potential) DataCount() int { return len(p.data) }

func (p *Potential) InducingCount() int { return len(p.inducing) }

func (p *Potential) Kernel() similarity.Kernel { return p.kernel }

// Weights returns a copy of the inducing weights.
func (p *Potential) Weights() []float64 {
	out := make([]float64, len(p.inducing))
	if p.mu == nil {
		return out
	}
	for z := range out {
		out[z] = p.mu.AtVec(z)
	}
	return out
}

// SetData replaces the whole model and refits it.
func (p *Potential) SetData(ctx context.Context, data []calculator.Labeled, inducing []*atoms.LocalEnv) error {
	p.data, p.designs, p.inducing, p.kmm, p.mu = nil, nil, nil, nil, nil
	for _, env := range inducing {
		if err := p.pushInducing(ctx, env); err != nil {
			return err
		}
	}
	for _, snap := range data {
		if err := p.pushData(ctx, snap); err != nil {
			return err
		}
	}
	return p.fit()
}

// AddStructure inserts a labeled structure, keeping it only if it moves the
// predicted energy by at least ediff or any force component by at least fdiff.
// Force changes are only measured when fdiff is finite.
func (p *Potential) AddStructure(ctx context.Context, snap calculator.Labeled, ediff, fdiff float64) (float64, float64, error) {
	measureForces := !math.IsInf(fdiff, 1)
	before, err := p.predict(ctx, snap.Structure, measureForces)
	if err != nil {
		return 0, 0, err
	}
	stash := p.stash()
	if err := p.pushData(ctx, snap); err != nil {
		return 0, 0, err
	}
	if err := p.fit(); err != nil {
		p.dropData()
		p.unstash(stash)
		return 0, 0, err
	}
	after, err := p.predict(ctx, snap.Structure, measureForces)
	if err != nil {
		return 0, 0, err
	}

	de := math.Abs(after.Energy - before.Energy)
	df := 0.0
	if measureForces {
		for i := range after.Forces {
			for x := 0; x < 3; x++ {
				df = math.Max(df, math.Abs(after.Forces[i][x]-before.Forces[i][x]))
			}
		}
	}
	if de < ediff && df < fdiff {
		p.dropData()
		p.unstash(stash)
	}
	return de, df, nil
}

// AddInducing inserts env as an inducing point and returns the change of its
// predicted local energy. The point is removed again if the change is below
// ediff.
func (p *Potential) AddInducing(ctx context.Context, env *atoms.LocalEnv, ediff float64) (float64, error) {
	before, err := p.LocalEnergy(ctx, env)
	if err != nil {
		return 0, err
	}
	stash := p.stash()
	if err := p.pushInducing(ctx, env); err != nil {
		return 0, err
	}
	if err := p.fit(); err != nil {
		p.dropInducing()
		p.unstash(stash)
		if errors.Is(err, ErrIllConditioned) {
			// env is numerically a duplicate of the inducing set
			return 0, nil
		}
		return 0, err
	}
	after, err := p.LocalEnergy(ctx, env)
	if err != nil {
		return 0, err
	}
	change := math.Abs(after - before)
	if change < ediff {
		p.dropInducing()
		p.unstash(stash)
	}
	return change, nil
}

func (p *Potential) PopData() error {
	if len(p.data) == 0 {
		return fmt.Errorf("%w: no training data", ErrEmpty)
	}
	p.dropData()
	return p.fit()
}

func (p *Potential) PopInducing() error {
	if len(p.inducing) == 0 {
		return fmt.Errorf("%w: no inducing points", ErrEmpty)
	}
	p.dropInducing()
	return p.fit()
}

// LocalEnergy predicts eps(env).
func (p *Potential) LocalEnergy(ctx context.Context, env *atoms.LocalEnv) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if p.mu == nil {
		return 0, nil
	}
	scratch := similarity.NewScratch()
	out := 0.0
	for z, ref := range p.inducing {
		k, err := p.kernel.Value(scratch, env, ref)
		if err != nil {
			return 0, err
		}
		out += p.mu.AtVec(z) * k
	}
	return out, nil
}

// Leakages scores how poorly the inducing set spans each environment:
// 1 - k_xZ K_ZZ^-1 k_Zx / k(x, x). Environments without neighbors score 0.
func (p *Potential) Leakages(ctx context.Context, envs []*atoms.LocalEnv) ([]float64, error) {
	out := make([]float64, len(envs))
	var chol mat.Cholesky
	if len(p.inducing) > 0 {
		if ok := chol.Factorize(p.kmmSym()); !ok {
			return nil, ErrIllConditioned
		}
	}
	for e, env := range envs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scratch := similarity.NewScratch()
		kxx, err := p.kernel.Value(scratch, env, env)
		if err != nil {
			return nil, err
		}
		if kxx <= 0 {
			continue
		}
		if len(p.inducing) == 0 {
			out[e] = 1
			continue
		}
		kzx := mat.NewVecDense(len(p.inducing), nil)
		for z, ref := range p.inducing {
			k, err := p.kernel.Value(scratch, env, ref)
			if err != nil {
				return nil, err
			}
			kzx.SetVec(z, k)
		}
		var w mat.VecDense
		if err := chol.SolveVecTo(&w, kzx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIllConditioned, err)
		}
		leak := 1 - mat.Dot(kzx, &w)/kxx
		out[e] = math.Min(1, math.Max(0, leak))
	}
	return out, nil
}

// Calculate predicts energy and forces for s.
func (p *Potential) Calculate(ctx context.Context, s *atoms.Structure) (calculator.Results, error) {
	return p.predict(ctx, s, true)
}

// Energy predicts the energy of s without forces.
func (p *Potential) Energy(ctx context.Context, s *atoms.Structure) (float64, error) {
	res, err := p.predict(ctx, s, false)
	return res.Energy, err
}

func (p *Potential) predict(ctx context.Context, s *atoms.Structure, forces bool) (calculator.Results, error) {
	res := calculator.Results{Forces: make([]atoms.Vec3, s.NAtoms())}
	if p.mu == nil {
		return res, ctx.Err()
	}
	row, err := p.designRow(ctx, s, forces)
	if err != nil {
		return calculator.Results{}, err
	}
	for z := range p.inducing {
		mu := p.mu.AtVec(z)
		res.Energy += mu * row.energy[z]
		if forces {
			for i := range res.Forces {
				for x := 0; x < 3; x++ {
					res.Forces[i][x] += mu * row.forces[z][3*i+x]
				}
			}
		}
	}
	return res, nil
}

// designRow evaluates the energy and force rows of s against every inducing
// environment.
func (p *Potential) designRow(ctx context.Context, s *atoms.Structure, forces bool) (design, error) {
	envs, err := s.LocalEnvs()
	if err != nil {
		return design{}, err
	}
	row := design{energy: make([]float64, len(p.inducing))}
	if forces {
		row.forces = make([][]float64, len(p.inducing))
	}
	scratch := similarity.NewScratch()
	for z, ref := range p.inducing {
		col, err := p.column(ctx, scratch, envs, ref, forces)
		if err != nil {
			return design{}, err
		}
		row.energy[z] = col.energy
		if forces {
			row.forces[z] = col.forces
		}
	}
	return row, nil
}

type designColumn struct {
	energy float64
	forces []float64
}

func (p *Potential) column(ctx context.Context, scratch *similarity.Scratch, envs []*atoms.LocalEnv, ref *atoms.LocalEnv, forces bool) (designColumn, error) {
	var col designColumn
	if len(envs) > 0 && forces {
		col.forces = make([]float64, 3*envs[0].NAtoms())
	}
	for _, env := range envs {
		if err := ctx.Err(); err != nil {
			return designColumn{}, err
		}
		k, err := p.kernel.Value(scratch, env, ref)
		if err != nil {
			return designColumn{}, err
		}
		col.energy += k
		if !forces {
			continue
		}
		grad, err := p.kernel.LeftGrad(scratch, env, ref)
		if err != nil {
			return designColumn{}, err
		}
		for x, g := range grad {
			col.forces[x] -= g
		}
	}
	return col, nil
}

func (p *Potential) pushData(ctx context.Context, snap calculator.Labeled) error {
	if snap.Structure == nil {
		return errors.New("surrogate: labeled structure is required")
	}
	if len(snap.Results.Forces) != snap.Structure.NAtoms() {
		return fmt.Errorf("surrogate: %d forces for %d atoms", len(snap.Results.Forces), snap.Structure.NAtoms())
	}
	row, err := p.designRow(ctx, snap.Structure, true)
	if err != nil {
		return err
	}
	p.data = append(p.data, snap)
	p.designs = append(p.designs, row)
	return nil
}

func (p *Potential) dropData() {
	n := len(p.data) - 1
	p.data = p.data[:n]
	p.designs = p.designs[:n]
}

func (p *Potential) pushInducing(ctx context.Context, env *atoms.LocalEnv) error {
	if env == nil {
		return errors.New("surrogate: inducing environment is required")
	}
	scratch := similarity.NewScratch()
	m := len(p.inducing)
	row := make([]float64, m+1)
	for z, ref := range p.inducing {
		k, err := p.kernel.Value(scratch, ref, env)
		if err != nil {
			return err
		}
		row[z] = k
	}
	self, err := p.kernel.Value(scratch, env, env)
	if err != nil {
		return err
	}
	row[m] = self

	cols := make([]designColumn, len(p.data))
	for d, snap := range p.data {
		envs, err := snap.Structure.LocalEnvs()
		if err != nil {
			return err
		}
		col, err := p.column(ctx, similarity.NewScratch(), envs, env, true)
		if err != nil {
			return err
		}
		cols[d] = col
	}

	for z := range p.kmm {
		p.kmm[z] = append(p.kmm[z], row[z])
	}
	p.kmm = append(p.kmm, row)
	p.inducing = append(p.inducing, env)
	for d := range p.designs {
		p.designs[d].energy = append(p.designs[d].energy, cols[d].energy)
		p.designs[d].forces = append(p.designs[d].forces, cols[d].forces)
	}
	return nil
}

func (p *Potential) dropInducing() {
	m := len(p.inducing) - 1
	p.inducing = p.inducing[:m]
	p.kmm = p.kmm[:m]
	for z := range p.kmm {
		p.kmm[z] = p.kmm[z][:m]
	}
	for d := range p.designs {
		p.designs[d].energy = p.designs[d].energy[:m]
		p.designs[d].forces = p.designs[d].forces[:m]
	}
}

func (p *Potential) stash() *mat.VecDense {
	if p.mu == nil {
		return nil
	}
	return mat.VecDenseCopyOf(p.mu)
}

func (p *Potential) unstash(mu *mat.VecDense) {
	p.mu = mu
}

func (p *Potential) kmmSym() *mat.SymDense {
	m := len(p.inducing)
	sym := mat.NewSymDense(m, nil)
	for i := 0; i < m; i++ {
		for j := i; j < m; j++ {
			v := p.kmm[i][j]
			if i == j {
				v += p.opts.Jitter
			}
			sym.SetSym(i, j, v)
		}
	}
	return sym
}

// fit solves (K_mm + A^T S^-2 A) mu = A^T S^-2 y where A stacks the energy and
// force design rows of all training data and S holds the row noise.
func (p *Potential) fit() error {
	m := len(p.inducing)
	if m == 0 || len(p.data) == 0 {
		p.mu = nil
		return nil
	}
	rows := 0
	for _, snap := range p.data {
		rows += 1 + 3*snap.Structure.NAtoms()
	}
	a := mat.NewDense(rows, m, nil)
	y := mat.NewVecDense(rows, nil)
	r := 0
	for d, snap := range p.data {
		we := 1 / p.opts.EnergyNoise
		for z := 0; z < m; z++ {
			a.Set(r, z, we*p.designs[d].energy[z])
		}
		y.SetVec(r, we*snap.Results.Energy)
		r++
		wf := 1 / p.opts.ForceNoise
		for i, f := range snap.Results.Forces {
			for x := 0; x < 3; x++ {
				for z := 0; z < m; z++ {
					a.Set(r, z, wf*p.designs[d].forces[z][3*i+x])
				}
				y.SetVec(r, wf*f[x])
				r++
			}
		}
	}

	var normal mat.SymDense
	normal.SymOuterK(1, a.T())
	normal.AddSym(&normal, p.kmmSym())

	var chol mat.Cholesky
	if ok := chol.Factorize(&normal); !ok {
		return ErrIllConditioned
	}
	var rhs mat.VecDense
	rhs.MulVec(a.T(), y)
	var mu mat.VecDense
	if err := chol.SolveVecTo(&mu, &rhs); err != nil {
		return fmt.Errorf("%w: %v", ErrIllConditioned, err)
	}
	p.mu = &mu
	return nil
}
