package atoms

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrCutoffTooLarge = errors.New("atoms: cutoff exceeds half the cell width")
	ErrUnknownElement = errors.New("atoms: no default mass for element")
	ErrShapeMismatch  = errors.New("atoms: per-atom arrays have different lengths")
)

// Config describes a structure to build. Velocities and Masses are optional.
type Config struct {
	Numbers    []int
	Positions  []Vec3
	Velocities []Vec3
	Masses     []float64
	Cell       Cell
	PBC        [3]bool
	Cutoff     float64
}

// Structure is an atomic configuration with a cached minimum-image neighbor
// list. Mutating positions or the cell invalidates the cache.
type Structure struct {
	numbers    []int
	positions  []Vec3
	velocities []Vec3
	masses     []float64
	cell       Cell
	pbc        [3]bool
	cutoff     float64

	mu    sync.Mutex
	pairs []pair
	stale bool
}

type pair struct {
	i, j int
	r    Vec3
}

func New(cfg Config) (*Structure, error) {
	n := len(cfg.Numbers)
	if len(cfg.Positions) != n {
		return nil, fmt.Errorf("%w: numbers=%d positions=%d", ErrShapeMismatch, n, len(cfg.Positions))
	}
	if cfg.Velocities != nil && len(cfg.Velocities) != n {
		return nil, fmt.Errorf("%w: numbers=%d velocities=%d", ErrShapeMismatch, n, len(cfg.Velocities))
	}
	if cfg.Masses != nil && len(cfg.Masses) != n {
		return nil, fmt.Errorf("%w: numbers=%d masses=%d", ErrShapeMismatch, n, len(cfg.Masses))
	}
	if cfg.Cutoff <= 0 {
		return nil, errors.New("atoms: cutoff must be > 0")
	}

	masses := cfg.Masses
	if masses == nil {
		masses = make([]float64, n)
		for i, z := range cfg.Numbers {
			m, ok := DefaultMass(z)
			if !ok {
				return nil, fmt.Errorf("%w: %d", ErrUnknownElement, z)
			}
			masses[i] = m
		}
	}
	velocities := cfg.Velocities
	if velocities == nil {
		velocities = make([]Vec3, n)
	}

	s := &Structure{
		numbers:    append([]int(nil), cfg.Numbers...),
		positions:  cloneVecs(cfg.Positions),
		velocities: cloneVecs(velocities),
		masses:     append([]float64(nil), masses...),
		cell:       cfg.Cell,
		pbc:        cfg.PBC,
		cutoff:     cfg.Cutoff,
		stale:      true,
	}
	if err := s.checkCutoff(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Structure) checkCutoff() error {
	widths, err := s.cell.PerpendicularWidths()
	for k := 0; k < 3; k++ {
		if !s.pbc[k] {
			continue
		}
		if err != nil {
			return err
		}
		if s.cutoff >= widths[k]/2 {
			return fmt.Errorf("%w: cutoff=%g width[%d]=%g", ErrCutoffTooLarge, s.cutoff, k, widths[k])
		}
	}
	return nil
}

func (s *Structure) NAtoms() int { return len(s.numbers) }

func (s *Structure) Cutoff() float64 { return s.cutoff }

func (s *Structure) Cell() Cell { return s.cell }

func (s *Structure) PBC() [3]bool { return s.pbc }

func (s *Structure) Volume() float64 { return s.cell.Volume() }

func (s *Structure) Numbers() []int { return append([]int(nil), s.numbers...) }

func (s *Structure) Masses() []float64 { return append([]float64(nil), s.masses...) }

func (s *Structure) Positions() []Vec3 { return cloneVecs(s.positions) }

func (s *Structure) Velocities() []Vec3 { return cloneVecs(s.velocities) }

func (s *Structure) SetPositions(positions []Vec3) error {
	if len(positions) != len(s.numbers) {
		return fmt.Errorf("%w: natoms=%d positions=%d", ErrShapeMismatch, len(s.numbers), len(positions))
	}
	s.positions = cloneVecs(positions)
	s.stale = true
	return nil
}

func (s *Structure) SetVelocities(velocities []Vec3) error {
	if len(velocities) != len(s.numbers) {
		return fmt.Errorf("%w: natoms=%d velocities=%d", ErrShapeMismatch, len(s.numbers), len(velocities))
	}
	s.velocities = cloneVecs(velocities)
	return nil
}

// SetCell replaces the cell. With scaleAtoms the fractional coordinates are
// preserved.
func (s *Structure) SetCell(cell Cell, scaleAtoms bool) error {
	if scaleAtoms {
		inv, err := s.cell.inverse()
		if err != nil {
			return err
		}
		next := make([]Vec3, len(s.positions))
		for a, r := range s.positions {
			for k := 0; k < 3; k++ {
				frac := r[0]*inv.At(0, k) + r[1]*inv.At(1, k) + r[2]*inv.At(2, k)
				next[a] = next[a].Add(cell[k].Scale(frac))
			}
		}
		s.positions = next
	}
	prev := s.cell
	s.cell = cell
	if err := s.checkCutoff(); err != nil {
		s.cell = prev
		return err
	}
	s.stale = true
	return nil
}

// Copy returns a structure with independent state.
func (s *Structure) Copy() *Structure {
	out := &Structure{
		numbers:    append([]int(nil), s.numbers...),
		positions:  cloneVecs(s.positions),
		velocities: cloneVecs(s.velocities),
		masses:     append([]float64(nil), s.masses...),
		cell:       s.cell,
		pbc:        s.pbc,
		cutoff:     s.cutoff,
		stale:      true,
	}
	return out
}

// Species returns the distinct atomic numbers in ascending order.
func (s *Structure) Species() []int {
	seen := make(map[int]struct{}, len(s.numbers))
	out := make([]int, 0, 4)
	for _, z := range s.numbers {
		if _, ok := seen[z]; ok {
			continue
		}
		seen[z] = struct{}{}
		out = append(out, z)
	}
	sort.Ints(out)
	return out
}

// FirstOfEachSpecies returns, in order of appearance, the index of the first
// atom of every species.
func (s *Structure) FirstOfEachSpecies() []int {
	seen := make(map[int]struct{}, len(s.numbers))
	out := make([]int, 0, 4)
	for i, z := range s.numbers {
		if _, ok := seen[z]; ok {
			continue
		}
		seen[z] = struct{}{}
		out = append(out, i)
	}
	return out
}

func (s *Structure) neighbors() ([]pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stale {
		return s.pairs, nil
	}
	mi, err := newMinimumImage(s.cell, s.pbc)
	if err != nil {
		return nil, err
	}
	pairs := make([]pair, 0, 8*len(s.numbers))
	cut2 := s.cutoff * s.cutoff
	for i := 0; i < len(s.positions); i++ {
		for j := i + 1; j < len(s.positions); j++ {
			r := mi.wrap(s.positions[j].Sub(s.positions[i]))
			if r.Dot(r) < cut2 {
				pairs = append(pairs, pair{i: i, j: j, r: r})
			}
		}
	}
	s.pairs = pairs
	s.stale = false
	return pairs, nil
}

// Select returns the pairs whose species are {a, b}, oriented so that the
// first atom carries species a. OneWay lists each physical pair once; BothWays
// adds the reversed orientation as well.
func (s *Structure) Select(a, b int, mode Mode) (PairSet, error) {
	pairs, err := s.neighbors()
	if err != nil {
		return PairSet{}, err
	}
	return selectPairs(pairs, s.numbers, a, b, mode), nil
}

// LocalEnvs returns one local environment per atom, each holding a private
// copy of the pairs that involve its centre.
func (s *Structure) LocalEnvs() ([]*LocalEnv, error) {
	pairs, err := s.neighbors()
	if err != nil {
		return nil, err
	}
	numbers := append([]int(nil), s.numbers...)
	envs := make([]*LocalEnv, len(numbers))
	for c := range envs {
		envs[c] = &LocalEnv{center: c, numbers: numbers}
	}
	for _, p := range pairs {
		envs[p.i].pairs = append(envs[p.i].pairs, p)
		envs[p.j].pairs = append(envs[p.j].pairs, pair{i: p.j, j: p.i, r: p.r.Scale(-1)})
	}
	return envs, nil
}
