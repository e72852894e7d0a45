package similarity

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"autoforce/internal/atoms"
	"autoforce/internal/kern"
)

// Sum adds several kernels, typically one per species pair. Terms are
// evaluated concurrently, each into its own buffer, and reduced in order.
type Sum struct {
	Terms   []Kernel
	Workers int
}

// ForSpecies builds one distance kernel per unordered species pair.
func ForSpecies(species []int, k kern.Function, build func(a, b int, k kern.Function) Kernel) *Sum {
	if build == nil {
		build = func(a, b int, k kern.Function) Kernel { return NewDistanceSimilarity(a, b, k) }
	}
	out := &Sum{}
	for x, a := range species {
		for _, b := range species[x:] {
			out.Terms = append(out.Terms, build(a, b, k))
		}
	}
	return out
}

func (s *Sum) Name() string {
	names := make([]string, len(s.Terms))
	for i, t := range s.Terms {
		names[i] = t.Name()
	}
	return "sum(" + strings.Join(names, "+") + ")"
}

func (s *Sum) workers() int {
	if s.Workers > 0 {
		return s.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (s *Sum) each(fn func(i int, term Kernel) error) error {
	if len(s.Terms) == 0 {
		return errors.New("similarity: sum has no terms")
	}
	var g errgroup.Group
	g.SetLimit(s.workers())
	for i, term := range s.Terms {
		g.Go(func() error {
			if err := fn(i, term); err != nil {
				return fmt.Errorf("%s: %w", term.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Sum) Value(sc *Scratch, p, q atoms.PairSource) (float64, error) {
	parts := make([]float64, len(s.Terms))
	err := s.each(func(i int, term Kernel) error {
		v, err := term.Value(sc, p, q)
		parts[i] = v
		return err
	})
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, v := range parts {
		total += v
	}
	return total, nil
}

func (s *Sum) LeftGrad(sc *Scratch, p, q atoms.PairSource) ([]float64, error) {
	return s.reduce(3*p.NAtoms(), func(term Kernel) ([]float64, error) { return term.LeftGrad(sc, p, q) })
}

func (s *Sum) RightGrad(sc *Scratch, p, q atoms.PairSource) ([]float64, error) {
	return s.reduce(3*q.NAtoms(), func(term Kernel) ([]float64, error) { return term.RightGrad(sc, p, q) })
}

func (s *Sum) GradGradDiag(sc *Scratch, p atoms.PairSource) ([]float64, error) {
	return s.reduce(3*p.NAtoms(), func(term Kernel) ([]float64, error) { return term.GradGradDiag(sc, p) })
}

func (s *Sum) GradGrad(sc *Scratch, p, q atoms.PairSource) (*mat.Dense, error) {
	parts := make([]*mat.Dense, len(s.Terms))
	err := s.each(func(i int, term Kernel) error {
		m, err := term.GradGrad(sc, p, q)
		parts[i] = m
		return err
	})
	if err != nil {
		return nil, err
	}
	out := mat.NewDense(3*p.NAtoms(), 3*q.NAtoms(), nil)
	for _, m := range parts {
		out.Add(out, m)
	}
	return out, nil
}

func (s *Sum) reduce(n int, eval func(Kernel) ([]float64, error)) ([]float64, error) {
	parts := make([][]float64, len(s.Terms))
	err := s.each(func(i int, term Kernel) error {
		v, err := eval(term)
		parts[i] = v
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for _, part := range parts {
		for k, v := range part {
			out[k] += v
		}
	}
	return out, nil
}
