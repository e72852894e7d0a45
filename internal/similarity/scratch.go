package similarity

import (
	"fmt"
	"sync"

	"autoforce/internal/atoms"
)

// terms are the selected pairs of one source with their descriptor values and
// gradients.
type terms struct {
	set  atoms.PairSet
	d    []float64
	grad []atoms.Vec3
}

func (t *terms) len() int { return len(t.d) }

type scratchKey struct {
	descriptor string
	a, b       int
	mode       atoms.Mode
	src        atoms.PairSource
}

// Scratch caches descriptor terms for the lifetime of one evaluation pass so
// that several kernels over the same species pair share the selection work.
// Sources used as keys must be pointer types. A nil *Scratch disables caching.
type Scratch struct {
	mu    sync.Mutex
	terms map[scratchKey]*terms
}

func NewScratch() *Scratch {
	return &Scratch{terms: make(map[scratchKey]*terms)}
}

func (s *Scratch) lookup(desc Descriptor, a, b int, mode atoms.Mode, src atoms.PairSource) (*terms, error) {
	if s == nil {
		return describe(desc, a, b, mode, src)
	}
	key := scratchKey{descriptor: desc.Name(), a: a, b: b, mode: mode, src: src}
	s.mu.Lock()
	cached, ok := s.terms[key]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}
	t, err := describe(desc, a, b, mode, src)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.terms[key] = t
	s.mu.Unlock()
	return t, nil
}

func describe(desc Descriptor, a, b int, mode atoms.Mode, src atoms.PairSource) (*terms, error) {
	set, err := src.Select(a, b, mode)
	if err != nil {
		return nil, err
	}
	t := &terms{
		set:  set,
		d:    make([]float64, set.Len()),
		grad: make([]atoms.Vec3, set.Len()),
	}
	for k, r := range set.R {
		d, g, err := desc.Describe(r)
		if err != nil {
			return nil, fmt.Errorf("pair (%d,%d): %w", set.I[k], set.J[k], err)
		}
		t.d[k] = d
		t.grad[k] = g
	}
	return t, nil
}
