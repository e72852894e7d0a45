package surrogate

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"

	"autoforce/internal/atoms"
	"autoforce/internal/calculator"
)

// DefaultStrainStep is the finite strain used for stress.
const DefaultStrainStep = 1e-4

var ErrNoPotential = errors.New("surrogate: calculator has no potential")

// Calculator wraps a Potential and caches the results for the last structure
// it saw. The cache must be cleared whenever the potential changes.
type Calculator struct {
	potential  *Potential
	strainStep float64

	mu     sync.Mutex
	key    uint64
	valid  bool
	cached calculator.Results
	hits   int
	misses int
}

// NewCalculator wraps potential, which may be nil until SetPotential.
func NewCalculator(potential *Potential) *Calculator {
	return &Calculator{potential: potential, strainStep: DefaultStrainStep}
}

func (c *Calculator) Name() string { return "autoforce" }

func (c *Calculator) Potential() *Potential { return c.potential }

// SetPotential swaps the wrapped potential and clears the cache.
func (c *Calculator) SetPotential(p *Potential) {
	c.mu.Lock()
	c.potential = p
	c.valid = false
	c.mu.Unlock()
}

func (c *Calculator) ClearCache() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

// CacheStats returns the number of cache hits and misses so far.
func (c *Calculator) CacheStats() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Calculate returns energy and forces. Stress is computed on demand by
// Stress and is attached to cached results once known.
func (c *Calculator) Calculate(ctx context.Context, s *atoms.Structure) (calculator.Results, error) {
	key := fingerprint(s)
	c.mu.Lock()
	if c.valid && c.key == key {
		c.hits++
		out := c.cached.Clone()
		c.mu.Unlock()
		return out, nil
	}
	c.misses++
	potential := c.potential
	c.mu.Unlock()
	if potential == nil {
		return calculator.Results{}, ErrNoPotential
	}

	res, err := potential.Calculate(ctx, s)
	if err != nil {
		return calculator.Results{}, err
	}
	c.mu.Lock()
	c.key, c.valid, c.cached = key, true, res.Clone()
	c.mu.Unlock()
	return res, nil
}

// Stress returns the Voigt stress of s. Structures without a cell volume
// report calculator.ErrNoStress.
func (c *Calculator) Stress(ctx context.Context, s *atoms.Structure) ([6]float64, error) {
	if s.Volume() <= 0 {
		return [6]float64{}, calculator.ErrNoStress
	}
	res, err := c.Calculate(ctx, s)
	if err != nil {
		return [6]float64{}, err
	}
	if res.HasStress {
		return res.Stress, nil
	}
	c.mu.Lock()
	potential := c.potential
	c.mu.Unlock()
	stress, err := c.stress(ctx, potential, s)
	if err != nil {
		return [6]float64{}, err
	}
	key := fingerprint(s)
	c.mu.Lock()
	if c.valid && c.key == key {
		c.cached.Stress = stress
		c.cached.HasStress = true
	}
	c.mu.Unlock()
	return stress, nil
}

// stress differentiates the energy with respect to each Voigt strain
// component by central differences.
func (c *Calculator) stress(ctx context.Context, potential *Potential, s *atoms.Structure) ([6]float64, error) {
	var out [6]float64
	voigt := [6][2]int{{0, 0}, {1, 1}, {2, 2}, {1, 2}, {0, 2}, {0, 1}}
	volume := s.Volume()
	h := c.strainStep
	for v, ab := range voigt {
		var energies [2]float64
		for k, sign := range [2]float64{1, -1} {
			var strain [3][3]float64
			strain[ab[0]][ab[1]] = sign * h
			strained := s.Copy()
			if err := strained.SetCell(s.Cell().Transform(strain), true); err != nil {
				return out, err
			}
			e, err := potential.Energy(ctx, strained)
			if err != nil {
				return out, err
			}
			energies[k] = e
		}
		out[v] = (energies[0] - energies[1]) / (2 * h) / volume
	}
	return out, nil
}

func fingerprint(s *atoms.Structure) uint64 {
	d := xxhash.New()
	var buf [8]byte
	put := func(x float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(x))
		_, _ = d.Write(buf[:])
	}
	for _, z := range s.Numbers() {
		binary.LittleEndian.PutUint64(buf[:], uint64(z))
		_, _ = d.Write(buf[:])
	}
	for _, r := range s.Positions() {
		put(r[0])
		put(r[1])
		put(r[2])
	}
	for _, row := range s.Cell() {
		put(row[0])
		put(row[1])
		put(row[2])
	}
	return d.Sum64()
}
