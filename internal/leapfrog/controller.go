package leapfrog

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"autoforce/internal/atoms"
	"autoforce/internal/calculator"
	"autoforce/internal/dynamics"
	"autoforce/internal/model"
	"autoforce/internal/storage"
)

// Deps are the collaborators of a Controller. Either Surrogate or
// NewSurrogate must be set; Calculator must evaluate the same surrogate and
// be the calculator the dynamics integrates with.
type Deps struct {
	RunID        string
	Dynamics     Dynamics
	Reference    calculator.Calculator
	Surrogate    Surrogate
	NewSurrogate SurrogateFactory
	Calculator   CachingCalculator
	Algorithm    Algorithm
	Logger       *slog.Logger
	Store        storage.Store
	Registerer   prometheus.Registerer
	Rand         *rand.Rand
}

type insertion int

const (
	insertedData insertion = iota
	insertedInducing
)

// Controller drives a simulation and decides, step by step, when the
// surrogate must learn from a reference evaluation.
type Controller struct {
	cfg        Config
	runID      string
	dyn        Dynamics
	reference  calculator.Calculator
	model      Surrogate
	calc       CachingCalculator
	algorithm  Algorithm
	robust     Robust
	rng        *rand.Rand
	logger     *slog.Logger
	events     *EventLog
	trajectory *Trajectory
	store      storage.Store
	metrics    *Metrics

	volatility  int
	step        int
	energy      []float64
	temperature []float64
	fp          []int
	fpEnergies  []float64
	ext         []int

	dataPlus   int
	refPlus    int
	journal    []insertion
	hasPending bool
}

func New(ctx context.Context, cfg Config, deps Deps) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Dynamics == nil || deps.Reference == nil || deps.Calculator == nil {
		return nil, fmt.Errorf("%w: dynamics, reference and calculator are required", ErrConfiguration)
	}
	if deps.Surrogate == nil && deps.NewSurrogate == nil {
		return nil, fmt.Errorf("%w: a surrogate or a surrogate factory is required", ErrConfiguration)
	}
	order, _ := ParseInsertOrder(cfg.InsertOrder)
	algorithm := deps.Algorithm
	if algorithm == nil {
		algorithm, _ = AlgorithmFromName(cfg.Algorithm)
		if r, ok := algorithm.(Robust); ok {
			r.Order = order
			algorithm = r
		}
	}
	rng := deps.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(cfg.Seed))
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	metrics, err := NewMetrics(deps.Registerer)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:        cfg,
		runID:      deps.RunID,
		dyn:        deps.Dynamics,
		reference:  deps.Reference,
		model:      deps.Surrogate,
		calc:       deps.Calculator,
		algorithm:  algorithm,
		robust:     Robust{Order: order},
		rng:        rng,
		logger:     logger.With("run_id", deps.RunID),
		events:     OpenEventLog(cfg.LogFile),
		trajectory: OpenTrajectory(cfg.FPFile),
		store:      deps.Store,
		metrics:    metrics,
		volatility: 2,
	}
	switch {
	case cfg.VolatilityThreshold != nil:
		c.volatility = *cfg.VolatilityThreshold
	case deps.Surrogate != nil:
		c.volatility = -1
	}

	c.Logf("leapfrog says Hello!")
	c.Logf("volatile: %d", c.volatility)
	if err := c.saveRun(ctx); err != nil {
		return nil, err
	}

	if c.model != nil {
		c.Logf("a model is provided with %d data and %d ref(s)", c.model.DataCount(), c.model.InducingCount())
	} else {
		snap, err := c.Snapshot(ctx, false, nil)
		if err != nil {
			return nil, err
		}
		c.model, err = deps.NewSurrogate(ctx, snap, cfg.EDiff)
		if err != nil {
			return nil, fmt.Errorf("initial model: %w", err)
		}
		c.calc.ClearCache()
		data, inducing := c.Sizes()
		c.Logf("update: %t  data: %d  inducing: %d  FP: %d", true, data, inducing, len(c.fp))
		c.Logf("a model is initiated with %d data and %d ref(s)", data, inducing)
	}
	c.metrics.observeSizes(c.Sizes())

	res, err := c.calc.Calculate(ctx, c.Atoms())
	if err != nil {
		return nil, err
	}
	c.energy = []float64{res.Energy}
	c.temperature = []float64{dynamics.Temperature(c.Atoms())}
	return c, nil
}

func (c *Controller) Config() Config { return c.cfg }

func (c *Controller) RunID() string { return c.runID }

func (c *Controller) Atoms() *atoms.Structure { return c.dyn.Atoms() }

func (c *Controller) Model() Surrogate { return c.model }

func (c *Controller) Algorithm() Algorithm { return c.algorithm }

func (c *Controller) Metrics() *Metrics { return c.metrics }

func (c *Controller) Step() int { return c.step }

func (c *Controller) Energies() []float64 { return append([]float64(nil), c.energy...) }

func (c *Controller) Temperatures() []float64 { return append([]float64(nil), c.temperature...) }

func (c *Controller) VolatilityThreshold() int { return c.volatility }

// Volatile reports whether too few extrema have been seen to trust the
// energy landscape.
func (c *Controller) Volatile() bool { return len(c.ext) <= c.volatility }

// Sizes returns the surrogate's data and inducing counts.
func (c *Controller) Sizes() (int, int) {
	return c.model.DataCount(), c.model.InducingCount()
}

// FPNodes returns the steps and energies of every reference evaluation.
func (c *Controller) FPNodes() ([]int, []float64) {
	return append([]int(nil), c.fp...), append([]float64(nil), c.fpEnergies...)
}

// ExtNodes returns the steps of recorded extrema and their energies.
func (c *Controller) ExtNodes() ([]int, []float64) {
	energies := make([]float64, len(c.ext))
	for i, k := range c.ext {
		energies[i] = c.energy[k]
	}
	return append([]int(nil), c.ext...), energies
}

// Threshold is the acceptance threshold for inducing candidates: ediff once
// the model has more than one inducing point, the smallest positive float
// before that.
func (c *Controller) Threshold() float64 {
	if c.model.InducingCount() > 1 {
		return c.cfg.EDiff
	}
	return math.SmallestNonzeroFloat64
}

// Logf appends a line to the event log at the current step.
func (c *Controller) Logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.logger.Debug(msg, "step", c.step)
	if err := c.events.Write(c.step, msg); err != nil {
		c.logger.Warn("event log write failed", "path", c.events.Path(), "error", err)
	}
}

// DecideUpdate reports whether the model should be updated at this step.
func (c *Controller) DecideUpdate(probability float64) bool {
	extremum := false
	if n := len(c.energy); n >= 3 {
		d1 := c.energy[n-1] - c.energy[n-2]
		d2 := c.energy[n-2] - c.energy[n-3]
		if d1*d2 < 0 {
			extremum = true
			if len(c.ext) > 0 && c.step-c.ext[len(c.ext)-1] == 1 {
				extremum = false
			}
		}
	}

	last := 0
	if len(c.fp) > 0 {
		last = c.fp[len(c.fp)-1]
	}
	if extremum {
		c.Logf("extremum")
		c.ext = append(c.ext, c.step)
		c.metrics.Extrema.Inc()
		if !c.Volatile() && c.step-last < c.cfg.Skip {
			c.skip("extremum_within_skip")
			return false
		}
		if c.rng.Float64() < probability {
			return true
		}
		c.skip("probability")
		return false
	}
	if c.Volatile() && ((c.step == 0 && len(c.fp) == 0) || c.step-last > c.cfg.SkipVolatile) {
		return true
	}
	if c.Volatile() {
		c.skip("volatile_within_skip")
	} else {
		c.skip("stable")
	}
	return false
}

func (c *Controller) skip(reason string) {
	c.metrics.Skipped.WithLabelValues(reason).Inc()
	c.logger.Debug("update skipped", "step", c.step, "reason", reason)
}

// UpdateModel runs one update and reports whether the surrogate changed.
// The insertions are journaled for UndoUpdate even when an error aborts the
// update half way.
func (c *Controller) UpdateModel(ctx context.Context) (bool, error) {
	data1, inducing1 := c.Sizes()
	volatile := c.Volatile()
	alg := c.algorithm
	if volatile {
		alg = c.robust
	}
	c.journal = c.journal[:0]
	c.hasPending = true
	runErr := alg.SelectAndInsert(ctx, c)

	data2, inducing2 := c.Sizes()
	c.dataPlus = data2 - data1
	c.refPlus = inducing2 - inducing1
	changed := c.dataPlus > 0 || c.refPlus > 0
	if changed {
		c.calc.ClearCache()
	}
	if runErr != nil {
		return changed, fmt.Errorf("%s update at step %d: %w", alg.Name(), c.step, runErr)
	}
	c.metrics.observeUpdate(changed, data2, inducing2)
	if c.store != nil {
		event := model.UpdateEvent{
			VersionedRecord: storage.CurrentVersion(),
			RunID:           c.runID,
			Step:            c.step,
			Algorithm:       alg.Name(),
			Volatile:        volatile,
			Changed:         changed,
			DataAdded:       c.dataPlus,
			InducingAdded:   c.refPlus,
			DataSize:        data2,
			InducingSize:    inducing2,
			FPCount:         len(c.fp),
		}
		if err := c.store.AppendUpdateEvent(ctx, event); err != nil {
			return changed, fmt.Errorf("store update event: %w", err)
		}
	}
	return changed, nil
}

// UndoUpdate removes what the most recent UpdateModel inserted, newest
// first. It may be called once per update.
func (c *Controller) UndoUpdate() error {
	if !c.hasPending {
		return fmt.Errorf("%w: no update to undo", ErrInconsistentState)
	}
	var data, inducing int
	for _, kind := range c.journal {
		if kind == insertedData {
			data++
		} else {
			inducing++
		}
	}
	if c.dataPlus < 0 || c.refPlus < 0 || data != c.dataPlus || inducing != c.refPlus {
		return fmt.Errorf("%w: journal holds %d data and %d inducing, sizes changed by %d and %d",
			ErrInconsistentState, data, inducing, c.dataPlus, c.refPlus)
	}
	if c.model.DataCount() < data || c.model.InducingCount() < inducing {
		return fmt.Errorf("%w: surrogate holds fewer entries than the update added", ErrInconsistentState)
	}
	c.hasPending = false
	for i := len(c.journal) - 1; i >= 0; i-- {
		var err error
		if c.journal[i] == insertedData {
			err = c.model.PopData()
		} else {
			err = c.model.PopInducing()
		}
		if err != nil {
			c.journal = c.journal[:i+1]
			c.metrics.observeSizes(c.Sizes())
			return fmt.Errorf("undo: %w", err)
		}
	}
	if len(c.journal) > 0 {
		c.calc.ClearCache()
	}
	c.metrics.observeSizes(c.Sizes())
	c.journal = c.journal[:0]
	c.dataPlus, c.refPlus = 0, 0
	return nil
}

// Snapshot labels a copy of the live structure, or of s when given. A fake
// snapshot carries the surrogate's own predictions for that structure; a
// real one evaluates the reference calculator and is recorded as a
// reference node.
func (c *Controller) Snapshot(ctx context.Context, fake bool, s *atoms.Structure) (calculator.Labeled, error) {
	if s == nil {
		s = c.Atoms().Copy()
	}
	if fake {
		c.calc.ClearCache()
		res, err := c.calc.Calculate(ctx, s)
		if err != nil {
			return calculator.Labeled{}, err
		}
		return calculator.Labeled{Structure: s.Copy(), Results: res}, nil
	}
	snap, err := calculator.Snapshot(ctx, c.reference, s)
	if err != nil {
		return calculator.Labeled{}, fmt.Errorf("reference evaluation at step %d: %w", c.step, err)
	}
	c.fp = append(c.fp, c.step)
	c.fpEnergies = append(c.fpEnergies, snap.Results.Energy)
	c.metrics.ReferenceEvaluations.Inc()
	if err := c.recordFP(ctx, snap); err != nil {
		return calculator.Labeled{}, err
	}
	c.Logf("exact energy: %v", snap.Results.Energy)
	return snap, nil
}

// AddStructure offers a labeled structure to the surrogate.
func (c *Controller) AddStructure(ctx context.Context, snap calculator.Labeled) (float64, float64, error) {
	before := c.model.DataCount()
	de, df, err := c.model.AddStructure(ctx, snap, c.cfg.EDiff, c.cfg.ForceThreshold())
	if c.model.DataCount() > before {
		c.journal = append(c.journal, insertedData)
	}
	return de, df, err
}

// AddInducing offers a local environment with acceptance threshold ediff.
func (c *Controller) AddInducing(ctx context.Context, env *atoms.LocalEnv, ediff float64) (float64, error) {
	before := c.model.InducingCount()
	change, err := c.model.AddInducing(ctx, env, ediff)
	if c.model.InducingCount() > before {
		c.journal = append(c.journal, insertedInducing)
	}
	return change, err
}

// PopData removes the most recent datum, which must have been inserted by
// the running update.
func (c *Controller) PopData() error {
	n := len(c.journal)
	if n == 0 || c.journal[n-1] != insertedData {
		return fmt.Errorf("%w: last insertion is not a datum", ErrInconsistentState)
	}
	if err := c.model.PopData(); err != nil {
		return err
	}
	c.journal = c.journal[:n-1]
	return nil
}

func (c *Controller) RescaleVelocities(f float64) error {
	vel := c.Atoms().Velocities()
	for i := range vel {
		vel[i] = vel[i].Scale(f)
	}
	return c.Atoms().SetVelocities(vel)
}

// RescaleCell scales the cell and the atoms with it.
func (c *Controller) RescaleCell(f float64) error {
	return c.Atoms().SetCell(c.Atoms().Cell().Scale(f), true)
}

// StrainAtoms deforms the cell by I+strain, carrying the atoms along.
func (c *Controller) StrainAtoms(strain [3][3]float64) error {
	c.logger.Warn("strain_atoms is not robust")
	return c.Atoms().SetCell(c.Atoms().Cell().Transform(strain), true)
}

func (c *Controller) saveRun(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	s := c.Atoms()
	run := model.RunRecord{
		VersionedRecord:     storage.CurrentVersion(),
		ID:                  c.runID,
		CreatedAtUTC:        time.Now().UTC().Format(time.RFC3339),
		Algorithm:           c.algorithm.Name(),
		EDiff:               c.cfg.EDiff,
		FDiff:               c.cfg.FDiff,
		Skip:                c.cfg.Skip,
		SkipVolatile:        c.cfg.SkipVolatile,
		VolatilityThreshold: c.volatility,
		Seed:                c.cfg.Seed,
		NAtoms:              s.NAtoms(),
		Species:             s.Species(),
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("store run: %w", err)
	}
	return nil
}

func (c *Controller) recordFP(ctx context.Context, snap calculator.Labeled) error {
	record := model.FPRecord{
		VersionedRecord: storage.CurrentVersion(),
		RunID:           c.runID,
		Step:            c.step,
		Energy:          snap.Results.Energy,
		Forces:          toArrays(snap.Results.Forces),
		Positions:       toArrays(snap.Structure.Positions()),
		Numbers:         snap.Structure.Numbers(),
		Cell:            snap.Structure.Cell().Array(),
	}
	if err := c.trajectory.Append(record); err != nil {
		return err
	}
	if c.store != nil {
		if err := c.store.AppendFPRecord(ctx, record); err != nil {
			return fmt.Errorf("store fp record: %w", err)
		}
	}
	return nil
}

// SaveModel persists a summary of the current surrogate when a store is
// configured.
func (c *Controller) SaveModel(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	snapshot := model.ModelSnapshot{
		VersionedRecord: storage.CurrentVersion(),
		RunID:           c.runID,
		DataCount:       c.model.DataCount(),
		InducingCount:   c.model.InducingCount(),
	}
	if w, ok := c.model.(weighted); ok {
		snapshot.Weights = w.Weights()
	}
	if err := c.store.SaveModelSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("store model snapshot: %w", err)
	}
	return nil
}

func toArrays(vs []atoms.Vec3) [][3]float64 {
	out := make([][3]float64, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}
