package autoforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"autoforce/internal/calculator"
	"autoforce/internal/dynamics"
	"autoforce/internal/kern"
	"autoforce/internal/leapfrog"
	"autoforce/internal/model"
	"autoforce/internal/similarity"
	"autoforce/internal/stats"
	"autoforce/internal/storage"
	"autoforce/internal/surrogate"
)

const (
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
	defaultDBPath     = "autoforce.db"
)

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

type Client struct {
	store       storage.Store
	initialized bool
	logger      *slog.Logger
	registerer  prometheus.Registerer

	runsDir    string
	exportsDir string
}

// ReferenceSpec names the reference calculator and its parameters.
// lennard_jones takes epsilon, sigma and rc; morse takes depth, alpha, r0
// and rc. rc defaults to the structure cutoff.
type ReferenceSpec struct {
	Name   string             `json:"name" yaml:"name"`
	Params map[string]float64 `json:"params,omitempty" yaml:"params,omitempty"`
}

// KernelSpec selects the base kernel from the kern registry and the pair
// descriptor applied per species pair.
type KernelSpec struct {
	Name       string             `json:"name" yaml:"name"`
	Params     map[string]float64 `json:"params,omitempty" yaml:"params,omitempty"`
	Descriptor string             `json:"descriptor,omitempty" yaml:"descriptor,omitempty"`
}

type RunRequest struct {
	Structure *Structure
	// StructurePath is recorded in the run config only.
	StructurePath string
	// ConfigPath is a leapfrog YAML/JSON config; the fields below override it
	// when set. Nil pointers keep the file or default value, so zero can be
	// requested explicitly.
	ConfigPath          string
	Algorithm           string
	EDiff               *float64
	FDiff               *float64
	Skip                *int
	SkipVolatile        *int
	VolatilityThreshold *int
	InsertOrder         string
	Seed                *int64

	Steps   int
	Updates int
	// Probability of an update at an extremum; nil means 1.
	Probability *float64
	TimestepFS  float64
	Temperature float64
	// BerendsenTau enables weak coupling to Temperature when > 0 (fs).
	BerendsenTau float64

	Reference ReferenceSpec
	Kernel    KernelSpec
}

type RunSummary struct {
	RunID           string
	ArtifactsDir    string
	Algorithm       string
	Steps           int
	Updates         int
	StepsPerUpdate  float64
	MeanEnergy      float64
	EnergyStd       float64
	MinEnergy       float64
	MaxEnergy       float64
	MeanTemperature float64
	MeanStress      *[6]float64
	DataCount       int
	InducingCount   int
	FPCount         int
	Elapsed         time.Duration
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID         string
	CreatedAtUTC  string
	Algorithm     string
	NAtoms        int
	Steps         int
	DataCount     int
	InducingCount int
	FPCount       int
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type FPRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type FPItem struct {
	Step     int
	Energy   float64
	MaxForce float64
	NAtoms   int
}

type UpdatesRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:      store,
		logger:     logger,
		registerer: opts.Registerer,
		runsDir:    runsDir,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	if err := os.MkdirAll(c.runsDir, 0o755); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

// Kernels lists the registered base kernel names.
func (c *Client) Kernels() []string {
	return kern.List()
}

func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	if req.Steps <= 0 && req.Updates <= 0 {
		req.Steps = 100
	}
	if req.Steps > 0 && req.Updates > 0 {
		return RunSummary{}, errors.New("use either steps or updates")
	}
	probability := 1.0
	if req.Probability != nil {
		probability = *req.Probability
	}
	if probability < 0 || probability > 1 || math.IsNaN(probability) {
		return RunSummary{}, fmt.Errorf("probability must be within [0, 1], got %g", probability)
	}
	if req.TimestepFS <= 0 {
		req.TimestepFS = 2
	}
	if req.Temperature < 0 {
		return RunSummary{}, errors.New("temperature must be >= 0")
	}
	if req.Structure == nil {
		fcc, err := FCC(18, 5.26, 2, 5)
		if err != nil {
			return RunSummary{}, err
		}
		req.Structure = &fcc
	}
	if req.Reference.Name == "" {
		req.Reference.Name = "lennard_jones"
	}
	if req.Kernel.Name == "" {
		req.Kernel.Name = "squared_exp"
		if req.Kernel.Params == nil {
			req.Kernel.Params = map[string]float64{"length_scale": 0.5}
		}
	}
	if req.Kernel.Descriptor == "" {
		req.Kernel.Descriptor = "distance"
	}
	cfg, err := leapfrogConfig(req)
	if err != nil {
		return RunSummary{}, err
	}
	if err := c.Init(ctx); err != nil {
		return RunSummary{}, err
	}

	s, err := req.Structure.build()
	if err != nil {
		return RunSummary{}, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	if err := dynamics.MaxwellBoltzmann(s, req.Temperature, rng); err != nil {
		return RunSummary{}, err
	}
	reference, err := referenceFromSpec(req.Reference, s.Cutoff())
	if err != nil {
		return RunSummary{}, err
	}
	kernel, err := kernelFromSpec(req.Kernel, s.Species())
	if err != nil {
		return RunSummary{}, err
	}

	start := time.Now()
	runID := uuid.NewString()
	cfg.LogFile = stats.EventLogPath(c.runsDir, runID)
	cfg.FPFile = stats.FPPath(c.runsDir, runID)
	if err := os.MkdirAll(stats.RunDir(c.runsDir, runID), 0o755); err != nil {
		return RunSummary{}, err
	}

	calc := surrogate.NewCalculator(nil)
	var opts []dynamics.Option
	if req.BerendsenTau > 0 {
		opts = append(opts, dynamics.WithBerendsen(req.Temperature, req.BerendsenTau))
	}
	md, err := dynamics.NewVelocityVerlet(s, calc, req.TimestepFS, opts...)
	if err != nil {
		return RunSummary{}, err
	}
	logger := c.logger.With("run_id", runID)
	ctl, err := leapfrog.New(ctx, cfg, leapfrog.Deps{
		RunID:     runID,
		Dynamics:  md,
		Reference: reference,
		NewSurrogate: func(ctx context.Context, snap calculator.Labeled, ediff float64) (leapfrog.Surrogate, error) {
			p, err := surrogate.New(kernel, surrogate.DefaultOptions())
			if err != nil {
				return nil, err
			}
			if err := surrogate.InitialModel(ctx, p, snap, ediff); err != nil {
				return nil, err
			}
			calc.SetPotential(p)
			return p, nil
		},
		Calculator: calc,
		Logger:     c.logger,
		Store:      c.store,
		Registerer: c.registerer,
		Rand:       rng,
	})
	if err != nil {
		return RunSummary{}, err
	}
	logger.Info("run started", "algorithm", ctl.Algorithm().Name(), "natoms", s.NAtoms(), "steps", req.Steps, "updates", req.Updates)

	var updates int
	var meanStress *[6]float64
	if req.Updates > 0 {
		res, err := ctl.RunUpdates(ctx, req.Updates, probability)
		if err != nil {
			return RunSummary{}, err
		}
		updates = res.Updates
		if res.HasStress {
			stress := res.MeanStress
			meanStress = &stress
		}
	} else if err := ctl.Run(ctx, req.Steps, probability); err != nil {
		return RunSummary{}, err
	}

	energies := ctl.Energies()
	temperatures := ctl.Temperatures()
	series := make([]stats.SeriesPoint, len(energies))
	for i := range energies {
		series[i] = stats.SeriesPoint{Step: i, Energy: energies[i], Temperature: temperatures[i]}
	}
	fpSteps, fpEnergies := ctl.FPNodes()
	extSteps, extEnergies := ctl.ExtNodes()
	data, inducing := ctl.Sizes()
	steps := ctl.Step()
	lo, hi := stats.MinMax(energies)
	summary := RunSummary{
		RunID:           runID,
		Algorithm:       ctl.Algorithm().Name(),
		Steps:           steps,
		Updates:         updates,
		MeanEnergy:      stats.Mean(energies),
		EnergyStd:       stats.Std(energies),
		MinEnergy:       lo,
		MaxEnergy:       hi,
		MeanTemperature: stats.Mean(temperatures),
		MeanStress:      meanStress,
		DataCount:       data,
		InducingCount:   inducing,
		FPCount:         len(fpSteps),
	}
	if updates > 0 {
		summary.StepsPerUpdate = float64(steps) / float64(updates)
	}

	runConfig := stats.RunConfig{
		RunID:               runID,
		StructurePath:       req.StructurePath,
		Algorithm:           summary.Algorithm,
		EDiff:               cfg.EDiff,
		FDiff:               cfg.FDiff,
		Skip:                cfg.Skip,
		SkipVolatile:        cfg.SkipVolatile,
		VolatilityThreshold: cfg.VolatilityThreshold,
		InsertOrder:         cfg.InsertOrder,
		Seed:                cfg.Seed,
		Steps:               req.Steps,
		Updates:             req.Updates,
		Probability:         probability,
		TimestepFS:          req.TimestepFS,
		Temperature:         req.Temperature,
		Reference:           reference.Name(),
		Kernel:              kernel.Name(),
	}
	runDir, err := stats.WriteRunArtifacts(c.runsDir, stats.RunArtifacts{
		Config: runConfig,
		Series: series,
		Nodes: stats.Nodes{
			FPSteps:     fpSteps,
			FPEnergies:  fpEnergies,
			ExtSteps:    extSteps,
			ExtEnergies: extEnergies,
		},
		Summary: stats.RunSummary{
			Steps:           summary.Steps,
			Updates:         summary.Updates,
			StepsPerUpdate:  summary.StepsPerUpdate,
			MeanEnergy:      summary.MeanEnergy,
			MeanTemperature: summary.MeanTemperature,
			MeanStress:      summary.MeanStress,
			DataCount:       data,
			InducingCount:   inducing,
			FPCount:         summary.FPCount,
		},
	})
	if err != nil {
		return RunSummary{}, err
	}
	if err := stats.AppendRunIndex(c.runsDir, stats.RunIndexEntry{
		RunID:         runID,
		Algorithm:     summary.Algorithm,
		NAtoms:        s.NAtoms(),
		Steps:         steps,
		DataCount:     data,
		InducingCount: inducing,
		FPCount:       summary.FPCount,
		CreatedAtUTC:  start.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return RunSummary{}, err
	}

	summary.ArtifactsDir = filepath.Clean(runDir)
	summary.Elapsed = time.Since(start)
	logger.Info("run finished", "steps", steps, "fp", summary.FPCount, "data", data, "inducing", inducing, "elapsed", summary.Elapsed)
	return summary, nil
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:         e.RunID,
			CreatedAtUTC:  e.CreatedAtUTC,
			Algorithm:     e.Algorithm,
			NAtoms:        e.NAtoms,
			Steps:         e.Steps,
			DataCount:     e.DataCount,
			InducingCount: e.InducingCount,
			FPCount:       e.FPCount,
		})
	}
	return out, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, err
	}

	exportedDir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// FP lists the reference evaluations of a run, from the store when it holds
// them and from the run's trajectory file otherwise.
func (c *Client) FP(ctx context.Context, req FPRequest) ([]FPItem, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	records, ok, err := c.store.GetFPRecords(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		records, err = leapfrog.ReadTrajectory(stats.FPPath(c.runsDir, runID))
		if err != nil {
			return nil, fmt.Errorf("fp records for run %s: %w", runID, err)
		}
	}
	if req.Limit > 0 && len(records) > req.Limit {
		records = records[:req.Limit]
	}

	out := make([]FPItem, 0, len(records))
	for _, r := range records {
		out = append(out, FPItem{
			Step:     r.Step,
			Energy:   r.Energy,
			MaxForce: maxForce(r.Forces),
			NAtoms:   len(r.Numbers),
		})
	}
	return out, nil
}

// Updates lists the persisted update events of a run.
func (c *Client) Updates(ctx context.Context, req UpdatesRequest) ([]model.UpdateEvent, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	events, ok, err := c.store.GetUpdateEvents(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("update events not found for run %s", runID)
	}
	if req.Limit > 0 && len(events) > req.Limit {
		events = events[:req.Limit]
	}
	return events, nil
}

func (c *Client) resolveRunID(runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if runID == "" && !latest {
		return "", errors.New("run id or latest is required")
	}
	if !latest {
		return runID, nil
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

func leapfrogConfig(req RunRequest) (leapfrog.Config, error) {
	cfg := leapfrog.DefaultConfig()
	if req.ConfigPath != "" {
		loaded, err := leapfrog.LoadConfig(req.ConfigPath)
		if err != nil {
			return leapfrog.Config{}, err
		}
		cfg = loaded
	}
	if req.Algorithm != "" {
		cfg.Algorithm = req.Algorithm
	}
	if req.EDiff != nil {
		cfg.EDiff = *req.EDiff
	}
	if req.FDiff != nil {
		cfg.FDiff = req.FDiff
	}
	if req.Skip != nil {
		cfg.Skip = *req.Skip
	}
	if req.SkipVolatile != nil {
		cfg.SkipVolatile = *req.SkipVolatile
	}
	if req.VolatilityThreshold != nil {
		cfg.VolatilityThreshold = req.VolatilityThreshold
	}
	if req.InsertOrder != "" {
		cfg.InsertOrder = req.InsertOrder
	}
	if req.Seed != nil {
		cfg.Seed = *req.Seed
	}
	if err := cfg.Validate(); err != nil {
		return leapfrog.Config{}, err
	}
	return cfg, nil
}

func referenceFromSpec(spec ReferenceSpec, cutoff float64) (calculator.Calculator, error) {
	param := func(key string, fallback float64) float64 {
		if v, ok := spec.Params[key]; ok {
			return v
		}
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(spec.Name)) {
	case "lennard_jones", "lj":
		return calculator.NewLennardJones(param("epsilon", 0.0104), param("sigma", 3.4), param("rc", cutoff))
	case "morse":
		return calculator.NewMorse(param("depth", 0.0103), param("alpha", 1.31), param("r0", 3.82), param("rc", cutoff))
	default:
		return nil, fmt.Errorf("unsupported reference calculator: %s", spec.Name)
	}
}

func kernelFromSpec(spec KernelSpec, species []int) (similarity.Kernel, error) {
	base, err := kern.NewProduct(strings.Split(spec.Name, "*"), kern.Params(spec.Params))
	if err != nil {
		return nil, err
	}
	var build func(a, b int, k kern.Function) similarity.Kernel
	switch strings.ToLower(strings.TrimSpace(spec.Descriptor)) {
	case "", "distance":
		build = func(a, b int, k kern.Function) similarity.Kernel { return similarity.NewDistanceSimilarity(a, b, k) }
	case "log_distance":
		build = func(a, b int, k kern.Function) similarity.Kernel { return similarity.NewLogDistanceSimilarity(a, b, k) }
	case "coulomb":
		build = func(a, b int, k kern.Function) similarity.Kernel { return similarity.NewCoulombSimilarity(a, b, k) }
	case "repulsive_core":
		eta := 1.0
		if v, ok := spec.Params["eta"]; ok {
			eta = v
		}
		build = func(a, b int, k kern.Function) similarity.Kernel {
			return similarity.NewRepulsiveCoreSimilarity(a, b, k, eta)
		}
	default:
		return nil, fmt.Errorf("unsupported descriptor: %s", spec.Descriptor)
	}
	return similarity.ForSpecies(species, base, build), nil
}

func maxForce(forces [][3]float64) float64 {
	out := 0.0
	for _, f := range forces {
		out = math.Max(out, math.Sqrt(f[0]*f[0]+f[1]*f[1]+f[2]*f[2]))
	}
	return out
}
