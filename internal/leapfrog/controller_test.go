package leapfrog

import (
	"bufio"
	"context"
	"errors"
	"math"
	"os"
	"regexp"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoforce/internal/atoms"
	"autoforce/internal/calculator"
	"autoforce/internal/storage"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

// message strips the timestamp and returns "<step> <message>".
func message(line string) string {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 {
		return line
	}
	return parts[2]
}

func messages(t *testing.T, path string) []string {
	t.Helper()
	var out []string
	for _, line := range readLines(t, path) {
		out = append(out, message(line))
	}
	return out
}

func TestNewRequiresCollaborators(t *testing.T) {
	f := newFixture(t, linear)
	_, err := New(context.Background(), f.cfg, Deps{Dynamics: f.dyn})
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = New(context.Background(), f.cfg, f.deps())
	require.ErrorIs(t, err, ErrConfiguration)

	bad := f.cfg
	bad.Algorithm = "slowest"
	deps := f.deps()
	deps.Surrogate = f.surrogate
	_, err = New(context.Background(), bad, deps)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestConstructorWithProvidedModel(t *testing.T) {
	f := newFixture(t, linear)
	c := f.withModel(t)

	assert.Equal(t, -1, c.VolatilityThreshold())
	assert.False(t, c.Volatile())
	assert.Equal(t, 0, f.reference.calls)
	assert.Equal(t, []float64{0}, c.Energies())
	assert.Len(t, c.Temperatures(), 1)
	assert.Equal(t, []string{
		"0 leapfrog says Hello!",
		"0 volatile: -1",
		"0 a model is provided with 1 data and 2 ref(s)",
	}, messages(t, f.cfg.LogFile))
}

func TestConstructorBuildsInitialModel(t *testing.T) {
	f := newFixture(t, linear)
	require.NoError(t, os.WriteFile(f.cfg.LogFile, []byte("stale line\n"), 0o644))
	c := f.fresh(t)

	assert.Equal(t, 2, c.VolatilityThreshold())
	assert.True(t, c.Volatile())
	steps, energies := c.FPNodes()
	assert.Equal(t, []int{0}, steps)
	assert.Equal(t, []float64{-1.01}, energies)

	lines := readLines(t, f.cfg.LogFile)
	stamp := regexp.MustCompile(`^\d{2}/\d{2}/\d{4} \d{2}:\d{2}:\d{2} `)
	for _, line := range lines {
		assert.Regexp(t, stamp, line)
	}
	assert.Equal(t, []string{
		"0 leapfrog says Hello!",
		"0 volatile: 2",
		"0 exact energy: -1.01",
		"0 update: true  data: 1  inducing: 2  FP: 1",
		"0 a model is initiated with 1 data and 2 ref(s)",
	}, messages(t, f.cfg.LogFile))
}

func TestVolatilityThresholdOverride(t *testing.T) {
	f := newFixture(t, linear)
	threshold := 0
	f.cfg.VolatilityThreshold = &threshold
	c := f.withModel(t)
	assert.Equal(t, 0, c.VolatilityThreshold())
	assert.True(t, c.Volatile())
	c.ext = []int{3}
	assert.False(t, c.Volatile())
}

func TestVolatileUntilThresholdExceeded(t *testing.T) {
	f := newFixture(t, linear)
	c := f.fresh(t)

	c.ext = []int{2, 5}
	assert.True(t, c.Volatile())
	c.ext = []int{2, 5, 9}
	assert.False(t, c.Volatile())
}

func TestDecideUpdateSuppressesAdjacentExtremum(t *testing.T) {
	f := newFixture(t, linear)
	f.cfg.Skip = 0
	c := f.withModel(t)

	c.energy = []float64{1, 2, 1}
	c.step = 2
	assert.True(t, c.DecideUpdate(1))
	steps, energies := c.ExtNodes()
	assert.Equal(t, []int{2}, steps)
	assert.Equal(t, []float64{1}, energies)

	c.energy = []float64{1, 2, 1, 2}
	c.step = 3
	assert.False(t, c.DecideUpdate(1))
	steps, _ = c.ExtNodes()
	assert.Equal(t, []int{2}, steps)
}

func TestDecideUpdateHonoursSkipWhenStable(t *testing.T) {
	f := newFixture(t, linear)
	c := f.withModel(t)

	c.energy = []float64{1, 2, 1}
	c.step = 2
	assert.False(t, c.DecideUpdate(1), "extremum inside the skip window")
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.Skipped.WithLabelValues("extremum_within_skip")))

	c.energy = []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 11}
	c.step = 12
	assert.True(t, c.DecideUpdate(1))
	c.energy = append(c.energy, 10, 11)
	c.step = 14
	assert.False(t, c.DecideUpdate(0), "probability zero never updates")
}

func TestDecideUpdateWhileVolatile(t *testing.T) {
	f := newFixture(t, linear)
	threshold := 2
	f.cfg.VolatilityThreshold = &threshold
	c := f.withModel(t)

	assert.True(t, c.DecideUpdate(1), "first step without reference data")
	c.fp = []int{0}
	c.energy = []float64{0, 1, 2, 3}
	for step, want := range map[int]bool{1: false, 3: false, 4: true, 7: true} {
		c.step = step
		assert.Equal(t, want, c.DecideUpdate(1), "step %d", step)
	}
	// an extremum while volatile ignores skip
	c.energy = []float64{0, 1, 0}
	c.step = 2
	assert.True(t, c.DecideUpdate(1))
}

func TestRunVolatileRobustEndToEnd(t *testing.T) {
	f := newFixture(t, linear)
	f.cfg.EDiff = 0.1
	f.cfg.SkipVolatile = 3
	c := f.fresh(t)

	require.NoError(t, c.Run(context.Background(), 10, 1))
	assert.Equal(t, 10, c.Step())
	assert.Len(t, c.Energies(), 11)
	steps, _ := c.FPNodes()
	assert.Equal(t, []int{0, 4, 8}, steps)
	data, inducing := c.Sizes()
	assert.Equal(t, 3, data)
	assert.Equal(t, 8, inducing)

	msgs := messages(t, f.cfg.LogFile)
	assert.Contains(t, msgs, "4 updating ...")
	assert.Contains(t, msgs, "4 update: true  data: 2  inducing: 5  FP: 2")
	assert.Contains(t, msgs, "8 update: true  data: 3  inducing: 8  FP: 3")
	assert.Contains(t, msgs, "10 -1 0")

	records, err := ReadTrajectory(f.cfg.FPFile)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, 8, records[2].Step)
	assert.Equal(t, "run-test", records[2].RunID)
	assert.Equal(t, []int{1, 8, 1}, records[0].Numbers)
}

func TestFastWithoutModelForcesOnlyAtStartExtremaAndGaps(t *testing.T) {
	// a dip at step 1 makes step 2 an extremum; energies rise afterwards
	f := newFixture(t, func(step int) float64 {
		if step == 1 {
			return -1
		}
		return float64(step)
	})
	f.cfg.Algorithm = "fast"
	f.cfg.EDiff = 0.1
	f.cfg.SkipVolatile = 3
	c := f.fresh(t)

	assert.Equal(t, "fast", c.Algorithm().Name())
	assert.True(t, c.Volatile())
	fp, _ := c.FPNodes()
	assert.Equal(t, []int{0}, fp, "the initial model is the update at step 0")
	assert.Contains(t, messages(t, f.cfg.LogFile), "0 update: true  data: 1  inducing: 2  FP: 1")

	require.NoError(t, c.Run(context.Background(), 7, 1))
	fp, _ = c.FPNodes()
	assert.Equal(t, []int{0, 2, 6}, fp)
	ext, _ := c.ExtNodes()
	assert.Equal(t, []int{2}, ext)

	var updating []string
	for _, msg := range messages(t, f.cfg.LogFile) {
		if strings.HasSuffix(msg, " updating ...") {
			updating = append(updating, msg)
		}
	}
	assert.Equal(t, []string{"2 updating ...", "6 updating ..."}, updating)
}

func TestRunFastWhenStable(t *testing.T) {
	f := newFixture(t, alternating)
	f.cfg.EDiff = 0.1
	c := f.withModel(t)

	require.NoError(t, c.Run(context.Background(), 12, 1))
	steps, _ := c.ExtNodes()
	assert.Equal(t, []int{2, 4, 6, 8, 10}, steps)
	fp, _ := c.FPNodes()
	assert.Equal(t, []int{10}, fp)
	data, inducing := c.Sizes()
	assert.Equal(t, 2, data)
	assert.Equal(t, 5, inducing)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.Updates.WithLabelValues("true")))
}

func TestRunRejectsNonPositiveSteps(t *testing.T) {
	f := newFixture(t, linear)
	c := f.withModel(t)
	require.ErrorIs(t, c.Run(context.Background(), 0, 1), ErrConfiguration)
	_, err := c.RunUpdates(context.Background(), 0, 1)
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = c.RunUpdates(context.Background(), 1, 0)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t, linear)
	c := f.withModel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.Run(ctx, 5, 1), context.Canceled)
}

func TestRunWithoutProbabilityNeverUpdates(t *testing.T) {
	f := newFixture(t, alternating)
	f.cfg.Skip = 0
	c := f.withModel(t)
	require.NoError(t, c.Run(context.Background(), 8, 0))
	fp, _ := c.FPNodes()
	assert.Empty(t, fp)
	ext, _ := c.ExtNodes()
	assert.Empty(t, ext, "decisions are not consulted with probability zero")
}

func TestRunUpdatesCountsUpdatesWithoutGrowth(t *testing.T) {
	f := newFixture(t, linear)
	f.surrogate.de = 0
	f.surrogate.change = func(*atoms.LocalEnv) float64 { return 0 }
	c := f.fresh(t)

	res, err := c.RunUpdates(context.Background(), 2, 1)
	require.NoError(t, err)
	// updates happen at steps 4 and 8; the step after the second one ends the loop
	assert.Equal(t, 2, res.Updates)
	assert.Equal(t, 9, res.Steps)
	assert.Equal(t, 4.5, res.StepsPerUpdate)
	assert.InDelta(t, -0.5, res.MeanEnergy, 1e-12)
	assert.Zero(t, res.MeanTemperature)
	assert.False(t, res.HasStress)
	data, inducing := c.Sizes()
	assert.Equal(t, 1, data)
	assert.Equal(t, 2, inducing)
	fp, _ := c.FPNodes()
	assert.Equal(t, []int{0, 4, 8}, fp)
	msgs := messages(t, f.cfg.LogFile)
	assert.Contains(t, msgs, "4 update: false  data: 1  inducing: 2  FP: 2")
	assert.Contains(t, msgs, "8 update: false  data: 1  inducing: 2  FP: 3")

	found := false
	for _, msg := range messages(t, f.cfg.LogFile) {
		if strings.HasPrefix(msg, "9 steps per update: 4.5, energy: ") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestUpdateModelUnchangedKeepsCache(t *testing.T) {
	f := newFixture(t, linear)
	f.surrogate.change = func(*atoms.LocalEnv) float64 { return 0.01 }
	c := f.withModel(t)
	clears := f.calc.clears

	changed, err := c.UpdateModel(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, clears, f.calc.clears)
	assert.Equal(t, 0, f.reference.calls)
	require.NoError(t, c.UndoUpdate())
}

func TestFakeSnapshotLabelsGivenStructure(t *testing.T) {
	f := newFixture(t, linear)
	c := f.withModel(t)
	dimer, err := atoms.New(atoms.Config{
		Numbers:   []int{1, 1},
		Positions: []atoms.Vec3{{0, 0, 0}, {0.8, 0, 0}},
		Cutoff:    3,
	})
	require.NoError(t, err)

	snap, err := c.Snapshot(context.Background(), true, dimer)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Structure.NAtoms())
	assert.Len(t, snap.Results.Forces, 2, "predictions belong to the labeled structure")
	assert.Equal(t, 0, f.reference.calls)
	fp, _ := c.FPNodes()
	assert.Empty(t, fp)
}

func TestUndoUpdateIsLeftInverse(t *testing.T) {
	for _, tc := range []struct {
		order string
		pops  []string
	}{
		{order: "data_first", pops: []string{"inducing", "inducing", "inducing", "data"}},
		{order: "data_last", pops: []string{"data", "inducing", "inducing", "inducing"}},
	} {
		t.Run(tc.order, func(t *testing.T) {
			f := newFixture(t, linear)
			f.cfg.Algorithm = "robust"
			f.cfg.InsertOrder = tc.order
			c := f.withModel(t)
			data0, inducing0 := c.Sizes()

			changed, err := c.UpdateModel(context.Background())
			require.NoError(t, err)
			require.True(t, changed)
			data1, inducing1 := c.Sizes()
			assert.Equal(t, data0+1, data1)
			assert.Equal(t, inducing0+3, inducing1)
			assert.Equal(t, float64(inducing1), testutil.ToFloat64(c.metrics.InducingSize))

			clears := f.calc.clears
			require.NoError(t, c.UndoUpdate())
			data2, inducing2 := c.Sizes()
			assert.Equal(t, data0, data2)
			assert.Equal(t, inducing0, inducing2)
			assert.Equal(t, tc.pops, f.surrogate.pops)
			assert.Greater(t, f.calc.clears, clears)
			assert.Equal(t, float64(data0), testutil.ToFloat64(c.metrics.DataSize))
			assert.Equal(t, float64(inducing0), testutil.ToFloat64(c.metrics.InducingSize))

			require.ErrorIs(t, c.UndoUpdate(), ErrInconsistentState)
		})
	}
}

func TestUndoUpdateDetectsExternalRemoval(t *testing.T) {
	f := newFixture(t, linear)
	f.cfg.Algorithm = "robust"
	c := f.withModel(t)
	require.ErrorIs(t, c.UndoUpdate(), ErrInconsistentState, "nothing to undo yet")

	_, err := c.UpdateModel(context.Background())
	require.NoError(t, err)
	f.surrogate.data = nil
	require.ErrorIs(t, c.UndoUpdate(), ErrInconsistentState)
}

func TestReferenceFailureAbortsRun(t *testing.T) {
	f := newFixture(t, linear)
	threshold := 2
	f.cfg.VolatilityThreshold = &threshold
	c := f.withModel(t)
	boom := errors.New("reference exploded")
	f.reference.err = boom

	err := c.Run(context.Background(), 3, 1)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, messages(t, f.cfg.LogFile), "0 updating ...")
	assert.Equal(t, 0, c.Step())
}

func TestControllerPersistsToStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Init(ctx))
	reg := prometheus.NewRegistry()

	f := newFixture(t, linear)
	deps := f.deps()
	deps.Store = store
	deps.Registerer = reg
	deps.NewSurrogate = func(_ context.Context, snap calculator.Labeled, _ float64) (Surrogate, error) {
		f.surrogate.data = append(f.surrogate.data, snap)
		envs, _ := snap.Structure.LocalEnvs()
		f.surrogate.inducing = envs[:2]
		return f.surrogate, nil
	}
	c, err := New(ctx, f.cfg, deps)
	require.NoError(t, err)
	require.NoError(t, c.Run(ctx, 6, 1))

	run, ok, err := store.GetRun(ctx, "run-test")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fast", run.Algorithm)
	assert.Equal(t, 3, run.NAtoms)
	assert.Equal(t, []int{1, 8}, run.Species)
	assert.Nil(t, run.FDiff)

	fps, ok, err := store.GetFPRecords(ctx, "run-test")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, fps, 2)

	events, ok, err := store.GetUpdateEvents(ctx, "run-test")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, 4, events[0].Step)
	assert.True(t, events[0].Volatile)
	assert.Equal(t, "robust", events[0].Algorithm)

	snapshot, ok, err := store.GetModelSnapshot(ctx, "run-test")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, snapshot.InducingCount)
	assert.Len(t, snapshot.Weights, 5)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.Metrics().ReferenceEvaluations))
	assert.Equal(t, float64(5), testutil.ToFloat64(c.Metrics().InducingSize))
}

func TestRescaleHelpers(t *testing.T) {
	f := newFixture(t, linear)
	c := f.withModel(t)
	require.NoError(t, c.Atoms().SetVelocities([]atoms.Vec3{{1, 0, 0}, {0, 2, 0}, {0, 0, 3}}))

	require.NoError(t, c.RescaleVelocities(0.5))
	assert.Equal(t, []atoms.Vec3{{0.5, 0, 0}, {0, 1, 0}, {0, 0, 1.5}}, c.Atoms().Velocities())
}

func TestCellHelpersScaleAtoms(t *testing.T) {
	dyn := &fakeDynamics{}
	s, err := atoms.New(atoms.Config{
		Numbers:   []int{18, 18},
		Positions: []atoms.Vec3{{1, 1, 1}, {5, 5, 5}},
		Cell:      atoms.Cell{{10, 0, 0}, {0, 10, 0}, {0, 0, 10}},
		PBC:       [3]bool{true, true, true},
		Cutoff:    4,
	})
	require.NoError(t, err)
	dyn.s = s
	f := newFixture(t, linear)
	f.dyn = dyn
	f.calc.dyn = dyn
	c := f.withModel(t)

	require.NoError(t, c.RescaleCell(1.1))
	assert.InDelta(t, 1331, c.Atoms().Volume(), 1e-9)
	assert.InDelta(t, 5.5, c.Atoms().Positions()[1][0], 1e-12)

	var strain [3][3]float64
	strain[0][0] = 0.1
	require.NoError(t, c.StrainAtoms(strain))
	assert.InDelta(t, 12.1, c.Atoms().Cell()[0][0], 1e-12)
	assert.InDelta(t, 6.05, c.Atoms().Positions()[1][0], 1e-12)
	assert.False(t, math.IsNaN(c.Atoms().Positions()[0][0]))
}
