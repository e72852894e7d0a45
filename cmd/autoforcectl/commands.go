package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"autoforce/internal/storage"
	"autoforce/pkg/autoforce"
)

type globalOptions struct {
	storeKind  string
	dbPath     string
	runsDir    string
	exportsDir string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "autoforcectl",
		Short:         "On-the-fly learning of interatomic potentials",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.storeKind, "store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	flags.StringVar(&opts.dbPath, "db-path", "autoforce.db", "sqlite database path")
	flags.StringVar(&opts.runsDir, "runs-dir", "runs", "directory holding run artifacts")
	flags.StringVar(&opts.exportsDir, "exports-dir", "exports", "default export directory")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	flags.StringVar(&opts.logFormat, "log-format", "auto", "log format: auto|text|json")

	root.AddCommand(
		newInitCmd(opts),
		newRunCmd(opts, false),
		newRunCmd(opts, true),
		newRunsCmd(opts),
		newFPCmd(opts),
		newEventsCmd(opts),
		newExportCmd(opts),
		newKernelsCmd(opts),
	)
	return root
}

func (o *globalOptions) client(cmd *cobra.Command) (*autoforce.Client, error) {
	logger, err := newLogger(cmd.ErrOrStderr(), o.logLevel, o.logFormat)
	if err != nil {
		return nil, err
	}
	return autoforce.New(autoforce.Options{
		StoreKind:  o.storeKind,
		DBPath:     o.dbPath,
		RunsDir:    o.runsDir,
		ExportsDir: o.exportsDir,
		Logger:     logger,
	})
}

func newInitCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialise the store and the runs directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.Init(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized store=%s runs=%s\n", opts.storeKind, opts.runsDir)
			return nil
		},
	}
}

type runFlags struct {
	config       string
	structure    string
	element      int
	lattice      float64
	repeat       int
	cutoff       float64
	algorithm    string
	ediff        float64
	fdiff        float64
	skip         int
	skipVolatile int
	volatility   int
	insertOrder  string
	seed         int64
	count        int
	probability  float64
	timestep     float64
	temperature  float64
	tau          float64
	reference    string
	params       map[string]string
	kernel       string
	kernelParams map[string]string
	descriptor   string
}

// newRunCmd builds "run", which advances a fixed number of steps, or
// "updates", which runs until a number of model updates were performed.
func newRunCmd(opts *globalOptions, byUpdates bool) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run molecular dynamics with on-the-fly learning for a number of steps",
		Args:  cobra.NoArgs,
	}
	countHelp := "number of dynamics steps"
	if byUpdates {
		cmd.Use = "updates"
		cmd.Short = "Run molecular dynamics with on-the-fly learning until a number of model updates"
		countHelp = "number of model updates"
	}
	fl := cmd.Flags()
	fl.StringVar(&f.config, "config", "", "leapfrog config file (yaml or json)")
	fl.StringVar(&f.structure, "structure", "", "structure file (yaml or json); an fcc crystal is built when empty")
	fl.IntVar(&f.element, "element", 18, "atomic number of the generated fcc crystal")
	fl.Float64Var(&f.lattice, "lattice", 5.26, "lattice constant of the generated fcc crystal (Å)")
	fl.IntVar(&f.repeat, "repeat", 2, "conventional cells per side of the generated fcc crystal")
	fl.Float64Var(&f.cutoff, "cutoff", 5, "neighbor cutoff of the generated fcc crystal (Å)")
	fl.StringVar(&f.algorithm, "algorithm", "", "update algorithm: robust|fast|fastfast|ultrafast")
	fl.Float64Var(&f.ediff, "ediff", 0, "energy acceptance threshold (eV)")
	fl.Float64Var(&f.fdiff, "fdiff", 0, "force acceptance threshold (eV/Å)")
	fl.IntVar(&f.skip, "skip", 0, "minimum steps between updates at extrema when stable")
	fl.IntVar(&f.skipVolatile, "skip-volatile", 0, "steps between updates while volatile")
	fl.IntVar(&f.volatility, "volatility", 0, "number of extrema after which the run is stable")
	fl.StringVar(&f.insertOrder, "insert-order", "", "robust insertion order: data_first|data_last|random")
	fl.Int64Var(&f.seed, "seed", 0, "random seed")
	fl.IntVar(&f.count, "count", 100, countHelp)
	fl.Float64Var(&f.probability, "prob", 1, "probability of an update at an extremum")
	fl.Float64Var(&f.timestep, "dt", 2, "timestep (fs)")
	fl.Float64Var(&f.temperature, "temperature", 100, "initial temperature (K)")
	fl.Float64Var(&f.tau, "tau", 0, "berendsen coupling time (fs), disabled when 0")
	fl.StringVar(&f.reference, "reference", "lennard_jones", "reference calculator: lennard_jones|morse")
	fl.StringToStringVar(&f.params, "reference-param", nil, "reference parameters, e.g. epsilon=0.0104,sigma=3.4")
	fl.StringVar(&f.kernel, "kernel", "squared_exp", "base kernel; join registered names with * for a product")
	fl.StringToStringVar(&f.kernelParams, "kernel-param", map[string]string{"length_scale": "0.5"}, "kernel parameters")
	fl.StringVar(&f.descriptor, "descriptor", "distance", "pair descriptor: distance|log_distance|coulomb|repulsive_core")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		req, err := f.request(cmd, byUpdates)
		if err != nil {
			return err
		}
		client, err := opts.client(cmd)
		if err != nil {
			return err
		}
		defer client.Close()
		summary, err := client.Run(cmd.Context(), req)
		if err != nil {
			return err
		}
		printSummary(cmd.OutOrStdout(), summary)
		return nil
	}
	return cmd
}

func (f *runFlags) request(cmd *cobra.Command, byUpdates bool) (autoforce.RunRequest, error) {
	req := autoforce.RunRequest{
		StructurePath: f.structure,
		ConfigPath:    f.config,
		Algorithm:     f.algorithm,
		InsertOrder:   f.insertOrder,
		Probability:   &f.probability,
		TimestepFS:    f.timestep,
		Temperature:   f.temperature,
		BerendsenTau:  f.tau,
	}
	refParams, err := parseParams("reference-param", f.params)
	if err != nil {
		return autoforce.RunRequest{}, err
	}
	kernelParams, err := parseParams("kernel-param", f.kernelParams)
	if err != nil {
		return autoforce.RunRequest{}, err
	}
	req.Reference = autoforce.ReferenceSpec{Name: f.reference, Params: refParams}
	req.Kernel = autoforce.KernelSpec{Name: f.kernel, Params: kernelParams, Descriptor: f.descriptor}
	if f.count <= 0 {
		return autoforce.RunRequest{}, fmt.Errorf("count must be > 0, got %d", f.count)
	}
	if byUpdates {
		req.Updates = f.count
	} else {
		req.Steps = f.count
	}
	fl := cmd.Flags()
	if fl.Changed("ediff") {
		req.EDiff = &f.ediff
	}
	if fl.Changed("fdiff") {
		req.FDiff = &f.fdiff
	}
	if fl.Changed("skip") {
		req.Skip = &f.skip
	}
	if fl.Changed("skip-volatile") {
		req.SkipVolatile = &f.skipVolatile
	}
	if fl.Changed("seed") {
		req.Seed = &f.seed
	}
	if fl.Changed("volatility") {
		req.VolatilityThreshold = &f.volatility
	}
	if f.structure != "" {
		s, err := autoforce.LoadStructure(f.structure)
		if err != nil {
			return autoforce.RunRequest{}, err
		}
		req.Structure = &s
	} else {
		s, err := autoforce.FCC(f.element, f.lattice, f.repeat, f.cutoff)
		if err != nil {
			return autoforce.RunRequest{}, err
		}
		req.Structure = &s
	}
	return req, nil
}

func parseParams(flag string, raw map[string]string) (map[string]float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("--%s %s=%s: %w", flag, k, v, err)
		}
		out[k] = x
	}
	return out, nil
}

func printSummary(w io.Writer, s autoforce.RunSummary) {
	fmt.Fprintf(w, "run_id=%s algorithm=%s\n", s.RunID, s.Algorithm)
	fmt.Fprintf(w, "steps=%s updates=%s fp=%s data=%d inducing=%d\n",
		humanize.Comma(int64(s.Steps)), humanize.Comma(int64(s.Updates)), humanize.Comma(int64(s.FPCount)),
		s.DataCount, s.InducingCount)
	if s.Updates > 0 {
		fmt.Fprintf(w, "steps_per_update=%s\n", humanize.Ftoa(s.StepsPerUpdate))
	}
	fmt.Fprintf(w, "energy mean=%.6f std=%.6f min=%.6f max=%.6f\n", s.MeanEnergy, s.EnergyStd, s.MinEnergy, s.MaxEnergy)
	fmt.Fprintf(w, "temperature mean=%.2f\n", s.MeanTemperature)
	if s.MeanStress != nil {
		fmt.Fprintf(w, "stress=%v\n", *s.MeanStress)
	}
	fmt.Fprintf(w, "elapsed=%s artifacts=%s\n", s.Elapsed.Round(time.Millisecond), s.ArtifactsDir)
}

func newRunsCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()
			runs, err := client.Runs(cmd.Context(), autoforce.RunsRequest{Limit: limit})
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no runs")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tCREATED\tALGORITHM\tATOMS\tSTEPS\tFP\tDATA\tINDUCING")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\t%d\t%d\n",
					r.RunID, created(r.CreatedAtUTC), r.Algorithm, r.NAtoms, humanize.Comma(int64(r.Steps)),
					r.FPCount, r.DataCount, r.InducingCount)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}

func created(stamp string) string {
	t, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return stamp
	}
	return humanize.Time(t)
}

type selector struct {
	runID  string
	latest bool
	limit  int
}

func (s *selector) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.runID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&s.latest, "latest", false, "use the most recent run")
	cmd.Flags().IntVar(&s.limit, "limit", 0, "maximum number of rows, 0 for all")
}

func newFPCmd(opts *globalOptions) *cobra.Command {
	sel := &selector{}
	cmd := &cobra.Command{
		Use:   "fp",
		Short: "List the reference evaluations of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()
			items, err := client.FP(cmd.Context(), autoforce.FPRequest{RunID: sel.runID, Latest: sel.latest, Limit: sel.limit})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STEP\tENERGY\tMAX_FORCE\tATOMS")
			for _, it := range items {
				fmt.Fprintf(tw, "%d\t%.6f\t%.6f\t%d\n", it.Step, it.Energy, it.MaxForce, it.NAtoms)
			}
			return tw.Flush()
		},
	}
	sel.bind(cmd)
	return cmd
}

func newEventsCmd(opts *globalOptions) *cobra.Command {
	sel := &selector{}
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List the persisted model update events of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()
			events, err := client.Updates(cmd.Context(), autoforce.UpdatesRequest{RunID: sel.runID, Latest: sel.latest, Limit: sel.limit})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STEP\tALGORITHM\tVOLATILE\tCHANGED\t+DATA\t+INDUCING\tDATA\tINDUCING\tFP")
			for _, e := range events {
				fmt.Fprintf(tw, "%d\t%s\t%t\t%t\t%d\t%d\t%d\t%d\t%d\n", e.Step, e.Algorithm, e.Volatile, e.Changed,
					e.DataAdded, e.InducingAdded, e.DataSize, e.InducingSize, e.FPCount)
			}
			return tw.Flush()
		},
	}
	sel.bind(cmd)
	return cmd
}

func newExportCmd(opts *globalOptions) *cobra.Command {
	sel := &selector{}
	var outDir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy the artifacts of a run to an export directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()
			summary, err := client.Export(cmd.Context(), autoforce.ExportRequest{RunID: sel.runID, Latest: sel.latest, OutDir: outDir})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported run_id=%s dir=%s\n", summary.RunID, summary.Directory)
			return nil
		},
	}
	cmd.Flags().StringVar(&sel.runID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&sel.latest, "latest", false, "export the most recent run")
	cmd.Flags().StringVar(&outDir, "out", "", "output directory (defaults to --exports-dir)")
	return cmd
}

func newKernelsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "kernels",
		Short: "List the registered base kernels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(client.Kernels(), "\n"))
			return nil
		},
	}
}
