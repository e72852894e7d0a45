package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const runIndexFile = "run_index.json"

const (
	configFile   = "config.json"
	seriesFile   = "series.csv"
	nodesFile    = "nodes.json"
	summaryFile  = "summary.json"
	eventLogFile = "leapfrog.log"
	fpFile       = "_FP.traj"
)

type RunConfig struct {
	RunID               string   `json:"run_id"`
	StructurePath       string   `json:"structure_path,omitempty"`
	Algorithm           string   `json:"algorithm"`
	EDiff               float64  `json:"ediff"`
	FDiff               *float64 `json:"fdiff,omitempty"`
	Skip                int      `json:"skip"`
	SkipVolatile        int      `json:"skip_volatile"`
	VolatilityThreshold *int     `json:"volatility_threshold,omitempty"`
	InsertOrder         string   `json:"insert_order"`
	Seed                int64    `json:"seed"`
	Steps               int      `json:"steps,omitempty"`
	Updates             int      `json:"updates,omitempty"`
	Probability         float64  `json:"probability"`
	TimestepFS          float64  `json:"timestep_fs"`
	Temperature         float64  `json:"temperature"`
	Reference           string   `json:"reference"`
	Kernel              string   `json:"kernel"`
}

// SeriesPoint is the state after one dynamics step.
type SeriesPoint struct {
	Step        int
	Energy      float64
	Temperature float64
}

// Nodes are the steps at which the reference was evaluated and at which
// energy extrema were found.
type Nodes struct {
	FPSteps     []int     `json:"fp_steps"`
	FPEnergies  []float64 `json:"fp_energies"`
	ExtSteps    []int     `json:"ext_steps"`
	ExtEnergies []float64 `json:"ext_energies"`
}

type RunSummary struct {
	Steps           int         `json:"steps"`
	Updates         int         `json:"updates"`
	StepsPerUpdate  float64     `json:"steps_per_update,omitempty"`
	MeanEnergy      float64     `json:"mean_energy"`
	MeanTemperature float64     `json:"mean_temperature"`
	MeanStress      *[6]float64 `json:"mean_stress,omitempty"`
	DataCount       int         `json:"data_count"`
	InducingCount   int         `json:"inducing_count"`
	FPCount         int         `json:"fp_count"`
}

type RunArtifacts struct {
	Config  RunConfig
	Series  []SeriesPoint
	Nodes   Nodes
	Summary RunSummary
}

type RunIndexEntry struct {
	RunID         string `json:"run_id"`
	Algorithm     string `json:"algorithm"`
	NAtoms        int    `json:"natoms"`
	Steps         int    `json:"steps"`
	DataCount     int    `json:"data_count"`
	InducingCount int    `json:"inducing_count"`
	FPCount       int    `json:"fp_count"`
	CreatedAtUTC  string `json:"created_at_utc"`
}

// RunDir is where the artifacts of runID live.
func RunDir(baseDir, runID string) string {
	return filepath.Join(baseDir, runID)
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := RunDir(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := WriteSeries(runDir, artifacts.Series); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, nodesFile), artifacts.Nodes); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, summaryFile), artifacts.Summary); err != nil {
		return "", err
	}
	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns index entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	// later appends win ties
	slices.Reverse(entries)
	slices.SortStableFunc(entries, func(a, b RunIndexEntry) int {
		return strings.Compare(b.CreatedAtUTC, a.CreatedAtUTC)
	})
	return entries, nil
}

// ExportRunArtifacts copies a run directory to outDir. The event log and
// reference trajectory are copied when present.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := RunDir(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, seriesFile, nodesFile, summaryFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	for _, file := range []string{eventLogFile, fpFile} {
		path := filepath.Join(src, file)
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, filepath.Join(dst, file)); err != nil {
				return "", err
			}
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}
	return dst, nil
}

// EventLogPath and FPPath are the conventional locations of a run's event
// log and reference trajectory.
func EventLogPath(baseDir, runID string) string {
	return filepath.Join(RunDir(baseDir, runID), eventLogFile)
}

func FPPath(baseDir, runID string) string {
	return filepath.Join(RunDir(baseDir, runID), fpFile)
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(RunDir(baseDir, runID), configFile), &cfg)
	return cfg, ok, err
}

func WriteRunConfig(baseDir, runID string, cfg RunConfig) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = strings.TrimSpace(runID)
	}
	if cfg.RunID != strings.TrimSpace(runID) {
		return fmt.Errorf("run config run id mismatch: got=%s want=%s", cfg.RunID, strings.TrimSpace(runID))
	}
	runDir := RunDir(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(runDir, configFile), cfg)
}

func ReadNodes(baseDir, runID string) (Nodes, bool, error) {
	var nodes Nodes
	ok, err := readJSON(filepath.Join(RunDir(baseDir, runID), nodesFile), &nodes)
	return nodes, ok, err
}

func ReadSummary(baseDir, runID string) (RunSummary, bool, error) {
	var summary RunSummary
	ok, err := readJSON(filepath.Join(RunDir(baseDir, runID), summaryFile), &summary)
	return summary, ok, err
}

func WriteSeries(runDir string, series []SeriesPoint) error {
	path := filepath.Join(runDir, seriesFile)
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"step", "energy", "temperature"}); err != nil {
		return err
	}
	for _, p := range series {
		if err := writer.Write([]string{
			strconv.Itoa(p.Step),
			strconv.FormatFloat(p.Energy, 'f', -1, 64),
			strconv.FormatFloat(p.Temperature, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadSeries(baseDir, runID string) ([]SeriesPoint, bool, error) {
	path := filepath.Join(RunDir(baseDir, runID), seriesFile)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []SeriesPoint{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 3 {
		return nil, false, fmt.Errorf("series header must have 3 columns")
	}

	series := make([]SeriesPoint, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) < 3 {
			return nil, false, fmt.Errorf("series row must have 3 columns")
		}
		step, err := strconv.Atoi(record[0])
		if err != nil {
			return nil, false, err
		}
		energy, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, err
		}
		temperature, err := strconv.ParseFloat(record[2], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, SeriesPoint{Step: step, Energy: energy, Temperature: temperature})
	}
	return series, true, nil
}

func readJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
