package leapfrog

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrConfiguration     = errors.New("leapfrog: invalid configuration")
	ErrInconsistentState = errors.New("leapfrog: inconsistent update state")
)

const (
	DefaultAlgorithm    = "fast"
	DefaultEDiff        = 0.1
	DefaultSkip         = 10
	DefaultSkipVolatile = 3
	DefaultLogFile      = "leapfrog.log"
	DefaultFPFile       = "_FP.traj"
)

// Config holds the update controller's tunables. Zero-valued optional
// fields fall back to the behaviour of a fresh run: no force threshold and a
// volatility threshold that depends on whether a model was supplied.
type Config struct {
	Algorithm           string   `yaml:"algorithm" json:"algorithm"`
	EDiff               float64  `yaml:"ediff" json:"ediff"`
	FDiff               *float64 `yaml:"fdiff,omitempty" json:"fdiff,omitempty"`
	Skip                int      `yaml:"skip" json:"skip"`
	SkipVolatile        int      `yaml:"skip_volatile" json:"skip_volatile"`
	VolatilityThreshold *int     `yaml:"volatility_threshold,omitempty" json:"volatility_threshold,omitempty"`
	InsertOrder         string   `yaml:"insert_order" json:"insert_order"`
	Seed                int64    `yaml:"seed" json:"seed"`
	LogFile             string   `yaml:"logfile" json:"logfile"`
	FPFile              string   `yaml:"fp_file" json:"fp_file"`
}

func DefaultConfig() Config {
	return Config{
		Algorithm:    DefaultAlgorithm,
		EDiff:        DefaultEDiff,
		Skip:         DefaultSkip,
		SkipVolatile: DefaultSkipVolatile,
		InsertOrder:  DataFirst.String(),
		Seed:         1,
		LogFile:      DefaultLogFile,
		FPFile:       DefaultFPFile,
	}
}

// ForceThreshold returns fdiff, +Inf when unset.
func (c Config) ForceThreshold() float64 {
	if c.FDiff == nil {
		return math.Inf(1)
	}
	return *c.FDiff
}

func (c Config) Validate() error {
	if _, err := AlgorithmFromName(c.Algorithm); err != nil {
		return err
	}
	if _, err := ParseInsertOrder(c.InsertOrder); err != nil {
		return err
	}
	if c.EDiff < 0 || math.IsNaN(c.EDiff) {
		return fmt.Errorf("%w: ediff must be >= 0, got %g", ErrConfiguration, c.EDiff)
	}
	if c.FDiff != nil && (*c.FDiff < 0 || math.IsNaN(*c.FDiff)) {
		return fmt.Errorf("%w: fdiff must be >= 0, got %g", ErrConfiguration, *c.FDiff)
	}
	if c.Skip < 0 {
		return fmt.Errorf("%w: skip must be >= 0, got %d", ErrConfiguration, c.Skip)
	}
	if c.SkipVolatile < 0 {
		return fmt.Errorf("%w: skip_volatile must be >= 0, got %d", ErrConfiguration, c.SkipVolatile)
	}
	return nil
}

// LoadConfig reads a config file on top of DefaultConfig. Files ending in
// .json are decoded as JSON, anything else as YAML.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
