package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// RunRecord describes one on-the-fly learning run.
type RunRecord struct {
	VersionedRecord
	ID                  string   `json:"id"`
	CreatedAtUTC        string   `json:"created_at_utc"`
	Algorithm           string   `json:"algorithm"`
	EDiff               float64  `json:"ediff"`
	FDiff               *float64 `json:"fdiff,omitempty"`
	Skip                int      `json:"skip"`
	SkipVolatile        int      `json:"skip_volatile"`
	VolatilityThreshold int      `json:"volatility_threshold"`
	Seed                int64    `json:"seed"`
	NAtoms              int      `json:"natoms"`
	Species             []int    `json:"species"`
}

// FPRecord is one reference ("fingerprint") evaluation performed during a run.
type FPRecord struct {
	VersionedRecord
	RunID     string        `json:"run_id"`
	Step      int           `json:"step"`
	Energy    float64       `json:"energy"`
	Forces    [][3]float64  `json:"forces"`
	Positions [][3]float64  `json:"positions"`
	Numbers   []int         `json:"numbers"`
	Cell      [3][3]float64 `json:"cell"`
}

// UpdateEvent records the outcome of one model update attempt.
type UpdateEvent struct {
	VersionedRecord
	RunID         string `json:"run_id"`
	Step          int    `json:"step"`
	Algorithm     string `json:"algorithm"`
	Volatile      bool   `json:"volatile"`
	Changed       bool   `json:"changed"`
	DataAdded     int    `json:"data_added"`
	InducingAdded int    `json:"inducing_added"`
	DataSize      int    `json:"data_size"`
	InducingSize  int    `json:"inducing_size"`
	FPCount       int    `json:"fp_count"`
}

// ModelSnapshot is a compact summary of the surrogate state at the end of a run.
type ModelSnapshot struct {
	VersionedRecord
	RunID         string    `json:"run_id"`
	DataCount     int       `json:"data_count"`
	InducingCount int       `json:"inducing_count"`
	Weights       []float64 `json:"weights"`
}
