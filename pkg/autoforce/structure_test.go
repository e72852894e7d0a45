package autoforce

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFCC(t *testing.T) {
	s, err := FCC(18, 5.26, 2, 5)
	if err != nil {
		t.Fatalf("fcc: %v", err)
	}
	if len(s.Numbers) != 32 || len(s.Positions) != 32 {
		t.Fatalf("expected 32 atoms, got %d", len(s.Numbers))
	}
	if s.Cell[0][0] != 10.52 {
		t.Fatalf("unexpected cell: %v", s.Cell)
	}
	built, err := s.build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if built.NAtoms() != 32 {
		t.Fatalf("unexpected atom count: %d", built.NAtoms())
	}
	if _, err := FCC(18, 0, 2, 5); err == nil {
		t.Fatal("expected error for zero lattice constant")
	}
}

func TestLoadStructure(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "argon.yaml")
	if err := os.WriteFile(yamlPath, []byte(`numbers: [18, 18]
positions:
  - [0, 0, 0]
  - [3.8, 0, 0]
cell:
  - [9, 0, 0]
  - [0, 9, 0]
  - [0, 0, 9]
pbc: [true, true, true]
cutoff: 4.4
`), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	s, err := LoadStructure(yamlPath)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if len(s.Numbers) != 2 || s.Positions[1][0] != 3.8 || s.Cutoff != 4.4 || !s.PBC[2] {
		t.Fatalf("unexpected structure: %+v", s)
	}

	jsonPath := filepath.Join(dir, "argon.json")
	if err := os.WriteFile(jsonPath, []byte(`{"numbers":[18],"positions":[[1,2,3]],"cutoff":2}`), 0o644); err != nil {
		t.Fatalf("write json: %v", err)
	}
	s, err = LoadStructure(jsonPath)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if s.Positions[0] != [3]float64{1, 2, 3} {
		t.Fatalf("unexpected positions: %v", s.Positions)
	}

	if _, err := LoadStructure(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
