package autoforce

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"autoforce/internal/atoms"
)

// Structure is the serialisable form of an atomic configuration. Cell rows
// are lattice vectors in Å.
type Structure struct {
	Numbers   []int         `json:"numbers" yaml:"numbers"`
	Positions [][3]float64  `json:"positions" yaml:"positions"`
	Cell      [3][3]float64 `json:"cell" yaml:"cell"`
	PBC       [3]bool       `json:"pbc" yaml:"pbc"`
	Cutoff    float64       `json:"cutoff" yaml:"cutoff"`
}

// LoadStructure reads a structure from a .json or .yaml file.
func LoadStructure(path string) (Structure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Structure{}, err
	}
	var s Structure
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &s)
	} else {
		err = yaml.Unmarshal(data, &s)
	}
	if err != nil {
		return Structure{}, fmt.Errorf("parse structure %s: %w", path, err)
	}
	return s, nil
}

// FCC builds a periodic face-centred cubic crystal of repeat³ conventional
// cells with lattice constant a.
func FCC(number int, a float64, repeat int, cutoff float64) (Structure, error) {
	if number <= 0 || a <= 0 || repeat <= 0 {
		return Structure{}, errors.New("fcc requires a positive atomic number, lattice constant and repeat")
	}
	basis := [][3]float64{{0, 0, 0}, {0.5, 0.5, 0}, {0.5, 0, 0.5}, {0, 0.5, 0.5}}
	s := Structure{PBC: [3]bool{true, true, true}, Cutoff: cutoff}
	for x := 0; x < repeat; x++ {
		for y := 0; y < repeat; y++ {
			for z := 0; z < repeat; z++ {
				for _, b := range basis {
					s.Numbers = append(s.Numbers, number)
					s.Positions = append(s.Positions, [3]float64{
						(float64(x) + b[0]) * a,
						(float64(y) + b[1]) * a,
						(float64(z) + b[2]) * a,
					})
				}
			}
		}
	}
	side := a * float64(repeat)
	s.Cell = [3][3]float64{{side, 0, 0}, {0, side, 0}, {0, 0, side}}
	return s, nil
}

func (s Structure) build() (*atoms.Structure, error) {
	positions := make([]atoms.Vec3, len(s.Positions))
	for i, p := range s.Positions {
		positions[i] = atoms.Vec3(p)
	}
	var cell atoms.Cell
	for i, row := range s.Cell {
		cell[i] = atoms.Vec3(row)
	}
	return atoms.New(atoms.Config{
		Numbers:   s.Numbers,
		Positions: positions,
		Cell:      cell,
		PBC:       s.PBC,
		Cutoff:    s.Cutoff,
	})
}
