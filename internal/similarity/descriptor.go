package similarity

import (
	"errors"
	"fmt"
	"math"

	"autoforce/internal/atoms"
)

var (
	ErrUnimplemented    = errors.New("similarity: operation not implemented")
	ErrSingularGeometry = errors.New("similarity: zero interatomic distance")
)

// Descriptor maps a pair vector r to a scalar d and its gradient dd/dr.
type Descriptor interface {
	Name() string
	Describe(r atoms.Vec3) (float64, atoms.Vec3, error)
}

// Distance is d = |r|.
type Distance struct{}

func (Distance) Name() string { return "distance" }

func (Distance) Describe(r atoms.Vec3) (float64, atoms.Vec3, error) {
	d := r.Norm()
	if d == 0 {
		return 0, atoms.Vec3{}, fmt.Errorf("%w: r=%v", ErrSingularGeometry, r)
	}
	return d, r.Scale(1 / d), nil
}

// LogDistance is d = ln|r| with gradient r/|r|^2.
type LogDistance struct{}

func (LogDistance) Name() string { return "log_distance" }

func (LogDistance) Describe(r atoms.Vec3) (float64, atoms.Vec3, error) {
	d2 := r.Dot(r)
	if d2 == 0 {
		return 0, atoms.Vec3{}, fmt.Errorf("%w: r=%v", ErrSingularGeometry, r)
	}
	return math.Log(math.Sqrt(d2)), r.Scale(1 / d2), nil
}
