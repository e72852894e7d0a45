package atoms

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var ErrSingularCell = errors.New("atoms: singular cell")

// Cell holds the three lattice vectors as rows.
type Cell [3]Vec3

func (c Cell) Volume() float64 {
	return math.Abs(c[0].Dot(c[1].Cross(c[2])))
}

func (c Cell) Scale(f float64) Cell {
	return Cell{c[0].Scale(f), c[1].Scale(f), c[2].Scale(f)}
}

// Array returns the cell as a plain array, row i being lattice vector i.
func (c Cell) Array() [3][3]float64 {
	return [3][3]float64{c[0], c[1], c[2]}
}

// PerpendicularWidths returns the distance between opposite faces along each
// lattice direction.
func (c Cell) PerpendicularWidths() (Vec3, error) {
	volume := c.Volume()
	if volume == 0 {
		return Vec3{}, ErrSingularCell
	}
	var widths Vec3
	for k := 0; k < 3; k++ {
		face := c[(k+1)%3].Cross(c[(k+2)%3]).Norm()
		widths[k] = volume / face
	}
	return widths, nil
}

func (c Cell) dense() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		c[0][0], c[0][1], c[0][2],
		c[1][0], c[1][1], c[1][2],
		c[2][0], c[2][1], c[2][2],
	})
}

// inverse returns the matrix mapping cartesian rows to fractional rows.
func (c Cell) inverse() (*mat.Dense, error) {
	var inv mat.Dense
	if err := inv.Inverse(c.dense()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularCell, err)
	}
	return &inv, nil
}

// Transform applies (I + strain) to every lattice vector.
func (c Cell) Transform(strain [3][3]float64) Cell {
	deform := mat.NewDense(3, 3, []float64{
		1 + strain[0][0], strain[0][1], strain[0][2],
		strain[1][0], 1 + strain[1][1], strain[1][2],
		strain[2][0], strain[2][1], 1 + strain[2][2],
	})
	var out mat.Dense
	// rows of the cell transform as r' = r (I + strain)^T
	out.Mul(c.dense(), deform.T())
	var next Cell
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			next[i][j] = out.At(i, j)
		}
	}
	return next
}

// minimumImage wraps displacement vectors to their shortest periodic image.
type minimumImage struct {
	cell Cell
	inv  *mat.Dense
	pbc  [3]bool
	any  bool
}

func newMinimumImage(cell Cell, pbc [3]bool) (*minimumImage, error) {
	mi := &minimumImage{cell: cell, pbc: pbc}
	for _, p := range pbc {
		mi.any = mi.any || p
	}
	if !mi.any {
		return mi, nil
	}
	inv, err := cell.inverse()
	if err != nil {
		return nil, err
	}
	mi.inv = inv
	return mi, nil
}

func (m *minimumImage) wrap(r Vec3) Vec3 {
	if !m.any {
		return r
	}
	var frac Vec3
	for k := 0; k < 3; k++ {
		frac[k] = r[0]*m.inv.At(0, k) + r[1]*m.inv.At(1, k) + r[2]*m.inv.At(2, k)
		if m.pbc[k] {
			frac[k] -= math.Round(frac[k])
		}
	}
	var out Vec3
	for k := 0; k < 3; k++ {
		out = out.Add(m.cell[k].Scale(frac[k]))
	}
	return out
}
