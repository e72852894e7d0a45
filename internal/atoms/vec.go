package atoms

import "math"

// Vec3 is a cartesian 3-vector in Angstrom (positions), Angstrom/time (velocities)
// or eV/Angstrom (forces).
type Vec3 [3]float64

func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]}
}

func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]}
}

func (v Vec3) Scale(f float64) Vec3 {
	return Vec3{v[0] * f, v[1] * f, v[2] * f}
}

func (v Vec3) Dot(o Vec3) float64 {
	return v[0]*o[0] + v[1]*o[1] + v[2]*o[2]
}

func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v[1]*o[2] - v[2]*o[1],
		v[2]*o[0] - v[0]*o[2],
		v[0]*o[1] - v[1]*o[0],
	}
}

func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// IsValid reports whether every component is finite.
func (v Vec3) IsValid() bool {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// Flatten packs vectors into a 3N slice (x0, y0, z0, x1, ...).
func Flatten(vs []Vec3) []float64 {
	out := make([]float64, 0, 3*len(vs))
	for _, v := range vs {
		out = append(out, v[0], v[1], v[2])
	}
	return out
}

// Unflatten is the inverse of Flatten. Trailing components that do not form a
// full vector are dropped.
func Unflatten(flat []float64) []Vec3 {
	out := make([]Vec3, len(flat)/3)
	for i := range out {
		out[i] = Vec3{flat[3*i], flat[3*i+1], flat[3*i+2]}
	}
	return out
}

func cloneVecs(vs []Vec3) []Vec3 {
	if vs == nil {
		return nil
	}
	out := make([]Vec3, len(vs))
	copy(out, vs)
	return out
}
