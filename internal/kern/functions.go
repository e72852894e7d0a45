package kern

import (
	"errors"
	"fmt"
	"math"
)

// Function is a scalar kernel k(x, y) of two descriptor values together with
// its first partial derivatives and the mixed second derivative.
type Function interface {
	Name() string
	Value(x, y float64) float64
	// LeftGrad is dk/dx.
	LeftGrad(x, y float64) float64
	// RightGrad is dk/dy.
	RightGrad(x, y float64) float64
	// GradGrad is d2k/dxdy.
	GradGrad(x, y float64) float64
}

// SquaredExp is Variance * exp(-(x-y)^2 / 2 LengthScale^2).
type SquaredExp struct {
	LengthScale float64
	Variance    float64
}

func NewSquaredExp(lengthScale float64) SquaredExp {
	return SquaredExp{LengthScale: lengthScale, Variance: 1}
}

func (SquaredExp) Name() string { return "squared_exp" }

func (k SquaredExp) Value(x, y float64) float64 {
	d := (x - y) / k.LengthScale
	return k.Variance * math.Exp(-0.5*d*d)
}

func (k SquaredExp) LeftGrad(x, y float64) float64 {
	l2 := k.LengthScale * k.LengthScale
	return -(x - y) / l2 * k.Value(x, y)
}

func (k SquaredExp) RightGrad(x, y float64) float64 {
	l2 := k.LengthScale * k.LengthScale
	return (x - y) / l2 * k.Value(x, y)
}

func (k SquaredExp) GradGrad(x, y float64) float64 {
	l2 := k.LengthScale * k.LengthScale
	diff := x - y
	return k.Value(x, y) * (1/l2 - diff*diff/(l2*l2))
}

// DotProduct is x*y.
type DotProduct struct{}

func (DotProduct) Name() string { return "dot_product" }
func (DotProduct) Value(x, y float64) float64 { return x * y }
func (DotProduct) LeftGrad(_, y float64) float64 { return y }
func (DotProduct) RightGrad(x, _ float64) float64 { return x }
func (DotProduct) GradGrad(_, _ float64) float64 { return 1 }

// Polynomial is (x*y + Offset)^Degree.
type Polynomial struct {
	Degree int
	Offset float64
}

func (Polynomial) Name() string { return "polynomial" }

func (k Polynomial) Value(x, y float64) float64 {
	return math.Pow(x*y+k.Offset, float64(k.Degree))
}

func (k Polynomial) LeftGrad(x, y float64) float64 {
	return k.outer(x, y, 1) * y
}

func (k Polynomial) RightGrad(x, y float64) float64 {
	return k.outer(x, y, 1) * x
}

func (k Polynomial) GradGrad(x, y float64) float64 {
	n := float64(k.Degree)
	second := 0.0
	if k.Degree >= 2 {
		second = n * (n - 1) * math.Pow(x*y+k.Offset, n-2) * x * y
	}
	return second + k.outer(x, y, 1)
}

// outer returns the order-th derivative of t^n at t = x*y + Offset.
func (k Polynomial) outer(x, y float64, order int) float64 {
	n := float64(k.Degree)
	if k.Degree < order {
		return 0
	}
	coeff := 1.0
	for i := 0; i < order; i++ {
		coeff *= n - float64(i)
	}
	return coeff * math.Pow(x*y+k.Offset, n-float64(order))
}

// Product multiplies several kernels of the same descriptor.
type Product []Function

func (p Product) Name() string {
	name := "product("
	for i, f := range p {
		if i > 0 {
			name += ","
		}
		name += f.Name()
	}
	return name + ")"
}

func (p Product) Value(x, y float64) float64 {
	out := 1.0
	for _, f := range p {
		out *= f.Value(x, y)
	}
	return out
}

func (p Product) LeftGrad(x, y float64) float64 {
	return p.firstOrder(x, y, Function.LeftGrad)
}

func (p Product) RightGrad(x, y float64) float64 {
	return p.firstOrder(x, y, Function.RightGrad)
}

func (p Product) GradGrad(x, y float64) float64 {
	vals := make([]float64, len(p))
	for i, f := range p {
		vals[i] = f.Value(x, y)
	}
	out := 0.0
	for i, fi := range p {
		term := fi.GradGrad(x, y)
		for m := range p {
			if m != i {
				term *= vals[m]
			}
		}
		out += term
		for j, fj := range p {
			if j == i {
				continue
			}
			cross := fi.LeftGrad(x, y) * fj.RightGrad(x, y)
			for m := range p {
				if m != i && m != j {
					cross *= vals[m]
				}
			}
			out += cross
		}
	}
	return out
}

func (p Product) firstOrder(x, y float64, grad func(Function, float64, float64) float64) float64 {
	out := 0.0
	for i, fi := range p {
		term := grad(fi, x, y)
		for j, fj := range p {
			if j != i {
				term *= fj.Value(x, y)
			}
		}
		out += term
	}
	return out
}

func (p Product) validate() error {
	if len(p) == 0 {
		return errors.New("product kernel requires at least one factor")
	}
	for i, f := range p {
		if f == nil {
			return fmt.Errorf("product kernel factor %d is nil", i)
		}
	}
	return nil
}
