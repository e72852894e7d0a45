package atoms

// Standard atomic weights (amu) for the elements the reference potentials are
// parameterised for.
var defaultMasses = map[int]float64{
	1:  1.008,
	2:  4.0026,
	3:  6.94,
	6:  12.011,
	7:  14.007,
	8:  15.999,
	10: 20.180,
	11: 22.990,
	13: 26.982,
	14: 28.085,
	18: 39.948,
	29: 63.546,
	36: 83.798,
	47: 107.87,
	54: 131.29,
	79: 196.97,
}

func DefaultMass(number int) (float64, bool) {
	m, ok := defaultMasses[number]
	return m, ok
}
