package atoms

// LocalEnv is the neighborhood of one atom: every pair (centre, j) within the
// cutoff. Indices refer to the parent structure so gradients scatter onto the
// parent's atoms.
type LocalEnv struct {
	center  int
	numbers []int
	pairs   []pair
}

func (l *LocalEnv) Center() int { return l.center }

// Number is the atomic number of the centre atom.
func (l *LocalEnv) Number() int { return l.numbers[l.center] }

// NAtoms is the atom count of the parent structure.
func (l *LocalEnv) NAtoms() int { return len(l.numbers) }

// Len is the number of neighbors.
func (l *LocalEnv) Len() int { return len(l.pairs) }

func (l *LocalEnv) Select(a, b int, mode Mode) (PairSet, error) {
	return selectPairs(l.pairs, l.numbers, a, b, mode), nil
}
