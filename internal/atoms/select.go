package atoms

// Mode selects how pairs are enumerated.
type Mode int

const (
	// OneWay lists every physical pair exactly once.
	OneWay Mode = iota
	// BothWays lists (i, j) and (j, i) for every pair.
	BothWays
)

func (m Mode) String() string {
	switch m {
	case OneWay:
		return "one_way"
	case BothWays:
		return "both_ways"
	default:
		return "unknown"
	}
}

// PairSet holds selected pairs: R[k] points from atom I[k] to atom J[k].
type PairSet struct {
	I []int
	J []int
	R []Vec3
}

func (p PairSet) Len() int { return len(p.I) }

// PairSource is anything pair kernels can select pairs from: a whole structure
// or a single local environment. NAtoms is the length of the per-atom arrays
// gradients are scattered into.
type PairSource interface {
	NAtoms() int
	Select(a, b int, mode Mode) (PairSet, error)
}

func selectPairs(pairs []pair, numbers []int, a, b int, mode Mode) PairSet {
	var out PairSet
	add := func(i, j int, r Vec3) {
		out.I = append(out.I, i)
		out.J = append(out.J, j)
		out.R = append(out.R, r)
	}
	for _, p := range pairs {
		zi, zj := numbers[p.i], numbers[p.j]
		var i, j int
		var r Vec3
		switch {
		case zi == a && zj == b:
			i, j, r = p.i, p.j, p.r
		case zi == b && zj == a:
			i, j, r = p.j, p.i, p.r.Scale(-1)
		default:
			continue
		}
		add(i, j, r)
		if mode == BothWays {
			add(j, i, r.Scale(-1))
		}
	}
	return out
}
