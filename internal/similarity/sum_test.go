package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoforce/internal/kern"
)

func TestSumAddsTerms(t *testing.T) {
	p, q := fixtures(t)
	k := kern.NewSquaredExp(0.7)
	sum := ForSpecies([]int{1, 8}, k, nil)
	require.Len(t, sum.Terms, 3)

	scratch := NewScratch()
	got, err := sum.Value(scratch, p, q)
	require.NoError(t, err)
	gotGrad, err := sum.LeftGrad(scratch, p, q)
	require.NoError(t, err)
	gotRight, err := sum.RightGrad(scratch, p, q)
	require.NoError(t, err)
	gotDiag, err := sum.GradGradDiag(scratch, p)
	require.NoError(t, err)

	want := 0.0
	wantGrad := make([]float64, 3*p.NAtoms())
	wantRight := make([]float64, 3*q.NAtoms())
	wantDiag := make([]float64, 3*p.NAtoms())
	for _, term := range sum.Terms {
		v, err := term.Value(nil, p, q)
		require.NoError(t, err)
		want += v
		g, err := term.LeftGrad(nil, p, q)
		require.NoError(t, err)
		r, err := term.RightGrad(nil, p, q)
		require.NoError(t, err)
		d, err := term.GradGradDiag(nil, p)
		require.NoError(t, err)
		for i := range g {
			wantGrad[i] += g[i]
			wantDiag[i] += d[i]
		}
		for i := range r {
			wantRight[i] += r[i]
		}
	}
	assert.InDelta(t, want, got, 1e-12)
	assert.InDeltaSlice(t, wantGrad, gotGrad, 1e-12)
	assert.InDeltaSlice(t, wantRight, gotRight, 1e-12)
	assert.InDeltaSlice(t, wantDiag, gotDiag, 1e-12)
}

func TestSumGradGrad(t *testing.T) {
	p, q := fixtures(t)
	sum := ForSpecies([]int{1, 8}, kern.NewSquaredExp(0.7), nil)
	sum.Workers = 1
	m, err := sum.GradGrad(nil, p, q)
	require.NoError(t, err)
	rows, cols := m.Dims()
	assert.Equal(t, 12, rows)
	assert.Equal(t, 12, cols)

	coulomb := ForSpecies([]int{1, 8}, kern.NewSquaredExp(0.7), func(a, b int, k kern.Function) Kernel {
		return NewCoulombSimilarity(a, b, k)
	})
	_, err = coulomb.GradGrad(nil, p, q)
	require.ErrorIs(t, err, ErrUnimplemented)
}

func TestScratchSharesTerms(t *testing.T) {
	p, _ := fixtures(t)
	scratch := NewScratch()
	first, err := scratch.lookup(Distance{}, 1, 8, 0, p)
	require.NoError(t, err)
	second, err := scratch.lookup(Distance{}, 1, 8, 0, p)
	require.NoError(t, err)
	assert.Same(t, first, second)

	other, err := scratch.lookup(LogDistance{}, 1, 8, 0, p)
	require.NoError(t, err)
	assert.NotSame(t, first, other)
}

func TestEmptySumFails(t *testing.T) {
	p, q := fixtures(t)
	_, err := (&Sum{}).Value(nil, p, q)
	require.Error(t, err)
}
