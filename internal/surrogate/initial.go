package surrogate

import (
	"context"

	"autoforce/internal/atoms"
	"autoforce/internal/calculator"
)

// InitialModel seeds a potential from a single labeled structure: the first
// atom of every species becomes an inducing point, the structure is the only
// training datum, and the remaining atoms are offered as inducing points with
// threshold ediff.
func InitialModel(ctx context.Context, p *Potential, snap calculator.Labeled, ediff float64) error {
	envs, err := snap.Structure.LocalEnvs()
	if err != nil {
		return err
	}
	first := snap.Structure.FirstOfEachSpecies()
	seeds := make(map[int]bool, len(first))
	for _, i := range first {
		seeds[i] = true
	}
	inducing := make([]*atoms.LocalEnv, 0, len(first))
	for _, i := range first {
		inducing = append(inducing, envs[i])
	}
	if err := p.SetData(ctx, []calculator.Labeled{snap}, inducing); err != nil {
		return err
	}
	for i, env := range envs {
		if seeds[i] {
			continue
		}
		if _, err := p.AddInducing(ctx, env, ediff); err != nil {
			return err
		}
	}
	return nil
}
