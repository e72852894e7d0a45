package leapfrog

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"autoforce/internal/atoms"
)

// Algorithm selects candidates for a model update and inserts them through
// the controller, which journals every insertion.
type Algorithm interface {
	Name() string
	SelectAndInsert(ctx context.Context, c *Controller) error
}

// InsertOrder places the new structure relative to its local environments
// in the robust algorithm.
type InsertOrder int

const (
	DataFirst InsertOrder = iota
	DataLast
	RandomOrder
)

func (o InsertOrder) String() string {
	switch o {
	case DataFirst:
		return "data_first"
	case DataLast:
		return "data_last"
	case RandomOrder:
		return "random"
	default:
		return fmt.Sprintf("InsertOrder(%d)", int(o))
	}
}

func ParseInsertOrder(name string) (InsertOrder, error) {
	switch normalizeName(name) {
	case "", "data_first":
		return DataFirst, nil
	case "data_last":
		return DataLast, nil
	case "random":
		return RandomOrder, nil
	default:
		return 0, fmt.Errorf("%w: unsupported insert order %q", ErrConfiguration, name)
	}
}

func AlgorithmFromName(name string) (Algorithm, error) {
	switch normalizeName(name) {
	case "robust":
		return Robust{}, nil
	case "", "fast":
		return Fast{}, nil
	case "fastfast":
		return FastFast{}, nil
	case "ultrafast":
		return UltraFast{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrConfiguration, name)
	}
}

// AlgorithmNames lists the built-in algorithms.
func AlgorithmNames() []string {
	return []string{"robust", "fast", "fastfast", "ultrafast"}
}

func normalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
}

// Robust always evaluates the reference and offers the structure together
// with every one of its local environments.
type Robust struct {
	Order InsertOrder
}

func (Robust) Name() string { return "robust" }

func (r Robust) SelectAndInsert(ctx context.Context, c *Controller) error {
	snap, err := c.Snapshot(ctx, false, nil)
	if err != nil {
		return err
	}
	dataFirst := r.Order == DataFirst
	if r.Order == RandomOrder {
		dataFirst = c.rng.Intn(2) == 0
	}
	if dataFirst {
		if _, _, err := c.AddStructure(ctx, snap); err != nil {
			return err
		}
	}
	envs, err := snap.Structure.LocalEnvs()
	if err != nil {
		return err
	}
	for _, env := range envs {
		if _, err := c.AddInducing(ctx, env, c.Threshold()); err != nil {
			return err
		}
	}
	if !dataFirst {
		if _, _, err := c.AddStructure(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

// Fast screens every live local environment and pays for a reference
// evaluation only when at least one was accepted.
type Fast struct{}

func (Fast) Name() string { return "fast" }

func (Fast) SelectAndInsert(ctx context.Context, c *Controller) error {
	envs, err := c.Atoms().LocalEnvs()
	if err != nil {
		return err
	}
	added := 0
	for _, env := range envs {
		threshold := c.Threshold()
		change, err := c.AddInducing(ctx, env, threshold)
		if err != nil {
			return err
		}
		if change >= threshold {
			added++
		}
	}
	if added == 0 {
		return nil
	}
	snap, err := c.Snapshot(ctx, false, nil)
	if err != nil {
		return err
	}
	_, _, err = c.AddStructure(ctx, snap)
	return err
}

// FastFast offers environments by decreasing leakage and stops at the first
// rejection.
type FastFast struct{}

func (FastFast) Name() string { return "fastfast" }

func (FastFast) SelectAndInsert(ctx context.Context, c *Controller) error {
	added, err := insertByLeakage(ctx, c)
	if err != nil || added == 0 {
		return err
	}
	snap, err := c.Snapshot(ctx, false, nil)
	if err != nil {
		return err
	}
	_, _, err = c.AddStructure(ctx, snap)
	return err
}

// UltraFast is FastFast with a trial insertion of the structure labeled by
// the surrogate itself. The reference is evaluated only if that trial would
// have grown the training set.
type UltraFast struct{}

func (UltraFast) Name() string { return "ultrafast" }

func (UltraFast) SelectAndInsert(ctx context.Context, c *Controller) error {
	added, err := insertByLeakage(ctx, c)
	if err != nil || added == 0 {
		return err
	}
	before := c.Model().DataCount()
	fake, err := c.Snapshot(ctx, true, nil)
	if err != nil {
		return err
	}
	if _, _, err := c.AddStructure(ctx, fake); err != nil {
		return err
	}
	if c.Model().DataCount() <= before {
		return nil
	}
	if err := c.PopData(); err != nil {
		return err
	}
	snap, err := c.Snapshot(ctx, false, fake.Structure)
	if err != nil {
		return err
	}
	_, _, err = c.AddStructure(ctx, snap)
	return err
}

func insertByLeakage(ctx context.Context, c *Controller) (int, error) {
	envs, err := c.Atoms().LocalEnvs()
	if err != nil {
		return 0, err
	}
	leaks, err := c.Model().Leakages(ctx, envs)
	if err != nil {
		return 0, err
	}
	if len(leaks) != len(envs) {
		return 0, fmt.Errorf("%w: %d leakages for %d environments", ErrInconsistentState, len(leaks), len(envs))
	}
	order := rankByLeakage(envs, leaks)
	added := 0
	for _, k := range order {
		threshold := c.Threshold()
		change, err := c.AddInducing(ctx, envs[k], threshold)
		if err != nil {
			return added, err
		}
		if change < threshold {
			c.Logf("added refs: %d  ediff at break: %v", added, change)
			break
		}
		added++
	}
	return added, nil
}

// rankByLeakage returns env indices by decreasing leakage, ties in input order.
func rankByLeakage(envs []*atoms.LocalEnv, leaks []float64) []int {
	order := make([]int, len(envs))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case leaks[a] > leaks[b]:
			return -1
		case leaks[a] < leaks[b]:
			return 1
		default:
			return 0
		}
	})
	return order
}
