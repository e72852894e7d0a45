package leapfrog

import (
	"context"
	"errors"
	"fmt"

	"autoforce/internal/calculator"
	"autoforce/internal/dynamics"
	"autoforce/internal/stats"
)

// RunUpdatesResult summarises RunUpdates. Means cover the steps taken by
// that call only.
type RunUpdatesResult struct {
	Steps           int
	Updates         int
	StepsPerUpdate  float64
	MeanEnergy      float64
	MeanTemperature float64
	MeanStress      [6]float64
	HasStress       bool
}

// Run advances the dynamics by maxSteps steps, updating the model whenever
// DecideUpdate says so.
func (c *Controller) Run(ctx context.Context, maxSteps int, probability float64) error {
	if maxSteps <= 0 {
		return fmt.Errorf("%w: max steps must be > 0", ErrConfiguration)
	}
	for i := 0; i < maxSteps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.advance(ctx, probability); err != nil {
			return err
		}
	}
	return c.SaveModel(ctx)
}

// RunUpdates advances the dynamics until maxUpdates updates were performed.
// Every performed update counts, whether or not it changed the model.
func (c *Controller) RunUpdates(ctx context.Context, maxUpdates int, probability float64) (RunUpdatesResult, error) {
	if maxUpdates <= 0 {
		return RunUpdatesResult{}, fmt.Errorf("%w: max updates must be > 0", ErrConfiguration)
	}
	if probability <= 0 {
		return RunUpdatesResult{}, fmt.Errorf("%w: probability must be > 0 to reach an update", ErrConfiguration)
	}
	stressCalc, withStress := c.calc.(stressCalculator)
	var (
		result   RunUpdatesResult
		stresses [6][]float64
	)
	for result.Updates < maxUpdates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		updated, err := c.advance(ctx, probability)
		if err != nil {
			return result, err
		}
		if updated {
			result.Updates++
		}
		result.Steps++
		if !withStress {
			continue
		}
		stress, err := stressCalc.Stress(ctx, c.Atoms())
		switch {
		case errors.Is(err, calculator.ErrNoStress):
			withStress = false
		case err != nil:
			return result, err
		default:
			for k, v := range stress {
				stresses[k] = append(stresses[k], v)
			}
		}
	}

	result.StepsPerUpdate = float64(result.Steps) / float64(result.Updates)
	result.MeanEnergy = stats.Mean(c.energy[len(c.energy)-result.Steps:])
	result.MeanTemperature = stats.Mean(c.temperature[len(c.temperature)-result.Steps:])
	c.Logf("steps per update: %v, energy: %v, temperature: %v",
		result.StepsPerUpdate, result.MeanEnergy, result.MeanTemperature)
	if withStress {
		result.HasStress = true
		for k := range stresses {
			result.MeanStress[k] = stats.Mean(stresses[k])
		}
		c.Logf("stress: %v", result.MeanStress)
	}
	return result, c.SaveModel(ctx)
}

// advance performs one decision, at most one update, and one dynamics step.
func (c *Controller) advance(ctx context.Context, probability float64) (bool, error) {
	updated := false
	if probability > 0 && c.DecideUpdate(probability) {
		c.Logf("updating ...")
		changed, err := c.UpdateModel(ctx)
		if err != nil {
			return false, err
		}
		data, inducing := c.Sizes()
		c.Logf("update: %t  data: %d  inducing: %d  FP: %d", changed, data, inducing, len(c.fp))
		updated = true
	}
	if err := c.dyn.Run(ctx, 1); err != nil {
		return updated, fmt.Errorf("dynamics at step %d: %w", c.step, err)
	}
	c.step++
	res, err := c.calc.Calculate(ctx, c.Atoms())
	if err != nil {
		return updated, err
	}
	c.energy = append(c.energy, res.Energy)
	c.temperature = append(c.temperature, dynamics.Temperature(c.Atoms()))
	c.Logf("%v %v", c.energy[len(c.energy)-1], c.temperature[len(c.temperature)-1])
	return updated, nil
}
