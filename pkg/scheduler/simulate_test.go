package scheduler

import (
	"testing"

	"gotest.tools/assert"
)

func simulationConfig() SimulationConfig {
	var c SimulationConfig
	c.SetDefaults()
	c.NumTrials = 8
	c.MaxConcurrent = 2
	c.MaxIterations = 27
	c.Metric = testMetric
	return c
}

func TestSimulateFIFO(t *testing.T) {
	config := simulationConfig()
	sim, err := Simulate(NewFIFO(), config, ConstantCurve)
	assert.NilError(t, err)
	assert.Equal(t, sim.Steps, config.NumTrials*config.MaxIterations)
	assert.Equal(t, sim.Decisions[Continue], config.NumTrials*(config.MaxIterations-1))
	assert.Equal(t, len(sim.Trials), config.NumTrials)
	for _, trial := range sim.Trials {
		assert.Equal(t, trial.Status, StatusTerminated)
		assert.Equal(t, trial.Iterations, config.MaxIterations)
	}
}

func TestSimulateFinishes(t *testing.T) {
	config := simulationConfig()
	schedulers := map[string]func() Scheduler{
		"median": func() Scheduler {
			return newMedianRule(30, 2)
		},
		"asha": func() Scheduler {
			return newASHA(func(c *ASHAConfig) { c.MaxT = 27 })
		},
		"hyperband": func() Scheduler {
			return NewHyperBand(hyperBandConfig(func(c *HyperBandConfig) { c.MaxT = 27 }))
		},
		"pbt": func() Scheduler {
			p, err := NewPBT(pbtConfig(func(c *PBTConfig) { c.PerturbationInterval = 5 }))
			assert.NilError(t, err)
			return p
		},
	}
	for name, newScheduler := range schedulers {
		t.Run(name, func(t *testing.T) {
			sim, err := Simulate(newScheduler(), config, SaturatingCurve)
			assert.NilError(t, err)
			assert.Equal(t, len(sim.Trials), config.NumTrials)
			for _, trial := range sim.Trials {
				assert.Equal(t, trial.Status, StatusTerminated, "trial %s", trial.ID)
			}
		})
	}
}

func TestSimulateIsDeterministic(t *testing.T) {
	config := simulationConfig()
	config.Seed = 7
	run := func() Simulation {
		sim, err := Simulate(newASHA(func(c *ASHAConfig) { c.MaxT = 27 }), config, SaturatingCurve)
		assert.NilError(t, err)
		return sim
	}
	assert.DeepEqual(t, run(), run())

	other := config
	other.Seed = 8
	sim, err := Simulate(newASHA(func(c *ASHAConfig) { c.MaxT = 27 }), other, SaturatingCurve)
	assert.NilError(t, err)
	assert.Assert(t, sim.Trials[0].ID != run().Trials[0].ID)
}

func TestSimulateValidates(t *testing.T) {
	config := simulationConfig()
	config.MaxConcurrent = 0
	_, err := Simulate(NewFIFO(), config, nil)
	assert.ErrorContains(t, err, "max_concurrent")
}
