package scheduler

import (
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/assert"

	"github.com/determined-ai/trialsched/pkg/model"
	"github.com/determined-ai/trialsched/pkg/nprand"
)

func pbtConfig(opts ...func(*PBTConfig)) PBTConfig {
	var c PBTConfig
	c.SetDefaults()
	c.TimeAttr = TrainingIteration
	c.Metric = testMetric
	c.PerturbationInterval = 10
	c.ResampleProbability = 0
	c.HyperparamMutations = map[string]interface{}{
		"id_factor":    []interface{}{100},
		"float_factor": DomainFunc(func(*nprand.State) interface{} { return 100.0 }),
		"int_factor":   DomainFunc(func(*nprand.State) interface{} { return 10 }),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// pbtSetup adds five running trials. Unless the scheduler is synchronous each reports a score
// of 50*i at step 10, so trial 0 is the worst and trial 4 the best.
func pbtSetup(t *testing.T, opts ...func(*PBTConfig)) (*PBT, *mockController) {
	p, err := NewPBT(pbtConfig(opts...))
	assert.NilError(t, err)
	ctl := newMockController(t, p)
	for i := 0; i < 5; i++ {
		trial := NewTrial(model.TrialID(strconv.Itoa(i)), map[string]interface{}{
			"id_factor":    i,
			"float_factor": 2.0,
			"const_factor": 3,
			"int_factor":   10,
		})
		ctl.trials = append(ctl.trials, trial)
		assert.NilError(t, p.OnTrialAdd(ctl, trial))
		trial.Status = StatusRunning
		if !p.Synch {
			assert.Equal(t, ctl.report(trial, result(10, float64(50*i))), Continue)
		}
	}
	p.ResetStats()
	return p, ctl
}

func lastScores(t *testing.T, p *PBT, trials []*Trial) []float64 {
	out := make([]float64, 0, len(trials))
	for _, trial := range trials {
		state, ok := p.trials.Get(trial.ID)
		assert.Assert(t, ok, "trial %s", trial.ID)
		assert.Assert(t, state.LastScore != nil, "trial %s", trial.ID)
		out = append(out, float64(*state.LastScore))
	}
	return out
}

func assertPerturbed(t *testing.T, trial *Trial) {
	assert.Assert(t, strings.HasPrefix(trial.ExperimentTag, string(trial.ID)+"@perturbed["),
		trial.ExperimentTag)
	f := trial.Config["float_factor"].(float64)
	assert.Assert(t, f == 2.0*1.2 || f == 2.0*0.8, f)
	assert.Assert(t, trial.Config["int_factor"] == 12 || trial.Config["int_factor"] == 8,
		trial.Config["int_factor"])
	assert.Equal(t, trial.Config["id_factor"], 100)
	assert.Equal(t, trial.Config["const_factor"], 3)
}

func TestPBTCheckpointsMostPromisingTrials(t *testing.T) {
	p, ctl := pbtSetup(t)
	trials := ctl.trials
	assert.DeepEqual(t, lastScores(t, p, trials), []float64{0, 50, 100, 150, 200})

	// Not past the next perturbation interval yet.
	assert.Equal(t, ctl.report(trials[0], result(15, 200)), Continue)
	assert.DeepEqual(t, lastScores(t, p, trials), []float64{0, 50, 100, 150, 200})
	assert.Equal(t, p.NumCheckpoints(), 0)

	assert.Equal(t, ctl.report(trials[0], result(20, 200)), Continue)
	assert.DeepEqual(t, lastScores(t, p, trials), []float64{200, 50, 100, 150, 200})
	assert.Equal(t, p.NumCheckpoints(), 1)

	assert.Equal(t, ctl.report(trials[1], result(30, 201)), Continue)
	assert.DeepEqual(t, lastScores(t, p, trials), []float64{200, 201, 100, 150, 200})
	assert.Equal(t, p.NumCheckpoints(), 2)

	// No longer in the top quantile.
	assert.Equal(t, ctl.report(trials[4], result(30, 199)), Continue)
	assert.Equal(t, p.NumCheckpoints(), 2)
	assert.Equal(t, p.NumPerturbations(), 0)
}

func TestPBTPerturbsLowPerformingTrials(t *testing.T) {
	p, ctl := pbtSetup(t)
	trials := ctl.trials

	assert.Equal(t, ctl.report(trials[0], result(15, -100)), Continue)
	assert.DeepEqual(t, lastScores(t, p, trials), []float64{0, 50, 100, 150, 200})
	assert.Assert(t, !strings.Contains(trials[0].ExperimentTag, "@perturbed"))
	assert.Equal(t, p.NumPerturbations(), 0)

	// The exploiting trial was paused and restored by the scheduler itself.
	assert.Equal(t, ctl.report(trials[0], result(20, -100)), Noop)
	assert.Equal(t, trials[0].Status, StatusPaused)
	assert.DeepEqual(t, lastScores(t, p, trials), []float64{-100, 50, 100, 150, 200})
	assertPerturbed(t, trials[0])
	restored := ctl.restored[trials[0].ID].Value
	assert.Assert(t, restored == "trial_3" || restored == "trial_4", restored)
	assert.Equal(t, p.NumPerturbations(), 1)

	assert.Equal(t, ctl.report(trials[2], result(20, 40)), Noop)
	assert.DeepEqual(t, lastScores(t, p, trials), []float64{-100, 50, 40, 150, 200})
	assertPerturbed(t, trials[2])
	assert.Equal(t, p.NumPerturbations(), 2)
}

func TestPBTExploitCopiesSourceProgress(t *testing.T) {
	p, ctl := pbtSetup(t)
	trials := ctl.trials
	assert.Equal(t, ctl.report(trials[4], result(40, 300)), Continue)
	assert.Equal(t, ctl.report(trials[3], result(40, 250)), Continue)

	assert.Equal(t, ctl.report(trials[0], result(20, -100)), Noop)
	state, _ := p.trials.Get(trials[0].ID)
	assert.Equal(t, float64(state.LastPerturbationTime), 40.0)
	assert.Equal(t, float64(state.LastTrainTime), 40.0)

	// The clone is not due for another perturbation until it passes step 50.
	trials[0].Status = StatusRunning
	assert.Equal(t, ctl.report(trials[0], result(45, -100)), Continue)
	assert.Equal(t, p.NumPerturbations(), 1)
}

func TestPBTPausesWhenOthersWait(t *testing.T) {
	_, ctl := pbtSetup(t)
	trials := ctl.trials
	waiting := NewTrial("5", nil)
	ctl.trials = append(ctl.trials, waiting)
	assert.NilError(t, ctl.sched.OnTrialAdd(ctl, waiting))

	assert.Equal(t, ctl.report(trials[2], result(20, 100)), Pause)
	// Exploited trials are already paused, whatever waits.
	assert.Equal(t, ctl.report(trials[0], result(20, -100)), Noop)
}

func TestPBTFillsMissingHyperparameters(t *testing.T) {
	p, ctl := pbtSetup(t)
	trial := NewTrial("new", map[string]interface{}{"int_factor": 3})
	ctl.trials = append(ctl.trials, trial)
	assert.NilError(t, p.OnTrialAdd(ctl, trial))
	assert.DeepEqual(t, trial.Config, map[string]interface{}{
		"id_factor":    100,
		"float_factor": 100.0,
		"int_factor":   3,
	})
	assert.ErrorContains(t, p.OnTrialAdd(ctl, trial), "already added")
}

func TestPBTChooseTrialToRun(t *testing.T) {
	p, ctl := pbtSetup(t)
	trials := ctl.trials
	assert.Assert(t, p.ChooseTrialToRun(ctl) == nil)

	assert.Equal(t, ctl.report(trials[2], result(20, 100)), Continue)
	trials[2].Status = StatusPaused
	trials[3].Status = StatusPaused
	assert.Equal(t, p.ChooseTrialToRun(ctl), trials[3])
	trials[3].Status = StatusRunning
	assert.Equal(t, p.ChooseTrialToRun(ctl), trials[2])
	trials[2].Status = StatusRunning
	assert.Assert(t, p.ChooseTrialToRun(ctl) == nil)
}

func TestPBTRequireAttrs(t *testing.T) {
	p, ctl := pbtSetup(t)
	_, err := p.OnTrialResult(ctl, ctl.trials[0], Result{TrainingIteration: 20})
	assert.Assert(t, errors.Is(err, ErrMissingAttribute))

	lenient, ctl := pbtSetup(t, func(c *PBTConfig) { c.RequireAttrs = false })
	decision, err := lenient.OnTrialResult(ctl, ctl.trials[0], Result{TrainingIteration: 20})
	assert.NilError(t, err)
	assert.Equal(t, decision, Continue)

	_, err = lenient.OnTrialResult(ctl, NewTrial("stranger", nil), result(20, 1))
	assert.ErrorContains(t, err, "never added")
}

func TestPBTBurnIn(t *testing.T) {
	p, ctl := pbtSetup(t, func(c *PBTConfig) { c.BurnInPeriod = 30 })
	trials := ctl.trials
	assert.Equal(t, ctl.report(trials[0], result(20, -100)), Continue)
	assert.Equal(t, p.NumPerturbations(), 0)
	for _, trial := range trials {
		state, _ := p.trials.Get(trial.ID)
		assert.Assert(t, state.LastScore == nil)
	}
}

func TestPBTSynch(t *testing.T) {
	p, ctl := pbtSetup(t, func(c *PBTConfig) { c.Synch = true })
	trials := ctl.trials

	for i := 0; i < 4; i++ {
		assert.Equal(t, ctl.report(trials[i], result(10, float64(50*i))), Pause)
		ctl.PauseTrial(trials[i], true)
	}
	assert.Equal(t, p.NumPerturbations(), 0)
	// Trials that reached the barrier wait for trial 4.
	assert.Assert(t, p.ChooseTrialToRun(ctl) == nil)

	assert.Equal(t, ctl.report(trials[4], result(10, 200)), Pause)
	assert.Equal(t, p.NumCheckpoints(), 2)
	assert.Equal(t, p.NumPerturbations(), 2)
	for _, trial := range trials[:2] {
		assertPerturbed(t, trial)
		restored := ctl.restored[trial.ID].Value
		assert.Assert(t, restored == "trial_3" || restored == "trial_4", restored)
	}
	assert.Equal(t, p.nextSync, 20.0)
	assert.Equal(t, p.ChooseTrialToRun(ctl), trials[0])
}

func TestPBTSynchReleasesBarrierOnRemoval(t *testing.T) {
	p, ctl := pbtSetup(t, func(c *PBTConfig) { c.Synch = true })
	trials := ctl.trials
	for i := 0; i < 4; i++ {
		assert.Equal(t, ctl.report(trials[i], result(10, float64(50*i))), Pause)
		ctl.PauseTrial(trials[i], true)
	}

	trials[4].Status = StatusError
	p.OnTrialError(ctl, trials[4])
	assert.Equal(t, p.NumPerturbations(), 1)
	assert.Equal(t, ctl.restored[trials[0].ID].Value, "trial_3")
	assertPerturbed(t, trials[0])
	assert.Equal(t, p.ChooseTrialToRun(ctl), trials[0])
}

func TestPBTPolicyLog(t *testing.T) {
	dir := t.TempDir()
	_, ctl := pbtSetup(t, func(c *PBTConfig) {
		c.LogConfig = true
		c.LogDir = dir
	})
	trials := ctl.trials
	assert.Equal(t, ctl.report(trials[0], result(20, -100)), Noop)

	global, err := ReadPolicyLog(filepath.Join(dir, GlobalPolicyFile))
	assert.NilError(t, err)
	assert.Equal(t, len(global), 1)
	rec := global[0]
	assert.Equal(t, rec.ExploiterTag, "0")
	assert.Assert(t, rec.SourceTag == "3" || rec.SourceTag == "4", rec.SourceTag)
	assert.Equal(t, rec.ExploiterStep, 20)
	assert.Equal(t, rec.SourceStep, 10)
	assert.Equal(t, rec.NewConfig["id_factor"], 100.0)
	assert.Equal(t, rec.NewConfig["const_factor"], 3.0)

	perTrial, err := ReadPolicyLog(filepath.Join(dir, PolicyFile(trials[0].ID)))
	assert.NilError(t, err)
	assert.DeepEqual(t, perTrial, global)

	// The replay of trial 0 starts from the source's config.
	replay, err := NewPBTReplay(PBTReplayConfig{PolicyFile: filepath.Join(dir, PolicyFile("0"))})
	assert.NilError(t, err)
	assert.DeepEqual(t, replay.InitialConfig(), rec.SourceConfig)
}

func TestPBTNaNScoresRankLowest(t *testing.T) {
	p, ctl := pbtSetup(t)
	trials := ctl.trials
	assert.Equal(t, ctl.report(trials[4], result(20, math.NaN())), Noop)
	assertPerturbed(t, trials[4])
	restored := ctl.restored[trials[4].ID].Value
	assert.Assert(t, restored == "trial_2" || restored == "trial_3", restored)
	assert.Equal(t, p.NumPerturbations(), 1)
}

func TestPBTExperimentTag(t *testing.T) {
	tag := experimentTag("3_lr=0.1", map[string]interface{}{
		"lr":    0.123456789,
		"batch": 32,
		"other": "x",
	}, []string{"batch", "lr", "missing"})
	assert.Equal(t, tag, "3_lr=0.1@perturbed[batch=32,lr=0.12346]")
}

func TestPBTSnapshot(t *testing.T) {
	p, ctl := pbtSetup(t)
	trials := ctl.trials
	assert.Equal(t, ctl.report(trials[0], result(20, -100)), Noop)

	state, err := p.Snapshot()
	assert.NilError(t, err)
	restored, err := NewPBT(pbtConfig())
	assert.NilError(t, err)
	assert.NilError(t, restored.Restore(state))
	assert.Equal(t, restored.DebugString(), p.DebugString())
	assert.Equal(t, restored.DebugString(), "PopulationBasedTraining: 0 checkpoints, 1 perturbs")
	assert.DeepEqual(t, restored.trials.Keys(), p.trials.Keys())
	assert.DeepEqual(t, lastScores(t, restored, trials), lastScores(t, p, trials))

	// Both continue with the same random stream.
	a, b := p.rand.UnitInterval(), restored.rand.UnitInterval()
	assert.Equal(t, a, b)
}
