package scheduler

import (
	"math"

	"github.com/pkg/errors"

	"github.com/determined-ai/trialsched/pkg/check"
	"github.com/determined-ai/trialsched/pkg/model"
	"github.com/determined-ai/trialsched/pkg/nprand"
)

// CurveFunc returns the metric a simulated trial of the given quality reports at an iteration.
type CurveFunc func(rand *nprand.State, quality float64, iteration int) float64

// SaturatingCurve approaches quality exponentially with a little noise.
func SaturatingCurve(rand *nprand.State, quality float64, iteration int) float64 {
	return quality*(1-math.Exp(-float64(iteration)/10)) + rand.Uniform(-0.01, 0.01)
}

// ConstantCurve reports the trial's quality at every iteration.
func ConstantCurve(_ *nprand.State, quality float64, _ int) float64 { return quality }

// SimulationConfig describes a simulated experiment.
type SimulationConfig struct {
	NumTrials           int     `json:"num_trials"`
	MaxConcurrent       int     `json:"max_concurrent"`
	MaxIterations       int     `json:"max_iterations"`
	SecondsPerIteration float64 `json:"seconds_per_iteration"`
	Metric              string  `json:"metric"`
	Seed                uint32  `json:"seed"`
}

// SetDefaults sets the defaults of every unset field.
func (c *SimulationConfig) SetDefaults() {
	c.NumTrials = 16
	c.MaxConcurrent = 4
	c.MaxIterations = 81
	c.SecondsPerIteration = 10
	c.Metric = "episode_reward_mean"
}

// Validate implements the check.Validatable interface.
func (c SimulationConfig) Validate() []error {
	return []error{
		check.GreaterThanOrEqualTo(c.NumTrials, 1, "num_trials"),
		check.GreaterThanOrEqualTo(c.MaxConcurrent, 1, "max_concurrent"),
		check.GreaterThanOrEqualTo(c.MaxIterations, 1, "max_iterations"),
		check.GreaterThan(c.SecondsPerIteration, 0, "seconds_per_iteration"),
		check.NotEmpty(c.Metric, "metric"),
	}
}

// SimulatedTrial summarizes one trial of a simulation.
type SimulatedTrial struct {
	ID            model.TrialID          `json:"id"`
	ExperimentTag string                 `json:"experiment_tag"`
	Status        Status                 `json:"status"`
	Iterations    int                    `json:"iterations"`
	LastMetric    Float                  `json:"last_metric"`
	Config        map[string]interface{} `json:"config"`
}

// Simulation is the outcome of Simulate.
type Simulation struct {
	Seed      uint32           `json:"seed"`
	Steps     int              `json:"steps"`
	Decisions map[Decision]int `json:"decisions"`
	Trials    []SimulatedTrial `json:"trials"`
}

type simCheckpoint struct {
	Iteration int     `json:"iteration"`
	Quality   float64 `json:"quality"`
}

// SimController is an in-memory Controller for simulated trials. Pausing, stopping and
// checkpointing take effect immediately.
type SimController struct {
	sched    Scheduler
	trials   []*Trial
	progress map[model.TrialID]int
	quality  map[model.TrialID]float64
}

// NewSimController returns an empty controller driving sched.
func NewSimController(sched Scheduler) *SimController {
	return &SimController{
		sched:    sched,
		progress: make(map[model.TrialID]int),
		quality:  make(map[model.TrialID]float64),
	}
}

// AddTrial creates a PENDING trial of the given quality and registers it with the scheduler.
func (c *SimController) AddTrial(id model.TrialID, quality float64) (*Trial, error) {
	t := NewTrial(id, nil)
	c.trials = append(c.trials, t)
	c.quality[id] = quality
	if err := c.sched.OnTrialAdd(c, t); err != nil {
		return nil, errors.Wrapf(err, "adding trial %s", id)
	}
	return t, nil
}

// Trials implements Controller.
func (c *SimController) Trials() []*Trial { return c.trials }

// PauseTrial implements Controller.
func (c *SimController) PauseTrial(trial *Trial, shouldCheckpoint bool) {
	if shouldCheckpoint {
		trial.Checkpoint = c.SaveCheckpoint(trial, trial.LastResult())
	}
	trial.Status = StatusPaused
}

// StopTrial implements Controller. Trials that never finished are removed, running trials
// complete with their last result.
func (c *SimController) StopTrial(trial *Trial) {
	switch trial.Status {
	case StatusTerminated, StatusError:
		return
	case StatusPending, StatusPaused:
		c.sched.OnTrialRemove(c, trial)
	default:
		c.sched.OnTrialComplete(c, trial, trial.LastResult())
	}
	trial.Status = StatusTerminated
}

// SaveCheckpoint implements Controller.
func (c *SimController) SaveCheckpoint(trial *Trial, _ Result) *Checkpoint {
	return &Checkpoint{Value: simCheckpoint{
		Iteration: c.progress[trial.ID],
		Quality:   c.quality[trial.ID],
	}}
}

// RestoreCheckpoint implements Controller.
func (c *SimController) RestoreCheckpoint(trial *Trial, ckpt *Checkpoint) {
	if ckpt == nil {
		return
	}
	if sc, ok := ckpt.Value.(simCheckpoint); ok {
		c.progress[trial.ID] = sc.Iteration
		c.quality[trial.ID] = sc.Quality
	}
	trial.Checkpoint = ckpt
}

// nextToTrain returns the running trial with the least progress.
func (c *SimController) nextToTrain() *Trial {
	var next *Trial
	for _, t := range c.trials {
		if t.Status != StatusRunning {
			continue
		}
		if next == nil || c.progress[t.ID] < c.progress[next.ID] {
			next = t
		}
	}
	return next
}

func (c *SimController) running() int {
	n := 0
	for _, t := range c.trials {
		if t.Status == StatusRunning {
			n++
		}
	}
	return n
}

// Simulate runs an experiment of synthetic trials under sched. Each trial gets a random quality
// and reports curve values; the scheduler's decisions are carried out by a SimController. The
// outcome is fully determined by the seed.
func Simulate(sched Scheduler, config SimulationConfig, curve CurveFunc) (Simulation, error) {
	sim := Simulation{Seed: config.Seed, Decisions: make(map[Decision]int)}
	if err := check.Validate(config); err != nil {
		return sim, err
	}
	if curve == nil {
		curve = SaturatingCurve
	}
	rand := nprand.New(config.Seed)
	ctl := NewSimController(sched)
	for i := 0; i < config.NumTrials; i++ {
		if _, err := ctl.AddTrial(model.NewTrialID(rand), rand.Uniform(0.5, 1.5)); err != nil {
			return sim, err
		}
	}

	maxSteps := 4 * config.NumTrials * config.MaxIterations
	for ; sim.Steps < maxSteps; sim.Steps++ {
		for ctl.running() < config.MaxConcurrent {
			t := sched.ChooseTrialToRun(ctl)
			if t == nil {
				break
			}
			if t.Status != StatusPending && t.Status != StatusPaused {
				return sim, errors.Errorf("scheduler chose trial %s in state %s", t.ID, t.Status)
			}
			t.Status = StatusRunning
		}

		t := ctl.nextToTrain()
		if t == nil {
			break
		}
		ctl.progress[t.ID]++
		iter := ctl.progress[t.ID]
		result := Result{
			TrainingIteration: iter,
			TimeTotalS:        float64(iter) * config.SecondsPerIteration,
			config.Metric:     curve(rand, ctl.quality[t.ID], iter),
		}
		t.Results = append(t.Results, result)

		if iter >= config.MaxIterations {
			t.Status = StatusTerminated
			sched.OnTrialComplete(ctl, t, result)
			continue
		}
		decision, err := sched.OnTrialResult(ctl, t, result)
		if err != nil {
			t.Status = StatusError
			sched.OnTrialError(ctl, t)
			continue
		}
		sim.Decisions[decision]++
		switch decision {
		case Pause:
			ctl.PauseTrial(t, true)
		case Stop:
			ctl.StopTrial(t)
		case Continue, Noop:
		}
	}
	if sim.Steps >= maxSteps {
		return sim, errors.Errorf("simulation did not finish within %d steps", maxSteps)
	}

	for _, t := range ctl.trials {
		last, _ := t.LastResult().Float(config.Metric)
		sim.Trials = append(sim.Trials, SimulatedTrial{
			ID:            t.ID,
			ExperimentTag: t.ExperimentTag,
			Status:        t.Status,
			Iterations:    ctl.progress[t.ID],
			LastMetric:    Float(last),
			Config:        t.Config,
		})
	}
	return sim, nil
}
