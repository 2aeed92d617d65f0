package scheduler

import (
	"strconv"
	"testing"

	"gotest.tools/assert"

	"github.com/determined-ai/trialsched/pkg/model"
)

const testMetric = "episode_reward_mean"

// mockController carries out decisions immediately, the way a real controller eventually does.
// Stopping a running trial completes it with result(100, 10).
type mockController struct {
	t      *testing.T
	sched  Scheduler
	trials []*Trial

	stopped  []model.TrialID
	restored map[model.TrialID]*Checkpoint
}

func newMockController(t *testing.T, sched Scheduler) *mockController {
	return &mockController{t: t, sched: sched, restored: make(map[model.TrialID]*Checkpoint)}
}

// add creates n trials with consecutive numeric IDs and registers them with the scheduler.
func (m *mockController) add(n int) []*Trial {
	var added []*Trial
	for i := 0; i < n; i++ {
		trial := NewTrial(model.TrialID(strconv.Itoa(len(m.trials))), nil)
		m.trials = append(m.trials, trial)
		assert.NilError(m.t, m.sched.OnTrialAdd(m, trial))
		added = append(added, trial)
	}
	return added
}

func (m *mockController) launch(trials ...*Trial) {
	for _, t := range trials {
		t.Status = StatusRunning
	}
}

func (m *mockController) trial(id model.TrialID) *Trial {
	for _, t := range m.trials {
		if t.ID == id {
			return t
		}
	}
	m.t.Fatalf("unknown trial %s", id)
	return nil
}

func (m *mockController) trialsByID(ids []model.TrialID) []*Trial {
	out := make([]*Trial, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.trial(id))
	}
	return out
}

// report sends a result and returns the decision without acting on it.
func (m *mockController) report(trial *Trial, result Result) Decision {
	trial.Results = append(trial.Results, result)
	decision, err := m.sched.OnTrialResult(m, trial, result)
	assert.NilError(m.t, err)
	return decision
}

// process acts on a decision.
func (m *mockController) process(trial *Trial, decision Decision) {
	switch decision {
	case Pause:
		m.PauseTrial(trial, true)
	case Stop:
		m.StopTrial(trial)
	case Continue, Noop:
	}
}

func (m *mockController) Trials() []*Trial { return m.trials }

func (m *mockController) PauseTrial(trial *Trial, shouldCheckpoint bool) {
	if shouldCheckpoint {
		trial.Checkpoint = m.SaveCheckpoint(trial, trial.LastResult())
	}
	trial.Status = StatusPaused
}

func (m *mockController) StopTrial(trial *Trial) {
	switch trial.Status {
	case StatusError, StatusTerminated:
		return
	case StatusPending, StatusPaused:
		m.sched.OnTrialRemove(m, trial)
	default:
		m.sched.OnTrialComplete(m, trial, result(100, 10))
	}
	m.stopped = append(m.stopped, trial.ID)
	trial.Status = StatusTerminated
}

func (m *mockController) SaveCheckpoint(trial *Trial, _ Result) *Checkpoint {
	return &Checkpoint{Value: "trial_" + string(trial.ID)}
}

func (m *mockController) RestoreCheckpoint(trial *Trial, ckpt *Checkpoint) {
	m.restored[trial.ID] = ckpt
	trial.Checkpoint = ckpt
}

func result(t, reward float64) Result {
	return Result{
		TimeTotalS:        t,
		testMetric:        reward,
		TrainingIteration: int(t),
	}
}

func statuses(trials []*Trial) []Status {
	out := make([]Status, 0, len(trials))
	for _, t := range trials {
		out = append(out, t.Status)
	}
	return out
}
