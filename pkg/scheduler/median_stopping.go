package scheduler

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/trialsched/pkg/check"
	"github.com/determined-ai/trialsched/pkg/mmath"
	"github.com/determined-ai/trialsched/pkg/model"
	"github.com/determined-ai/trialsched/pkg/set"
)

// MedianStoppingConfig configures the median stopping rule.
type MedianStoppingConfig struct {
	TimeAttr           string  `json:"time_attr"`
	Metric             string  `json:"metric"`
	Mode               Mode    `json:"mode"`
	GracePeriod        float64 `json:"grace_period"`
	MinSamplesRequired int     `json:"min_samples_required"`
	MinTimeSlice       float64 `json:"min_time_slice"`
	HardStop           bool    `json:"hard_stop"`
}

// SetDefaults implements union.Defaulter.
func (c *MedianStoppingConfig) SetDefaults() {
	c.TimeAttr = TimeTotalS
	c.Mode = Max
	c.GracePeriod = 60
	c.MinSamplesRequired = 3
	c.HardStop = true
}

// Validate implements the check.Validatable interface.
func (c MedianStoppingConfig) Validate() []error {
	return []error{
		check.NotEmpty(c.TimeAttr, "time_attr"),
		check.NotEmpty(c.Metric, "metric"),
		check.GreaterThanOrEqualTo(c.GracePeriod, 0, "grace_period"),
		check.GreaterThanOrEqualTo(c.MinSamplesRequired, 1, "min_samples_required"),
		check.GreaterThanOrEqualTo(c.MinTimeSlice, 0, "min_time_slice"),
	}
}

type medianStoppingState struct {
	Results       map[model.TrialID][]Result `json:"results"`
	StoppedTrials set.Set[model.TrialID]     `json:"stopped_trials"`
	LastPause     map[model.TrialID]Float    `json:"last_pause"`
	NumStopped    int                        `json:"num_stopped"`
}

// MedianStoppingRule stops a trial when its best result so far is worse than the median of the
// running averages other trials had reached by the same time.
type MedianStoppingRule struct {
	MedianStoppingConfig
	medianStoppingState

	log *logrus.Entry
}

// NewMedianStoppingRule returns a median stopping rule for the given options.
func NewMedianStoppingRule(config MedianStoppingConfig) *MedianStoppingRule {
	return &MedianStoppingRule{
		MedianStoppingConfig: config,
		medianStoppingState:  newMedianStoppingState(),
		log:                  logrus.WithField("scheduler", MedianStoppingType),
	}
}

func newMedianStoppingState() medianStoppingState {
	return medianStoppingState{
		Results:       make(map[model.TrialID][]Result),
		StoppedTrials: set.New[model.TrialID](),
		LastPause:     make(map[model.TrialID]Float),
	}
}

// Type implements Scheduler.
func (*MedianStoppingRule) Type() Type { return MedianStoppingType }

// OnTrialAdd implements Scheduler.
func (*MedianStoppingRule) OnTrialAdd(Controller, *Trial) error { return nil }

// OnTrialResult implements Scheduler.
func (m *MedianStoppingRule) OnTrialResult(
	ctl Controller, trial *Trial, result Result,
) (Decision, error) {
	t, _, err := signedScore(result, m.TimeAttr, m.Metric, m.Mode)
	if err != nil {
		m.log.WithError(err).Warnf("continuing trial %s", trial.ID)
		return Continue, nil
	}
	if m.StoppedTrials.Contains(trial.ID) {
		return Continue, nil
	}

	m.Results[trial.ID] = append(m.Results[trial.ID], result)
	if t < m.GracePeriod {
		return Continue, nil
	}

	pool := m.trialsBeyondTime(t, trial.ID)
	if len(pool) < m.MinSamplesRequired {
		decision := m.onInsufficientSamples(ctl, trial, t)
		if decision == Pause {
			m.LastPause[trial.ID] = Float(t)
			m.log.Debugf("trial %s: %d samples at %v, yielding time to other trials",
				trial.ID, len(pool), t)
		} else {
			m.log.Debugf("trial %s: %d samples at %v, continuing anyway", trial.ID, len(pool), t)
		}
		return decision, nil
	}

	median := m.medianResult(pool, t)
	best := m.bestResult(trial.ID)
	m.log.Debugf("trial %s: best %v, median %v at %v", trial.ID, best, median, t)
	if best < median {
		m.NumStopped++
		if m.HardStop {
			m.log.Infof("stopping trial %s: best %v is below median %v", trial.ID, best, median)
			return Stop, nil
		}
		m.log.Infof("pausing trial %s: best %v is below median %v", trial.ID, best, median)
		m.StoppedTrials.Insert(trial.ID)
		return Pause, nil
	}
	return Continue, nil
}

// OnTrialComplete records the final result so it takes part in later medians.
func (m *MedianStoppingRule) OnTrialComplete(_ Controller, trial *Trial, result Result) {
	if !result.Has(m.TimeAttr, m.Metric) {
		return
	}
	m.Results[trial.ID] = append(m.Results[trial.ID], result)
}

// OnTrialError forgets every result of the trial.
func (m *MedianStoppingRule) OnTrialError(_ Controller, trial *Trial) {
	m.forget(trial.ID)
}

// OnTrialRemove forgets every result of a trial that did not finish.
func (m *MedianStoppingRule) OnTrialRemove(_ Controller, trial *Trial) {
	if trial.Status == StatusTerminated {
		return
	}
	m.forget(trial.ID)
}

func (m *MedianStoppingRule) forget(id model.TrialID) {
	delete(m.Results, id)
	m.StoppedTrials.Remove(id)
	delete(m.LastPause, id)
}

// ChooseTrialToRun runs trials first in, first out.
func (m *MedianStoppingRule) ChooseTrialToRun(ctl Controller) *Trial {
	return (&FIFO{log: m.log}).ChooseTrialToRun(ctl)
}

// DebugString implements Scheduler.
func (m *MedianStoppingRule) DebugString() string {
	return fmt.Sprintf("Using MedianStoppingRule: num_stopped=%d.", m.NumStopped)
}

func (m *MedianStoppingRule) onInsufficientSamples(ctl Controller, trial *Trial, t float64) Decision {
	last, ok := m.LastPause[trial.ID]
	if !ok {
		last = Float(math.Inf(-1))
	}
	if t-float64(last) > m.MinTimeSlice &&
		anyWithStatus(controllerTrials(ctl), StatusPending, StatusPaused) {
		return Pause
	}
	return Continue
}

func (m *MedianStoppingRule) trialsBeyondTime(t float64, exclude model.TrialID) []model.TrialID {
	var ids []model.TrialID
	for id, results := range m.Results {
		if id == exclude || len(results) == 0 {
			continue
		}
		if last, ok := results[len(results)-1].Float(m.TimeAttr); ok && last >= t {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *MedianStoppingRule) medianResult(ids []model.TrialID, t float64) float64 {
	means := make([]float64, 0, len(ids))
	for _, id := range ids {
		means = append(means, m.runningMean(id, t))
	}
	return mmath.Median(means)
}

func (m *MedianStoppingRule) runningMean(id model.TrialID, t float64) float64 {
	var scoped []float64
	for _, r := range m.Results[id] {
		rt, score, err := signedScore(r, m.TimeAttr, m.Metric, m.Mode)
		if err != nil || rt < m.GracePeriod || rt > t {
			continue
		}
		scoped = append(scoped, score)
	}
	return mmath.NanMean(scoped)
}

func (m *MedianStoppingRule) bestResult(id model.TrialID) float64 {
	best := math.NaN()
	for _, r := range m.Results[id] {
		_, score, err := signedScore(r, m.TimeAttr, m.Metric, m.Mode)
		if err != nil || math.IsNaN(score) {
			continue
		}
		if math.IsNaN(best) || score > best {
			best = score
		}
	}
	return best
}

// Snapshot implements model.Snapshotter.
func (m *MedianStoppingRule) Snapshot() (json.RawMessage, error) {
	return json.Marshal(m.medianStoppingState)
}

// Restore implements model.Snapshotter.
func (m *MedianStoppingRule) Restore(state json.RawMessage) error {
	if state == nil {
		return nil
	}
	restored := newMedianStoppingState()
	if err := json.Unmarshal(state, &restored); err != nil {
		return errors.Wrap(err, "restoring median stopping state")
	}
	m.medianStoppingState = restored
	return nil
}
