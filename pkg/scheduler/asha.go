package scheduler

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/trialsched/pkg/check"
	"github.com/determined-ai/trialsched/pkg/mmath"
	"github.com/determined-ai/trialsched/pkg/model"
	"github.com/determined-ai/trialsched/pkg/nprand"
)

// ASHAConfig configures asynchronous successive halving.
type ASHAConfig struct {
	TimeAttr        string  `json:"time_attr"`
	Metric          string  `json:"metric"`
	Mode            Mode    `json:"mode"`
	MaxT            float64 `json:"max_t"`
	GracePeriod     float64 `json:"grace_period"`
	ReductionFactor float64 `json:"reduction_factor"`
	Brackets        int     `json:"brackets"`
	StopLastTrials  bool    `json:"stop_last_trials"`
	Seed            uint32  `json:"seed"`
}

// SetDefaults implements union.Defaulter.
func (c *ASHAConfig) SetDefaults() {
	c.TimeAttr = TrainingIteration
	c.Mode = Max
	c.MaxT = 100
	c.GracePeriod = 1
	c.ReductionFactor = 4
	c.Brackets = 1
	c.StopLastTrials = true
}

// Validate implements the check.Validatable interface.
func (c ASHAConfig) Validate() []error {
	return []error{
		check.NotEmpty(c.TimeAttr, "time_attr"),
		check.NotEmpty(c.Metric, "metric"),
		check.GreaterThan(c.GracePeriod, 0, "grace_period"),
		check.GreaterThanOrEqualTo(c.MaxT, c.GracePeriod, "max_t must be at least grace_period"),
		check.GreaterThan(c.ReductionFactor, 1, "reduction_factor"),
		check.GreaterThanOrEqualTo(c.Brackets, 1, "brackets"),
	}
}

// ashaRung records the signed metric of every trial that reached its milestone.
type ashaRung struct {
	Milestone Float                   `json:"milestone"`
	Recorded  map[model.TrialID]Float `json:"recorded"`
}

func (r *ashaRung) values() []float64 {
	vals := make([]float64, 0, len(r.Recorded))
	for _, v := range r.Recorded {
		vals = append(vals, float64(v))
	}
	return vals
}

type ashaBracket struct {
	// Rungs are ordered by descending milestone.
	Rungs []*ashaRung `json:"rungs"`

	rf             float64
	stopLastTrials bool
}

func newASHABracket(minT, maxT, rf float64, s int, stopLastTrials bool) *ashaBracket {
	numRungs := int(math.Log(maxT/minT)/math.Log(rf) - float64(s) + 1)
	b := &ashaBracket{rf: rf, stopLastTrials: stopLastTrials}
	for k := numRungs - 1; k >= 0; k-- {
		b.Rungs = append(b.Rungs, &ashaRung{
			Milestone: Float(minT * math.Pow(rf, float64(k+s))),
			Recorded:  make(map[model.TrialID]Float),
		})
	}
	return b
}

// cutoff is the score a trial must reach to survive the rung, or false if nothing was recorded.
func (b *ashaBracket) cutoff(r *ashaRung) (float64, bool) {
	if len(r.Recorded) == 0 {
		return 0, false
	}
	return mmath.NanPercentile(r.values(), (1-1/b.rf)*100), true
}

// onResult checks the highest milestone the trial crossed but has not been recorded at.
func (b *ashaBracket) onResult(id model.TrialID, t, score float64) Decision {
	action := Continue
	for _, r := range b.Rungs {
		_, recorded := r.Recorded[id]
		if t >= float64(r.Milestone) && recorded && !b.stopLastTrials {
			break
		}
		if t < float64(r.Milestone) || recorded {
			continue
		}
		if cutoff, ok := b.cutoff(r); ok && !math.IsNaN(cutoff) {
			if math.IsNaN(score) || score < cutoff {
				action = Stop
			}
		}
		r.Recorded[id] = Float(score)
		break
	}
	return action
}

func (b *ashaBracket) String() string {
	parts := make([]string, 0, len(b.Rungs))
	for _, r := range b.Rungs {
		c, ok := b.cutoff(r)
		cutoff := "None"
		if ok {
			cutoff = fmt.Sprintf("%v", c)
		}
		parts = append(parts, fmt.Sprintf("Iter %.3f: %s", float64(r.Milestone), cutoff))
	}
	return "Bracket: " + strings.Join(parts, " | ")
}

type ashaState struct {
	Ladders    []*ashaBracket        `json:"brackets"`
	TrialInfo  map[model.TrialID]int `json:"trial_info"`
	NumStopped int                   `json:"num_stopped"`
	Rand       *nprand.State         `json:"rand"`
}

// AsyncHyperBand is asynchronous successive halving (ASHA): a trial is stopped at a milestone
// when its score falls below the top 1/reduction_factor of the scores recorded there so far.
// Nothing ever waits for other trials. See https://arxiv.org/abs/1810.05934.
type AsyncHyperBand struct {
	ASHAConfig
	ashaState

	log *logrus.Entry
}

// NewAsyncHyperBand returns an ASHA scheduler for the given options.
func NewAsyncHyperBand(config ASHAConfig) *AsyncHyperBand {
	a := &AsyncHyperBand{
		ASHAConfig: config,
		ashaState: ashaState{
			TrialInfo: make(map[model.TrialID]int),
			Rand:      nprand.New(config.Seed),
		},
		log: logrus.WithField("scheduler", ASHAType),
	}
	a.Ladders = a.newBrackets()
	return a
}

func (a *AsyncHyperBand) newBrackets() []*ashaBracket {
	brackets := make([]*ashaBracket, 0, a.Brackets)
	for s := 0; s < a.Brackets; s++ {
		brackets = append(brackets, newASHABracket(
			a.GracePeriod, a.MaxT, a.ReductionFactor, s, a.StopLastTrials))
	}
	return brackets
}

// Type implements Scheduler.
func (*AsyncHyperBand) Type() Type { return ASHAType }

// OnTrialAdd assigns the trial a bracket, favoring brackets with more rungs.
func (a *AsyncHyperBand) OnTrialAdd(_ Controller, trial *Trial) error {
	if _, ok := a.TrialInfo[trial.ID]; ok {
		return errors.Errorf("trial %s was already added", trial.ID)
	}
	a.assign(trial.ID)
	return nil
}

func (a *AsyncHyperBand) assign(id model.TrialID) int {
	sizes := make([]float64, 0, len(a.Ladders))
	for _, b := range a.Ladders {
		sizes = append(sizes, float64(len(b.Rungs)))
	}
	largest := mmath.Max(sizes...)
	weights := make([]float64, 0, len(sizes))
	for _, s := range sizes {
		weights = append(weights, math.Exp(s-largest))
	}
	idx := a.Rand.WeightedIndex(weights)
	a.TrialInfo[id] = idx
	return idx
}

// OnTrialResult implements Scheduler.
func (a *AsyncHyperBand) OnTrialResult(_ Controller, trial *Trial, result Result) (Decision, error) {
	t, score, err := signedScore(result, a.TimeAttr, a.Metric, a.Mode)
	if err != nil {
		a.log.WithError(err).Warnf("continuing trial %s", trial.ID)
		return Continue, nil
	}

	var action Decision
	if t >= a.MaxT && a.StopLastTrials {
		action = Stop
	} else {
		idx, ok := a.TrialInfo[trial.ID]
		if !ok {
			a.log.Warnf("trial %s reported before it was added", trial.ID)
			idx = a.assign(trial.ID)
		}
		action = a.Ladders[idx].onResult(trial.ID, t, score)
	}
	if action == Stop {
		a.NumStopped++
		a.log.Debugf("stopping trial %s at %v", trial.ID, t)
	}
	return action, nil
}

// OnTrialComplete records the final result in the trial's bracket and forgets the trial.
func (a *AsyncHyperBand) OnTrialComplete(_ Controller, trial *Trial, result Result) {
	idx, ok := a.TrialInfo[trial.ID]
	if !ok {
		return
	}
	if t, score, err := signedScore(result, a.TimeAttr, a.Metric, a.Mode); err == nil {
		a.Ladders[idx].onResult(trial.ID, t, score)
	}
	delete(a.TrialInfo, trial.ID)
}

// OnTrialError drops the trial and its recorded scores.
func (a *AsyncHyperBand) OnTrialError(_ Controller, trial *Trial) {
	a.forget(trial.ID)
}

// OnTrialRemove implements Scheduler.
func (a *AsyncHyperBand) OnTrialRemove(_ Controller, trial *Trial) {
	if trial.Status == StatusTerminated {
		return
	}
	a.forget(trial.ID)
}

// forget removes a trial that did not finish so its scores no longer set rung cutoffs.
func (a *AsyncHyperBand) forget(id model.TrialID) {
	if idx, ok := a.TrialInfo[id]; ok {
		for _, r := range a.Ladders[idx].Rungs {
			delete(r.Recorded, id)
		}
	}
	delete(a.TrialInfo, id)
}

// ChooseTrialToRun runs trials first in, first out.
func (a *AsyncHyperBand) ChooseTrialToRun(ctl Controller) *Trial {
	return (&FIFO{log: a.log}).ChooseTrialToRun(ctl)
}

// DebugString implements Scheduler.
func (a *AsyncHyperBand) DebugString() string {
	lines := []string{fmt.Sprintf("Using AsyncHyperBand: num_stopped=%d", a.NumStopped)}
	for _, b := range a.Ladders {
		lines = append(lines, b.String())
	}
	return strings.Join(lines, "\n")
}

// Snapshot implements model.Snapshotter.
func (a *AsyncHyperBand) Snapshot() (json.RawMessage, error) {
	return json.Marshal(a.ashaState)
}

// Restore implements model.Snapshotter.
func (a *AsyncHyperBand) Restore(state json.RawMessage) error {
	if state == nil {
		return nil
	}
	restored := ashaState{TrialInfo: make(map[model.TrialID]int)}
	if err := json.Unmarshal(state, &restored); err != nil {
		return errors.Wrap(err, "restoring asha state")
	}
	if len(restored.Ladders) != a.Brackets {
		return errors.Errorf("snapshot has %d brackets, expected %d",
			len(restored.Ladders), a.Brackets)
	}
	for _, b := range restored.Ladders {
		b.rf = a.ReductionFactor
		b.stopLastTrials = a.StopLastTrials
		for _, r := range b.Rungs {
			if r.Recorded == nil {
				r.Recorded = make(map[model.TrialID]Float)
			}
		}
	}
	for id, idx := range restored.TrialInfo {
		if idx < 0 || idx >= len(restored.Ladders) {
			return errors.Errorf("trial %s refers to missing bracket %d", id, idx)
		}
	}
	if restored.Rand == nil {
		restored.Rand = nprand.New(a.Seed)
	}
	a.ashaState = restored
	return nil
}
