package scheduler

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/determined-ai/trialsched/internal/prom"
	"github.com/determined-ai/trialsched/pkg/check"
	"github.com/determined-ai/trialsched/pkg/model"
	"github.com/determined-ai/trialsched/pkg/nprand"
)

// PBTConfig configures population based training.
type PBTConfig struct {
	TimeAttr             string                 `json:"time_attr"`
	Metric               string                 `json:"metric"`
	Mode                 Mode                   `json:"mode"`
	PerturbationInterval float64                `json:"perturbation_interval"`
	BurnInPeriod         float64                `json:"burn_in_period"`
	HyperparamMutations  map[string]interface{} `json:"hyperparam_mutations"`
	QuantileFraction     float64                `json:"quantile_fraction"`
	ResampleProbability  float64                `json:"resample_probability"`
	PerturbationFactors  []float64              `json:"perturbation_factors"`
	LogConfig            bool                   `json:"log_config"`
	LogDir               string                 `json:"log_dir"`
	RequireAttrs         bool                   `json:"require_attrs"`
	Synch                bool                   `json:"synch"`
	Seed                 uint32                 `json:"seed"`

	// CustomExploreFn post-processes every explored config.
	CustomExploreFn ExploreFunc `json:"-"`
}

// SetDefaults implements union.Defaulter.
func (c *PBTConfig) SetDefaults() {
	c.TimeAttr = TimeTotalS
	c.Mode = Max
	c.PerturbationInterval = 60
	c.QuantileFraction = 0.25
	c.ResampleProbability = 0.25
	c.PerturbationFactors = []float64{1.2, 0.8}
	c.RequireAttrs = true
}

// Validate implements the check.Validatable interface.
func (c PBTConfig) Validate() []error {
	errs := []error{
		check.NotEmpty(c.TimeAttr, "time_attr"),
		check.NotEmpty(c.Metric, "metric"),
		check.GreaterThan(c.PerturbationInterval, 0, "perturbation_interval"),
		check.GreaterThanOrEqualTo(c.BurnInPeriod, 0, "burn_in_period"),
		check.GreaterThanOrEqualTo(c.QuantileFraction, 0, "quantile_fraction"),
		check.LessThanOrEqualTo(c.QuantileFraction, 0.5, "quantile_fraction"),
		check.GreaterThanOrEqualTo(c.ResampleProbability, 0, "resample_probability"),
		check.LessThanOrEqualTo(c.ResampleProbability, 1, "resample_probability"),
		check.True(len(c.PerturbationFactors) > 0, "perturbation_factors must not be empty"),
		check.True(len(c.HyperparamMutations) > 0 || c.CustomExploreFn != nil,
			"hyperparam_mutations or a custom explore function is required"),
	}
	if c.LogConfig {
		errs = append(errs, check.NotEmpty(c.LogDir, "log_dir is required with log_config"))
	}
	if _, err := ParseMutations(c.HyperparamMutations); err != nil {
		errs = append(errs, err)
	}
	return errs
}

type pbtTrialState struct {
	OrigTag              string      `json:"orig_tag"`
	LastScore            *Float      `json:"last_score"`
	LastCheckpoint       *Checkpoint `json:"last_checkpoint"`
	CheckpointStep       int         `json:"checkpoint_step"`
	LastPerturbationTime Float       `json:"last_perturbation_time"`
	LastTrainTime        Float       `json:"last_train_time"`
	LastResult           Result      `json:"last_result"`
}

// PBT is population based training. Periodically the trials in the bottom quantile of the
// population clone the checkpoint of a trial in the top quantile and continue from it with
// perturbed hyperparameters. See https://arxiv.org/abs/1711.09846.
//
// In synchronous mode trials pause at every perturbation boundary until the whole population
// has reached it, and the population is then exploited at once.
type PBT struct {
	PBTConfig

	mutations        Mutations
	trials           *orderedmap.OrderedMap[model.TrialID, *pbtTrialState]
	numCheckpoints   int
	numPerturbations int
	nextSync         float64
	rand             *nprand.State
	policy           *policyLogger
	log              *logrus.Entry
}

// NewPBT returns a PBT scheduler for the given options.
func NewPBT(config PBTConfig) (*PBT, error) {
	if err := check.Validate(config); err != nil {
		return nil, err
	}
	mutations, err := ParseMutations(config.HyperparamMutations)
	if err != nil {
		return nil, err
	}
	p := &PBT{
		PBTConfig: config,
		mutations: mutations,
		trials:    orderedmap.NewOrderedMap[model.TrialID, *pbtTrialState](),
		nextSync:  math.Max(config.PerturbationInterval, config.BurnInPeriod),
		rand:      nprand.New(config.Seed),
		log:       logrus.WithField("scheduler", PBTType),
	}
	if config.LogConfig {
		p.policy = &policyLogger{dir: config.LogDir}
	}
	return p, nil
}

// Type implements Scheduler.
func (*PBT) Type() Type { return PBTType }

// NumCheckpoints returns how many times a top trial was checkpointed.
func (p *PBT) NumCheckpoints() int { return p.numCheckpoints }

// NumPerturbations returns how many exploits happened.
func (p *PBT) NumPerturbations() int { return p.numPerturbations }

// ResetStats zeroes the checkpoint and perturbation counters.
func (p *PBT) ResetStats() {
	p.numCheckpoints = 0
	p.numPerturbations = 0
}

// OnTrialAdd registers the trial and samples every mutated hyperparameter its config lacks.
func (p *PBT) OnTrialAdd(_ Controller, trial *Trial) error {
	if _, ok := p.trials.Get(trial.ID); ok {
		return errors.Errorf("trial %s was already added", trial.ID)
	}
	if trial.Config == nil {
		trial.Config = map[string]interface{}{}
	}
	fillMissing(trial.Config, p.mutations, p.rand)
	p.trials.Set(trial.ID, &pbtTrialState{OrigTag: trial.ExperimentTag})
	return nil
}

// OnTrialResult implements Scheduler.
func (p *PBT) OnTrialResult(ctl Controller, trial *Trial, result Result) (Decision, error) {
	t, score, err := signedScore(result, p.TimeAttr, p.Metric, p.Mode)
	if err != nil {
		if p.RequireAttrs {
			return Continue, errors.Wrapf(err, "trial %s", trial.ID)
		}
		p.log.WithError(err).Warnf("continuing trial %s", trial.ID)
		return Continue, nil
	}
	state, ok := p.trials.Get(trial.ID)
	if !ok {
		return Continue, errors.Errorf("trial %s was never added", trial.ID)
	}

	if t < p.BurnInPeriod {
		return Continue, nil
	}
	if t-float64(state.LastPerturbationTime) < p.PerturbationInterval {
		return Continue, nil
	}
	state.LastScore = (*Float)(&score)
	state.LastTrainTime = Float(t)
	state.LastResult = result

	index := trialIndex(ctl, trial)
	if !p.Synch {
		state.LastPerturbationTime = Float(t)
		lower, upper := p.quantiles(index)
		decision := Continue
		if anyWithStatus(controllerTrials(ctl), StatusPending, StatusPaused) {
			decision = Pause
		}
		if err := p.checkpointOrExploit(ctl, index, trial, lower, upper); err != nil {
			return Continue, err
		}
		if trial.Status == StatusPaused {
			return Noop, nil
		}
		return decision, nil
	}

	if p.othersBehind(trial.ID) {
		p.log.Debugf("pausing trial %s until the population reaches %v", trial.ID, p.nextSync)
	} else if err := p.syncStep(ctl, index, t); err != nil {
		return Continue, err
	}
	if trial.Status == StatusPaused {
		return Noop, nil
	}
	return Pause, nil
}

// othersBehind reports whether a trial other than id has not reached the sync point yet.
func (p *PBT) othersBehind(id model.TrialID) bool {
	for el := p.trials.Front(); el != nil; el = el.Next() {
		if el.Key != id && float64(el.Value.LastTrainTime) < p.nextSync {
			return true
		}
	}
	return false
}

// syncStep exploits the whole population at once, checkpointing the top trials before the
// bottom ones clone them.
func (p *PBT) syncStep(ctl Controller, index map[model.TrialID]*Trial, t float64) error {
	lower, upper := p.quantiles(index)
	order := append([]model.TrialID(nil), upper...)
	for _, id := range p.trials.Keys() {
		if !slices.Contains(lower, id) && !slices.Contains(upper, id) {
			order = append(order, id)
		}
	}
	order = append(order, lower...)

	for _, id := range order {
		state, _ := p.trials.Get(id)
		state.LastPerturbationTime = Float(t)
		trial, ok := index[id]
		if !ok {
			continue
		}
		if err := p.checkpointOrExploit(ctl, index, trial, lower, upper); err != nil {
			return err
		}
	}

	maxTrain := math.Inf(-1)
	for el := p.trials.Front(); el != nil; el = el.Next() {
		maxTrain = math.Max(maxTrain, float64(el.Value.LastTrainTime))
	}
	p.nextSync = math.Max(p.nextSync+p.PerturbationInterval, maxTrain)
	return nil
}

// quantiles returns the bottom and top trials of the scored, unfinished population. A NaN score
// ranks lowest.
func (p *PBT) quantiles(index map[model.TrialID]*Trial) (lower, upper []model.TrialID) {
	var ranked []model.TrialID
	for el := p.trials.Front(); el != nil; el = el.Next() {
		if el.Value.LastScore == nil {
			continue
		}
		if t, ok := index[el.Key]; ok && t.Status.IsFinished() {
			continue
		}
		ranked = append(ranked, el.Key)
	}
	score := func(id model.TrialID) float64 {
		state, _ := p.trials.Get(id)
		s := float64(*state.LastScore)
		if math.IsNaN(s) {
			return math.Inf(-1)
		}
		return s
	}
	slices.SortStableFunc(ranked, func(a, b model.TrialID) int {
		sa, sb := score(a), score(b)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		default:
			return 0
		}
	})

	n := len(ranked)
	if n <= 1 {
		return nil, nil
	}
	k := int(math.Ceil(float64(n) * p.QuantileFraction))
	if float64(k) > float64(n)/2 {
		k = n / 2
	}
	if k == 0 {
		return nil, nil
	}
	return ranked[:k], ranked[n-k:]
}

func (p *PBT) checkpointOrExploit(
	ctl Controller, index map[model.TrialID]*Trial, trial *Trial, lower, upper []model.TrialID,
) error {
	state, _ := p.trials.Get(trial.ID)
	if slices.Contains(upper, trial.ID) {
		p.log.Debugf("checkpointing top trial %s", trial.ID)
		if trial.Status == StatusPaused {
			state.LastCheckpoint = trial.Checkpoint
		} else {
			state.LastCheckpoint = ctl.SaveCheckpoint(trial, state.LastResult)
		}
		state.CheckpointStep = trainingStep(state.LastResult)
		p.numCheckpoints++
	} else {
		state.LastCheckpoint = nil
	}

	if !slices.Contains(lower, trial.ID) {
		return nil
	}
	cloneID := nprand.Choice(p.rand, upper)
	cloneState, _ := p.trials.Get(cloneID)
	if cloneState.LastCheckpoint == nil {
		p.log.Infof("no checkpoint for trial %s, skipping exploit for trial %s", cloneID, trial.ID)
		return nil
	}
	clone, ok := index[cloneID]
	if !ok {
		p.log.Warnf("trial %s is unknown to the controller, skipping exploit", cloneID)
		return nil
	}
	return p.exploit(ctl, trial, clone)
}

// exploit moves trial onto clone's checkpoint with an explored version of clone's config.
func (p *PBT) exploit(ctl Controller, trial, clone *Trial) error {
	state, _ := p.trials.Get(trial.ID)
	cloneState, _ := p.trials.Get(clone.ID)

	e := explorer{
		rand:                p.rand,
		resampleProbability: p.ResampleProbability,
		factors:             p.PerturbationFactors,
		custom:              p.CustomExploreFn,
	}
	newConfig, err := e.explore(clone.Config, p.mutations)
	if err != nil {
		return errors.Wrapf(err, "exploring config of trial %s", clone.ID)
	}

	p.log.Infof("[exploit] transferring weights from trial %s (score %v) to trial %s (score %v)",
		clone.ID, scoreString(cloneState.LastScore), trial.ID, scoreString(state.LastScore))
	p.log.Infof("[explore] perturbed the hyperparameter config of trial %s: %v -> %v",
		trial.ID, p.mutated(clone.Config), p.mutated(newConfig))

	if p.policy != nil {
		rec := PolicyRecord{
			ExploiterTag:  state.OrigTag,
			SourceTag:     cloneState.OrigTag,
			ExploiterStep: trainingStep(state.LastResult),
			SourceStep:    cloneState.CheckpointStep,
			SourceConfig:  clone.Config,
			NewConfig:     newConfig,
		}
		if err := p.policy.log(trial.ID, clone.ID, rec); err != nil {
			p.log.WithError(err).Warn("failed to write policy log")
		}
	}

	if trial.Status != StatusPaused {
		ctl.PauseTrial(trial, false)
	}
	trial.ExperimentTag = experimentTag(state.OrigTag, newConfig, sortedKeys(p.mutations))
	trial.Config = newConfig
	ctl.RestoreCheckpoint(trial, cloneState.LastCheckpoint)

	p.numPerturbations++
	prom.Perturbations.WithLabelValues(string(PBTType)).Inc()

	state.LastPerturbationTime = cloneState.LastPerturbationTime
	state.LastTrainTime = cloneState.LastTrainTime
	return nil
}

func (p *PBT) mutated(config map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(p.mutations))
	for k := range p.mutations {
		if v, ok := config[k]; ok {
			out[k] = v
		}
	}
	return out
}

func scoreString(score *Float) string {
	if score == nil {
		return "none"
	}
	return strconv.FormatFloat(float64(*score), 'g', -1, 64)
}

func trainingStep(result Result) int {
	step, _ := result.Float(TrainingIteration)
	return int(step)
}

// experimentTag renders orig@perturbed[k=v,...] for the given keys.
func experimentTag(orig string, config map[string]interface{}, keys []string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, ok := config[k]
		if !ok {
			continue
		}
		parts = append(parts, k+"="+formatValue(v))
	}
	return fmt.Sprintf("%s@perturbed[%s]", orig, strings.Join(parts, ","))
}

func formatValue(v interface{}) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'g', 5, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'g', 5, 32)
	default:
		return fmt.Sprint(v)
	}
}

// OnTrialComplete implements Scheduler.
func (p *PBT) OnTrialComplete(ctl Controller, trial *Trial, _ Result) {
	p.forget(ctl, trial)
}

// OnTrialError implements Scheduler.
func (p *PBT) OnTrialError(ctl Controller, trial *Trial) {
	p.forget(ctl, trial)
}

// OnTrialRemove implements Scheduler.
func (p *PBT) OnTrialRemove(ctl Controller, trial *Trial) {
	if trial.Status == StatusTerminated {
		return
	}
	p.forget(ctl, trial)
}

// forget drops the trial from the population. In synchronous mode the barrier is re-evaluated
// so the remaining trials do not wait for it forever.
func (p *PBT) forget(ctl Controller, trial *Trial) {
	if !p.trials.Delete(trial.ID) {
		return
	}
	if !p.Synch || p.trials.Len() == 0 || p.othersBehind("") {
		return
	}
	maxTrain := math.Inf(-1)
	for el := p.trials.Front(); el != nil; el = el.Next() {
		maxTrain = math.Max(maxTrain, float64(el.Value.LastTrainTime))
	}
	p.log.Debugf("trial %s left, releasing the sync barrier at %v", trial.ID, p.nextSync)
	if err := p.syncStep(ctl, trialIndex(ctl), maxTrain); err != nil {
		p.log.WithError(err).Error("failed to exploit the population")
	}
}

type pbtCandidate struct {
	trial     *Trial
	trainTime float64
	order     int
}

// ChooseTrialToRun returns the PENDING or PAUSED trial that trained least. In synchronous mode
// only trials behind the next sync point are candidates.
func (p *PBT) ChooseTrialToRun(ctl Controller) *Trial {
	candidates := binaryheap.NewWith(func(a, b interface{}) int {
		ca, cb := a.(pbtCandidate), b.(pbtCandidate)
		switch {
		case ca.trainTime < cb.trainTime:
			return -1
		case ca.trainTime > cb.trainTime:
			return 1
		default:
			return ca.order - cb.order
		}
	})
	for i, t := range controllerTrials(ctl) {
		if t.Status != StatusPending && t.Status != StatusPaused {
			continue
		}
		state, ok := p.trials.Get(t.ID)
		if !ok {
			continue
		}
		if p.Synch && float64(state.LastTrainTime) >= p.nextSync {
			continue
		}
		candidates.Push(pbtCandidate{trial: t, trainTime: float64(state.LastTrainTime), order: i})
	}
	if v, ok := candidates.Pop(); ok {
		return v.(pbtCandidate).trial
	}
	return nil
}

// DebugString implements Scheduler.
func (p *PBT) DebugString() string {
	return fmt.Sprintf("PopulationBasedTraining: %d checkpoints, %d perturbs",
		p.numCheckpoints, p.numPerturbations)
}

type pbtTrialSnapshot struct {
	ID model.TrialID `json:"id"`
	pbtTrialState
}

type pbtSnapshot struct {
	Trials           []pbtTrialSnapshot `json:"trials"`
	NumCheckpoints   int                `json:"num_checkpoints"`
	NumPerturbations int                `json:"num_perturbations"`
	NextSync         Float              `json:"next_sync"`
	Rand             *nprand.State      `json:"rand"`
}

// Snapshot implements model.Snapshotter.
func (p *PBT) Snapshot() (json.RawMessage, error) {
	s := pbtSnapshot{
		Trials:           make([]pbtTrialSnapshot, 0, p.trials.Len()),
		NumCheckpoints:   p.numCheckpoints,
		NumPerturbations: p.numPerturbations,
		NextSync:         Float(p.nextSync),
		Rand:             p.rand,
	}
	for el := p.trials.Front(); el != nil; el = el.Next() {
		s.Trials = append(s.Trials, pbtTrialSnapshot{ID: el.Key, pbtTrialState: *el.Value})
	}
	return json.Marshal(s)
}

// Restore implements model.Snapshotter.
func (p *PBT) Restore(state json.RawMessage) error {
	if state == nil {
		return nil
	}
	var s pbtSnapshot
	if err := json.Unmarshal(state, &s); err != nil {
		return errors.Wrap(err, "restoring pbt state")
	}
	trials := orderedmap.NewOrderedMap[model.TrialID, *pbtTrialState]()
	for _, ts := range s.Trials {
		st := ts.pbtTrialState
		trials.Set(ts.ID, &st)
	}
	p.trials = trials
	p.numCheckpoints = s.NumCheckpoints
	p.numPerturbations = s.NumPerturbations
	p.nextSync = float64(s.NextSync)
	if s.Rand != nil {
		p.rand = s.Rand
	}
	return nil
}
