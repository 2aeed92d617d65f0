package scheduler

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/copystructure"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/trialsched/pkg/check"
	"github.com/determined-ai/trialsched/pkg/model"
)

// PBTReplayConfig configures the replay of a PBT policy log.
type PBTReplayConfig struct {
	PolicyFile string `json:"policy_file"`
}

// Validate implements the check.Validatable interface.
func (c PBTReplayConfig) Validate() []error {
	return []error{check.NotEmpty(c.PolicyFile, "policy_file")}
}

// ReplayChange switches the replayed trial to Config once it reaches Step.
type ReplayChange struct {
	Step   int                    `json:"step"`
	Config map[string]interface{} `json:"config"`
}

type pbtReplayState struct {
	Next    int           `json:"next"`
	TrialID model.TrialID `json:"trial_id"`
	OrigTag string        `json:"orig_tag"`
}

// PBTReplay replays the hyperparameter schedule one PBT trial ended up with on a single new
// trial, without a population.
type PBTReplay struct {
	PBTReplayConfig
	pbtReplayState

	initialConfig map[string]interface{}
	policy        []ReplayChange
	log           *logrus.Entry
}

// NewPBTReplay reads the policy log of the trial to replay.
func NewPBTReplay(config PBTReplayConfig) (*PBTReplay, error) {
	records, err := ReadPolicyLog(config.PolicyFile)
	if err != nil {
		return nil, err
	}
	initial, policy, err := replayPolicy(records)
	if err != nil {
		return nil, errors.Wrapf(err, "replaying %s", config.PolicyFile)
	}
	return &PBTReplay{
		PBTReplayConfig: config,
		initialConfig:   initial,
		policy:          policy,
		log:             logrus.WithField("scheduler", PBTReplayType),
	}, nil
}

// replayPolicy follows the chain of clones backwards from the newest record. Records before
// the chain breaks describe a trial whose history was overwritten by a later exploit.
func replayPolicy(records []PolicyRecord) (map[string]interface{}, []ReplayChange, error) {
	var (
		initial    map[string]interface{}
		changes    []ReplayChange
		lastSource string
		found      bool
	)
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if found && rec.ExploiterTag != lastSource {
			break
		}
		found = true
		lastSource = rec.SourceTag
		initial = rec.SourceConfig
		changes = append(changes, ReplayChange{Step: rec.SourceStep, Config: rec.NewConfig})
	}
	if !found {
		return nil, nil, errors.New("no changes in policy log")
	}
	for i, j := 0, len(changes)-1; i < j; i, j = i+1, j-1 {
		changes[i], changes[j] = changes[j], changes[i]
	}
	return initial, changes, nil
}

// Type implements Scheduler.
func (*PBTReplay) Type() Type { return PBTReplayType }

// InitialConfig returns the config the replayed trial starts with.
func (r *PBTReplay) InitialConfig() map[string]interface{} {
	return r.initialConfig
}

// Changes returns the config changes of the policy in the order they apply.
func (r *PBTReplay) Changes() []ReplayChange {
	return r.policy
}

// OnTrialAdd gives the trial the initial config of the policy. Only one trial can be replayed.
func (r *PBTReplay) OnTrialAdd(_ Controller, trial *Trial) error {
	if r.TrialID != "" {
		return errors.Errorf("already replaying trial %s, cannot add trial %s", r.TrialID, trial.ID)
	}
	if len(trial.Config) > 0 {
		r.log.Warnf("trial %s config will be overwritten by the replayed policy", trial.ID)
	}
	cfg, err := copyConfig(r.initialConfig)
	if err != nil {
		return err
	}
	r.TrialID = trial.ID
	r.OrigTag = trial.ExperimentTag
	trial.Config = cfg
	return nil
}

// OnTrialResult applies the next config change once the trial reaches its step.
func (r *PBTReplay) OnTrialResult(ctl Controller, trial *Trial, result Result) (Decision, error) {
	step, ok := result.Float(TrainingIteration)
	if !ok || r.Next >= len(r.policy) {
		return Continue, nil
	}
	change := r.policy[r.Next]
	if step < float64(change.Step) {
		return Continue, nil
	}

	cfg, err := copyConfig(change.Config)
	if err != nil {
		return Continue, err
	}
	r.log.Infof("[pbt replay] changing config of trial %s at step %v", trial.ID, step)
	ckpt := ctl.SaveCheckpoint(trial, result)
	ctl.PauseTrial(trial, false)
	trial.ExperimentTag = experimentTag(r.OrigTag, cfg, sortedKeys(cfg))
	trial.Config = cfg
	ctl.RestoreCheckpoint(trial, ckpt)
	r.Next++
	return Noop, nil
}

// OnTrialComplete implements Scheduler.
func (*PBTReplay) OnTrialComplete(Controller, *Trial, Result) {}

// OnTrialError implements Scheduler.
func (*PBTReplay) OnTrialError(Controller, *Trial) {}

// OnTrialRemove implements Scheduler.
func (*PBTReplay) OnTrialRemove(Controller, *Trial) {}

// ChooseTrialToRun runs trials first in, first out.
func (r *PBTReplay) ChooseTrialToRun(ctl Controller) *Trial {
	return (&FIFO{log: r.log}).ChooseTrialToRun(ctl)
}

// DebugString implements Scheduler.
func (r *PBTReplay) DebugString() string {
	return fmt.Sprintf("PopulationBasedTraining replay: %d of %d changes applied", r.Next, len(r.policy))
}

// Snapshot implements model.Snapshotter.
func (r *PBTReplay) Snapshot() (json.RawMessage, error) {
	return json.Marshal(r.pbtReplayState)
}

// Restore implements model.Snapshotter.
func (r *PBTReplay) Restore(state json.RawMessage) error {
	if state == nil {
		return nil
	}
	var s pbtReplayState
	if err := json.Unmarshal(state, &s); err != nil {
		return errors.Wrap(err, "restoring pbt replay state")
	}
	if s.Next > len(r.policy) {
		return errors.Errorf("snapshot applied %d changes but the policy has %d", s.Next, len(r.policy))
	}
	r.pbtReplayState = s
	return nil
}

func copyConfig(cfg map[string]interface{}) (map[string]interface{}, error) {
	if cfg == nil {
		return map[string]interface{}{}, nil
	}
	copied, err := copystructure.Copy(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "copying config")
	}
	return copied.(map[string]interface{}), nil
}
