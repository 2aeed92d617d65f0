package scheduler

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/trialsched/pkg/model"
)

// HyperBandInfo is the result key BOHB fills in so the searcher can tell which budget a result
// was observed at.
const HyperBandInfo = "hyperband_info"

// BOHBSearcher is the model-based searcher HyperBand for BOHB keeps informed about trials it
// pauses and resumes.
type BOHBSearcher interface {
	OnPause(id model.TrialID)
	OnUnpause(id model.TrialID)
}

// HyperBandForBOHB is the HyperBand variant used with BOHB. Brackets fill largest first, trials
// pause at every milestone until the whole bracket is there, and resumption is driven by
// ChooseTrialToRun.
type HyperBandForBOHB struct {
	hyperBand

	searcher BOHBSearcher
}

// NewHyperBandForBOHB returns a HyperBand for BOHB scheduler. The searcher may be nil.
func NewHyperBandForBOHB(config HyperBandConfig, searcher BOHBSearcher) *HyperBandForBOHB {
	b := &HyperBandForBOHB{
		hyperBand: newHyperBand(config, true, logrus.WithField("scheduler", BOHBType)),
		searcher:  searcher,
	}
	b.onUnpause = func(t *Trial) {
		if b.searcher != nil {
			b.searcher.OnUnpause(t.ID)
		}
	}
	return b
}

// SetSearcher replaces the searcher notified of pauses and resumptions.
func (b *HyperBandForBOHB) SetSearcher(searcher BOHBSearcher) {
	b.searcher = searcher
}

// Type implements Scheduler.
func (*HyperBandForBOHB) Type() Type { return BOHBType }

// NumBrackets returns how many brackets have been opened so far.
func (b *HyperBandForBOHB) NumBrackets() int {
	return len(b.brackets())
}

// OnTrialAdd implements Scheduler.
func (b *HyperBandForBOHB) OnTrialAdd(_ Controller, trial *Trial) error {
	return b.addTrial(trial)
}

// OnTrialResult implements Scheduler. Every result gets the bracket index and the budget it was
// observed at written under HyperBandInfo.
func (b *HyperBandForBOHB) OnTrialResult(
	ctl Controller, trial *Trial, result Result,
) (Decision, error) {
	br, ref, ok := b.bracketOf(trial.ID)
	if !ok {
		return Continue, errors.Errorf("trial %s was never added", trial.ID)
	}
	if _, _, err := signedScore(result, b.TimeAttr, b.Metric, b.Mode); err != nil {
		return Continue, err
	}
	if !br.has(trial.ID) {
		b.log.Debugf("trial %s already left its bracket, stopping it", trial.ID)
		return Stop, nil
	}

	result[HyperBandInfo] = map[string]interface{}{}
	br.updateTrialStats(b.log, trial.ID, result)
	if br.continueTrial(trial.ID) {
		return Continue, nil
	}
	result[HyperBandInfo] = map[string]interface{}{
		"budget":  br.cumulR,
		"bracket": ref.Index,
	}

	index := trialIndex(ctl, trial)
	if !br.filled() || !b.othersPaused(br, trial.ID, index) {
		b.pause(trial)
		return Pause, nil
	}
	action := b.processBracket(ctl, br, trial)
	if action == Pause {
		b.pause(trial)
	}
	return action, nil
}

func (b *HyperBandForBOHB) pause(trial *Trial) {
	if b.searcher != nil {
		b.searcher.OnPause(trial.ID)
	}
}

// othersPaused reports whether every live trial of br other than exclude is PAUSED.
func (b *HyperBandForBOHB) othersPaused(
	br *bracket, exclude model.TrialID, index map[model.TrialID]*Trial,
) bool {
	for _, id := range br.currentTrials() {
		if id == exclude {
			continue
		}
		if t, ok := index[id]; !ok || t.Status != StatusPaused {
			return false
		}
	}
	return true
}

// OnTrialComplete implements Scheduler.
func (b *HyperBandForBOHB) OnTrialComplete(ctl Controller, trial *Trial, _ Result) {
	b.removeTrial(ctl, trial)
}

// OnTrialError implements Scheduler.
func (b *HyperBandForBOHB) OnTrialError(ctl Controller, trial *Trial) {
	b.removeTrial(ctl, trial)
}

// OnTrialRemove implements Scheduler.
func (b *HyperBandForBOHB) OnTrialRemove(ctl Controller, trial *Trial) {
	if trial.Status == StatusTerminated {
		return
	}
	b.removeTrial(ctl, trial)
}

// ChooseTrialToRun drains the queue of the bracket being processed first, then starts PENDING
// trials, and finally processes a fully paused bracket when nothing is running.
func (b *HyperBandForBOHB) ChooseTrialToRun(ctl Controller) *Trial {
	return b.chooseTrialToRun(ctl, true)
}

func (b *HyperBandForBOHB) chooseTrialToRun(ctl Controller, allowRecurse bool) *Trial {
	index := trialIndex(ctl)
	brackets := b.brackets()

	for _, br := range brackets {
		if !br.beingProcessed {
			continue
		}
		for _, id := range br.queued() {
			br.toUnpause.Remove(id)
			if t, ok := index[id]; ok && t.Status == StatusPaused {
				b.log.Debugf("resuming promoted trial %s", id)
				return t
			}
		}
		br.beingProcessed = false
	}

	for _, br := range brackets {
		for _, id := range br.currentTrials() {
			if t, ok := index[id]; ok && t.Status == StatusPending {
				return t
			}
		}
	}

	if anyWithStatus(controllerTrials(ctl), StatusRunning) {
		return nil
	}
	for _, br := range brackets {
		if br.live.Len() == 0 || !b.othersPaused(br, "", index) {
			continue
		}
		b.processBracket(ctl, br, nil)
		if allowRecurse && (br.toUnpause.Size() > 0 || b.hasPending(br, index)) {
			return b.chooseTrialToRun(ctl, false)
		}
		break
	}
	return nil
}

func (b *HyperBandForBOHB) hasPending(br *bracket, index map[model.TrialID]*Trial) bool {
	for _, id := range br.currentTrials() {
		if t, ok := index[id]; ok && t.Status == StatusPending {
			return true
		}
	}
	return false
}

// DebugString implements Scheduler.
func (b *HyperBandForBOHB) DebugString() string {
	return b.debugString("HyperBandForBOHB")
}

// Snapshot implements model.Snapshotter.
func (b *HyperBandForBOHB) Snapshot() (json.RawMessage, error) {
	return b.snapshot()
}

// Restore implements model.Snapshotter.
func (b *HyperBandForBOHB) Restore(state json.RawMessage) error {
	return b.restore(state)
}
