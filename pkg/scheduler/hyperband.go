package scheduler

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/determined-ai/trialsched/pkg/check"
	"github.com/determined-ai/trialsched/pkg/model"
)

// HyperBandConfig configures HyperBand and HyperBand for BOHB.
type HyperBandConfig struct {
	TimeAttr        string  `json:"time_attr"`
	Metric          string  `json:"metric"`
	Mode            Mode    `json:"mode"`
	MaxT            float64 `json:"max_t"`
	ReductionFactor float64 `json:"reduction_factor"`
	StopLastTrials  bool    `json:"stop_last_trials"`
}

// SetDefaults implements union.Defaulter.
func (c *HyperBandConfig) SetDefaults() {
	c.TimeAttr = TrainingIteration
	c.Mode = Max
	c.MaxT = 81
	c.ReductionFactor = 3
	c.StopLastTrials = true
}

// Validate implements the check.Validatable interface.
func (c HyperBandConfig) Validate() []error {
	return []error{
		check.NotEmpty(c.TimeAttr, "time_attr"),
		check.NotEmpty(c.Metric, "metric"),
		check.GreaterThanOrEqualTo(c.MaxT, 1, "max_t"),
		check.GreaterThan(c.ReductionFactor, 1, "reduction_factor"),
	}
}

type bracketRef struct {
	Band  int `json:"band"`
	Index int `json:"index"`
}

// hyperBand is the bracket bookkeeping shared by HyperBand and HyperBand for BOHB. Bands are
// lists of brackets; a nil bracket stands for one whose first rung would get no budget.
type hyperBand struct {
	HyperBandConfig

	largestFirst bool
	bands        [][]*bracket
	trialInfo    map[model.TrialID]bracketRef
	numStopped   int

	// onUnpause is called for every paused winner queued to resume.
	onUnpause func(*Trial)
	log       *logrus.Entry
}

func newHyperBand(config HyperBandConfig, largestFirst bool, log *logrus.Entry) hyperBand {
	return hyperBand{
		HyperBandConfig: config,
		largestFirst:    largestFirst,
		trialInfo:       make(map[model.TrialID]bracketRef),
		log:             log,
	}
}

func (h *hyperBand) eta() float64 {
	return h.ReductionFactor
}

// sMax1 is the number of brackets in a band.
func (h *hyperBand) sMax1() int {
	return int(math.RoundToEven(math.Log(h.MaxT)/math.Log(h.eta()))) + 1
}

// n0 is the number of trials bracket s starts with.
func (h *hyperBand) n0(s int) int {
	return int(math.Ceil(float64(h.sMax1()) / float64(s+1) * math.Pow(h.eta(), float64(s))))
}

// r0 is the budget of the first rung of bracket s.
func (h *hyperBand) r0(s int) int {
	return int(h.MaxT / math.Pow(h.eta(), float64(s)))
}

func (h *hyperBand) createBracket(s int) *bracket {
	return newBracket(h.TimeAttr, h.n0(s), h.r0(s), h.MaxT, h.eta(), s, h.StopLastTrials)
}

func (h *hyperBand) curBandFilled() bool {
	if len(h.bands) == 0 {
		return true
	}
	return len(h.bands[len(h.bands)-1]) == h.sMax1()
}

func (h *hyperBand) currentBracket() *bracket {
	if len(h.bands) == 0 {
		return nil
	}
	band := h.bands[len(h.bands)-1]
	if len(band) == 0 {
		return nil
	}
	return band[len(band)-1]
}

// addTrial puts the trial in the current bracket, opening brackets and bands as they fill up.
func (h *hyperBand) addTrial(trial *Trial) error {
	if _, ok := h.trialInfo[trial.ID]; ok {
		return errors.Errorf("trial %s was already added", trial.ID)
	}
	cur := h.currentBracket()
	if cur == nil || cur.filled() {
		for {
			if h.curBandFilled() {
				h.bands = append(h.bands, nil)
			}
			bandIdx := len(h.bands) - 1
			s := len(h.bands[bandIdx])
			if h.largestFirst {
				s = h.sMax1() - len(h.bands[bandIdx]) - 1
			}
			if h.r0(s) == 0 {
				h.log.Debugf("bracket %d is too small, skipping it", s)
				h.bands[bandIdx] = append(h.bands[bandIdx], nil)
				continue
			}
			cur = h.createBracket(s)
			h.bands[bandIdx] = append(h.bands[bandIdx], cur)
			break
		}
	}
	cur.addTrial(trial.ID)
	band := len(h.bands) - 1
	h.trialInfo[trial.ID] = bracketRef{Band: band, Index: len(h.bands[band]) - 1}
	return nil
}

func (h *hyperBand) bracketOf(id model.TrialID) (*bracket, bracketRef, bool) {
	ref, ok := h.trialInfo[id]
	if !ok {
		return nil, ref, false
	}
	return h.bands[ref.Band][ref.Index], ref, true
}

// processBracket halves the bracket once every live trial has reached the current milestone
// and returns the decision for reporter. Without a reporter the decision is meaningless.
func (h *hyperBand) processBracket(ctl Controller, br *bracket, reporter *Trial) Decision {
	action := Pause
	if !br.curIterDone() {
		return action
	}
	index := trialIndex(ctl, reporter)
	isReporter := func(id model.TrialID) bool {
		return reporter != nil && reporter.ID == id
	}
	if br.finished() {
		br.cleanupFull(ctl, index)
		return Stop
	}

	br.beingProcessed = true
	good, bad := br.successiveHalving(h.Metric, h.Mode.Op())
	h.numStopped += len(bad)
	h.log.Infof("halving bracket: %d trials continue to milestone %d, %d stopped",
		len(good), br.cumulR, len(bad))

	for _, id := range bad {
		t, ok := index[id]
		switch {
		case !ok:
			br.cleanupTrial(id)
		case isReporter(id):
			br.cleanupTrial(id)
			action = Stop
		case t.Status == StatusRunning:
			br.cleanupTrial(id)
			ctl.StopTrial(t)
		default:
			ctl.StopTrial(t)
		}
	}

	for _, id := range good {
		t, ok := index[id]
		if !ok {
			continue
		}
		switch {
		case br.continueTrial(id):
			switch {
			case t.Status == StatusPaused:
				if h.onUnpause != nil {
					h.onUnpause(t)
				}
				br.toUnpause.Add(id)
			case isReporter(id) && t.Status == StatusRunning:
				action = Continue
			}
		case br.finished() && br.stopLastTrials:
			switch {
			case isReporter(id):
				br.cleanupTrial(id)
				action = Stop
			case t.Status == StatusRunning:
				br.cleanupTrial(id)
				ctl.StopTrial(t)
			case t.Status == StatusPaused:
				ctl.StopTrial(t)
			}
		}
	}
	return action
}

// removeTrial drops the trial from its bracket and re-evaluates the bracket so the remaining
// trials are not left waiting for it.
func (h *hyperBand) removeTrial(ctl Controller, trial *Trial) {
	br, _, ok := h.bracketOf(trial.ID)
	if !ok {
		return
	}
	br.cleanupTrial(trial.ID)
	if !br.finished() && !br.beingProcessed {
		h.processBracket(ctl, br, nil)
	}
}

func (h *hyperBand) brackets() []*bracket {
	var out []*bracket
	for _, band := range h.bands {
		for _, br := range band {
			if br != nil {
				out = append(out, br)
			}
		}
	}
	return out
}

func (h *hyperBand) debugString(name string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Using %s: num_stopped=%d total_brackets=%d",
		name, h.numStopped, len(h.brackets()))
	for i, band := range h.bands {
		fmt.Fprintf(&sb, "\nRound #%d:", i)
		for _, br := range band {
			if br != nil {
				fmt.Fprintf(&sb, "\n  %s", br)
			}
		}
	}
	return sb.String()
}

type hyperBandSnapshot struct {
	Bands      [][]*bracketSnapshot         `json:"bands"`
	TrialInfo  map[model.TrialID]bracketRef `json:"trial_info"`
	NumStopped int                          `json:"num_stopped"`
}

func (h *hyperBand) snapshot() (json.RawMessage, error) {
	s := hyperBandSnapshot{
		Bands:      make([][]*bracketSnapshot, 0, len(h.bands)),
		TrialInfo:  h.trialInfo,
		NumStopped: h.numStopped,
	}
	for _, band := range h.bands {
		snaps := make([]*bracketSnapshot, 0, len(band))
		for _, br := range band {
			if br == nil {
				snaps = append(snaps, nil)
				continue
			}
			snaps = append(snaps, br.snapshot())
		}
		s.Bands = append(s.Bands, snaps)
	}
	return json.Marshal(s)
}

func (h *hyperBand) restore(state json.RawMessage) error {
	if state == nil {
		return nil
	}
	var s hyperBandSnapshot
	if err := json.Unmarshal(state, &s); err != nil {
		return errors.Wrap(err, "restoring hyperband state")
	}
	bands := make([][]*bracket, 0, len(s.Bands))
	for _, snaps := range s.Bands {
		band := make([]*bracket, 0, len(snaps))
		for _, snap := range snaps {
			if snap == nil {
				band = append(band, nil)
				continue
			}
			band = append(band, restoreBracket(
				snap, h.TimeAttr, h.MaxT, h.eta(), h.StopLastTrials))
		}
		bands = append(bands, band)
	}
	for id, ref := range s.TrialInfo {
		if ref.Band >= len(bands) || ref.Index >= len(bands[ref.Band]) ||
			bands[ref.Band][ref.Index] == nil {
			return errors.Errorf("trial %s refers to a missing bracket %+v", id, ref)
		}
	}
	h.bands = bands
	h.trialInfo = s.TrialInfo
	if h.trialInfo == nil {
		h.trialInfo = make(map[model.TrialID]bracketRef)
	}
	h.numStopped = s.NumStopped
	return nil
}

// HyperBand runs synchronous successive halving in several brackets that trade the number of
// trials against the budget each trial gets. See https://arxiv.org/abs/1603.06560.
type HyperBand struct {
	hyperBand
}

// NewHyperBand returns a HyperBand scheduler for the given options.
func NewHyperBand(config HyperBandConfig) *HyperBand {
	return &HyperBand{
		hyperBand: newHyperBand(config, false, logrus.WithField("scheduler", HyperBandType)),
	}
}

// Type implements Scheduler.
func (*HyperBand) Type() Type { return HyperBandType }

// OnTrialAdd implements Scheduler.
func (h *HyperBand) OnTrialAdd(_ Controller, trial *Trial) error {
	return h.addTrial(trial)
}

// OnTrialResult implements Scheduler.
func (h *HyperBand) OnTrialResult(ctl Controller, trial *Trial, result Result) (Decision, error) {
	br, _, ok := h.bracketOf(trial.ID)
	if !ok {
		return Continue, errors.Errorf("trial %s was never added", trial.ID)
	}
	if _, _, err := signedScore(result, h.TimeAttr, h.Metric, h.Mode); err != nil {
		return Continue, err
	}
	if !br.has(trial.ID) {
		h.log.Debugf("trial %s already left its bracket, stopping it", trial.ID)
		return Stop, nil
	}

	br.updateTrialStats(h.log, trial.ID, result)
	if br.continueTrial(trial.ID) {
		return Continue, nil
	}
	processing := br.beingProcessed
	action := h.processBracket(ctl, br, trial)
	if !processing {
		br.beingProcessed = false
	}
	return action, nil
}

// OnTrialComplete implements Scheduler.
func (h *HyperBand) OnTrialComplete(ctl Controller, trial *Trial, _ Result) {
	h.remove(ctl, trial)
}

// OnTrialError implements Scheduler.
func (h *HyperBand) OnTrialError(ctl Controller, trial *Trial) {
	h.remove(ctl, trial)
}

// OnTrialRemove implements Scheduler.
func (h *HyperBand) OnTrialRemove(ctl Controller, trial *Trial) {
	if trial.Status == StatusTerminated {
		return
	}
	h.remove(ctl, trial)
}

// remove halves synchronously, so the processing flag only has to outlive the callbacks the
// controller makes while the halving stops trials.
func (h *HyperBand) remove(ctl Controller, trial *Trial) {
	br, _, ok := h.bracketOf(trial.ID)
	if !ok {
		return
	}
	processing := br.beingProcessed
	h.removeTrial(ctl, trial)
	if !processing {
		br.beingProcessed = false
	}
}

// ChooseTrialToRun prefers the least complete bracket of each band and returns its first
// PENDING trial or paused trial queued to resume.
func (h *HyperBand) ChooseTrialToRun(ctl Controller) *Trial {
	index := trialIndex(ctl)
	for _, band := range h.bands {
		var scrubbed []*bracket
		for _, br := range band {
			if br != nil {
				scrubbed = append(scrubbed, br)
			}
		}
		slices.SortStableFunc(scrubbed, func(a, b *bracket) int {
			pa, pb := a.completionPercentage(), b.completionPercentage()
			switch {
			case pa < pb:
				return -1
			case pa > pb:
				return 1
			default:
				return 0
			}
		})
		for _, br := range scrubbed {
			for _, id := range br.currentTrials() {
				t, ok := index[id]
				if !ok {
					continue
				}
				if t.Status == StatusPending ||
					(t.Status == StatusPaused && br.toUnpause.Contains(id)) {
					return t
				}
			}
		}
	}
	return nil
}

// DebugString implements Scheduler.
func (h *HyperBand) DebugString() string {
	return h.debugString("HyperBand")
}

// Snapshot implements model.Snapshotter.
func (h *HyperBand) Snapshot() (json.RawMessage, error) {
	return h.snapshot()
}

// Restore implements model.Snapshotter.
func (h *HyperBand) Restore(state json.RawMessage) error {
	return h.restore(state)
}
