// Package scheduler implements trial schedulers for hyperparameter optimization: given a stream
// of intermediate results from concurrently running trials, a scheduler decides for each result
// whether the trial should continue, pause, stop, or be cloned and perturbed.
//
// Schedulers are driven by a Controller that owns the trials. The controller calls the
// scheduler's callbacks from a single goroutine and carries out the returned decisions; the
// scheduler reaches back only through the Controller's request methods.
package scheduler

import (
	"github.com/determined-ai/trialsched/pkg/model"
)

// Type names a scheduler variant. It is the discriminator in configuration and snapshots.
type Type string

// All the scheduler variants.
const (
	FIFOType           Type = "fifo"
	MedianStoppingType Type = "median_stopping"
	HyperBandType      Type = "hyperband"
	ASHAType           Type = "asha"
	BOHBType           Type = "bohb"
	PBTType            Type = "pbt"
	PBTReplayType      Type = "pbt_replay"
)

// Scheduler decides what happens to trials as their results come in.
type Scheduler interface {
	// OnTrialAdd registers a newly created PENDING trial. Adding a trial twice is a caller error.
	OnTrialAdd(ctl Controller, trial *Trial) error
	// OnTrialResult is called for each intermediate result of a trial.
	OnTrialResult(ctl Controller, trial *Trial, result Result) (Decision, error)
	// OnTrialComplete is called when a trial finished on its own.
	OnTrialComplete(ctl Controller, trial *Trial, result Result)
	// OnTrialError is called when a trial failed. The trial no longer takes part in ranking.
	OnTrialError(ctl Controller, trial *Trial)
	// OnTrialRemove is called when a trial is dropped before it finished.
	OnTrialRemove(ctl Controller, trial *Trial)
	// ChooseTrialToRun returns the PENDING or PAUSED trial that should run next, or nil.
	ChooseTrialToRun(ctl Controller) *Trial
	// DebugString summarizes the scheduler state for humans.
	DebugString() string
	// Type names the variant.
	Type() Type

	model.Snapshotter
}

// Controller owns the trials and carries out what schedulers request. Every request is fulfilled
// asynchronously from the scheduler's point of view.
type Controller interface {
	// Trials returns every trial the controller knows about, in creation order.
	Trials() []*Trial
	// PauseTrial pauses a trial, saving a checkpoint first if shouldCheckpoint is set.
	PauseTrial(trial *Trial, shouldCheckpoint bool)
	// StopTrial terminates a trial. The controller reports back through OnTrialRemove or
	// OnTrialComplete.
	StopTrial(trial *Trial)
	// SaveCheckpoint saves the trial's current state and returns a handle to it.
	SaveCheckpoint(trial *Trial, result Result) *Checkpoint
	// RestoreCheckpoint makes the trial resume from ckpt next time it runs.
	RestoreCheckpoint(trial *Trial, ckpt *Checkpoint)
}
