package scheduler

import (
	"fmt"

	"github.com/determined-ai/trialsched/pkg/model"
)

// Status is the lifecycle state of a trial as the controller sees it.
type Status string

const (
	// StatusPending trials have not started yet.
	StatusPending Status = "PENDING"
	// StatusRunning trials are producing results.
	StatusRunning Status = "RUNNING"
	// StatusPaused trials hold a checkpoint and are waiting to be resumed.
	StatusPaused Status = "PAUSED"
	// StatusTerminated trials finished or were stopped.
	StatusTerminated Status = "TERMINATED"
	// StatusError trials failed.
	StatusError Status = "ERROR"
)

// IsFinished returns true for the terminal states.
func (s Status) IsFinished() bool {
	return s == StatusTerminated || s == StatusError
}

// Checkpoint is an opaque handle to a saved trial state. Its contents belong to the controller.
type Checkpoint struct {
	Value interface{} `json:"value"`
}

// Trial is one training run with a fixed configuration. The controller owns trials and moves
// them between states; schedulers only refer to them by ID in their own bookkeeping.
type Trial struct {
	ID            model.TrialID          `json:"id"`
	Status        Status                 `json:"status"`
	Config        map[string]interface{} `json:"config"`
	Results       []Result               `json:"results,omitempty"`
	Checkpoint    *Checkpoint            `json:"checkpoint,omitempty"`
	ExperimentTag string                 `json:"experiment_tag"`
}

// NewTrial returns a PENDING trial.
func NewTrial(id model.TrialID, config map[string]interface{}) *Trial {
	if config == nil {
		config = map[string]interface{}{}
	}
	return &Trial{
		ID:            id,
		Status:        StatusPending,
		Config:        config,
		ExperimentTag: string(id),
	}
}

// LastResult returns the most recent result or nil.
func (t *Trial) LastResult() Result {
	if len(t.Results) == 0 {
		return nil
	}
	return t.Results[len(t.Results)-1]
}

func (t *Trial) String() string {
	return fmt.Sprintf("%s(%s)", t.ID, t.Status)
}

// trialIndex maps the controller's trials by ID. trials are appended so a trial the controller
// does not track yet can still be resolved.
func trialIndex(ctl Controller, trials ...*Trial) map[model.TrialID]*Trial {
	index := make(map[model.TrialID]*Trial)
	if ctl != nil {
		for _, t := range ctl.Trials() {
			index[t.ID] = t
		}
	}
	for _, t := range trials {
		if t != nil {
			index[t.ID] = t
		}
	}
	return index
}

func controllerTrials(ctl Controller) []*Trial {
	if ctl == nil {
		return nil
	}
	return ctl.Trials()
}

func anyWithStatus(trials []*Trial, statuses ...Status) bool {
	for _, t := range trials {
		for _, s := range statuses {
			if t.Status == s {
				return true
			}
		}
	}
	return false
}
