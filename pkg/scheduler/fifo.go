package scheduler

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// FIFOConfig configures the FIFO scheduler. It has no options.
type FIFOConfig struct{}

// FIFO runs trials in the order they were created and never interrupts them.
type FIFO struct {
	log *logrus.Entry
}

// NewFIFO returns a FIFO scheduler.
func NewFIFO() *FIFO {
	return &FIFO{log: logrus.WithField("scheduler", FIFOType)}
}

// Type implements Scheduler.
func (*FIFO) Type() Type { return FIFOType }

// OnTrialAdd implements Scheduler.
func (*FIFO) OnTrialAdd(Controller, *Trial) error { return nil }

// OnTrialResult implements Scheduler.
func (*FIFO) OnTrialResult(Controller, *Trial, Result) (Decision, error) { return Continue, nil }

// OnTrialComplete implements Scheduler.
func (*FIFO) OnTrialComplete(Controller, *Trial, Result) {}

// OnTrialError implements Scheduler.
func (*FIFO) OnTrialError(Controller, *Trial) {}

// OnTrialRemove implements Scheduler.
func (*FIFO) OnTrialRemove(Controller, *Trial) {}

// ChooseTrialToRun returns the oldest PENDING trial, falling back to the oldest PAUSED one.
func (f *FIFO) ChooseTrialToRun(ctl Controller) *Trial {
	trials := controllerTrials(ctl)
	for _, status := range []Status{StatusPending, StatusPaused} {
		for _, t := range trials {
			if t.Status == status {
				f.log.Debugf("choosing %s trial %s", status, t.ID)
				return t
			}
		}
	}
	return nil
}

// DebugString implements Scheduler.
func (*FIFO) DebugString() string {
	return "Using FIFO scheduling algorithm."
}

// Snapshot implements model.Snapshotter.
func (*FIFO) Snapshot() (json.RawMessage, error) {
	return json.RawMessage("{}"), nil
}

// Restore implements model.Snapshotter.
func (*FIFO) Restore(json.RawMessage) error { return nil }
