package scheduler

import "github.com/pkg/errors"

// Decision is what a scheduler asks the controller to do with a trial after one of its results.
type Decision string

const (
	// Continue lets the trial keep running.
	Continue Decision = "CONTINUE"
	// Pause stops the trial for now, keeping its checkpoint so it can be resumed later.
	Pause Decision = "PAUSE"
	// Stop terminates the trial.
	Stop Decision = "STOP"
	// Noop means the scheduler already requested whatever action it wanted from the controller.
	Noop Decision = "NOOP"
)

// Decisions lists every valid decision.
var Decisions = []Decision{Continue, Pause, Stop, Noop}

func (d Decision) valid() bool {
	switch d {
	case Continue, Pause, Stop, Noop:
		return true
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Decision) MarshalText() ([]byte, error) {
	if !d.valid() {
		return nil, errors.Errorf("invalid decision: %q", string(d))
	}
	return []byte(d), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Decision) UnmarshalText(text []byte) error {
	parsed := Decision(text)
	if !parsed.valid() {
		return errors.Errorf("invalid decision: %q", string(text))
	}
	*d = parsed
	return nil
}
