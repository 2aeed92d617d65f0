package scheduler

import (
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/trialsched/internal/prom"
)

type instrumented struct {
	Scheduler

	name string
	log  *logrus.Entry
}

// WithMetrics wraps s so every callback is timed, every decision counted and every decision
// logged at debug level.
func WithMetrics(s Scheduler) Scheduler {
	name := string(s.Type())
	return &instrumented{
		Scheduler: s,
		name:      name,
		log:       logrus.WithField("scheduler", name),
	}
}

func (i *instrumented) OnTrialAdd(ctl Controller, trial *Trial) (err error) {
	defer prom.Time(prom.CallbackSeconds.WithLabelValues(i.name, "on_trial_add"))()
	defer prom.ErrCount(prom.CallbackErrors.WithLabelValues(i.name, "on_trial_add"), &err)
	return i.Scheduler.OnTrialAdd(ctl, trial)
}

func (i *instrumented) OnTrialResult(
	ctl Controller, trial *Trial, result Result,
) (decision Decision, err error) {
	defer prom.Time(prom.CallbackSeconds.WithLabelValues(i.name, "on_trial_result"))()
	defer prom.ErrCount(prom.CallbackErrors.WithLabelValues(i.name, "on_trial_result"), &err)

	decision, err = i.Scheduler.OnTrialResult(ctl, trial, result)
	if err != nil {
		i.log.WithError(err).Errorf("trial %s result failed", trial.ID)
		return decision, err
	}
	prom.Decisions.WithLabelValues(i.name, string(decision)).Inc()
	i.log.Debugf("trial %s: %s", trial.ID, decision)
	return decision, nil
}

func (i *instrumented) OnTrialComplete(ctl Controller, trial *Trial, result Result) {
	defer prom.Time(prom.CallbackSeconds.WithLabelValues(i.name, "on_trial_complete"))()
	i.Scheduler.OnTrialComplete(ctl, trial, result)
}

func (i *instrumented) OnTrialError(ctl Controller, trial *Trial) {
	defer prom.Time(prom.CallbackSeconds.WithLabelValues(i.name, "on_trial_error"))()
	i.Scheduler.OnTrialError(ctl, trial)
}

func (i *instrumented) OnTrialRemove(ctl Controller, trial *Trial) {
	defer prom.Time(prom.CallbackSeconds.WithLabelValues(i.name, "on_trial_remove"))()
	i.Scheduler.OnTrialRemove(ctl, trial)
}

func (i *instrumented) ChooseTrialToRun(ctl Controller) *Trial {
	defer prom.Time(prom.CallbackSeconds.WithLabelValues(i.name, "choose_trial_to_run"))()
	return i.Scheduler.ChooseTrialToRun(ctl)
}
