// Package prom holds the Prometheus collectors shared by the schedulers and the CLI.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TrialschedNamespace is the Prometheus namespace for all trialsched metrics.
const TrialschedNamespace = "trialsched"

var (
	// Decisions counts the decisions returned from OnTrialResult.
	Decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: TrialschedNamespace,
		Subsystem: "scheduler",
		Name:      "decisions_total",
		Help:      "Decisions returned for trial results, by scheduler and decision.",
	}, []string{"scheduler", "decision"})

	// Perturbations counts PBT exploit steps.
	Perturbations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: TrialschedNamespace,
		Subsystem: "pbt",
		Name:      "perturbations_total",
		Help:      "Exploit/explore steps performed by population based training.",
	}, []string{"scheduler"})

	// CallbackSeconds times scheduler callbacks.
	CallbackSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: TrialschedNamespace,
		Subsystem: "scheduler",
		Name:      "callback_seconds",
		Help:      "Latency of scheduler callbacks.",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
	}, []string{"scheduler", "callback"})

	// CallbackErrors counts callbacks that returned an error.
	CallbackErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: TrialschedNamespace,
		Subsystem: "scheduler",
		Name:      "callback_errors_total",
		Help:      "Scheduler callbacks that returned an error.",
	}, []string{"scheduler", "callback"})
)

// Collectors returns every collector in this package for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{Decisions, Perturbations, CallbackSeconds, CallbackErrors}
}

// Register registers every collector with r.
func Register(r prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Time observes the time since start; use with defer.
func Time(o prometheus.Observer) func() {
	start := time.Now()
	return func() {
		o.Observe(time.Since(start).Seconds())
	}
}

// ErrCount increments c if *err is non-nil; use with defer.
func ErrCount(c prometheus.Counter, err *error) {
	if err != nil && *err != nil {
		c.Inc()
	}
}
