// Package config holds the configuration of the trialsched command.
package config

import (
	"encoding/json"
	"path/filepath"

	"github.com/jinzhu/copier"
	"github.com/pkg/errors"

	"github.com/determined-ai/trialsched/pkg/check"
	"github.com/determined-ai/trialsched/pkg/logger"
	"github.com/determined-ai/trialsched/pkg/scheduler"
	"github.com/determined-ai/trialsched/pkg/statestore"
)

const (
	hiddenValue     = "********"
	defaultStateKey = "scheduler.json"
)

// MetricsConfig controls where Prometheus metrics are exported.
type MetricsConfig struct {
	// TextFile, if set, receives the metrics in the text exposition format when a command exits.
	TextFile string `json:"text_file"`
}

// Config is the configuration of trialsched.
//
// It is populated, in the following order, by the configuration file, environment variables and
// command line arguments.
type Config struct {
	ConfigFile string                     `json:"config_file"`
	Log        logger.Config              `json:"log"`
	Scheduler  scheduler.Config           `json:"scheduler"`
	Simulation scheduler.SimulationConfig `json:"simulation"`
	StateStore *statestore.Config         `json:"state_store"`
	StateKey   string                     `json:"state_key"`
	Metrics    MetricsConfig              `json:"metrics"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	sim := scheduler.SimulationConfig{}
	sim.SetDefaults()
	return &Config{
		Log:        *logger.DefaultConfig(),
		Scheduler:  scheduler.Config{FIFO: &scheduler.FIFOConfig{}},
		Simulation: sim,
		StateKey:   defaultStateKey,
	}
}

// Printable returns the configuration as JSON with secrets masked.
func (c Config) Printable() ([]byte, error) {
	var printable Config
	if err := copier.CopyWithOption(&printable, &c, copier.Option{DeepCopy: true}); err != nil {
		return nil, errors.Wrap(err, "unable to copy config")
	}
	if store := printable.StateStore; store != nil && store.Redis != nil && store.Redis.Password != "" {
		store.Redis.Password = hiddenValue
	}

	optJSON, err := json.Marshal(printable)
	if err != nil {
		return nil, errors.Wrap(err, "unable to convert config to JSON")
	}
	return optJSON, nil
}

// Resolve resolves the values in the configuration.
func (c *Config) Resolve() error {
	if c.StateKey == "" {
		c.StateKey = defaultStateKey
	}
	if c.StateStore != nil && c.StateStore.File != nil {
		dir, err := filepath.Abs(c.StateStore.File.Dir)
		if err != nil {
			return errors.Wrap(err, "resolving state store directory")
		}
		c.StateStore.File.Dir = dir
	}
	// Simulated trials report the metric the scheduler reads.
	if metric := c.Scheduler.Metric(); metric != "" {
		c.Simulation.Metric = metric
	}
	return nil
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	var errs []error
	if c.StateStore != nil {
		errs = append(errs, check.True(
			c.StateStore.File != nil || c.StateStore.S3 != nil || c.StateStore.Redis != nil,
			"state_store needs a type",
		))
	}
	return append(errs, check.NotEmpty(c.StateKey, "state_key"))
}
