package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/assert"

	"github.com/determined-ai/trialsched/internal/config"
	"github.com/determined-ai/trialsched/pkg/scheduler"
	"github.com/determined-ai/trialsched/pkg/statestore"
)

func TestUnmarshalConfigurationViaViper(t *testing.T) {
	raw := `
log:
  level: debug
scheduler:
  type: hyperband
  metric: mean_accuracy
  max_t: 27
state_store:
  type: redis
  addr: redis:6379
`
	hyperBand := scheduler.HyperBandConfig{}
	hyperBand.SetDefaults()
	hyperBand.Metric = "mean_accuracy"
	hyperBand.MaxT = 27
	redis := statestore.RedisConfig{}
	redis.SetDefaults()
	redis.Addr = "redis:6379"

	expected := config.DefaultConfig()
	expected.Log.Level = "debug"
	expected.Scheduler = scheduler.Config{HyperBand: &hyperBand}
	expected.StateStore = &statestore.Config{Redis: &redis}
	assert.NilError(t, expected.Resolve())

	err := mergeConfigBytesIntoViper([]byte(raw))
	assert.NilError(t, err)
	config, err := getConfig(v.AllSettings())
	assert.NilError(t, err)
	assert.DeepEqual(t, config, expected)
	assert.Equal(t, config.Simulation.Metric, "mean_accuracy")
}

func TestReadConfigFile(t *testing.T) {
	bs, err := readConfigFile("")
	if _, statErr := os.Stat(defaultConfigPath); os.IsNotExist(statErr) {
		assert.NilError(t, err)
		assert.Assert(t, bs == nil)
	}

	_, err = readConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "error finding configuration file")
}

func TestToYAML(t *testing.T) {
	var out bytes.Buffer
	err := toYAML(&out, struct {
		Name   string `json:"experiment_name"`
		Counts []int  `json:"counts"`
	}{"lucky-otter", []int{1, 2}})
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(out.String(), "experiment_name: lucky-otter\n"), out.String())
	assert.Assert(t, !strings.ContainsAny(out.String(), "{}[]\""), out.String())
}

func TestRenderTemplate(t *testing.T) {
	var out bytes.Buffer
	report := simulationReport{Name: "lucky-otter"}
	report.Trials = make([]scheduler.SimulatedTrial, 3)
	err := renderTemplate(&out, `{{ .Name | upper }} {{ len .Trials }}`, report)
	assert.NilError(t, err)
	assert.Equal(t, out.String(), "LUCKY-OTTER 3")

	assert.ErrorContains(t, renderTemplate(&out, "{{ .Name ", report), "parsing output template")
	assert.ErrorContains(t, writeOutput(&out, report, "xml", ""), "unknown output format")
}

func TestSimulateAndInspectState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	asha := scheduler.ASHAConfig{}
	asha.SetDefaults()
	asha.Metric = "episode_reward_mean"
	asha.MaxT = 9
	c := config.DefaultConfig()
	c.Scheduler = scheduler.Config{ASHA: &asha}
	c.Simulation.NumTrials = 4
	c.Simulation.MaxConcurrent = 2
	c.Simulation.MaxIterations = 9
	c.StateStore = &statestore.Config{File: &statestore.FileConfig{Dir: dir}}
	c.Metrics.TextFile = filepath.Join(dir, "metrics.prom")
	assert.NilError(t, c.Resolve())

	var out bytes.Buffer
	opts := simulateOptions{name: "test-run", output: outputJSON}
	assert.NilError(t, runSimulate(ctx, c, opts, &out))

	var report simulationReport
	assert.NilError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, report.Name, "test-run")
	assert.Equal(t, len(report.Trials), 4)
	assert.Assert(t, strings.HasPrefix(report.Scheduler, "Using AsyncHyperBand"))

	_, err := os.Stat(filepath.Join(dir, c.StateKey))
	assert.NilError(t, err)
	metrics, err := os.ReadFile(c.Metrics.TextFile)
	assert.NilError(t, err)
	assert.Assert(t, bytes.Contains(metrics, []byte("trialsched_scheduler_decisions_total")))

	out.Reset()
	assert.NilError(t, showState(ctx, c, &out))
	assert.Assert(t, strings.HasPrefix(out.String(), "Using AsyncHyperBand"), out.String())

	// A fresh seed draws new trial ids for the restored scheduler.
	opts.resume = true
	c.Simulation.Seed = 1
	out.Reset()
	assert.NilError(t, runSimulate(ctx, c, opts, &out))

	assert.NilError(t, deleteState(ctx, c))
	err = showState(ctx, c, &out)
	assert.Assert(t, errors.Is(err, statestore.ErrNotFound), err)

	opts.curve = "linear"
	assert.ErrorContains(t, runSimulate(ctx, c, opts, &out), "unknown curve")

	c.StateStore = nil
	assert.Assert(t, errors.Is(showState(ctx, c, &out), errNoStateStore))
}
