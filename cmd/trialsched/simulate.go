package main

import (
	"context"
	"io"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/determined-ai/trialsched/internal/config"
	"github.com/determined-ai/trialsched/internal/prom"
	"github.com/determined-ai/trialsched/pkg/scheduler"
	"github.com/determined-ai/trialsched/pkg/statestore"
)

type simulateOptions struct {
	name     string
	curve    string
	resume   bool
	output   string
	template string
}

var simulateOpts simulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run synthetic trials under the configured scheduler",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		return runSimulate(cmd.Context(), config, simulateOpts, cmd.OutOrStdout())
	},
}

//nolint:gochecknoinit
func init() {
	flags := simulateCmd.Flags()
	flags.StringVar(&simulateOpts.name, "name", "", "experiment name (generated if empty)")
	flags.StringVar(&simulateOpts.curve, "curve", "saturating", "learning curve: saturating or constant")
	flags.BoolVar(&simulateOpts.resume, "resume", false,
		"restore the scheduler from the state store before simulating")
	flags.StringVarP(&simulateOpts.output, "output", "o", outputYAML, "output format: yaml or json")
	flags.StringVar(&simulateOpts.template, "template", "",
		"render the report with the Go template in this file instead")
}

// simulationReport is the output of the simulate command.
type simulationReport struct {
	Name      string `json:"name"`
	Scheduler string `json:"scheduler"`
	scheduler.Simulation
}

func curveByName(name string) (scheduler.CurveFunc, error) {
	switch name {
	case "saturating", "":
		return scheduler.SaturatingCurve, nil
	case "constant":
		return scheduler.ConstantCurve, nil
	default:
		return nil, errors.Errorf("unknown curve %q", name)
	}
}

func runSimulate(ctx context.Context, c *config.Config, opts simulateOptions, w io.Writer) error {
	curve, err := curveByName(opts.curve)
	if err != nil {
		return err
	}
	name := opts.name
	if name == "" {
		name = petname.Generate(2, "-")
	}

	registry := prometheus.NewRegistry()
	if err := prom.Register(registry); err != nil {
		return errors.Wrap(err, "registering metrics")
	}

	sched, err := scheduler.New(c.Scheduler)
	if err != nil {
		return err
	}
	sched = scheduler.WithMetrics(sched)

	store, closeStore, err := openStore(ctx, c)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.resume && store != nil {
		switch err := scheduler.Load(ctx, sched, store, c.StateKey); {
		case errors.Is(err, statestore.ErrNotFound):
			log.Infof("no snapshot under %s, starting fresh", c.StateKey)
		case err != nil:
			return errors.Wrap(err, "restoring scheduler")
		default:
			log.Infof("restored %s scheduler from %s", sched.Type(), c.StateKey)
		}
	}

	log.WithField("experiment", name).Infof(
		"simulating %d trials under %s", c.Simulation.NumTrials, sched.Type())
	sim, err := scheduler.Simulate(sched, c.Simulation, curve)
	if err != nil {
		return errors.Wrapf(err, "simulating experiment %s", name)
	}

	if store != nil {
		if err := scheduler.Save(ctx, sched, store, c.StateKey); err != nil {
			return errors.Wrap(err, "saving scheduler")
		}
		log.Infof("saved %s scheduler to %s", sched.Type(), c.StateKey)
	}
	if c.Metrics.TextFile != "" {
		if err := prometheus.WriteToTextfile(c.Metrics.TextFile, registry); err != nil {
			return errors.Wrap(err, "writing metrics")
		}
	}

	return writeOutput(w, simulationReport{
		Name:       name,
		Scheduler:  sched.DebugString(),
		Simulation: sim,
	}, opts.output, opts.template)
}
