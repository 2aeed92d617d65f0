package main

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/determined-ai/trialsched/internal/config"
	"github.com/determined-ai/trialsched/pkg/scheduler"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect the scheduler snapshot in the state store",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Restore the configured scheduler from its snapshot and describe it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		return showState(cmd.Context(), config, cmd.OutOrStdout())
	},
}

var stateDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the scheduler snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		return deleteState(cmd.Context(), config)
	},
}

//nolint:gochecknoinit
func init() {
	stateCmd.AddCommand(stateShowCmd, stateDeleteCmd)
}

var errNoStateStore = errors.New("no state_store is configured")

func showState(ctx context.Context, c *config.Config, w io.Writer) error {
	store, closeStore, err := openStore(ctx, c)
	if err != nil {
		return err
	}
	defer closeStore()
	if store == nil {
		return errNoStateStore
	}

	sched, err := scheduler.New(c.Scheduler)
	if err != nil {
		return err
	}
	if err := scheduler.Load(ctx, sched, store, c.StateKey); err != nil {
		return errors.Wrapf(err, "loading %s", c.StateKey)
	}
	_, err = fmt.Fprintln(w, sched.DebugString())
	return err
}

func deleteState(ctx context.Context, c *config.Config) error {
	store, closeStore, err := openStore(ctx, c)
	if err != nil {
		return err
	}
	defer closeStore()
	if store == nil {
		return errNoStateStore
	}

	if err := store.Delete(ctx, c.StateKey); err != nil {
		return errors.Wrapf(err, "deleting %s", c.StateKey)
	}
	log.Infof("deleted %s", c.StateKey)
	return nil
}
