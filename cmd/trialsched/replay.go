package main

import (
	"github.com/spf13/cobra"

	"github.com/determined-ai/trialsched/pkg/scheduler"
)

var replayOutput string

var replayCmd = &cobra.Command{
	Use:   "replay POLICY_FILE",
	Short: "Print the config schedule a PBT policy log replays",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}
		replay, err := scheduler.NewPBTReplay(scheduler.PBTReplayConfig{PolicyFile: args[0]})
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), replaySchedule{
			InitialConfig: replay.InitialConfig(),
			Changes:       replay.Changes(),
		}, replayOutput, "")
	},
}

//nolint:gochecknoinit
func init() {
	replayCmd.Flags().StringVarP(&replayOutput, "output", "o", outputYAML, "output format: yaml or json")
}

type replaySchedule struct {
	InitialConfig map[string]interface{}   `json:"initial_config"`
	Changes       []scheduler.ReplayChange `json:"changes"`
}
