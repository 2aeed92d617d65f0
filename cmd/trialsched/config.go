package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration with secrets hidden",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		printable, err := config.Printable()
		if err != nil {
			return err
		}
		return toYAML(cmd.OutOrStdout(), json.RawMessage(printable))
	},
}
