package main

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/determined-ai/trialsched/internal/config"
)

// version is set at link time.
var version = "dev"

var v *viper.Viper

// viperKeyDelimiter marks nested values in the configuration. With the default "." viper cannot
// tell a key containing a dot from a nested object, and hyperparameter names often contain dots.
const viperKeyDelimiter = ".."

//nolint:gochecknoinit
func init() {
	rootCmd.Version = version
	rootCmd.AddCommand(simulateCmd, replayCmd, stateCmd, configCmd)
	registerConfig()
}

type configKey []string

func (c configKey) EnvName() string {
	return "TRIALSCHED_" + strings.ReplaceAll(strings.ToUpper(c.FlagName()), "-", "_")
}

func (c configKey) AccessPath() string {
	return strings.ReplaceAll(strings.Join(c, viperKeyDelimiter), "-", "_")
}

func (c configKey) FlagName() string {
	return strings.Join(c, "-")
}

func registerString(flags *pflag.FlagSet, name configKey, value string, usage string) {
	flags.String(name.FlagName(), value, usage)
	_ = v.BindEnv(name.AccessPath(), name.EnvName())
	_ = v.BindPFlag(name.AccessPath(), flags.Lookup(name.FlagName()))
	v.SetDefault(name.AccessPath(), value)
}

func registerBool(flags *pflag.FlagSet, name configKey, value bool, usage string) {
	flags.Bool(name.FlagName(), value, usage)
	_ = v.BindEnv(name.AccessPath(), name.EnvName())
	_ = v.BindPFlag(name.AccessPath(), flags.Lookup(name.FlagName()))
	v.SetDefault(name.AccessPath(), value)
}

func registerInt(flags *pflag.FlagSet, name configKey, value int, usage string) {
	flags.Int(name.FlagName(), value, usage)
	_ = v.BindEnv(name.AccessPath(), name.EnvName())
	_ = v.BindPFlag(name.AccessPath(), flags.Lookup(name.FlagName()))
	v.SetDefault(name.AccessPath(), value)
}

func registerConfig() {
	v = viper.NewWithOptions(viper.KeyDelimiter(viperKeyDelimiter))
	v.SetTypeByDefaultValue(true)

	defaults := config.DefaultConfig()

	// Every subcommand reads the same configuration.
	flags := rootCmd.PersistentFlags()
	name := func(components ...string) configKey { return components }

	registerString(flags, name("config-file"),
		defaults.ConfigFile, "location of config file")

	registerString(flags, name("log", "level"),
		defaults.Log.Level, "choose logging level from [trace, debug, info, warn, error, fatal]")
	registerBool(flags, name("log", "color"),
		defaults.Log.Color, "output logs in color")
	registerString(flags, name("log", "format"),
		defaults.Log.Format, "output logs as text or json")

	registerString(flags, name("state-key"),
		defaults.StateKey, "key of the scheduler snapshot in the state store")

	registerInt(flags, name("simulation", "num-trials"),
		defaults.Simulation.NumTrials, "number of simulated trials")
	registerInt(flags, name("simulation", "max-concurrent"),
		defaults.Simulation.MaxConcurrent, "number of simulated trials running at once")
	registerInt(flags, name("simulation", "max-iterations"),
		defaults.Simulation.MaxIterations, "iterations after which a simulated trial completes")
	registerInt(flags, name("simulation", "seed"),
		int(defaults.Simulation.Seed), "seed of the simulation")

	registerString(flags, name("metrics", "text-file"),
		defaults.Metrics.TextFile, "write Prometheus metrics to this file on exit")
}
