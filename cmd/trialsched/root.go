package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/determined-ai/trialsched/internal/config"
	"github.com/determined-ai/trialsched/pkg/check"
	"github.com/determined-ai/trialsched/pkg/logger"
	"github.com/determined-ai/trialsched/pkg/statestore"
)

const defaultConfigPath = "/etc/trialsched/trialsched.yaml"

var rootCmd = &cobra.Command{
	Use:   "trialsched",
	Short: "Run and inspect hyperparameter tuning trial schedulers",
	// Errors are logged by main; usage is only useful for flag errors.
	SilenceErrors: true,
	SilenceUsage:  true,
}

// loadConfig initializes the configuration and the global logger for a subcommand.
func loadConfig() (*config.Config, error) {
	config, err := initializeConfig()
	if err != nil {
		return nil, err
	}
	logger.SetLogrus(config.Log)

	printableConfig, err := config.Printable()
	if err != nil {
		return nil, err
	}
	log.Debugf("trialsched configuration: %s", printableConfig)
	return config, nil
}

// initializeConfig returns the validated configuration populated from config
// file, environment variables, and command line flags.
func initializeConfig() (*config.Config, error) {
	// Fetch an initial config to get the config file path and read its settings into Viper.
	initialConfig, err := getConfig(v.AllSettings())
	if err != nil {
		return nil, err
	}

	bs, err := readConfigFile(initialConfig.ConfigFile)
	if err != nil {
		return nil, err
	}
	if err = mergeConfigBytesIntoViper(bs); err != nil {
		return nil, err
	}

	// Now call viper.AllSettings() again to get the full config, containing all values from CLI flags,
	// environment variables, and the configuration file.
	config, err := getConfig(v.AllSettings())
	if err != nil {
		return nil, err
	}

	if err := check.Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func readConfigFile(configPath string) ([]byte, error) {
	isDefault := configPath == ""
	if isDefault {
		configPath = defaultConfigPath
	}

	var err error
	if _, err = os.Stat(configPath); err != nil {
		if isDefault && os.IsNotExist(err) {
			log.Debugf("no configuration file at %s, skipping", configPath)
			return nil, nil
		}
		return nil, errors.Wrap(err, "error finding configuration file")
	}
	bs, err := os.ReadFile(configPath) // #nosec G304
	if err != nil {
		return nil, errors.Wrap(err, "error reading configuration file")
	}
	return bs, nil
}

func mergeConfigBytesIntoViper(bs []byte) error {
	var configMap map[string]interface{}
	if err := yaml.Unmarshal(bs, &configMap); err != nil {
		return errors.Wrap(err, "error unmarshal yaml configuration file")
	}
	if err := v.MergeConfigMap(configMap); err != nil {
		return errors.Wrap(err, "error merge configuration to viper")
	}
	return nil
}

func getConfig(configMap map[string]interface{}) (*config.Config, error) {
	config := config.DefaultConfig()
	bs, err := json.Marshal(configMap)
	if err != nil {
		return nil, errors.Wrap(err, "cannot marshal configuration map into json bytes")
	}
	if err = yaml.Unmarshal(bs, &config, yaml.DisallowUnknownFields); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal configuration")
	}

	if err := config.Resolve(); err != nil {
		return nil, err
	}
	return config, nil
}

// openStore opens the configured state store. It returns a nil store when none is configured;
// the returned close function is always safe to call.
func openStore(ctx context.Context, c *config.Config) (statestore.Store, func(), error) {
	if c.StateStore == nil {
		return nil, func() {}, nil
	}
	store, err := statestore.New(ctx, *c.StateStore)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening state store")
	}
	closeStore := func() {
		if closer, ok := store.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				log.WithError(err).Warn("error closing state store")
			}
		}
	}
	return store, closeStore, nil
}
