// Package logger configures the process-wide logrus logger.
package logger

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	textFormat = "text"
	jsonFormat = "json"
)

// DefaultConfig returns the default configuration of logger.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Color:  true,
		Format: textFormat,
	}
}

// Config is the configuration of logger.
type Config struct {
	Level  string `json:"level"`
	Color  bool   `json:"color"`
	Format string `json:"format"`
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	var errs []error
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Format) {
	case "", textFormat, jsonFormat:
	default:
		errs = append(errs, fmt.Errorf("unknown log format: %q", c.Format))
	}
	return errs
}

// SetLogrus sets logrus globally.
func SetLogrus(c Config) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		panic(fmt.Sprintf("invalid log level: %s", c.Level))
	}

	logrus.SetLevel(level)
	if strings.ToLower(c.Format) == jsonFormat {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		ForceColors:   c.Color,
		DisableColors: !c.Color,
	})
}
