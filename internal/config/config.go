// Package config loads blip settings from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blip/internal/gatt"
	"github.com/srg/blip/internal/stack"
	"gopkg.in/yaml.v3"
)

// Config holds all settings. Zero values are replaced by the default tags.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// DeviceID selects the HCI controller on Linux.
	DeviceID int `yaml:"device_id"`

	AdvertiseStartWindow time.Duration `yaml:"advertise_start_window" default:"250ms"`

	// OutputBuffer is the number of print records kept before the oldest
	// are dropped.
	OutputBuffer int `yaml:"output_buffer" default:"100"`

	// DrainTimeout bounds how long check waits for queued callbacks to
	// settle.
	DrainTimeout time.Duration `yaml:"drain_timeout" default:"2s"`

	// MaxValueSize is the notification payload offered to subscribers that
	// do not negotiate one.
	MaxValueSize int `yaml:"max_value_size" default:"20"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file. Unknown keys are rejected and missing
// ones keep their defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	defaults.SetDefaults(cfg)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.DeviceID < 0 {
		return fmt.Errorf("device_id must be >= 0, got %d", c.DeviceID)
	}
	if c.AdvertiseStartWindow < 0 {
		return fmt.Errorf("advertise_start_window must be >= 0, got %s", c.AdvertiseStartWindow)
	}
	if c.OutputBuffer <= 0 {
		return fmt.Errorf("output_buffer must be > 0")
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("drain_timeout must be > 0")
	}
	if c.MaxValueSize <= 0 || c.MaxValueSize > gatt.MaxAttributeValue {
		return fmt.Errorf("max_value_size must be in 1..%d, got %d", gatt.MaxAttributeValue, c.MaxValueSize)
	}
	return nil
}

func parseLevel(s string) (logrus.Level, error) {
	switch s {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.PanicLevel, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s)
	}
}

// NewLogger builds the logger described by c.LogLevel.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}

// StackOptions are the go-ble binding settings.
func (c *Config) StackOptions() stack.Options {
	return stack.Options{
		DeviceID:             c.DeviceID,
		AdvertiseStartWindow: c.AdvertiseStartWindow,
	}
}
