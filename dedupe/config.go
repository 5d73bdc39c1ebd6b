/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dedupe

import (
	"fmt"
	"time"

	"github.com/acronis/go-resilience/config"
)

const cfgDefaultKeyPrefix = "dedupe"

const (
	cfgKeyJobTimeout      = "jobTimeout"
	cfgKeyPollInterval    = "pollInterval"
	cfgKeyCleanupInterval = "cleanupInterval"
	cfgKeyResultRetention = "resultRetention"
)

// DefaultCleanupInterval is the default interval of removing outdated job outcomes.
const DefaultCleanupInterval = time.Minute

// Config represents a set of configuration parameters for Dedupe.
type Config struct {
	JobTimeout      time.Duration `mapstructure:"jobTimeout" yaml:"jobTimeout" json:"jobTimeout"`
	PollInterval    time.Duration `mapstructure:"pollInterval" yaml:"pollInterval" json:"pollInterval"`
	CleanupInterval time.Duration `mapstructure:"cleanupInterval" yaml:"cleanupInterval" json:"cleanupInterval"`
	ResultRetention time.Duration `mapstructure:"resultRetention" yaml:"resultRetention" json:"resultRetention"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new instance of the Config with the given key prefix ("dedupe" if empty).
func NewConfig(keyPrefix string) *Config {
	if keyPrefix == "" {
		keyPrefix = cfgDefaultKeyPrefix
	}
	return &Config{keyPrefix: keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		keyPrefix:       cfgDefaultKeyPrefix,
		JobTimeout:      DefaultJobTimeout,
		PollInterval:    DefaultPollInterval,
		CleanupInterval: DefaultCleanupInterval,
		ResultRetention: DefaultResultRetention,
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyJobTimeout, DefaultJobTimeout.String())
	dp.SetDefault(cfgKeyPollInterval, DefaultPollInterval.String())
	dp.SetDefault(cfgKeyCleanupInterval, DefaultCleanupInterval.String())
	dp.SetDefault(cfgKeyResultRetention, DefaultResultRetention.String())
}

// Set sets dedupe configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	positive := []struct {
		key string
		dst *time.Duration
	}{
		{cfgKeyJobTimeout, &c.JobTimeout},
		{cfgKeyPollInterval, &c.PollInterval},
		{cfgKeyResultRetention, &c.ResultRetention},
	}
	for _, p := range positive {
		d, err := dp.GetDuration(p.key)
		if err != nil {
			return err
		}
		if d <= 0 {
			return dp.WrapKeyErr(p.key, fmt.Errorf("must be positive"))
		}
		*p.dst = d
	}
	var err error
	if c.CleanupInterval, err = dp.GetDuration(cfgKeyCleanupInterval); err != nil {
		return err
	}
	if c.CleanupInterval < 0 {
		return dp.WrapKeyErr(cfgKeyCleanupInterval, fmt.Errorf("must be >= 0"))
	}
	return nil
}

// Opts converts the configuration to Opts.
func (c *Config) Opts() Opts {
	return Opts{JobTimeout: c.JobTimeout, PollInterval: c.PollInterval, ResultRetention: c.ResultRetention}
}
