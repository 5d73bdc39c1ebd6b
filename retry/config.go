/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package retry

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acronis/go-resilience/config"
)

const cfgDefaultKeyPrefix = "retries"

const (
	cfgKeyEnabled         = "enabled"
	cfgKeyMaxAttempts     = "maxAttempts"
	cfgKeyPolicy          = "policy"
	cfgKeyInitialInterval = "initialInterval"
)

// PolicyType is a kind of backoff between attempts.
type PolicyType string

// Policy types.
const (
	PolicyTypeExponential PolicyType = "exponential"
	PolicyTypeConstant    PolicyType = "constant"
)

// Default values.
const (
	DefaultMaxAttempts     = 3
	DefaultInitialInterval = 100 * time.Millisecond
)

// Config represents a set of configuration parameters for retries.
type Config struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	MaxAttempts     int           `mapstructure:"maxAttempts" yaml:"maxAttempts" json:"maxAttempts"`
	Policy          PolicyType    `mapstructure:"policy" yaml:"policy" json:"policy"`
	InitialInterval time.Duration `mapstructure:"initialInterval" yaml:"initialInterval" json:"initialInterval"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new instance of the Config with the given key prefix ("retries" if empty).
func NewConfig(keyPrefix string) *Config {
	if keyPrefix == "" {
		keyPrefix = cfgDefaultKeyPrefix
	}
	return &Config{keyPrefix: keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values. Retries are disabled by default.
func NewDefaultConfig() *Config {
	return &Config{
		keyPrefix:       cfgDefaultKeyPrefix,
		MaxAttempts:     DefaultMaxAttempts,
		Policy:          PolicyTypeExponential,
		InitialInterval: DefaultInitialInterval,
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
	dp.SetDefault(cfgKeyEnabled, false)
	dp.SetDefault(cfgKeyMaxAttempts, DefaultMaxAttempts)
	dp.SetDefault(cfgKeyPolicy, string(PolicyTypeExponential))
	dp.SetDefault(cfgKeyInitialInterval, DefaultInitialInterval.String())
}

// Set sets retry configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	if c.Enabled, err = dp.GetBool(cfgKeyEnabled); err != nil {
		return err
	}
	if c.MaxAttempts, err = dp.GetInt(cfgKeyMaxAttempts); err != nil {
		return err
	}
	if c.MaxAttempts <= 0 {
		return dp.WrapKeyErr(cfgKeyMaxAttempts, fmt.Errorf("must be positive"))
	}
	policy, err := dp.GetStringFromSet(cfgKeyPolicy,
		[]string{string(PolicyTypeExponential), string(PolicyTypeConstant)}, true)
	if err != nil {
		return err
	}
	c.Policy = PolicyType(policy)
	if c.InitialInterval, err = dp.GetDuration(cfgKeyInitialInterval); err != nil {
		return err
	}
	if c.InitialInterval <= 0 {
		return dp.WrapKeyErr(cfgKeyInitialInterval, fmt.Errorf("must be positive"))
	}
	return nil
}

// NewPolicy creates a backoff policy of the configured type.
// MaxAttempts counts all attempts including the first one.
func (c *Config) NewPolicy() Policy {
	retries := c.MaxAttempts - 1
	if retries <= 0 {
		return PolicyFunc(func() backoff.BackOff { return &backoff.StopBackOff{} })
	}
	if c.Policy == PolicyTypeConstant {
		return NewConstantBackoffPolicy(c.InitialInterval, retries)
	}
	return NewExponentialBackoffPolicy(c.InitialInterval, retries)
}
