/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package circuitbreaker

import (
	"fmt"
	"time"

	"github.com/acronis/go-resilience/config"
)

const cfgDefaultKeyPrefix = "circuitBreaker"

const (
	cfgKeyEnabled          = "enabled"
	cfgKeyFailureThreshold = "failureThreshold"
	cfgKeyRecoveryTimeout  = "recoveryTimeout"
	cfgKeyOperationTimeout = "operationTimeout"
)

// Config represents a set of configuration parameters for circuit breakers.
type Config struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	FailureThreshold int           `mapstructure:"failureThreshold" yaml:"failureThreshold" json:"failureThreshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recoveryTimeout" yaml:"recoveryTimeout" json:"recoveryTimeout"`
	OperationTimeout time.Duration `mapstructure:"operationTimeout" yaml:"operationTimeout" json:"operationTimeout"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new instance of the Config with the given key prefix ("circuitBreaker" if empty).
func NewConfig(keyPrefix string) *Config {
	if keyPrefix == "" {
		keyPrefix = cfgDefaultKeyPrefix
	}
	return &Config{keyPrefix: keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		keyPrefix:        cfgDefaultKeyPrefix,
		Enabled:          true,
		FailureThreshold: DefaultFailureThreshold,
		RecoveryTimeout:  DefaultRecoveryTimeout,
		OperationTimeout: DefaultOperationTimeout,
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
	dp.SetDefault(cfgKeyEnabled, true)
	dp.SetDefault(cfgKeyFailureThreshold, DefaultFailureThreshold)
	dp.SetDefault(cfgKeyRecoveryTimeout, DefaultRecoveryTimeout.String())
	dp.SetDefault(cfgKeyOperationTimeout, DefaultOperationTimeout.String())
}

// Set sets circuit breaker configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	if c.Enabled, err = dp.GetBool(cfgKeyEnabled); err != nil {
		return err
	}
	if c.FailureThreshold, err = dp.GetInt(cfgKeyFailureThreshold); err != nil {
		return err
	}
	if c.FailureThreshold <= 0 {
		return dp.WrapKeyErr(cfgKeyFailureThreshold, fmt.Errorf("must be positive"))
	}
	if c.RecoveryTimeout, err = dp.GetDuration(cfgKeyRecoveryTimeout); err != nil {
		return err
	}
	if c.RecoveryTimeout <= 0 {
		return dp.WrapKeyErr(cfgKeyRecoveryTimeout, fmt.Errorf("must be positive"))
	}
	if c.OperationTimeout, err = dp.GetDuration(cfgKeyOperationTimeout); err != nil {
		return err
	}
	if c.OperationTimeout < 0 {
		return dp.WrapKeyErr(cfgKeyOperationTimeout, fmt.Errorf("must be >= 0"))
	}
	return nil
}

// Opts converts the configuration to Opts. Zero operation timeout disables the timeout race.
func (c *Config) Opts() Opts {
	opts := Opts{
		Disabled:         !c.Enabled,
		FailureThreshold: c.FailureThreshold,
		RecoveryTimeout:  c.RecoveryTimeout,
		OperationTimeout: c.OperationTimeout,
	}
	if opts.OperationTimeout == 0 {
		opts.OperationTimeout = -1
	}
	return opts
}
