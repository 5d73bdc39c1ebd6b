/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package cache

import (
	"fmt"
	"time"

	"github.com/acronis/go-resilience/config"
)

const cfgDefaultKeyPrefix = "cache"

const (
	cfgKeyBackend         = "backend"
	cfgKeyMaxItems        = "maxItems"
	cfgKeyMaxBytes        = "maxBytes"
	cfgKeyEvictionRatio   = "evictionRatio"
	cfgKeyCleanupInterval = "cleanupInterval"
	cfgKeyDefaultTTL      = "defaultTTL"
	cfgKeyMaxValueBytes   = "maxValueBytes"
)

// Backend is a kind of storage for cache entries.
type Backend string

// Cache backends.
const (
	// BackendMemory keeps entries in the bounded in-process LRU (Memory).
	BackendMemory Backend = "memory"
	// BackendStore keeps entries in the backing store shared with other components (Backed).
	BackendStore Backend = "store"
)

// Default values.
const (
	DefaultMaxItems        = 10000
	DefaultMaxBytes        = "64M"
	DefaultCleanupInterval = time.Minute
	DefaultTTL             = time.Hour
)

// Config represents a set of configuration parameters for the cache.
type Config struct {
	Backend         Backend         `mapstructure:"backend" yaml:"backend" json:"backend"`
	MaxItems        int             `mapstructure:"maxItems" yaml:"maxItems" json:"maxItems"`
	MaxBytes        config.ByteSize `mapstructure:"maxBytes" yaml:"maxBytes" json:"maxBytes"`
	EvictionRatio   float64         `mapstructure:"evictionRatio" yaml:"evictionRatio" json:"evictionRatio"`
	CleanupInterval time.Duration   `mapstructure:"cleanupInterval" yaml:"cleanupInterval" json:"cleanupInterval"`
	DefaultTTL      time.Duration   `mapstructure:"defaultTTL" yaml:"defaultTTL" json:"defaultTTL"`
	MaxValueBytes   config.ByteSize `mapstructure:"maxValueBytes" yaml:"maxValueBytes" json:"maxValueBytes"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new instance of the Config with the given key prefix ("cache" if empty).
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
		Backend:         BackendMemory,
		MaxItems:        DefaultMaxItems,
		MaxBytes:        64 * 1024 * 1024,
		EvictionRatio:   DefaultEvictionRatio,
		CleanupInterval: DefaultCleanupInterval,
		DefaultTTL:      DefaultTTL,
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
	dp.SetDefault(cfgKeyBackend, string(BackendMemory))
	dp.SetDefault(cfgKeyMaxItems, DefaultMaxItems)
	dp.SetDefault(cfgKeyMaxBytes, DefaultMaxBytes)
	dp.SetDefault(cfgKeyEvictionRatio, DefaultEvictionRatio)
	dp.SetDefault(cfgKeyCleanupInterval, DefaultCleanupInterval.String())
	dp.SetDefault(cfgKeyDefaultTTL, DefaultTTL.String())
	dp.SetDefault(cfgKeyMaxValueBytes, "0")
}

// Set sets cache configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	backend, err := dp.GetStringFromSet(cfgKeyBackend, []string{string(BackendMemory), string(BackendStore)}, true)
	if err != nil {
		return err
	}
	c.Backend = Backend(backend)
	if c.MaxItems, err = dp.GetInt(cfgKeyMaxItems); err != nil {
		return err
	}
	if c.MaxItems < 0 {
		return dp.WrapKeyErr(cfgKeyMaxItems, fmt.Errorf("must be >= 0"))
	}
	var n uint64
	if n, err = dp.GetSizeInBytes(cfgKeyMaxBytes); err != nil {
		return err
	}
	c.MaxBytes = config.ByteSize(n)
	if c.EvictionRatio, err = dp.GetFloat64(cfgKeyEvictionRatio); err != nil {
		return err
	}
	if c.EvictionRatio <= 0 || c.EvictionRatio > 1 {
		return dp.WrapKeyErr(cfgKeyEvictionRatio, fmt.Errorf("must be in (0, 1]"))
	}
	if c.CleanupInterval, err = dp.GetDuration(cfgKeyCleanupInterval); err != nil {
		return err
	}
	if c.CleanupInterval < 0 {
		return dp.WrapKeyErr(cfgKeyCleanupInterval, fmt.Errorf("must be >= 0"))
	}
	if c.DefaultTTL, err = dp.GetDuration(cfgKeyDefaultTTL); err != nil {
		return err
	}
	if c.DefaultTTL < 0 {
		return dp.WrapKeyErr(cfgKeyDefaultTTL, fmt.Errorf("must be >= 0"))
	}
	if n, err = dp.GetSizeInBytes(cfgKeyMaxValueBytes); err != nil {
		return err
	}
	c.MaxValueBytes = config.ByteSize(n)
	return nil
}

// MemoryOpts converts the configuration to MemoryOpts.
func (c *Config) MemoryOpts() MemoryOpts {
	return MemoryOpts{
		MaxItems:      c.MaxItems,
		MaxBytes:      uint64(c.MaxBytes),
		EvictionRatio: c.EvictionRatio,
		MaxValueBytes: int(c.MaxValueBytes), //nolint:gosec // configured by operator
	}
}
