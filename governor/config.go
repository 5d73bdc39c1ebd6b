/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package governor

import (
	"github.com/acronis/go-resilience/cache"
	"github.com/acronis/go-resilience/circuitbreaker"
	"github.com/acronis/go-resilience/config"
	"github.com/acronis/go-resilience/dedupe"
	"github.com/acronis/go-resilience/ratelimit"
	"github.com/acronis/go-resilience/retry"
)

// Config aggregates configuration of all governed components.
// Each part lives under its own key: store, cache, dedupe, rateLimit, circuitBreaker and retries.
type Config struct {
	Store          *StoreConfig
	Cache          *cache.Config
	Dedupe         *dedupe.Config
	RateLimit      *ratelimit.Config
	CircuitBreaker *circuitbreaker.Config
	Retries        *retry.Config
}

var _ config.Config = (*Config)(nil)

// NewConfig creates a new instance of the Config to be filled by config.Loader.
func NewConfig() *Config {
	return &Config{
		Store:          NewStoreConfig(""),
		Cache:          cache.NewConfig(""),
		Dedupe:         dedupe.NewConfig(""),
		RateLimit:      ratelimit.NewConfig(""),
		CircuitBreaker: circuitbreaker.NewConfig(""),
		Retries:        retry.NewConfig(""),
	}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Store:          NewDefaultStoreConfig(),
		Cache:          cache.NewDefaultConfig(),
		Dedupe:         dedupe.NewDefaultConfig(),
		RateLimit:      ratelimit.NewDefaultConfig(),
		CircuitBreaker: circuitbreaker.NewDefaultConfig(),
		Retries:        retry.NewDefaultConfig(),
	}
}

// SetProviderDefaults sets default configuration values of all parts in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	config.CallSetProviderDefaultsForFields(c, dp)
}

// Set sets configuration values of all parts from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	return config.CallSetForFields(c, dp)
}

func (c *Config) withDefaults() *Config {
	def := NewDefaultConfig()
	res := *c
	if res.Store == nil {
		res.Store = def.Store
	}
	if res.Cache == nil {
		res.Cache = def.Cache
	}
	if res.Dedupe == nil {
		res.Dedupe = def.Dedupe
	}
	if res.RateLimit == nil {
		res.RateLimit = def.RateLimit
	}
	if res.CircuitBreaker == nil {
		res.CircuitBreaker = def.CircuitBreaker
	}
	if res.Retries == nil {
		res.Retries = def.Retries
	}
	return &res
}
