/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"time"

	"github.com/acronis/go-resilience/config"
)

const cfgDefaultKeyPrefix = "rateLimit"

const (
	cfgKeyMode          = "mode"
	cfgKeyDefault       = "default"
	cfgKeyResources     = "resources"
	cfgKeyMaxWait       = "maxWait"
	cfgKeyOnMaxWait     = "onMaxWait"
	cfgKeyPurgeInterval = "purgeInterval"

	cfgKeyAdaptiveHighActivityThreshold     = "adaptive.highActivityThreshold"
	cfgKeyAdaptiveModerateActivityThreshold = "adaptive.moderateActivityThreshold"
	cfgKeyAdaptiveMonitoringWindow          = "adaptive.monitoringWindow"
	cfgKeyAdaptiveRecalculationInterval     = "adaptive.recalculationInterval"
	cfgKeyAdaptiveSustainedInactivity       = "adaptive.sustainedInactivity"
	cfgKeyAdaptiveMaxUserScaling            = "adaptive.maxUserScaling"
	cfgKeyAdaptiveMinUserReservation        = "adaptive.minUserReservation"
	cfgKeyAdaptivePauseBackgroundOnIncrease = "adaptive.pauseBackgroundOnIncrease"
)

// MaxWaitPolicy determines what happens to a request that cannot be admitted within the max wait.
type MaxWaitPolicy string

// Max wait policies.
const (
	MaxWaitPolicyReject  MaxWaitPolicy = "reject"
	MaxWaitPolicyProceed MaxWaitPolicy = "proceed"
)

// Default values.
const (
	DefaultMaxWait       = 5 * time.Second
	DefaultPurgeInterval = time.Minute
)

// Config represents a set of configuration parameters for rate limiting.
type Config struct {
	Mode      Mode           `mapstructure:"mode" yaml:"mode" json:"mode"`
	Default   Rate           `mapstructure:"default" yaml:"default" json:"default"`
	Resources []ResourceRate `mapstructure:"resources" yaml:"resources" json:"resources"`
	MaxWait   time.Duration  `mapstructure:"maxWait" yaml:"maxWait" json:"maxWait"`
	OnMaxWait MaxWaitPolicy  `mapstructure:"onMaxWait" yaml:"onMaxWait" json:"onMaxWait"`
	Adaptive  AdaptiveConfig `mapstructure:"adaptive" yaml:"adaptive" json:"adaptive"`
	// PurgeInterval is how often records no window needs are dropped by maintenance. Zero disables purging.
	PurgeInterval time.Duration `mapstructure:"purgeInterval" yaml:"purgeInterval" json:"purgeInterval"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new instance of the Config with the given key prefix ("rateLimit" if empty).
func NewConfig(keyPrefix string) *Config {
	if keyPrefix == "" {
		keyPrefix = cfgDefaultKeyPrefix
	}
	return &Config{keyPrefix: keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		keyPrefix: cfgDefaultKeyPrefix,
		Mode:      ModeFixed,
		Default:   DefaultRate,
		MaxWait:   DefaultMaxWait,
		OnMaxWait: MaxWaitPolicyReject,
		Adaptive:  DefaultAdaptiveConfig(),

		PurgeInterval: DefaultPurgeInterval,
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
	def := DefaultAdaptiveConfig()
	dp.SetDefault(cfgKeyMode, string(ModeFixed))
	dp.SetDefault(cfgKeyDefault, DefaultRate.String())
	dp.SetDefault(cfgKeyMaxWait, DefaultMaxWait.String())
	dp.SetDefault(cfgKeyOnMaxWait, string(MaxWaitPolicyReject))
	dp.SetDefault(cfgKeyPurgeInterval, DefaultPurgeInterval.String())
	dp.SetDefault(cfgKeyAdaptiveHighActivityThreshold, def.HighActivityThreshold)
	dp.SetDefault(cfgKeyAdaptiveModerateActivityThreshold, def.ModerateActivityThreshold)
	dp.SetDefault(cfgKeyAdaptiveMonitoringWindow, def.MonitoringWindow.String())
	dp.SetDefault(cfgKeyAdaptiveRecalculationInterval, def.RecalculationInterval.String())
	dp.SetDefault(cfgKeyAdaptiveSustainedInactivity, def.SustainedInactivity.String())
	dp.SetDefault(cfgKeyAdaptiveMaxUserScaling, def.MaxUserScaling)
	dp.SetDefault(cfgKeyAdaptiveMinUserReservation, def.MinUserReservation)
	dp.SetDefault(cfgKeyAdaptivePauseBackgroundOnIncrease, def.PauseBackgroundOnIncrease)
}

// Set sets rate limiting configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	mode, err := dp.GetStringFromSet(cfgKeyMode, []string{string(ModeFixed), string(ModeAdaptive)}, true)
	if err != nil {
		return err
	}
	c.Mode = Mode(mode)

	var def Rate
	if err = dp.UnmarshalKey(cfgKeyDefault, &def, config.WithDecodeHook()); err != nil {
		return err
	}
	if err = def.Validate(); err != nil {
		return dp.WrapKeyErr(cfgKeyDefault, err)
	}
	c.Default = def

	var resources []ResourceRate
	if err = dp.UnmarshalKey(cfgKeyResources, &resources, config.WithDecodeHook()); err != nil {
		return err
	}
	for i, r := range resources {
		if r.Pattern == "" {
			return dp.WrapKeyErr(cfgKeyResources, fmt.Errorf("pattern of item #%d cannot be empty", i))
		}
		if err = r.Rate.Validate(); err != nil {
			return dp.WrapKeyErr(cfgKeyResources, fmt.Errorf("rate of %q: %w", r.Pattern, err))
		}
	}
	c.Resources = resources

	if c.MaxWait, err = dp.GetDuration(cfgKeyMaxWait); err != nil {
		return err
	}
	if c.MaxWait < 0 {
		return dp.WrapKeyErr(cfgKeyMaxWait, fmt.Errorf("must be >= 0"))
	}
	onMaxWait, err := dp.GetStringFromSet(cfgKeyOnMaxWait,
		[]string{string(MaxWaitPolicyReject), string(MaxWaitPolicyProceed)}, true)
	if err != nil {
		return err
	}
	c.OnMaxWait = MaxWaitPolicy(onMaxWait)

	if c.PurgeInterval, err = dp.GetDuration(cfgKeyPurgeInterval); err != nil {
		return err
	}
	if c.PurgeInterval < 0 {
		return dp.WrapKeyErr(cfgKeyPurgeInterval, fmt.Errorf("must be >= 0"))
	}

	return c.setAdaptive(dp)
}

func (c *Config) setAdaptive(dp config.DataProvider) error {
	var err error
	a := &c.Adaptive
	if a.HighActivityThreshold, err = dp.GetInt(cfgKeyAdaptiveHighActivityThreshold); err != nil {
		return err
	}
	if a.ModerateActivityThreshold, err = dp.GetInt(cfgKeyAdaptiveModerateActivityThreshold); err != nil {
		return err
	}
	if a.MonitoringWindow, err = dp.GetDuration(cfgKeyAdaptiveMonitoringWindow); err != nil {
		return err
	}
	if a.RecalculationInterval, err = dp.GetDuration(cfgKeyAdaptiveRecalculationInterval); err != nil {
		return err
	}
	if a.SustainedInactivity, err = dp.GetDuration(cfgKeyAdaptiveSustainedInactivity); err != nil {
		return err
	}
	if a.MaxUserScaling, err = dp.GetFloat64(cfgKeyAdaptiveMaxUserScaling); err != nil {
		return err
	}
	if a.MinUserReservation, err = dp.GetInt(cfgKeyAdaptiveMinUserReservation); err != nil {
		return err
	}
	if a.PauseBackgroundOnIncrease, err = dp.GetBool(cfgKeyAdaptivePauseBackgroundOnIncrease); err != nil {
		return err
	}
	if err = a.Validate(); err != nil {
		return dp.WrapKeyErr("adaptive", err)
	}
	return nil
}

// New creates a limiter of the configured mode. Rates and thresholds of opts are taken from the configuration.
func New(cfg *Config, opts Opts) (Limiter, error) {
	opts.DefaultRate = cfg.Default
	opts.Resources = cfg.Resources
	if cfg.Mode == ModeAdaptive {
		return NewAdaptive(AdaptiveOpts{Opts: opts, Config: cfg.Adaptive})
	}
	return NewFixed(opts)
}
