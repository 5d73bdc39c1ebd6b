/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acronis/go-resilience/clock"
	"github.com/acronis/go-resilience/config"
	"github.com/acronis/go-resilience/store"
	"github.com/acronis/go-resilience/store/filestore"
	"github.com/acronis/go-resilience/store/memstore"
	"github.com/acronis/go-resilience/store/redisstore"
)

// StoreType is a realization of the backing store.
type StoreType string

// Store types.
const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
)

const cfgDefaultStoreKeyPrefix = "store"

const (
	cfgKeyStoreType             = "type"
	cfgKeyStoreSweepInterval    = "sweepInterval"
	cfgKeyStoreFilePath         = "file.path"
	cfgKeyStoreFileOpenTimeout  = "file.openTimeout"
	cfgKeyStoreRedisAddr        = "redis.addr"
	cfgKeyStoreRedisDB          = "redis.db"
	cfgKeyStoreRedisPassword    = "redis.password"
	cfgKeyStoreRedisKeyPrefix   = "redis.keyPrefix"
	cfgKeyStoreRedisTimeout     = "redis.timeout"
	defaultStoreFilePath        = "governor.db"
	defaultStoreRedisAddr       = "localhost:6379"
	defaultStoreRedisKeyPrefix  = "gov:"
	defaultStoreRedisTimeout    = time.Second
	defaultStoreFileOpenTimeout = filestore.DefaultOpenTimeout
	defaultStoreSweepInterval   = time.Minute
)

// FileStoreConfig represents configuration of the file realization.
type FileStoreConfig struct {
	Path        string        `mapstructure:"path" yaml:"path" json:"path"`
	OpenTimeout time.Duration `mapstructure:"openTimeout" yaml:"openTimeout" json:"openTimeout"`
}

// RedisStoreConfig represents configuration of the Redis realization.
type RedisStoreConfig struct {
	Addr      string        `mapstructure:"addr" yaml:"addr" json:"addr"`
	DB        int           `mapstructure:"db" yaml:"db" json:"db"`
	Password  string        `mapstructure:"password" yaml:"password" json:"-"`
	KeyPrefix string        `mapstructure:"keyPrefix" yaml:"keyPrefix" json:"keyPrefix"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

// StoreConfig represents configuration of the backing store shared by the components.
type StoreConfig struct {
	Type  StoreType        `mapstructure:"type" yaml:"type" json:"type"`
	File  FileStoreConfig  `mapstructure:"file" yaml:"file" json:"file"`
	Redis RedisStoreConfig `mapstructure:"redis" yaml:"redis" json:"redis"`
	// SweepInterval is how often expired items are purged from realizations supporting it. Zero disables sweeping.
	SweepInterval time.Duration `mapstructure:"sweepInterval" yaml:"sweepInterval" json:"sweepInterval"`

	keyPrefix string
}

var _ config.Config = (*StoreConfig)(nil)
var _ config.KeyPrefixProvider = (*StoreConfig)(nil)

// NewStoreConfig creates a new instance of the StoreConfig with the given key prefix ("store" if empty).
func NewStoreConfig(keyPrefix string) *StoreConfig {
	if keyPrefix == "" {
		keyPrefix = cfgDefaultStoreKeyPrefix
	}
	return &StoreConfig{keyPrefix: keyPrefix}
}

// NewDefaultStoreConfig creates a new instance of the StoreConfig with default values.
func NewDefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		keyPrefix:     cfgDefaultStoreKeyPrefix,
		Type:          StoreTypeMemory,
		SweepInterval: defaultStoreSweepInterval,
		File:          FileStoreConfig{Path: defaultStoreFilePath, OpenTimeout: defaultStoreFileOpenTimeout},
		Redis: RedisStoreConfig{
			Addr:      defaultStoreRedisAddr,
			KeyPrefix: defaultStoreRedisKeyPrefix,
			Timeout:   defaultStoreRedisTimeout,
		},
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *StoreConfig) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultStoreKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *StoreConfig) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyStoreType, string(StoreTypeMemory))
	dp.SetDefault(cfgKeyStoreSweepInterval, defaultStoreSweepInterval.String())
	dp.SetDefault(cfgKeyStoreFilePath, defaultStoreFilePath)
	dp.SetDefault(cfgKeyStoreFileOpenTimeout, defaultStoreFileOpenTimeout.String())
	dp.SetDefault(cfgKeyStoreRedisAddr, defaultStoreRedisAddr)
	dp.SetDefault(cfgKeyStoreRedisDB, 0)
	dp.SetDefault(cfgKeyStoreRedisPassword, "")
	dp.SetDefault(cfgKeyStoreRedisKeyPrefix, defaultStoreRedisKeyPrefix)
	dp.SetDefault(cfgKeyStoreRedisTimeout, defaultStoreRedisTimeout.String())
}

// Set sets backing store configuration values from config.DataProvider.
func (c *StoreConfig) Set(dp config.DataProvider) error {
	typ, err := dp.GetStringFromSet(cfgKeyStoreType,
		[]string{string(StoreTypeMemory), string(StoreTypeFile), string(StoreTypeRedis)}, true)
	if err != nil {
		return err
	}
	c.Type = StoreType(typ)

	if c.SweepInterval, err = dp.GetDuration(cfgKeyStoreSweepInterval); err != nil {
		return err
	}
	if c.SweepInterval < 0 {
		return dp.WrapKeyErr(cfgKeyStoreSweepInterval, fmt.Errorf("must be >= 0"))
	}

	if c.File.Path, err = dp.GetString(cfgKeyStoreFilePath); err != nil {
		return err
	}
	if c.Type == StoreTypeFile && c.File.Path == "" {
		return dp.WrapKeyErr(cfgKeyStoreFilePath, fmt.Errorf("cannot be empty"))
	}
	if c.File.OpenTimeout, err = dp.GetDuration(cfgKeyStoreFileOpenTimeout); err != nil {
		return err
	}

	if c.Redis.Addr, err = dp.GetString(cfgKeyStoreRedisAddr); err != nil {
		return err
	}
	if c.Type == StoreTypeRedis && c.Redis.Addr == "" {
		return dp.WrapKeyErr(cfgKeyStoreRedisAddr, fmt.Errorf("cannot be empty"))
	}
	if c.Redis.DB, err = dp.GetInt(cfgKeyStoreRedisDB); err != nil {
		return err
	}
	if c.Redis.DB < 0 {
		return dp.WrapKeyErr(cfgKeyStoreRedisDB, fmt.Errorf("must be >= 0"))
	}
	if c.Redis.Password, err = dp.GetString(cfgKeyStoreRedisPassword); err != nil {
		return err
	}
	if c.Redis.KeyPrefix, err = dp.GetString(cfgKeyStoreRedisKeyPrefix); err != nil {
		return err
	}
	if c.Redis.Timeout, err = dp.GetDuration(cfgKeyStoreRedisTimeout); err != nil {
		return err
	}
	if c.Redis.Timeout <= 0 {
		return dp.WrapKeyErr(cfgKeyStoreRedisTimeout, fmt.Errorf("must be positive"))
	}
	return nil
}

// NewStore creates the configured backing store realization.
// For Redis, the connection is checked with PING bounded by the configured timeout.
func NewStore(cfg *StoreConfig, clk clock.Clock) (store.Store, error) {
	switch cfg.Type {
	case StoreTypeMemory, "":
		return memstore.NewWithOpts(memstore.Options{Clock: clk}), nil
	case StoreTypeFile:
		return filestore.Open(cfg.File.Path, filestore.Options{OpenTimeout: cfg.File.OpenTimeout, Clock: clk})
	case StoreTypeRedis:
		timeout := cfg.Redis.Timeout
		if timeout <= 0 {
			timeout = defaultStoreRedisTimeout
		}
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			DB:           cfg.Redis.DB,
			Password:     cfg.Redis.Password,
			DialTimeout:  timeout,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		})
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, store.NewError("ping", "", redisstore.Classify(err), fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err))
		}
		return redisstore.New(client, redisstore.Options{KeyPrefix: cfg.Redis.KeyPrefix, Clock: clk}), nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
