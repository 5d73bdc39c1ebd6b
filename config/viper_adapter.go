/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// ViperAdapter is DataProvider implementation over github.com/spf13/viper.
// Values are converted with github.com/spf13/cast, conversion errors are wrapped with the key.
type ViperAdapter struct {
	viper *viper.Viper
}

var _ DataProvider = (*ViperAdapter)(nil)

// NewViperAdapter creates a new ViperAdapter.
func NewViperAdapter() *ViperAdapter {
	return &ViperAdapter{viper.New()}
}

// UseEnvVars makes environment variables override configuration values.
// Dots in keys are replaced with underscores, so "cache.maxItems" with prefix "gov" is read from GOV_CACHE_MAXITEMS.
func (va *ViperAdapter) UseEnvVars(prefix string) {
	va.viper.SetEnvPrefix(prefix)
	va.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	va.viper.AutomaticEnv()
}

func (va *ViperAdapter) Set(key string, value interface{})        { va.viper.Set(key, value) }
func (va *ViperAdapter) SetDefault(key string, value interface{}) { va.viper.SetDefault(key, value) }
func (va *ViperAdapter) IsSet(key string) bool                    { return va.viper.IsSet(key) }
func (va *ViperAdapter) Get(key string) interface{}               { return va.viper.Get(key) }

// SetFromFile reads configuration data of the given format from the file.
func (va *ViperAdapter) SetFromFile(path string, dataType DataType) error {
	va.viper.SetConfigType(string(dataType))
	va.viper.SetConfigFile(path)
	if err := va.viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read %s config from %s: %w", dataType, path, err)
	}
	return nil
}

// SetFromReader reads configuration data of the given format from the reader.
func (va *ViperAdapter) SetFromReader(reader io.Reader, dataType DataType) error {
	va.viper.SetConfigType(string(dataType))
	if err := va.viper.ReadConfig(reader); err != nil {
		return fmt.Errorf("read %s config: %w", dataType, err)
	}
	return nil
}

// getAs converts the value of the key with castFn. Absent keys produce the zero value.
func getAs[T any](va *ViperAdapter, key string, castFn func(interface{}) (T, error)) (T, error) {
	val := va.viper.Get(key)
	if val == nil {
		var zero T
		return zero, nil
	}
	res, err := castFn(val)
	return res, WrapKeyErrIfNeeded(key, err)
}

func (va *ViperAdapter) GetBool(key string) (bool, error) { return getAs(va, key, cast.ToBoolE) }
func (va *ViperAdapter) GetInt(key string) (int, error)   { return getAs(va, key, cast.ToIntE) }
func (va *ViperAdapter) GetFloat64(key string) (float64, error) {
	return getAs(va, key, cast.ToFloat64E)
}
func (va *ViperAdapter) GetString(key string) (string, error) { return getAs(va, key, cast.ToStringE) }

// GetDuration accepts Go duration strings ("1m30s") and integers (nanoseconds).
func (va *ViperAdapter) GetDuration(key string) (time.Duration, error) {
	return getAs(va, key, cast.ToDurationE)
}

// GetSizeInBytes accepts integers and human-readable sizes like "64M" or "1Gi".
func (va *ViperAdapter) GetSizeInBytes(key string) (uint64, error) {
	return getAs(va, key, func(val interface{}) (uint64, error) {
		var bs ByteSize
		if err := bs.UnmarshalText([]byte(cast.ToString(val))); err != nil {
			return 0, err
		}
		return uint64(bs), nil
	})
}

// GetStringMapString returns an empty map for absent keys.
func (va *ViperAdapter) GetStringMapString(key string) (map[string]string, error) {
	res, err := getAs(va, key, cast.ToStringMapStringE)
	if err == nil && res == nil {
		res = map[string]string{}
	}
	return res, err
}

// GetStringFromSet returns the value of the key if it's one of set (case-insensitively if ignoreCase).
// The matching element of set is returned, so the result is always in its canonical form.
func (va *ViperAdapter) GetStringFromSet(key string, set []string, ignoreCase bool) (string, error) {
	str, err := va.GetString(key)
	if err != nil {
		return "", err
	}
	for _, s := range set {
		if str == s || (ignoreCase && strings.EqualFold(str, s)) {
			return s, nil
		}
	}
	return "", WrapKeyErr(key, fmt.Errorf("unknown value %q, should be one of %v", str, set))
}

// UnmarshalKey decodes the subtree of the key into rawVal.
func (va *ViperAdapter) UnmarshalKey(key string, rawVal interface{}, opts ...DecoderConfigOption) error {
	options := make([]viper.DecoderConfigOption, 0, len(opts))
	for _, opt := range opts {
		options = append(options, viper.DecoderConfigOption(opt))
	}
	return WrapKeyErrIfNeeded(key, va.viper.UnmarshalKey(key, rawVal, options...))
}

// WrapKeyErr wraps error adding information about a key where this error occurs.
func (va *ViperAdapter) WrapKeyErr(key string, err error) error {
	return WrapKeyErr(key, err)
}
