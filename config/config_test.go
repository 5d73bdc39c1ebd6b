/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const testConfigYAML = `
cache:
  maxItems: 500
  maxBytes: 32M
  cleanupInterval: 30s
limits:
  users: 10/s
  reports-all: 100/m
`

type testCacheConfig struct {
	MaxItems        int
	MaxBytes        uint64
	CleanupInterval time.Duration
}

func (c *testCacheConfig) KeyPrefix() string { return "cache" }

func (c *testCacheConfig) SetProviderDefaults(dp DataProvider) {
	dp.SetDefault("maxItems", 100)
	dp.SetDefault("maxBytes", "1M")
	dp.SetDefault("cleanupInterval", "1m")
	dp.SetDefault("evictionRatio", 0.1)
}

func (c *testCacheConfig) Set(dp DataProvider) (err error) {
	if c.MaxItems, err = dp.GetInt("maxItems"); err != nil {
		return err
	}
	if c.MaxItems <= 0 {
		return dp.WrapKeyErr("maxItems", errors.New("must be positive"))
	}
	if c.MaxBytes, err = dp.GetSizeInBytes("maxBytes"); err != nil {
		return err
	}
	if c.CleanupInterval, err = dp.GetDuration("cleanupInterval"); err != nil {
		return err
	}
	return nil
}

type testRootConfig struct {
	Cache  *testCacheConfig
	Unused *testCacheConfig
	Limits map[string]string
}

func (c *testRootConfig) SetProviderDefaults(dp DataProvider) {
	CallSetProviderDefaultsForFields(c, dp)
}

func (c *testRootConfig) Set(dp DataProvider) (err error) {
	if err = CallSetForFields(c, dp); err != nil {
		return err
	}
	c.Limits, err = dp.GetStringMapString("limits")
	return err
}

func TestLoader_LoadFromReader(t *testing.T) {
	cfg := &testRootConfig{Cache: &testCacheConfig{}}
	require.NoError(t, NewLoader(NewViperAdapter()).LoadFromReader(
		bytes.NewBufferString(testConfigYAML), DataTypeYAML, cfg))

	require.Equal(t, 500, cfg.Cache.MaxItems)
	require.Equal(t, uint64(32*1024*1024), cfg.Cache.MaxBytes)
	require.Equal(t, 30*time.Second, cfg.Cache.CleanupInterval)
	require.Equal(t, map[string]string{"users": "10/s", "reports-all": "100/m"}, cfg.Limits)
	require.Nil(t, cfg.Unused)
}

func TestLoader_Defaults(t *testing.T) {
	cfg := &testCacheConfig{}
	require.NoError(t, NewLoader(NewViperAdapter()).LoadFromReader(bytes.NewBufferString("{}"), DataTypeJSON, cfg))
	require.Equal(t, 100, cfg.MaxItems)
	require.Equal(t, uint64(1024*1024), cfg.MaxBytes)
	require.Equal(t, time.Minute, cfg.CleanupInterval)
}

func TestLoader_ValidationErrorContainsKey(t *testing.T) {
	cfg := &testCacheConfig{}
	err := NewLoader(NewViperAdapter()).LoadFromReader(
		bytes.NewBufferString("cache:\n  maxItems: -1\n"), DataTypeYAML, cfg)
	require.EqualError(t, err, "cache.maxItems: must be positive")
}

func TestLoader_LoadFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o600))
	t.Setenv("GOVTEST_CACHE_MAXITEMS", "42")

	cfg := &testCacheConfig{}
	require.NoError(t, NewDefaultLoader("govtest").LoadFromFile(path, DataTypeYAML, cfg))
	require.Equal(t, 42, cfg.MaxItems)
	require.Equal(t, 30*time.Second, cfg.CleanupInterval)
}

func TestViperAdapter_GetStringFromSet(t *testing.T) {
	va := NewViperAdapter()
	va.Set("mode", "Adaptive")
	v, err := va.GetStringFromSet("mode", []string{"fixed", "adaptive"}, true)
	require.NoError(t, err)
	require.Equal(t, "adaptive", v)

	_, err = va.GetStringFromSet("mode", []string{"fixed"}, true)
	require.EqualError(t, err, `mode: unknown value "Adaptive", should be one of [fixed]`)
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    ByteSize
		wantErr bool
	}{
		{in: "1024", want: 1024},
		{in: "64M", want: 64 * 1024 * 1024},
		{in: "1Gi", want: 1024 * 1024 * 1024},
		{in: "-1", wantErr: true},
		{in: "lots", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var bs ByteSize
			err := bs.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, bs)
		})
	}

	var fromJSON struct{ Size ByteSize }
	require.NoError(t, json.Unmarshal([]byte(`{"Size":"2K"}`), &fromJSON))
	require.Equal(t, ByteSize(2048), fromJSON.Size)

	var fromYAML struct {
		Size ByteSize `yaml:"size"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("size: 4K"), &fromYAML))
	require.Equal(t, ByteSize(4096), fromYAML.Size)
}

func TestTimeDuration(t *testing.T) {
	var d TimeDuration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	require.Equal(t, 90*time.Second, d.Duration())
	require.NoError(t, d.UnmarshalJSON([]byte(`1000`)))
	require.Equal(t, time.Microsecond, d.Duration())
	require.Error(t, d.UnmarshalText([]byte("soon")))

	out, err := json.Marshal(TimeDuration(time.Second))
	require.NoError(t, err)
	require.Equal(t, `"1s"`, string(out))
}
