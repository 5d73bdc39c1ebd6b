/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-resilience/config"
)

func TestConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    func() *Config
		wantErr string
	}{
		{
			name: "defaults",
			yaml: "{}",
			want: NewDefaultConfig,
		},
		{
			name: "adaptive with overrides",
			yaml: `
rateLimit:
  mode: adaptive
  default: 200/m
  resources:
    - pattern: "search-*"
      rate: 5/s
    - pattern: "*-export"
      rate:
        limit: 10
        window: 1h
  maxWait: 0
  onMaxWait: proceed
  purgeInterval: 15s
  adaptive:
    highActivityThreshold: 20
    moderateActivityThreshold: 5
    recalculationInterval: 10s
    pauseBackgroundOnIncrease: false
`,
			want: func() *Config {
				cfg := NewDefaultConfig()
				cfg.Mode = ModeAdaptive
				cfg.Default = Rate{Limit: 200, Window: time.Minute}
				cfg.Resources = []ResourceRate{
					{Pattern: "search-*", Rate: Rate{Limit: 5, Window: time.Second}},
					{Pattern: "*-export", Rate: Rate{Limit: 10, Window: time.Hour}},
				}
				cfg.MaxWait = 0
				cfg.OnMaxWait = MaxWaitPolicyProceed
				cfg.PurgeInterval = 15 * time.Second
				cfg.Adaptive.HighActivityThreshold = 20
				cfg.Adaptive.ModerateActivityThreshold = 5
				cfg.Adaptive.RecalculationInterval = 10 * time.Second
				cfg.Adaptive.PauseBackgroundOnIncrease = false
				return cfg
			},
		},
		{
			name: "default rate as object",
			yaml: "rateLimit:\n  default:\n    limit: 7\n    window: 2s\n",
			want: func() *Config {
				cfg := NewDefaultConfig()
				cfg.Default = Rate{Limit: 7, Window: 2 * time.Second}
				return cfg
			},
		},
		{
			name:    "unknown mode",
			yaml:    "rateLimit:\n  mode: token_bucket\n",
			wantErr: `rateLimit.mode: unknown value "token_bucket", should be one of [fixed adaptive]`,
		},
		{
			name:    "zero default limit",
			yaml:    "rateLimit:\n  default: 0/s\n",
			wantErr: "rateLimit.default: limit must be positive, got 0",
		},
		{
			name:    "empty resource pattern",
			yaml:    "rateLimit:\n  resources:\n    - rate: 1/s\n",
			wantErr: "rateLimit.resources: pattern of item #0 cannot be empty",
		},
		{
			name:    "negative max wait",
			yaml:    "rateLimit:\n  maxWait: -1s\n",
			wantErr: "rateLimit.maxWait: must be >= 0",
		},
		{
			name:    "negative purge interval",
			yaml:    "rateLimit:\n  purgeInterval: -1m\n",
			wantErr: "rateLimit.purgeInterval: must be >= 0",
		},
		{
			name:    "invalid adaptive thresholds",
			yaml:    "rateLimit:\n  adaptive:\n    moderateActivityThreshold: 11\n",
			wantErr: "rateLimit.adaptive: moderate activity threshold must be in [1, 10]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig("")
			err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(
				bytes.NewBufferString(tt.yaml), config.DataTypeYAML, cfg)
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want(), cfg)
		})
	}
}

func TestNew(t *testing.T) {
	cfg := NewDefaultConfig()
	l, err := New(cfg, Opts{})
	require.NoError(t, err)
	require.IsType(t, &Fixed{}, l)

	cfg.Mode = ModeAdaptive
	l, err = New(cfg, Opts{})
	require.NoError(t, err)
	require.IsType(t, &Adaptive{}, l)
	require.Equal(t, ModeAdaptive, l.Stats().Mode)
}
