/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"math"
	"time"
)

// Trend is a direction of user activity change.
type Trend string

// Trends.
const (
	TrendNone       Trend = "none"
	TrendIncreasing Trend = "increasing"
	TrendStable     Trend = "stable"
	TrendDecreasing Trend = "decreasing"
)

// Strategy is a capacity allocation strategy selected by user activity.
type Strategy string

// Strategies in the order they are tried.
const (
	StrategyHighActivity     Strategy = "high_activity"
	StrategyModerateActivity Strategy = "moderate_activity"
	StrategyInactive         Strategy = "inactive"
	StrategyLowActivity      Strategy = "low_activity"
)

// Default values of AdaptiveConfig.
const (
	DefaultHighActivityThreshold     = 10
	DefaultModerateActivityThreshold = 3
	DefaultMonitoringWindow          = 5 * time.Minute
	DefaultRecalculationInterval     = 30 * time.Second
	DefaultSustainedInactivity       = 30 * time.Minute
	DefaultMaxUserScaling            = 1.6
	DefaultMinUserReservation        = 5
)

// Allocation shares.
const (
	highActivityMaxShare      = 0.9
	highActivityBaseShare     = 0.5
	moderateActivityBaseShare = 0.4
	moderateActivityMaxShare  = 0.7
	lowActivityShare          = 0.3
	trendAdjustment           = 0.2
	trendIncreasingRatio      = 1.5
	trendDecreasingRatio      = 0.5
)

// AdaptiveConfig holds thresholds of the capacity allocator.
type AdaptiveConfig struct {
	// HighActivityThreshold is the number of user requests within the monitoring window considered high activity.
	HighActivityThreshold int `mapstructure:"highActivityThreshold" yaml:"highActivityThreshold" json:"highActivityThreshold"`
	// ModerateActivityThreshold is the number of user requests within the monitoring window considered moderate activity.
	ModerateActivityThreshold int `mapstructure:"moderateActivityThreshold" yaml:"moderateActivityThreshold" json:"moderateActivityThreshold"`
	// MonitoringWindow is the interval user activity and its trend are measured over.
	MonitoringWindow time.Duration `mapstructure:"monitoringWindow" yaml:"monitoringWindow" json:"monitoringWindow"`
	// RecalculationInterval is how long a computed allocation is reused.
	RecalculationInterval time.Duration `mapstructure:"recalculationInterval" yaml:"recalculationInterval" json:"recalculationInterval"`
	// SustainedInactivity is the gap since the last user request after which nothing is reserved for users.
	SustainedInactivity time.Duration `mapstructure:"sustainedInactivity" yaml:"sustainedInactivity" json:"sustainedInactivity"`
	// MaxUserScaling scales the user share under high and moderate activity.
	MaxUserScaling float64 `mapstructure:"maxUserScaling" yaml:"maxUserScaling" json:"maxUserScaling"`
	// MinUserReservation is the minimal user reservation kept while users are not inactive for long.
	MinUserReservation int `mapstructure:"minUserReservation" yaml:"minUserReservation" json:"minUserReservation"`
	// PauseBackgroundOnIncrease pauses background traffic under high and increasing user activity.
	PauseBackgroundOnIncrease bool `mapstructure:"pauseBackgroundOnIncrease" yaml:"pauseBackgroundOnIncrease" json:"pauseBackgroundOnIncrease"`
}

// DefaultAdaptiveConfig returns AdaptiveConfig with default values.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		HighActivityThreshold:     DefaultHighActivityThreshold,
		ModerateActivityThreshold: DefaultModerateActivityThreshold,
		MonitoringWindow:          DefaultMonitoringWindow,
		RecalculationInterval:     DefaultRecalculationInterval,
		SustainedInactivity:       DefaultSustainedInactivity,
		MaxUserScaling:            DefaultMaxUserScaling,
		MinUserReservation:        DefaultMinUserReservation,
		PauseBackgroundOnIncrease: true,
	}
}

// Validate checks the thresholds.
func (c AdaptiveConfig) Validate() error {
	switch {
	case c.HighActivityThreshold <= 0:
		return fmt.Errorf("high activity threshold must be positive")
	case c.ModerateActivityThreshold <= 0 || c.ModerateActivityThreshold > c.HighActivityThreshold:
		return fmt.Errorf("moderate activity threshold must be in [1, %d]", c.HighActivityThreshold)
	case c.MonitoringWindow <= 0:
		return fmt.Errorf("monitoring window must be positive")
	case c.RecalculationInterval < 0:
		return fmt.Errorf("recalculation interval must be >= 0")
	case c.SustainedInactivity <= 0:
		return fmt.Errorf("sustained inactivity must be positive")
	case c.MaxUserScaling < 1:
		return fmt.Errorf("max user scaling must be >= 1")
	case c.MinUserReservation < 0:
		return fmt.Errorf("min user reservation must be >= 0")
	}
	return nil
}

// ActivityMetrics describes traffic of a resource within the monitoring window.
type ActivityMetrics struct {
	UserRequests       int       `json:"userRequests"`
	BackgroundRequests int       `json:"backgroundRequests"`
	Trend              Trend     `json:"trend"`
	LastUserRequest    time.Time `json:"lastUserRequest"`
}

// Allocation is a split of the total limit of a resource between user and background traffic.
// UserReserved+BackgroundMax never exceeds Total and both are non-negative.
type Allocation struct {
	Total            int       `json:"total"`
	UserReserved     int       `json:"userReserved"`
	BackgroundMax    int       `json:"backgroundMax"`
	BackgroundPaused bool      `json:"backgroundPaused"`
	Strategy         Strategy  `json:"strategy"`
	Trend            Trend     `json:"trend"`
	UserActivity     int       `json:"userActivity"`
	Reason           string    `json:"reason"`
	CalculatedAt     time.Time `json:"calculatedAt"`
}

// Calculator computes capacity allocations. It holds no state and is safe for concurrent use.
type Calculator struct {
	cfg AdaptiveConfig
}

// NewCalculator creates a new Calculator. Zero fields of cfg are replaced by defaults.
func NewCalculator(cfg AdaptiveConfig) *Calculator {
	def := DefaultAdaptiveConfig()
	if cfg.HighActivityThreshold == 0 {
		cfg.HighActivityThreshold = def.HighActivityThreshold
	}
	if cfg.ModerateActivityThreshold == 0 {
		cfg.ModerateActivityThreshold = min(def.ModerateActivityThreshold, cfg.HighActivityThreshold)
	}
	if cfg.MonitoringWindow == 0 {
		cfg.MonitoringWindow = def.MonitoringWindow
	}
	if cfg.SustainedInactivity == 0 {
		cfg.SustainedInactivity = def.SustainedInactivity
	}
	if cfg.MaxUserScaling == 0 {
		cfg.MaxUserScaling = def.MaxUserScaling
	}
	return &Calculator{cfg: cfg}
}

// Config returns the effective configuration.
func (c *Calculator) Config() AdaptiveConfig {
	return c.cfg
}

// Activity computes activity metrics from sorted records of a resource.
func (c *Calculator) Activity(recs []Record, lastUserRequest, now time.Time) ActivityMetrics {
	m := ActivityMetrics{LastUserRequest: lastUserRequest}
	from := now.Add(-c.cfg.MonitoringWindow)
	third := c.cfg.MonitoringWindow / 3
	recentFrom, middleFrom := now.Add(-third), now.Add(-2*third)
	var recent, middle int
	for _, rec := range recs {
		if rec.Timestamp.Before(from) {
			continue
		}
		if rec.Priority == PriorityBackground {
			m.BackgroundRequests++
			continue
		}
		m.UserRequests++
		if rec.Timestamp.After(m.LastUserRequest) {
			m.LastUserRequest = rec.Timestamp
		}
		switch {
		case !rec.Timestamp.Before(recentFrom):
			recent++
		case !rec.Timestamp.Before(middleFrom):
			middle++
		}
	}
	m.Trend = trendOf(recent, middle)
	return m
}

func trendOf(recent, middle int) Trend {
	switch {
	case recent == 0 && middle == 0:
		return TrendNone
	case middle == 0:
		return TrendIncreasing
	}
	ratio := float64(recent) / float64(middle)
	switch {
	case ratio > trendIncreasingRatio:
		return TrendIncreasing
	case ratio < trendDecreasingRatio:
		return TrendDecreasing
	}
	return TrendStable
}

// Allocate splits total between user and background traffic.
// since is the instant activity tracking started; it bounds the inactivity gap when no user request was seen.
func (c *Calculator) Allocate(total int, m ActivityMetrics, since, now time.Time) Allocation {
	total = max(total, 0)
	a := Allocation{Total: total, Trend: m.Trend, UserActivity: m.UserRequests, CalculatedAt: now}
	window := c.cfg.MonitoringWindow
	ft := float64(total)

	switch {
	case m.UserRequests >= c.cfg.HighActivityThreshold:
		a.Strategy = StrategyHighActivity
		a.UserReserved = int(math.Min(highActivityMaxShare*ft, highActivityBaseShare*c.cfg.MaxUserScaling*ft))
		a.BackgroundPaused = c.cfg.PauseBackgroundOnIncrease && m.Trend == TrendIncreasing
		a.Reason = fmt.Sprintf("high activity: %d user requests in %s, trend %s", m.UserRequests, window, m.Trend)
		if a.BackgroundPaused {
			a.Reason += ", background paused"
		}

	case m.UserRequests >= c.cfg.ModerateActivityThreshold:
		a.Strategy = StrategyModerateActivity
		span := max(c.cfg.HighActivityThreshold-c.cfg.ModerateActivityThreshold, 1)
		activityRatio := math.Min(float64(m.UserRequests-c.cfg.ModerateActivityThreshold)/float64(span), 1)
		multiplier := 1 + activityRatio*(c.cfg.MaxUserScaling-1)
		switch m.Trend {
		case TrendIncreasing:
			multiplier *= 1 + trendAdjustment
		case TrendDecreasing:
			multiplier *= 1 - trendAdjustment
		}
		a.UserReserved = int(math.Min(moderateActivityBaseShare*multiplier*ft, moderateActivityMaxShare*ft))
		a.Reason = fmt.Sprintf("moderate activity: %d user requests in %s, trend %s, multiplier %.2f",
			m.UserRequests, window, m.Trend, multiplier)

	case m.UserRequests == 0:
		a.Strategy = StrategyInactive
		last := m.LastUserRequest
		if last.IsZero() {
			last = since
		}
		if gap := now.Sub(last); gap > c.cfg.SustainedInactivity {
			a.UserReserved = 0
			a.Reason = fmt.Sprintf("sustained user inactivity for %s, full capacity for background", gap.Truncate(time.Second))
		} else {
			a.UserReserved = c.cfg.MinUserReservation
			a.Reason = fmt.Sprintf("no user activity in %s, minimal user reservation kept", window)
		}

	default:
		a.Strategy = StrategyLowActivity
		a.UserReserved = max(int(lowActivityShare*ft), c.cfg.MinUserReservation)
		a.Reason = fmt.Sprintf("low activity: %d user requests in %s", m.UserRequests, window)
	}

	a.UserReserved = min(max(a.UserReserved, 0), total)
	a.BackgroundMax = total - a.UserReserved
	return a
}
