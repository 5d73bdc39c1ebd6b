/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vasayxtx/go-glob"
	"gopkg.in/yaml.v3"
)

// Priority is a traffic class of a rate limited request.
type Priority string

// Priorities.
const (
	PriorityUser       Priority = "user"
	PriorityBackground Priority = "background"
)

// ParsePriority parses a priority. Empty string means PriorityUser.
func ParsePriority(s string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case "", PriorityUser:
		return PriorityUser, nil
	case PriorityBackground:
		return PriorityBackground, nil
	}
	return "", fmt.Errorf("unknown priority %q, should be one of [%s %s]", s, PriorityUser, PriorityBackground)
}

// Rate is a limit of requests within a sliding window.
type Rate struct {
	Limit  int           `mapstructure:"limit" yaml:"limit" json:"limit"`
	Window time.Duration `mapstructure:"window" yaml:"window" json:"window"`
}

// ParseRate parses a rate in the N/(s|m|h) or N/<duration> form, for example 10/s, 100/m, 5/1500ms.
func ParseRate(s string) (Rate, error) {
	var r Rate
	if err := r.UnmarshalText([]byte(s)); err != nil {
		return Rate{}, err
	}
	return r, nil
}

// Validate checks that the rate admits at least one request per positive window.
func (r Rate) Validate() error {
	if r.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", r.Limit)
	}
	if r.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", r.Window)
	}
	return nil
}

// String returns a string representation of the rate.
func (r Rate) String() string {
	if r.Limit == 0 && r.Window == 0 {
		return ""
	}
	var d string
	switch r.Window {
	case time.Second:
		d = "s"
	case time.Minute:
		d = "m"
	case time.Hour:
		d = "h"
	default:
		d = r.Window.String()
	}
	return fmt.Sprintf("%d/%s", r.Limit, d)
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (r *Rate) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*r = Rate{}
		return nil
	}
	incorrectFormatErr := fmt.Errorf(
		"incorrect format for rate %q, should be N/(s|m|h) or N/<duration>, for example 10/s, 100/m, 5/1500ms", s)
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return incorrectFormatErr
	}
	limit, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || limit < 0 {
		return incorrectFormatErr
	}
	var window time.Duration
	switch unit := strings.TrimSpace(parts[1]); strings.ToLower(unit) {
	case "s":
		window = time.Second
	case "m":
		window = time.Minute
	case "h":
		window = time.Hour
	default:
		if window, err = time.ParseDuration(unit); err != nil || window <= 0 {
			return incorrectFormatErr
		}
	}
	*r = Rate{Limit: limit, Window: window}
	return nil
}

// MarshalText implements the encoding.TextMarshaler interface.
func (r Rate) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
// Both the text form and the {"limit": N, "window": "1m"} object are accepted.
func (r *Rate) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return r.UnmarshalText([]byte(text))
	}
	var obj struct {
		Limit  int    `json:"limit"`
		Window string `json:"window"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid rate: %s", data)
	}
	window, err := time.ParseDuration(obj.Window)
	if err != nil {
		return fmt.Errorf("invalid rate window %q: %w", obj.Window, err)
	}
	*r = Rate{Limit: obj.Limit, Window: window}
	return nil
}

// MarshalJSON implements the json.Marshaler interface.
func (r Rate) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (r *Rate) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err == nil {
		return r.UnmarshalText([]byte(text))
	}
	var obj struct {
		Limit  int           `yaml:"limit"`
		Window time.Duration `yaml:"window"`
	}
	if err := value.Decode(&obj); err != nil {
		return fmt.Errorf("invalid rate: %v", value)
	}
	*r = Rate{Limit: obj.Limit, Window: obj.Window}
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface.
func (r Rate) MarshalYAML() (interface{}, error) {
	return r.String(), nil
}

// ResourceRate is a rate override for resources matching a glob pattern.
type ResourceRate struct {
	Pattern string `mapstructure:"pattern" yaml:"pattern" json:"pattern"`
	Rate    Rate   `mapstructure:"rate" yaml:"rate" json:"rate"`
}

type compiledOverride struct {
	pattern string
	match   func(string) bool
	rate    Rate
}

// rateTable resolves the rate of a resource: exact overrides first,
// then glob overrides in declaration order, then the default rate.
type rateTable struct {
	defaultRate Rate
	overrides   []compiledOverride
	exact       map[string]Rate
}

func newRateTable(defaultRate Rate, overrides []ResourceRate) (*rateTable, error) {
	if err := defaultRate.Validate(); err != nil {
		return nil, fmt.Errorf("default rate: %w", err)
	}
	t := &rateTable{defaultRate: defaultRate, exact: make(map[string]Rate)}
	for _, o := range overrides {
		if o.Pattern == "" {
			return nil, fmt.Errorf("resource rate pattern cannot be empty")
		}
		if err := o.Rate.Validate(); err != nil {
			return nil, fmt.Errorf("rate for %q: %w", o.Pattern, err)
		}
		t.overrides = append(t.overrides, compiledOverride{pattern: o.Pattern, match: glob.Compile(o.Pattern), rate: o.Rate})
	}
	return t, nil
}

func (t *rateTable) lookup(resource string) Rate {
	if r, ok := t.exact[resource]; ok {
		return r
	}
	for i := range t.overrides {
		if t.overrides[i].match(resource) {
			return t.overrides[i].rate
		}
	}
	return t.defaultRate
}

func (t *rateTable) maxWindow() time.Duration {
	w := t.defaultRate.Window
	for _, o := range t.overrides {
		if o.rate.Window > w {
			w = o.rate.Window
		}
	}
	for _, r := range t.exact {
		if r.Window > w {
			w = r.Window
		}
	}
	return w
}
