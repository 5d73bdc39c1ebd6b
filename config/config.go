/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package config loads component configuration from YAML/JSON files, readers and environment variables.
//
// Every configurable component exposes a type implementing Config. Default values are registered in
// the DataProvider first (SetProviderDefaults), then the values are read and validated (Set).
// Components that live under a nested key implement KeyPrefixProvider.
package config

import (
	"io"
	"reflect"
)

// Config is a common interface for configuration objects that may be used by Loader.
type Config interface {
	SetProviderDefaults(dp DataProvider)
	Set(dp DataProvider) error
}

// KeyPrefixProvider is an interface for providing key prefix that will be used for configuration parameters.
type KeyPrefixProvider interface {
	KeyPrefix() string
}

// Loader loads configuration values from data provider (with initializing default values before)
// and sets them in configuration objects.
type Loader struct {
	DataProvider DataProvider
}

// NewDefaultLoader creates a new loader that can also read values from environment variables
// (e.g. GOV_RATELIMIT_MAXWAIT for the "rateLimit.maxWait" key when envVarsPrefix is "gov").
func NewDefaultLoader(envVarsPrefix string) *Loader {
	va := NewViperAdapter()
	va.UseEnvVars(envVarsPrefix)
	return NewLoader(va)
}

// NewLoader creates a new configurations' loader.
func NewLoader(dp DataProvider) *Loader {
	return &Loader{dp}
}

// LoadFromFile loads configuration values from file and sets them in configuration objects.
func (l *Loader) LoadFromFile(path string, dataType DataType, cfg Config, cfgs ...Config) error {
	if err := l.DataProvider.SetFromFile(path, dataType); err != nil {
		return err
	}
	return l.Load(cfg, cfgs...)
}

// LoadFromReader loads configuration values from reader and sets them in configuration objects.
func (l *Loader) LoadFromReader(reader io.Reader, dataType DataType, cfg Config, cfgs ...Config) error {
	if err := l.DataProvider.SetFromReader(reader, dataType); err != nil {
		return err
	}
	return l.Load(cfg, cfgs...)
}

// Load sets defaults and then values for all passed configuration objects
// using data that is already present in the data provider.
func (l *Loader) Load(cfg Config, cfgs ...Config) error {
	all := append([]Config{cfg}, cfgs...)
	for _, c := range all {
		c.SetProviderDefaults(prefixedFor(l.DataProvider, c))
	}
	for _, c := range all {
		if err := c.Set(prefixedFor(l.DataProvider, c)); err != nil {
			return err
		}
	}
	return nil
}

// CallSetProviderDefaultsForFields calls SetProviderDefaults for every non-nil exported field
// of the passed struct pointer that implements Config.
func CallSetProviderDefaultsForFields(obj interface{}, dp DataProvider) {
	forEachConfigField(obj, func(c Config) error {
		c.SetProviderDefaults(prefixedFor(dp, c))
		return nil
	})
}

// CallSetForFields calls Set for every non-nil exported field
// of the passed struct pointer that implements Config. The first error stops the iteration.
func CallSetForFields(obj interface{}, dp DataProvider) error {
	return forEachConfigField(obj, func(c Config) error {
		return c.Set(prefixedFor(dp, c))
	})
}

func forEachConfigField(obj interface{}, fn func(c Config) error) error {
	el := reflect.ValueOf(obj).Elem()
	for i := 0; i < el.NumField(); i++ {
		if !el.Type().Field(i).IsExported() {
			continue
		}
		f := el.Field(i)
		if (f.Kind() == reflect.Ptr || f.Kind() == reflect.Interface) && f.IsNil() {
			continue
		}
		if c, ok := f.Interface().(Config); ok {
			if err := fn(c); err != nil {
				return err
			}
		}
	}
	return nil
}

func prefixedFor(dp DataProvider, c Config) DataProvider {
	if kp, ok := c.(KeyPrefixProvider); ok && kp.KeyPrefix() != "" {
		return NewKeyPrefixedDataProvider(dp, kp.KeyPrefix())
	}
	return dp
}
