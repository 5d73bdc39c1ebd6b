/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package log

// Component names of the library used in the "component" log field and as keys of ComponentLevels.
const (
	ComponentGovernor       = "governor"
	ComponentCache          = "cache"
	ComponentDedupe         = "dedupe"
	ComponentRateLimit      = "ratelimit"
	ComponentCircuitBreaker = "circuitbreaker"
	ComponentMaintenance    = "maintenance"
)

// ComponentLevels maps component names to minimal levels of their messages.
// A component level can only raise the threshold of the base logger, never lower it:
// to debug a single component, run the base logger at debug and quiet the rest.
type ComponentLevels map[string]Level

// ForComponent returns a logger of the component carrying the "component" field.
// If levels has an entry for the component, messages below it are dropped.
func ForComponent(logger FieldLogger, levels ComponentLevels, component string) FieldLogger {
	logger = OrDisabled(logger).With(String("component", component))
	if lvl, ok := levels[component]; ok {
		logger = logger.WithLevel(lvl)
	}
	return logger
}
