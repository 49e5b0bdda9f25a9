// Package config provides configuration management for the credit ledger.
//
// Configuration is read from a YAML file, overridden by environment variables,
// completed with defaults and then validated. Loading fails fast: a config that
// does not validate is never returned.
//
// # Configuration Loading
//
//  1. From a YAML file only:
//     cfg, err := config.LoadConfig("credits.yaml")
//
//  2. From a YAML file with environment variable overrides:
//     cfg, err := config.LoadConfigWithEnvOverrides("credits.yaml")
//
// # Environment Variable Overrides
//
// Environment variables follow the naming convention CREDITS_SECTION_FIELD.
// For example:
//
//   - CREDITS_STORAGE_BACKEND overrides storage.backend
//   - CREDITS_REFILL_SCHEDULE overrides refill.schedule
//   - CREDITS_ALERTS_THRESHOLDS overrides alerts.thresholds (comma separated)
//
// # Configuration Precedence
//
//  1. Default values (defined in defaults.go)
//  2. Values from YAML file
//  3. Environment variable overrides
//  4. Validation (fails fast if invalid)
//
// # Singleton and Reload
//
// Initialize stores a process-wide configuration that GetConfig returns.
// Watcher observes the config file and delivers each reloaded, validated
// Config to a callback; callers apply the parts that can change at runtime
// (alert policy, refill schedule, log level).
package config
