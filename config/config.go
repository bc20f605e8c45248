// Package config holds the scheduling engine configuration model.
//
// Configuration is loaded once and threaded explicitly through
// constructors; business logic never reads ambient global state.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SplittingConfig controls automatic and manual calendar object splitting.
type SplittingConfig struct {
	// Enabled turns the split engine on. When false, oversized objects
	// are flagged but never split.
	Enabled bool `yaml:"enabled"`

	// Size is the serialized-size threshold in bytes above which an
	// object becomes a split candidate.
	Size int `yaml:"size"`

	// PastDays is how far back (in days) an object's instance history
	// may reach before it becomes a split candidate.
	PastDays int `yaml:"past_days"`

	// Delay is the number of seconds deferred split work waits before
	// it becomes claimable, so rapid successive edits coalesce into a
	// single split.
	Delay int `yaml:"delay"`
}

// DelayDuration returns Delay as a time.Duration.
func (s SplittingConfig) DelayDuration() time.Duration {
	return time.Duration(s.Delay) * time.Second
}

// PastDuration returns PastDays as a time.Duration.
func (s SplittingConfig) PastDuration() time.Duration {
	return time.Duration(s.PastDays) * 24 * time.Hour
}

// GroupAttendeesConfig controls directory group expansion.
type GroupAttendeesConfig struct {
	Enabled bool `yaml:"enabled"`

	// ExpansionHorizonDays bounds how far in the past a recurring
	// event's instances may lie and still have group attendees
	// expanded. Events entirely older than the horizon are skipped.
	ExpansionHorizonDays int `yaml:"expansion_horizon_days"`
}

// HorizonDuration returns ExpansionHorizonDays as a time.Duration.
func (g GroupAttendeesConfig) HorizonDuration() time.Duration {
	return time.Duration(g.ExpansionHorizonDays) * 24 * time.Hour
}

// HostedStatusConfig controls tagging of attendees not resolvable to a
// local principal.
type HostedStatusConfig struct {
	Enabled bool `yaml:"enabled"`

	// Parameter is the iCalendar parameter name used for the tag.
	Parameter string `yaml:"parameter"`

	// ExternalValue is the parameter value applied to external attendees.
	ExternalValue string `yaml:"external_value"`
}

// Config is the top-level configuration for the scheduling engine.
type Config struct {
	Splitting SplittingConfig `yaml:"splitting"`

	// FreeBusyIndexSmartUpdate enables the reindex short-circuit:
	// writes that change no free-busy-relevant field skip index
	// recomputation entirely.
	FreeBusyIndexSmartUpdate bool `yaml:"free_busy_index_smart_update"`

	// FreeBusyIndexDelayedExpand defers expansion of instances outside
	// the default window until a query actually needs them.
	FreeBusyIndexDelayedExpand bool `yaml:"free_busy_index_delayed_expand"`

	// MaxAllowedInstances caps recurrence expansion. Exceeding the cap
	// is a hard validation error, not a partial result.
	MaxAllowedInstances int `yaml:"max_allowed_instances"`

	GroupAttendees GroupAttendeesConfig `yaml:"group_attendees"`
	HostedStatus   HostedStatusConfig   `yaml:"hosted_status"`

	// TxnTimeout bounds transaction lifetime in seconds; 0 disables.
	TxnTimeout int `yaml:"txn_timeout"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Splitting: SplittingConfig{
			Enabled:  true,
			Size:     1024 * 1024,
			PastDays: 365,
			Delay:    60,
		},
		FreeBusyIndexSmartUpdate: true,
		MaxAllowedInstances:      3000,
		GroupAttendees: GroupAttendeesConfig{
			Enabled:              false,
			ExpansionHorizonDays: 365,
		},
		HostedStatus: HostedStatusConfig{
			Enabled:       false,
			Parameter:     "X-APPLE-HOSTED-STATUS",
			ExternalValue: "EXTERNAL",
		},
	}
}

// Load reads a YAML configuration file, layering it over Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Splitting.Size < 0 {
		return fmt.Errorf("splitting.size must be >= 0, got %d", c.Splitting.Size)
	}
	if c.Splitting.PastDays <= 0 {
		return fmt.Errorf("splitting.past_days must be > 0, got %d", c.Splitting.PastDays)
	}
	if c.MaxAllowedInstances <= 0 {
		return fmt.Errorf("max_allowed_instances must be > 0, got %d", c.MaxAllowedInstances)
	}
	return nil
}
