package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.True(t, cfg.Splitting.Enabled)
	assert.Equal(t, 1024*1024, cfg.Splitting.Size)
	assert.Equal(t, 365, cfg.Splitting.PastDays)
	assert.Equal(t, 60, cfg.Splitting.Delay)
	assert.Equal(t, time.Minute, cfg.Splitting.DelayDuration())
	assert.Equal(t, 365*24*time.Hour, cfg.Splitting.PastDuration())

	assert.True(t, cfg.FreeBusyIndexSmartUpdate)
	assert.False(t, cfg.FreeBusyIndexDelayedExpand)
	assert.Equal(t, 3000, cfg.MaxAllowedInstances)

	assert.False(t, cfg.GroupAttendees.Enabled)
	assert.Equal(t, 365, cfg.GroupAttendees.ExpansionHorizonDays)

	assert.False(t, cfg.HostedStatus.Enabled)
	assert.Equal(t, "X-APPLE-HOSTED-STATUS", cfg.HostedStatus.Parameter)
	assert.Equal(t, "EXTERNAL", cfg.HostedStatus.ExternalValue)

	assert.NoError(t, cfg.Validate())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scheduling.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := writeConfig(t, `
splitting:
  size: 2048
  delay: 5
group_attendees:
  enabled: true
max_allowed_instances: 500
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	// Overridden values.
	assert.Equal(t, 2048, cfg.Splitting.Size)
	assert.Equal(t, 5, cfg.Splitting.Delay)
	assert.True(t, cfg.GroupAttendees.Enabled)
	assert.Equal(t, 500, cfg.MaxAllowedInstances)

	// Untouched values keep their defaults.
	assert.Equal(t, 365, cfg.Splitting.PastDays)
	assert.Equal(t, "X-APPLE-HOSTED-STATUS", cfg.HostedStatus.Parameter)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "splitting: [not a mapping")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "negative size",
			mutate:  func(c *Config) { c.Splitting.Size = -1 },
			wantErr: "splitting.size",
		},
		{
			name:    "zero past days",
			mutate:  func(c *Config) { c.Splitting.PastDays = 0 },
			wantErr: "splitting.past_days",
		},
		{
			name:    "zero instance cap",
			mutate:  func(c *Config) { c.MaxAllowedInstances = 0 },
			wantErr: "max_allowed_instances",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "splitting:\n  past_days: -3\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "splitting.past_days")
}
