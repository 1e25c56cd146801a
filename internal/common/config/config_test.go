package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesCodeDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.Scheduler.PeriodSeconds)
	assert.Equal(t, 11, cfg.Scheduler.FrequencyHz)
	assert.Equal(t, "fp", cfg.Perf.Mode)
	assert.Equal(t, "auto", cfg.Python.Mode)
	assert.Equal(t, "memory", cfg.Telemetry.Backend)
	assert.Equal(t, true, cfg.Continuous)
}

func TestLoad_EnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("GPROFILER_SCHEDULER_PERIODSECONDS", "15")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Scheduler.PeriodSeconds)
}

func TestLoadWithFlags_FlagsOverrideDefaults(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("scheduler.periodSeconds", 60, "")
	require.NoError(t, flags.Set("scheduler.periodSeconds", "5"))

	cfg, err := LoadWithFlags("", flags)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Scheduler.PeriodSeconds)
}

func TestLoadWithFlags_NilFlagSetBehavesLikeLoad(t *testing.T) {
	cfg, err := LoadWithFlags("", nil)
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Scheduler.PeriodSeconds)
}
