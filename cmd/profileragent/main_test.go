package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/granulate/gprofiler-go/internal/common/logger"
	"github.com/granulate/gprofiler-go/internal/enumerator"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

func TestBindFlags_DefaultsMatchConfigDefaults(t *testing.T) {
	flags := bindFlags()
	duration, err := flags.GetInt("scheduler.durationSeconds")
	require.NoError(t, err)
	assert.Equal(t, 60, duration)

	freq, err := flags.GetInt("scheduler.frequencyHz")
	require.NoError(t, err)
	assert.Equal(t, 11, freq)

	continuous, err := flags.GetBool("continuous")
	require.NoError(t, err)
	assert.True(t, continuous)
}

func TestBindFlags_ShortFlagsMatchSpecNames(t *testing.T) {
	flags := bindFlags()
	require.NoError(t, flags.Parse([]string{"-d", "30", "-F", "99", "-o", "/tmp/out", "-c=false"}))

	d, _ := flags.GetInt("scheduler.durationSeconds")
	assert.Equal(t, 30, d)
	f, _ := flags.GetInt("scheduler.frequencyHz")
	assert.Equal(t, 99, f)
	o, _ := flags.GetString("outputDir")
	assert.Equal(t, "/tmp/out", o)
	c, _ := flags.GetBool("continuous")
	assert.False(t, c)
}

func TestParsePIDList_ParsesCommaSeparatedPIDs(t *testing.T) {
	pids, err := parsePIDList("123, 456,789")
	require.NoError(t, err)
	assert.Equal(t, []int{123, 456, 789}, pids)
}

func TestParsePIDList_EmptyStringYieldsNil(t *testing.T) {
	pids, err := parsePIDList("")
	require.NoError(t, err)
	assert.Nil(t, pids)
}

func TestParsePIDList_RejectsNonNumericEntry(t *testing.T) {
	_, err := parsePIDList("123,notapid")
	assert.Error(t, err)
}

func TestPidSet_EmptyListReturnsNilAllowlist(t *testing.T) {
	assert.Nil(t, pidSet(nil))
}

func TestPidSet_BuildsLookupSet(t *testing.T) {
	set := pidSet([]int{1, 2, 3})
	assert.Len(t, set, 3)
	_, ok := set[2]
	assert.True(t, ok)
}

func TestFilteredProcessSource_NoAllowlistPassesThrough(t *testing.T) {
	enum := enumerator.New(t.TempDir(), 0, nil, "php-fpm", testLogger(t))
	f := &filteredProcessSource{inner: enum, allow: nil}
	assert.NotPanics(t, func() { f.Enumerate(time.Now()) })
}

func TestFilteredProcessSource_FiltersByAllowlist(t *testing.T) {
	f := &filteredProcessSource{inner: enumerator.New(t.TempDir(), 0, nil, "php-fpm", testLogger(t)), allow: map[int]struct{}{}}
	out := f.Enumerate(time.Now())
	assert.Empty(t, out)
}

func TestServiceNameOrDefault(t *testing.T) {
	assert.Equal(t, "profileragent", serviceNameOrDefault(""))
	assert.Equal(t, "my-service", serviceNameOrDefault("my-service"))
}

func TestPerfForScheduler_NilSessionYieldsNilInterface(t *testing.T) {
	assert.Nil(t, perfForScheduler(nil))
}
