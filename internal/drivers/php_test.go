package drivers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/granulate/gprofiler-go/internal/model"
	"github.com/granulate/gprofiler-go/internal/supervisor"
)

func TestPHPDriver_SelectMatchesCommFilter(t *testing.T) {
	sup := supervisor.New(time.Second, testLogger(t))
	d := NewPHPDriver(false, "php-fpm", 10, 2, 0, time.Second, sup, testLogger(t))

	now := time.Now()
	processes := []model.ProcessRecord{
		{PID: 1, Comm: "php-fpm: pool www", ClassifiedRuntime: model.RuntimePHP, CreateTime: now.Add(-time.Hour)},
		{PID: 2, Comm: "php-cli", ClassifiedRuntime: model.RuntimePHP, CreateTime: now.Add(-time.Hour)},
	}

	selected := d.Select(processes)
	require.Len(t, selected, 1)
	assert.Equal(t, 1, selected[0].PID)
}

func TestPHPDriver_DefaultsCommFilterWhenEmpty(t *testing.T) {
	sup := supervisor.New(time.Second, testLogger(t))
	d := NewPHPDriver(false, "", 10, 2, 0, time.Second, sup, testLogger(t))
	assert.Equal(t, "php-fpm", d.commFilter)
}
