package drivers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/granulate/gprofiler-go/internal/model"
	"github.com/granulate/gprofiler-go/internal/supervisor"
)

func TestDotNetDriver_SelectFiltersByRuntime(t *testing.T) {
	sup := supervisor.New(time.Second, testLogger(t))
	d := NewDotNetDriver(false, 10, 2, 0, time.Second, sup, testLogger(t))

	now := time.Now()
	processes := []model.ProcessRecord{
		{PID: 1, ClassifiedRuntime: model.RuntimeDotNet, CreateTime: now.Add(-time.Hour)},
		{PID: 2, ClassifiedRuntime: model.RuntimeNative, CreateTime: now.Add(-time.Hour)},
	}

	selected := d.Select(processes)
	assert.Len(t, selected, 1)
	assert.Equal(t, 1, selected[0].PID)
}

func TestDotNetDriver_DisabledYieldsEmptySnapshot(t *testing.T) {
	sup := supervisor.New(time.Second, testLogger(t))
	d := NewDotNetDriver(true, 10, 2, 0, time.Second, sup, testLogger(t))

	table, err := d.Snapshot(nil, nil, time.Second)
	assert := assert.New(t)
	assert.NoError(err)
	assert.Empty(table.PIDs())
}
