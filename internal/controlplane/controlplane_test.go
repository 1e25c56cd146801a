package controlplane

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/granulate/gprofiler-go/internal/common/logger"
	"github.com/granulate/gprofiler-go/internal/drivers"
	"github.com/granulate/gprofiler-go/internal/model"
	"github.com/granulate/gprofiler-go/internal/scheduler"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

type noopProcessSource struct{}

func (noopProcessSource) Enumerate(now time.Time) []model.ProcessRecord { return nil }

// countingMonitor counts Stop calls so tests can assert stop idempotence
// without touching a real subprocess.
type countingMonitor struct {
	stops atomic.Int64
}

func (m *countingMonitor) Stop() { m.stops.Add(1) }

func newTestBuilder(t *testing.T, mon *countingMonitor, builds *atomic.Int64) Builder {
	return func(ctx context.Context) (*Instance, error) {
		builds.Add(1)
		sched := scheduler.New(scheduler.Config{Period: 5 * time.Millisecond, MaxWorkers: 2}, []drivers.Driver{}, nil, noopProcessSource{}, testLogger(t), nil)
		return &Instance{Scheduler: sched, AuxMonitors: []Stopper{mon}}, nil
	}
}

func TestControlPlane_StopIsIdempotent(t *testing.T) {
	mon := &countingMonitor{}
	var builds atomic.Int64
	var sweeps atomic.Int64
	cp := New(ModeHeartbeat, newTestBuilder(t, mon, &builds), func() { sweeps.Add(1) }, nil, nil, testLogger(t))

	ctx := context.Background()
	require.NoError(t, cp.Start(ctx))
	require.True(t, cp.Running())

	require.NoError(t, cp.Stop(ctx))
	assert.False(t, cp.Running())
	firstStopCount := mon.stops.Load()
	assert.EqualValues(t, 1, firstStopCount)

	// A second Stop with no instance running must be a no-op: it must not
	// re-invoke the already-stopped monitor's Stop a second time.
	require.NoError(t, cp.Stop(ctx))
	assert.Equal(t, firstStopCount, mon.stops.Load())
	assert.True(t, sweeps.Load() >= 2, "memory manager sweep runs on every stop attempt")
}

func TestControlPlane_StartTwiceWithoutStopBuildsOnlyOneInstance(t *testing.T) {
	mon := &countingMonitor{}
	var builds atomic.Int64
	cp := New(ModeHeartbeat, newTestBuilder(t, mon, &builds), nil, nil, nil, testLogger(t))

	ctx := context.Background()
	require.NoError(t, cp.Start(ctx))
	require.NoError(t, cp.Start(ctx))

	assert.EqualValues(t, 1, builds.Load(), "a second start while already running must not build a second scheduler")

	require.NoError(t, cp.Stop(ctx))
}

func TestControlPlane_CommandReplayDoesNotLaunchSecondScheduler(t *testing.T) {
	mon := &countingMonitor{}
	var builds atomic.Int64
	path := filepath.Join(t.TempDir(), "commands.log")
	history, err := LoadCommandHistory(path)
	require.NoError(t, err)

	cp := New(ModeHeartbeat, newTestBuilder(t, mon, &builds), nil, nil, history, testLogger(t))

	ctx := context.Background()
	require.NoError(t, cp.HandleCommand(ctx, "cmd-1", CommandStart))
	require.NoError(t, cp.HandleCommand(ctx, "cmd-1", CommandStart))

	assert.EqualValues(t, 1, builds.Load(), "replaying the same command id must not build a second scheduler")

	require.NoError(t, cp.Stop(ctx))
}

func TestControlPlane_ContinuousModeRunStartsSchedulerImmediately(t *testing.T) {
	mon := &countingMonitor{}
	var builds atomic.Int64
	cp := New(ModeContinuous, newTestBuilder(t, mon, &builds), nil, nil, nil, testLogger(t))

	require.NoError(t, cp.Run(context.Background()))
	assert.True(t, cp.Running())
	assert.EqualValues(t, 1, builds.Load())

	require.NoError(t, cp.Stop(context.Background()))
}

func TestControlPlane_HeartbeatModeRunDoesNotStartScheduler(t *testing.T) {
	mon := &countingMonitor{}
	var builds atomic.Int64
	cp := New(ModeHeartbeat, newTestBuilder(t, mon, &builds), nil, nil, nil, testLogger(t))

	require.NoError(t, cp.Run(context.Background()))
	assert.False(t, cp.Running())
	assert.EqualValues(t, 0, builds.Load())
}
