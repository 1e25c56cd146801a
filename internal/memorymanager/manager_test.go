package memorymanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/granulate/gprofiler-go/internal/common/logger"
	"github.com/granulate/gprofiler-go/internal/supervisor"
	"github.com/granulate/gprofiler-go/internal/telemetry"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

type fakeTrimmer struct {
	calls int
	err   error
}

func (f *fakeTrimmer) Trim() error {
	f.calls++
	return f.err
}

func TestManager_SweepReapsCompletedSubprocesses(t *testing.T) {
	log := testLogger(t)
	sup := supervisor.New(50*time.Millisecond, log)

	h, err := sup.Spawn(context.Background(), []string{"true"}, supervisor.PipePolicy{Stdout: true, Stderr: true})
	require.NoError(t, err)

	// Let the child exit on its own before sweeping.
	_, _, _, _ = sup.Await(context.Background(), h, time.Second)

	trimmer := &fakeTrimmer{}
	mgr := New(sup, trimmer, nil, 0, log)

	result := mgr.Sweep(context.Background())
	assert.Equal(t, 1, trimmer.calls)
	assert.GreaterOrEqual(t, result.PipesBefore, 0)
	assert.Equal(t, 1, result.HandlesFreed)
	assert.Equal(t, 0, sup.LiveCount())
}

func TestManager_SweepPublishesTelemetryEvent(t *testing.T) {
	log := testLogger(t)
	sup := supervisor.New(50*time.Millisecond, log)
	bus := telemetry.NewMemoryEventBus(log)
	defer bus.Close()

	received := make(chan *telemetry.Event, 1)
	sub, err := bus.Subscribe("memory.swept", func(ctx context.Context, e *telemetry.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	mgr := New(sup, nil, bus, 0, log)
	mgr.Sweep(context.Background())

	select {
	case evt := <-received:
		assert.Contains(t, evt.Data, "handles_freed")
	case <-time.After(time.Second):
		t.Fatal("sweep did not publish a telemetry event")
	}
}

func TestManager_SweepToleratesNilHistoryAndBus(t *testing.T) {
	log := testLogger(t)
	sup := supervisor.New(50*time.Millisecond, log)
	mgr := New(sup, nil, nil, 0, log)

	assert.NotPanics(t, func() {
		mgr.Sweep(context.Background())
	})
}

func TestReleaseSnapshot_ClearsTheString(t *testing.T) {
	snapshot := "some collapsed-text output"
	ReleaseSnapshot(&snapshot)
	assert.Empty(t, snapshot)
}

func TestManager_RunHighWaterLoopDisabledReturnsOnCancel(t *testing.T) {
	log := testLogger(t)
	sup := supervisor.New(50*time.Millisecond, log)
	mgr := New(sup, nil, nil, 0, log)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		mgr.RunHighWaterLoop(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunHighWaterLoop with highWaterMB=0 did not return after context cancellation")
	}
}
