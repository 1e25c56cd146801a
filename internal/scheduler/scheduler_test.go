package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/granulate/gprofiler-go/internal/common/logger"
	"github.com/granulate/gprofiler-go/internal/drivers"
	"github.com/granulate/gprofiler-go/internal/model"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

type fakeDriver struct {
	name  string
	sleep time.Duration
	err   error
	calls atomic.Int64
}

func (d *fakeDriver) Name() string { return d.name }

func (d *fakeDriver) Select(processes []model.ProcessRecord) []model.ProcessRecord { return processes }

func (d *fakeDriver) Snapshot(ctx context.Context, processes []model.ProcessRecord, duration time.Duration) (*model.StackSampleTable, error) {
	d.calls.Add(1)
	if d.sleep > 0 {
		select {
		case <-time.After(d.sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	table := model.NewStackSampleTable()
	table.Add(1, model.StackFingerprint{{Symbol: d.name}}, 1)
	return table, nil
}

type fakePerf struct {
	calls atomic.Int64
}

func (p *fakePerf) Snapshot(ctx context.Context, duration time.Duration) (*model.StackSampleTable, error) {
	p.calls.Add(1)
	table := model.NewStackSampleTable()
	table.Add(2, model.StackFingerprint{{Symbol: "perf-sample", Suffix: model.SuffixKernel}}, 1)
	return table, nil
}

type fakeProcessSource struct{}

func (fakeProcessSource) Enumerate(now time.Time) []model.ProcessRecord {
	return []model.ProcessRecord{{PID: 1, ClassifiedRuntime: model.RuntimeJava}}
}

type assertError struct{}

func (assertError) Error() string { return "synthetic driver failure" }

// blockingDriver records whether more than one instance of it was ever
// executing concurrently, to verify the scheduler's non-overlap invariant.
type blockingDriver struct {
	active  *atomic.Int32
	overlap *atomic.Bool
	sleep   time.Duration
}

func (d *blockingDriver) Name() string { return "blocking" }

func (d *blockingDriver) Select(p []model.ProcessRecord) []model.ProcessRecord { return p }

func (d *blockingDriver) Snapshot(ctx context.Context, processes []model.ProcessRecord, duration time.Duration) (*model.StackSampleTable, error) {
	if d.active.Add(1) > 1 {
		d.overlap.Store(true)
	}
	defer d.active.Add(-1)
	select {
	case <-time.After(d.sleep):
	case <-ctx.Done():
	}
	return model.NewStackSampleTable(), nil
}

func TestScheduler_RunsAllDriversAndPerfEachCycle(t *testing.T) {
	d1 := &fakeDriver{name: "java"}
	d2 := &fakeDriver{name: "ruby"}
	p := &fakePerf{}

	var mu sync.Mutex
	var cycles []CycleResult
	sched := New(Config{Period: 30 * time.Millisecond, MaxWorkers: 4}, []drivers.Driver{d1, d2}, p, fakeProcessSource{}, testLogger(t), func(cr CycleResult) {
		mu.Lock()
		cycles = append(cycles, cr)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, cycles)
	for _, cr := range cycles {
		require.Len(t, cr.Results, 3) // java, ruby, perf
		require.Len(t, cr.Processes, 1)
		assert.Equal(t, 1, cr.Processes[0].PID)
	}
	assert.True(t, d1.calls.Load() >= 1)
	assert.True(t, d2.calls.Load() >= 1)
	assert.True(t, p.calls.Load() >= 1)
}

func TestScheduler_CyclesNeverOverlap(t *testing.T) {
	var active atomic.Int32
	var sawOverlap atomic.Bool
	d := &blockingDriver{active: &active, overlap: &sawOverlap, sleep: 10 * time.Millisecond}

	sched := New(Config{Period: 5 * time.Millisecond, MaxWorkers: 4}, []drivers.Driver{d}, nil, fakeProcessSource{}, testLogger(t), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx)

	assert.False(t, sawOverlap.Load(), "scheduler must never run overlapping cycles")
}

func TestScheduler_OverrunIncrementsCounterAndSkipsSleep(t *testing.T) {
	d := &fakeDriver{name: "slow", sleep: 30 * time.Millisecond}
	sched := New(Config{Period: 5 * time.Millisecond, MaxWorkers: 4}, []drivers.Driver{d}, nil, fakeProcessSource{}, testLogger(t), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx)

	assert.True(t, sched.OverrunCount() >= 1, "a driver slower than the period must be counted as an overrun")
}

func TestScheduler_DriverErrorDoesNotCancelPeers(t *testing.T) {
	failing := &fakeDriver{name: "failing", err: assertError{}}
	healthy := &fakeDriver{name: "healthy"}

	var mu sync.Mutex
	var last CycleResult
	sched := New(Config{Period: 20 * time.Millisecond, MaxWorkers: 4}, []drivers.Driver{failing, healthy}, nil, fakeProcessSource{}, testLogger(t), func(cr CycleResult) {
		mu.Lock()
		last = cr
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, last.Results, 2)
	var sawErr, sawOK bool
	for _, r := range last.Results {
		if r.Name == "failing" {
			sawErr = r.Err != nil
		}
		if r.Name == "healthy" {
			sawOK = r.Err == nil && r.Table != nil
		}
	}
	assert.True(t, sawErr)
	assert.True(t, sawOK)
}

func TestScheduler_StopIsCooperative(t *testing.T) {
	d := &fakeDriver{name: "quick"}
	sched := New(Config{Period: 10 * time.Millisecond, MaxWorkers: 2}, []drivers.Driver{d}, nil, fakeProcessSource{}, testLogger(t), nil)

	done := make(chan struct{})
	go func() {
		_ = sched.Run(context.Background())
		close(done)
	}()

	time.Sleep(15 * time.Millisecond)
	sched.Stop()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Run did not return after Stop")
	}
}
