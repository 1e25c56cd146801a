package drivers

import (
	"context"
	"fmt"
	"time"

	"github.com/granulate/gprofiler-go/internal/common/logger"
	"github.com/granulate/gprofiler-go/internal/model"
	"github.com/granulate/gprofiler-go/internal/supervisor"
)

// JavaMode selects whether the async-profiler agent is attached.
type JavaMode string

const (
	JavaModeAP       JavaMode = "ap"
	JavaModeDisabled JavaMode = "disabled"
)

// JavaDriver attaches async-profiler to Java processes via the JVM tool
// interface. Suffixes (_[j], _[i], _[0], _[1]) arrive from the agent and
// are passed through verbatim to the merger.
type JavaDriver struct {
	mode         JavaMode
	frequencyHz  int
	maxProcesses int
	maxWorkers   int
	minAge       time.Duration
	grace        time.Duration
	sup          *supervisor.Supervisor
	log          *logger.Logger
}

// NewJavaDriver constructs a JavaDriver. frequencyHz is converted to a
// sampling interval in nanoseconds (min 1ms).
func NewJavaDriver(mode JavaMode, frequencyHz, maxProcesses, maxWorkers int, minAge, grace time.Duration, sup *supervisor.Supervisor, log *logger.Logger) *JavaDriver {
	return &JavaDriver{
		mode: mode, frequencyHz: frequencyHz, maxProcesses: maxProcesses,
		maxWorkers: maxWorkers, minAge: minAge, grace: grace, sup: sup,
		log: log.WithDriver("java"),
	}
}

func (d *JavaDriver) Name() string { return "java" }

func (d *JavaDriver) intervalNanos() int64 {
	hz := d.frequencyHz
	if hz <= 0 {
		hz = 11
	}
	interval := int64(1_000_000_000) / int64(hz)
	const minNanos = 1_000_000 // 1ms
	if interval < minNanos {
		interval = minNanos
	}
	return interval
}

func (d *JavaDriver) Select(processes []model.ProcessRecord) []model.ProcessRecord {
	if d.mode == JavaModeDisabled {
		return nil
	}
	filtered := filterByRuntimeAndAge(processes, model.RuntimeJava, d.minAge, time.Now(), d.log)
	return truncateTopNByRecentCPU(filtered, d.maxProcesses, cpuUsageFraction)
}

func (d *JavaDriver) Snapshot(ctx context.Context, processes []model.ProcessRecord, duration time.Duration) (*model.StackSampleTable, error) {
	if d.mode == JavaModeDisabled {
		return model.NewStackSampleTable(), nil
	}
	targets := d.Select(processes)
	table := fanOut(ctx, targets, d.maxWorkers, func(ctx context.Context, p model.ProcessRecord) ([]stackCount, error) {
		return d.profileOne(ctx, p, duration)
	})
	return table, nil
}

// profileOne attaches async-profiler to a single PID through the
// supervisor, bounded by duration+grace. async-profiler's own -o collapsed
// output already embeds per-frame suffixes (_[j]/_[i]/_[0]/_[1]) in the
// symbol text, so frames are parsed with SuffixNone to avoid
// double-tagging.
func (d *JavaDriver) profileOne(ctx context.Context, p model.ProcessRecord, duration time.Duration) ([]stackCount, error) {
	argv := []string{
		"async-profiler",
		"-d", fmt.Sprint(int(duration.Seconds())),
		"-i", fmt.Sprint(d.intervalNanos()),
		"-o", "collapsed",
		"-p", fmt.Sprint(p.PID),
	}
	h, err := d.sup.Spawn(ctx, argv, supervisor.PipePolicy{Stdout: true, Stderr: true})
	if err != nil {
		return nil, model.NewDriverError(model.ErrSpawnFailed, "async-profiler spawn", err)
	}
	_, stdout, _, err := d.sup.Await(ctx, h, duration+d.grace)
	if err != nil {
		return nil, err
	}
	return parseCollapsedText(stdout, model.SuffixNone), nil
}
