package drivers

import (
	"context"
	"fmt"
	"time"

	"github.com/granulate/gprofiler-go/internal/common/logger"
	"github.com/granulate/gprofiler-go/internal/model"
	"github.com/granulate/gprofiler-go/internal/supervisor"
)

// RubyDriver invokes rbspy once per targeted process.
type RubyDriver struct {
	disabled     bool
	maxProcesses int
	maxWorkers   int
	minAge       time.Duration
	grace        time.Duration
	sup          *supervisor.Supervisor
	log          *logger.Logger
}

func NewRubyDriver(disabled bool, maxProcesses, maxWorkers int, minAge, grace time.Duration, sup *supervisor.Supervisor, log *logger.Logger) *RubyDriver {
	return &RubyDriver{disabled: disabled, maxProcesses: maxProcesses, maxWorkers: maxWorkers, minAge: minAge, grace: grace, sup: sup, log: log.WithDriver("ruby")}
}

func (d *RubyDriver) Name() string { return "ruby" }

func (d *RubyDriver) Select(processes []model.ProcessRecord) []model.ProcessRecord {
	if d.disabled {
		return nil
	}
	filtered := filterByRuntimeAndAge(processes, model.RuntimeRuby, d.minAge, time.Now(), d.log)
	return truncateTopNByRecentCPU(filtered, d.maxProcesses, cpuUsageFraction)
}

func (d *RubyDriver) Snapshot(ctx context.Context, processes []model.ProcessRecord, duration time.Duration) (*model.StackSampleTable, error) {
	if d.disabled {
		return model.NewStackSampleTable(), nil
	}
	targets := d.Select(processes)
	table := fanOut(ctx, targets, d.maxWorkers, func(ctx context.Context, p model.ProcessRecord) ([]stackCount, error) {
		return d.profileOne(ctx, p, duration)
	})
	return table, nil
}

func (d *RubyDriver) profileOne(ctx context.Context, p model.ProcessRecord, duration time.Duration) ([]stackCount, error) {
	argv := []string{"rbspy", "record", "--pid", fmt.Sprint(p.PID), "--duration", fmt.Sprint(int(duration.Seconds())), "--format", "collapsed"}
	h, err := d.sup.Spawn(ctx, argv, supervisor.PipePolicy{Stdout: true, Stderr: true})
	if err != nil {
		return nil, model.NewDriverError(model.ErrSpawnFailed, "rbspy spawn", err)
	}
	_, stdout, _, err := d.sup.Await(ctx, h, duration+d.grace)
	if err != nil {
		return nil, err
	}
	return parseCollapsedText(stdout, model.SuffixRuby), nil
}
