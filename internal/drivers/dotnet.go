package drivers

import (
	"context"
	"fmt"
	"time"

	"github.com/granulate/gprofiler-go/internal/common/logger"
	"github.com/granulate/gprofiler-go/internal/model"
	"github.com/granulate/gprofiler-go/internal/supervisor"
)

// DotNetDriver invokes dotnet-trace once per targeted CLR process.
type DotNetDriver struct {
	disabled     bool
	maxProcesses int
	maxWorkers   int
	minAge       time.Duration
	grace        time.Duration
	sup          *supervisor.Supervisor
	log          *logger.Logger
}

func NewDotNetDriver(disabled bool, maxProcesses, maxWorkers int, minAge, grace time.Duration, sup *supervisor.Supervisor, log *logger.Logger) *DotNetDriver {
	return &DotNetDriver{disabled: disabled, maxProcesses: maxProcesses, maxWorkers: maxWorkers, minAge: minAge, grace: grace, sup: sup, log: log.WithDriver("dotnet")}
}

func (d *DotNetDriver) Name() string { return "dotnet" }

func (d *DotNetDriver) Select(processes []model.ProcessRecord) []model.ProcessRecord {
	if d.disabled {
		return nil
	}
	filtered := filterByRuntimeAndAge(processes, model.RuntimeDotNet, d.minAge, time.Now(), d.log)
	return truncateTopNByRecentCPU(filtered, d.maxProcesses, cpuUsageFraction)
}

func (d *DotNetDriver) Snapshot(ctx context.Context, processes []model.ProcessRecord, duration time.Duration) (*model.StackSampleTable, error) {
	if d.disabled {
		return model.NewStackSampleTable(), nil
	}
	targets := d.Select(processes)
	table := fanOut(ctx, targets, d.maxWorkers, func(ctx context.Context, p model.ProcessRecord) ([]stackCount, error) {
		return d.profileOne(ctx, p, duration)
	})
	return table, nil
}

func (d *DotNetDriver) profileOne(ctx context.Context, p model.ProcessRecord, duration time.Duration) ([]stackCount, error) {
	argv := []string{
		"dotnet-trace", "collect",
		"--process-id", fmt.Sprint(p.PID),
		"--duration", fmt.Sprintf("00:00:%02d", int(duration.Seconds())),
		"--format", "collapsed",
	}
	h, err := d.sup.Spawn(ctx, argv, supervisor.PipePolicy{Stdout: true, Stderr: true})
	if err != nil {
		return nil, model.NewDriverError(model.ErrSpawnFailed, "dotnet-trace spawn", err)
	}
	_, stdout, _, err := d.sup.Await(ctx, h, duration+d.grace)
	if err != nil {
		return nil, err
	}
	return parseCollapsedText(stdout, model.SuffixDotNet), nil
}
