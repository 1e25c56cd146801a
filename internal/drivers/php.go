package drivers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/granulate/gprofiler-go/internal/common/logger"
	"github.com/granulate/gprofiler-go/internal/model"
	"github.com/granulate/gprofiler-go/internal/supervisor"
)

// PHPDriver invokes phpspy once per targeted php-fpm (or comm-filter
// matching) process.
type PHPDriver struct {
	disabled     bool
	commFilter   string
	maxProcesses int
	maxWorkers   int
	minAge       time.Duration
	grace        time.Duration
	sup          *supervisor.Supervisor
	log          *logger.Logger
}

func NewPHPDriver(disabled bool, commFilter string, maxProcesses, maxWorkers int, minAge, grace time.Duration, sup *supervisor.Supervisor, log *logger.Logger) *PHPDriver {
	if commFilter == "" {
		commFilter = "php-fpm"
	}
	return &PHPDriver{disabled: disabled, commFilter: commFilter, maxProcesses: maxProcesses, maxWorkers: maxWorkers, minAge: minAge, grace: grace, sup: sup, log: log.WithDriver("php")}
}

func (d *PHPDriver) Name() string { return "php" }

func (d *PHPDriver) Select(processes []model.ProcessRecord) []model.ProcessRecord {
	if d.disabled {
		return nil
	}
	filtered := filterByRuntimeAndAge(processes, model.RuntimePHP, d.minAge, time.Now(), d.log)
	matched := make([]model.ProcessRecord, 0, len(filtered))
	for _, p := range filtered {
		if strings.Contains(p.Comm, d.commFilter) {
			matched = append(matched, p)
		}
	}
	return truncateTopNByRecentCPU(matched, d.maxProcesses, cpuUsageFraction)
}

func (d *PHPDriver) Snapshot(ctx context.Context, processes []model.ProcessRecord, duration time.Duration) (*model.StackSampleTable, error) {
	if d.disabled {
		return model.NewStackSampleTable(), nil
	}
	targets := d.Select(processes)
	table := fanOut(ctx, targets, d.maxWorkers, func(ctx context.Context, p model.ProcessRecord) ([]stackCount, error) {
		return d.profileOne(ctx, p, duration)
	})
	return table, nil
}

func (d *PHPDriver) profileOne(ctx context.Context, p model.ProcessRecord, duration time.Duration) ([]stackCount, error) {
	argv := []string{"phpspy", "--pid", fmt.Sprint(p.PID), "--duration", fmt.Sprint(int(duration.Seconds())), "--output-format", "collapsed"}
	h, err := d.sup.Spawn(ctx, argv, supervisor.PipePolicy{Stdout: true, Stderr: true})
	if err != nil {
		return nil, model.NewDriverError(model.ErrSpawnFailed, "phpspy spawn", err)
	}
	_, stdout, _, err := d.sup.Await(ctx, h, duration+d.grace)
	if err != nil {
		return nil, err
	}
	return parseCollapsedText(stdout, model.SuffixPHP), nil
}
