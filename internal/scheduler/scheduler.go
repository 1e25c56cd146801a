// Package scheduler implements a fixed-period coordinator that runs every
// enabled runtime driver and the system profiler concurrently, with a
// bounded worker pool, and never starts an overlapping cycle.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/granulate/gprofiler-go/internal/common/logger"
	"github.com/granulate/gprofiler-go/internal/drivers"
	"github.com/granulate/gprofiler-go/internal/model"
)

// ProcessSource supplies the current process set for each cycle — satisfied
// by *enumerator.Enumerator.
type ProcessSource interface {
	Enumerate(now time.Time) []model.ProcessRecord
}

// PerfSession is satisfied by *systemprofiler.Session. Declared locally
// (rather than importing systemprofiler) so the scheduler depends only on
// the capability it needs and tests can substitute a fake without a live
// perf binary.
type PerfSession interface {
	Snapshot(ctx context.Context, duration time.Duration) (*model.StackSampleTable, error)
}

// DriverResult is one driver's (or the system profiler's) outcome within a
// single cycle.
type DriverResult struct {
	Name     string
	Table    *model.StackSampleTable
	Err      error
	Duration time.Duration
}

// CycleResult is the scheduler's complete output for one fixed-period tick.
type CycleResult struct {
	CycleID   string
	Start     time.Time
	End       time.Time
	Results   []DriverResult
	Processes []model.ProcessRecord // the set ProcessSource returned for this cycle, for the merger's metadata pass
	Overrun   bool
}

// Config configures the Scheduler.
type Config struct {
	Period          time.Duration // default cycle period (default 60s)
	SnapshotTimeout time.Duration // duration budget handed to each driver/perf Snapshot call; defaults to Period
	MaxWorkers      int           // bounded worker pool across concurrent driver snapshots (default 4)
}

// Scheduler coordinates fixed-period, bounded-concurrency snapshot cycles
// across every enabled runtime driver plus the system profiler.
type Scheduler struct {
	cfg     Config
	drivers []drivers.Driver
	perf    PerfSession
	procs   ProcessSource
	log     *logger.Logger
	tracer  trace.Tracer
	onCycle func(CycleResult)

	stopFlag     atomic.Bool
	overrunCount atomic.Int64
}

// New builds a Scheduler. perf may be nil (system profiler disabled); procs
// may be nil only in tests that supply their own process list indirectly
// through drivers that ignore it.
func New(cfg Config, ds []drivers.Driver, perf PerfSession, procs ProcessSource, log *logger.Logger, onCycle func(CycleResult)) *Scheduler {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.Period <= 0 {
		cfg.Period = 60 * time.Second
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = cfg.Period
	}
	return &Scheduler{
		cfg:     cfg,
		drivers: ds,
		perf:    perf,
		procs:   procs,
		log:     log.WithFields(zap.String("component", "scheduler")),
		tracer:  otel.Tracer("gprofiler-go/scheduler"),
		onCycle: onCycle,
	}
}

// Stop sets the cooperative stop flag. Run checks it before each cycle and
// while sleeping between cycles; driver and perf Snapshot calls already in
// flight do not read it and run until they return or ctx is cancelled.
func (s *Scheduler) Stop() { s.stopFlag.Store(true) }

// OverrunCount returns the number of cycles whose driver work exceeded the
// configured period.
func (s *Scheduler) OverrunCount() int64 { return s.overrunCount.Load() }

// Run blocks, executing fixed-period cycles until ctx is cancelled or Stop
// is called. Cycles never overlap: cycle N+1 does not begin until cycle N
// has fully completed. If a cycle overruns its period the next one starts
// immediately, with no queueing, and the overrun counter is incremented.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if s.stopFlag.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		cycleStart := time.Now()
		result := s.runCycle(ctx)
		elapsed := time.Since(cycleStart)

		if elapsed > s.cfg.Period {
			result.Overrun = true
			s.overrunCount.Add(1)
			s.log.Warn("snapshot cycle overran its period",
				zap.String("cycle_id", result.CycleID),
				zap.Duration("elapsed", elapsed),
				zap.Duration("period", s.cfg.Period))
		}

		if s.onCycle != nil {
			s.onCycle(result)
		}

		if result.Overrun {
			continue // no queueing: the next period begins immediately
		}

		if !s.sleepOrStop(ctx, s.cfg.Period-elapsed) {
			if s.stopFlag.Load() {
				return nil
			}
			return ctx.Err()
		}
	}
}

// runCycle enumerates processes once, then fans every driver (plus the
// system profiler, if present) out over a bounded worker pool. Wall-clock
// ordering across drivers is irrelevant; a single driver's failure is
// captured as an error value and never cancels its peers.
func (s *Scheduler) runCycle(ctx context.Context) CycleResult {
	cycleID := uuid.New().String()
	start := time.Now()

	var processes []model.ProcessRecord
	if s.procs != nil {
		processes = s.procs.Enumerate(start)
	}

	total := len(s.drivers)
	if s.perf != nil {
		total++
	}
	results := make([]DriverResult, total)

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxWorkers)

	for i, d := range s.drivers {
		i, d := i, d
		g.Go(func() error {
			results[i] = s.snapshotOne(ctx, cycleID, d.Name(), func(c context.Context) (*model.StackSampleTable, error) {
				return d.Snapshot(c, processes, s.cfg.SnapshotTimeout)
			})
			return nil // individual failures are captured above, never propagated here
		})
	}
	if s.perf != nil {
		idx := len(s.drivers)
		g.Go(func() error {
			results[idx] = s.snapshotOne(ctx, cycleID, "perf", func(c context.Context) (*model.StackSampleTable, error) {
				return s.perf.Snapshot(c, s.cfg.SnapshotTimeout)
			})
			return nil
		})
	}
	_ = g.Wait()

	end := time.Now()
	s.log.Debug("snapshot cycle complete",
		zap.String("cycle_id", cycleID),
		zap.Int("driver_count", total),
		zap.Duration("wall", end.Sub(start)))

	return CycleResult{CycleID: cycleID, Start: start, End: end, Results: results, Processes: processes}
}

// snapshotOne wraps one driver's snapshot call with an OTel span carrying
// the per-cycle telemetry fields.
func (s *Scheduler) snapshotOne(ctx context.Context, cycleID, name string, fn func(context.Context) (*model.StackSampleTable, error)) DriverResult {
	spanCtx, span := s.tracer.Start(ctx, "driver.snapshot", trace.WithAttributes(
		attribute.String("cycle_id", cycleID),
		attribute.String("driver_name", name),
	))
	defer span.End()

	start := time.Now()
	table, err := fn(spanCtx)
	duration := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Warn("driver snapshot failed",
			zap.String("cycle_id", cycleID),
			zap.String("driver", name),
			zap.Error(err))
	}

	var samples int64
	if table != nil {
		for _, pid := range table.PIDs() {
			samples += table.Counts[pid].Total()
		}
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Int64("duration_ms", duration.Milliseconds()),
		attribute.Int64("samples_emitted", samples),
	)

	return DriverResult{Name: name, Table: table, Err: err, Duration: duration}
}

// sleepOrStop waits out d, polling the stop flag at a fine enough grain to
// stay responsive, and returns false if ctx is cancelled or Stop is called
// during the wait.
func (s *Scheduler) sleepOrStop(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil && !s.stopFlag.Load()
	}
	const pollEvery = 50 * time.Millisecond
	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return !s.stopFlag.Load()
		case <-ticker.C:
			if s.stopFlag.Load() {
				return false
			}
		}
	}
}
