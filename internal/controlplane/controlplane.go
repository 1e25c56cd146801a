// Package controlplane implements the two operating modes (continuous and
// heartbeat), deferred scheduler/driver construction for heartbeat mode
// (perf event-type discovery happens on `start`, never in a constructor),
// and the best-effort stop sequence.
package controlplane

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/granulate/gprofiler-go/internal/common/logger"
	"github.com/granulate/gprofiler-go/internal/scheduler"
	"github.com/granulate/gprofiler-go/internal/telemetry"
)

// Mode selects continuous vs. heartbeat operation.
type Mode string

const (
	ModeContinuous Mode = "continuous"
	ModeHeartbeat  Mode = "heartbeat"
)

// Stopper is anything with a best-effort, idempotent Stop — satisfied by
// *systemprofiler.Session and any auxiliary monitor the builder wants torn
// down alongside it.
type Stopper interface {
	Stop()
}

// Instance is one constructed, running scheduler plus the resources the
// control plane must stop alongside it. A Builder produces a fresh
// Instance on every heartbeat `start`; in continuous mode exactly one is
// built at process start.
type Instance struct {
	Scheduler   *scheduler.Scheduler
	AuxMonitors []Stopper
	cancel      context.CancelFunc
	done        chan struct{}
}

// Builder constructs the scheduler and every driver it will run — this is
// where perf event-type discovery occurs — so it must never be called
// before a `start` signal in heartbeat mode.
type Builder func(ctx context.Context) (*Instance, error)

// Sweeper reclaims completed-subprocess resources; invoked after every
// snapshot cycle and after every stop. Implemented by
// internal/memorymanager.Manager.Sweep.
type Sweeper func()

// ControlPlane coordinates one Instance's lifecycle under either mode.
type ControlPlane struct {
	mode    Mode
	build   Builder
	sweep   Sweeper
	log     *logger.Logger
	bus     telemetry.EventBus
	history *CommandHistory

	mu      sync.Mutex
	current *Instance
}

// New constructs a ControlPlane. In ModeContinuous, Run starts the scheduler
// immediately; in ModeHeartbeat, Run only serves the control endpoint until
// a `start` command arrives.
func New(mode Mode, build Builder, sweep Sweeper, bus telemetry.EventBus, history *CommandHistory, log *logger.Logger) *ControlPlane {
	return &ControlPlane{mode: mode, build: build, sweep: sweep, bus: bus, history: history, log: log}
}

// Mode reports the configured operating mode.
func (c *ControlPlane) Mode() Mode { return c.mode }

// Running reports whether a scheduler instance is currently active.
func (c *ControlPlane) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Run starts continuous mode immediately; in heartbeat mode it does
// nothing until Start is called via the control endpoint.
func (c *ControlPlane) Run(ctx context.Context) error {
	if c.mode != ModeContinuous {
		return nil
	}
	return c.Start(ctx)
}

// Start builds a fresh Instance (idempotent: a second Start while one is
// already running is a no-op) and runs its scheduler in the background.
func (c *ControlPlane) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		c.log.Info("start requested but a scheduler is already running; ignoring")
		return nil
	}
	c.mu.Unlock()

	inst, err := c.build(ctx)
	if err != nil {
		return fmt.Errorf("build control plane instance: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	inst.cancel = cancel
	inst.done = make(chan struct{})

	c.mu.Lock()
	c.current = inst
	c.mu.Unlock()

	go func() {
		defer close(inst.done)
		if err := inst.Scheduler.Run(runCtx); err != nil && runCtx.Err() == nil {
			c.log.Warn("scheduler exited with error", zap.Error(err))
		}
	}()

	if c.bus != nil {
		_ = c.bus.Publish(ctx, telemetry.SubjectCycleStarted, telemetry.NewEvent(telemetry.SubjectCycleStarted, "controlplane", nil))
	}
	c.log.Info("control plane started scheduler", zap.String("mode", string(c.mode)))
	return nil
}

// Stop executes the best-effort stop sequence: (1) signal the scheduler to
// stop, (2) stop auxiliary monitors
// independently so one failure never short-circuits the rest, (3) invoke
// the memory manager once to reclaim completed-subprocess resources. Every
// step runs even if an earlier one reported a problem; Stop returns after
// attempting all of them, aggregating via multierr.
func (c *ControlPlane) Stop(ctx context.Context) error {
	c.mu.Lock()
	inst := c.current
	c.current = nil
	c.mu.Unlock()

	if inst == nil {
		if c.sweep != nil {
			c.sweep()
		}
		return nil
	}

	var errs error

	inst.Scheduler.Stop()
	inst.cancel()
	select {
	case <-inst.done:
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("scheduler did not stop before context deadline: %w", ctx.Err()))
	}

	for _, mon := range inst.AuxMonitors {
		errs = multierr.Append(errs, stopOneMonitor(mon))
	}

	if c.sweep != nil {
		c.sweep()
	}

	c.log.Info("control plane stopped scheduler", zap.String("mode", string(c.mode)))
	return errs
}

// stopOneMonitor calls mon.Stop() in isolation so a panicking or misbehaving
// monitor cannot prevent the rest of the stop sequence from running.
func stopOneMonitor(mon Stopper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("auxiliary monitor panicked during stop: %v", r)
		}
	}()
	mon.Stop()
	return nil
}

// HandleCommand applies the idempotent-replay rule: a command id already
// present in the history is a no-op success, not a re-execution.
func (c *ControlPlane) HandleCommand(ctx context.Context, id string, cmd Command) error {
	if c.history != nil {
		if c.history.Seen(id) {
			c.log.Debug("ignoring already-executed command", zap.String("command_id", id))
			return nil
		}
	}

	var err error
	switch cmd {
	case CommandStart:
		err = c.Start(ctx)
	case CommandStop:
		err = c.Stop(ctx)
	case CommandReconfigure:
		// Configuration is immutable after load; reconfiguring destroys and
		// recreates the scheduler rather than mutating it in place.
		if stopErr := c.Stop(ctx); stopErr != nil {
			c.log.Warn("reconfigure: stop phase reported errors", zap.Error(stopErr))
		}
		err = c.Start(ctx)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		return err
	}

	if c.history != nil {
		if _, recErr := c.history.Record(id); recErr != nil {
			c.log.Warn("failed to persist command history", zap.Error(recErr))
		}
	}
	return nil
}

// Command is the set of remote control verbs the heartbeat endpoint accepts.
type Command string

const (
	CommandStart       Command = "start"
	CommandStop        Command = "stop"
	CommandReconfigure Command = "reconfigure"
)
