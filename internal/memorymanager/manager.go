// Package memorymanager implements completed-subprocess reaping,
// merged-snapshot release, command-history trimming, and a structured
// event per sweep. It is invoked after every snapshot cycle and after
// every control-plane stop, and additionally on a timer when resident
// memory crosses the configured high-water mark.
package memorymanager

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/granulate/gprofiler-go/internal/common/logger"
	"github.com/granulate/gprofiler-go/internal/supervisor"
	"github.com/granulate/gprofiler-go/internal/telemetry"
)

// Trimmer bounds a persisted history to some fixed size, evicting oldest
// entries first. Satisfied by *controlplane.CommandHistory; declared
// locally so this package does not depend on controlplane.
type Trimmer interface {
	Trim() error
}

// Result summarizes one Sweep pass for logging and the structured
// telemetry event.
type Result struct {
	PipesBefore  int
	PipesAfter   int
	HandlesFreed int
}

// Manager performs the reap/release/trim/emit sweep operations.
type Manager struct {
	sup           *supervisor.Supervisor
	history       Trimmer
	bus           telemetry.EventBus
	log           *logger.Logger
	highWaterMB   int
	checkInterval time.Duration
}

// New builds a Manager. history may be nil (no command-history trimming,
// e.g. continuous mode with no control endpoint). bus may be nil (no
// telemetry backend configured).
func New(sup *supervisor.Supervisor, history Trimmer, bus telemetry.EventBus, highWaterMB int, log *logger.Logger) *Manager {
	return &Manager{
		sup:           sup,
		history:       history,
		bus:           bus,
		log:           log.WithFields(zap.String("component", "memorymanager")),
		highWaterMB:   highWaterMB,
		checkInterval: 10 * time.Second,
	}
}

// Sweep reaps completed subprocesses, trims the command history, and
// emits a structured event. Safe to call repeatedly; every step is
// idempotent since it is itself part of the control plane's stop
// sequence.
func (m *Manager) Sweep(ctx context.Context) Result {
	before := m.sup.LiveCount()
	stats := m.sup.ReapAllCompleted()
	after := m.sup.LiveCount()

	if m.history != nil {
		if err := m.history.Trim(); err != nil {
			m.log.Warn("failed to trim command history", zap.Error(err))
		}
	}

	result := Result{PipesBefore: before * pipesPerHandle, PipesAfter: after * pipesPerHandle, HandlesFreed: stats.Reaped}

	if m.bus != nil {
		evt := telemetry.NewEvent("memory.swept", "memorymanager", map[string]interface{}{
			"pipes_before":  result.PipesBefore,
			"pipes_after":   result.PipesAfter,
			"handles_freed": result.HandlesFreed,
		})
		if err := m.bus.Publish(ctx, "memory.swept", evt); err != nil {
			m.log.Debug("failed to publish sweep event", zap.Error(err))
		}
	}

	m.log.Debug("memory sweep complete",
		zap.Int("scanned", stats.Scanned), zap.Int("handles_freed", result.HandlesFreed))
	return result
}

// pipesPerHandle is the per-subprocess pipe count the sweep reclaims:
// stdin, stdout, stderr.
const pipesPerHandle = 3

// ReleaseSnapshot drops the caller's reference to a merged collapsed-text
// snapshot after handoff to the uploader, so the backing string is
// eligible for GC rather than held until the next cycle's snapshot
// variable is reassigned.
func ReleaseSnapshot(snapshot *string) {
	*snapshot = ""
}

// RunHighWaterLoop polls the orchestrator's own resident memory every
// checkInterval and triggers a Sweep whenever it crosses highWaterMB. It
// returns when ctx is cancelled. A highWaterMB of 0 disables the check
// entirely — the loop still returns promptly, emitting nothing.
func (m *Manager) RunHighWaterLoop(ctx context.Context) {
	if m.highWaterMB <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rss, err := selfRSSBytes()
			if err != nil {
				m.log.Debug("failed to read resident memory", zap.Error(err))
				continue
			}
			if rss > int64(m.highWaterMB)*1024*1024 {
				m.log.Info("resident memory crossed high-water mark, sweeping", zap.Int64("rss_bytes", rss), zap.Int("high_water_mb", m.highWaterMB))
				m.Sweep(ctx)
			}
		}
	}
}

// selfRSSBytes reads the orchestrator's own resident set size from
// /proc/self/statm, mirroring systemprofiler.Session's RSS check for its
// child perf process.
func selfRSSBytes() (int64, error) {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed statm")
	}
	rssPages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, err
	}
	return rssPages * int64(os.Getpagesize()), nil
}
