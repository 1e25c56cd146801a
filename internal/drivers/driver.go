// Package drivers implements the per-runtime profiler drivers: one adapter
// per language runtime, each selecting its targets, invoking an external
// profiler binary through the supervisor, and returning a parsed per-PID
// stack sample table.
package drivers

import (
	"context"
	"time"

	"github.com/granulate/gprofiler-go/internal/model"
)

// Driver is the capability set every runtime profiler adapter implements.
// There is no inheritance hierarchy — dynamic dispatch across runtimes is
// a tagged slice of this interface.
type Driver interface {
	// Name identifies the driver for logging/telemetry.
	Name() string

	// Select filters processes by runtime match and min-profiling-duration,
	// then truncates to a top-N cap BEFORE profiling begins.
	Select(processes []model.ProcessRecord) []model.ProcessRecord

	// Snapshot drives Select and a bounded-concurrency fan-out over the
	// driver's per-process profiling, returning one merged table.
	Snapshot(ctx context.Context, processes []model.ProcessRecord, duration time.Duration) (*model.StackSampleTable, error)
}
