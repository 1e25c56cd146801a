package drivers

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/granulate/gprofiler-go/internal/common/logger"
	"github.com/granulate/gprofiler-go/internal/model"
	"github.com/granulate/gprofiler-go/internal/supervisor"
)

// PythonMode selects the composite driver's backend strategy.
type PythonMode string

const (
	PythonModeAuto     PythonMode = "auto"
	PythonModePyPerf   PythonMode = "pyperf"
	PythonModePySpy    PythonMode = "pyspy"
	PythonModeDisabled PythonMode = "disabled"
)

// PythonDriver is the composite Python profiler: a single system-wide eBPF
// session (PyPerf) or a per-process attach-based fallback (py-spy), never
// both at once.
//
// Selection rules:
//   - PyPerf requires x86_64; any other arch forces py-spy.
//   - mode=auto falls back to py-spy if PyPerf init fails, or if the
//     Python process count this cycle exceeds skipAboveN.
//   - mode=pyperf / mode=pyspy pin the backend; pyperf pinned on an
//     unsupported arch or skipAboveN breach disables Python for the cycle
//     rather than silently switching strategies.
type PythonDriver struct {
	mode         PythonMode
	skipAboveN   int
	maxProcesses int
	maxWorkers   int
	minAge       time.Duration
	grace        time.Duration
	frequencyHz  int
	sup          *supervisor.Supervisor
	log          *logger.Logger

	// lastBackend records which backend served the most recent snapshot,
	// for telemetry only — it never feeds back into selection.
	lastBackend string
}

func NewPythonDriver(mode PythonMode, skipAboveN, maxProcesses, maxWorkers, frequencyHz int, minAge, grace time.Duration, sup *supervisor.Supervisor, log *logger.Logger) *PythonDriver {
	return &PythonDriver{
		mode: mode, skipAboveN: skipAboveN, maxProcesses: maxProcesses,
		maxWorkers: maxWorkers, minAge: minAge, grace: grace, frequencyHz: frequencyHz,
		sup: sup, log: log.WithDriver("python"),
	}
}

func (d *PythonDriver) Name() string { return "python" }

// Select returns every eligible Python process; per-PID truncation only
// applies to the py-spy backend (PyPerf is one session for all of them).
func (d *PythonDriver) Select(processes []model.ProcessRecord) []model.ProcessRecord {
	if d.mode == PythonModeDisabled {
		return nil
	}
	return filterByRuntimeAndAge(processes, model.RuntimePython, d.minAge, time.Now(), d.log)
}

func (d *PythonDriver) Snapshot(ctx context.Context, processes []model.ProcessRecord, duration time.Duration) (*model.StackSampleTable, error) {
	if d.mode == PythonModeDisabled {
		return model.NewStackSampleTable(), nil
	}
	targets := d.Select(processes)
	if len(targets) == 0 {
		return model.NewStackSampleTable(), nil
	}

	backend := d.chooseBackend(len(targets))
	d.lastBackend = backend
	d.log.Debug("python backend selected for cycle", zap.String("backend", backend), zap.Int("candidates", len(targets)))

	switch backend {
	case "pyperf":
		return d.snapshotPyPerf(ctx, targets, duration)
	case "pyspy":
		return d.snapshotPySpy(ctx, targets, duration)
	default:
		return model.NewStackSampleTable(), nil
	}
}

// chooseBackend implements the strict mutual-exclusion selection rules.
// Exactly one backend name ("pyperf", "pyspy") or "" (disabled for the
// cycle) is returned — never both.
func (d *PythonDriver) chooseBackend(candidateCount int) string {
	archSupportsEBPF := runtime.GOARCH == "amd64"

	switch d.mode {
	case PythonModePySpy:
		return "pyspy"
	case PythonModePyPerf:
		if !archSupportsEBPF {
			d.log.Warn("pyperf pinned but arch unsupported, disabling python for cycle")
			return ""
		}
		if d.skipAboveN > 0 && candidateCount > d.skipAboveN {
			d.log.Warn("pyperf pinned but process count exceeds skip-above threshold, disabling python for cycle")
			return ""
		}
		return "pyperf"
	case PythonModeAuto:
		if !archSupportsEBPF {
			return "pyspy"
		}
		if d.skipAboveN > 0 && candidateCount > d.skipAboveN {
			return "pyspy"
		}
		return "pyperf"
	default:
		return ""
	}
}

// snapshotPyPerf runs one system-wide eBPF session covering every candidate
// PID in a single invocation. Post-filtering by PID happens after parsing
// since the profiler itself is system-wide.
func (d *PythonDriver) snapshotPyPerf(ctx context.Context, targets []model.ProcessRecord, duration time.Duration) (*model.StackSampleTable, error) {
	table := model.NewStackSampleTable()
	argv := []string{"PyPerf", "--frequency", fmt.Sprint(d.effectiveFrequency()), "--duration", fmt.Sprint(int(duration.Seconds())), "--output", "collapsed"}
	h, err := d.sup.Spawn(ctx, argv, supervisor.PipePolicy{Stdout: true, Stderr: true})
	if err != nil {
		// init failure: mode=auto already chose pyperf believing it viable;
		// an inability to even spawn it falls back to py-spy for this cycle.
		if d.mode == PythonModeAuto {
			d.log.Warn("pyperf init failed, falling back to py-spy for this cycle", zap.Error(err))
			return d.snapshotPySpy(ctx, targets, duration)
		}
		return table, model.NewDriverError(model.ErrSpawnFailed, "pyperf spawn", err)
	}
	_, stdout, _, err := d.sup.Await(ctx, h, duration+d.grace)
	if err != nil {
		if d.mode == PythonModeAuto {
			d.log.Warn("pyperf session failed, falling back to py-spy for this cycle", zap.Error(err))
			return d.snapshotPySpy(ctx, targets, duration)
		}
		return table, err
	}
	// PyPerf emits one collapsed stream covering every PID on the host,
	// prefixed per-line with the sampled PID; post-filter down to this
	// cycle's candidate set since the session itself is system-wide.
	wanted := make(map[int]struct{}, len(targets))
	for _, p := range targets {
		wanted[p.PID] = struct{}{}
	}
	for pid, stacks := range parseCollapsedTextByPID(stdout, model.SuffixPython) {
		if _, ok := wanted[pid]; !ok {
			continue
		}
		for _, sc := range stacks {
			table.Add(pid, sc.Stack, sc.Count)
		}
	}
	return table, nil
}

// snapshotPySpy attaches once per PID, pre-filtered top-N by recent CPU
// since py-spy is per-process.
func (d *PythonDriver) snapshotPySpy(ctx context.Context, targets []model.ProcessRecord, duration time.Duration) (*model.StackSampleTable, error) {
	selected := truncateTopNByRecentCPU(targets, d.maxProcesses, cpuUsageFraction)
	return fanOut(ctx, selected, d.maxWorkers, func(ctx context.Context, p model.ProcessRecord) ([]stackCount, error) {
		return d.profilePySpy(ctx, p, duration)
	}), nil
}

func (d *PythonDriver) profilePySpy(ctx context.Context, p model.ProcessRecord, duration time.Duration) ([]stackCount, error) {
	argv := []string{
		"py-spy", "record",
		"--pid", fmt.Sprint(p.PID),
		"--rate", fmt.Sprint(d.effectiveFrequency()),
		"--duration", fmt.Sprint(int(duration.Seconds())),
		"--format", "collapsed",
	}
	h, err := d.sup.Spawn(ctx, argv, supervisor.PipePolicy{Stdout: true, Stderr: true})
	if err != nil {
		return nil, model.NewDriverError(model.ErrSpawnFailed, "py-spy spawn", err)
	}
	_, stdout, _, err := d.sup.Await(ctx, h, duration+d.grace)
	if err != nil {
		return nil, err
	}
	return parseCollapsedText(stdout, model.SuffixPython), nil
}

func (d *PythonDriver) effectiveFrequency() int {
	if d.frequencyHz <= 0 {
		return 11
	}
	return d.frequencyHz
}
