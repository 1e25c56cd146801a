package systemprofiler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/granulate/gprofiler-go/internal/common/logger"
	"github.com/granulate/gprofiler-go/internal/model"
	"github.com/granulate/gprofiler-go/internal/supervisor"
)

// ScopeTarget pins perf to a set of cgroup paths (top-N by CPU usage, or
// top-N docker container cgroups) instead of system-wide capture. A nil
// Scope, or one with no cgroup paths, records system-wide with -a.
type ScopeTarget struct {
	CgroupPaths []string
}

// Config configures one standing perf session.
type Config struct {
	Mode                model.PerfMode
	FrequencyHz         int
	OutputDir           string
	RestartAfterSec     int
	MemCapBytes         int64
	SkipAboveProcessCnt int
	RotatedFilesToKeep  int
	SnapshotDuration    time.Duration // configured -d duration; drives the rotation timer
	Scope               *ScopeTarget  // nil = system-wide
	ExplicitPIDFilter   map[int]struct{}
}

// perfEventCandidates are tried in order at Start. The empty string means
// "omit -e", letting perf pick its default hardware cpu-cycles event.
// cpu-clock and task-clock are software events available even where the
// host restricts access to hardware performance counters (common in
// virtualized and some containerized environments), so discovery falls
// back to them before giving up.
var perfEventCandidates = []string{"", "cpu-clock", "task-clock"}

// probeWindow bounds how long Start waits for a just-spawned perf record
// to prove it didn't fail immediately on an unsupported event.
const probeWindow = 300 * time.Millisecond

// Session owns one long-lived `perf record` child plus its rotating output
// files. Only Snapshot and Stop may touch the underlying child.
type Session struct {
	cfg   Config
	sup   *supervisor.Supervisor
	log   *logger.Logger
	state model.PerfSessionState

	handle      *supervisor.Handle
	switchEvery time.Duration
	consumed    map[string]struct{}

	perfBinary string // overridable in tests; defaults to "perf"
}

// NewSession builds a Session without starting it; perf event-type
// discovery and the actual `perf record` invocation happen in Start, which
// is deferred to control-plane `start` handling, never to a constructor.
func NewSession(cfg Config, sup *supervisor.Supervisor, log *logger.Logger) *Session {
	return &Session{
		cfg:        cfg,
		sup:        sup,
		log:        log.WithDriver("perf"),
		consumed:   make(map[string]struct{}),
		perfBinary: "perf",
		state: model.PerfSessionState{
			Mode:            cfg.Mode,
			OutputDir:       cfg.OutputDir,
			RestartAfterSec: cfg.RestartAfterSec,
			MemCapBytes:     cfg.MemCapBytes,
		},
	}
}

// Start picks a supported perf event via discovery and launches `perf
// record`, gated by skip_system_profilers_above. The gate is checked here,
// at start time, since the child cannot be cancelled cheaply once running.
func (s *Session) Start(ctx context.Context, hostProcessCount int) error {
	if s.cfg.Mode == model.PerfModeDisabled {
		return nil
	}
	if s.cfg.SkipAboveProcessCnt > 0 && hostProcessCount > s.cfg.SkipAboveProcessCnt {
		s.log.Warn("host process count exceeds skip_system_profilers_above, suppressing perf start",
			zap.Int("count", hostProcessCount), zap.Int("threshold", s.cfg.SkipAboveProcessCnt))
		return nil
	}

	if err := os.MkdirAll(s.cfg.OutputDir, 0o755); err != nil {
		return model.NewDriverError(model.ErrSpawnFailed, "create perf output dir", err)
	}

	freq := s.cfg.FrequencyHz
	if freq <= 0 {
		freq = 11
	}
	s.switchEvery = switchEveryFor(freq, s.cfg.SnapshotDuration, s.cfg.RestartAfterSec)

	h, event, err := s.discoverAndSpawn(ctx, freq)
	if err != nil {
		return err
	}
	s.handle = h
	s.state.LastRestartWall = time.Now()
	s.log.Info("perf record started", zap.String("event", event))
	return nil
}

// discoverAndSpawn tries every candidate event in order, keeping the first
// one whose `perf record` child survives the probe window. A candidate
// that exits within the window is assumed unsupported on this host (no
// PMU access, restricted kernel, or similar) and the next one is tried.
// ErrPerfNoSupportedEvt is returned once every candidate has failed.
func (s *Session) discoverAndSpawn(ctx context.Context, freq int) (*supervisor.Handle, string, error) {
	var lastErr error
	for _, event := range perfEventCandidates {
		argv := s.buildRecordArgv(freq, event)
		h, err := s.sup.Spawn(ctx, argv, supervisor.PipePolicy{})
		if err != nil {
			lastErr = err
			continue
		}

		exited, probeErr := s.sup.Probe(h, probeWindow)
		if !exited {
			return h, event, nil
		}
		s.log.Debug("perf event unsupported, trying next candidate",
			zap.String("event", event), zap.Error(probeErr))
		lastErr = probeErr
	}
	return nil, "", model.NewDriverError(model.ErrPerfNoSupportedEvt, "no supported perf event on this host", lastErr)
}

func (s *Session) buildRecordArgv(freq int, event string) []string {
	binary := s.perfBinary
	if binary == "" {
		binary = "perf"
	}
	argv := []string{binary, "record", "-F", fmt.Sprint(freq), "-o", filepath.Join(s.cfg.OutputDir, "perf.data")}

	if event != "" {
		argv = append(argv, "-e", event)
	}

	switch s.cfg.Mode {
	case model.PerfModeDWARF:
		argv = append(argv, "--call-graph", "dwarf")
	case model.PerfModeSmart:
		argv = append(argv, "--call-graph", "dwarf,fp")
	default: // fp
		argv = append(argv, "--call-graph", "fp")
	}

	if s.cfg.Scope != nil && len(s.cfg.Scope.CgroupPaths) > 0 {
		for _, p := range s.cfg.Scope.CgroupPaths {
			argv = append(argv, "-G", p)
		}
	} else {
		argv = append(argv, "-a") // system-wide
	}

	argv = append(argv, fmt.Sprintf("--switch-output=%ds", int(s.switchEvery.Seconds())))
	return argv
}

// switchEveryFor implements "switch_every_s = duration*1.5 when frequency
// <= 11Hz, else duration*3" against the configured snapshot duration. A
// zero duration (unconfigured) falls back to restartAfterSec scaled down
// by the same factor the duration normally would be.
func switchEveryFor(freq int, duration time.Duration, restartAfterSec int) time.Duration {
	base := duration
	if base <= 0 {
		base = time.Duration(restartAfterSec) * time.Second / 10
	}
	if freq <= 11 {
		return time.Duration(float64(base) * 1.5)
	}
	return time.Duration(float64(base) * 3)
}

// Snapshot waits for the next rotated file (bounded by duration), parses it
// via a streaming `perf script` invocation, classifies frames, and applies
// the restart policy. Segfaults in either perf binary yield an empty table
// with a warning rather than propagating.
func (s *Session) Snapshot(ctx context.Context, duration time.Duration) (*model.StackSampleTable, error) {
	table := model.NewStackSampleTable()
	if s.handle == nil {
		return table, nil // session not started (disabled or gated at start)
	}

	waitCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()
	file, ok := s.waitForRotatedFile(waitCtx)
	if !ok {
		return table, nil
	}

	if err := s.readAndParse(ctx, file, table); err != nil {
		if isSegfault(err) {
			s.log.Warn("perf script exited via segfault, returning empty table for this cycle", zap.Error(err))
			return model.NewStackSampleTable(), nil
		}
		return table, err
	}

	s.consumed[file] = struct{}{}
	s.pruneRotatedFiles()

	if s.needsRestart() {
		if err := s.restart(ctx); err != nil {
			s.log.Warn("perf restart failed", zap.Error(err))
		}
	}
	return table, nil
}

// waitForRotatedFile polls the output directory for the most recently
// closed (i.e. not the currently-open) rotation file not yet consumed.
func (s *Session) waitForRotatedFile(ctx context.Context) (string, bool) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if f, ok := s.newestUnconsumed(); ok {
			return f, true
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-ticker.C:
		}
	}
}

func (s *Session) newestUnconsumed() (string, bool) {
	entries, err := os.ReadDir(s.cfg.OutputDir)
	if err != nil {
		return "", false
	}
	var candidates []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "perf.data.") { // rotated files carry a timestamp suffix; the live file has none
			continue
		}
		if _, done := s.consumed[name]; done {
			continue
		}
		candidates = append(candidates, name)
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Strings(candidates)
	return candidates[len(candidates)-1], true
}

func (s *Session) readAndParse(ctx context.Context, file string, table *model.StackSampleTable) error {
	binary := s.perfBinary
	if binary == "" {
		binary = "perf"
	}
	full := filepath.Join(s.cfg.OutputDir, file)
	argv := []string{binary, "script", "-i", full}
	h, err := s.sup.Spawn(ctx, argv, supervisor.PipePolicy{Stdout: true})
	if err != nil {
		return model.NewDriverError(model.ErrSpawnFailed, "perf script spawn", err)
	}

	// ParseStream consumes h.Stdout() directly, one sample at a time, so the
	// text is never materialized in full. Wait then only reaps the child and
	// surfaces its exit status.
	parseErr := ParseStream(h.Stdout(), table, s.cfg.ExplicitPIDFilter)
	waitErr := s.sup.Wait(ctx, h)
	if waitErr != nil && isSegfault(waitErr) {
		return waitErr
	}
	return parseErr
}

// needsRestart reports whether the restart policy's age or memory cap has
// been exceeded.
func (s *Session) needsRestart() bool {
	if s.cfg.RestartAfterSec > 0 && time.Since(s.state.LastRestartWall) > time.Duration(s.cfg.RestartAfterSec)*time.Second {
		return true
	}
	if s.cfg.MemCapBytes > 0 {
		if rss, err := s.processRSSBytes(); err == nil && rss > s.cfg.MemCapBytes {
			return true
		}
	}
	return false
}

func (s *Session) processRSSBytes() (int64, error) {
	if s.handle == nil {
		return 0, fmt.Errorf("no active session")
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", s.handle.PID()))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed statm")
	}
	var rssPages int64
	if _, err := fmt.Sscanf(fields[1], "%d", &rssPages); err != nil {
		return 0, err
	}
	return rssPages * int64(os.Getpagesize()), nil
}

func (s *Session) restart(ctx context.Context) error {
	s.Stop()
	return s.Start(ctx, 0)
}

// pruneRotatedFiles deletes consumed rotation files beyond the configured
// retention count, oldest first, so output_dir holds at most k rotated
// files.
func (s *Session) pruneRotatedFiles() {
	keep := s.cfg.RotatedFilesToKeep
	if keep <= 0 {
		keep = 3
	}
	var names []string
	for name := range s.consumed {
		names = append(names, name)
	}
	sort.Strings(names)
	for len(names) > keep {
		victim := names[0]
		names = names[1:]
		_ = os.Remove(filepath.Join(s.cfg.OutputDir, victim))
		delete(s.consumed, victim)
	}
}

// Stop terminates the standing perf record child. Idempotent.
func (s *Session) Stop() {
	if s.handle == nil {
		return
	}
	s.sup.Stop(s.handle)
	s.handle = nil
}

// isSegfault reports whether err represents perf exiting via SIGSEGV, which
// is documented to happen on some GPU hosts and must not propagate as a
// driver failure.
func isSegfault(err error) bool {
	de, ok := err.(*model.DriverError)
	if !ok || de.Err == nil {
		return false
	}
	msg := de.Err.Error()
	return strings.Contains(msg, "segmentation") || strings.Contains(msg, "signal: segmentation fault")
}
