package drivers

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/granulate/gprofiler-go/internal/common/logger"
	"github.com/granulate/gprofiler-go/internal/model"
	"github.com/granulate/gprofiler-go/internal/supervisor"
)

// stackCount pairs one parsed stack with its sample count, the unit every
// per-runtime profiler binary's folded-stack output is decomposed into.
type stackCount struct {
	Stack model.StackFingerprint
	Count int64
}

// parseCollapsedText parses the folded-stack format every wrapped profiler
// binary emits with --format/--output collapsed: one "frame1;frame2;...;frameN
// count" line per distinct stack, count space-separated from the frame list.
// suffix tags every frame with the driver's runtime marker so the merger
// and downstream flame-graph renderers can distinguish origins.
// Malformed lines (no parseable trailing count) are skipped rather than
// failing the whole profile — a single corrupt line must not drop an
// otherwise-valid cycle's data.
func parseCollapsedText(output string, suffix model.SuffixTag) []stackCount {
	var results []stackCount
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		stack, count, ok := parseFoldedLine(line, suffix)
		if !ok {
			continue
		}
		results = append(results, stackCount{Stack: stack, Count: count})
	}
	return results
}

// parseCollapsedTextByPID parses a system-wide folded-stack stream whose
// first frame segment is the sampled PID (PyPerf's eBPF output covers every
// python process in one session), grouping stacks by PID.
func parseCollapsedTextByPID(output string, suffix model.SuffixTag) map[int][]stackCount {
	byPID := make(map[int][]stackCount)
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, ';')
		if idx < 0 {
			continue
		}
		pid, err := strconv.Atoi(line[:idx])
		if err != nil {
			continue
		}
		stack, count, ok := parseFoldedLine(line[idx+1:], suffix)
		if !ok {
			continue
		}
		byPID[pid] = append(byPID[pid], stackCount{Stack: stack, Count: count})
	}
	return byPID
}

// parseFoldedLine splits one "frame;frame;...;frame count" line into its
// stack and count.
func parseFoldedLine(line string, suffix model.SuffixTag) (model.StackFingerprint, int64, bool) {
	sep := strings.LastIndexByte(line, ' ')
	if sep < 0 {
		return nil, 0, false
	}
	count, err := strconv.ParseInt(line[sep+1:], 10, 64)
	if err != nil {
		return nil, 0, false
	}
	frameNames := strings.Split(line[:sep], ";")
	stack := make(model.StackFingerprint, 0, len(frameNames))
	for _, name := range frameNames {
		if name == "" {
			continue
		}
		stack = append(stack, model.Frame{Symbol: name, Suffix: suffix})
	}
	if len(stack) == 0 {
		return nil, 0, false
	}
	return stack, count, true
}

// baseConfig holds the fields common to every per-runtime driver.
type baseConfig struct {
	runtime         model.RuntimeKind
	minProfilingAge time.Duration
	maxProcesses    int // 0 = unlimited
	maxWorkers      int
	grace           time.Duration
	sup             *supervisor.Supervisor
	log             *logger.Logger
}

// filterByRuntimeAndAge keeps only processes matching runtime that are also
// old enough to profile — the short-lived process policy applies here,
// never as a truncated-duration profile.
func filterByRuntimeAndAge(processes []model.ProcessRecord, runtime model.RuntimeKind, minAge time.Duration, now time.Time, log *logger.Logger) []model.ProcessRecord {
	out := make([]model.ProcessRecord, 0, len(processes))
	for _, p := range processes {
		if p.ClassifiedRuntime != runtime {
			continue
		}
		if p.Age(now) < minAge {
			if log != nil {
				log.Debug("skipping short-lived process, never truncated-duration profiled")
			}
			continue
		}
		out = append(out, p)
	}
	return out
}

// truncateTopNByRecentCPU truncates processes to at most n entries, keeping
// the highest CPU-usage ones first. This is applied as a PRE-filter, before
// profiling begins. cpuUsage is supplied by the caller since CPU accounting
// is read from /proc and varies per runtime driver's needs.
func truncateTopNByRecentCPU(processes []model.ProcessRecord, n int, cpuUsage func(pid int) float64) []model.ProcessRecord {
	if n <= 0 || len(processes) <= n {
		return processes
	}
	sorted := make([]model.ProcessRecord, len(processes))
	copy(sorted, processes)
	usage := make(map[int]float64, len(sorted))
	for _, p := range sorted {
		usage[p.PID] = cpuUsage(p.PID)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return usage[sorted[i].PID] > usage[sorted[j].PID]
	})
	return sorted[:n]
}

// procCPUTracker ranks processes by CPU consumed between two successive
// calls for the same PID, reading utime+stime (fields 14/15) from
// /proc/<pid>/stat the same way enumerator.readStartTime reads starttime
// (field 22) from the same file. A PID seen for the first time reports 0 —
// it only becomes rankable once a prior cycle's sample exists.
type procCPUTracker struct {
	procRoot string
	mu       sync.Mutex
	last     map[int]cpuSample
}

type cpuSample struct {
	ticks int64
	at    time.Time
}

func newProcCPUTracker(procRoot string) *procCPUTracker {
	return &procCPUTracker{procRoot: procRoot, last: make(map[int]cpuSample)}
}

// Fraction returns ticks of CPU time consumed per wall-clock second since
// the PID's previous sample (clock_ticks/sec, CLK_TCK=100 on Linux) — not a
// 0-1 fraction, but a monotonic ranking metric, which is all the top-N
// pre-filter needs.
func (c *procCPUTracker) Fraction(pid int) float64 {
	ticks, err := readProcCPUTicks(c.procRoot, pid)
	if err != nil {
		return 0
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.last[pid]
	c.last[pid] = cpuSample{ticks: ticks, at: now}
	if !ok {
		return 0
	}
	elapsed := now.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(ticks-prev.ticks) / elapsed
}

// readProcCPUTicks reads utime+stime (fields 14 and 15, 1-indexed) from
// /proc/<pid>/stat.
func readProcCPUTicks(procRoot string, pid int) (int64, error) {
	f, err := os.Open(filepath.Join(procRoot, strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, os.ErrInvalid
	}
	line := sc.Text()

	i := strings.LastIndex(line, ") ")
	if i < 0 {
		return 0, os.ErrInvalid
	}
	fields := strings.Fields(line[i+2:])
	// utime is field 14 overall, stime is field 15; 2 fields (pid, comm)
	// already consumed, so they're indices 11 and 12 in `fields`.
	const utimeIdx, stimeIdx = 11, 12
	if len(fields) <= stimeIdx {
		return 0, os.ErrInvalid
	}
	utime, err := strconv.ParseInt(fields[utimeIdx], 10, 64)
	if err != nil {
		return 0, err
	}
	stime, err := strconv.ParseInt(fields[stimeIdx], 10, 64)
	if err != nil {
		return 0, err
	}
	return utime + stime, nil
}

// defaultCPUTracker ranks processes for the top-N pre-filter across every
// driver instance in this process, so readings accumulate cycle over cycle
// regardless of which driver asks first.
var defaultCPUTracker = newProcCPUTracker("/proc")

// cpuUsageFraction is the top-N pre-filter's CPU-ranking function. Exposed
// as a var so tests can substitute deterministic values.
var cpuUsageFraction = defaultCPUTracker.Fraction

// fanOut runs fn(p) for every process with concurrency bounded by
// maxWorkers, merging each result's stacks into one combined table. A single
// process's failure never aborts the others — certain benign failures are
// turned into a synthetic single-frame error-stack instead. fn returns
// every distinct stack the profiler captured for that process, since a real
// profiling run collapses to many stacks of varying counts, not one.
func fanOut(ctx context.Context, processes []model.ProcessRecord, maxWorkers int, fn func(context.Context, model.ProcessRecord) ([]stackCount, error)) *model.StackSampleTable {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	sem := semaphore.NewWeighted(int64(maxWorkers))
	table := model.NewStackSampleTable()
	var mu sync.Mutex

	resultCh := make(chan struct {
		pid    int
		stacks []stackCount
	}, len(processes))

	var pending int
	for _, p := range processes {
		p := p
		if err := sem.Acquire(ctx, 1); err != nil {
			break // context cancelled; stop launching new work
		}
		pending++
		go func() {
			defer sem.Release(1)
			stacks, err := fn(ctx, p)
			if err != nil {
				stacks = []stackCount{{Stack: model.ErrorStack(err.Error()), Count: 1}}
			}
			resultCh <- struct {
				pid    int
				stacks []stackCount
			}{p.PID, stacks}
		}()
	}

	for i := 0; i < pending; i++ {
		r := <-resultCh
		mu.Lock()
		for _, sc := range r.stacks {
			table.Add(r.pid, sc.Stack, sc.Count)
		}
		mu.Unlock()
	}
	return table
}
