// Package merger combines each enabled runtime driver's per-PID stack
// tables with the system profiler's table into one flat collapsed-stack
// text stream, scaling runtime sample volume to match system-wide CPU
// weight where both are available.
package merger

import (
	"math"
	"sort"
	"time"

	"github.com/granulate/gprofiler-go/internal/model"
	"github.com/granulate/gprofiler-go/pkg/collapsed"
)

// RuntimeTables maps each enabled runtime driver's name to its snapshot
// table for one cycle.
type RuntimeTables map[string]*model.StackSampleTable

// Meta carries the run/cycle identifying fields the merged stream's header
// comment line must contain. AgentVersion is supplied by the caller so
// this package stays independent of build metadata.
type Meta struct {
	RunID        string
	CycleID      string
	AgentVersion string
	StartWall    time.Time
	EndWall      time.Time
}

// Merge combines runtimeTables and systemTable into one collapsed-stack
// text stream.
//
// For every PID present in any runtime table, that table is authoritative:
// its counts are scaled by ratio = sum(system[pid]) / sum(runtime[pid])
// (rounded to nearest, minimum 1 per stack) when perfEnabled and both
// sides are non-zero. Every PID present only in systemTable is emitted
// verbatim. When !perfEnabled (the system profiler is disabled), runtime
// tables are emitted unscaled — in this perf-less mode, comparability
// across runtimes within a cycle is not guaranteed.
//
// Iteration order is sorted (driver name, then PID, then stack key) so
// equivalent inputs always produce byte-identical output.
func Merge(meta Meta, runtimeTables RuntimeTables, systemTable *model.StackSampleTable, processes map[int]model.ProcessRecord, perfEnabled bool) (string, error) {
	w := collapsed.NewWriter()

	apps, idxByPID := buildAppIndex(runtimeTables, systemTable, processes)
	if err := w.WriteHeader(collapsed.Header{
		RunID:        meta.RunID,
		CycleID:      meta.CycleID,
		AgentVersion: meta.AgentVersion,
		StartWall:    meta.StartWall,
		EndWall:      meta.EndWall,
		Apps:         apps,
	}); err != nil {
		return "", err
	}

	driverNames := make([]string, 0, len(runtimeTables))
	for name := range runtimeTables {
		driverNames = append(driverNames, name)
	}
	sort.Strings(driverNames)

	covered := make(map[int]struct{})
	for _, name := range driverNames {
		table := runtimeTables[name]
		if table == nil {
			continue
		}
		for _, pid := range sortedPIDs(table) {
			covered[pid] = struct{}{}
			ratio := scaleRatio(systemTable, table, pid, perfEnabled)
			emit(w, idxByPID[pid], processes[pid], table, pid, ratio)
		}
	}

	if systemTable != nil {
		for _, pid := range sortedPIDs(systemTable) {
			if _, ok := covered[pid]; ok {
				continue
			}
			emit(w, idxByPID[pid], processes[pid], systemTable, pid, 1)
		}
	}

	return w.String(), nil
}

// scaleRatio computes the PID-level scaling factor. A ratio of 1
// ("unscaled") applies whenever the system profiler is
// disabled, or either side has no samples for pid to compare against.
func scaleRatio(systemTable, runtimeTable *model.StackSampleTable, pid int, perfEnabled bool) float64 {
	if !perfEnabled || systemTable == nil {
		return 1
	}
	sysStacks, ok := systemTable.Counts[pid]
	if !ok {
		return 1
	}
	sysTotal := sysStacks.Total()
	runTotal := runtimeTable.Counts[pid].Total()
	if sysTotal == 0 || runTotal == 0 {
		return 1
	}
	return float64(sysTotal) / float64(runTotal)
}

// emit writes every stack recorded for pid in table, scaling each count by
// ratio and enforcing the "minimum 1, never 0" invariant: no stack line is
// ever emitted with count 0.
func emit(w *collapsed.Writer, idx int, proc model.ProcessRecord, table *model.StackSampleTable, pid int, ratio float64) {
	keys := make([]string, 0, len(table.Counts[pid]))
	for key := range table.Counts[pid] {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		count := table.Counts[pid][key]
		if count == 0 {
			continue
		}
		scaled := int64(math.Round(float64(count) * ratio))
		if scaled < 1 {
			scaled = 1
		}
		w.WriteLine(idx, proc.ContainerID, proc.Comm, proc.AppID, table.Fingerprints[pid][key], scaled)
	}
}

// buildAppIndex assigns each PID appearing in any table a stable index
// into the header's application-metadata array, in sorted-PID order, and
// resolves each one's metadata from processes (falling back to a PID-only
// entry when the enumerator no longer has a record for it — e.g. a PID
// that exited between enumeration and this driver's profiling window).
func buildAppIndex(runtimeTables RuntimeTables, systemTable *model.StackSampleTable, processes map[int]model.ProcessRecord) ([]collapsed.AppMetadata, map[int]int) {
	seen := make(map[int]struct{})
	for _, table := range runtimeTables {
		if table == nil {
			continue
		}
		for _, pid := range table.PIDs() {
			seen[pid] = struct{}{}
		}
	}
	if systemTable != nil {
		for _, pid := range systemTable.PIDs() {
			seen[pid] = struct{}{}
		}
	}

	pids := make([]int, 0, len(seen))
	for pid := range seen {
		pids = append(pids, pid)
	}
	sort.Ints(pids)

	apps := make([]collapsed.AppMetadata, len(pids))
	idxByPID := make(map[int]int, len(pids))
	for i, pid := range pids {
		proc := processes[pid]
		apps[i] = collapsed.AppMetadata{PID: pid, Comm: proc.Comm, Container: proc.ContainerID, AppID: proc.AppID}
		idxByPID[pid] = i
	}
	return apps, idxByPID
}

func sortedPIDs(table *model.StackSampleTable) []int {
	pids := table.PIDs()
	sort.Ints(pids)
	return pids
}
