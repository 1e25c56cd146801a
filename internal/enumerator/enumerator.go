// Package enumerator implements a single-pass /proc scan that classifies
// every process's language runtime and filters out processes the pipeline
// must not profile this cycle.
package enumerator

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/granulate/gprofiler-go/internal/common/logger"
	"github.com/granulate/gprofiler-go/internal/model"
)

// Enumerator scans /proc and classifies each process's runtime.
type Enumerator struct {
	procRoot        string
	minProfilingAge time.Duration
	denylist        map[string]struct{}
	phpCommFilter   string
	log             *logger.Logger
	bootTime        time.Time
}

// New creates an Enumerator. procRoot is normally "/proc"; it is
// parameterized for testing.
func New(procRoot string, minProfilingAge time.Duration, denylist []string, phpCommFilter string, log *logger.Logger) *Enumerator {
	dl := make(map[string]struct{}, len(denylist))
	for _, d := range denylist {
		dl[d] = struct{}{}
	}
	return &Enumerator{
		procRoot:        procRoot,
		minProfilingAge: minProfilingAge,
		denylist:        dl,
		phpCommFilter:   phpCommFilter,
		log:             log,
		bootTime:        bootTime(procRoot),
	}
}

// Enumerate performs one finite scan of /proc and returns, as a fully
// built slice, every ProcessRecord that survives classification and
// validation; records are not produced lazily. It never errors: a failed
// scan simply yields an empty set.
func (e *Enumerator) Enumerate(now time.Time) []model.ProcessRecord {
	entries, err := os.ReadDir(e.procRoot)
	if err != nil {
		e.log.Warn("failed to read proc root, returning empty process set", zap.Error(err))
		return nil
	}

	records := make([]model.ProcessRecord, 0, len(entries))
	for _, ent := range entries {
		pid, err := strconv.Atoi(ent.Name())
		if err != nil {
			continue // not a PID directory
		}

		rec, ok := e.classifyOne(pid, now)
		if !ok {
			continue // process disappeared, permission denied, or filtered out
		}
		records = append(records, rec)
	}
	return records
}

// classifyOne reads one process's /proc files exactly once each and applies
// both the classification patterns and the second-pass validator.
func (e *Enumerator) classifyOne(pid int, now time.Time) (model.ProcessRecord, bool) {
	comm, err := e.readComm(pid)
	if err != nil {
		return model.ProcessRecord{}, false // disappeared mid-scan: silently skip
	}

	createTime, err := e.readStartTime(pid)
	if err != nil {
		return model.ProcessRecord{}, false
	}

	exePath, _ := e.readExe(pid) // missing exe (kernel thread, permission) tolerated
	cmdline, _ := e.readCmdline(pid)

	runtime := e.classifyRuntime(pid, comm, exePath)

	rec := model.ProcessRecord{
		PID:               pid,
		Comm:              comm,
		ExePath:           exePath,
		Cmdline:           cmdline,
		CreateTime:        createTime,
		ClassifiedRuntime: runtime,
	}

	if !e.validate(rec, now) {
		return model.ProcessRecord{}, false
	}
	return rec, true
}

// classifyRuntime applies the compiled pattern table to one process's
// /proc/<pid>/maps content (read once) plus its exe/comm. Embedded-runtime
// false positives are resolved afterwards, by validate via
// namesPythonPositively.
func (e *Enumerator) classifyRuntime(pid int, comm, exePath string) model.RuntimeKind {
	if dotnetExeRe.MatchString(exePath) {
		return model.RuntimeDotNet
	}
	if nodeExeRe.MatchString(filepath.Base(exePath)) {
		return model.RuntimeNodeJS
	}
	if rubyExeRe.MatchString(exePath) {
		return model.RuntimeRuby
	}
	if e.phpCommFilter != "" && strings.Contains(comm, e.phpCommFilter) {
		return model.RuntimePHP
	}

	mapsText, err := e.readMaps(pid)
	if err != nil {
		return model.RuntimeUnknown
	}

	if mapsSignals[0].pattern.MatchString(mapsText) { // java
		return model.RuntimeJava
	}
	if clrLibRe.MatchString(mapsText) {
		return model.RuntimeDotNet
	}
	if mapsSignals[1].pattern.MatchString(mapsText) { // python
		return model.RuntimePython
	}
	return model.RuntimeNative
}

// validate applies the second-pass rules: age filter, denylist, and
// embedded-runtime rejection.
func (e *Enumerator) validate(rec model.ProcessRecord, now time.Time) bool {
	if rec.Age(now) < e.minProfilingAge {
		e.log.Debug("skipping short-lived process", zap.Int("pid", rec.PID))
		return false
	}

	base := filepath.Base(rec.ExePath)
	if base == "" {
		base = rec.Comm
	}
	if _, denied := e.denylist[base]; denied {
		return false
	}
	if _, denied := e.denylist[rec.Comm]; denied {
		return false
	}

	if rec.ClassifiedRuntime == model.RuntimePython && !e.namesPythonPositively(rec) {
		e.log.Debug("embedded python runtime without positive identification", zap.Int("pid", rec.PID))
		return false
	}
	return true
}

// namesPythonPositively returns true only when the executable's basename
// or the basename of a cmdline argument starts with "python", rejecting
// embedded-runtime false positives such as a proxy that merely links
// libpython. The maps content is not consulted here, so a process whose
// exe and cmdline do not name python is rejected even if its maps hold
// the interpreter binary itself.
func (e *Enumerator) namesPythonPositively(rec model.ProcessRecord) bool {
	base := filepath.Base(rec.ExePath)
	if strings.HasPrefix(base, "python") {
		return true
	}
	for _, arg := range rec.Cmdline {
		if strings.HasPrefix(filepath.Base(arg), "python") {
			return true
		}
	}
	return false
}

func (e *Enumerator) readComm(pid int) (string, error) {
	data, err := os.ReadFile(filepath.Join(e.procRoot, strconv.Itoa(pid), "comm"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (e *Enumerator) readExe(pid int) (string, error) {
	return os.Readlink(filepath.Join(e.procRoot, strconv.Itoa(pid), "exe"))
}

func (e *Enumerator) readCmdline(pid int) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(e.procRoot, strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return nil, err
	}
	parts := strings.Split(strings.TrimRight(string(data), "\x00"), "\x00")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func (e *Enumerator) readMaps(pid int) (string, error) {
	data, err := os.ReadFile(filepath.Join(e.procRoot, strconv.Itoa(pid), "maps"))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// readStartTime reads field 22 (starttime, in clock ticks since boot) from
// /proc/<pid>/stat and converts it to an absolute wall-clock time.
func (e *Enumerator) readStartTime(pid int) (time.Time, error) {
	f, err := os.Open(filepath.Join(e.procRoot, strconv.Itoa(pid), "stat"))
	if err != nil {
		return time.Time{}, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return time.Time{}, os.ErrInvalid
	}
	line := sc.Text()

	i := strings.LastIndex(line, ") ")
	if i < 0 {
		return time.Time{}, os.ErrInvalid
	}
	fields := strings.Fields(line[i+2:])
	// starttime is field 22 overall; 2 fields (pid, comm) already consumed,
	// so it's index 19 in `fields`.
	const startTimeIdx = 19
	if len(fields) <= startTimeIdx {
		return time.Time{}, os.ErrInvalid
	}
	ticks, err := strconv.ParseInt(fields[startTimeIdx], 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	clockTicksPerSec := int64(100)
	offset := time.Duration(ticks) * time.Second / time.Duration(clockTicksPerSec)
	return e.bootTime.Add(offset), nil
}

func bootTime(procRoot string) time.Time {
	data, err := os.ReadFile(filepath.Join(procRoot, "stat"))
	if err != nil {
		return time.Now()
	}
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 2 && fields[0] == "btime" {
			secs, err := strconv.ParseInt(fields[1], 10, 64)
			if err == nil {
				return time.Unix(secs, 0)
			}
		}
	}
	return time.Now()
}
