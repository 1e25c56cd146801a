// Package systemprofiler implements a long-lived `perf record` session
// with rotating output files, a streaming `perf script` parser, and a
// memory/age-based restart policy.
package systemprofiler

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/granulate/gprofiler-go/internal/model"
)

// sampleHeaderRe matches a perf-script sample header, e.g.
//
//	java  1234 [003] 99999.999999: cpu-clock:
//
// Group 1 is the comm, group 2 the PID (the TID after a trailing "/NNN" is
// discarded — profiling is PID-scoped).
var sampleHeaderRe = regexp.MustCompile(`^(\S+)\s+(\d+)(?:/\d+)?\s+(?:\[\d+\]\s+)?[\d.]+:\s+\S+:?`)

// frameLineRe matches one stack frame line, e.g.
//
//	ffffffff81012345 some_kernel_func+0x10 ([kernel.kallsyms])
//	00007f1234567890 some_user_func+0x20 (/lib/x86_64-linux-gnu/libc.so.6)
var frameLineRe = regexp.MustCompile(`^\s+[0-9a-fA-F]+\s+(.+?)\s+\(([^)]*)\)\s*$`)

// ParseStream reads perf-script text from r one sample at a time, adding
// each completed sample to table as soon as its terminating blank line is
// seen, then discarding its line buffer. Peak working set is therefore
// bounded by the size of the single largest sample, never by len(r).
//
// pidFilter, when non-nil, restricts emitted samples to the given PID set
// (the `processes_to_profile` explicit-PID case); nil means no filtering.
func ParseStream(r io.Reader, table *model.StackSampleTable, pidFilter map[int]struct{}) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		havePID bool
		pid     int
		frames  model.StackFingerprint
	)

	flush := func() {
		if !havePID || len(frames) == 0 {
			havePID, pid, frames = false, 0, nil
			return
		}
		if pidFilter != nil {
			if _, ok := pidFilter[pid]; !ok {
				havePID, pid, frames = false, 0, nil
				return
			}
		}
		// perf-script prints leaf-first; reverse to root-first so the
		// collapsed format's frame order matches the runtime drivers'.
		reversed := make(model.StackFingerprint, len(frames))
		for i, f := range frames {
			reversed[len(frames)-1-i] = f
		}
		table.Add(pid, reversed, 1)
		havePID, pid, frames = false, 0, nil
	}

	for scanner.Scan() {
		line := scanner.Text()

		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}

		if m := sampleHeaderRe.FindStringSubmatch(line); m != nil {
			flush() // a malformed stream may be missing the blank separator
			p, err := strconv.Atoi(m[2])
			if err != nil {
				continue
			}
			havePID, pid, frames = true, p, frames[:0]
			continue
		}

		if m := frameLineRe.FindStringSubmatch(line); m != nil && havePID {
			symbol, module := m[1], m[2]
			frame := model.Frame{Symbol: symbol}
			if strings.Contains(module, "kernel") || strings.HasSuffix(symbol, "_[k]") {
				frame.Suffix = model.SuffixKernel
			}
			frames = append(frames, frame)
		}
	}
	flush()

	return scanner.Err()
}
