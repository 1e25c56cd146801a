//go:build linux

// Package cgroup detects the host's cgroup hierarchy version and resolves
// per-process cgroup paths, used by the system profiler driver's optional
// cgroup/container scoping.
package cgroup

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Version identifies which cgroup hierarchy (or hierarchies) are mounted.
type Version int

const (
	Unsupported Version = iota
	V1
	V2
	Hybrid
)

func (v Version) String() string {
	switch v {
	case V1:
		return "cgroup v1"
	case V2:
		return "cgroup v2"
	case Hybrid:
		return "cgroup hybrid"
	default:
		return "unsupported"
	}
}

// Detect parses /proc/self/mountinfo to find mounted cgroup filesystems and
// reports which version(s) are present.
func Detect() (Version, string, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return Unsupported, "", fmt.Errorf("open mountinfo: %w", err)
	}
	defer f.Close()

	var (
		hasV1, hasV2 bool
		v1Pts, v2Pts []string
		sc           = bufio.NewScanner(f)
	)
	for sc.Scan() {
		line := sc.Text()
		sep := " - "
		i := strings.LastIndex(line, sep)
		if i < 0 {
			continue
		}
		tail := line[i+len(sep):]
		fields := strings.Fields(tail)
		if len(fields) < 1 {
			continue
		}
		fstype := fields[0]

		pre := strings.Fields(line[:i])
		if len(pre) < 5 {
			continue
		}
		mountPoint := pre[4]

		switch fstype {
		case "cgroup2":
			hasV2 = true
			v2Pts = append(v2Pts, mountPoint)
		case "cgroup":
			hasV1 = true
			v1Pts = append(v1Pts, mountPoint)
		}
	}
	if err := sc.Err(); err != nil {
		return Unsupported, "", fmt.Errorf("scan mountinfo: %w", err)
	}

	switch {
	case hasV1 && hasV2:
		return Hybrid, fmt.Sprintf("cgroup2 on %v; cgroup v1 on %v", v2Pts, v1Pts), nil
	case hasV2:
		return V2, fmt.Sprintf("cgroup2 on %v", v2Pts), nil
	case hasV1:
		return V1, fmt.Sprintf("cgroup v1 on %v", v1Pts), nil
	default:
		return Unsupported, "no cgroup mounts found", nil
	}
}

// PathFor resolves the cgroup path of pid from /proc/<pid>/cgroup. For v2 it
// returns the single unified path; for v1 it returns the "cpu" controller's
// path (falling back to the first entry if no cpu controller line exists).
func PathFor(pid int, version Version) (string, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return "", err
	}
	defer f.Close()

	var fallback string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// format: hierarchy-ID:controller-list:cgroup-path
		line := sc.Text()
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		if fallback == "" {
			fallback = parts[2]
		}
		if version == V2 && parts[0] == "0" && parts[1] == "" {
			return parts[2], nil
		}
		for _, c := range strings.Split(parts[1], ",") {
			if c == "cpu" || c == "cpu,cpuacct" {
				return parts[2], nil
			}
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	if fallback == "" {
		return "", fmt.Errorf("no cgroup entry for pid %d", pid)
	}
	return fallback, nil
}

// ContainerIDFromCgroupPath extracts a best-effort container id from a
// cgroup path produced by common container runtimes (docker, containerd,
// cri-o all embed a 64-hex-char id as one path segment).
func ContainerIDFromCgroupPath(path string) string {
	for _, seg := range strings.Split(path, "/") {
		seg = strings.TrimSuffix(seg, ".scope")
		if idx := strings.LastIndex(seg, "-"); idx >= 0 {
			seg = seg[idx+1:]
		}
		if len(seg) >= 12 && isHex(seg) {
			if len(seg) > 12 {
				seg = seg[:12]
			}
			return seg
		}
	}
	return ""
}

func isHex(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return len(s) > 0
}

// CPUUsageNanos reads cumulative CPU usage in nanoseconds for the cgroup at
// path, using cpu.stat (v2) or cpuacct.usage (v1).
func CPUUsageNanos(mountRoot, path string, version Version) (int64, error) {
	switch version {
	case V2:
		data, err := os.ReadFile(mountRoot + path + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		sc := bufio.NewScanner(strings.NewReader(string(data)))
		for sc.Scan() {
			fields := strings.Fields(sc.Text())
			if len(fields) == 2 && fields[0] == "usage_usec" {
				usec, err := strconv.ParseInt(fields[1], 10, 64)
				if err != nil {
					return 0, err
				}
				return usec * 1000, nil
			}
		}
		return 0, fmt.Errorf("usage_usec not found in cpu.stat")
	default:
		data, err := os.ReadFile(mountRoot + path + "/cpuacct.usage")
		if err != nil {
			return 0, err
		}
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}
}
