package systemprofiler

import (
	"context"
	"fmt"
	"sort"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/granulate/gprofiler-go/internal/cgroup"
	"github.com/granulate/gprofiler-go/internal/common/logger"
)

// DockerScoper resolves the top-N running container cgroups by CPU usage,
// for perf's optional docker-container scoping.
type DockerScoper struct {
	cli       *client.Client
	log       *logger.Logger
	cgroupVer cgroup.Version
	mountRoot string
}

// NewDockerScoper connects to the local Docker daemon and detects the host's
// cgroup hierarchy version up front, since every cgroup path it resolves
// depends on it.
func NewDockerScoper(mountRoot string, log *logger.Logger) (*DockerScoper, error) {
	cli, err := client.NewClientWithOpts(client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	ver, desc, err := cgroup.Detect()
	if err != nil {
		return nil, fmt.Errorf("detect cgroup hierarchy: %w", err)
	}
	log.Info("docker scope: cgroup hierarchy detected", zap.String("version", ver.String()), zap.String("detail", desc))

	return &DockerScoper{cli: cli, log: log.WithDriver("perf-dockerscope"), cgroupVer: ver, mountRoot: mountRoot}, nil
}

// Close releases the underlying Docker client connection.
func (d *DockerScoper) Close() error { return d.cli.Close() }

type containerCPU struct {
	cgroupPath string
	cpuNanos   int64
}

// TopNCgroupPaths lists running containers, resolves each one's cgroup path
// and cumulative CPU usage, and returns the top n paths by usage — the set
// perf is scoped to via repeated -G flags.
func (d *DockerScoper) TopNCgroupPaths(ctx context.Context, n int) ([]string, error) {
	containers, err := d.cli.ContainerList(ctx, dockercontainer.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	entries := make([]containerCPU, 0, len(containers))
	for _, c := range containers {
		inspect, err := d.cli.ContainerInspect(ctx, c.ID)
		if err != nil || inspect.State == nil || inspect.State.Pid == 0 {
			continue
		}
		path, err := cgroup.PathFor(inspect.State.Pid, d.cgroupVer)
		if err != nil {
			d.log.Debug("could not resolve cgroup path for container", zap.String("container_id", c.ID), zap.Error(err))
			continue
		}
		usage, err := cgroup.CPUUsageNanos(d.mountRoot, path, d.cgroupVer)
		if err != nil {
			usage = 0
		}
		entries = append(entries, containerCPU{cgroupPath: path, cpuNanos: usage})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].cpuNanos > entries[j].cpuNanos })
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}

	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.cgroupPath
	}
	return paths, nil
}
