// Command profileragent is the continuous, multi-runtime CPU profiling
// orchestrator: it enumerates processes, fans out to every enabled runtime
// driver plus the system-wide profiler on a fixed period, merges the
// results into one collapsed-stack stream, and hands it off to the upload
// endpoint. Wiring order follows config -> logger -> context -> event bus ->
// components -> run -> signal-triggered stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/granulate/gprofiler-go/internal/common/config"
	"github.com/granulate/gprofiler-go/internal/common/logger"
	"github.com/granulate/gprofiler-go/internal/controlplane"
	"github.com/granulate/gprofiler-go/internal/drivers"
	"github.com/granulate/gprofiler-go/internal/enumerator"
	"github.com/granulate/gprofiler-go/internal/memorymanager"
	"github.com/granulate/gprofiler-go/internal/merger"
	"github.com/granulate/gprofiler-go/internal/model"
	"github.com/granulate/gprofiler-go/internal/scheduler"
	"github.com/granulate/gprofiler-go/internal/supervisor"
	"github.com/granulate/gprofiler-go/internal/systemprofiler"
	"github.com/granulate/gprofiler-go/internal/telemetry"
	"github.com/granulate/gprofiler-go/internal/upload"
)

// agentVersion is stamped into the merged stream's header line. Overridden
// at link time with -ldflags "-X main.agentVersion=...".
var agentVersion = "dev"

func main() {
	flags := bindFlags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadWithFlags(flags.Lookup("config-file").Value.String(), flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if csv := flags.Lookup("processes-to-profile").Value.String(); csv != "" {
		pids, err := parsePIDList(csv)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --processes-to-profile: %v\n", err)
			os.Exit(1)
		}
		cfg.Enumerator.ProcessesToProfile = pids
	}

	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting profiling agent", zap.String("version", agentVersion), zap.Bool("continuous", cfg.Continuous))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, err := telemetry.New(cfg.Telemetry, log)
	if err != nil {
		log.Fatal("failed to initialize telemetry bus", zap.Error(err))
	}
	defer bus.Close()

	sup := supervisor.New(config.Seconds(cfg.Scheduler.GraceSeconds), log)
	enum := enumerator.New("/proc", config.Seconds(cfg.Enumerator.MinProfilingDurationSeconds), cfg.Enumerator.Denylist, cfg.PHP.CommFilter, log)
	procs := filteredProcessSource{inner: enum, allow: pidSet(cfg.Enumerator.ProcessesToProfile)}

	uploader := upload.NewHTTPUploader(cfg.Upload.Endpoint, config.Seconds(cfg.Upload.TimeoutSeconds), log)

	var history *controlplane.CommandHistory
	if cfg.ControlPlane.EnableHeartbeatServer {
		history, err = controlplane.LoadCommandHistory(cfg.ControlPlane.CommandHistoryPath)
		if err != nil {
			log.Fatal("failed to load command history", zap.Error(err))
		}
	}

	memMgr := memorymanager.New(sup, history, bus, cfg.Memory.HighWaterMB, log)
	go memMgr.RunHighWaterLoop(ctx)

	runID := uuid.New().String()
	build := newBuilder(cfg, sup, &procs, uploader, memMgr, bus, log, runID)

	mode := controlplane.ModeHeartbeat
	if cfg.Continuous {
		mode = controlplane.ModeContinuous
	}

	cp := controlplane.New(mode, build, func() { memMgr.Sweep(ctx) }, bus, history, log)

	var server *http.Server
	if cfg.ControlPlane.EnableHeartbeatServer {
		server = startHeartbeatServer(cfg, cp, log)
	}

	if err := cp.Run(ctx); err != nil {
		log.Fatal("control plane failed to start", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutdown signal received, stopping")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := cp.Stop(shutdownCtx); err != nil {
		log.Warn("control plane stop reported errors", zap.Error(err))
	}

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("heartbeat server shutdown error", zap.Error(err))
		}
	}

	// Runtime errors never produce a non-zero exit; only fatal configuration
	// errors above do, via log.Fatal.
	log.Info("profiling agent stopped")
}

// bindFlags declares every CLI flag, bound to the same viper keys
// setDefaults uses so flags, env vars, and defaults layer consistently
// (highest precedence first: flags, env, config file, code defaults).
func bindFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("profileragent", pflag.ContinueOnError)

	flags.String("config-file", "", "optional YAML/JSON config file")
	flags.IntP("scheduler.durationSeconds", "d", 60, "per-cycle profiling duration in seconds")
	flags.IntP("scheduler.frequencyHz", "F", 11, "sampling frequency in Hz")
	flags.String("perf.mode", "fp", "system profiler unwinding mode: fp|dwarf|smart|disabled")
	flags.String("python.mode", "auto", "python driver backend: auto|pyperf|pyspy|disabled")
	flags.String("java.mode", "ap", "java driver mode: ap|disabled")
	flags.String("processes-to-profile", "", "comma-separated explicit PID allowlist")
	flags.Int("enumerator.maxProcessesRuntimeProfiler", 50, "max processes any single runtime driver profiles per cycle")
	flags.Int("python.pyPerfSkipAboveN", 0, "skip PyPerf above this many python processes (0 = no cap)")
	flags.Int("perf.skipAboveProcessCount", 0, "skip the system profiler above this many total processes (0 = no cap)")
	flags.Int("enumerator.minProfilingDurationSeconds", 10, "minimum process age before it is eligible for profiling")
	flags.Bool("perf.useCgroups", false, "scope the system profiler to per-cgroup capture")
	flags.Int("perf.maxCgroups", 0, "max cgroups to scope the system profiler to")
	flags.Int("perf.maxDockerContainers", 0, "max docker containers to scope the system profiler to, by CPU usage")
	flags.Bool("controlPlane.enableHeartbeatServer", false, "run in heartbeat mode behind a remote control endpoint instead of starting immediately")
	flags.String("controlPlane.serverHost", "0.0.0.0", "heartbeat control endpoint bind host")
	flags.Int("controlPlane.serverPort", 6060, "heartbeat control endpoint bind port")
	flags.String("controlPlane.token", "", "bearer token required on the heartbeat control endpoint")
	flags.String("controlPlane.serviceName", "", "service name reported alongside uploaded profiles")
	flags.StringP("outputDir", "o", "/var/run/gprofiler", "local output directory for diagnostics")
	flags.BoolP("continuous", "c", true, "run continuously rather than as a single profiling session")
	flags.Bool("controlPlane.disableApplicationIdentifiers", false, "disable per-process application identifier resolution")
	flags.Bool("ruby.disabled", false, "disable the ruby driver")
	flags.Bool("php.disabled", false, "disable the php driver")
	flags.Bool("dotnet.disabled", false, "disable the dotnet driver")
	flags.String("php.commFilter", "php-fpm", "comm substring used to select php-fpm worker processes")
	flags.String("upload.endpoint", "", "HTTP endpoint profiles are uploaded to")

	return flags
}

// pidSet builds a lookup set from --processes-to-profile's parsed PIDs. An
// empty list means no allowlist filtering (every discovered process is
// eligible).
func pidSet(pids []int) map[int]struct{} {
	if len(pids) == 0 {
		return nil
	}
	set := make(map[int]struct{}, len(pids))
	for _, p := range pids {
		set[p] = struct{}{}
	}
	return set
}

// filteredProcessSource narrows the enumerator's output to an explicit PID
// allowlist, when one is configured via --processes-to-profile.
type filteredProcessSource struct {
	inner *enumerator.Enumerator
	allow map[int]struct{}
}

func (f *filteredProcessSource) Enumerate(now time.Time) []model.ProcessRecord {
	all := f.inner.Enumerate(now)
	if f.allow == nil {
		return all
	}
	out := make([]model.ProcessRecord, 0, len(all))
	for _, p := range all {
		if _, ok := f.allow[p.PID]; ok {
			out = append(out, p)
		}
	}
	return out
}

// newBuilder closes over every static configuration value and returns the
// controlplane.Builder that defers driver/scheduler construction to
// control-plane `start` handling — this is where perf event-type discovery
// happens, never in a package-level constructor.
func newBuilder(cfg *config.Config, sup *supervisor.Supervisor, procs scheduler.ProcessSource, uploader upload.Uploader, memMgr *memorymanager.Manager, bus telemetry.EventBus, log *logger.Logger, runID string) controlplane.Builder {
	return func(ctx context.Context) (*controlplane.Instance, error) {
		ds := buildDrivers(cfg, sup, log)

		var perf *systemprofiler.Session
		var auxMonitors []controlplane.Stopper
		if cfg.Perf.Mode != string(model.PerfModeDisabled) {
			perfCfg, scoper, err := buildPerfConfig(ctx, cfg, log)
			if err != nil {
				log.Warn("failed to build perf scope, falling back to system-wide capture", zap.Error(err))
			}
			if scoper != nil {
				auxMonitors = append(auxMonitors, dockerScoperStopper{scoper})
			}
			perf = systemprofiler.NewSession(perfCfg, sup, log)
			hostProcessCount := len(procs.Enumerate(time.Now()))
			if err := perf.Start(ctx, hostProcessCount); err != nil {
				return nil, fmt.Errorf("start system profiler session: %w", err)
			}
			auxMonitors = append(auxMonitors, perf)
		}

		sched := scheduler.New(scheduler.Config{
			Period:          config.Seconds(cfg.Scheduler.PeriodSeconds),
			SnapshotTimeout: config.Seconds(cfg.Scheduler.DurationSeconds),
			MaxWorkers:      cfg.Scheduler.WorkerPoolSize,
		}, ds, perfForScheduler(perf), procs, log, onCycle(cfg, uploader, memMgr, bus, log, runID))

		return &controlplane.Instance{Scheduler: sched, AuxMonitors: auxMonitors}, nil
	}
}

// perfForScheduler returns nil through the scheduler.PerfSession interface
// when perf is disabled; a bare *systemprofiler.Session assigned to a nil
// interface value is never itself nil to the interface, so this indirection
// matters.
func perfForScheduler(perf *systemprofiler.Session) scheduler.PerfSession {
	if perf == nil {
		return nil
	}
	return perf
}

// dockerScoperStopper adapts *systemprofiler.DockerScoper's Close() error
// to the controlplane.Stopper{Stop()} shape it is kept alongside the perf
// session for teardown.
type dockerScoperStopper struct {
	scoper *systemprofiler.DockerScoper
}

func (d dockerScoperStopper) Stop() {
	if err := d.scoper.Close(); err != nil {
		logger.Default().Debug("docker scoper close error", zap.Error(err))
	}
}

// buildDrivers constructs the five per-runtime drivers from configuration.
// Constructors are cheap (no subprocess spawned until Snapshot), but are
// still only called here, inside the Builder, so that every driver's
// lifetime matches the scheduler instance it belongs to.
func buildDrivers(cfg *config.Config, sup *supervisor.Supervisor, log *logger.Logger) []drivers.Driver {
	minAge := config.Seconds(cfg.Enumerator.MinProfilingDurationSeconds)
	grace := config.Seconds(cfg.Scheduler.GraceSeconds)
	maxProcs := cfg.Enumerator.MaxProcessesRuntimeProfiler
	maxWorkers := cfg.Scheduler.WorkerPoolSize

	ds := []drivers.Driver{
		drivers.NewJavaDriver(drivers.JavaMode(cfg.Java.Mode), cfg.Scheduler.FrequencyHz, maxProcs, maxWorkers, minAge, grace, sup, log),
		drivers.NewPythonDriver(drivers.PythonMode(cfg.Python.Mode), cfg.Python.PyPerfSkipAboveN, maxProcs, maxWorkers, cfg.Scheduler.FrequencyHz, minAge, grace, sup, log),
		drivers.NewRubyDriver(cfg.Ruby.Disabled, maxProcs, maxWorkers, minAge, grace, sup, log),
		drivers.NewPHPDriver(cfg.PHP.Disabled, cfg.PHP.CommFilter, maxProcs, maxWorkers, minAge, grace, sup, log),
		drivers.NewDotNetDriver(cfg.DotNet.Disabled, maxProcs, maxWorkers, minAge, grace, sup, log),
	}
	return ds
}

// buildPerfConfig assembles the system profiler's Config, resolving
// optional cgroup/docker scoping up front, and threading through the
// configured snapshot period and explicit PID allowlist so perf's
// rotation timer and post-parse PID filtering see the same values the
// scheduler and enumerator use. When scoping is requested but the docker
// scoper cannot be created or queried, Scope stays nil and this start
// records system-wide.
func buildPerfConfig(ctx context.Context, cfg *config.Config, log *logger.Logger) (systemprofiler.Config, *systemprofiler.DockerScoper, error) {
	perfCfg := systemprofiler.Config{
		Mode:                model.PerfMode(cfg.Perf.Mode),
		FrequencyHz:         cfg.Scheduler.FrequencyHz,
		OutputDir:           cfg.OutputDir,
		RestartAfterSec:     cfg.Perf.RestartAfterSeconds,
		MemCapBytes:         int64(cfg.Perf.MemCapMB) * 1024 * 1024,
		SkipAboveProcessCnt: cfg.Perf.SkipAboveProcessCount,
		RotatedFilesToKeep:  cfg.Perf.RotatedFilesToKeep,
		SnapshotDuration:    config.Seconds(cfg.Scheduler.PeriodSeconds),
		ExplicitPIDFilter:   pidSet(cfg.Enumerator.ProcessesToProfile),
	}

	n := cfg.Perf.MaxDockerContainers
	if n <= 0 {
		n = cfg.Perf.MaxCgroups // --perf-max-cgroups falls back to the same docker-container discovery path
	}
	if !cfg.Perf.UseCgroups || n <= 0 {
		return perfCfg, nil, nil
	}

	scoper, err := systemprofiler.NewDockerScoper("/", log)
	if err != nil {
		return perfCfg, nil, fmt.Errorf("create docker scoper: %w", err)
	}
	paths, err := scoper.TopNCgroupPaths(ctx, n)
	if err != nil {
		return perfCfg, scoper, fmt.Errorf("resolve docker cgroup scope: %w", err)
	}
	perfCfg.Scope = &systemprofiler.ScopeTarget{CgroupPaths: paths}
	return perfCfg, scoper, nil
}

// onCycle is the scheduler's per-cycle callback: merge every driver result
// plus the system profiler's table, hand the merged stream to the uploader,
// release the snapshot reference, and sweep the memory manager.
func onCycle(cfg *config.Config, uploader upload.Uploader, memMgr *memorymanager.Manager, bus telemetry.EventBus, log *logger.Logger, runID string) func(scheduler.CycleResult) {
	return func(result scheduler.CycleResult) {
		runtimeTables := merger.RuntimeTables{}
		var systemTable *model.StackSampleTable
		processes := make(map[int]model.ProcessRecord, len(result.Processes))
		for _, p := range result.Processes {
			processes[p.PID] = p
		}

		for _, r := range result.Results {
			publishDriverSnapshot(bus, result.CycleID, r, log)
			if r.Err != nil {
				log.Warn("driver snapshot failed", zap.String("driver", r.Name), zap.String("cycle_id", result.CycleID), zap.Error(r.Err))
				continue
			}
			if r.Name == "perf" {
				systemTable = r.Table
				continue
			}
			runtimeTables[r.Name] = r.Table
		}

		perfEnabled := cfg.Perf.Mode != string(model.PerfModeDisabled)
		snapshot, err := merger.Merge(merger.Meta{
			RunID:        runID,
			CycleID:      result.CycleID,
			AgentVersion: agentVersion,
			StartWall:    result.Start,
			EndWall:      result.End,
		}, runtimeTables, systemTable, processes, perfEnabled)
		if err != nil {
			log.Error("failed to merge cycle results", zap.String("cycle_id", result.CycleID), zap.Error(err))
			return
		}

		if cfg.Upload.Endpoint != "" {
			uploadCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(cfg.Upload.TimeoutSeconds))
			gpid, err := uploader.Submit(uploadCtx, []byte(snapshot), result.CycleID)
			cancel()
			if err != nil {
				log.Warn("upload failed, cycle dropped", zap.String("cycle_id", result.CycleID), zap.Error(err))
			} else {
				log.Info("cycle uploaded", zap.String("cycle_id", result.CycleID), zap.String("gpid", gpid))
			}
		}

		memorymanager.ReleaseSnapshot(&snapshot)
		memMgr.Sweep(context.Background())
	}
}

func publishDriverSnapshot(bus telemetry.EventBus, cycleID string, r scheduler.DriverResult, log *logger.Logger) {
	if bus == nil {
		return
	}
	status := "ok"
	samples := 0
	if r.Err != nil {
		status = "error"
	} else if r.Table != nil {
		for _, stacks := range r.Table.Counts {
			samples += int(stacks.Total())
		}
	}
	evt := telemetry.NewDriverSnapshotEvent("scheduler", cycleID, r.Name, status, r.Duration.Milliseconds(), samples)
	if err := bus.Publish(context.Background(), telemetry.SubjectDriverSnapshot, evt); err != nil {
		log.Debug("failed to publish driver snapshot event", zap.Error(err))
	}
}

// startHeartbeatServer wires the gin router for the heartbeat control
// endpoint and starts it in the background; the caller is responsible for
// calling Shutdown on the returned server.
func startHeartbeatServer(cfg *config.Config, cp *controlplane.ControlPlane, log *logger.Logger) *http.Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceNameOrDefault(cfg.ControlPlane.ServiceName)})
	})

	api := controlplane.NewHTTPAPI(cp, cfg.ControlPlane.Token, log)
	api.Register(router)

	addr := cfg.ControlPlane.ServerHost + ":" + strconv.Itoa(cfg.ControlPlane.ServerPort)
	server := &http.Server{Addr: addr, Handler: router}

	go func() {
		log.Info("heartbeat control endpoint listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("heartbeat server failed", zap.Error(err))
		}
	}()

	return server
}

func serviceNameOrDefault(name string) string {
	if name == "" {
		return "profileragent"
	}
	return name
}

// parsePIDList parses the --processes-to-profile CSV flag into an explicit
// PID allowlist.
func parsePIDList(csv string) ([]int, error) {
	if csv == "" {
		return nil, nil
	}
	parts := strings.Split(csv, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid pid %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}
