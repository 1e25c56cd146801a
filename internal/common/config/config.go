// Package config provides configuration management for the profiling
// orchestrator: environment variables, an optional config file, and
// code-defined defaults, merged via viper.
package config

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every configuration section the agent's components need.
type Config struct {
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Perf         PerfConfig         `mapstructure:"perf"`
	Java         JavaConfig         `mapstructure:"java"`
	Python       PythonConfig       `mapstructure:"python"`
	Ruby         RubyConfig         `mapstructure:"ruby"`
	PHP          PHPConfig          `mapstructure:"php"`
	DotNet       DotNetConfig       `mapstructure:"dotnet"`
	Enumerator   EnumeratorConfig   `mapstructure:"enumerator"`
	ControlPlane ControlPlaneConfig `mapstructure:"controlPlane"`
	Upload       UploadConfig       `mapstructure:"upload"`
	Memory       MemoryConfig       `mapstructure:"memory"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	OutputDir    string             `mapstructure:"outputDir"`
	Continuous   bool               `mapstructure:"continuous"`
}

// SchedulerConfig controls the fixed-period snapshot coordinator (§4.E).
type SchedulerConfig struct {
	PeriodSeconds   int `mapstructure:"periodSeconds"`
	DurationSeconds int `mapstructure:"durationSeconds"`
	FrequencyHz     int `mapstructure:"frequencyHz"`
	WorkerPoolSize  int `mapstructure:"workerPoolSize"`
	GraceSeconds    int `mapstructure:"graceSeconds"`
}

// PerfConfig controls the system profiler driver (§4.D).
type PerfConfig struct {
	Mode                  string `mapstructure:"mode"` // fp|dwarf|smart|disabled
	RestartAfterSeconds   int    `mapstructure:"restartAfterSeconds"`
	MemCapMB              int    `mapstructure:"memCapMB"`
	SkipAboveProcessCount int    `mapstructure:"skipAboveProcessCount"`
	UseCgroups            bool   `mapstructure:"useCgroups"`
	MaxCgroups            int    `mapstructure:"maxCgroups"`
	MaxDockerContainers   int    `mapstructure:"maxDockerContainers"`
	RotatedFilesToKeep    int    `mapstructure:"rotatedFilesToKeep"`
}

// JavaConfig controls the Java driver.
type JavaConfig struct {
	Mode string `mapstructure:"mode"` // ap|disabled
}

// PythonConfig controls the composite Python driver.
type PythonConfig struct {
	Mode             string `mapstructure:"mode"` // auto|pyperf|pyspy|disabled
	PyPerfSkipAboveN int    `mapstructure:"pyPerfSkipAboveN"`
}

// RubyConfig controls the rbspy-backed driver.
type RubyConfig struct {
	Disabled bool `mapstructure:"disabled"`
}

// PHPConfig controls the phpspy-backed driver.
type PHPConfig struct {
	Disabled   bool   `mapstructure:"disabled"`
	CommFilter string `mapstructure:"commFilter"`
}

// DotNetConfig controls the dotnet-trace-backed driver.
type DotNetConfig struct {
	Disabled bool `mapstructure:"disabled"`
}

// EnumeratorConfig controls process discovery and filtering (§4.A).
type EnumeratorConfig struct {
	MinProfilingDurationSeconds int      `mapstructure:"minProfilingDurationSeconds"`
	MaxProcessesRuntimeProfiler int      `mapstructure:"maxProcessesRuntimeProfiler"`
	ProcessesToProfile          []int    `mapstructure:"processesToProfile"`
	PHPCommFilter               string   `mapstructure:"phpCommFilter"`
	Denylist                    []string `mapstructure:"denylist"`
}

// ControlPlaneConfig controls continuous vs. heartbeat operation (§4.G).
type ControlPlaneConfig struct {
	EnableHeartbeatServer bool   `mapstructure:"enableHeartbeatServer"`
	ServerHost            string `mapstructure:"serverHost"`
	ServerPort            int    `mapstructure:"serverPort"`
	Token                 string `mapstructure:"token"`
	ServiceName           string `mapstructure:"serviceName"`
	CommandHistoryPath    string `mapstructure:"commandHistoryPath"`
	DisableAppIdentifiers bool   `mapstructure:"disableApplicationIdentifiers"`
}

// UploadConfig controls the upload interface consumer (§6).
type UploadConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

// MemoryConfig controls the memory manager's sweep trigger (§4.H, §5).
type MemoryConfig struct {
	HighWaterMB int `mapstructure:"highWaterMB"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TelemetryConfig controls the per-cycle event bus (§4.I) that the control
// plane's streaming endpoint and any external subscriber read from.
type TelemetryConfig struct {
	Backend           string `mapstructure:"backend"` // memory|nats
	NATSURL           string `mapstructure:"natsURL"`
	NATSClientID      string `mapstructure:"natsClientID"`
	NATSMaxReconnects int    `mapstructure:"natsMaxReconnects"`
}

// Load reads configuration from environment variables (prefixed GPROFILER_)
// and an optional config file, layered over code-defined defaults.
func Load(configFile string) (*Config, error) {
	return LoadWithFlags(configFile, nil)
}

// LoadWithFlags is Load plus an optional pflag.FlagSet bound ahead of
// unmarshal, so command-line flags take precedence over the config file and
// environment but still fall back to the code-defined defaults (cmd/profileragent
// binds its flags to the section/key names below, e.g. "scheduler.durationSeconds").
func LoadWithFlags(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GPROFILER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.periodSeconds", 60)
	v.SetDefault("scheduler.durationSeconds", 60)
	v.SetDefault("scheduler.frequencyHz", 11)
	v.SetDefault("scheduler.workerPoolSize", 4)
	v.SetDefault("scheduler.graceSeconds", 10)

	v.SetDefault("perf.mode", "fp")
	v.SetDefault("perf.restartAfterSeconds", 600)
	v.SetDefault("perf.memCapMB", 200)
	v.SetDefault("perf.skipAboveProcessCount", 0)
	v.SetDefault("perf.useCgroups", false)
	v.SetDefault("perf.maxCgroups", 0)
	v.SetDefault("perf.maxDockerContainers", 0)
	v.SetDefault("perf.rotatedFilesToKeep", 2)

	v.SetDefault("java.mode", "ap")
	v.SetDefault("python.mode", "auto")
	v.SetDefault("python.pyPerfSkipAboveN", 0)
	v.SetDefault("php.commFilter", "php-fpm")

	v.SetDefault("enumerator.minProfilingDurationSeconds", 10)
	v.SetDefault("enumerator.maxProcessesRuntimeProfiler", 50)
	v.SetDefault("enumerator.denylist", []string{"pip", "conda", "gprofiler", "gdb"})

	v.SetDefault("controlPlane.enableHeartbeatServer", false)
	v.SetDefault("controlPlane.serverHost", "0.0.0.0")
	v.SetDefault("controlPlane.serverPort", 6060)
	v.SetDefault("controlPlane.commandHistoryPath", "/var/lib/gprofiler/commands.log")

	v.SetDefault("upload.timeoutSeconds", 30)

	v.SetDefault("memory.highWaterMB", 400)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("telemetry.backend", "memory")
	v.SetDefault("telemetry.natsURL", "nats://127.0.0.1:4222")
	v.SetDefault("telemetry.natsClientID", "gprofiler-agent")
	v.SetDefault("telemetry.natsMaxReconnects", 10)

	v.SetDefault("outputDir", "/var/run/gprofiler")
	v.SetDefault("continuous", true)
}

// Seconds is a small helper for sections that store seconds as ints but
// are consumed as time.Duration by callers.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }
