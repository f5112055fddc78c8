// Package config provides configuration file support for distillflow.
// It handles loading, validation, and environment variable interpolation
// for distillflow.yaml configuration files.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the full distillflow configuration.
type Config struct {
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Defaults  DefaultsConfig  `mapstructure:"defaults"`
	Server    ServerConfig    `mapstructure:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// PipelineConfig holds pipeline-wide path and layout settings.
type PipelineConfig struct {
	IntermediateDir string `mapstructure:"intermediate_dir"`
	ResultsDir      string `mapstructure:"results_dir"`
	DefaultScheme   string `mapstructure:"default_scheme"`
}

// DefaultsConfig holds the per-node scheduling and I/O defaults. The CLI and
// server use BatchSize and ParallelSize when the matching flag or request
// field is unset; the other fields are loaded and validated but are not
// passed to nodes or streams.
type DefaultsConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	ParallelSize      int           `mapstructure:"parallel_size"`
	AsyncMode         bool          `mapstructure:"async_mode"`
	QueueSize         int           `mapstructure:"queue_size"`
	FlushBatchSize    int           `mapstructure:"flush_batch_size"`
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	AnnealingAttempts int           `mapstructure:"annealing_attempts"`
	AnnealingInterval time.Duration `mapstructure:"annealing_interval"`
}

// ServerConfig holds HTTP server settings for `distillflow serve`.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MetricsConfig holds Prometheus instrumentation settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Exporter   string  `mapstructure:"exporter"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			IntermediateDir: "tmp/",
			ResultsDir:      "tmp/results/",
			DefaultScheme:   "jsonl",
		},
		Defaults: DefaultsConfig{
			BatchSize:         100,
			ParallelSize:      1,
			AsyncMode:         false,
			QueueSize:         1000,
			FlushBatchSize:    100,
			FlushInterval:     500 * time.Millisecond,
			RetryInterval:     time.Second,
			ReadTimeout:       30 * time.Second,
			AnnealingAttempts: 5,
			AnnealingInterval: 100 * time.Millisecond,
		},
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Telemetry: TelemetryConfig{
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "otlp",
				Endpoint:   "localhost:4317",
				SampleRate: 1.0,
				Insecure:   true,
			},
		},
	}
}

// Load reads configuration from the given viper instance and returns a
// validated Config. Environment variables in string values are interpolated
// using ${VAR} syntax.
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	interpolateConfig(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile reads a specific config file and returns a validated Config.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Load(v)
}

// Validate checks the configuration for errors and returns a descriptive
// error if any field is invalid.
func Validate(cfg *Config) error {
	var errs []string

	validSchemes := map[string]bool{"jsonl": true, "csv": true, "memory": true, "": true}
	if !validSchemes[cfg.Pipeline.DefaultScheme] {
		errs = append(errs, fmt.Sprintf("pipeline.default_scheme: unsupported scheme %q (supported: jsonl, csv, memory)", cfg.Pipeline.DefaultScheme))
	}

	if cfg.Defaults.BatchSize < 0 {
		errs = append(errs, "defaults.batch_size: must be non-negative")
	}
	if cfg.Defaults.ParallelSize < 0 {
		errs = append(errs, "defaults.parallel_size: must be non-negative")
	}
	if cfg.Defaults.QueueSize < 0 {
		errs = append(errs, "defaults.queue_size: must be non-negative")
	}
	if cfg.Defaults.FlushBatchSize < 0 {
		errs = append(errs, "defaults.flush_batch_size: must be non-negative")
	}
	if cfg.Defaults.FlushInterval < 0 {
		errs = append(errs, "defaults.flush_interval: must be non-negative")
	}
	if cfg.Defaults.RetryInterval < 0 {
		errs = append(errs, "defaults.retry_interval: must be non-negative")
	}
	if cfg.Defaults.ReadTimeout < 0 {
		errs = append(errs, "defaults.read_timeout: must be non-negative")
	}
	if cfg.Defaults.AnnealingAttempts < 0 {
		errs = append(errs, "defaults.annealing_attempts: must be non-negative")
	}
	if cfg.Defaults.AnnealingInterval < 0 {
		errs = append(errs, "defaults.annealing_interval: must be non-negative")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port: must be between 0 and 65535, got %d", cfg.Server.Port))
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, "server.read_timeout: must be non-negative")
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, "server.write_timeout: must be non-negative")
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true, "": true}
	if !validExporters[cfg.Telemetry.Tracing.Exporter] {
		errs = append(errs, fmt.Sprintf("telemetry.tracing.exporter: unsupported exporter %q (supported: otlp, stdout, none)", cfg.Telemetry.Tracing.Exporter))
	}
	if cfg.Telemetry.Tracing.SampleRate < 0 || cfg.Telemetry.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("telemetry.tracing.sample_rate: must be between 0 and 1, got %f", cfg.Telemetry.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// envVarPattern matches ${VAR} or ${VAR:-default} syntax.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// InterpolateEnv replaces ${VAR} and ${VAR:-default} patterns in a string
// with the corresponding environment variable values.
func InterpolateEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		if defaultVal != "" {
			return defaultVal
		}
		return match
	})
}

// interpolateConfig applies environment variable interpolation to all
// string fields in the config.
func interpolateConfig(cfg *Config) {
	cfg.Pipeline.IntermediateDir = InterpolateEnv(cfg.Pipeline.IntermediateDir)
	cfg.Pipeline.ResultsDir = InterpolateEnv(cfg.Pipeline.ResultsDir)
	cfg.Pipeline.DefaultScheme = InterpolateEnv(cfg.Pipeline.DefaultScheme)
	cfg.Server.Host = InterpolateEnv(cfg.Server.Host)
	cfg.Telemetry.Tracing.Exporter = InterpolateEnv(cfg.Telemetry.Tracing.Exporter)
	cfg.Telemetry.Tracing.Endpoint = InterpolateEnv(cfg.Telemetry.Tracing.Endpoint)
}

// GenerateTemplate returns a YAML template string with all available
// configuration options and their defaults, suitable for writing to a
// distillflow.yaml file.
func GenerateTemplate() string {
	return `# distillflow configuration

pipeline:
  intermediate_dir: tmp/
  results_dir: tmp/results/
  default_scheme: jsonl     # jsonl, csv, or memory

defaults:
  batch_size: 100
  parallel_size: 1
  async_mode: false
  queue_size: 1000
  flush_batch_size: 100
  flush_interval: 500ms
  retry_interval: 1s
  read_timeout: 30s
  annealing_attempts: 5
  annealing_interval: 100ms

server:
  port: 8080
  host: 0.0.0.0
  read_timeout: 30s
  write_timeout: 60s

metrics:
  enabled: true
  path: /metrics

telemetry:
  tracing:
    enabled: false
    exporter: otlp       # otlp, stdout, or none
    endpoint: localhost:4317
    sample_rate: 1.0     # 0.0 to 1.0
    insecure: true
`
}
