package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected default host 0.0.0.0, got %s", cfg.Server.Host)
	}
	if cfg.Pipeline.DefaultScheme != "jsonl" {
		t.Errorf("expected default scheme jsonl, got %s", cfg.Pipeline.DefaultScheme)
	}
	if cfg.Defaults.BatchSize != 100 {
		t.Errorf("expected default batch_size 100, got %d", cfg.Defaults.BatchSize)
	}
	if cfg.Defaults.AnnealingAttempts != 5 {
		t.Errorf("expected default annealing_attempts 5, got %d", cfg.Defaults.AnnealingAttempts)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Error("expected error for invalid port")
	}
}

func TestValidate_InvalidScheme(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.DefaultScheme = "parquet"
	if err := Validate(cfg); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}

func TestValidate_NegativeBatchSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Defaults.BatchSize = -1
	if err := Validate(cfg); err == nil {
		t.Error("expected error for negative batch_size")
	}
}

func TestValidate_InvalidExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Telemetry.Tracing.Exporter = "jaeger"
	if err := Validate(cfg); err == nil {
		t.Error("expected error for unsupported exporter")
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = -1
	cfg.Defaults.BatchSize = -1
	cfg.Telemetry.Tracing.SampleRate = 5.0
	if err := Validate(cfg); err == nil {
		t.Error("expected multiple validation errors")
	}
}

func TestInterpolateEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "hello")

	tests := []struct {
		input    string
		expected string
	}{
		{"${TEST_VAR}", "hello"},
		{"prefix-${TEST_VAR}-suffix", "prefix-hello-suffix"},
		{"${NONEXISTENT_VAR:-fallback}", "fallback"},
		{"${NONEXISTENT_VAR}", "${NONEXISTENT_VAR}"},
		{"no-vars-here", "no-vars-here"},
		{"${TEST_VAR:-default}", "hello"},
	}

	for _, tt := range tests {
		result := InterpolateEnv(tt.input)
		if result != tt.expected {
			t.Errorf("InterpolateEnv(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
pipeline:
  intermediate_dir: /data/tmp
  results_dir: /data/results
  default_scheme: csv

defaults:
  batch_size: 250
  parallel_size: 4

server:
  port: 9090
  host: 127.0.0.1
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "distillflow.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(cfgPath)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.Pipeline.DefaultScheme != "csv" {
		t.Errorf("expected default_scheme csv, got %s", cfg.Pipeline.DefaultScheme)
	}
	if cfg.Defaults.BatchSize != 250 {
		t.Errorf("expected batch_size 250, got %d", cfg.Defaults.BatchSize)
	}
	if cfg.Defaults.ParallelSize != 4 {
		t.Errorf("expected parallel_size 4, got %d", cfg.Defaults.ParallelSize)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected host 127.0.0.1, got %s", cfg.Server.Host)
	}
}

func TestLoadFromFile_InvalidFile(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/path/distillflow.yaml"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "distillflow.yaml")
	if err := os.WriteFile(cfgPath, []byte("{{invalid yaml"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := LoadFromFile(cfgPath); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadFromFile_InvalidValues(t *testing.T) {
	content := `
server:
  port: 99999
defaults:
  batch_size: -5
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "distillflow.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := LoadFromFile(cfgPath); err == nil {
		t.Error("expected validation error")
	}
}

func TestLoadFromFile_DefaultsPreserved(t *testing.T) {
	content := `
server:
  port: 3000
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "distillflow.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(cfgPath)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("expected port 3000, got %d", cfg.Server.Port)
	}
	if cfg.Pipeline.DefaultScheme != "jsonl" {
		t.Errorf("expected default scheme preserved as jsonl, got %s", cfg.Pipeline.DefaultScheme)
	}
	if cfg.Defaults.BatchSize != 100 {
		t.Errorf("expected default batch_size preserved as 100, got %d", cfg.Defaults.BatchSize)
	}
}

func TestGenerateTemplate(t *testing.T) {
	tmpl := GenerateTemplate()

	required := []string{
		"pipeline:", "intermediate_dir:", "results_dir:", "default_scheme:",
		"defaults:", "batch_size:", "parallel_size:", "annealing_attempts:",
		"server:", "port:", "host:",
		"metrics:", "enabled:",
		"telemetry:", "tracing:", "exporter:",
	}

	for _, s := range required {
		if !strings.Contains(tmpl, s) {
			t.Errorf("template missing %q", s)
		}
	}
}
