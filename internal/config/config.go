// Package config provides unified configuration for the Caselight engine.
// Values come from an optional YAML file, overridden by CASELIGHT_*
// environment variables, overridden by CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"

	"github.com/caselight/caselight/pkg/types"
)

// Config holds the engine configuration for one invocation.
type Config struct {
	// CaseDir is the directory holding this investigation's store (case.db).
	CaseDir string `yaml:"case_dir" env:"CASELIGHT_CASE_DIR"`

	// HistoryDBPath is the process-wide historical learning store. It lives
	// outside any case directory so cross-case outcomes never commingle with
	// per-case evidence.
	HistoryDBPath string `yaml:"history_db_path" env:"CASELIGHT_HISTORY_DB"`

	// CaseSeverity is the working assumption for this investigation and
	// feeds the threshold calculator.
	CaseSeverity types.CaseSeverity `yaml:"case_severity" env:"CASELIGHT_CASE_SEVERITY"`

	// Build holds timeline build tuning.
	Build BuildConfig `yaml:"build"`

	// Export holds evidence export settings.
	Export ExportConfig `yaml:"export"`
}

// BuildConfig holds timeline build tuning.
type BuildConfig struct {
	// BatchSize is the number of raw records scanned per batch. Cancellation
	// is checked between batches.
	BatchSize int `yaml:"batch_size" env:"CASELIGHT_BUILD_BATCH_SIZE"`

	// ProgressInterval is how many records between progress log lines.
	ProgressInterval int `yaml:"progress_interval" env:"CASELIGHT_BUILD_PROGRESS_INTERVAL"`
}

// ExportConfig holds evidence export settings. S3 export is an explicit
// collaborator call with its own timeout, outside the store's transactional
// boundary.
type ExportConfig struct {
	// Backend is "local" or "s3".
	Backend string `yaml:"backend" env:"CASELIGHT_EXPORT_BACKEND"`

	// LocalDir is the destination directory for the local backend.
	LocalDir string `yaml:"local_dir" env:"CASELIGHT_EXPORT_DIR"`

	// Bucket is the S3 bucket for the s3 backend.
	Bucket string `yaml:"bucket" env:"CASELIGHT_EXPORT_BUCKET"`

	// Region is the AWS region for the s3 backend.
	Region string `yaml:"region" env:"CASELIGHT_EXPORT_REGION"`

	// Endpoint is an optional custom endpoint (MinIO, LocalStack).
	Endpoint string `yaml:"endpoint" env:"CASELIGHT_EXPORT_ENDPOINT"`

	// Timeout bounds each export call.
	Timeout time.Duration `yaml:"timeout" env:"CASELIGHT_EXPORT_TIMEOUT"`
}

// Default returns the default configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		CaseDir:       ".",
		HistoryDBPath: filepath.Join(home, ".caselight", "history.db"),
		CaseSeverity:  types.SeverityRoutine,
		Build: BuildConfig{
			BatchSize:        500,
			ProgressInterval: 10000,
		},
		Export: ExportConfig{
			Backend:  "local",
			LocalDir: "exports",
			Region:   "us-east-1",
			Timeout:  30 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, in that precedence order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.CaseDir == "" {
		return fmt.Errorf("config: case_dir must not be empty")
	}
	switch c.CaseSeverity {
	case types.SeverityRoutine, types.SeverityElevated, types.SeveritySuspectedBreach:
	default:
		return fmt.Errorf("config: unknown case_severity %q", c.CaseSeverity)
	}
	if c.Build.BatchSize <= 0 {
		return fmt.Errorf("config: build.batch_size must be positive")
	}
	switch c.Export.Backend {
	case "local", "s3":
	default:
		return fmt.Errorf("config: unknown export backend %q", c.Export.Backend)
	}
	if c.Export.Backend == "s3" && c.Export.Bucket == "" {
		return fmt.Errorf("config: export.bucket required for s3 backend")
	}
	return nil
}

// CaseDBPath returns the path of the per-case store inside CaseDir.
func (c *Config) CaseDBPath() string {
	return filepath.Join(c.CaseDir, "case.db")
}
