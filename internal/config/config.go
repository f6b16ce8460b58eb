// Package config loads the planforge YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/planforge/internal/completeness"
	"github.com/ChuLiYu/planforge/internal/runner"
	"github.com/ChuLiYu/planforge/internal/scoring"
	"github.com/ChuLiYu/planforge/internal/storage/wal"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

const (
	BackendFile = "file"
	BackendSQL  = "sql"
)

// Config represents the complete system configuration.
type Config struct {
	Log struct {
		Mode string `yaml:"mode"` // dev | prod
	} `yaml:"log"`

	Runner struct {
		WorkerCount      int           `yaml:"worker_count"`
		JobTimeout       time.Duration `yaml:"job_timeout"`
		QueueSize        int           `yaml:"queue_size"`
		DispatchInterval time.Duration `yaml:"dispatch_interval"`
	} `yaml:"runner"`

	Journal struct {
		Backend          string        `yaml:"backend"` // file | sql
		WALPath          string        `yaml:"wal_path"`
		SnapshotPath     string        `yaml:"snapshot_path"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		SyncOnAppend     bool          `yaml:"sync_on_append"`
		BufferSize       int           `yaml:"buffer_size"`
		FlushInterval    time.Duration `yaml:"flush_interval"`
		CompressBackups  bool          `yaml:"compress_backups"`
		KeepBackups      int           `yaml:"keep_backups"`
		SQL              struct {
			Driver string `yaml:"driver"` // postgres | sqlite
			DSN    string `yaml:"dsn"`
		} `yaml:"sql"`
	} `yaml:"journal"`

	Scoring scoring.Config `yaml:"scoring"`

	Completeness struct {
		Weights completeness.SectionWeights `yaml:"weights"`
	} `yaml:"completeness"`

	Lifecycle struct {
		MinCitationScore float64       `yaml:"min_citation_score"`
		ExportDir        string        `yaml:"export_dir"`
		RendererCommand  []string      `yaml:"renderer_command"` // external renderer for pdf/docx
		JobRetention     time.Duration `yaml:"job_retention"`    // 0 keeps finished jobs forever
		PurgeInterval    time.Duration `yaml:"purge_interval"`
	} `yaml:"lifecycle"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		SampleRatio float64 `yaml:"sample_ratio"`
		Pretty      bool    `yaml:"pretty"`
	} `yaml:"tracing"`

	// Seed is an optional YAML file of requirements, plans and evidence
	// loaded into the in-memory stores at startup.
	Seed string `yaml:"seed"`
}

// Default returns the configuration used when a field is absent.
func Default() *Config {
	cfg := &Config{}
	cfg.Log.Mode = "dev"

	rc := runner.DefaultConfig()
	cfg.Runner.WorkerCount = rc.WorkerCount
	cfg.Runner.JobTimeout = rc.JobTimeout
	cfg.Runner.QueueSize = rc.QueueSize
	cfg.Runner.DispatchInterval = rc.DispatchInterval

	wo := wal.DefaultOptions()
	cfg.Journal.Backend = BackendFile
	cfg.Journal.WALPath = "data/wal/jobs.wal"
	cfg.Journal.SnapshotPath = "data/snapshot/jobs.json"
	cfg.Journal.SnapshotInterval = rc.SnapshotInterval
	cfg.Journal.SyncOnAppend = wo.SyncOnAppend
	cfg.Journal.BufferSize = wo.BufferSize
	cfg.Journal.FlushInterval = wo.FlushInterval
	cfg.Journal.KeepBackups = wo.KeepBackups
	cfg.Journal.SQL.Driver = "sqlite"
	cfg.Journal.SQL.DSN = "data/planforge.db"

	cfg.Scoring = scoring.DefaultConfig()
	cfg.Completeness.Weights = completeness.DefaultSectionWeights()

	cfg.Lifecycle.MinCitationScore = 0.4
	cfg.Lifecycle.ExportDir = "data/exports"
	cfg.Lifecycle.JobRetention = 7 * 24 * time.Hour
	cfg.Lifecycle.PurgeInterval = time.Hour

	cfg.Server.Addr = "127.0.0.1:50051"
	cfg.Metrics.Addr = ":9090"
	cfg.Tracing.SampleRatio = 1
	return cfg
}

// Load reads path over the defaults and validates the result. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component could run with.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Runner.WorkerCount <= 0 {
		add("runner.worker_count must be positive, got %d", c.Runner.WorkerCount)
	}
	if c.Runner.JobTimeout < 0 {
		add("runner.job_timeout must not be negative")
	}

	switch c.Journal.Backend {
	case BackendFile:
		if c.Journal.WALPath == "" || c.Journal.SnapshotPath == "" {
			add("journal.wal_path and journal.snapshot_path are required for the file backend")
		}
	case BackendSQL:
		if c.Journal.SQL.DSN == "" {
			add("journal.sql.dsn is required for the sql backend")
		}
		switch strings.ToLower(c.Journal.SQL.Driver) {
		case "postgres", "postgresql", "sqlite", "sqlite3":
		default:
			add("journal.sql.driver must be postgres or sqlite, got %q", c.Journal.SQL.Driver)
		}
	default:
		add("journal.backend must be %q or %q, got %q", BackendFile, BackendSQL, c.Journal.Backend)
	}

	if _, err := c.Scoring.Weights.Normalize(); err != nil {
		add("scoring.weights: %v", err)
	}
	if c.Scoring.AuthorityFloor < 0 || c.Scoring.AuthorityFloor > 1 {
		add("scoring.authority_floor must be within [0,1], got %v", c.Scoring.AuthorityFloor)
	}
	if c.Scoring.UndatedTimeliness < 0 || c.Scoring.UndatedTimeliness > 1 {
		add("scoring.undated_timeliness must be within [0,1], got %v", c.Scoring.UndatedTimeliness)
	}
	if err := c.Completeness.Weights.Validate(); err != nil {
		add("completeness.weights: %v", err)
	}
	if c.Lifecycle.MinCitationScore < 0 || c.Lifecycle.MinCitationScore > 1 {
		add("lifecycle.min_citation_score must be within [0,1], got %v", c.Lifecycle.MinCitationScore)
	}
	if c.Lifecycle.JobRetention < 0 {
		add("lifecycle.job_retention must not be negative")
	}
	if c.Lifecycle.JobRetention > 0 && c.Lifecycle.PurgeInterval <= 0 {
		add("lifecycle.purge_interval must be positive when job_retention is set")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		add("tracing.sample_ratio must be within [0,1], got %v", c.Tracing.SampleRatio)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// RunnerConfig maps the runner and snapshot sections onto runner.Config.
func (c *Config) RunnerConfig() runner.Config {
	return runner.Config{
		WorkerCount:      c.Runner.WorkerCount,
		JobTimeout:       c.Runner.JobTimeout,
		QueueSize:        c.Runner.QueueSize,
		SnapshotInterval: c.Journal.SnapshotInterval,
		DispatchInterval: c.Runner.DispatchInterval,
	}
}

// WALOptions maps the journal section onto wal.Options.
func (c *Config) WALOptions() wal.Options {
	return wal.Options{
		SyncOnAppend:    c.Journal.SyncOnAppend,
		BufferSize:      c.Journal.BufferSize,
		FlushInterval:   c.Journal.FlushInterval,
		CompressBackups: c.Journal.CompressBackups,
		KeepBackups:     c.Journal.KeepBackups,
	}
}
