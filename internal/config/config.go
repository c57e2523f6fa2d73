package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "kiln.db"
	defaultWorkerBin  = "kiln-worker"
	defaultJobTimeout = 30 * time.Minute

	envConfigFile = "KILN_CONFIG"
	envListenAddr = "KILN_LISTEN_ADDR"
	envDBPath     = "KILN_DB_PATH"
	envLogLevel   = "KILN_LOG_LEVEL"
	envWorkerBin  = "KILN_WORKER_BIN"
	envWorkDir    = "KILN_WORK_DIR"
	envJobTimeout = "KILN_JOB_TIMEOUT"
)

// Config holds application configuration. Values come from an optional YAML
// file named by KILN_CONFIG, then environment variables, then defaults.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// WorkerBin is the worker executable spawned for each run.
	WorkerBin string

	// WorkDir is the parent of the per-run working directories.
	WorkDir string

	// JobTimeout bounds a run when the request does not set its own.
	JobTimeout time.Duration
}

// fileConfig mirrors Config in the YAML file.
type fileConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`
	WorkerBin  string `yaml:"worker_bin"`
	WorkDir    string `yaml:"work_dir"`
	JobTimeout string `yaml:"job_timeout"`
}

// Load reads configuration with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		WorkerBin:  defaultWorkerBin,
		WorkDir:    filepath.Join(os.TempDir(), "kiln"),
		JobTimeout: defaultJobTimeout,
	}

	if path := os.Getenv(envConfigFile); path != "" {
		fc, err := readFile(path)
		if err != nil {
			return cfg, err
		}
		if err := cfg.apply(fc); err != nil {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	env := fileConfig{
		ListenAddr: os.Getenv(envListenAddr),
		DBPath:     os.Getenv(envDBPath),
		LogLevel:   os.Getenv(envLogLevel),
		WorkerBin:  os.Getenv(envWorkerBin),
		WorkDir:    os.Getenv(envWorkDir),
		JobTimeout: os.Getenv(envJobTimeout),
	}
	if err := cfg.apply(env); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}

	return cfg, nil
}

func readFile(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc, nil
}

// apply overlays the non-empty values of fc.
func (c *Config) apply(fc fileConfig) error {
	if fc.ListenAddr != "" {
		c.ListenAddr = fc.ListenAddr
	}
	if fc.DBPath != "" {
		c.DBPath = fc.DBPath
	}
	if fc.LogLevel != "" {
		c.LogLevel = parseLogLevel(fc.LogLevel)
	}
	if fc.WorkerBin != "" {
		c.WorkerBin = fc.WorkerBin
	}
	if fc.WorkDir != "" {
		c.WorkDir = fc.WorkDir
	}
	if fc.JobTimeout != "" {
		d, err := time.ParseDuration(fc.JobTimeout)
		if err != nil {
			return fmt.Errorf("job timeout: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("job timeout must be positive, got %s", d)
		}
		c.JobTimeout = d
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
