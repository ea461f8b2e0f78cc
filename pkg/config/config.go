// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultMaxWorkers    = 4
	DefaultMaxRetries    = 3
	DefaultDashboardPort = 3847
	DefaultWorkerTimeout = 10 * time.Minute
	DefaultAgentCLI      = "claude"

	defaultStorageDir = ".agentbatch"
	defaultDBFilename = "batch.db"
)

// Config holds all runtime settings for the orchestrator, supervisor, and
// dashboard processes.
type Config struct {
	// MaxWorkers is the per-job bound on concurrent agent subprocesses.
	MaxWorkers int

	// MaxRetries is the default retry budget per work unit.
	MaxRetries int

	// StoragePath is the location of the embedded SQLite store.
	StoragePath string

	// DashboardPort is the HTTP port for the read-only dashboard API.
	DashboardPort int

	// SkipTest disables the pre-batch test phase globally.
	SkipTest bool

	// WorkerTimeout bounds a single agent subprocess execution.
	WorkerTimeout time.Duration

	// AgentCLI is the agent binary invoked per work unit.
	AgentCLI string

	// AgentModel optionally overrides the agent's model (passed verbatim).
	AgentModel string

	// AgentMaxTurns optionally caps agentic turns (0 = no cap).
	AgentMaxTurns int
}

// Load reads configuration from the environment, applying defaults.
// It returns an error for values that parse but are out of range, so a bad
// deployment fails at startup instead of mid-batch.
func Load() (*Config, error) {
	cfg := &Config{
		MaxWorkers:    DefaultMaxWorkers,
		MaxRetries:    DefaultMaxRetries,
		DashboardPort: DefaultDashboardPort,
		WorkerTimeout: DefaultWorkerTimeout,
		AgentCLI:      DefaultAgentCLI,
	}

	var err error
	if cfg.MaxWorkers, err = intEnv("MAX_WORKERS", DefaultMaxWorkers); err != nil {
		return nil, err
	}
	if cfg.MaxWorkers < 1 {
		return nil, fmt.Errorf("MAX_WORKERS must be positive, got %d", cfg.MaxWorkers)
	}

	if cfg.MaxRetries, err = intEnv("MAX_RETRIES", DefaultMaxRetries); err != nil {
		return nil, err
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("MAX_RETRIES must be non-negative, got %d", cfg.MaxRetries)
	}

	if cfg.DashboardPort, err = intEnv("DASHBOARD_PORT", DefaultDashboardPort); err != nil {
		return nil, err
	}

	cfg.StoragePath = os.Getenv("STORAGE_PATH")
	if cfg.StoragePath == "" {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return nil, fmt.Errorf("resolving home directory for default storage path: %w", herr)
		}
		cfg.StoragePath = filepath.Join(home, defaultStorageDir, defaultDBFilename)
	}

	cfg.SkipTest = boolEnv("SKIP_TEST")

	if v := os.Getenv("WORKER_TIMEOUT"); v != "" {
		d, derr := time.ParseDuration(v)
		if derr != nil {
			return nil, fmt.Errorf("invalid WORKER_TIMEOUT %q: %w", v, derr)
		}
		cfg.WorkerTimeout = d
	}

	if v := os.Getenv("AGENT_CLI"); v != "" {
		cfg.AgentCLI = v
	}
	cfg.AgentModel = os.Getenv("AGENT_MODEL")
	if cfg.AgentMaxTurns, err = intEnv("AGENT_MAX_TURNS", 0); err != nil {
		return nil, err
	}

	return cfg, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func boolEnv(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
