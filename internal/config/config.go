// Package config provides configuration management for lsh. Values come
// from an optional lsh.yaml file, environment variables (LSH_*), and
// production-safe defaults, in ascending precedence.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/gwicho38/lsh/internal/logger"
)

// Environment names used by validation.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the root application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"       yaml:"app"`
	Logger    logger.Config   `mapstructure:"logger"    yaml:"logger"`
	Daemon    DaemonConfig    `mapstructure:"daemon"    yaml:"daemon"`
	Storage   StorageConfig   `mapstructure:"storage"   yaml:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"  yaml:"database"`
	Registry  RegistryConfig  `mapstructure:"registry"  yaml:"registry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor"  yaml:"executor"`
	API       APIConfig       `mapstructure:"api"       yaml:"api"`
	Secrets   SecretsConfig   `mapstructure:"secrets"   yaml:"secrets"`
	Sync      SyncConfig      `mapstructure:"sync"      yaml:"sync"`
}

// AppConfig holds application-level switches.
type AppConfig struct {
	Name        string `mapstructure:"name"        yaml:"name"`
	Version     string `mapstructure:"version"     yaml:"version"`
	Environment string `mapstructure:"environment" yaml:"environment"`
	Debug       bool   `mapstructure:"debug"       yaml:"debug"`
	// AllowDangerousCommands disables the dangerous-command check on job
	// submission. Rejected in production.
	AllowDangerousCommands bool `mapstructure:"allow_dangerous_commands" yaml:"allow_dangerous_commands"`
	// ForceHTTP allows the control API to serve plain HTTP behind TLS
	// terminators. Rejected in production.
	ForceHTTP bool `mapstructure:"force_http" yaml:"force_http"`
}

// DaemonConfig locates the daemon's runtime files.
type DaemonConfig struct {
	// DataDir is the per-user state directory, default ~/.lsh.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// SocketPath is the IPC socket, default /tmp/lsh-job-daemon-<user>.sock.
	SocketPath string `mapstructure:"socket_path" yaml:"socket_path"`
	// ShutdownTimeout bounds how long Stop waits for supervisors.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StorageConfig selects and tunes the storage backend.
type StorageConfig struct {
	// Backend is "file" or "postgres".
	Backend string `mapstructure:"backend" yaml:"backend"`
	// FlushInterval batches file-store writes; zero flushes immediately.
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
}

// DatabaseConfig configures the relational backend.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"               yaml:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"    yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// RegistryConfig bounds the in-memory execution registry.
type RegistryConfig struct {
	MaxRecordsPerJob int  `mapstructure:"max_records_per_job" yaml:"max_records_per_job"`
	MaxTotalRecords  int  `mapstructure:"max_total_records"   yaml:"max_total_records"`
	MaxOutputBytes   int  `mapstructure:"max_output_bytes"    yaml:"max_output_bytes"`
	RetentionDays    int  `mapstructure:"retention_days"      yaml:"retention_days"`
	MirrorLogs       bool `mapstructure:"mirror_logs"         yaml:"mirror_logs"`
}

// SchedulerConfig tunes the scheduling loop.
type SchedulerConfig struct {
	MinCheckInterval time.Duration `mapstructure:"min_check_interval" yaml:"min_check_interval"`
	MaxCheckInterval time.Duration `mapstructure:"max_check_interval" yaml:"max_check_interval"`
	DueBuffer        time.Duration `mapstructure:"due_buffer"         yaml:"due_buffer"`
}

// ExecutorConfig tunes process supervision.
type ExecutorConfig struct {
	MaxConcurrent  int           `mapstructure:"max_concurrent"  yaml:"max_concurrent"`
	KillGrace      time.Duration `mapstructure:"kill_grace"      yaml:"kill_grace"`
	SampleInterval time.Duration `mapstructure:"sample_interval" yaml:"sample_interval"`
}

// APIConfig configures the HTTP control API.
type APIConfig struct {
	Enabled      bool          `mapstructure:"enabled"       yaml:"enabled"`
	Host         string        `mapstructure:"host"          yaml:"host"`
	Port         int           `mapstructure:"port"          yaml:"port"`
	APIKey       string        `mapstructure:"api_key"       yaml:"api_key"`
	JWTSecret    string        `mapstructure:"jwt_secret"    yaml:"jwt_secret"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"  yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"  yaml:"idle_timeout"`
}

// SecretsConfig carries the bundle key material.
type SecretsConfig struct {
	// MasterKey is LSH_MASTER_KEY; FallbackKey is LSH_SECRETS_KEY.
	MasterKey   string `mapstructure:"master_key"   yaml:"master_key"`
	FallbackKey string `mapstructure:"fallback_key" yaml:"fallback_key"`
}

// Key resolves the effective bundle key: master key first, fallback second.
func (s SecretsConfig) Key() string {
	if s.MasterKey != "" {
		return s.MasterKey
	}
	return s.FallbackKey
}

// SyncConfig configures the content-addressed sync engine.
type SyncConfig struct {
	// IPFSAPIURL is the local daemon API base.
	IPFSAPIURL string `mapstructure:"ipfs_api_url" yaml:"ipfs_api_url"`
	// Gateways are public HTTP gateways tried for downloads after the
	// local daemon, in order.
	Gateways []string `mapstructure:"gateways" yaml:"gateways"`
	// RequestTimeout bounds each network attempt.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// Validate checks cross-field constraints. In production, switches that
// weaken safety are rejected outright.
func (c *Config) Validate() error {
	if c.App.Environment == EnvProduction {
		if c.App.AllowDangerousCommands {
			return fmt.Errorf("LSH_ALLOW_DANGEROUS_COMMANDS must not be enabled in production")
		}
		if c.App.ForceHTTP {
			return fmt.Errorf("LSH_FORCE_HTTP must not be enabled in production")
		}
	}
	switch c.Storage.Backend {
	case "file", "postgres":
	default:
		return fmt.Errorf("storage backend must be \"file\" or \"postgres\", got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("database url is required for the postgres backend")
	}
	if c.API.Enabled && c.API.Port <= 0 {
		return fmt.Errorf("api port must be positive, got %d", c.API.Port)
	}
	if len(c.Sync.Gateways) < minGateways {
		return fmt.Errorf("at least %d public gateways are required, got %d", minGateways, len(c.Sync.Gateways))
	}
	return nil
}

// minGateways is the floor for independent download fallbacks.
const minGateways = 2

// DataDir returns the expanded state directory.
func (c *Config) DataDir() string {
	return expandHome(c.Daemon.DataDir)
}

// StoragePath is the local JSON store document.
func (c *Config) StoragePath() string { return filepath.Join(c.DataDir(), "storage.json") }

// RegistryPath is the jobs and statistics snapshot.
func (c *Config) RegistryPath() string { return filepath.Join(c.DataDir(), "registry.json") }

// LogsDir holds per-execution output logs.
func (c *Config) LogsDir() string { return filepath.Join(c.DataDir(), "logs") }

// SecretsCacheDir holds encrypted bundle payloads keyed by CID.
func (c *Config) SecretsCacheDir() string { return filepath.Join(c.DataDir(), "secrets-cache") }

// MetadataPath is the bundle metadata index.
func (c *Config) MetadataPath() string { return filepath.Join(c.DataDir(), "secrets-metadata.json") }

// SyncHistoryPath is the append-only sync log.
func (c *Config) SyncHistoryPath() string { return filepath.Join(c.DataDir(), "sync-history.json") }

// PIDPath is the daemon PID file.
func (c *Config) PIDPath() string { return filepath.Join(c.DataDir(), "daemon.pid") }

// SocketPath returns the IPC socket path, deriving the per-user default
// when unset.
func (c *Config) SocketPath() string {
	if c.Daemon.SocketPath != "" {
		return c.Daemon.SocketPath
	}
	return DefaultSocketPath()
}

// DefaultSocketPath derives the per-user socket path.
func DefaultSocketPath() string {
	return fmt.Sprintf("/tmp/lsh-job-daemon-%s.sock", currentUsername())
}

func currentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

func expandHome(path string) string {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ".lsh"
		}
		return filepath.Join(home, ".lsh")
	}
	if path == "~" || (len(path) > 1 && path[:2] == "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
