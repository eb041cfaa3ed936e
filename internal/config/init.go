package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Default tuning values. These mirror the documented daemon behavior;
// operators override them via lsh.yaml or LSH_* variables.
const (
	defaultAPIPort          = 3030
	defaultMaxRecordsPerJob = 200
	defaultMaxTotalRecords  = 10000
	defaultMaxOutputBytes   = 1 << 20 // 1 MiB per execution
	defaultRetentionDays    = 30
	defaultMaxConcurrent    = 8
)

// Initialize wires viper: .env file, environment variables, optional
// lsh.yaml, and defaults. Call once before Load.
func Initialize() error {
	loadEnvFile()
	setupViper()
	setDefaults()
	readConfigFile()

	if err := bindEnvironmentVariables(); err != nil {
		return fmt.Errorf("failed to bind environment variables: %w", err)
	}
	return nil
}

// Load unmarshals the merged configuration.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.App.Debug {
		cfg.Logger.Level = "debug"
		cfg.Logger.Development = true
	}
	return &cfg, nil
}

// loadEnvFile loads .env if present; absence is not an error.
func loadEnvFile() {
	_ = godotenv.Load()
}

func setupViper() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetConfigName("lsh")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("$HOME/.lsh")
}

// readConfigFile reads lsh.yaml if present; absence is not an error.
func readConfigFile() {
	_ = viper.ReadInConfig()
}

// bindEnvironmentVariables binds the documented LSH_* variables to their
// config keys. AutomaticEnv alone cannot map these because the variable
// names do not follow the key structure.
func bindEnvironmentVariables() error {
	bindings := map[string]string{
		"app.debug":                    "LSH_DEBUG",
		"app.allow_dangerous_commands": "LSH_ALLOW_DANGEROUS_COMMANDS",
		"app.force_http":               "LSH_FORCE_HTTP",
		"api.enabled":                  "LSH_API_ENABLED",
		"api.port":                     "LSH_API_PORT",
		"api.api_key":                  "LSH_API_KEY",
		"api.jwt_secret":               "LSH_JWT_SECRET",
		"secrets.master_key":           "LSH_MASTER_KEY",
		"secrets.fallback_key":         "LSH_SECRETS_KEY",
		"database.url":                 "DATABASE_URL",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}
	return nil
}

// setDefaults sets production-safe defaults.
func setDefaults() {
	viper.SetDefault("app", map[string]any{
		"name":                     "lsh",
		"version":                  "1.0.0",
		"environment":              EnvProduction,
		"debug":                    false,
		"allow_dangerous_commands": false,
		"force_http":               false,
	})

	viper.SetDefault("logger", map[string]any{
		"level":        "info",
		"development":  false,
		"encoding":     "json",
		"output_paths": []string{"stdout"},
		"enable_color": false,
	})

	viper.SetDefault("daemon", map[string]any{
		"data_dir":         "",
		"socket_path":      "",
		"shutdown_timeout": "30s",
	})

	viper.SetDefault("storage", map[string]any{
		"backend":        "file",
		"flush_interval": "0s",
	})

	viper.SetDefault("database", map[string]any{
		"url":               "",
		"max_open_conns":    10,
		"max_idle_conns":    5,
		"conn_max_lifetime": "30m",
	})

	viper.SetDefault("registry", map[string]any{
		"max_records_per_job": defaultMaxRecordsPerJob,
		"max_total_records":   defaultMaxTotalRecords,
		"max_output_bytes":    defaultMaxOutputBytes,
		"retention_days":      defaultRetentionDays,
		"mirror_logs":         true,
	})

	viper.SetDefault("scheduler", map[string]any{
		"min_check_interval": "100ms",
		"max_check_interval": "60s",
		"due_buffer":         "50ms",
	})

	viper.SetDefault("executor", map[string]any{
		"max_concurrent":  defaultMaxConcurrent,
		"kill_grace":      "5s",
		"sample_interval": "500ms",
	})

	viper.SetDefault("api", map[string]any{
		"enabled":       false,
		"host":          "127.0.0.1",
		"port":          defaultAPIPort,
		"read_timeout":  "15s",
		"write_timeout": "15s",
		"idle_timeout":  "60s",
	})

	viper.SetDefault("sync", map[string]any{
		"ipfs_api_url": "http://127.0.0.1:5001",
		"gateways": []string{
			"https://ipfs.io/ipfs/",
			"https://dweb.link/ipfs/",
			"https://cloudflare-ipfs.com/ipfs/",
		},
		"request_timeout": "30s",
	})
}
