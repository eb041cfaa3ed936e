package config

import (
	"strings"
	"testing"
	"time"
)

func baseConfig() *Config {
	return &Config{
		App:     AppConfig{Environment: EnvDevelopment},
		Storage: StorageConfig{Backend: "file"},
		API:     APIConfig{Port: 3030},
		Sync: SyncConfig{
			IPFSAPIURL:     "http://127.0.0.1:5001",
			Gateways:       []string{"https://ipfs.io/ipfs/", "https://dweb.link/ipfs/"},
			RequestTimeout: 30 * time.Second,
		},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid development config", func(_ *Config) {}, ""},
		{
			"dangerous commands rejected in production",
			func(c *Config) {
				c.App.Environment = EnvProduction
				c.App.AllowDangerousCommands = true
			},
			"LSH_ALLOW_DANGEROUS_COMMANDS",
		},
		{
			"force http rejected in production",
			func(c *Config) {
				c.App.Environment = EnvProduction
				c.App.ForceHTTP = true
			},
			"LSH_FORCE_HTTP",
		},
		{
			"dangerous commands allowed in development",
			func(c *Config) { c.App.AllowDangerousCommands = true },
			"",
		},
		{
			"unknown storage backend",
			func(c *Config) { c.Storage.Backend = "sqlite" },
			"storage backend",
		},
		{
			"postgres requires url",
			func(c *Config) { c.Storage.Backend = "postgres" },
			"database url",
		},
		{
			"postgres with url",
			func(c *Config) {
				c.Storage.Backend = "postgres"
				c.Database.URL = "postgres://localhost/lsh"
			},
			"",
		},
		{
			"api enabled requires positive port",
			func(c *Config) {
				c.API.Enabled = true
				c.API.Port = 0
			},
			"api port",
		},
		{
			"too few gateways",
			func(c *Config) { c.Sync.Gateways = []string{"https://ipfs.io/ipfs/"} },
			"gateways",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestSecretsKeyResolution(t *testing.T) {
	tests := []struct {
		name string
		cfg  SecretsConfig
		want string
	}{
		{"master key wins", SecretsConfig{MasterKey: "m", FallbackKey: "f"}, "m"},
		{"fallback when master empty", SecretsConfig{FallbackKey: "f"}, "f"},
		{"both empty", SecretsConfig{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Key(); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDefaultSocketPath(t *testing.T) {
	got := DefaultSocketPath()
	if !strings.HasPrefix(got, "/tmp/lsh-job-daemon-") || !strings.HasSuffix(got, ".sock") {
		t.Errorf("DefaultSocketPath() = %q, want /tmp/lsh-job-daemon-<user>.sock", got)
	}
}

func TestDataDirLayout(t *testing.T) {
	cfg := &Config{Daemon: DaemonConfig{DataDir: "/var/lib/lsh"}}

	paths := map[string]string{
		cfg.StoragePath():     "/var/lib/lsh/storage.json",
		cfg.RegistryPath():    "/var/lib/lsh/registry.json",
		cfg.LogsDir():         "/var/lib/lsh/logs",
		cfg.SecretsCacheDir(): "/var/lib/lsh/secrets-cache",
		cfg.MetadataPath():    "/var/lib/lsh/secrets-metadata.json",
		cfg.SyncHistoryPath(): "/var/lib/lsh/sync-history.json",
		cfg.PIDPath():         "/var/lib/lsh/daemon.pid",
	}
	for got, want := range paths {
		if got != want {
			t.Errorf("path = %q, want %q", got, want)
		}
	}
}
