package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/vango-dev/hive/internal/errors"
)

func TestNew(t *testing.T) {
	cfg := New()

	if cfg.Server.Port != DefaultPort {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, DefaultPort)
	}
	if cfg.Server.Host != DefaultHost {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, DefaultHost)
	}
	if cfg.Extensions.Entrypoint != DefaultEntrypoint {
		t.Errorf("Extensions.Entrypoint = %q, want %q", cfg.Extensions.Entrypoint, DefaultEntrypoint)
	}
	if cfg.Jobs.Store != "file" || cfg.Options.Store != "file" {
		t.Errorf("stores = %q/%q, want file/file", cfg.Jobs.Store, cfg.Options.Store)
	}
	if len(cfg.Jobs.Capabilities) != 2 {
		t.Errorf("Jobs.Capabilities = %v", cfg.Jobs.Capabilities)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()

	_, err := Load(tmpDir)
	if !errors.HasCode(err, errors.CodeConfigNotFound) {
		t.Fatalf("expected E120 for missing config, got %v", err)
	}

	configJSON := `{
  "name": "demo",
  "server": {"port": 9090, "workers": 3, "shutdownGrace": "5s", "ipcCodec": "msgpack"},
  "extensions": {"pluginsDir": "ext/plugins", "ignore": ["*.tmp"]},
  "jobs": {"store": "memory", "retentionDays": 7},
  "log": {"level": "debug", "format": "json"}
}
`
	if err := os.WriteFile(filepath.Join(tmpDir, ConfigFileName), []byte(configJSON), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.WorkerCount() != 3 {
		t.Errorf("WorkerCount = %d, want 3", cfg.WorkerCount())
	}
	if cfg.ShutdownGrace() != 5*time.Second {
		t.Errorf("ShutdownGrace = %v", cfg.ShutdownGrace())
	}
	if cfg.Server.IPCCodec != "msgpack" {
		t.Errorf("IPCCodec = %q", cfg.Server.IPCCodec)
	}
	if cfg.Options.Store != "memory" {
		t.Errorf("Options.Store should follow Jobs.Store, got %q", cfg.Options.Store)
	}
	if got, want := cfg.PluginsPath(), filepath.Join(tmpDir, "ext/plugins"); got != want {
		t.Errorf("PluginsPath = %q, want %q", got, want)
	}
	if got, want := cfg.ThemesPath(), filepath.Join(tmpDir, "themes"); got != want {
		t.Errorf("ThemesPath = %q, want %q", got, want)
	}
	if cfg.Debounce() != 50*time.Millisecond {
		t.Errorf("Debounce = %v", cfg.Debounce())
	}
}

func TestLoadYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configYAML := `
server:
  port: 7070
jobs:
  store: postgres
  dsn: postgres://localhost/hive
  archive:
    bucket: hive-archive
    region: eu-west-1
auth:
  tokens:
    secret:
      id: admin
      capabilities: [manage_jobs]
`
	if err := os.WriteFile(filepath.Join(tmpDir, "hive.yaml"), []byte(configYAML), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Jobs.Archive.Bucket != "hive-archive" || cfg.Jobs.Archive.Region != "eu-west-1" {
		t.Errorf("Archive = %+v", cfg.Jobs.Archive)
	}
	p, ok := cfg.Auth.Tokens["secret"]
	if !ok || p.ID != "admin" || len(p.Capabilities) != 1 {
		t.Errorf("Auth.Tokens = %+v", cfg.Auth.Tokens)
	}
}

func TestLoadInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, ConfigFileName)
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFile(path)
	if !errors.HasCode(err, errors.CodeConfigInvalid) {
		t.Fatalf("expected E121, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, ConfigFileName), []byte(`{"server":{"port":1000}}`), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HIVE_PORT", "2000")
	t.Setenv("HIVE_WORKERS", "2")

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 2000 || cfg.Server.Workers != 2 {
		t.Errorf("env overrides not applied: port=%d workers=%d", cfg.Server.Port, cfg.Server.Workers)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		subject string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"negative workers", func(c *Config) { c.Server.Workers = -1 }, "server.workers"},
		{"bad codec", func(c *Config) { c.Server.IPCCodec = "xml" }, "server.ipcCodec"},
		{"bad store", func(c *Config) { c.Jobs.Store = "redis" }, "jobs.store"},
		{"postgres without dsn", func(c *Config) { c.Jobs.Store = "postgres" }, "jobs.dsn"},
		{"bad duration", func(c *Config) { c.Jobs.CleanupInterval = "soon" }, "jobs.cleanupInterval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.HasCode(err, errors.CodeConfigValue) {
				t.Fatalf("expected E122, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.subject) {
				t.Errorf("error %q should name %q", err.Error(), tt.subject)
			}
		})
	}
}

func TestWorkerCountDefaultsToCPUs(t *testing.T) {
	cfg := New()
	if cfg.WorkerCount() != runtime.NumCPU() {
		t.Errorf("WorkerCount = %d, want %d", cfg.WorkerCount(), runtime.NumCPU())
	}
}

func TestSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := New()
	cfg.Name = "saved"
	cfg.Server.Port = 4321

	path := filepath.Join(tmpDir, "hive.yaml")
	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if loaded.Name != "saved" || loaded.Server.Port != 4321 {
		t.Errorf("loaded = %+v", loaded.Server)
	}
	if loaded.Path() != path || loaded.Dir() != tmpDir {
		t.Errorf("Path/Dir = %q/%q", loaded.Path(), loaded.Dir())
	}
}
