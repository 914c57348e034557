package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vango-dev/hive/internal/errors"
)

const (
	// ConfigFileName is the name of the JSON configuration file.
	ConfigFileName = "hive.json"

	// DefaultPort is the default public port.
	DefaultPort = 8080

	// DefaultHost is the default bind host.
	DefaultHost = "0.0.0.0"

	// DefaultEntrypoint is the extension entrypoint file looked up in each extension folder.
	DefaultEntrypoint = "extension.yaml"
)

// yamlFileNames are accepted in addition to ConfigFileName, in lookup order.
var yamlFileNames = []string{"hive.yaml", "hive.yml"}

// Config represents the complete hive configuration.
type Config struct {
	// Name is the site name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Server contains process and listener configuration.
	Server ServerConfig `json:"server" yaml:"server"`

	// Extensions contains plugin and theme configuration.
	Extensions ExtensionsConfig `json:"extensions" yaml:"extensions"`

	// Jobs contains background job configuration.
	Jobs JobsConfig `json:"jobs" yaml:"jobs"`

	// Options contains option store configuration.
	Options OptionsConfig `json:"options" yaml:"options"`

	// Metrics contains Prometheus configuration.
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Log contains logger configuration.
	Log LogConfig `json:"log" yaml:"log"`

	// Auth maps bearer tokens to principals for the operational endpoints.
	Auth AuthConfig `json:"auth" yaml:"auth"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// ServerConfig contains listener and worker settings.
type ServerConfig struct {
	// Host is the host to bind to.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`

	// Port is the public port.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// Workers is the number of worker processes. Zero means one per CPU.
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty"`

	// ShutdownGrace is how long workers get to drain on restart (e.g., "10s").
	ShutdownGrace string `json:"shutdownGrace,omitempty" yaml:"shutdownGrace,omitempty"`

	// IPCCodec selects the supervisor/worker wire codec: "json" or "msgpack".
	IPCCodec string `json:"ipcCodec,omitempty" yaml:"ipcCodec,omitempty"`
}

// ExtensionsConfig contains plugin and theme folder settings.
type ExtensionsConfig struct {
	// PluginsDir is the directory holding one folder per plugin.
	PluginsDir string `json:"pluginsDir,omitempty" yaml:"pluginsDir,omitempty"`

	// ThemesDir is the directory holding one folder per theme.
	ThemesDir string `json:"themesDir,omitempty" yaml:"themesDir,omitempty"`

	// Entrypoint is the file name loaded from each extension folder.
	Entrypoint string `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`

	// Ignore contains patterns excluded from content hashing.
	Ignore []string `json:"ignore,omitempty" yaml:"ignore,omitempty"`

	// Debounce coalesces bursts of file events (e.g., "50ms").
	Debounce string `json:"debounce,omitempty" yaml:"debounce,omitempty"`
}

// JobsConfig contains job storage and retention settings.
type JobsConfig struct {
	// Store is the backend: "file", "memory", or "postgres".
	Store string `json:"store,omitempty" yaml:"store,omitempty"`

	// Dir is the directory used by the file store.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// DSN is the postgres connection string.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`

	// RetentionDays is the age after which finished jobs are removed. Zero disables cleanup.
	RetentionDays int `json:"retentionDays,omitempty" yaml:"retentionDays,omitempty"`

	// CleanupInterval is how often the elected worker sweeps old jobs (e.g., "1h").
	CleanupInterval string `json:"cleanupInterval,omitempty" yaml:"cleanupInterval,omitempty"`

	// Capabilities are the realtime capabilities allowed to see job updates.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`

	// Archive configures S3 archival of cleaned-up jobs.
	Archive ArchiveConfig `json:"archive" yaml:"archive"`
}

// ArchiveConfig contains S3 archive settings. An empty bucket disables archival.
type ArchiveConfig struct {
	Bucket   string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Region   string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// OptionsConfig contains option store settings.
type OptionsConfig struct {
	// Store is the backend: "file", "memory", or "postgres".
	Store string `json:"store,omitempty" yaml:"store,omitempty"`

	// Path is the JSON file used by the file store.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	// Enabled exposes /metrics on every worker.
	Enabled bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// Address is where the supervisor serves its own metrics. Empty disables it.
	Address string `json:"address,omitempty" yaml:"address,omitempty"`

	// Namespace prefixes every metric name.
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level,omitempty" yaml:"level,omitempty"`

	// Format is "text" or "json".
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// AuthConfig maps tokens to principals.
type AuthConfig struct {
	Tokens map[string]PrincipalConfig `json:"tokens,omitempty" yaml:"tokens,omitempty"`
}

// PrincipalConfig is the identity a token authenticates as.
type PrincipalConfig struct {
	ID           string   `json:"id" yaml:"id"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads configuration from the specified directory.
// It looks for hive.json, then hive.yaml and hive.yml.
func Load(dir string) (*Config, error) {
	candidates := append([]string{ConfigFileName}, yamlFileNames...)
	for _, name := range candidates {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return nil, errors.New(errors.CodeConfigNotFound).
		WithSubject(dir).
		WithSuggestion("Create hive.json or run 'hive serve' with --config")
}

// LoadFile reads configuration from the specified file path.
// Files ending in .yaml or .yml are parsed as YAML, everything else as JSON.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.CodeConfigNotFound).WithSubject(path)
		}
		return nil, errors.New(errors.CodeConfigInvalid).WithSubject(path).Wrap(err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, errors.New(errors.CodeConfigInvalid).
			WithSubject(path).
			WithDetail("Failed to parse " + filepath.Base(path) + ": " + err.Error())
	}

	cfg.configPath = path
	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the file it was loaded from.
func (c *Config) Save() error {
	if c.configPath == "" {
		return errors.Newf(errors.CategoryConfig, "no config path set")
	}
	return c.SaveTo(c.configPath)
}

// SaveTo writes the configuration to the specified path.
func (c *Config) SaveTo(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return errors.New(errors.CodeConfigInvalid).Wrap(err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.New(errors.CodeConfigInvalid).Wrap(err)
	}

	c.configPath = path
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the directory containing the config file.
func (c *Config) Dir() string {
	if c.configPath == "" {
		return ""
	}
	return filepath.Dir(c.configPath)
}

// applyEnv applies HIVE_* environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("HIVE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("HIVE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Workers = n
		}
	}
	if v := os.Getenv("HIVE_DSN"); v != "" {
		c.Jobs.DSN = v
	}
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	// Server
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ShutdownGrace == "" {
		c.Server.ShutdownGrace = "10s"
	}
	if c.Server.IPCCodec == "" {
		c.Server.IPCCodec = "json"
	}

	// Extensions
	if c.Extensions.PluginsDir == "" {
		c.Extensions.PluginsDir = "plugins"
	}
	if c.Extensions.ThemesDir == "" {
		c.Extensions.ThemesDir = "themes"
	}
	if c.Extensions.Entrypoint == "" {
		c.Extensions.Entrypoint = DefaultEntrypoint
	}
	if c.Extensions.Debounce == "" {
		c.Extensions.Debounce = "50ms"
	}

	// Jobs
	if c.Jobs.Store == "" {
		c.Jobs.Store = "file"
	}
	if c.Jobs.Dir == "" {
		c.Jobs.Dir = "data/jobs"
	}
	if c.Jobs.CleanupInterval == "" {
		c.Jobs.CleanupInterval = "1h"
	}
	if c.Jobs.Capabilities == nil {
		c.Jobs.Capabilities = []string{"manage_options", "manage_jobs"}
	}

	// Options follow the job store unless set.
	if c.Options.Store == "" {
		c.Options.Store = c.Jobs.Store
	}
	if c.Options.Path == "" {
		c.Options.Path = "data/options.json"
	}

	// Metrics
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "hive"
	}

	// Log
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

var validStores = map[string]bool{"file": true, "memory": true, "postgres": true}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New(errors.CodeConfigValue).
			WithSubject("server.port").
			WithDetail("Port must be between 1 and 65535")
	}
	if c.Server.Workers < 0 {
		return errors.New(errors.CodeConfigValue).
			WithSubject("server.workers").
			WithDetail("Workers must be zero (one per CPU) or positive")
	}
	if c.Server.IPCCodec != "json" && c.Server.IPCCodec != "msgpack" {
		return errors.New(errors.CodeConfigValue).
			WithSubject("server.ipcCodec").
			WithDetail("Codec must be json or msgpack")
	}
	if !validStores[c.Jobs.Store] {
		return errors.New(errors.CodeConfigValue).
			WithSubject("jobs.store").
			WithDetail("Store must be file, memory, or postgres")
	}
	if !validStores[c.Options.Store] {
		return errors.New(errors.CodeConfigValue).
			WithSubject("options.store").
			WithDetail("Store must be file, memory, or postgres")
	}
	if (c.Jobs.Store == "postgres" || c.Options.Store == "postgres") && c.Jobs.DSN == "" {
		return errors.New(errors.CodeConfigValue).
			WithSubject("jobs.dsn").
			WithDetail("The postgres store needs a connection string").
			WithSuggestion("Set jobs.dsn or HIVE_DSN")
	}
	if c.Jobs.RetentionDays < 0 {
		return errors.New(errors.CodeConfigValue).
			WithSubject("jobs.retentionDays")
	}
	for field, value := range map[string]string{
		"server.shutdownGrace": c.Server.ShutdownGrace,
		"extensions.debounce":  c.Extensions.Debounce,
		"jobs.cleanupInterval": c.Jobs.CleanupInterval,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return errors.New(errors.CodeConfigValue).
				WithSubject(field).
				WithDetail("Not a valid duration: " + value)
		}
	}
	return nil
}

// Address returns the public listen address.
func (c *Config) Address() string {
	return c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}

// WorkerCount returns the configured worker count, resolving zero to the CPU count.
func (c *Config) WorkerCount() int {
	if c.Server.Workers > 0 {
		return c.Server.Workers
	}
	return runtime.NumCPU()
}

// ShutdownGrace returns the parsed shutdown grace window.
func (c *Config) ShutdownGrace() time.Duration {
	return parseDuration(c.Server.ShutdownGrace, 10*time.Second)
}

// Debounce returns the parsed file event debounce window.
func (c *Config) Debounce() time.Duration {
	return parseDuration(c.Extensions.Debounce, 50*time.Millisecond)
}

// CleanupInterval returns the parsed job cleanup interval.
func (c *Config) CleanupInterval() time.Duration {
	return parseDuration(c.Jobs.CleanupInterval, time.Hour)
}

// PluginsPath returns the absolute path to the plugins directory.
func (c *Config) PluginsPath() string {
	return c.resolve(c.Extensions.PluginsDir)
}

// ThemesPath returns the absolute path to the themes directory.
func (c *Config) ThemesPath() string {
	return c.resolve(c.Extensions.ThemesDir)
}

// JobsPath returns the absolute path to the file job store directory.
func (c *Config) JobsPath() string {
	return c.resolve(c.Jobs.Dir)
}

// OptionsPath returns the absolute path to the file option store.
func (c *Config) OptionsPath() string {
	return c.resolve(c.Options.Path)
}

func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Dir(), path)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
