package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/ledgersync/internal/policy"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Client   ClientConfig   `yaml:"client"`
	Worker   WorkerConfig   `yaml:"worker"`
	Notify   NotifyConfig   `yaml:"notify"`
	Backup   BackupConfig   `yaml:"backup"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains backend database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ClientConfig contains on-device sync client settings.
type ClientConfig struct {
	LocalPath             string   `yaml:"local_path"`
	RemoteURL             string   `yaml:"remote_url"`
	LedgerKey             string   `yaml:"ledger_key"`
	Token                 string   `yaml:"-"` // env-only; defaults to auth.api_key
	Timeout               Duration `yaml:"timeout"`
	SyncInterval          Duration `yaml:"sync_interval"`
	MinSyncInterval       Duration `yaml:"min_sync_interval"`
	BatchSize             int      `yaml:"batch_size"`
	MaxConflictRetries    int      `yaml:"max_conflict_retries"`
	MaxUnavailableRetries int      `yaml:"max_unavailable_retries"`
	MaxAttempts           int      `yaml:"max_attempts"`
	BackoffBase           Duration `yaml:"backoff_base"`
	BackoffMax            Duration `yaml:"backoff_max"`
	StalenessWindow       int64    `yaml:"staleness_window"`
	AppliedWindow         int      `yaml:"applied_window"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	CompactionInterval Duration `yaml:"compaction_interval"`
	CommitRetention    Duration `yaml:"commit_retention"`
	AuditDir           string   `yaml:"audit_dir"`
	BackupInterval     Duration `yaml:"backup_interval"`
}

// NotifyConfig contains change fan-out settings. An empty NATSURL keeps
// notifications in-process.
type NotifyConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// BackupConfig contains S3-compatible backup storage settings.
// An empty Bucket keeps backups local-only.
type BackupConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
	Prefix    string   `yaml:"prefix"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("LEDGERSYNC_CONFIG_PATH", "config/ledgersync.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/ledgersync.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Client: ClientConfig{
			LocalPath:             "~/.ledgersync/local.db",
			RemoteURL:             "http://localhost:8080",
			Timeout:               Duration(10 * time.Second),
			SyncInterval:          Duration(5 * time.Minute),
			MinSyncInterval:       Duration(30 * time.Second),
			BatchSize:             100,
			MaxConflictRetries:    5,
			MaxUnavailableRetries: 3,
			MaxAttempts:           10,
			BackoffBase:           Duration(500 * time.Millisecond),
			BackoffMax:            Duration(30 * time.Second),
			StalenessWindow:       0,
			AppliedWindow:         512,
		},
		Worker: WorkerConfig{
			CompactionInterval: Duration(1 * time.Hour),
			CommitRetention:    Duration(30 * 24 * time.Hour),
			BackupInterval:     Duration(1 * time.Hour),
		},
		Notify: NotifyConfig{
			SubjectPrefix: "ledgersync.ledger",
		},
		Backup: BackupConfig{
			URLExpiry: Duration(15 * time.Minute),
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("LEDGERSYNC_PORT", &cfg.Server.Port)
	envDuration("LEDGERSYNC_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("LEDGERSYNC_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("LEDGERSYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	envString("LEDGERSYNC_DB_PATH", &cfg.Database.Path)

	// Auth
	envString("LEDGERSYNC_API_KEY", &cfg.Auth.APIKey)

	// Log
	envString("LEDGERSYNC_LOG_LEVEL", &cfg.Log.Level)
	envString("LEDGERSYNC_LOG_FORMAT", &cfg.Log.Format)

	// Client
	envString("LEDGERSYNC_LOCAL_PATH", &cfg.Client.LocalPath)
	envString("LEDGERSYNC_REMOTE_URL", &cfg.Client.RemoteURL)
	envString("LEDGERSYNC_LEDGER_KEY", &cfg.Client.LedgerKey)
	envString("LEDGERSYNC_TOKEN", &cfg.Client.Token)
	envDuration("LEDGERSYNC_REMOTE_TIMEOUT", &cfg.Client.Timeout)
	envDuration("LEDGERSYNC_SYNC_INTERVAL", &cfg.Client.SyncInterval)
	envDuration("LEDGERSYNC_MIN_SYNC_INTERVAL", &cfg.Client.MinSyncInterval)
	envInt("LEDGERSYNC_BATCH_SIZE", &cfg.Client.BatchSize)
	envInt("LEDGERSYNC_MAX_CONFLICT_RETRIES", &cfg.Client.MaxConflictRetries)
	envInt("LEDGERSYNC_MAX_UNAVAILABLE_RETRIES", &cfg.Client.MaxUnavailableRetries)
	envInt("LEDGERSYNC_MAX_ATTEMPTS", &cfg.Client.MaxAttempts)
	envDuration("LEDGERSYNC_BACKOFF_BASE", &cfg.Client.BackoffBase)
	envDuration("LEDGERSYNC_BACKOFF_MAX", &cfg.Client.BackoffMax)
	if v := os.Getenv("LEDGERSYNC_STALENESS_WINDOW"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Client.StalenessWindow = n
		}
	}
	envInt("LEDGERSYNC_APPLIED_WINDOW", &cfg.Client.AppliedWindow)

	// Worker
	envDuration("LEDGERSYNC_COMPACTION_INTERVAL", &cfg.Worker.CompactionInterval)
	envDuration("LEDGERSYNC_COMMIT_RETENTION", &cfg.Worker.CommitRetention)
	envString("LEDGERSYNC_AUDIT_DIR", &cfg.Worker.AuditDir)
	envDuration("LEDGERSYNC_BACKUP_INTERVAL", &cfg.Worker.BackupInterval)

	// Notify
	envString("LEDGERSYNC_NATS_URL", &cfg.Notify.NATSURL)
	envString("LEDGERSYNC_NATS_SUBJECT_PREFIX", &cfg.Notify.SubjectPrefix)

	// Backup
	envString("LEDGERSYNC_BACKUP_BUCKET", &cfg.Backup.Bucket)
	envString("LEDGERSYNC_S3_ENDPOINT", &cfg.Backup.Endpoint)
	envString("LEDGERSYNC_S3_REGION", &cfg.Backup.Region)
	envString("LEDGERSYNC_S3_ACCESS_KEY", &cfg.Backup.AccessKey)
	envString("LEDGERSYNC_S3_SECRET_KEY", &cfg.Backup.SecretKey)
	if v := os.Getenv("LEDGERSYNC_S3_USE_SSL"); v != "" {
		b := v == "true" || v == "1"
		cfg.Backup.UseSSL = &b
	}
	envDuration("LEDGERSYNC_S3_URL_EXPIRY", &cfg.Backup.URLExpiry)
	envString("LEDGERSYNC_BACKUP_PREFIX", &cfg.Backup.Prefix)

	if cfg.Client.Token == "" {
		cfg.Client.Token = cfg.Auth.APIKey
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// validate checks that required configuration values are set.
// In dev mode (LEDGERSYNC_DEV_MODE=true), credential validation is skipped.
func (c *Config) validate() error {
	var errs []error

	if c.Client.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("client.batch_size must be positive, got %d", c.Client.BatchSize))
	}
	if c.Client.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("client.max_attempts must be positive, got %d", c.Client.MaxAttempts))
	}
	if c.Client.StalenessWindow < 0 {
		errs = append(errs, fmt.Errorf("client.staleness_window must not be negative, got %d", c.Client.StalenessWindow))
	}
	if c.Client.AppliedWindow < 0 {
		errs = append(errs, fmt.Errorf("client.applied_window must not be negative, got %d", c.Client.AppliedWindow))
	}
	// A commit's ids must all fit in the remote applied-id window.
	window := c.Client.AppliedWindow
	if window == 0 {
		window = policy.DefaultAppliedWindow
	}
	if window > 0 && c.Client.BatchSize > window {
		errs = append(errs, fmt.Errorf("client.applied_window (%d) must be at least client.batch_size (%d)",
			window, c.Client.BatchSize))
	}
	if c.Backup.Bucket != "" && c.Backup.Endpoint == "" {
		errs = append(errs, errors.New("backup.endpoint is required when backup.bucket is set"))
	}

	// Dev mode bypasses credential validation. A client-only install
	// carries just its token.
	if !DevMode() && c.Auth.APIKey == "" && c.Client.Token == "" {
		errs = append(errs, errors.New("LEDGERSYNC_API_KEY or LEDGERSYNC_TOKEN is required"))
	}
	return errors.Join(errs...)
}

// DevMode reports whether LEDGERSYNC_DEV_MODE=true.
func DevMode() bool {
	return os.Getenv("LEDGERSYNC_DEV_MODE") == "true"
}

// RequireAPIKey fails unless the server has an API key or runs in dev mode.
func (c *Config) RequireAPIKey() error {
	if c.Auth.APIKey == "" && !DevMode() {
		return errors.New("LEDGERSYNC_API_KEY is required to serve")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
