package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// Helper to clear all config-related env vars
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"LEDGERSYNC_CONFIG_PATH",
		"LEDGERSYNC_DEV_MODE",
		"LEDGERSYNC_PORT",
		"LEDGERSYNC_READ_TIMEOUT",
		"LEDGERSYNC_WRITE_TIMEOUT",
		"LEDGERSYNC_SHUTDOWN_TIMEOUT",
		"LEDGERSYNC_DB_PATH",
		"LEDGERSYNC_API_KEY",
		"LEDGERSYNC_LOG_LEVEL",
		"LEDGERSYNC_LOG_FORMAT",
		"LEDGERSYNC_LOCAL_PATH",
		"LEDGERSYNC_REMOTE_URL",
		"LEDGERSYNC_LEDGER_KEY",
		"LEDGERSYNC_TOKEN",
		"LEDGERSYNC_REMOTE_TIMEOUT",
		"LEDGERSYNC_SYNC_INTERVAL",
		"LEDGERSYNC_MIN_SYNC_INTERVAL",
		"LEDGERSYNC_BATCH_SIZE",
		"LEDGERSYNC_MAX_CONFLICT_RETRIES",
		"LEDGERSYNC_MAX_UNAVAILABLE_RETRIES",
		"LEDGERSYNC_MAX_ATTEMPTS",
		"LEDGERSYNC_BACKOFF_BASE",
		"LEDGERSYNC_BACKOFF_MAX",
		"LEDGERSYNC_STALENESS_WINDOW",
		"LEDGERSYNC_APPLIED_WINDOW",
		"LEDGERSYNC_COMPACTION_INTERVAL",
		"LEDGERSYNC_COMMIT_RETENTION",
		"LEDGERSYNC_AUDIT_DIR",
		"LEDGERSYNC_BACKUP_INTERVAL",
		"LEDGERSYNC_NATS_URL",
		"LEDGERSYNC_NATS_SUBJECT_PREFIX",
		"LEDGERSYNC_BACKUP_BUCKET",
		"LEDGERSYNC_S3_ENDPOINT",
		"LEDGERSYNC_S3_REGION",
		"LEDGERSYNC_S3_ACCESS_KEY",
		"LEDGERSYNC_S3_SECRET_KEY",
		"LEDGERSYNC_S3_USE_SSL",
		"LEDGERSYNC_S3_URL_EXPIRY",
		"LEDGERSYNC_BACKUP_PREFIX",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

// Helper to set dev mode
func setDevModeEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LEDGERSYNC_DEV_MODE", "true")
}

// dur converts Duration to time.Duration for comparison
func dur(d Duration) time.Duration {
	return time.Duration(d)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// Test: Default values when no config file and no env vars (dev mode)
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if dur(cfg.Server.ShutdownTimeout) != 15*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 15s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Database.Path != "data/ledgersync.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "data/ledgersync.db")
	}

	// Client defaults
	c := cfg.Client
	if dur(c.Timeout) != 10*time.Second {
		t.Errorf("Client.Timeout = %v, want 10s", c.Timeout)
	}
	if dur(c.SyncInterval) != 5*time.Minute {
		t.Errorf("Client.SyncInterval = %v, want 5m", c.SyncInterval)
	}
	if dur(c.MinSyncInterval) != 30*time.Second {
		t.Errorf("Client.MinSyncInterval = %v, want 30s", c.MinSyncInterval)
	}
	if c.BatchSize != 100 || c.MaxConflictRetries != 5 || c.MaxUnavailableRetries != 3 || c.MaxAttempts != 10 {
		t.Errorf("Client retry defaults = %+v", c)
	}
	if c.AppliedWindow != 512 {
		t.Errorf("Client.AppliedWindow = %d, want 512", c.AppliedWindow)
	}
	if c.StalenessWindow != 0 {
		t.Errorf("Client.StalenessWindow = %d, want 0", c.StalenessWindow)
	}

	// Worker defaults
	if dur(cfg.Worker.CompactionInterval) != time.Hour {
		t.Errorf("Worker.CompactionInterval = %v, want 1h", cfg.Worker.CompactionInterval)
	}
	if dur(cfg.Worker.CommitRetention) != 30*24*time.Hour {
		t.Errorf("Worker.CommitRetention = %v, want 720h", cfg.Worker.CommitRetention)
	}
	if dur(cfg.Worker.BackupInterval) != time.Hour {
		t.Errorf("Worker.BackupInterval = %v, want 1h", cfg.Worker.BackupInterval)
	}

	if cfg.Notify.NATSURL != "" {
		t.Errorf("Notify.NATSURL = %q, want empty", cfg.Notify.NATSURL)
	}
	if cfg.Notify.SubjectPrefix != "ledgersync.ledger" {
		t.Errorf("Notify.SubjectPrefix = %q", cfg.Notify.SubjectPrefix)
	}
	if cfg.Backup.Bucket != "" || cfg.Backup.UseSSL != nil {
		t.Errorf("Backup defaults = %+v, want local-only", cfg.Backup)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want info/json", cfg.Log)
	}
}

// Test: Validation fails without API key outside dev mode
func TestLoad_ValidationFailsWithoutAPIKey(t *testing.T) {
	clearEnv(t)

	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail without LEDGERSYNC_API_KEY")
	}
	if !strings.Contains(err.Error(), "LEDGERSYNC_API_KEY") {
		t.Errorf("error = %v, want mention of LEDGERSYNC_API_KEY", err)
	}
}

// Test: A client-only install needs just a token; serving needs the API key
func TestLoad_ClientTokenWithoutAPIKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("LEDGERSYNC_TOKEN", "device-token")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.RequireAPIKey(); err == nil {
		t.Error("RequireAPIKey() = nil, want error without LEDGERSYNC_API_KEY")
	}

	t.Setenv("LEDGERSYNC_DEV_MODE", "true")
	if err := cfg.RequireAPIKey(); err != nil {
		t.Errorf("RequireAPIKey() in dev mode = %v, want nil", err)
	}
}

// Test: API key doubles as the client token unless one is set
func TestLoad_TokenDefaultsToAPIKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("LEDGERSYNC_API_KEY", "server-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Client.Token != "server-key" {
		t.Errorf("Client.Token = %q, want %q", cfg.Client.Token, "server-key")
	}

	t.Setenv("LEDGERSYNC_TOKEN", "device-token")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Client.Token != "device-token" {
		t.Errorf("Client.Token = %q, want %q", cfg.Client.Token, "device-token")
	}
}

// Test: Range validation collects every problem
func TestLoadFromFile_InvalidValues(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	path := writeConfig(t, `
client:
  batch_size: 0
  applied_window: -1
backup:
  bucket: ledgers
`)
	_, err := LoadFromFile(path)
	if err == nil {
		t.Fatal("LoadFromFile() should fail")
	}
	for _, want := range []string{"batch_size", "applied_window", "backup.endpoint"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %v, want mention of %s", err, want)
		}
	}
}

// Test: a commit batch must fit in the applied-id window
func TestLoadFromFile_AppliedWindowBelowBatchSize(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{"window smaller than batch", "client:\n  batch_size: 5\n  applied_window: 2\n", true},
		{"default window smaller than batch", "client:\n  batch_size: 1000\n  applied_window: 0\n", true},
		{"window equal to batch", "client:\n  batch_size: 5\n  applied_window: 5\n", false},
		{"defaults", "log:\n  level: info\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			setDevModeEnv(t)

			_, err := LoadFromFile(writeConfig(t, tt.yaml))
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "client.applied_window") {
					t.Errorf("LoadFromFile() error = %v, want applied_window error", err)
				}
				return
			}
			if err != nil {
				t.Errorf("LoadFromFile() unexpected error = %v", err)
			}
		})
	}
}

// Test: YAML file loading
func TestLoadFromFile_ValidYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	path := writeConfig(t, `
server:
  port: 9999
  read_timeout: 5s
database:
  path: /srv/ledgers.db
client:
  remote_url: https://ledgers.example.com
  ledger_key: user-42
  sync_interval: 1m
  staleness_window: 20
worker:
  audit_dir: /srv/audit
notify:
  nats_url: nats://localhost:4222
backup:
  bucket: ledger-backups
  endpoint: s3.example.com
  use_ssl: false
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if dur(cfg.Server.ReadTimeout) != 5*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 5s", cfg.Server.ReadTimeout)
	}
	if cfg.Database.Path != "/srv/ledgers.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Client.RemoteURL != "https://ledgers.example.com" || cfg.Client.LedgerKey != "user-42" {
		t.Errorf("Client = %+v", cfg.Client)
	}
	if dur(cfg.Client.SyncInterval) != time.Minute {
		t.Errorf("Client.SyncInterval = %v, want 1m", cfg.Client.SyncInterval)
	}
	if cfg.Client.StalenessWindow != 20 {
		t.Errorf("Client.StalenessWindow = %d, want 20", cfg.Client.StalenessWindow)
	}
	// Unset fields keep defaults
	if cfg.Client.BatchSize != 100 {
		t.Errorf("Client.BatchSize = %d, want default 100", cfg.Client.BatchSize)
	}
	if cfg.Worker.AuditDir != "/srv/audit" {
		t.Errorf("Worker.AuditDir = %q", cfg.Worker.AuditDir)
	}
	if cfg.Notify.NATSURL != "nats://localhost:4222" {
		t.Errorf("Notify.NATSURL = %q", cfg.Notify.NATSURL)
	}
	if cfg.Backup.UseSSL == nil || *cfg.Backup.UseSSL {
		t.Errorf("Backup.UseSSL = %v, want explicit false", cfg.Backup.UseSSL)
	}
}

// Test: Env vars override YAML values
func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	path := writeConfig(t, `
server:
  port: 9999
client:
  ledger_key: from-yaml
`)
	t.Setenv("LEDGERSYNC_CONFIG_PATH", path)
	t.Setenv("LEDGERSYNC_PORT", "7070")
	t.Setenv("LEDGERSYNC_LEDGER_KEY", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Client.LedgerKey != "from-env" {
		t.Errorf("Client.LedgerKey = %q, want from-env", cfg.Client.LedgerKey)
	}
}

// Test: Empty env var does NOT override (only non-empty values override)
func TestLoad_EmptyEnvVarDoesNotOverride(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	t.Setenv("LEDGERSYNC_PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080 (default)", cfg.Server.Port)
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	path := writeConfig(t, "server: [unclosed")
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("LoadFromFile() should fail on invalid YAML")
	}
}

func TestLoadFromFile_InvalidDuration(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	path := writeConfig(t, "client:\n  sync_interval: soon\n")
	_, err := LoadFromFile(path)
	if err == nil {
		t.Fatal("LoadFromFile() should fail on invalid duration")
	}
	if !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("error = %v, want invalid duration", err)
	}
}

// Test: Missing config file is not an error
func TestLoad_MissingConfigFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	t.Setenv("LEDGERSYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
}

func TestConfig_SecretsNotInYAML(t *testing.T) {
	cfg := &Config{
		Auth:   AuthConfig{APIKey: "api-secret"},
		Client: ClientConfig{Token: "token-secret"},
		Backup: BackupConfig{AccessKey: "access-secret", SecretKey: "s3-secret"},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}

	yamlStr := string(data)
	for _, secret := range []string{"api-secret", "token-secret", "access-secret", "s3-secret"} {
		if strings.Contains(yamlStr, secret) {
			t.Errorf("YAML contains secret %q: %s", secret, yamlStr)
		}
	}
}

// Test: All env var mappings work correctly
func TestLoad_AllEnvVarMappings(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	env := map[string]string{
		"LEDGERSYNC_PORT":                    "3000",
		"LEDGERSYNC_SHUTDOWN_TIMEOUT":        "20s",
		"LEDGERSYNC_DB_PATH":                 "/env/db.sqlite",
		"LEDGERSYNC_API_KEY":                 "env-key",
		"LEDGERSYNC_LOG_FORMAT":              "text",
		"LEDGERSYNC_LOCAL_PATH":              "/env/local.db",
		"LEDGERSYNC_REMOTE_URL":              "http://remote:8080",
		"LEDGERSYNC_REMOTE_TIMEOUT":          "3s",
		"LEDGERSYNC_MIN_SYNC_INTERVAL":       "10s",
		"LEDGERSYNC_BATCH_SIZE":              "25",
		"LEDGERSYNC_MAX_CONFLICT_RETRIES":    "2",
		"LEDGERSYNC_MAX_UNAVAILABLE_RETRIES": "1",
		"LEDGERSYNC_MAX_ATTEMPTS":            "4",
		"LEDGERSYNC_BACKOFF_BASE":            "100ms",
		"LEDGERSYNC_BACKOFF_MAX":             "2s",
		"LEDGERSYNC_STALENESS_WINDOW":        "50",
		"LEDGERSYNC_APPLIED_WINDOW":          "64",
		"LEDGERSYNC_COMMIT_RETENTION":        "48h",
		"LEDGERSYNC_NATS_SUBJECT_PREFIX":     "test.ledger",
		"LEDGERSYNC_BACKUP_BUCKET":           "bkt",
		"LEDGERSYNC_S3_ENDPOINT":             "minio:9000",
		"LEDGERSYNC_S3_SECRET_KEY":           "shh",
		"LEDGERSYNC_S3_USE_SSL":              "false",
		"LEDGERSYNC_BACKUP_PREFIX":           "prod",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		name      string
		got, want any
	}{
		{"Server.Port", cfg.Server.Port, 3000},
		{"Server.ShutdownTimeout", dur(cfg.Server.ShutdownTimeout), 20 * time.Second},
		{"Database.Path", cfg.Database.Path, "/env/db.sqlite"},
		{"Auth.APIKey", cfg.Auth.APIKey, "env-key"},
		{"Log.Format", cfg.Log.Format, "text"},
		{"Client.LocalPath", cfg.Client.LocalPath, "/env/local.db"},
		{"Client.RemoteURL", cfg.Client.RemoteURL, "http://remote:8080"},
		{"Client.Timeout", dur(cfg.Client.Timeout), 3 * time.Second},
		{"Client.MinSyncInterval", dur(cfg.Client.MinSyncInterval), 10 * time.Second},
		{"Client.BatchSize", cfg.Client.BatchSize, 25},
		{"Client.MaxConflictRetries", cfg.Client.MaxConflictRetries, 2},
		{"Client.MaxUnavailableRetries", cfg.Client.MaxUnavailableRetries, 1},
		{"Client.MaxAttempts", cfg.Client.MaxAttempts, 4},
		{"Client.BackoffBase", dur(cfg.Client.BackoffBase), 100 * time.Millisecond},
		{"Client.BackoffMax", dur(cfg.Client.BackoffMax), 2 * time.Second},
		{"Client.StalenessWindow", cfg.Client.StalenessWindow, int64(50)},
		{"Client.AppliedWindow", cfg.Client.AppliedWindow, 64},
		{"Worker.CommitRetention", dur(cfg.Worker.CommitRetention), 48 * time.Hour},
		{"Notify.SubjectPrefix", cfg.Notify.SubjectPrefix, "test.ledger"},
		{"Backup.Bucket", cfg.Backup.Bucket, "bkt"},
		{"Backup.Endpoint", cfg.Backup.Endpoint, "minio:9000"},
		{"Backup.SecretKey", cfg.Backup.SecretKey, "shh"},
		{"Backup.Prefix", cfg.Backup.Prefix, "prod"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if cfg.Backup.UseSSL == nil || *cfg.Backup.UseSSL {
		t.Errorf("Backup.UseSSL = %v, want false", cfg.Backup.UseSSL)
	}
}
