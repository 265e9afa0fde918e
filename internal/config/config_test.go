// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./ria.db"
auth:
  token_secret: "0123456789abcdef0123456789abcdef"
flow:
  path: "./flows/main.yaml"
archive:
  dir: "./archive"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
  max_concurrency: 8
database:
  driver: "sqlite3"
  path: "./test.db"
auth:
  token_secret: "0123456789abcdef0123456789abcdef"
  token_ttl: "2h"
flow:
  path: "./flows/main.yaml"
  script_timeout: "500ms"
sessions:
  timeout: "10m"
  sweep_interval: "30s"
models:
  context_lines: 5
  max_query_length: 1000
  request_timeout: "20s"
  normal_turnaround: "2s"
  slow_factor: 2.5
archive:
  dir: "./archive"
  redis_url: "redis://localhost:6379/0"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.MaxConcurrency != 8 {
		t.Errorf("Server.MaxConcurrency = %d, want 8", cfg.Server.MaxConcurrency)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("Database.Driver = %q, want sqlite3", cfg.Database.Driver)
	}
	if cfg.Auth.TokenTTL != 2*time.Hour {
		t.Errorf("Auth.TokenTTL = %v, want 2h", cfg.Auth.TokenTTL)
	}
	if cfg.Flow.ScriptTimeout != 500*time.Millisecond {
		t.Errorf("Flow.ScriptTimeout = %v, want 500ms", cfg.Flow.ScriptTimeout)
	}
	if cfg.Sessions.Timeout != 10*time.Minute {
		t.Errorf("Sessions.Timeout = %v, want 10m", cfg.Sessions.Timeout)
	}
	if cfg.Sessions.SweepInterval != 30*time.Second {
		t.Errorf("Sessions.SweepInterval = %v, want 30s", cfg.Sessions.SweepInterval)
	}
	if cfg.Models.ContextLines != 5 || cfg.Models.MaxQueryLength != 1000 {
		t.Errorf("Models context = %d/%d, want 5/1000", cfg.Models.ContextLines, cfg.Models.MaxQueryLength)
	}
	if cfg.Models.SlowFactor != 2.5 {
		t.Errorf("Models.SlowFactor = %v, want 2.5", cfg.Models.SlowFactor)
	}
	if cfg.Archive.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("Archive.RedisURL = %q", cfg.Archive.RedisURL)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Sessions.Timeout != 15*time.Minute {
		t.Errorf("Sessions.Timeout = %v, want 15m", cfg.Sessions.Timeout)
	}
	if cfg.Sessions.SweepInterval != time.Minute {
		t.Errorf("Sessions.SweepInterval = %v, want 1m", cfg.Sessions.SweepInterval)
	}
	if cfg.Models.ContextLines != 20 {
		t.Errorf("Models.ContextLines = %d, want 20", cfg.Models.ContextLines)
	}
	if cfg.Agents.RequestTimeout != 10*time.Second {
		t.Errorf("Agents.RequestTimeout = %v, want 10s", cfg.Agents.RequestTimeout)
	}
	if cfg.Archive.RedisKey != "ria:archives" {
		t.Errorf("Archive.RedisKey = %q, want ria:archives", cfg.Archive.RedisKey)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want info/text", cfg.Logging)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("RIA_TEST_SECRET", "ffffffffffffffffffffffffffffffff")
	t.Setenv("RIA_TEST_FLOW", "/srv/flows/main.yaml")

	path := writeConfig(t, strings.NewReplacer(
		`"0123456789abcdef0123456789abcdef"`, `"${RIA_TEST_SECRET}"`,
		`"./flows/main.yaml"`, `"${RIA_TEST_FLOW}"`,
	).Replace(minimalConfig))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.TokenSecret != "ffffffffffffffffffffffffffffffff" {
		t.Errorf("Auth.TokenSecret = %q", cfg.Auth.TokenSecret)
	}
	if cfg.Flow.Path != "/srv/flows/main.yaml" {
		t.Errorf("Flow.Path = %q", cfg.Flow.Path)
	}
}

func TestExpandEnvVars_Unset(t *testing.T) {
	got := expandEnvVars("key: ${RIA_DEFINITELY_NOT_SET_12345}")
	if got != "key: " {
		t.Errorf("expandEnvVars() = %q, want %q", got, "key: ")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+"sessions:\n  timeout: \"soon\"\n"))
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "sessions.timeout") {
		t.Errorf("error = %v, want mention of sessions.timeout", err)
	}
}

func TestLoad_NegativeDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+"models:\n  request_timeout: \"-5s\"\n"))
	if err == nil {
		t.Fatal("Load() expected error for negative duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "missing http addr",
			mutate:  func(s string) string { return strings.Replace(s, `http_addr: "127.0.0.1:8080"`, `http_addr: ""`, 1) },
			wantErr: "server.http_addr",
		},
		{
			name:    "missing database path",
			mutate:  func(s string) string { return strings.Replace(s, `path: "./ria.db"`, `path: ""`, 1) },
			wantErr: "database.path",
		},
		{
			name:    "short token secret",
			mutate:  func(s string) string { return strings.Replace(s, "0123456789abcdef0123456789abcdef", "short", 1) },
			wantErr: "auth.token_secret",
		},
		{
			name:    "missing flow path",
			mutate:  func(s string) string { return strings.Replace(s, `path: "./flows/main.yaml"`, `path: ""`, 1) },
			wantErr: "flow.path",
		},
		{
			name:    "bad driver",
			mutate:  func(s string) string { return strings.Replace(s, `path: "./ria.db"`, "driver: \"postgres\"\n  path: \"./ria.db\"", 1) },
			wantErr: "database.driver",
		},
		{
			name: "tailscale without hostname",
			mutate: func(s string) string {
				return strings.Replace(s, `http_addr: "127.0.0.1:8080"`, `http_addr: ""`, 1) + "tailscale:\n  enabled: true\n"
			},
			wantErr: "tailscale.hostname",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.mutate(minimalConfig)))
			if err == nil {
				t.Fatalf("Load() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}
