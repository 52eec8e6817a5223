package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
listen:
  host: 0.0.0.0
  port: 6432
  api_port: 9090

limits:
  max_connections: 100
  idle_timeout: 5m
  num_shards: 2

auth:
  method: md5
  users:
    - name: alice
      password: hunter2
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.Port != 6432 {
		t.Errorf("expected port 6432, got %d", cfg.Listen.Port)
	}
	if cfg.Listen.APIPort != 9090 {
		t.Errorf("expected api port 9090, got %d", cfg.Listen.APIPort)
	}
	if cfg.Limits.MaxConnections != 100 {
		t.Errorf("expected max connections 100, got %d", cfg.Limits.MaxConnections)
	}
	if cfg.Limits.IdleTimeout != 5*time.Minute {
		t.Errorf("expected idle timeout 5m, got %v", cfg.Limits.IdleTimeout)
	}
	if cfg.Auth.Method != "md5" {
		t.Errorf("expected auth method md5, got %s", cfg.Auth.Method)
	}
	if len(cfg.Auth.Users) != 1 || cfg.Auth.Users[0].Name != "alice" {
		t.Errorf("expected one user alice, got %+v", cfg.Auth.Users)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("TEST_AUTH_PASSWORD", "secret123")
	defer os.Unsetenv("TEST_AUTH_PASSWORD")

	yaml := `
auth:
  method: cleartext
  users:
    - name: bob
      password: ${TEST_AUTH_PASSWORD}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Auth.Users[0].Password != "secret123" {
		t.Errorf("expected password secret123, got %s", cfg.Auth.Users[0].Password)
	}
}

func TestLoadValidationError(t *testing.T) {
	yaml := `
auth:
  method: kerberos
`
	path := writeTemp(t, yaml)
	_, err := Load(path)
	if err == nil {
		t.Error("expected validation error for unsupported auth method")
	}
}

func TestApplyDefaults(t *testing.T) {
	path := writeTemp(t, "{}")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.Port != 5432 {
		t.Errorf("expected default port 5432, got %d", cfg.Listen.Port)
	}
	if cfg.Listen.APIPort != 8080 {
		t.Errorf("expected default api port 8080, got %d", cfg.Listen.APIPort)
	}
	if cfg.Limits.MaxConnections != 500 {
		t.Errorf("expected default max connections 500, got %d", cfg.Limits.MaxConnections)
	}
	if cfg.Limits.NumShards != 4 {
		t.Errorf("expected default num_shards 4, got %d", cfg.Limits.NumShards)
	}
	if cfg.Auth.Method != "trust" {
		t.Errorf("expected default auth method trust, got %s", cfg.Auth.Method)
	}
	if cfg.Params["server_encoding"] != "UTF8" {
		t.Errorf("expected default server_encoding UTF8, got %s", cfg.Params["server_encoding"])
	}
}

func TestServerParamsOverrideIsPreserved(t *testing.T) {
	yaml := `
server_params:
  server_version: "16.1 (custom)"
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Params["server_version"] != "16.1 (custom)" {
		t.Errorf("expected overridden server_version, got %s", cfg.Params["server_version"])
	}
	if cfg.Params["client_encoding"] != "UTF8" {
		t.Errorf("expected default client_encoding to survive, got %s", cfg.Params["client_encoding"])
	}
}

func TestAuthRedacted(t *testing.T) {
	a := Auth{Method: "md5", Users: []AuthUser{{Name: "alice", Password: "hunter2"}}}
	r := a.Redacted()
	if r.Users[0].Password != "***REDACTED***" {
		t.Errorf("expected redacted password, got %s", r.Users[0].Password)
	}
	if a.Users[0].Password != "hunter2" {
		t.Error("Redacted must not mutate the original")
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}
