package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	if cfg.State.Backend != "memory" {
		t.Errorf("default state backend = %q, want memory", cfg.State.Backend)
	}
	if cfg.Audit.Backend != "memory" {
		t.Errorf("default audit backend = %q, want memory", cfg.Audit.Backend)
	}
	if len(cfg.Validate()) != 0 {
		t.Errorf("default config should validate, got problems: %v", cfg.Validate())
	}
}

func TestLoadServerConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadServerConfig(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("LoadServerConfig error = %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
}

func TestLoadServerConfig_ParsesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.toml")
	content := `
[server]
listen_addr = ":9090"
max_concurrent = 128

[state]
backend = "redis"
redis_addr = "localhost:6379"

[audit]
backend = "postgres"
postgres_dsn = "postgres://acteon@localhost/acteon"
hash_chain = true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig error = %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.Server.MaxConcurrent != 128 {
		t.Errorf("MaxConcurrent = %d, want 128", cfg.Server.MaxConcurrent)
	}
	if cfg.State.Backend != "redis" || cfg.State.RedisAddr != "localhost:6379" {
		t.Errorf("state section = %+v", cfg.State)
	}
	if cfg.Audit.Backend != "postgres" || cfg.Audit.PostgresDSN == "" {
		t.Errorf("audit section = %+v", cfg.Audit)
	}
}

func TestLoadServerConfig_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.toml")
	content := `
[server]
listen_addr = ":9090"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ACTEON_SERVER_LISTEN_ADDR", ":7070")

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig error = %v", err)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want env override :7070", cfg.Server.ListenAddr)
	}
}

func TestLoadServerConfig_InvalidBackendRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.toml")
	content := `
[state]
backend = "memcached"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadServerConfig(path); err == nil {
		t.Fatal("expected validation error for unknown state backend")
	}
}

func TestServerConfig_Validate_RequiresRedisAddr(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.State.Backend = "redis"
	cfg.State.RedisAddr = ""

	problems := cfg.Validate()
	if len(problems) == 0 {
		t.Fatal("expected validation problem for missing redis_addr")
	}
}

func TestGetDefaultTimeouts(t *testing.T) {
	timeouts := GetDefaultTimeouts()
	if timeouts.HTTP != 30*time.Second {
		t.Errorf("HTTP timeout = %v, want 30s", timeouts.HTTP)
	}
}
