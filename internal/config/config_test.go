package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  port: 9090
  host: "127.0.0.1"
tracker:
  root_dir: /var/log/sessions
  max_sessions: 10
  session_ttl: 5m
  debounce_delay: 50ms
debug: true
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Tracker.RootDir != "/var/log/sessions" {
		t.Errorf("Tracker.RootDir = %q, want /var/log/sessions", cfg.Tracker.RootDir)
	}
	if cfg.Tracker.MaxSessions != 10 {
		t.Errorf("Tracker.MaxSessions = %d, want 10", cfg.Tracker.MaxSessions)
	}
	if cfg.Tracker.SessionTTL != 5*time.Minute {
		t.Errorf("Tracker.SessionTTL = %v, want 5m", cfg.Tracker.SessionTTL)
	}
	if cfg.Tracker.DebounceDelay != 50*time.Millisecond {
		t.Errorf("Tracker.DebounceDelay = %v, want 50ms", cfg.Tracker.DebounceDelay)
	}
	if !cfg.Debug {
		t.Error("Debug = false, want true")
	}

	// Defaults should still be applied for unspecified fields.
	if cfg.Tracker.SweepInterval != time.Minute {
		t.Errorf("Tracker.SweepInterval = %v, want default 1m", cfg.Tracker.SweepInterval)
	}
	if cfg.Tracker.RewriteSizeThreshold != 5000 {
		t.Errorf("Tracker.RewriteSizeThreshold = %d, want default 5000", cfg.Tracker.RewriteSizeThreshold)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("Load() on missing file: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Tracker.MaxSessions != 50 {
		t.Errorf("Tracker.MaxSessions = %d, want default 50", cfg.Tracker.MaxSessions)
	}
	if !cfg.Tracker.AutoCompact {
		t.Error("Tracker.AutoCompact = false, want default true")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(cfgPath, []byte(":::not valid yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(cfgPath); err == nil {
		t.Fatal("Load() with invalid YAML should return error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TOKENWATCH_ROOT_DIR", "/custom/root")
	t.Setenv("TOKENWATCH_MAX_SESSIONS", "7")
	t.Setenv("TOKENWATCH_SESSION_TTL", "90s")
	t.Setenv("TOKENWATCH_PORT", "9999")
	t.Setenv("TOKENWATCH_DEBUG", "true")

	cfg, err := Load("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Tracker.RootDir != "/custom/root" {
		t.Errorf("RootDir = %q, want /custom/root", cfg.Tracker.RootDir)
	}
	if cfg.Tracker.MaxSessions != 7 {
		t.Errorf("MaxSessions = %d, want 7", cfg.Tracker.MaxSessions)
	}
	if cfg.Tracker.SessionTTL != 90*time.Second {
		t.Errorf("SessionTTL = %v, want 90s", cfg.Tracker.SessionTTL)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if !cfg.Debug {
		t.Error("Debug = false, want true")
	}
}

func TestEnvOverrideIgnoresGarbage(t *testing.T) {
	t.Setenv("TOKENWATCH_MAX_SESSIONS", "not-a-number")
	t.Setenv("TOKENWATCH_SESSION_TTL", "also garbage")

	cfg, err := Load("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Tracker.MaxSessions != 50 {
		t.Errorf("MaxSessions = %d, want default 50 on bad env value", cfg.Tracker.MaxSessions)
	}
	if cfg.Tracker.SessionTTL != 30*time.Minute {
		t.Errorf("SessionTTL = %v, want default 30m on bad env value", cfg.Tracker.SessionTTL)
	}
}
