package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.API.CLOBBaseURL != "https://clob.polymarket.com" {
		t.Errorf("clob url = %q", cfg.API.CLOBBaseURL)
	}
	if cfg.CopyTrading.BasePollInterval != 3*time.Second {
		t.Errorf("poll interval = %v, want 3s", cfg.CopyTrading.BasePollInterval)
	}
}

func TestLoadReadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("server:\n  port: 8080\nlogging:\n  level: debug\n  format: json\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestEnvContractOverridesFile(t *testing.T) {
	t.Setenv("DATABASE_PATH", "/data/poly.db")
	t.Setenv("PORT", "9001")
	t.Setenv("PHX_HOST", "example.org")
	t.Setenv("SECRET_KEY_BASE", "s3cr3t")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.Path != "/data/poly.db" {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("port = %d, want 9001", cfg.Server.Port)
	}
	if cfg.Server.Host != "example.org" {
		t.Errorf("host = %q", cfg.Server.Host)
	}
	if cfg.Server.SecretKeyBase != "s3cr3t" {
		t.Errorf("secret key base = %q", cfg.Server.SecretKeyBase)
	}
}

func TestInvalidPortEnv(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for unparseable PORT")
	}
}

func TestValidateRanges(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}

	cfg.Server.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("port 0 accepted")
	}

	cfg.Server.Port = 4000
	cfg.CopyTrading.PollBudgetShare = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("budget share above 1 accepted")
	}
}
