package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	def := Default()
	if cfg.Addr != def.Addr || cfg.AcquireTimeout != def.AcquireTimeout {
		t.Errorf("Load(missing) = %+v, want defaults", cfg)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lumishoot.yml")
	raw := `addr: ":9999"
data_dir: /srv/shoots
acquire_timeout: 10s
exec_timeout: 2m
index_ttl: 500ms
history: false
rate_limit: 5
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Addr != ":9999" || cfg.DataDir != "/srv/shoots" {
		t.Errorf("cfg = %+v", cfg)
	}
	if time.Duration(cfg.AcquireTimeout) != 10*time.Second {
		t.Errorf("acquire_timeout = %v", cfg.AcquireTimeout)
	}
	if time.Duration(cfg.ExecTimeout) != 2*time.Minute {
		t.Errorf("exec_timeout = %v", cfg.ExecTimeout)
	}
	if time.Duration(cfg.IndexTTL) != 500*time.Millisecond {
		t.Errorf("index_ttl = %v", cfg.IndexTTL)
	}
	if cfg.History {
		t.Error("history = true, want false")
	}
	if cfg.RateLimit != 5 {
		t.Errorf("rate_limit = %v", cfg.RateLimit)
	}
	// Unset keys keep their defaults.
	if cfg.RateBurst != Default().RateBurst {
		t.Errorf("rate_burst = %d, want default", cfg.RateBurst)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lumishoot.yml")
	if err := os.WriteFile(path, []byte("adress: \":1\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() with misspelled key = nil, want error")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lumishoot.yml")
	if err := os.WriteFile(path, []byte("index_ttl: soon\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() with bad duration = nil, want error")
	}
}
