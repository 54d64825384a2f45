package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("sheet-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.CacheTTL() != 6*time.Hour {
		t.Fatalf("cache ttl = %v", cfg.CacheTTL())
	}
	if cfg.LockWait() != 5*time.Second {
		t.Fatalf("lock wait = %v", cfg.LockWait())
	}
	if cfg.ContinuationDelay() != 5*time.Second {
		t.Fatalf("delay = %v", cfg.ContinuationDelay())
	}
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("document:\n  id: doc-9\nbatch:\n  size: 5\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Document.ID != "doc-9" || cfg.Batch.Size != 5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Batch.ImageSize != 30 || cfg.Cache.TTLSeconds != 21600 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing document", func(c *Config) { c.Document.ID = "" }, "document.id"},
		{"relative backend", func(c *Config) { c.Backend.URL = "/grade" }, "backend.url"},
		{"bad scheme", func(c *Config) { c.Provider.URL = "ftp://x" }, "provider.url"},
		{"zero batch", func(c *Config) { c.Batch.Size = 0 }, "batch.size"},
		{"lease shorter than wait", func(c *Config) { c.Lock.LeaseSeconds = 1 }, "lease_seconds"},
		{"no quota", func(c *Config) { c.Scheduler.MaxTriggers = 0 }, "max_triggers"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default("doc")
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil,nil for missing file, got %v, %v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "gradeline.yml"), []byte(GenerateDefault("doc-2")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Document.ID != "doc-2" {
		t.Fatalf("document id = %q", cfg.Document.ID)
	}
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "staging.yml")
	if err := os.WriteFile(path, []byte(GenerateDefault("doc-3")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := FromFile(path)
	if err != nil || cfg.Document.ID != "doc-3" {
		t.Fatalf("from file = %+v, %v", cfg, err)
	}
	if err := os.WriteFile(path, []byte("document:\n  id: \"\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := FromFile(path); err == nil || !strings.Contains(err.Error(), "document.id") {
		t.Fatalf("expected document id error, got %v", err)
	}
	if _, err := FromFile(filepath.Join(t.TempDir(), "missing.yml")); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
