package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("YTDBTEST", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	def := DefaultConfig()
	if cfg.WAL.SegmentSizeMB != def.WAL.SegmentSizeMB {
		t.Errorf("segment size: expected %d, got %d", def.WAL.SegmentSizeMB, cfg.WAL.SegmentSizeMB)
	}
	if cfg.Checkpoint.PollInterval != def.Checkpoint.PollInterval {
		t.Errorf("poll interval: expected %v, got %v", def.Checkpoint.PollInterval, cfg.Checkpoint.PollInterval)
	}
	if !cfg.WAL.SyncOnCommit {
		t.Error("sync_on_commit should default to true")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ytdb.yaml")
	content := "storage:\n  path: /var/lib/ytdb\ncache:\n  pages: 128\ncheckpoint:\n  poll_interval: 250ms\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("YTDBTEST_WAL_SYNC_ON_COMMIT", "false")
	t.Setenv("YTDBTEST_INDEX_REBUILD_WORKERS", "2")

	cfg, err := Load("YTDBTEST", path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Storage.Path != "/var/lib/ytdb" {
		t.Errorf("storage path: got %q", cfg.Storage.Path)
	}
	if cfg.Cache.Pages != 128 {
		t.Errorf("cache pages: expected 128, got %d", cfg.Cache.Pages)
	}
	if cfg.Checkpoint.PollInterval != 250*time.Millisecond {
		t.Errorf("poll interval: got %v", cfg.Checkpoint.PollInterval)
	}
	if cfg.WAL.SyncOnCommit {
		t.Error("env override of wal.sync_on_commit was ignored")
	}
	if cfg.Index.RebuildWorkers != 2 {
		t.Errorf("rebuild workers: expected 2, got %d", cfg.Index.RebuildWorkers)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown storage type", func(c *Config) { c.Storage.Type = "tape" }},
		{"empty path", func(c *Config) { c.Storage.Path = "" }},
		{"tiny cache", func(c *Config) { c.Cache.Pages = 2 }},
		{"zero segment", func(c *Config) { c.WAL.SegmentSizeMB = 0 }},
		{"zero batch", func(c *Config) { c.Index.RebuildBatchSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	mem := DefaultConfig()
	mem.Storage.Type = StorageMemory
	mem.Storage.Path = ""
	if err := mem.Validate(); err != nil {
		t.Errorf("memory storage without path should be valid: %v", err)
	}
}
