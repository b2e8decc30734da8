// Package config defines the storage configuration and loads it from files and
// environment variables.
package config

import (
	"fmt"
	"time"

	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
)

type Config struct {
	Storage    StorageConfig    `mapstructure:"storage"`
	WAL        WALConfig        `mapstructure:"wal"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Index      IndexConfig      `mapstructure:"index"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	History    HistoryConfig    `mapstructure:"history"`
}

// Storage types
const (
	StorageDisk   = "disk"
	StorageMemory = "memory"
)

type StorageConfig struct {
	Path string `mapstructure:"path"`
	Type string `mapstructure:"type"` // disk | memory
}

type WALConfig struct {
	SegmentSizeMB uint64 `mapstructure:"segment_size_mb"`
	SyncOnCommit  bool   `mapstructure:"sync_on_commit"` // fsync before a commit returns
}

type CacheConfig struct {
	Pages           int `mapstructure:"pages"`             // buffer pool capacity in pages
	RecordCacheSize int `mapstructure:"record_cache_size"` // 0 disables the record cache
}

type CheckpointConfig struct {
	IntervalMB   uint64        `mapstructure:"interval_mb"` // fuzzy checkpoint every N MB of WAL
	Auto         bool          `mapstructure:"auto"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type IndexConfig struct {
	RebuildBatchSize int `mapstructure:"rebuild_batch_size"`
	RebuildWorkers   int `mapstructure:"rebuild_workers"`
	StaleRetryLimit  int `mapstructure:"stale_retry_limit"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	File    string `mapstructure:"file"` // relative to the storage directory
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Path: "./data",
			Type: StorageDisk,
		},
		WAL: WALConfig{
			SegmentSizeMB: 64,
			SyncOnCommit:  true,
		},
		Cache: CacheConfig{
			Pages:           4096,
			RecordCacheSize: 10000,
		},
		Checkpoint: CheckpointConfig{
			IntervalMB:   64,
			Auto:         true,
			PollInterval: 5 * time.Second,
		},
		Index: IndexConfig{
			RebuildBatchSize: 1000,
			RebuildWorkers:   4,
			StaleRetryLimit:  storeerr.DefaultStaleRetryLimit,
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		History: HistoryConfig{
			Enabled: false,
			File:    "history.db",
		},
	}
}

// Validate checks the configuration for values the engine cannot work with.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case StorageDisk, StorageMemory:
	default:
		return fmt.Errorf("%w: unknown storage type %q", storeerr.ErrConfiguration, c.Storage.Type)
	}
	if c.Storage.Type == StorageDisk && c.Storage.Path == "" {
		return fmt.Errorf("%w: storage path is required", storeerr.ErrConfiguration)
	}
	if c.WAL.SegmentSizeMB == 0 {
		return fmt.Errorf("%w: wal segment size must be positive", storeerr.ErrConfiguration)
	}
	if c.Cache.Pages < 16 {
		return fmt.Errorf("%w: cache must hold at least 16 pages", storeerr.ErrConfiguration)
	}
	if c.Index.RebuildBatchSize <= 0 {
		return fmt.Errorf("%w: index rebuild batch size must be positive", storeerr.ErrConfiguration)
	}
	if c.Index.RebuildWorkers <= 0 {
		return fmt.Errorf("%w: index rebuild workers must be positive", storeerr.ErrConfiguration)
	}
	return nil
}
