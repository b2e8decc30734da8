package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the default environment variable prefix (YTDB_WAL_SYNC_ON_COMMIT -> wal.sync_on_commit).
const EnvPrefix = "YTDB"

// Load builds a Config from defaults, an optional config file and environment variables.
// path may be empty; a missing file is not an error.
func Load(prefix, path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	// 1. Config file (optional)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !isMissingFile(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	// 2. Environment variables. Every key has a default, so AutomaticEnv
	// resolves them during Unmarshal.
	if prefix == "" {
		prefix = EnvPrefix
	}
	v.SetEnvPrefix(strings.TrimSuffix(prefix, "_"))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 3. Unmarshal into struct
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.type", d.Storage.Type)
	v.SetDefault("wal.segment_size_mb", d.WAL.SegmentSizeMB)
	v.SetDefault("wal.sync_on_commit", d.WAL.SyncOnCommit)
	v.SetDefault("cache.pages", d.Cache.Pages)
	v.SetDefault("cache.record_cache_size", d.Cache.RecordCacheSize)
	v.SetDefault("checkpoint.interval_mb", d.Checkpoint.IntervalMB)
	v.SetDefault("checkpoint.auto", d.Checkpoint.Auto)
	v.SetDefault("checkpoint.poll_interval", d.Checkpoint.PollInterval)
	v.SetDefault("index.rebuild_batch_size", d.Index.RebuildBatchSize)
	v.SetDefault("index.rebuild_workers", d.Index.RebuildWorkers)
	v.SetDefault("index.stale_retry_limit", d.Index.StaleRetryLimit)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.file", d.History.File)
}

func isMissingFile(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory")
}
