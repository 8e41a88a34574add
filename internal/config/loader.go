package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// persistedStore is the subset of internal/store.Store the config loader
// needs to read the system_config overlay.
type persistedStore interface {
	GetConfig(ctx context.Context, key string) (value string, ok bool, err error)
}

// Load reads configuration from file, environment, and defaults.
// Priority (highest to lowest): env vars > config file > defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("scraper")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".scraper"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

// setDefaults registers default values in viper so a partial config file
// only needs to override the keys it cares about.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("scheduler.max_concurrency", cfg.Scheduler.MaxConcurrency)
	v.SetDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval)
	v.SetDefault("scheduler.job_deadline", cfg.Scheduler.JobDeadline)

	v.SetDefault("pool.profile_ids", cfg.Pool.ProfileIDs)
	v.SetDefault("pool.switch_interval", cfg.Pool.SwitchInterval)
	v.SetDefault("pool.min_inter_use_gap", cfg.Pool.MinInterUseGap)
	v.SetDefault("pool.quarantine_threshold", cfg.Pool.QuarantineThreshold)
	v.SetDefault("pool.quarantine_timeout", cfg.Pool.QuarantineTimeout)

	v.SetDefault("store.db_path", cfg.Store.DBPath)
	v.SetDefault("store.browser_data", cfg.Store.BrowserData)
	v.SetDefault("store.mirror_enabled", cfg.Store.MirrorEnabled)
	v.SetDefault("store.mirror_uri", cfg.Store.MirrorURI)
	v.SetDefault("store.mirror_database", cfg.Store.MirrorDatabase)
	v.SetDefault("store.mirror_collection", cfg.Store.MirrorCollection)

	v.SetDefault("uploader.app_id", cfg.Uploader.AppID)
	v.SetDefault("uploader.app_secret", cfg.Uploader.AppSecret)
	v.SetDefault("uploader.doc_token", cfg.Uploader.DocToken)
	v.SetDefault("uploader.table_id", cfg.Uploader.TableID)
	v.SetDefault("uploader.base_url", cfg.Uploader.BaseURL)
	v.SetDefault("uploader.max_retries", cfg.Uploader.MaxRetries)

	v.SetDefault("defaults.min_likes", cfg.Defaults.MinLikes)
	v.SetDefault("defaults.min_replies", cfg.Defaults.MinReplies)
	v.SetDefault("defaults.min_reposts", cfg.Defaults.MinReposts)
	v.SetDefault("defaults.max_records", cfg.Defaults.MaxRecords)
	v.SetDefault("defaults.deadline", cfg.Defaults.Deadline)

	v.SetDefault("facade.listen_addr", cfg.Facade.ListenAddr)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}

// persistedKeys maps a system_config row key to a setter applied to cfg,
// used by ApplyPersisted to overlay the database-resident configuration
// underneath whatever the environment already set. Only credentials, pool
// membership and the scheduler concurrency cap live in system_config; the
// rest stays file/env-driven.
var persistedKeys = map[string]func(cfg *Config, value string){
	"UPLOADER_APP_ID":     func(c *Config, v string) { c.Uploader.AppID = v },
	"UPLOADER_APP_SECRET": func(c *Config, v string) { c.Uploader.AppSecret = v },
	"UPLOADER_DOC_TOKEN":  func(c *Config, v string) { c.Uploader.DocToken = v },
	"UPLOADER_TABLE_ID":   func(c *Config, v string) { c.Uploader.TableID = v },
	"POOL_PROFILE_IDS": func(c *Config, v string) {
		if v == "" {
			return
		}
		c.Pool.ProfileIDs = strings.Split(v, ",")
	},
	"SCHEDULER_MAX_CONCURRENCY": func(c *Config, v string) {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.MaxConcurrency = n
		}
	},
}

// ApplyPersisted overlays system_config rows onto cfg, but only for keys
// whose environment-variable form (the same uppercased key) was not already
// set in the process environment; env vars always win over the persisted
// form.
func ApplyPersisted(ctx context.Context, store persistedStore, cfg *Config) error {
	for key, setter := range persistedKeys {
		if _, present := os.LookupEnv("SCRAPER_" + key); present {
			continue
		}
		value, ok, err := store.GetConfig(ctx, key)
		if err != nil {
			return fmt.Errorf("load persisted config %s: %w", key, err)
		}
		if !ok {
			continue
		}
		setter(cfg, value)
	}
	return nil
}
