package config

import "fmt"

// Validate checks the configuration for invalid values. Run immediately
// after Load, before any component is constructed.
func Validate(cfg *Config) error {
	if cfg.Scheduler.MaxConcurrency < 1 {
		return fmt.Errorf("scheduler.max_concurrency must be >= 1, got %d", cfg.Scheduler.MaxConcurrency)
	}
	if cfg.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be > 0")
	}
	if cfg.Scheduler.JobDeadline <= 0 {
		return fmt.Errorf("scheduler.job_deadline must be > 0")
	}

	if len(cfg.Pool.ProfileIDs) == 0 {
		return fmt.Errorf("pool.profile_ids must contain at least one profile id")
	}
	seen := make(map[string]bool, len(cfg.Pool.ProfileIDs))
	for _, id := range cfg.Pool.ProfileIDs {
		if id == "" {
			return fmt.Errorf("pool.profile_ids must not contain an empty id")
		}
		if seen[id] {
			return fmt.Errorf("pool.profile_ids contains duplicate id %q", id)
		}
		seen[id] = true
	}
	if cfg.Pool.SwitchInterval <= 0 {
		return fmt.Errorf("pool.switch_interval must be > 0")
	}
	if cfg.Pool.MinInterUseGap < 0 {
		return fmt.Errorf("pool.min_inter_use_gap must be >= 0")
	}
	if cfg.Pool.QuarantineThreshold < 1 {
		return fmt.Errorf("pool.quarantine_threshold must be >= 1, got %d", cfg.Pool.QuarantineThreshold)
	}

	// The effective concurrency cap is bounded by the pool size; a configured
	// cap above it is not an error, just inert.
	if cfg.Scheduler.MaxConcurrency > len(cfg.Pool.ProfileIDs) {
		cfg.Scheduler.MaxConcurrency = len(cfg.Pool.ProfileIDs)
	}

	if cfg.Store.DBPath == "" {
		return fmt.Errorf("store.db_path must be set")
	}
	if cfg.Store.MirrorEnabled && cfg.Store.MirrorURI == "" {
		return fmt.Errorf("store.mirror_uri must be set when store.mirror_enabled is true")
	}

	if cfg.Uploader.MaxRetries < 0 {
		return fmt.Errorf("uploader.max_retries must be >= 0, got %d", cfg.Uploader.MaxRetries)
	}

	if cfg.Defaults.MaxRecords < 0 {
		return fmt.Errorf("defaults.max_records must be >= 0, got %d", cfg.Defaults.MaxRecords)
	}
	if cfg.Defaults.Deadline <= 0 {
		return fmt.Errorf("defaults.deadline must be > 0")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be 1-65535, got %d", cfg.Metrics.Port)
	}

	return nil
}
