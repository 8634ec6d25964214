package config

import (
	"errors"
	"fmt"
)

// ValidateConfig validates the complete configuration structure.
func ValidateConfig(cfg *Config) error {
	validator := newConfigurationValidator(cfg)
	return validator.validate()
}

// configurationValidator coordinates validation across all configuration domains.
type configurationValidator struct {
	config *Config
}

// newConfigurationValidator creates a comprehensive configuration validator.
func newConfigurationValidator(config *Config) *configurationValidator {
	return &configurationValidator{config: config}
}

// validate performs configuration validation using domain-specific methods.
func (cv *configurationValidator) validate() error {
	if err := cv.validateProvider(); err != nil {
		return err
	}
	if err := cv.validateRuntime(); err != nil {
		return err
	}
	if err := cv.validateDurations(); err != nil {
		return err
	}
	if err := cv.validateScans(); err != nil {
		return err
	}
	if err := cv.validateDataset(); err != nil {
		return err
	}
	return nil
}

// validateProvider validates CI provider configuration.
func (cv *configurationValidator) validateProvider() error {
	p := cv.config.Provider
	if NormalizeProviderKind(string(p.Kind)) == "" {
		return fmt.Errorf("unsupported provider kind: %s", p.Kind)
	}
	if p.APIURL == "" {
		return errors.New("provider api_url cannot be empty")
	}
	return nil
}

// validateRuntime validates queue and retry configuration.
func (cv *configurationValidator) validateRuntime() error {
	rt := cv.config.Runtime
	if len(rt.Queues) == 0 {
		return errors.New("at least one queue must be configured")
	}

	names := make(map[string]bool, len(rt.Queues))
	for _, q := range rt.Queues {
		if q.Name == "" {
			return errors.New("queue name cannot be empty")
		}
		if names[q.Name] {
			return fmt.Errorf("duplicate queue name: %s", q.Name)
		}
		names[q.Name] = true
	}
	if !names[rt.DefaultQueue] {
		return fmt.Errorf("default queue %q is not in the queue list", rt.DefaultQueue)
	}

	soft := rt.SoftTimeLimitDuration()
	hard := rt.HardTimeLimitDuration()
	if hard <= soft {
		return fmt.Errorf("hard_time_limit (%s) must exceed soft_time_limit (%s)", hard, soft)
	}
	return nil
}

// validateDurations checks every duration-typed string in one pass so typos
// fail at load time rather than silently falling back to defaults.
func (cv *configurationValidator) validateDurations() error {
	cfg := cv.config
	checks := []struct {
		field string
		raw   string
	}{
		{"store.busy_timeout", cfg.Store.BusyTimeout},
		{"redis.key_ttl", cfg.Redis.KeyTTL},
		{"provider.token_cooldown", cfg.Provider.TokenCooldown},
		{"provider.breaker.open_timeout", cfg.Provider.Breaker.OpenTimeout},
		{"runtime.backoff_base", cfg.Runtime.BackoffBase},
		{"runtime.backoff_cap", cfg.Runtime.BackoffCap},
		{"runtime.rate_limit_floor", cfg.Runtime.RateLimitFloor},
		{"runtime.soft_time_limit", cfg.Runtime.SoftTimeLimit},
		{"runtime.hard_time_limit", cfg.Runtime.HardTimeLimit},
		{"runtime.result_ttl", cfg.Runtime.ResultTTL},
		{"runtime.scheduler_interval", cfg.Runtime.SchedulerInterval},
		{"ingestion.clone_timeout", cfg.Ingestion.CloneTimeout},
		{"scans.batch_delay", cfg.Scans.BatchDelay},
		{"scans.watchdog_interval", cfg.Scans.WatchdogInterval},
		{"scans.pending_timeout", cfg.Scans.PendingTimeout},
		{"scans.sonar.scan_timeout", cfg.Scans.Sonar.ScanTimeout},
		{"scans.trivy.timeout", cfg.Scans.Trivy.Timeout},
	}
	for _, c := range checks {
		if err := validateDuration(c.field, c.raw); err != nil {
			return err
		}
	}
	return nil
}

// validateScans validates scan enrichment configuration.
func (cv *configurationValidator) validateScans() error {
	sc := cv.config.Scans
	if !sc.Enabled {
		return nil
	}
	if sc.Sonar.HostURL == "" {
		return errors.New("scans.sonar.host_url is required when scans are enabled")
	}
	if sc.Sonar.Token == "" {
		return errors.New("scans.sonar.token is required when scans are enabled")
	}
	if sc.BatchSize <= 0 {
		return fmt.Errorf("scans.batch_size must be positive, got %d", sc.BatchSize)
	}
	return nil
}

// validateDataset validates dataset defaults.
func (cv *configurationValidator) validateDataset() error {
	ds := cv.config.Dataset
	for _, f := range ds.Formats {
		if _, err := ParseExportFormat(f); err != nil {
			return err
		}
	}
	if ds.TrainRatio <= 0 || ds.TrainRatio >= 1 {
		return fmt.Errorf("dataset.train_ratio must be in (0, 1), got %v", ds.TrainRatio)
	}
	return nil
}
