package config

import (
	"fmt"
	"time"
)

// ParseDurationDefault parses a duration string, falling back to def when the
// field is empty. Invalid strings surface as errors during validation, so by
// the time accessors run the parse cannot fail; the fallback keeps zero-value
// configs usable in tests.
func ParseDurationDefault(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

// validateDuration checks a duration string, naming the field on failure.
func validateDuration(field, raw string) error {
	if raw == "" {
		return nil
	}
	if _, err := time.ParseDuration(raw); err != nil {
		return fmt.Errorf("%s: invalid duration %q", field, raw)
	}
	return nil
}

// Duration accessors. Defaults mirror the ones in defaults.go so callers that
// construct configs by hand still get sane values.

func (r RuntimeConfig) BackoffBaseDuration() time.Duration {
	return ParseDurationDefault(r.BackoffBase, 2*time.Second)
}

func (r RuntimeConfig) BackoffCapDuration() time.Duration {
	return ParseDurationDefault(r.BackoffCap, 10*time.Minute)
}

func (r RuntimeConfig) RateLimitFloorDuration() time.Duration {
	return ParseDurationDefault(r.RateLimitFloor, time.Minute)
}

func (r RuntimeConfig) SoftTimeLimitDuration() time.Duration {
	return ParseDurationDefault(r.SoftTimeLimit, 15*time.Minute)
}

func (r RuntimeConfig) HardTimeLimitDuration() time.Duration {
	return ParseDurationDefault(r.HardTimeLimit, 20*time.Minute)
}

func (r RuntimeConfig) ResultTTLDuration() time.Duration {
	return ParseDurationDefault(r.ResultTTL, 24*time.Hour)
}

func (r RuntimeConfig) SchedulerIntervalDuration() time.Duration {
	return ParseDurationDefault(r.SchedulerInterval, time.Second)
}

func (r RedisConfig) KeyTTLDuration() time.Duration {
	return ParseDurationDefault(r.KeyTTL, 24*time.Hour)
}

func (s StoreConfig) BusyTimeoutDuration() time.Duration {
	return ParseDurationDefault(s.BusyTimeout, 5*time.Second)
}

func (p ProviderConfig) TokenCooldownDuration() time.Duration {
	return ParseDurationDefault(p.TokenCooldown, time.Minute)
}

func (b BreakerConfig) OpenTimeoutDuration() time.Duration {
	return ParseDurationDefault(b.OpenTimeout, 30*time.Second)
}

func (i IngestionConfig) CloneTimeoutDuration() time.Duration {
	return ParseDurationDefault(i.CloneTimeout, 10*time.Minute)
}

func (s ScanConfig) BatchDelayDuration() time.Duration {
	return ParseDurationDefault(s.BatchDelay, 500*time.Millisecond)
}

func (s ScanConfig) WatchdogIntervalDuration() time.Duration {
	return ParseDurationDefault(s.WatchdogInterval, 5*time.Minute)
}

func (s ScanConfig) PendingTimeoutDuration() time.Duration {
	return ParseDurationDefault(s.PendingTimeout, 30*time.Minute)
}

func (s SonarConfig) ScanTimeoutDuration() time.Duration {
	return ParseDurationDefault(s.ScanTimeout, 15*time.Minute)
}

func (t TrivyConfig) TimeoutDuration() time.Duration {
	return ParseDurationDefault(t.Timeout, 10*time.Minute)
}
