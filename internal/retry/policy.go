// Package retry provides the backoff policies shared by the task runtime,
// git operations, and provider calls.
package retry

import (
	"fmt"
	"strings"
	"time"
)

// Mode enumerates supported backoff strategies.
type Mode string

const (
	ModeFixed       Mode = "fixed"
	ModeLinear      Mode = "linear"
	ModeExponential Mode = "exponential"
)

// NormalizeMode converts arbitrary user input (case-insensitive) into a typed
// mode, returning empty string for unknown.
func NormalizeMode(raw string) Mode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeFixed):
		return ModeFixed
	case string(ModeLinear):
		return ModeLinear
	case string(ModeExponential):
		return ModeExponential
	default:
		return ""
	}
}

// Policy encapsulates retry/backoff settings for transient failures.
// It is immutable after construction.
type Policy struct {
	Mode       Mode          // fixed|linear|exponential
	Initial    time.Duration // base delay
	Max        time.Duration // cap for growth
	MaxRetries int           // maximum retry attempts after the first failure
}

// DefaultPolicy returns a sensible default policy (linear, 1s initial, 30s cap, 2 retries).
func DefaultPolicy() Policy {
	return Policy{Mode: ModeLinear, Initial: time.Second, Max: 30 * time.Second, MaxRetries: 2}
}

// TaskPolicy returns the exponential policy the task runtime redelivers with:
// delays double from base and are capped, so a 2s base caps out at the
// configured ceiling regardless of attempt count.
func TaskPolicy(base, ceiling time.Duration, maxRetries int) Policy {
	return NewPolicy(ModeExponential, base, ceiling, maxRetries)
}

// NewPolicy builds a policy from raw config fields; zero/invalid values fall back to defaults.
func NewPolicy(mode Mode, initial, maxDuration time.Duration, maxRetries int) Policy {
	p := DefaultPolicy()
	if maxRetries >= 0 {
		p.MaxRetries = maxRetries
	}
	if initial > 0 {
		p.Initial = initial
	}
	if maxDuration > 0 {
		p.Max = maxDuration
	}
	if mode != "" {
		switch mode {
		case ModeFixed, ModeLinear, ModeExponential:
			p.Mode = mode
		default:
			// unknown -> keep default
		}
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Delay returns the backoff delay for the given retry attempt number (1-based: first retry => 1).
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	switch p.Mode {
	case ModeFixed:
		return p.Initial
	case ModeExponential:
		// Guard the shift: beyond 62 doublings any int64 duration overflows.
		if retryCount > 62 {
			return p.Max
		}
		d := p.Initial * (1 << (retryCount - 1))
		if d > p.Max || d <= 0 {
			return p.Max
		}
		return d
	default: // linear
		d := time.Duration(retryCount) * p.Initial
		if d > p.Max {
			return p.Max
		}
		return d
	}
}

// DelayFloored returns the delay for the attempt with a minimum enforced once
// the attempt count reaches floorAt. Rate-limited work uses this so repeated
// hits wait out at least a full provider window instead of hammering it with
// short exponential delays.
func (p Policy) DelayFloored(retryCount int, floor time.Duration, floorAt int) time.Duration {
	d := p.Delay(retryCount)
	if floorAt > 0 && retryCount >= floorAt && d < floor {
		return floor
	}
	return d
}

// Exhausted reports whether the given retry attempt exceeds the policy budget.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount > p.MaxRetries
}

// Validate ensures invariants; returns error if policy impossible to apply.
func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return fmt.Errorf("initial must be >0")
	}
	if p.Max <= 0 {
		return fmt.Errorf("max must be >0")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	return nil
}
