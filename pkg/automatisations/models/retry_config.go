package models

import "time"

// RetryConfig controls how often a step that failed with a transient error
// is attempted again.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   30 * time.Second,
		Multiplier:  2,
		MaxDelay:    time.Hour,
	}
}

// BackoffInterval returns the delay before the attempt that follows the
// given (1-based) failed attempt: base * multiplier^(attempt-1), capped at max.
func (rc *RetryConfig) BackoffInterval(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := rc.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(rc.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if rc.MaxDelay > 0 && delay >= float64(rc.MaxDelay) {
			return rc.MaxDelay
		}
	}
	if rc.MaxDelay > 0 && time.Duration(delay) > rc.MaxDelay {
		return rc.MaxDelay
	}
	return time.Duration(delay)
}

// Merge fills zero fields of an override from the defaults.
func (rc RetryConfig) Merge(defaults RetryConfig) RetryConfig {
	if rc.MaxAttempts <= 0 {
		rc.MaxAttempts = defaults.MaxAttempts
	}
	if rc.BaseDelay <= 0 {
		rc.BaseDelay = defaults.BaseDelay
	}
	if rc.Multiplier <= 0 {
		rc.Multiplier = defaults.Multiplier
	}
	if rc.MaxDelay <= 0 {
		rc.MaxDelay = defaults.MaxDelay
	}
	return rc
}
