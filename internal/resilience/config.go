package resilience

import (
	"time"
)

// FromCircuitConfig builds a CircuitBreakerConfig from config values,
// keeping defaults for non-positive inputs.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}

// RecognitionRetry is the schedule used between receipt recognition
// attempts: 1s, 2s, 4s, capped at 5s, without jitter.
func RecognitionRetry(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
	}
}

// CompensationRetry is the schedule for inline compensating deletes after a
// failed provisioning step.
func CompensationRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
		ShouldRetry:    func(error) bool { return true },
	}
}

// ReconcileBackoff returns when a reconcile entry that has failed attempts
// times should next be tried: 1m, 2m, 4m... capped at 1h.
func ReconcileBackoff(now time.Time, attempts int) time.Time {
	cfg := RetryConfig{
		InitialBackoff: time.Minute,
		MaxBackoff:     time.Hour,
		Multiplier:     2.0,
	}
	return now.Add(cfg.Backoff(attempts))
}
