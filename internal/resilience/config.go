package resilience

import (
	"time"

	"github.com/sells-group/grant-review/internal/config"
)

// RetryFromConfig builds a RetryConfig, keeping defaults for unset fields.
func RetryFromConfig(c config.ResilienceConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		cfg.Multiplier = c.Multiplier
	}
	if c.JitterFraction >= 0 {
		cfg.JitterFraction = c.JitterFraction
	}
	return cfg
}

// BreakerFromConfig builds a CircuitBreakerConfig, keeping defaults for
// unset fields.
func BreakerFromConfig(c config.ResilienceConfig) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.ResetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	return cfg
}

// ConflictRetry returns the retry settings for re-reading and re-applying
// a write that lost an optimistic-concurrency race. shouldRetry identifies
// the conflict error.
func ConflictRetry(c config.ResilienceConfig, shouldRetry func(error) bool) RetryConfig {
	attempts := c.ConflictRetries
	if attempts <= 0 {
		attempts = 3
	}
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		Multiplier:     2,
		JitterFraction: 0.5,
		ShouldRetry:    shouldRetry,
	}
}
