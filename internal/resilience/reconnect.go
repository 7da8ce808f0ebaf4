package resilience

import (
	"time"
)

// ReconnectConfig holds the reconnection backoff policy. Unlike Retry it does
// not loop: the caller schedules one attempt per unsolicited close and asks
// the policy how long to wait.
type ReconnectConfig struct {
	MaxAttempts int           // Maximum consecutive attempts, 0 = unlimited
	Backoff     time.Duration // Delay before the first attempt
	Multiplier  float64       // Backoff multiplier for exponential backoff
	MaxBackoff  time.Duration // Maximum backoff duration
}

// DefaultReconnectConfig returns min(1s * 2^attempt, 30s) with no attempt cap
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 0,
		Backoff:     1 * time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// Delay returns the wait before the given zero-based attempt
func (c *ReconnectConfig) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return CalculateBackoff(attempt, c.Backoff, c.MaxBackoff, c.Multiplier)
}

// Exhausted reports whether attempt is past the configured cap
func (c *ReconnectConfig) Exhausted(attempt int) bool {
	return c.MaxAttempts > 0 && attempt >= c.MaxAttempts
}
