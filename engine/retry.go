package engine

import "time"

// RetryConfig tunes the per-thinking-step retry loop. Backoff is exponential
// with doubling, clamped at MaxInterval. Repair-style failures (tool pairing,
// context overflow) retry immediately without consuming backoff time but
// still consume an attempt.
type RetryConfig struct {
	// MaxAttempts is the total backend attempts per thinking step, including
	// the first.
	MaxAttempts int

	// InitialInterval is the delay before the second attempt.
	InitialInterval time.Duration

	// MaxInterval caps the backoff delay.
	MaxInterval time.Duration
}

// DefaultRetryConfig returns the standard retry policy: three attempts,
// 500ms initial backoff, 10s cap.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}
