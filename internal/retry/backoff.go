package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig configures retry behavior with exponential backoff
type RetryConfig struct {
	MaxRetries int           `koanf:"max_retries"` // Maximum number of consecutive retry attempts
	BaseDelay  time.Duration `koanf:"base_delay"`  // Delay before the first retry
	MaxDelay   time.Duration `koanf:"max_delay"`   // Upper bound for any delay, jitter included
	Multiplier float64       `koanf:"multiplier"`  // Exponential backoff multiplier
	Jitter     bool          `koanf:"jitter"`      // Add up to 10% random jitter
	LogRetries bool          `koanf:"-"`
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int           `json:"attempts"`
	TotalDuration time.Duration `json:"total_duration"`
	LastError     error         `json:"-"`
	Success       bool          `json:"success"`
	RetryReasons  []string      `json:"retry_reasons"`
}

// DefaultRetryConfig returns a retry configuration with sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		LogRetries: true,
	}
}

// StreamRetryConfig is the reconnect policy of the filtered stream:
// 2s doubling up to one minute.
func StreamRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 10,
		BaseDelay:  2 * time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		LogRetries: true,
	}
}

// RuleAPIRetryConfig is used for rule listing and deletion, which are safe to repeat
func RuleAPIRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		LogRetries: true,
	}
}

// RetryWithBackoff executes an operation with exponential backoff retry logic.
// Every error is retried.
func RetryWithBackoff(ctx context.Context, config RetryConfig, operation func() error, logger zerolog.Logger) RetryResult {
	return RetryWhen(ctx, config, operation, func(error) bool { return true }, logger)
}

// RetryWhen retries the operation while shouldRetry reports true for its error
func RetryWhen(ctx context.Context, config RetryConfig, operation func() error, shouldRetry func(error) bool, logger zerolog.Logger) RetryResult {
	startTime := time.Now()

	result := RetryResult{
		RetryReasons: make([]string, 0),
	}

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		err := operation()
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(startTime)
			if config.LogRetries && attempt > 0 {
				logger.Debug().Int("retries", attempt).Dur("duration", result.TotalDuration).Msg("Operation succeeded after retry")
			}
			return result
		}

		result.LastError = err
		result.RetryReasons = append(result.RetryReasons, err.Error())

		if attempt >= config.MaxRetries || !shouldRetry(err) {
			result.TotalDuration = time.Since(startTime)
			if config.LogRetries {
				logger.Debug().Err(err).Int("attempts", result.Attempts).Dur("duration", result.TotalDuration).Msg("Operation failed")
			}
			return result
		}

		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			return result
		}

		delay := calculateDelay(config, attempt)
		if config.LogRetries {
			logger.Warn().Err(err).
				Int("attempt", attempt+1).
				Int("max_attempts", config.MaxRetries+1).
				Dur("delay", delay).
				Msg("Operation failed, retrying")
		}

		if err := Sleep(ctx, delay); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(startTime)
			return result
		}
	}

	result.TotalDuration = time.Since(startTime)
	return result
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// calculateDelay calculates the delay for the next retry attempt using exponential backoff.
// The result never exceeds MaxDelay, even with jitter applied.
func calculateDelay(config RetryConfig, attempt int) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt))

	if config.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(config.BaseDelay)
		}
	}

	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	return time.Duration(delay)
}

// Backoff tracks consecutive failures of a long lived operation. Delays it
// hands out never decrease until Reset, and never exceed MaxDelay.
type Backoff struct {
	mu      sync.Mutex
	config  RetryConfig
	attempt int
	last    time.Duration
}

// NewBackoff creates a backoff tracker for the given policy
func NewBackoff(config RetryConfig) *Backoff {
	return &Backoff{config: config}
}

// Next records a failure and returns the delay before the next attempt
func (b *Backoff) Next() time.Duration {
	return b.NextAtLeast(0)
}

// NextAtLeast records a failure and returns a delay of at least min.
// The cap does not apply to min, so a class-specific floor such as a rate
// limit window is always honoured.
func (b *Backoff) NextAtLeast(min time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := calculateDelay(b.config, b.attempt)
	if delay < b.last {
		delay = b.last
	}
	if delay < min {
		delay = min
	}
	b.attempt++
	b.last = delay
	return delay
}

// Attempt returns the number of failures recorded since the last reset
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Exhausted reports whether the configured retry budget has been used up
func (b *Backoff) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config.MaxRetries > 0 && b.attempt >= b.config.MaxRetries
}

// Reset returns the tracker to the base delay
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
	b.last = 0
}

// Retryable is implemented by errors that know whether repeating the failed
// call can help.
type Retryable interface {
	Retryable() bool
}

// IsRetryableError determines if an error is retryable
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}

	errStr := strings.ToLower(err.Error())

	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"dns lookup failed",
		"no such host",
		"network unreachable",
		"broken pipe",
		"unexpected eof",
		"context deadline exceeded",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}

	return false
}
