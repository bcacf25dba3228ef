package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds retry configuration for transient infrastructure calls
// (cloud API, SSH channel, transfer streams).
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultConfig returns sensible defaults for retries
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// permanent marks an error that must not be retried.
type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it immediately instead of burning
// attempts on a call that will fail the same way every time.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err}
}

// Do executes fn with exponential backoff retries
func Do(ctx context.Context, config Config, fn func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		var p *permanent
		if errors.As(err, &p) {
			return p.err
		}
		lastErr = err

		if attempt == config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, lastErr)
}

// IsRetryable checks if an error looks like a transient infrastructure
// failure (network blip, SSH drop, cloud API timeout).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	retryable := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"no such host",
		"503",
		"502",
		"504",
		"eof",
		"broken pipe",
		"ssh: handshake failed",
	}

	for _, s := range retryable {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

// IsGPUDriverError checks if an encode failure is a GPU-driver-class
// capability error. These trigger the staged CPU fallback instead of
// consuming the generic retry budget.
func IsGPUDriverError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	patterns := []string{
		"cuda",
		"nvenc",
		"nvdec",
		"cuvid",
		"no capable devices",
		"driver does not support",
		"cannot load libnvidia",
		"device creation failed",
		"hwaccel initialisation",
		"hwaccel initialization",
		"qsv",
		"vaapi",
	}

	for _, s := range patterns {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}
