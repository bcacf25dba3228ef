package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	cfg := Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2.0}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	cfg := Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2.0}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return errors.New("still broken")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 3 { // initial attempt + 2 retries
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoRespectsContext(t *testing.T) {
	cfg := Config{MaxRetries: 10, InitialBackoff: time.Hour, MaxBackoff: time.Hour, Multiplier: 2.0}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func() error { return errors.New("nope") })
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("read: connection reset by peer"), true},
		{errors.New("context deadline exceeded (Client.Timeout)"), true},
		{errors.New("ssh: handshake failed: EOF"), true},
		{errors.New("invalid argument"), false},
		{errors.New("no space left on device"), false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestIsGPUDriverError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("Cannot load libnvidia-encode.so.1"), true},
		{errors.New("CUDA_ERROR_NO_DEVICE: no CUDA-capable device is detected"), true},
		{errors.New("[h264_nvenc] No capable devices found"), true},
		{errors.New("Device creation failed: -542398533"), true},
		{errors.New("conversion failed: invalid data found"), false},
		{errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		if got := IsGPUDriverError(tt.err); got != tt.want {
			t.Errorf("IsGPUDriverError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
