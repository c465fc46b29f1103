package gstreamer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReconnectConfig configures exponential backoff when a pipeline fails.
type ReconnectConfig struct {
	MaxRetries    int           // attempts before giving up (default: 5)
	RetryDelay    time.Duration // first delay (default: 1s)
	MaxRetryDelay time.Duration // delay cap (default: 30s)
}

// DefaultReconnectConfig returns the default backoff schedule.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultReconnectConfig.
func (c ReconnectConfig) withDefaults() ReconnectConfig {
	d := DefaultReconnectConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	return c
}

// ReconnectState tracks retries for one device.
type ReconnectState struct {
	currentRetries atomic.Int32
	reconnects     atomic.Uint32
}

// Reset clears the retry counter after the pipeline reached PLAYING.
func (s *ReconnectState) Reset() {
	if s.currentRetries.Swap(0) != 0 {
		slog.Debug("camera-gst: reconnect state reset")
	}
}

// Reconnects returns the total number of retry attempts.
func (s *ReconnectState) Reconnects() uint32 { return s.reconnects.Load() }

// Retrying reports whether a failure is being retried and the pipeline has
// not reached PLAYING since.
func (s *ReconnectState) Retrying() bool { return s.currentRetries.Load() > 0 }

// RunFunc runs a pipeline until it fails (error) or ctx ends (nil).
type RunFunc func(ctx context.Context) error

// RunWithReconnect runs fn, retrying failures with exponential backoff:
// RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func RunWithReconnect(ctx context.Context, fn RunFunc, cfg ReconnectConfig, state *ReconnectState) error {
	cfg = cfg.withDefaults()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt := int(state.currentRetries.Add(1))
		state.reconnects.Add(1)
		slog.Error("camera-gst: pipeline failed", "error", err, "attempt", attempt)

		if attempt > cfg.MaxRetries {
			return fmt.Errorf("camera-gst: max retries exceeded (%d attempts): %w", cfg.MaxRetries, err)
		}

		delay := calculateBackoff(attempt, cfg)
		slog.Warn("camera-gst: restarting pipeline",
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
