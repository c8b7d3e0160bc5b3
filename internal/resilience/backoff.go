// Copyright 2024 Legal Research Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package resilience provides the retry wrapper and error taxonomy shared by
// every outbound call to Cerebras, Tavily and the legal-document store.
package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMaxRetries is the default number of retries after the first attempt
	DefaultMaxRetries = 3
	// DefaultInitialDelay is the delay before the first retry
	DefaultInitialDelay = 1 * time.Second
	// DefaultMaxDelay caps any single wait
	DefaultMaxDelay = 30 * time.Second
	// maxBackoffShift bounds the exponent so the shift cannot overflow
	maxBackoffShift = 30
)

// RetryConfig holds configuration for exponential backoff retry logic
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       bool
	// IsRetryable decides whether a failed attempt is retried. Nil means IsRetryable.
	IsRetryable func(error) bool
	// OnRetry is called before each wait with the failed attempt number (0-based)
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns the retry settings used for vendor calls:
// three retries starting at one second, capped at thirty, with jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   DefaultMaxRetries,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Jitter:       true,
		IsRetryable:  IsRetryable,
	}
}

// Delay returns the wait before retry number attempt (0-based):
// min(InitialDelay*2^attempt + jitter, MaxDelay), jitter in [0, InitialDelay).
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}

	delay := c.InitialDelay * time.Duration(1<<uint(attempt))
	if c.Jitter && c.InitialDelay > 0 {
		delay += time.Duration(rand.Int63n(int64(c.InitialDelay)))
	}
	if c.MaxDelay > 0 && (delay > c.MaxDelay || delay < 0) {
		delay = c.MaxDelay
	}
	return delay
}

// WithRetry runs fn until it succeeds, fails with a non-retryable error, or
// MaxRetries retries have been spent. Negative MaxRetries is treated as zero.
// The returned error wraps the last error.
func WithRetry[T any](ctx context.Context, logger *zap.Logger, config RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	isRetryable := config.IsRetryable
	if isRetryable == nil {
		isRetryable = IsRetryable
	}
	// Always make at least one attempt
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	var zero T
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("Operation succeeded after retry",
					zap.Int("attempt", attempt+1),
					zap.Int("max_attempts", config.MaxRetries+1))
			}
			return result, nil
		}

		lastErr = err

		if !isRetryable(err) {
			logger.Debug("Error is not retryable, stopping attempts",
				zap.Error(err),
				zap.Int("attempt", attempt+1))
			return zero, err
		}

		if attempt == config.MaxRetries {
			break
		}

		delay := config.Delay(attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt, err, delay)
		}

		logger.Debug("Retrying after delay",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Int("max_retries", config.MaxRetries))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	logger.Warn("All retry attempts exhausted",
		zap.Error(lastErr),
		zap.Int("total_attempts", config.MaxRetries+1))

	return zero, fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}

// Retry is WithRetry for functions that only return an error
func Retry(ctx context.Context, logger *zap.Logger, config RetryConfig, fn func(ctx context.Context) error) error {
	_, err := WithRetry(ctx, logger, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
