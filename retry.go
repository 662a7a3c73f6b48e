// go-hci
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-hci.
//
// go-hci is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-hci is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-hci; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package hci

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for transport writes
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, the first one included
	MaxAttempts int
	// InitialBackoff is the delay before the first retry
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries
	MaxBackoff time.Duration
	// BackoffMultiplier grows the delay after each retry
	BackoffMultiplier float64
	// Jitter adds up to this fraction of the delay at random
	Jitter float64
	// RetryTimeout bounds the whole retry sequence, zero means no bound
	RetryTimeout time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        200 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryTimeout:      time.Second,
	}
}

// RetryWithConfig runs fn until it succeeds, returns a non-retryable error,
// the attempts are used up or ctx is done.
func RetryWithConfig(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.RetryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.RetryTimeout)
		defer cancel()
	}

	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := config.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) || attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, lastErr)
		case <-time.After(jittered(backoff, config.Jitter)):
		}
		backoff = nextBackoff(backoff, config)
	}
	return lastErr
}

func nextBackoff(current time.Duration, config *RetryConfig) time.Duration {
	if config.BackoffMultiplier > 1 {
		current = time.Duration(float64(current) * config.BackoffMultiplier)
	}
	if config.MaxBackoff > 0 && current > config.MaxBackoff {
		current = config.MaxBackoff
	}
	return current
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if d <= 0 {
		return 0
	}
	if jitter <= 0 {
		return d
	}
	if jitter > 1 {
		jitter = 1
	}
	//nolint:gosec // jitter does not need a cryptographic source
	return d + time.Duration(rand.Float64()*jitter*float64(d))
}
