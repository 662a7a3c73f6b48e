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
	"fmt"
	"time"

	"github.com/pion/logging"
)

// Option is a functional option for configuring an Engine or Controller
type Option func(*Config) error

// WithResponseTimeout sets the default deadline for commands
func WithResponseTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: response timeout %v", ErrInvalidParameter, timeout)
		}
		c.ResponseTimeout = timeout
		return nil
	}
}

// WithNetworkInitTimeout sets how long bootstrap waits for missing hosts.
// Zero disables the wait.
func WithNetworkInitTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		c.NetworkInitTimeout = timeout
		return nil
	}
}

// WithLoggerFactory sets the factory used for every engine logger
func WithLoggerFactory(factory logging.LoggerFactory) Option {
	return func(c *Config) error {
		c.LoggerFactory = factory
		return nil
	}
}

// WithTimer sets the timer service
func WithTimer(timer Timer) Option {
	return func(c *Config) error {
		c.Timer = timer
		return nil
	}
}

// WithStore sets the persistence backend
func WithStore(store Store) Option {
	return func(c *Config) error {
		c.Store = store
		return nil
	}
}

// WithRetryConfig retries failed transport writes with config
func WithRetryConfig(config *RetryConfig) Option {
	return func(c *Config) error {
		c.RetryConfig = config
		return nil
	}
}

// WithMetrics enables Prometheus metrics
func WithMetrics(metrics *Metrics) Option {
	return func(c *Config) error {
		c.Metrics = metrics
		return nil
	}
}

// WithHosts sets the whitelist of expected remote hosts
func WithHosts(hosts ...HostID) Option {
	return func(c *Config) error {
		c.Hosts = append([]HostID(nil), hosts...)
		if len(c.Hosts) > c.MaxHosts {
			c.MaxHosts = len(c.Hosts)
		}
		return nil
	}
}

// WithIdentity sets the values served by the identity management gate
func WithIdentity(identity Identity) Option {
	return func(c *Config) error {
		c.Identity = identity
		return nil
	}
}

// WithTableSizes sets the capacity of the application, gate and pipe tables
func WithTableSizes(apps, gates, pipes int) Option {
	return func(c *Config) error {
		c.MaxApps = apps
		c.MaxGates = gates
		c.MaxPipes = pipes
		return nil
	}
}

// WithBufferCount sets the number of segment buffers in the send pool
func WithBufferCount(count int) Option {
	return func(c *Config) error {
		c.BufferCount = count
		return nil
	}
}

// WithSystemCallback sets the receiver of engine-level events
func WithSystemCallback(cb Callback) Option {
	return func(c *Config) error {
		c.SystemCallback = cb
		return nil
	}
}

// WithTickSource sets the monotonic tick used in new session identities
func WithTickSource(tick func() uint32) Option {
	return func(c *Config) error {
		if tick == nil {
			return fmt.Errorf("%w: nil tick source", ErrInvalidParameter)
		}
		c.Tick = tick
		return nil
	}
}

// WithDebugLoopback answers every outbound message in-process, which lets
// the engine bootstrap and run without a controller attached
func WithDebugLoopback(on bool) Option {
	return func(c *Config) error {
		c.DebugLoopback = on
		return nil
	}
}

func applyOptions(opts []Option) (*Config, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
