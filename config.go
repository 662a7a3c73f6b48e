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

// Identity holds the values the identity management gate reports.
type Identity struct {
	VendorName string
	VersionSW  [3]byte
	VersionHW  [3]byte
	HCIVersion byte
	ModelID    byte
}

// DefaultIdentity returns the identity reported when none is configured.
func DefaultIdentity() Identity {
	return Identity{
		VersionSW:  [3]byte{0x01, 0x00, 0x00},
		HCIVersion: 0x02,
		VersionHW:  [3]byte{0x00, 0x00, 0x00},
		VendorName: "go-hci",
		ModelID:    0x00,
	}
}

// Config contains configuration options for the Engine
type Config struct {
	// LoggerFactory creates the engine loggers
	LoggerFactory logging.LoggerFactory
	// Timer arms the response and network-init timeouts
	Timer Timer
	// Store persists the engine tables; only Controller uses it
	Store Store
	// RetryConfig wraps the transport in TransportWithRetry when set; only
	// Controller uses it
	RetryConfig *RetryConfig
	// Metrics is optional; nil disables metrics
	Metrics *Metrics
	// SystemCallback receives bootstrap and host-list events not bound to an
	// application
	SystemCallback Callback
	// Tick feeds the low half of generated session identities
	Tick func() uint32
	// Hosts is the whitelist of remote hosts expected in the network
	Hosts    []HostID
	Identity Identity
	// ResponseTimeout is the default deadline for every command
	ResponseTimeout time.Duration
	// NetworkInitTimeout bounds the wait for missing hosts after bootstrap;
	// zero disables the wait
	NetworkInitTimeout time.Duration
	// DebugLoopback answers every message in-process instead of using the
	// transport
	DebugLoopback      bool
	MaxApps            int
	MaxGates           int
	MaxPipes           int
	MaxHosts           int
	BufferCount        int
}

// DefaultConfig returns default engine configuration
func DefaultConfig() *Config {
	return &Config{
		Hosts:              []HostID{HostUICC},
		Identity:           DefaultIdentity(),
		ResponseTimeout:    DefaultResponseTimeout,
		NetworkInitTimeout: DefaultNetworkInitTimeout,
		MaxApps:            DefaultMaxApps,
		MaxGates:           DefaultMaxGates,
		MaxPipes:           DefaultMaxPipes,
		MaxHosts:           DefaultMaxHosts,
		BufferCount:        DefaultBufferCount,
	}
}

// Validate checks the table sizes and timeouts.
func (c *Config) Validate() error {
	switch {
	case c.MaxApps < 1 || c.MaxApps > int(handleSlotMask)+1:
		return fmt.Errorf("%w: MaxApps %d", ErrInvalidParameter, c.MaxApps)
	case c.MaxGates < 1:
		return fmt.Errorf("%w: MaxGates %d", ErrInvalidParameter, c.MaxGates)
	case c.MaxPipes < 1 || c.MaxPipes > maxPipeSlots:
		return fmt.Errorf("%w: MaxPipes %d", ErrInvalidParameter, c.MaxPipes)
	case c.MaxHosts < len(c.Hosts):
		return fmt.Errorf("%w: MaxHosts %d below %d configured hosts", ErrInvalidParameter, c.MaxHosts, len(c.Hosts))
	case c.BufferCount < 1:
		return fmt.Errorf("%w: BufferCount %d", ErrInvalidParameter, c.BufferCount)
	case c.ResponseTimeout <= 0:
		return fmt.Errorf("%w: ResponseTimeout %v", ErrInvalidParameter, c.ResponseTimeout)
	case c.NetworkInitTimeout < 0:
		return fmt.Errorf("%w: NetworkInitTimeout %v", ErrInvalidParameter, c.NetworkInitTimeout)
	}
	for _, h := range c.Hosts {
		if h == HostController || h == HostDH {
			return fmt.Errorf("%w: host 0x%02X cannot be whitelisted", ErrInvalidParameter, byte(h))
		}
	}
	return nil
}

// whitelist encodes the configured hosts for the WHITELIST registry.
func (c *Config) whitelist() []byte {
	out := make([]byte, len(c.Hosts))
	for i, h := range c.Hosts {
		out[i] = byte(h)
	}
	return out
}
