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
	"time"
)

// Transport carries HCP segments to and from the NFC controller. This can
// be implemented by UART, I2C or in-process loopback backends.
type Transport interface {
	// MaxPacketSize returns the largest segment the transport accepts
	MaxPacketSize() int

	// Send writes one segment. The transport must not retain seg after
	// Send returns.
	Send(seg []byte) error

	// SetReceiver installs the function called for every inbound segment.
	// The segment is only valid for the duration of the call.
	SetReceiver(fn func(seg []byte))

	// Close closes the transport connection
	Close() error

	// Type returns the transport type
	Type() TransportType
}

// TransportType represents the type of transport
type TransportType string

const (
	// TransportUART represents UART/serial transport.
	TransportUART TransportType = "uart"
	// TransportI2C represents I2C bus transport.
	TransportI2C TransportType = "i2c"
	// TransportLoopback represents an in-process simulated controller.
	TransportLoopback TransportType = "loopback"
	// TransportMock represents a mock transport for testing
	TransportMock TransportType = "mock"
)

// TimerKind names the timeout an armed timer reports.
type TimerKind int

const (
	// TimerResponse guards the in-flight command.
	TimerResponse TimerKind = iota
	// TimerNetworkInit bounds the wait for missing hosts during bootstrap.
	TimerNetworkInit
)

func (k TimerKind) String() string {
	if k == TimerNetworkInit {
		return "network-init"
	}
	return "response"
}

// Timer is the engine's single timeout. Starting it replaces any pending
// timeout. The owner calls Engine.HandleTimeout when it fires.
type Timer interface {
	Start(kind TimerKind, d time.Duration)
	Stop()
}

// noopTimer is used when no timer is configured; timeouts never fire.
type noopTimer struct{}

func (noopTimer) Start(TimerKind, time.Duration) {}

func (noopTimer) Stop() {}

// TransportWithRetry wraps a Transport with retry capabilities
type TransportWithRetry struct {
	transport Transport
	config    *RetryConfig
}

var _ Transport = (*TransportWithRetry)(nil)

// NewTransportWithRetry creates a new transport wrapper with retry logic
func NewTransportWithRetry(transport Transport, config *RetryConfig) *TransportWithRetry {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &TransportWithRetry{
		transport: transport,
		config:    config,
	}
}

// Send writes a segment, retrying transient failures
func (t *TransportWithRetry) Send(seg []byte) error {
	return RetryWithConfig(context.Background(), t.config, func() error {
		if err := t.transport.Send(seg); err != nil {
			return &TransportError{
				Op:        "Send",
				Err:       err,
				Type:      GetErrorType(err),
				Retryable: IsRetryable(err),
			}
		}
		return nil
	})
}

// MaxPacketSize forwards to the underlying transport
func (t *TransportWithRetry) MaxPacketSize() int {
	return t.transport.MaxPacketSize()
}

// SetReceiver forwards to the underlying transport
func (t *TransportWithRetry) SetReceiver(fn func(seg []byte)) {
	t.transport.SetReceiver(fn)
}

// Close closes the transport connection
func (t *TransportWithRetry) Close() error {
	if err := t.transport.Close(); err != nil {
		return fmt.Errorf("failed to close underlying transport: %w", err)
	}
	return nil
}

// Type returns the transport type
func (t *TransportWithRetry) Type() TransportType {
	return t.transport.Type()
}

// SetRetryConfig updates the retry configuration
func (t *TransportWithRetry) SetRetryConfig(config *RetryConfig) {
	t.config = config
}
