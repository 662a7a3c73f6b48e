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

// Package uart provides the UART transport to an NFC controller. HCP
// segments travel as NCI data packets on the static HCI connection.
package uart

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pion/logging"
	"go.bug.st/serial"

	hci "github.com/ZaparooProject/go-hci"
	"github.com/ZaparooProject/go-hci/internal/transport"
	"github.com/ZaparooProject/go-hci/transport/stream"
)

const (
	defaultBaudRate = 115200
	openRetries     = 3
	openRetryDelay  = 100 * time.Millisecond
)

// Config holds the serial port settings
type Config struct {
	LoggerFactory logging.LoggerFactory
	StreamOptions []stream.Option
	BaudRate      int
}

// Option configures the UART transport
type Option func(*Config)

// WithBaudRate sets the line speed
func WithBaudRate(baud int) Option {
	return func(c *Config) {
		c.BaudRate = baud
	}
}

// WithLoggerFactory sets the logger factory
func WithLoggerFactory(factory logging.LoggerFactory) Option {
	return func(c *Config) {
		c.LoggerFactory = factory
	}
}

// WithStreamOptions passes options to the NCI stream layer
func WithStreamOptions(opts ...stream.Option) Option {
	return func(c *Config) {
		c.StreamOptions = append(c.StreamOptions, opts...)
	}
}

// Transport implements hci.Transport over a serial port
type Transport struct {
	stream   *stream.Transport
	log      logging.LeveledLogger
	portName string
}

var _ hci.Transport = (*Transport)(nil)

// New opens portName and starts reading from it
func New(portName string, opts ...Option) (*Transport, error) {
	cfg := newConfig(opts)
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := transport.WithRetry(transport.RetryConfig{
		Description: "open",
		Port:        portName,
		MaxRetries:  openRetries,
		RetryDelay:  openRetryDelay,
	}, func() (serial.Port, bool, error) {
		p, openErr := serial.Open(portName, mode)
		if openErr == nil {
			return p, false, nil
		}
		return nil, openRetryable(openErr), classifyOpenError(portName, openErr)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	t, err := newWithPort(port, portName, cfg)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return t, nil
}

// openRetryable reports whether a failed open may succeed on retry
func openRetryable(err error) bool {
	var perr *serial.PortError
	if errors.As(err, &perr) {
		return perr.Code() == serial.PortBusy
	}
	return false
}

func classifyOpenError(portName string, err error) error {
	if openRetryable(err) {
		return nil
	}
	var perr *serial.PortError
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return hci.NewTransportError("open", portName, hci.ErrDeviceNotFound, hci.ErrorTypePermanent)
	case errors.As(err, &perr) && perr.Code() == serial.PortNotFound:
		return hci.NewTransportError("open", portName, hci.ErrDeviceNotFound, hci.ErrorTypePermanent)
	default:
		return hci.NewTransportError("open", portName, err, hci.ErrorTypePermanent)
	}
}

func newConfig(opts []Option) *Config {
	cfg := &Config{BaudRate: defaultBaudRate}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return cfg
}

func newWithPort(port serial.Port, portName string, cfg *Config) (*Transport, error) {
	log := cfg.LoggerFactory.NewLogger("hci-transport-uart")
	if err := port.ResetInputBuffer(); err != nil {
		log.Warnf("failed to flush input on %s: %v", portName, err)
	}

	streamOpts := append([]stream.Option{
		stream.WithType(hci.TransportUART),
		stream.WithName(portName),
		stream.WithLoggerFactory(cfg.LoggerFactory),
	}, cfg.StreamOptions...)
	s, err := stream.New(port, streamOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start stream on %s: %w", portName, err)
	}

	log.Infof("opened %s at %d baud", portName, cfg.BaudRate)
	return &Transport{stream: s, log: log, portName: portName}, nil
}

// MaxPacketSize returns the largest segment Send accepts
func (t *Transport) MaxPacketSize() int {
	if t.stream == nil {
		return 0
	}
	return t.stream.MaxPacketSize()
}

// Send writes one segment
func (t *Transport) Send(seg []byte) error {
	if t.stream == nil {
		return hci.NewTransportError("Send", t.portName, hci.ErrTransportClosed, hci.ErrorTypePermanent)
	}
	if err := t.stream.Send(seg); err != nil {
		return fmt.Errorf("uart send: %w", err)
	}
	return nil
}

// SetReceiver installs the inbound segment callback
func (t *Transport) SetReceiver(fn func(seg []byte)) {
	if t.stream != nil {
		t.stream.SetReceiver(fn)
	}
}

// Close closes the serial port
func (t *Transport) Close() error {
	if t.stream == nil {
		return nil
	}
	if err := t.stream.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", t.portName, err)
	}
	return nil
}

// Type returns the transport type
func (*Transport) Type() hci.TransportType {
	return hci.TransportUART
}

// IsConnected returns true while the read loop is running
func (t *Transport) IsConnected() bool {
	if t.stream == nil {
		return false
	}
	select {
	case <-t.stream.Done():
		return false
	default:
		return true
	}
}

// PortName returns the serial device path
func (t *Transport) PortName() string {
	return t.portName
}
