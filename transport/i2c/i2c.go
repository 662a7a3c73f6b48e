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

// Package i2c provides the I2C transport to an NCI controller. The host
// writes NCI data packets to the controller and reads them back as a
// header transaction followed by a payload transaction.
package i2c

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	hci "github.com/ZaparooProject/go-hci"
	"github.com/ZaparooProject/go-hci/internal/nci"
	"github.com/ZaparooProject/go-hci/internal/transport"
)

const (
	// DefaultAddr is the usual 7-bit address of an NCI controller
	DefaultAddr = 0x28

	// Max clock frequency (400 kHz).
	maxClockFreq = 400 * physic.KiloHertz

	// An idle controller answers reads with all ones.
	idleByte = 0xFF

	defaultPollInterval = 5 * time.Millisecond
	defaultWriteRetries = 3
	writeRetryDelay     = time.Millisecond
)

// Config holds the bus settings
type Config struct {
	LoggerFactory logging.LoggerFactory
	// IRQPin names the controller's interrupt line. Without it the bus is
	// polled every PollInterval.
	IRQPin       string
	PollInterval time.Duration
	WriteRetries int
	ConnID       byte
	Addr         uint16
}

// Option configures the I2C transport
type Option func(*Config)

// WithAddr sets the controller's bus address
func WithAddr(addr uint16) Option {
	return func(c *Config) {
		c.Addr = addr
	}
}

// WithIRQPin sets the interrupt line
func WithIRQPin(name string) Option {
	return func(c *Config) {
		c.IRQPin = name
	}
}

// WithPollInterval sets the wait between reads
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) {
		c.PollInterval = d
	}
}

// WithLoggerFactory sets the logger factory
func WithLoggerFactory(factory logging.LoggerFactory) Option {
	return func(c *Config) {
		c.LoggerFactory = factory
	}
}

// Transport implements hci.Transport over I2C
type Transport struct {
	dev         *i2c.Dev
	bus         i2c.BusCloser
	irq         gpio.PinIn
	log         logging.LeveledLogger
	receiver    atomic.Pointer[func([]byte)]
	reassembler *nci.Reassembler
	closed      chan struct{}
	done        chan struct{}
	busName     string
	cfg         Config
	mu          sync.Mutex
	closeOnce   sync.Once
}

var _ hci.Transport = (*Transport)(nil)

// New opens busName and starts polling the controller
func New(busName string, opts ...Option) (*Transport, error) {
	cfg := newConfig(opts)

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, hci.NewTransportError("open", busName,
			fmt.Errorf("%w: %w", hci.ErrDeviceNotFound, err), hci.ErrorTypePermanent)
	}

	// Ignore error, continue with default speed
	_ = bus.SetSpeed(maxClockFreq)

	var irq gpio.PinIn
	if cfg.IRQPin != "" {
		pin := gpioreg.ByName(cfg.IRQPin)
		if pin == nil {
			_ = bus.Close()
			return nil, fmt.Errorf("%w: no gpio named %s", hci.ErrInvalidParameter, cfg.IRQPin)
		}
		if err := pin.In(gpio.PullDown, gpio.RisingEdge); err != nil {
			_ = bus.Close()
			return nil, fmt.Errorf("failed to configure irq pin %s: %w", cfg.IRQPin, err)
		}
		irq = pin
	}

	t := newTransport(bus, busName, irq, cfg)
	t.bus = bus
	go t.pollLoop()
	return t, nil
}

func newConfig(opts []Option) Config {
	cfg := Config{
		Addr:         DefaultAddr,
		ConnID:       nci.ConnIDHCI,
		PollInterval: defaultPollInterval,
		WriteRetries: defaultWriteRetries,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return cfg
}

// newTransport builds a transport without starting the poll loop
func newTransport(bus i2c.Bus, busName string, irq gpio.PinIn, cfg Config) *Transport {
	return &Transport{
		dev:         &i2c.Dev{Addr: cfg.Addr, Bus: bus},
		irq:         irq,
		busName:     busName,
		cfg:         cfg,
		log:         cfg.LoggerFactory.NewLogger("hci-transport-i2c"),
		reassembler: nci.NewReassembler(nci.MaxPayload),
		closed:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// MaxPacketSize returns the largest segment Send accepts
func (*Transport) MaxPacketSize() int {
	return nci.MaxPayload
}

// SetReceiver installs the inbound segment callback. It is called from the
// poll goroutine.
func (t *Transport) SetReceiver(fn func(seg []byte)) {
	if fn == nil {
		t.receiver.Store(nil)
		return
	}
	t.receiver.Store(&fn)
}

// Send writes seg as one NCI data packet. A controller waking from standby
// may NACK the first write, so bus errors are retried.
func (t *Transport) Send(seg []byte) error {
	if t.dev == nil {
		return hci.NewTransportError("Send", t.busName, hci.ErrTransportClosed, hci.ErrorTypePermanent)
	}
	select {
	case <-t.closed:
		return hci.NewTransportError("Send", t.busName, hci.ErrTransportClosed, hci.ErrorTypePermanent)
	default:
	}
	if len(seg) > nci.MaxPayload {
		return hci.NewDataTooLargeError("Send", t.busName)
	}

	frm, err := nci.DataPacket(t.cfg.ConnID, seg).MarshalBinary()
	if err != nil {
		return hci.NewTransportError("Send", t.busName, err, hci.ErrorTypePermanent)
	}

	var lastErr error
	_, err = transport.WithRetry(transport.RetryConfig{
		Description: "Send",
		Port:        t.busName,
		MaxRetries:  t.cfg.WriteRetries,
		RetryDelay:  writeRetryDelay,
	}, func() (struct{}, bool, error) {
		t.mu.Lock()
		lastErr = t.dev.Tx(frm, nil)
		t.mu.Unlock()
		return struct{}{}, lastErr != nil, nil
	})
	if err != nil {
		return hci.NewTransportError("Send", t.busName,
			fmt.Errorf("%w: %w", hci.ErrTransportWrite, lastErr), hci.ErrorTypeTransient)
	}
	return nil
}

// Close stops polling and releases the bus
func (t *Transport) Close() error {
	if t.closed == nil {
		return nil
	}
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.bus == nil {
			return
		}
		<-t.done
		err = t.bus.Close()
	})
	if err != nil {
		return fmt.Errorf("failed to close I2C bus %s: %w", t.busName, err)
	}
	return nil
}

// IsConnected returns true if the transport is connected
func (t *Transport) IsConnected() bool {
	if t.dev == nil {
		return false
	}
	select {
	case <-t.closed:
		return false
	default:
		return true
	}
}

// Type returns the transport type
func (*Transport) Type() hci.TransportType {
	return hci.TransportI2C
}

func (t *Transport) pollLoop() {
	defer close(t.done)
	for {
		select {
		case <-t.closed:
			return
		default:
		}

		got, err := t.poll()
		if err != nil {
			t.log.Warnf("read failed: %v", err)
		}
		if got {
			continue
		}
		t.wait()
	}
}

// wait blocks until the controller signals data or the poll interval ends
func (t *Transport) wait() {
	if t.irq != nil {
		t.irq.WaitForEdge(t.cfg.PollInterval)
		return
	}
	select {
	case <-t.closed:
	case <-time.After(t.cfg.PollInterval):
	}
}

// poll performs one read attempt and reports whether a packet was read
func (t *Transport) poll() (bool, error) {
	if t.irq != nil && t.irq.Read() == gpio.Low {
		return false, nil
	}
	p, ok, err := t.readPacket()
	if err != nil || !ok {
		return false, err
	}
	t.handle(p)
	return true, nil
}

func (t *Transport) readPacket() (nci.Packet, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var hdr [nci.HeaderSize]byte
	if err := t.dev.Tx(nil, hdr[:]); err != nil {
		// no data pending; the controller NACKs the read
		return nci.Packet{}, false, nil
	}
	if hdr[0] == idleByte && hdr[1] == idleByte && hdr[2] == idleByte {
		return nci.Packet{}, false, nil
	}

	p, n, err := nci.ParseHeader(hdr[:])
	if err != nil {
		return nci.Packet{}, false, hci.NewFrameCorruptedError("poll", t.busName)
	}
	if n > 0 {
		p.Payload = make([]byte, n)
		if err := t.dev.Tx(nil, p.Payload); err != nil {
			return nci.Packet{}, false, hci.NewTransportError("poll", t.busName,
				fmt.Errorf("%w: %w", hci.ErrTransportRead, err), hci.ErrorTypeTransient)
		}
	}
	return p, true, nil
}

func (t *Transport) handle(p nci.Packet) {
	if !p.IsData() || p.ID != t.cfg.ConnID {
		t.log.Debugf("ignoring %s packet id=%d", p.Type, p.ID)
		return
	}
	msg, done, err := t.reassembler.Add(p)
	if err != nil {
		t.log.Warnf("dropping inbound message: %v", err)
		return
	}
	if !done {
		return
	}
	if fn := t.receiver.Load(); fn != nil {
		(*fn)(msg)
	}
}
