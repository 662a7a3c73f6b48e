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

// Package stream carries HCP segments over any byte stream that frames
// them as NCI data packets. The UART transport and tests build on it.
package stream

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"

	hci "github.com/ZaparooProject/go-hci"
	"github.com/ZaparooProject/go-hci/internal/nci"
)

const (
	defaultWriteTimeout = time.Second
	closeTimeout        = time.Second
	maxCredits          = 255
)

// Option configures a Transport
type Option func(*Transport)

// WithConnID sets the NCI connection carrying HCI traffic
func WithConnID(id byte) Option {
	return func(t *Transport) {
		t.connID = id
	}
}

// WithMaxPacketSize limits the size of one HCP segment
func WithMaxPacketSize(n int) Option {
	return func(t *Transport) {
		t.maxPacket = n
	}
}

// WithCredits enables NCI flow control with n initial credits. Every send
// consumes one credit; CORE_CONN_CREDITS_NTF returns them.
func WithCredits(n int) Option {
	return func(t *Transport) {
		t.initialCredits = n
	}
}

// WithWriteTimeout bounds the wait for a credit
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.writeTimeout = d
	}
}

// WithLoggerFactory sets the logger factory
func WithLoggerFactory(factory logging.LoggerFactory) Option {
	return func(t *Transport) {
		t.loggerFactory = factory
	}
}

// WithType sets the reported transport type
func WithType(kind hci.TransportType) Option {
	return func(t *Transport) {
		t.kind = kind
	}
}

// WithName sets the port name used in errors
func WithName(name string) Option {
	return func(t *Transport) {
		t.name = name
	}
}

// Transport implements hci.Transport over an io.ReadWriteCloser
type Transport struct {
	rwc            io.ReadWriteCloser
	loggerFactory  logging.LoggerFactory
	log            logging.LeveledLogger
	receiver       atomic.Pointer[func([]byte)]
	credits        chan struct{}
	closed         chan struct{}
	done           chan struct{}
	readErr        atomic.Pointer[error]
	kind           hci.TransportType
	name           string
	writeMu        sync.Mutex
	closeOnce      sync.Once
	writeTimeout   time.Duration
	maxPacket      int
	initialCredits int
	connID         byte
}

var _ hci.Transport = (*Transport)(nil)

// New starts a Transport reading from rwc. The transport owns rwc and
// closes it on Close.
func New(rwc io.ReadWriteCloser, opts ...Option) (*Transport, error) {
	if rwc == nil {
		return nil, fmt.Errorf("%w: nil stream", hci.ErrInvalidParameter)
	}
	t := &Transport{
		rwc:          rwc,
		connID:       nci.ConnIDHCI,
		maxPacket:    nci.MaxPayload,
		writeTimeout: defaultWriteTimeout,
		kind:         hci.TransportType("stream"),
		closed:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.maxPacket < 3 || t.maxPacket > nci.MaxPayload {
		return nil, fmt.Errorf("%w: max packet size %d", hci.ErrInvalidParameter, t.maxPacket)
	}
	if t.initialCredits < 0 || t.initialCredits > maxCredits {
		return nil, fmt.Errorf("%w: credits %d", hci.ErrInvalidParameter, t.initialCredits)
	}
	if t.loggerFactory == nil {
		t.loggerFactory = logging.NewDefaultLoggerFactory()
	}
	t.log = t.loggerFactory.NewLogger("hci-transport-stream")

	if t.initialCredits > 0 {
		t.credits = make(chan struct{}, maxCredits)
		t.addCredits(t.initialCredits)
	}

	go t.readLoop()
	return t, nil
}

// MaxPacketSize returns the largest segment Send accepts
func (t *Transport) MaxPacketSize() int {
	return t.maxPacket
}

// SetReceiver installs the inbound segment callback. It is called from the
// read goroutine.
func (t *Transport) SetReceiver(fn func(seg []byte)) {
	if fn == nil {
		t.receiver.Store(nil)
		return
	}
	t.receiver.Store(&fn)
}

// Send writes seg as one NCI data packet
func (t *Transport) Send(seg []byte) error {
	if len(seg) > t.maxPacket {
		return hci.NewDataTooLargeError("Send", t.name)
	}
	select {
	case <-t.closed:
		return hci.NewTransportError("Send", t.name, hci.ErrTransportClosed, hci.ErrorTypePermanent)
	default:
	}
	if err := t.takeCredit(); err != nil {
		return err
	}

	buf, err := nci.DataPacket(t.connID, seg).MarshalBinary()
	if err != nil {
		return hci.NewTransportError("Send", t.name, err, hci.ErrorTypePermanent)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.rwc.Write(buf); err != nil {
		return hci.NewTransportError("Send", t.name,
			fmt.Errorf("%w: %w", hci.ErrTransportWrite, err), hci.ErrorTypeTransient)
	}
	return nil
}

// Close stops the read goroutine and closes the stream
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.rwc.Close()
		select {
		case <-t.done:
		case <-time.After(closeTimeout):
			t.log.Warn("read loop did not stop after close")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	return nil
}

// Type returns the transport type
func (t *Transport) Type() hci.TransportType {
	return t.kind
}

// Err returns the error that stopped the read loop, if any
func (t *Transport) Err() error {
	if p := t.readErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Done is closed once the read loop exits
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) takeCredit() error {
	if t.credits == nil {
		return nil
	}
	timer := time.NewTimer(t.writeTimeout)
	defer timer.Stop()
	select {
	case <-t.credits:
		return nil
	case <-t.closed:
		return hci.NewTransportError("Send", t.name, hci.ErrTransportClosed, hci.ErrorTypePermanent)
	case <-timer.C:
		return hci.NewTransportError("Send", t.name,
			fmt.Errorf("%w: no credits", hci.ErrTransportTimeout), hci.ErrorTypeTimeout)
	}
}

func (t *Transport) addCredits(n int) {
	for i := 0; i < n; i++ {
		select {
		case t.credits <- struct{}{}:
		default:
			return
		}
	}
}

func (t *Transport) readLoop() {
	defer close(t.done)

	r := nci.NewReader(t.rwc)
	reassembler := nci.NewReassembler(nci.MaxPayload)
	for {
		p, err := r.ReadPacket()
		if err != nil {
			select {
			case <-t.closed:
			default:
				if !errors.Is(err, io.EOF) {
					t.log.Errorf("read failed: %v", err)
				}
				err = hci.NewTransportError("read", t.name,
					fmt.Errorf("%w: %w", hci.ErrTransportRead, err), hci.ErrorTypePermanent)
				t.readErr.Store(&err)
			}
			return
		}
		t.handlePacket(p, reassembler)
	}
}

func (t *Transport) handlePacket(p nci.Packet, reassembler *nci.Reassembler) {
	switch {
	case p.IsConnCredits():
		credits, err := nci.ParseConnCredits(p.Payload)
		if err != nil {
			t.log.Warnf("bad credits notification: %v", err)
			return
		}
		for _, c := range credits {
			if c.ConnID == t.connID && t.credits != nil {
				t.addCredits(int(c.Credits))
			}
		}
	case !p.IsData():
		t.log.Debugf("ignoring %s packet gid=%d oid=%d", p.Type, p.ID, p.OID)
	case p.ID != t.connID:
		t.log.Debugf("ignoring data on connection %d", p.ID)
	default:
		msg, done, err := reassembler.Add(p)
		if err != nil {
			t.log.Warnf("dropping inbound message: %v", err)
			return
		}
		if !done {
			return
		}
		if fn := t.receiver.Load(); fn != nil {
			(*fn)(msg)
		} else {
			t.log.Debug("no receiver, segment dropped")
		}
	}
}
