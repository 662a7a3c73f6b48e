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
	"sync"
	"time"

	"github.com/ZaparooProject/go-hci/internal/frame"
)

// MessageType is the two-bit HCP message type.
type MessageType = frame.Type

// HCP message types
const (
	MessageCommand  = frame.TypeCommand
	MessageEvent    = frame.TypeEvent
	MessageResponse = frame.TypeResponse
)

// Message is a reassembled HCP message.
type Message = frame.Message

// MockTransport records every segment sent and lets tests inject inbound
// segments. It is safe for concurrent use.
type MockTransport struct {
	receiver  func(seg []byte)
	err       error
	sent      [][]byte
	maxPacket int
	mu        sync.Mutex
	closed    bool
}

var _ Transport = (*MockTransport)(nil)

// NewMockTransport creates a mock transport with the given packet size
func NewMockTransport(maxPacket int) *MockTransport {
	return &MockTransport{maxPacket: maxPacket}
}

// MaxPacketSize returns the configured packet size
func (m *MockTransport) MaxPacketSize() int {
	return m.maxPacket
}

// Send records a copy of seg, or returns the configured error
func (m *MockTransport) Send(seg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrTransportClosed
	}
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, append([]byte(nil), seg...))
	return nil
}

// SetReceiver installs the inbound segment handler
func (m *MockTransport) SetReceiver(fn func(seg []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiver = fn
}

// Close marks the transport closed
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Type returns TransportMock
func (*MockTransport) Type() TransportType {
	return TransportMock
}

// SetError makes every following Send fail with err; nil clears it
func (m *MockTransport) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Inject delivers seg to the installed receiver. It reports false when no
// receiver is installed.
func (m *MockTransport) Inject(seg []byte) bool {
	m.mu.Lock()
	fn := m.receiver
	m.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(seg)
	return true
}

// Sent returns copies of the segments sent so far
func (m *MockTransport) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	for i, s := range m.sent {
		out[i] = append([]byte(nil), s...)
	}
	return out
}

// Messages reassembles the segments sent so far
func (m *MockTransport) Messages() []*Message {
	r := frame.NewReassembler()
	var out []*Message
	for _, seg := range m.Sent() {
		msg, err := r.Process(seg)
		if err == nil && msg != nil {
			out = append(out, msg)
		}
	}
	return out
}

// LastMessage returns the most recent complete message, or nil
func (m *MockTransport) LastMessage() *Message {
	msgs := m.Messages()
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// Reset forgets the recorded segments
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// ManualTimer is a Timer that only fires when the test says so
type ManualTimer struct {
	mu       sync.Mutex
	kind     TimerKind
	duration time.Duration
	starts   int
	active   bool
}

var _ Timer = (*ManualTimer)(nil)

// Start arms the timer
func (t *ManualTimer) Start(kind TimerKind, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.kind = kind
	t.duration = d
	t.active = true
	t.starts++
}

// Stop disarms the timer
func (t *ManualTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
}

// Active reports whether the timer is armed
func (t *ManualTimer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Kind returns the kind of the last Start
func (t *ManualTimer) Kind() TimerKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kind
}

// Duration returns the duration of the last Start
func (t *ManualTimer) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// Starts returns how many times the timer was armed
func (t *ManualTimer) Starts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.starts
}

// Fire delivers the armed timeout to e. It reports false when the timer
// is not armed.
func (t *ManualTimer) Fire(e *Engine) bool {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return false
	}
	t.active = false
	kind := t.kind
	t.mu.Unlock()
	e.HandleTimeout(kind)
	return true
}
