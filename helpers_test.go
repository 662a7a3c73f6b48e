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
	"io"
	"testing"

	"github.com/pion/logging"
	"github.com/stretchr/testify/require"

	testutil "github.com/ZaparooProject/go-hci/internal/testing"
)

const testPacketSize = 32

// testTick is the fixed tick used for generated session identities.
const testTick uint32 = 0x01020304

func quietLoggerFactory() logging.LoggerFactory {
	return &logging.DefaultLoggerFactory{
		Writer:          io.Discard,
		DefaultLogLevel: logging.LogLevelDisabled,
	}
}

// eventLog collects the events delivered to one callback.
type eventLog struct {
	events []Event
}

func (l *eventLog) callback(ev Event) {
	l.events = append(l.events, ev)
}

func (l *eventLog) ofKind(kind EventKind) []Event {
	var out []Event
	for _, ev := range l.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) last(kind EventKind) (Event, bool) {
	evs := l.ofKind(kind)
	if len(evs) == 0 {
		return Event{}, false
	}
	return evs[len(evs)-1], true
}

func (l *eventLog) reset() {
	l.events = nil
}

type testHarness struct {
	engine    *Engine
	transport *MockTransport
	timer     *ManualTimer
	system    *eventLog
}

func newHarness(t *testing.T, opts ...Option) *testHarness {
	t.Helper()

	h := &testHarness{
		transport: NewMockTransport(testPacketSize),
		timer:     &ManualTimer{},
		system:    &eventLog{},
	}
	base := []Option{
		WithTimer(h.timer),
		WithSystemCallback(h.system.callback),
		WithLoggerFactory(quietLoggerFactory()),
		WithTickSource(func() uint32 { return testTick }),
	}
	e, err := New(h.transport, append(base, opts...)...)
	require.NoError(t, err)
	h.engine = e
	return h
}

// inject feeds one inbound segment to the engine.
func (h *testHarness) inject(seg []byte) {
	h.engine.HandleSegment(seg)
}

// expect asserts the last sent message and returns it.
func (h *testHarness) expect(t *testing.T, pipe PipeID, typ MessageType, instruction byte) *Message {
	t.Helper()
	msg := h.transport.LastMessage()
	require.NotNil(t, msg, "no message sent")
	require.Equal(t, byte(pipe), msg.Pipe, "pipe")
	require.Equal(t, typ, msg.Type, "type")
	require.Equal(t, instruction, msg.Instruction, "instruction")
	return msg
}

// sentCount returns the number of complete messages sent.
func (h *testHarness) sentCount() int {
	return len(h.transport.Messages())
}

// boot runs the bootstrap against a v12 admin gate that reports
// sessionReply and a host list holding UICC.
func (h *testHarness) boot(t *testing.T, sessionReply []byte) {
	t.Helper()
	require.NoError(t, h.engine.Start())

	h.expect(t, PipeAdmin, MessageCommand, AnyOpenPipe)
	h.inject(testutil.BuildOK(byte(PipeAdmin)))

	msg := h.expect(t, PipeAdmin, MessageCommand, AnyGetParameter)
	require.Equal(t, []byte{RegHostType}, msg.Payload)
	h.inject(testutil.BuildOK(byte(PipeAdmin), 0x01, 0x00))

	msg = h.expect(t, PipeAdmin, MessageCommand, AnySetParameter)
	require.Equal(t, RegHostType, msg.Payload[0])
	h.inject(testutil.BuildOK(byte(PipeAdmin)))

	h.answerSession(t, sessionReply)

	msg = h.expect(t, PipeAdmin, MessageCommand, AnySetParameter)
	require.Equal(t, RegWhitelist, msg.Payload[0])
	h.inject(testutil.BuildOK(byte(PipeAdmin)))

	msg = h.expect(t, PipeAdmin, MessageCommand, AnyGetParameter)
	require.Equal(t, []byte{RegHostList}, msg.Payload)
	h.inject(testutil.BuildHostList(byte(HostUICC)))

	require.Equal(t, StateIdle, h.engine.State())
	h.transport.Reset()
	h.system.reset()
}

// answerSession answers GET SESSION_IDENTITY and, when the engine asks to
// store a new identity, the SET that follows.
func (h *testHarness) answerSession(t *testing.T, sessionReply []byte) {
	t.Helper()
	msg := h.expect(t, PipeAdmin, MessageCommand, AnyGetParameter)
	require.Equal(t, []byte{RegSessionIdentity}, msg.Payload)
	h.inject(testutil.BuildOK(byte(PipeAdmin), sessionReply...))

	msg = h.transport.LastMessage()
	if msg.Instruction == AnySetParameter && msg.Payload[0] == RegSessionIdentity {
		h.inject(testutil.BuildOK(byte(PipeAdmin)))
	}
}

// register adds an application that logs its events.
func (h *testHarness) register(t *testing.T, name string) (Handle, *eventLog) {
	t.Helper()
	log := &eventLog{}
	handle, err := h.engine.Register(name, log.callback, false)
	require.NoError(t, err)
	return handle, log
}

// createPipe allocates a gate for app and creates a pipe from it to
// (UICC, destGate), answered with pipe id.
func (h *testHarness) createPipe(t *testing.T, app Handle, destGate GateID, pipe PipeID) GateID {
	t.Helper()
	gate, err := h.engine.AllocateGate(app, GateAuto)
	require.NoError(t, err)
	require.NoError(t, h.engine.CreatePipe(app, gate, HostUICC, destGate))
	h.expect(t, PipeAdmin, MessageCommand, AdmCreatePipe)
	h.inject(testutil.BuildCreatePipeResponse(byte(gate), byte(HostUICC), byte(destGate), byte(pipe)))
	require.Equal(t, StateIdle, h.engine.State())
	return gate
}

// openPipe opens pipe for app and answers OK.
func (h *testHarness) openPipe(t *testing.T, app Handle, pipe PipeID) {
	t.Helper()
	require.NoError(t, h.engine.OpenPipe(app, pipe))
	h.expect(t, pipe, MessageCommand, AnyOpenPipe)
	h.inject(testutil.BuildOK(byte(pipe), 0x00))
	p, ok := h.engine.FindPipe(pipe)
	require.True(t, ok)
	require.Equal(t, PipeOpened, p.State)
}
