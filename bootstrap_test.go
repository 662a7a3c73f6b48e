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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutil "github.com/ZaparooProject/go-hci/internal/testing"
)

func TestBootstrap_V12NewSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.engine.Start())
	assert.Equal(t, StateStartup, h.engine.State())
	assert.True(t, h.timer.Active())
	assert.Equal(t, TimerResponse, h.timer.Kind())

	h.expect(t, PipeAdmin, MessageCommand, AnyOpenPipe)
	h.inject(testutil.BuildOK(byte(PipeAdmin)))

	h.expect(t, PipeAdmin, MessageCommand, AnyGetParameter)
	h.inject(testutil.BuildOK(byte(PipeAdmin), 0x01, 0x00))
	assert.Equal(t, AdminRevisionV12, h.engine.AdminRevision())

	msg := h.expect(t, PipeAdmin, MessageCommand, AnySetParameter)
	assert.Equal(t, append([]byte{RegHostType}, DHHostType...), msg.Payload)
	h.inject(testutil.BuildOK(byte(PipeAdmin)))

	h.expect(t, PipeAdmin, MessageCommand, AnyGetParameter)
	h.inject(testutil.BuildOK(byte(PipeAdmin), DefaultSessionID[:]...))

	want := newSessionID(testTick, DefaultSessionID)
	msg = h.expect(t, PipeAdmin, MessageCommand, AnySetParameter)
	assert.Equal(t, append([]byte{RegSessionIdentity}, want[:]...), msg.Payload)
	assert.Equal(t, DefaultSessionID, h.engine.SessionID(), "identity only changes once the controller accepted it")
	h.inject(testutil.BuildOK(byte(PipeAdmin)))
	assert.Equal(t, want, h.engine.SessionID())
	assert.True(t, h.engine.Dirty())

	msg = h.expect(t, PipeAdmin, MessageCommand, AnySetParameter)
	assert.Equal(t, []byte{RegWhitelist, byte(HostUICC)}, msg.Payload)
	h.inject(testutil.BuildOK(byte(PipeAdmin)))

	h.expect(t, PipeAdmin, MessageCommand, AnyGetParameter)
	h.inject(testutil.BuildHostList(byte(HostUICC)))

	assert.Equal(t, StateIdle, h.engine.State())
	assert.False(t, h.timer.Active())
	assert.True(t, h.engine.IsHostActive(HostUICC))

	ev, ok := h.system.last(EventInitComplete)
	require.True(t, ok)
	assert.Equal(t, StatusOK, ev.Status)
	assert.Equal(t, []HostID{HostUICC}, ev.Hosts)
}

func TestBootstrap_LegacySkipsHostType(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.engine.Start())
	h.inject(testutil.BuildOK(byte(PipeAdmin)))

	h.expect(t, PipeAdmin, MessageCommand, AnyGetParameter)
	h.inject(testutil.BuildError(byte(PipeAdmin), AnyERegParUnknown))
	assert.Equal(t, AdminRevisionLegacy, h.engine.AdminRevision())

	msg := h.expect(t, PipeAdmin, MessageCommand, AnyGetParameter)
	assert.Equal(t, []byte{RegSessionIdentity}, msg.Payload)
}

func TestBootstrap_SessionIdentity(t *testing.T) {
	t.Parallel()

	stored := [SessionIDLen]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}

	tests := []struct {
		name       string
		reply      []byte
		stored     *[SessionIDLen]byte
		wantNewID  bool
		keepsPipes bool
	}{
		{name: "matching identity keeps pipes", reply: stored[:], stored: &stored, keepsPipes: true},
		{name: "short identity is rejected", reply: []byte{0x11, 0x22, 0x33, 0x44}, stored: &stored},
		{name: "foreign identity", reply: []byte{1, 2, 3, 4, 5, 6, 7, 8}, stored: &stored, wantNewID: true},
		{name: "reset pattern", reply: DefaultSessionID[:], wantNewID: true},
		{name: "reset pattern matching default store", reply: DefaultSessionID[:], stored: &DefaultSessionID, wantNewID: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			if tt.stored != nil {
				require.NoError(t, h.engine.LoadSnapshot(&Snapshot{
					SessionID: *tt.stored,
					Apps:      []AppRecord{{Name: "app", Handle: HandleGroupHCI}},
					Gates:     []GateRecord{{ID: 0x20, Owner: HandleGroupHCI}},
					Pipes:     []PipeRecord{{ID: 0x05, LocalGate: 0x20, DestHost: HostUICC, DestGate: 0x41}},
				}))
			}
			before := h.engine.SessionID()

			require.NoError(t, h.engine.Start())
			h.inject(testutil.BuildOK(byte(PipeAdmin)))
			h.inject(testutil.BuildOK(byte(PipeAdmin), 0x01, 0x00))
			h.inject(testutil.BuildOK(byte(PipeAdmin)))
			h.expect(t, PipeAdmin, MessageCommand, AnyGetParameter)
			h.inject(testutil.BuildOK(byte(PipeAdmin), tt.reply...))

			sets := 0
			for _, m := range h.transport.Messages() {
				if m.Instruction == AnySetParameter && m.Type == MessageCommand &&
					len(m.Payload) > 0 && m.Payload[0] == RegSessionIdentity {
					sets++
				}
			}
			if len(tt.reply) < SessionIDLen {
				assert.Equal(t, StateDisabled, h.engine.State())
				return
			}

			if tt.wantNewID {
				assert.Equal(t, 1, sets, "exactly one new identity")
				h.inject(testutil.BuildOK(byte(PipeAdmin)))
				assert.NotEqual(t, before, h.engine.SessionID())
				assert.NotEqual(t, DefaultSessionID, h.engine.SessionID())
			} else {
				assert.Equal(t, 0, sets)
				assert.Equal(t, before, h.engine.SessionID())
			}

			msg := h.expect(t, PipeAdmin, MessageCommand, AnySetParameter)
			assert.Equal(t, RegWhitelist, msg.Payload[0])

			if tt.stored != nil {
				_, kept := h.engine.FindPipe(0x05)
				assert.Equal(t, tt.keepsPipes, kept)
			}
		})
	}
}

func TestNewSessionID(t *testing.T) {
	t.Parallel()

	prev := [SessionIDLen]byte{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7}
	id := newSessionID(0x01020304, prev)
	assert.Equal(t, [SessionIDLen]byte{0x04, 0x03, 0x02, 0x01, 0xA0, 0xA1, 0xA2, 0xA3}, id)

	// never hand out the reset pattern
	id = newSessionID(0xFFFFFFFF, DefaultSessionID)
	assert.NotEqual(t, DefaultSessionID, id)
}

func TestBootstrap_ReopensAdminPipe(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.engine.Start())
	h.inject(testutil.BuildOK(byte(PipeAdmin)))
	h.inject(testutil.BuildOK(byte(PipeAdmin), 0x01, 0x00))
	h.inject(testutil.BuildOK(byte(PipeAdmin)))

	h.expect(t, PipeAdmin, MessageCommand, AnyGetParameter)
	h.inject(testutil.BuildError(byte(PipeAdmin), AnyEPipeNotOpened))

	h.expect(t, PipeAdmin, MessageCommand, AnyOpenPipe)
	h.inject(testutil.BuildOK(byte(PipeAdmin)))

	// the interrupted step is retried
	msg := h.expect(t, PipeAdmin, MessageCommand, AnyGetParameter)
	assert.Equal(t, []byte{RegSessionIdentity}, msg.Payload)
	assert.Equal(t, StateStartup, h.engine.State())

	// a second PIPE_NOT_OPENED is fatal
	h.inject(testutil.BuildError(byte(PipeAdmin), AnyEPipeNotOpened))
	assert.Equal(t, StateDisabled, h.engine.State())
}

func TestBootstrap_Failure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fail       func(h *testHarness)
		name       string
		wantStatus Status
	}{
		{
			name: "open rejected",
			fail: func(h *testHarness) {
				h.inject(testutil.BuildError(byte(PipeAdmin), AnyENok))
			},
			wantStatus: StatusRejected,
		},
		{
			name: "timeout",
			fail: func(h *testHarness) {
				h.timer.Fire(h.engine)
			},
			wantStatus: StatusTimeout,
		},
		{
			name: "transport failure",
			fail: func(h *testHarness) {
				h.transport.SetError(ErrTransportWrite)
				h.inject(testutil.BuildOK(byte(PipeAdmin)))
			},
			wantStatus: StatusFailed,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			app, log := h.register(t, "app")
			require.NoError(t, h.engine.Start())

			require.NoError(t, h.engine.GetHostList(app))
			api, _ := h.engine.QueueLen()
			assert.Equal(t, 1, api, "requests wait for the bootstrap")

			tt.fail(h)

			assert.Equal(t, StateDisabled, h.engine.State())
			assert.False(t, h.engine.Busy())
			ev, ok := h.system.last(EventInitComplete)
			require.True(t, ok)
			assert.Equal(t, tt.wantStatus, ev.Status)

			queued, ok := log.last(EventHostList)
			require.True(t, ok)
			assert.Equal(t, StatusFailed, queued.Status)
			_, ok = log.last(EventInitComplete)
			assert.True(t, ok, "applications see the bootstrap result")

			require.ErrorIs(t, h.engine.GetHostList(app), ErrDisabled)
		})
	}
}

func TestBootstrap_WaitsForMissingHost(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithHosts(HostUICC, HostESE))
	require.NoError(t, h.engine.Start())
	h.inject(testutil.BuildOK(byte(PipeAdmin)))
	h.inject(testutil.BuildOK(byte(PipeAdmin), 0x01, 0x00))
	h.inject(testutil.BuildOK(byte(PipeAdmin)))
	h.answerSession(t, testutil.TestSessionID)
	h.inject(testutil.BuildOK(byte(PipeAdmin)))

	h.expect(t, PipeAdmin, MessageCommand, AnyGetParameter)
	h.inject(testutil.BuildHostList(byte(HostUICC)))

	assert.Equal(t, StateWaitNetworkEnable, h.engine.State())
	assert.Equal(t, TimerNetworkInit, h.timer.Kind())
	assert.Equal(t, DefaultNetworkInitTimeout, h.timer.Duration())

	t.Run("hot plug reads the list again", func(t *testing.T) {
		h.transport.Reset()
		h.inject(testutil.BuildHotPlug())
		msg := h.expect(t, PipeAdmin, MessageCommand, AnyGetParameter)
		assert.Equal(t, []byte{RegHostList}, msg.Payload)

		// still missing, but the engine only waits once
		h.inject(testutil.BuildHostList(byte(HostUICC)))
		assert.Equal(t, StateIdle, h.engine.State())
		assert.True(t, h.engine.IsHostActive(HostUICC))
		assert.False(t, h.engine.IsHostActive(HostESE))
	})
}

func TestBootstrap_NetworkInitTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithHosts(HostUICC, HostESE))
	require.NoError(t, h.engine.Start())
	h.inject(testutil.BuildOK(byte(PipeAdmin)))
	h.inject(testutil.BuildOK(byte(PipeAdmin), 0x01, 0x00))
	h.inject(testutil.BuildOK(byte(PipeAdmin)))
	h.answerSession(t, testutil.TestSessionID)
	h.inject(testutil.BuildOK(byte(PipeAdmin)))
	h.inject(testutil.BuildHostList(byte(HostUICC)))
	require.Equal(t, StateWaitNetworkEnable, h.engine.State())

	h.transport.Reset()
	require.True(t, h.timer.Fire(h.engine))
	h.expect(t, PipeAdmin, MessageCommand, AnyGetParameter)
	h.inject(testutil.BuildHostList(byte(HostUICC), byte(HostESE)))

	assert.Equal(t, StateIdle, h.engine.State())
	ev, ok := h.system.last(EventInitComplete)
	require.True(t, ok)
	assert.ElementsMatch(t, []HostID{HostUICC, HostESE}, ev.Hosts)
}

func TestBootstrap_NoWaitWhenDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithHosts(HostUICC, HostESE), WithNetworkInitTimeout(0))
	require.NoError(t, h.engine.Start())
	h.inject(testutil.BuildOK(byte(PipeAdmin)))
	h.inject(testutil.BuildOK(byte(PipeAdmin), 0x01, 0x00))
	h.inject(testutil.BuildOK(byte(PipeAdmin)))
	h.answerSession(t, testutil.TestSessionID)
	h.inject(testutil.BuildOK(byte(PipeAdmin)))
	h.inject(testutil.BuildHostList(byte(HostUICC)))

	assert.Equal(t, StateIdle, h.engine.State())
}

func TestRestore(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.boot(t, testutil.TestSessionID)
	app, log := h.register(t, "app")
	h.createPipe(t, app, 0x41, 0x05)
	session := h.engine.SessionID()

	require.NoError(t, h.engine.Restore())
	assert.Equal(t, StateRestore, h.engine.State())

	h.inject(testutil.BuildOK(byte(PipeAdmin)))
	h.inject(testutil.BuildOK(byte(PipeAdmin), 0x01, 0x00))
	h.inject(testutil.BuildOK(byte(PipeAdmin)))
	h.answerSession(t, session[:])
	h.inject(testutil.BuildOK(byte(PipeAdmin)))
	h.inject(testutil.BuildHostList(byte(HostUICC)))

	assert.Equal(t, StateIdle, h.engine.State())
	assert.Equal(t, session, h.engine.SessionID())
	_, ok := h.engine.FindPipe(0x05)
	assert.True(t, ok, "pipes survive a restore with the same session")

	ev, ok := log.last(EventRestoreComplete)
	require.True(t, ok)
	assert.Equal(t, StatusOK, ev.Status)
	_, ok = h.system.last(EventRestoreComplete)
	assert.True(t, ok)
}

func TestRestore_NewSessionDropsPipes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.boot(t, testutil.TestSessionID)
	app, log := h.register(t, "app")
	gate := h.createPipe(t, app, 0x41, 0x05)
	session := h.engine.SessionID()

	require.NoError(t, h.engine.Restore())
	h.inject(testutil.BuildOK(byte(PipeAdmin)))
	h.inject(testutil.BuildOK(byte(PipeAdmin), 0x01, 0x00))
	h.inject(testutil.BuildOK(byte(PipeAdmin)))
	h.answerSession(t, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	h.inject(testutil.BuildOK(byte(PipeAdmin)))
	h.inject(testutil.BuildHostList(byte(HostUICC)))

	assert.Equal(t, StateIdle, h.engine.State())
	assert.NotEqual(t, session, h.engine.SessionID())
	_, ok := h.engine.FindPipe(0x05)
	assert.False(t, ok)
	g, ok := h.engine.FindGate(gate)
	require.True(t, ok, "gates stay with their application")
	assert.Equal(t, app, g.Owner)

	evs := log.ofKind(EventDeletePipe)
	require.Len(t, evs, 1)
	assert.Equal(t, StatusOK, evs[0].Status)
	assert.True(t, evs[0].Remote)
	assert.Equal(t, PipeID(0x05), evs[0].Pipe)
	assert.Equal(t, gate, evs[0].Gate)
	assert.Equal(t, HostUICC, evs[0].DestHost)
	assert.Equal(t, GateID(0x41), evs[0].DestGate)
	assert.True(t, h.engine.reg.consistent())
}

func TestStart_Twice(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.engine.Start())
	require.ErrorIs(t, h.engine.Start(), ErrBusy)
}
