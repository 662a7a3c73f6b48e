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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutil "github.com/ZaparooProject/go-hci/internal/testing"
)

func TestCorrelator_OneMessageInFlight(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.boot(t, testutil.TestSessionID)
	app, log := h.register(t, "app")
	h.createPipe(t, app, 0x41, 0x05)
	h.openPipe(t, app, 0x05)
	h.transport.Reset()

	for cmd := byte(0x20); cmd < 0x25; cmd++ {
		require.NoError(t, h.engine.SendCommand(app, 0x05, cmd, nil, 0))
	}
	assert.Equal(t, 1, h.sentCount())
	api, _ := h.engine.QueueLen()
	assert.Equal(t, 4, api)

	for i := 0; i < 5; i++ {
		require.True(t, h.engine.Busy())
		assert.Equal(t, i+1, h.sentCount(), "response %d", i)
		h.inject(testutil.BuildOK(0x05, byte(i)))
	}
	assert.False(t, h.engine.Busy())
	assert.Equal(t, StateIdle, h.engine.State())

	rsps := log.ofKind(EventRspReceived)
	require.Len(t, rsps, 5)
	for i, ev := range rsps {
		assert.Equal(t, []byte{byte(i)}, ev.Data)
	}
}

func TestCorrelator_ResponseOnOtherPipeIsDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.boot(t, testutil.TestSessionID)
	app, log := h.register(t, "app")
	h.createPipe(t, app, 0x41, 0x05)
	h.openPipe(t, app, 0x05)
	require.NoError(t, h.engine.CreatePipe(app, 0x10, HostUICC, 0x42))
	h.inject(testutil.BuildCreatePipeResponse(0x10, byte(HostUICC), 0x42, 0x06))

	require.NoError(t, h.engine.SendCommand(app, 0x05, 0x20, nil, 0))
	h.inject(testutil.BuildOK(0x06))
	assert.True(t, h.engine.Busy(), "a response on another pipe does not complete the command")
	assert.Empty(t, log.ofKind(EventRspReceived))

	h.inject(testutil.BuildOK(0x05))
	assert.False(t, h.engine.Busy())
	assert.Len(t, log.ofKind(EventRspReceived), 1)
}

func TestCorrelator_EventsDoNotCompleteCommands(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.boot(t, testutil.TestSessionID)
	app, log := h.register(t, "app")
	h.createPipe(t, app, 0x41, 0x05)
	h.openPipe(t, app, 0x05)

	require.NoError(t, h.engine.SendCommand(app, 0x05, 0x20, nil, 0))
	h.inject(testutil.BuildEvent(0x05, 0x10, nil))
	assert.True(t, h.engine.Busy())
	assert.Len(t, log.ofKind(EventEventReceived), 1)
}

func TestCorrelator_CustomTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithResponseTimeout(250*time.Millisecond))
	h.boot(t, testutil.TestSessionID)
	app, log := h.register(t, "app")
	h.createPipe(t, app, 0x41, 0x05)
	h.openPipe(t, app, 0x05)
	assert.Equal(t, 250*time.Millisecond, h.timer.Duration())

	require.NoError(t, h.engine.SendEvent(app, 0x05, 0x11, nil, true, 2*time.Second))
	assert.Equal(t, 2*time.Second, h.timer.Duration())
	assert.Equal(t, TimerResponse, h.timer.Kind())

	require.True(t, h.timer.Fire(h.engine))
	ev, ok := log.last(EventEventReceived)
	require.True(t, ok)
	assert.Equal(t, StatusTimeout, ev.Status)
}

func TestCorrelator_StaleTimeoutIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.boot(t, testutil.TestSessionID)

	h.engine.HandleTimeout(TimerResponse)
	h.engine.HandleTimeout(TimerNetworkInit)
	assert.Equal(t, StateIdle, h.engine.State())
	assert.Empty(t, h.transport.Sent())
}
