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
)

func newTestRegistry(t *testing.T) (*registry, Handle) {
	t.Helper()
	cfg := DefaultConfig()
	r := newRegistry(cfg, quietLoggerFactory().NewLogger("test"))
	app, err := r.registerApp("app", func(Event) {}, false)
	require.NoError(t, err)
	return r, app.Handle
}

func TestRegistry_AllocateThenFind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		id   GateID
		want GateID
	}{
		{name: "auto picks first generic", id: GateAuto, want: FirstGenericGate},
		{name: "explicit generic", id: 0x20, want: 0x20},
		{name: "last generic", id: LastGenericGate, want: LastGenericGate},
		{name: "proprietary", id: 0xF3, want: 0xF3},
		{name: "connectivity", id: GateConnectivity, want: GateConnectivity},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r, app := newTestRegistry(t)
			g, err := r.allocGate(tt.id, app)
			require.NoError(t, err)
			assert.Equal(t, tt.want, g.ID)

			found := r.findGate(tt.want)
			require.NotNil(t, found)
			assert.Equal(t, app, found.Owner)
			assert.True(t, r.dirty)
		})
	}
}

func TestRegistry_AllocGateErrors(t *testing.T) {
	t.Parallel()

	r, app := newTestRegistry(t)

	_, err := r.allocGate(0x30, Handle(0x0905))
	require.ErrorIs(t, err, ErrNotFound)

	// well-known gates may be held by the engine itself
	g, err := r.allocGate(GateLoopback, HandleNone)
	require.NoError(t, err)
	assert.Equal(t, HandleNone, g.Owner)

	for i := 1; i < len(r.gates); i++ {
		_, err = r.allocGate(GateAuto, app)
		require.NoError(t, err)
	}
	_, err = r.allocGate(GateAuto, app)
	require.ErrorIs(t, err, ErrResourceExhausted)
}

func TestRegistry_AutoSkipsTakenAndConnectivity(t *testing.T) {
	t.Parallel()

	r, app := newTestRegistry(t)
	_, err := r.allocGate(FirstGenericGate, app)
	require.NoError(t, err)

	g, err := r.allocGate(GateAuto, app)
	require.NoError(t, err)
	assert.Equal(t, FirstGenericGate+1, g.ID)
	assert.NotEqual(t, GateConnectivity, g.ID)
}

func TestRegistry_AttachReleaseRestoresBit(t *testing.T) {
	t.Parallel()

	r, app := newTestRegistry(t)
	g, err := r.allocGate(GateAuto, app)
	require.NoError(t, err)

	for id := FirstDynamicPipe; id < FirstDynamicPipe+5; id++ {
		_, err := r.attachPipe(id, g.ID, HostUICC, 0x41)
		require.NoError(t, err)
	}
	require.True(t, r.consistent())
	assert.Equal(t, 5, r.findGate(g.ID).PipeCount())

	target := FirstDynamicPipe + 2
	slot := r.findPipeSlot(target)
	require.GreaterOrEqual(t, slot, 0)
	require.True(t, r.findGate(g.ID).pipes.contains(slot))

	require.NoError(t, r.releasePipe(target))
	assert.False(t, r.findGate(g.ID).pipes.contains(slot))
	assert.Equal(t, Pipe{}, r.pipes[slot])
	assert.Nil(t, r.findPipe(target))
	assert.Equal(t, 4, r.findGate(g.ID).PipeCount())
	assert.True(t, r.consistent())
}

func TestRegistry_StaticPipes(t *testing.T) {
	t.Parallel()

	r, app := newTestRegistry(t)
	g, err := r.allocGate(0x30, app)
	require.NoError(t, err)

	const static PipeID = 0x70
	p, err := r.attachPipe(static, g.ID, HostUICC, 0x30)
	require.NoError(t, err)

	again, err := r.attachPipe(static, g.ID, HostUICC, 0x30)
	require.NoError(t, err)
	assert.Same(t, p, again)

	require.ErrorIs(t, r.releasePipe(static), ErrIgnored)
	assert.NotNil(t, r.findPipe(static))

	r.releaseDynamicPipes()
	assert.NotNil(t, r.findPipe(static))

	require.NoError(t, r.dropPipe(static))
	assert.Nil(t, r.findPipe(static))
	require.ErrorIs(t, r.dropPipe(static), ErrNotFound)
	assert.True(t, r.consistent())
}

func TestRegistry_DuplicateDynamicPipeIsReallocated(t *testing.T) {
	t.Parallel()

	r, app := newTestRegistry(t)
	a, err := r.allocGate(0x20, app)
	require.NoError(t, err)
	b, err := r.allocGate(0x21, app)
	require.NoError(t, err)

	_, err = r.attachPipe(0x05, a.ID, HostUICC, 0x41)
	require.NoError(t, err)
	_, err = r.attachPipe(0x05, b.ID, HostUICC, 0x42)
	require.NoError(t, err)

	assert.Equal(t, 0, r.findGate(a.ID).PipeCount())
	assert.Equal(t, 1, r.findGate(b.ID).PipeCount())
	assert.Equal(t, b.ID, r.findPipe(0x05).LocalGate)
	assert.True(t, r.consistent())
}

func TestRegistry_PipeTableFull(t *testing.T) {
	t.Parallel()

	r, app := newTestRegistry(t)
	g, err := r.allocGate(GateAuto, app)
	require.NoError(t, err)
	for i := range r.pipes {
		_, err := r.attachPipe(FirstDynamicPipe+PipeID(i), g.ID, HostUICC, 0x41)
		require.NoError(t, err)
	}
	_, err = r.attachPipe(LastDynamicPipe, g.ID, HostUICC, 0x41)
	require.ErrorIs(t, err, ErrNoPipesAvailable)
	require.ErrorIs(t, err, ErrResourceExhausted)
}

func TestRegistry_IdentityGatePipes(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	_, err := r.attachPipe(0x09, GateIdentityManagement, HostUICC, GateIdentityManagement)
	require.NoError(t, err)
	assert.Equal(t, 1, r.idPipes.count())
	assert.True(t, r.consistent())

	require.NoError(t, r.releasePipe(0x09))
	assert.True(t, r.idPipes.empty())
}

func TestRegistry_Lookups(t *testing.T) {
	t.Parallel()

	r, app := newTestRegistry(t)
	g, err := r.allocGate(0x20, app)
	require.NoError(t, err)
	_, err = r.attachPipe(0x05, g.ID, HostUICC, 0x41)
	require.NoError(t, err)
	p, err := r.attachPipe(0x06, g.ID, HostESE, 0x42)
	require.NoError(t, err)
	p.State = PipeOpened

	assert.Equal(t, g, r.findGateByOwner(app))
	assert.Equal(t, []GateID{0x20}, r.gatesOwnedBy(app))
	assert.Equal(t, app, r.pipeOwner(r.findPipe(0x05)))
	assert.Equal(t, PipeID(0x05), r.findPipeByOwner(app).ID)
	assert.Equal(t, PipeID(0x05), r.findPipeTo(0x20, HostUICC, 0x41).ID)
	assert.Nil(t, r.findPipeTo(0x20, HostUICC, 0x42))
	assert.Equal(t, 2, r.countPipesOnGate(0x20))
	assert.Equal(t, 1, r.countOpenPipesOnGate(0x20))
	assert.Equal(t, []PipeID{0x06}, r.pipesToHost(HostESE))

	// ESE was never reported in a host list
	assert.Nil(t, r.findActivePipeOnGate(0x20))
	r.setHostList([]HostID{HostController, HostDH, HostUICC})
	assert.Equal(t, PipeID(0x05), r.findActivePipeOnGate(0x20).ID)
}

func TestRegistry_Apps(t *testing.T) {
	t.Parallel()

	r, app := newTestRegistry(t)
	assert.Equal(t, HandleGroupHCI, app)

	_, err := r.registerApp("app", func(Event) {}, false)
	require.ErrorIs(t, err, ErrInvalidParameter)

	_, err = r.registerApp("", func(Event) {}, false)
	require.ErrorIs(t, err, ErrInvalidParameter)

	second, err := r.registerApp("second", func(Event) {}, true)
	require.NoError(t, err)
	assert.Equal(t, HandleGroupHCI|1, second.Handle)
	assert.True(t, r.isApp(second.Handle))

	r.removeApp(app)
	assert.False(t, r.isApp(app))
	assert.Nil(t, r.findApp(HandleNone))

	// a freed slot is reused
	third, err := r.registerApp("third", func(Event) {}, false)
	require.NoError(t, err)
	assert.Equal(t, app, third.Handle)
}

func TestRegistry_Hosts(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	assert.True(t, r.isHostActive(HostController))
	assert.True(t, r.isHostActive(HostDH))
	assert.False(t, r.isHostActive(HostUICC))

	r.setHostList([]HostID{HostController, HostDH, HostUICC, HostESE})
	assert.True(t, r.isHostActive(HostUICC))
	assert.True(t, r.isHostActive(HostESE))
	assert.ElementsMatch(t, []HostID{HostUICC, HostESE}, r.activeHosts())

	r.setHostList([]HostID{HostESE})
	assert.False(t, r.isHostActive(HostUICC))

	assert.False(t, r.anyHostResetting())
	r.findHost(HostESE).ResetMask = ResetPower
	assert.True(t, r.isHostResetting(HostESE))
	assert.True(t, r.anyHostResetting())
	assert.Nil(t, r.hostSlot(HostController))
}

func TestPipeSet(t *testing.T) {
	t.Parallel()

	var s pipeSet
	assert.True(t, s.empty())
	s.attach(0)
	s.attach(5)
	s.attach(63)
	assert.Equal(t, 3, s.count())
	assert.Equal(t, []int{0, 5, 63}, s.slots())
	s.detach(5)
	assert.False(t, s.contains(5))
	assert.True(t, s.contains(63))
}
