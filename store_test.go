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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutil "github.com/ZaparooProject/go-hci/internal/testing"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	t.Parallel()

	src := newHarness(t)
	src.boot(t, testutil.TestSessionID)
	app, _ := src.register(t, "wallet")
	gate := src.createPipe(t, app, 0x41, 0x05)
	src.openPipe(t, app, 0x05)
	require.NoError(t, src.engine.AddStaticPipe(app, HostUICC, 0xF0, 0x71))

	snap := src.engine.Snapshot()
	require.Len(t, snap.Apps, 1)
	assert.Equal(t, AppRecord{Name: "wallet", Handle: app}, snap.Apps[0])
	assert.ElementsMatch(t, []GateRecord{{ID: gate, Owner: app}, {ID: 0xF0, Owner: app}}, snap.Gates)
	assert.Len(t, snap.Pipes, 2)
	assert.Equal(t, src.engine.SessionID(), snap.SessionID)

	dst := newHarness(t)
	require.NoError(t, dst.engine.LoadSnapshot(snap))
	assert.False(t, dst.engine.Dirty())
	assert.Equal(t, snap.SessionID, dst.engine.SessionID())

	p, ok := dst.engine.FindPipe(0x05)
	require.True(t, ok)
	assert.Equal(t, PipeOpened, p.State)
	assert.Equal(t, gate, p.LocalGate)
	assert.True(t, dst.engine.reg.consistent())

	// the application gets its old handle back when it registers again
	log := &eventLog{}
	handle, err := dst.engine.Register("wallet", log.callback, false)
	require.NoError(t, err)
	assert.Equal(t, app, handle)
	_, err = dst.engine.Register("wallet", log.callback, false)
	require.ErrorIs(t, err, ErrInvalidParameter)

	// a matching session keeps the restored pipes through bootstrap
	sid := snap.SessionID
	dst.boot(t, sid[:])
	_, ok = dst.engine.FindPipe(0x05)
	assert.True(t, ok)
	assert.Equal(t, snap, dst.engine.Snapshot())
}

func TestLoadSnapshot_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		snap    *Snapshot
		name    string
		wantErr error
	}{
		{name: "nil", snap: nil},
		{
			name:    "bad handle",
			snap:    &Snapshot{Apps: []AppRecord{{Name: "a", Handle: 0x0123}}},
			wantErr: ErrInvalidParameter,
		},
		{
			name:    "handle out of range",
			snap:    &Snapshot{Apps: []AppRecord{{Name: "a", Handle: HandleGroupHCI | 0x30}}},
			wantErr: ErrInvalidParameter,
		},
		{
			name:    "gate without owner",
			snap:    &Snapshot{Gates: []GateRecord{{ID: 0x20, Owner: HandleGroupHCI}}},
			wantErr: ErrInvalidParameter,
		},
		{
			name: "pipe without id",
			snap: &Snapshot{
				Apps:  []AppRecord{{Name: "a", Handle: HandleGroupHCI}},
				Gates: []GateRecord{{ID: 0x20, Owner: HandleGroupHCI}},
				Pipes: []PipeRecord{{ID: 0, LocalGate: 0x20}},
			},
			wantErr: ErrInvalidParameter,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			err := h.engine.LoadSnapshot(tt.snap)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLoadSnapshot_OnlyWhileDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.boot(t, testutil.TestSessionID)
	require.ErrorIs(t, h.engine.LoadSnapshot(&Snapshot{}), ErrBusy)
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	snap := &Snapshot{
		Apps:      []AppRecord{{Name: "a", Handle: HandleGroupHCI}},
		SessionID: DefaultSessionID,
	}
	require.NoError(t, s.Save(ctx, snap))
	assert.Equal(t, 1, s.Saves())

	// later changes to the saved value do not leak into the store
	snap.Apps[0].Name = "changed"
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Apps[0].Name)

	got.Apps[0].Name = "mutated"
	again, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Apps[0].Name)
}
