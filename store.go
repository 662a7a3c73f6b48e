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
	"sync"
)

// AppRecord is the persisted form of a registered application.
type AppRecord struct {
	Name                string `json:"name"`
	Handle              Handle `json:"handle"`
	ForwardConnectivity bool   `json:"forwardConnectivity,omitempty"`
}

// GateRecord is the persisted form of an allocated gate.
type GateRecord struct {
	ID    GateID `json:"id"`
	Owner Handle `json:"owner"`
}

// PipeRecord is the persisted form of a pipe.
type PipeRecord struct {
	ID        PipeID    `json:"id"`
	State     PipeState `json:"state"`
	LocalGate GateID    `json:"localGate"`
	DestHost  HostID    `json:"destHost"`
	DestGate  GateID    `json:"destGate"`
}

// Snapshot is everything the engine needs to resume a host network after a
// restart without re-creating pipes.
type Snapshot struct {
	Apps      []AppRecord        `json:"apps"`
	Gates     []GateRecord       `json:"gates"`
	Pipes     []PipeRecord       `json:"pipes"`
	SessionID [SessionIDLen]byte `json:"sessionId"`
}

// Store persists engine snapshots. Load returns nil and no error when
// nothing was saved yet.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, s *Snapshot) error
}

// MemoryStore is a Store kept in memory.
type MemoryStore struct {
	mu    sync.Mutex
	snap  *Snapshot
	saves int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the last saved snapshot.
func (m *MemoryStore) Load(_ context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return nil, nil
	}
	return m.snap.clone(), nil
}

// Save replaces the stored snapshot.
func (m *MemoryStore) Save(_ context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = s.clone()
	m.saves++
	return nil
}

// Saves returns how many times Save was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{SessionID: s.SessionID}
	c.Apps = append(c.Apps, s.Apps...)
	c.Gates = append(c.Gates, s.Gates...)
	c.Pipes = append(c.Pipes, s.Pipes...)
	return c
}

// Snapshot captures the persistent part of the tables.
func (e *Engine) Snapshot() *Snapshot {
	s := &Snapshot{SessionID: e.sessionID}
	for _, app := range e.reg.apps {
		if app.Name != "" {
			s.Apps = append(s.Apps, AppRecord{
				Name:                app.Name,
				Handle:              app.Handle,
				ForwardConnectivity: app.ForwardConnectivity,
			})
		}
	}
	for _, g := range e.reg.gates {
		if g.ID != 0 && g.Owner != HandleNone {
			s.Gates = append(s.Gates, GateRecord{ID: g.ID, Owner: g.Owner})
		}
	}
	for _, p := range e.reg.pipes {
		if p.ID != 0 {
			s.Pipes = append(s.Pipes, PipeRecord{
				ID: p.ID, State: p.State, LocalGate: p.LocalGate,
				DestHost: p.DestHost, DestGate: p.DestGate,
			})
		}
	}
	return s
}

// LoadSnapshot restores tables saved by Snapshot. Restored applications
// have no callback until their owner registers the same name again. It is
// only allowed before Start.
func (e *Engine) LoadSnapshot(s *Snapshot) error {
	if e.state != StateDisabled {
		return fmt.Errorf("%w: engine is %s", ErrBusy, e.state)
	}
	if s == nil {
		return nil
	}
	for _, rec := range s.Apps {
		slot, ok := slotForHandle(rec.Handle)
		if !ok || slot >= len(e.reg.apps) || rec.Name == "" {
			return fmt.Errorf("%w: application record %q 0x%04X", ErrInvalidParameter, rec.Name, uint16(rec.Handle))
		}
		e.reg.apps[slot] = App{Name: rec.Name, Handle: rec.Handle, ForwardConnectivity: rec.ForwardConnectivity}
	}
	for _, rec := range s.Gates {
		if rec.ID == 0 || e.reg.findApp(rec.Owner) == nil {
			return fmt.Errorf("%w: gate record 0x%02X", ErrInvalidParameter, byte(rec.ID))
		}
		if _, err := e.reg.restoreGate(rec.ID, rec.Owner); err != nil {
			return fmt.Errorf("failed to restore gate 0x%02X: %w", byte(rec.ID), err)
		}
	}
	for _, rec := range s.Pipes {
		p, err := e.reg.attachPipe(rec.ID, rec.LocalGate, rec.DestHost, rec.DestGate)
		if err != nil {
			return fmt.Errorf("failed to restore pipe 0x%02X: %w", byte(rec.ID), err)
		}
		p.State = rec.State
	}
	e.sessionID = s.SessionID
	e.reg.dirty = false
	e.log.Infof("restored %d apps, %d gates, %d pipes", len(s.Apps), len(s.Gates), len(s.Pipes))
	return nil
}
