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

import "fmt"

// Handle identifies a registered application.
type Handle uint16

// Handle values
const (
	// HandleGroupHCI is OR-ed with the application slot to form a handle.
	HandleGroupHCI Handle = 0x0900
	// HandleNone marks gates owned by the engine itself.
	HandleNone Handle = 0xFFFF

	handleSlotMask Handle = 0x00FF
)

// ResetType is a bit mask of the reasons a host is resetting.
type ResetType byte

// Reset reasons
const (
	ResetPower   ResetType = 1 << 0
	ResetNetwork ResetType = 1 << 1
)

// App is a registered consumer of engine events.
type App struct {
	Callback            Callback
	Name                string
	Handle              Handle
	ForwardConnectivity bool
}

// Host is a member of the host network.
type Host struct {
	ID        HostID
	ResetMask ResetType
	Active    bool
}

// Resetting reports whether any reset reason is pending.
func (h Host) Resetting() bool {
	return h.ResetMask != 0
}

func handleForSlot(slot int) Handle {
	return HandleGroupHCI | Handle(slot)
}

func slotForHandle(h Handle) (int, bool) {
	if h&^handleSlotMask != HandleGroupHCI {
		return 0, false
	}
	return int(h & handleSlotMask), true
}

// findApp returns the application registered under h.
func (r *registry) findApp(h Handle) *App {
	slot, ok := slotForHandle(h)
	if !ok || slot >= len(r.apps) || r.apps[slot].Name == "" {
		return nil
	}
	return &r.apps[slot]
}

func (r *registry) findAppByName(name string) *App {
	for i := range r.apps {
		if r.apps[i].Name == name {
			return &r.apps[i]
		}
	}
	return nil
}

// isApp reports whether h is a registered application with a live callback.
func (r *registry) isApp(h Handle) bool {
	app := r.findApp(h)
	return app != nil && app.Callback != nil
}

// registerApp binds name to a handle. A name restored from the store keeps
// its previous handle.
func (r *registry) registerApp(name string, cb Callback, forward bool) (*App, error) {
	if name == "" || cb == nil {
		return nil, fmt.Errorf("%w: application needs a name and callback", ErrInvalidParameter)
	}
	if app := r.findAppByName(name); app != nil {
		if app.Callback != nil {
			return nil, fmt.Errorf("%w: application %q already registered", ErrInvalidParameter, name)
		}
		app.Callback = cb
		app.ForwardConnectivity = forward
		r.dirty = true
		return app, nil
	}
	for i := range r.apps {
		if r.apps[i].Name != "" {
			continue
		}
		r.apps[i] = App{
			Handle:              handleForSlot(i),
			Name:                name,
			Callback:            cb,
			ForwardConnectivity: forward,
		}
		r.dirty = true
		return &r.apps[i], nil
	}
	return nil, fmt.Errorf("%w: application table full", ErrResourceExhausted)
}

func (r *registry) removeApp(h Handle) {
	if app := r.findApp(h); app != nil {
		*app = App{}
		r.dirty = true
	}
}

// findHost returns the table entry for id. The controller is never stored,
// so a zero ID marks a free entry.
func (r *registry) findHost(id HostID) *Host {
	if id == HostController {
		return nil
	}
	for i := range r.hosts {
		if r.hosts[i].ID == id {
			return &r.hosts[i]
		}
	}
	return nil
}

// hostSlot returns the entry for id, adding one if there is room.
func (r *registry) hostSlot(id HostID) *Host {
	if id == HostController {
		return nil
	}
	if h := r.findHost(id); h != nil {
		return h
	}
	for i := range r.hosts {
		if r.hosts[i].ID == HostController {
			r.hosts[i].ID = id
			return &r.hosts[i]
		}
	}
	return nil
}

// setHostList marks every known host active iff it appears in list.
func (r *registry) setHostList(list []HostID) {
	for i := range r.hosts {
		r.hosts[i].Active = false
	}
	for _, id := range list {
		if id == HostController || id == HostDH {
			continue
		}
		if h := r.hostSlot(id); h != nil {
			h.Active = true
		}
	}
	r.dirty = true
}

func (r *registry) isHostActive(id HostID) bool {
	if id == HostController || id == HostDH {
		return true
	}
	h := r.findHost(id)
	return h != nil && h.Active
}

func (r *registry) isHostResetting(id HostID) bool {
	h := r.findHost(id)
	return h != nil && h.Resetting()
}

func (r *registry) anyHostResetting() bool {
	for i := range r.hosts {
		if r.hosts[i].Resetting() {
			return true
		}
	}
	return false
}

func (r *registry) activeHosts() []HostID {
	var out []HostID
	for _, h := range r.hosts {
		if h.Active {
			out = append(out, h.ID)
		}
	}
	return out
}
