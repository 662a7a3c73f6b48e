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

// EventKind identifies what an Event reports.
type EventKind int

// Event kinds
const (
	EventRegister EventKind = iota
	EventDeregister
	EventAllocateGate
	EventDeallocateGate
	EventCreatePipe
	EventOpenPipe
	EventClosePipe
	EventDeletePipe
	EventAddStaticPipe
	EventGetRegistry
	EventSetRegistry
	EventCmdSent
	EventRspReceived
	EventCmdReceived
	EventEventSent
	EventEventReceived
	EventHostList
	EventInitComplete
	EventRestoreComplete
)

var eventNames = map[EventKind]string{
	EventRegister:        "register",
	EventDeregister:      "deregister",
	EventAllocateGate:    "allocate-gate",
	EventDeallocateGate:  "deallocate-gate",
	EventCreatePipe:      "create-pipe",
	EventOpenPipe:        "open-pipe",
	EventClosePipe:       "close-pipe",
	EventDeletePipe:      "delete-pipe",
	EventAddStaticPipe:   "add-static-pipe",
	EventGetRegistry:     "get-registry",
	EventSetRegistry:     "set-registry",
	EventCmdSent:         "cmd-sent",
	EventRspReceived:     "rsp-received",
	EventCmdReceived:     "cmd-received",
	EventEventSent:       "event-sent",
	EventEventReceived:   "event-received",
	EventHostList:        "host-list",
	EventInitComplete:    "init-complete",
	EventRestoreComplete: "restore-complete",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is delivered to application callbacks. Fields that do not apply to
// Kind are left zero.
type Event struct {
	Data     []byte
	Hosts    []HostID
	Kind     EventKind
	Status   Status
	Handle   Handle
	Pipe     PipeID
	Gate     GateID
	DestHost HostID
	DestGate GateID
	// Instruction is the command, event or response code carried on the pipe.
	Instruction byte
	// Index is the registry parameter index for registry events.
	Index byte
	// Remote is set when a remote host initiated the pipe operation.
	Remote bool
}

// Err returns the error matching the event status, nil on success.
func (ev Event) Err() error {
	return ev.Status.Err()
}

func (ev Event) String() string {
	return fmt.Sprintf("%s status=%s handle=0x%04X pipe=0x%02X gate=0x%02X",
		ev.Kind, ev.Status, uint16(ev.Handle), byte(ev.Pipe), byte(ev.Gate))
}

// Callback receives engine events. It runs synchronously on the engine
// goroutine and must not block or call back into the engine.
type Callback func(Event)
