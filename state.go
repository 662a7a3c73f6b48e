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

// State is the engine state.
type State int

// Engine states
const (
	StateDisabled State = iota
	StateStartup
	StateWaitNetworkEnable
	StateIdle
	StateWaitResponse
	StateRemoveGate
	StateAppDeregister
	StateRestore
	StateRestoreNetworkEnable
)

var stateNames = [...]string{
	StateDisabled:             "disabled",
	StateStartup:              "startup",
	StateWaitNetworkEnable:    "wait-network-enable",
	StateIdle:                 "idle",
	StateWaitResponse:         "wait-response",
	StateRemoveGate:           "remove-gate",
	StateAppDeregister:        "app-deregister",
	StateRestore:              "restore",
	StateRestoreNetworkEnable: "restore-network-enable",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// bootstrapping reports whether s is one of the admin bootstrap states.
func (s State) bootstrapping() bool {
	switch s {
	case StateStartup, StateWaitNetworkEnable, StateRestore, StateRestoreNetworkEnable:
		return true
	default:
		return false
	}
}

// removing reports whether s is a pipe-removal continuation.
func (s State) removing() bool {
	return s == StateRemoveGate || s == StateAppDeregister
}

// transitions lists the legal successors of each state. Any state may move
// to Disabled.
var transitions = map[State][]State{
	StateDisabled:             {StateStartup},
	StateStartup:              {StateWaitNetworkEnable, StateIdle},
	StateWaitNetworkEnable:    {StateIdle},
	StateIdle:                 {StateWaitResponse, StateRemoveGate, StateAppDeregister, StateRestore},
	StateWaitResponse:         {StateIdle},
	StateRemoveGate:           {StateIdle},
	StateAppDeregister:        {StateIdle},
	StateRestore:              {StateRestoreNetworkEnable, StateIdle},
	StateRestoreNetworkEnable: {StateIdle},
}

func canTransition(from, to State) bool {
	if from == to || to == StateDisabled {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// setState is the only place the engine state changes.
func (e *Engine) setState(to State) bool {
	from := e.state
	if from == to {
		return true
	}
	if !canTransition(from, to) {
		e.log.Errorf("illegal state transition %s -> %s", from, to)
		return false
	}
	e.state = to
	e.log.Debugf("state %s -> %s", from, to)
	e.metrics.stateChanged(from, to)
	return true
}
