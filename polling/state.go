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

package polling

import (
	"time"

	hci "github.com/ZaparooProject/go-hci"
)

// PresenceState is where a host sits in the presence state machine
type PresenceState int

const (
	StateAbsent PresenceState = iota
	StatePresent
	// StateLeaving hosts dropped out of the host list but are still inside
	// the removal grace period.
	StateLeaving
)

func (s PresenceState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StatePresent:
		return "present"
	case StateLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// HostState tracks one host across polls
type HostState struct {
	FirstSeen time.Time
	LastSeen  time.Time
	LeftAt    time.Time
	State     PresenceState
	ID        hci.HostID
}

// Active reports whether the host counts as present to callers
func (hs *HostState) Active() bool {
	return hs.State == StatePresent || hs.State == StateLeaving
}

// TransitionToPresent records a sighting and reports whether the host was
// absent before
func (hs *HostState) TransitionToPresent(now time.Time) bool {
	arrived := hs.State == StateAbsent
	if arrived {
		hs.FirstSeen = now
	}
	hs.State = StatePresent
	hs.LastSeen = now
	hs.LeftAt = time.Time{}
	return arrived
}

// TransitionToMissing records a poll without the host and reports whether
// the grace period has run out
func (hs *HostState) TransitionToMissing(now time.Time, grace time.Duration) bool {
	switch hs.State {
	case StateAbsent:
		return false
	case StatePresent:
		hs.State = StateLeaving
		hs.LeftAt = now
	}
	if now.Sub(hs.LeftAt) < grace {
		return false
	}
	hs.TransitionToAbsent()
	return true
}

// TransitionToAbsent resets the host to absent
func (hs *HostState) TransitionToAbsent() {
	hs.State = StateAbsent
	hs.FirstSeen = time.Time{}
	hs.LeftAt = time.Time{}
}
