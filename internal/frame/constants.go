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

// Package frame provides HCP packet framing, fragmentation and reassembly
// for the HCI engine.
package frame

// Header bit layout
const (
	// ContinuationBit is set in the pipe byte when more fragments follow.
	ContinuationBit = 0x80
	// PipeMask selects the pipe id from the pipe byte.
	PipeMask = 0x7F

	// TypeShift is the position of the message type in the message header.
	TypeShift = 6
	// InstructionMask selects the instruction from the message header.
	InstructionMask = 0x3F
)

// Header sizes
const (
	PipeHeaderLen    = 1                               // pipe/continuation byte, present on every segment
	MessageHeaderLen = 1                               // type/instruction byte, first segment only
	FirstHeaderLen   = PipeHeaderLen + MessageHeaderLen // overhead of the first segment
)

// Size limits
const (
	// MinPacketSize is the smallest transport packet that can carry a
	// first segment with at least one payload byte.
	MinPacketSize = FirstHeaderLen + 1

	// MaxMessageSize caps the reassembled payload of one HCP message.
	MaxMessageSize = 1024
)

// Type is the two-bit HCP message type.
type Type byte

// Message types
const (
	TypeCommand  Type = 0x00
	TypeEvent    Type = 0x01
	TypeResponse Type = 0x02
)

func (t Type) String() string {
	switch t {
	case TypeCommand:
		return "command"
	case TypeEvent:
		return "event"
	case TypeResponse:
		return "response"
	default:
		return "unknown"
	}
}
