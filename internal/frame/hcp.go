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

package frame

import (
	"errors"
	"fmt"
)

// Framing errors
var (
	ErrPacketTooSmall = errors.New("transport packet size too small for HCP")
	ErrShortSegment   = errors.New("HCP segment too short")
	ErrMessageTooLong = errors.New("HCP message exceeds maximum size")
)

// Message is a complete, reassembled HCP message.
type Message struct {
	Payload     []byte
	Pipe        byte
	Type        Type
	Instruction byte
}

// PipeByte builds the first header byte of a segment.
func PipeByte(pipe byte, more bool) byte {
	b := pipe & PipeMask
	if more {
		b |= ContinuationBit
	}
	return b
}

// ParsePipeByte splits the first header byte of a segment.
func ParsePipeByte(b byte) (pipe byte, more bool) {
	return b & PipeMask, b&ContinuationBit != 0
}

// MessageHeader builds the type/instruction byte of a first segment.
func MessageHeader(t Type, instruction byte) byte {
	return byte(t)<<TypeShift | instruction&InstructionMask
}

// ParseMessageHeader splits the type/instruction byte of a first segment.
func ParseMessageHeader(b byte) (Type, byte) {
	return Type(b >> TypeShift), b & InstructionMask
}

// SegmentCount returns how many segments a payload of length n needs when
// each transport packet holds at most maxPacket bytes.
func SegmentCount(n, maxPacket int) int {
	first := maxPacket - FirstHeaderLen
	if n <= first {
		return 1
	}
	rest := maxPacket - PipeHeaderLen
	return 1 + (n-first+rest-1)/rest
}

// Fragment splits one HCP message into transport segments. All segment
// buffers are taken from pool before anything is returned, so a shortage
// yields ErrNoBuffers and no segments at all. Callers return the segments
// to the pool once sent.
func Fragment(pipe byte, t Type, instruction byte, payload []byte, maxPacket int, pool *Pool) ([][]byte, error) {
	if maxPacket < MinPacketSize {
		return nil, fmt.Errorf("%w: %d", ErrPacketTooSmall, maxPacket)
	}
	if len(payload) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLong, len(payload))
	}

	count := SegmentCount(len(payload), maxPacket)
	segs := make([][]byte, 0, count)

	remaining := payload
	first := true
	for len(segs) < count {
		budget := maxPacket - PipeHeaderLen
		header := PipeHeaderLen
		if first {
			budget = maxPacket - FirstHeaderLen
			header = FirstHeaderLen
		}

		chunk := remaining
		more := len(remaining) > budget
		if more {
			chunk = remaining[:budget]
		}

		seg, err := pool.Get(header + len(chunk))
		if err != nil {
			pool.PutAll(segs)
			return nil, err
		}

		seg[0] = PipeByte(pipe, more)
		if first {
			seg[1] = MessageHeader(t, instruction)
		}
		copy(seg[header:], chunk)

		segs = append(segs, seg)
		remaining = remaining[len(chunk):]
		first = false
	}

	return segs, nil
}
