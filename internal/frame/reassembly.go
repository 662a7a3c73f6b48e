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

// partial is a message whose continuation segments are still arriving.
type partial struct {
	payload     []byte
	t           Type
	instruction byte
}

// Reassembler rebuilds HCP messages from transport segments. Segments of
// different pipes may interleave; each pipe has its own buffer.
type Reassembler struct {
	pending map[byte]*partial
}

// NewReassembler creates an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[byte]*partial)}
}

// Process consumes one segment. It returns the message when the segment
// completes one, and nil while more fragments are expected.
func (r *Reassembler) Process(seg []byte) (*Message, error) {
	if len(seg) < PipeHeaderLen {
		return nil, ErrShortSegment
	}
	pipe, more := ParsePipeByte(seg[0])

	p, ok := r.pending[pipe]
	if !ok {
		if len(seg) < FirstHeaderLen {
			return nil, ErrShortSegment
		}
		t, inst := ParseMessageHeader(seg[1])
		p = &partial{t: t, instruction: inst}
		p.payload = append(p.payload, seg[FirstHeaderLen:]...)
	} else {
		p.payload = append(p.payload, seg[PipeHeaderLen:]...)
	}

	if len(p.payload) > MaxMessageSize {
		delete(r.pending, pipe)
		return nil, ErrMessageTooLong
	}

	if more {
		r.pending[pipe] = p
		return nil, nil
	}

	delete(r.pending, pipe)
	return &Message{
		Pipe:        pipe,
		Type:        p.t,
		Instruction: p.instruction,
		Payload:     p.payload,
	}, nil
}

// InProgress reports whether a message on pipe is partially assembled.
func (r *Reassembler) InProgress(pipe byte) bool {
	_, ok := r.pending[pipe&PipeMask]
	return ok
}

// Reset drops every partial message.
func (r *Reassembler) Reset() {
	r.pending = make(map[byte]*partial)
}
