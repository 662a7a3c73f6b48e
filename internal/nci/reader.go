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

package nci

import (
	"bufio"
	"fmt"
	"io"
)

// Reader reads packets from a byte stream
type Reader struct {
	r   *bufio.Reader
	hdr [HeaderSize]byte
}

// NewReader returns a Reader over r
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, HeaderSize+MaxPayload)}
}

// ReadPacket blocks until a whole packet has been read. The returned
// payload is a fresh copy.
func (r *Reader) ReadPacket() (Packet, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return Packet{}, err
	}
	p, n, err := ParseHeader(r.hdr[:])
	if err != nil {
		return Packet{}, err
	}
	p.Payload = make([]byte, n)
	if _, err := io.ReadFull(r.r, p.Payload); err != nil {
		return Packet{}, fmt.Errorf("nci: reading %d byte payload: %w", n, err)
	}
	return p, nil
}

// Reassembler joins segmented data packets per connection
type Reassembler struct {
	pending map[byte][]byte
	limit   int
}

// NewReassembler returns a Reassembler that drops messages larger than
// limit bytes. A limit of zero disables the check.
func NewReassembler(limit int) *Reassembler {
	return &Reassembler{pending: make(map[byte][]byte), limit: limit}
}

// Add feeds one data packet. It returns the complete message once the
// final segment arrives.
func (r *Reassembler) Add(p Packet) ([]byte, bool, error) {
	buf := append(r.pending[p.ID], p.Payload...)
	if r.limit > 0 && len(buf) > r.limit {
		delete(r.pending, p.ID)
		return nil, false, fmt.Errorf("%w: %d bytes on connection %d", ErrPayloadTooLarge, len(buf), p.ID)
	}
	if p.Segmented {
		r.pending[p.ID] = buf
		return nil, false, nil
	}
	delete(r.pending, p.ID)
	return buf, true, nil
}

// Reset drops every partial message
func (r *Reassembler) Reset() {
	clear(r.pending)
}
