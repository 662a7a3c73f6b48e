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

import "errors"

// ErrNoBuffers is returned when the pool cannot supply a segment buffer.
var ErrNoBuffers = errors.New("no buffers available")

// Pool is a bounded pool of segment buffers. Unlike sync.Pool it refuses
// to allocate past its capacity, which lets the framer fail a whole message
// up front instead of sending part of it.
type Pool struct {
	free    chan []byte
	bufSize int
}

// NewPool creates a pool of count buffers of bufSize bytes each.
func NewPool(count, bufSize int) *Pool {
	p := &Pool{
		free:    make(chan []byte, count),
		bufSize: bufSize,
	}
	for i := 0; i < count; i++ {
		p.free <- make([]byte, bufSize)
	}
	return p
}

// Get takes a buffer of length n from the pool.
func (p *Pool) Get(n int) ([]byte, error) {
	if n > p.bufSize {
		return nil, ErrNoBuffers
	}
	select {
	case buf := <-p.free:
		return buf[:n], nil
	default:
		return nil, ErrNoBuffers
	}
}

// Put returns a buffer to the pool. Foreign or surplus buffers are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != p.bufSize {
		return
	}
	select {
	case p.free <- buf[:p.bufSize]:
	default:
	}
}

// PutAll returns every buffer in segs to the pool.
func (p *Pool) PutAll(segs [][]byte) {
	for _, s := range segs {
		p.Put(s)
	}
}

// Available reports how many buffers are currently free.
func (p *Pool) Available() int {
	return len(p.free)
}

// BufferSize returns the size of each buffer.
func (p *Pool) BufferSize() int {
	return p.bufSize
}
