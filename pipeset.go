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

import "math/bits"

// maxPipeSlots bounds the pipe table so a pipeSet fits in one word.
const maxPipeSlots = 64

// pipeSet records which pipe-table slots belong to a gate. It is keyed by
// slot index, never by pipe id.
type pipeSet uint64

func (s *pipeSet) attach(slot int) {
	*s |= 1 << uint(slot)
}

func (s *pipeSet) detach(slot int) {
	*s &^= 1 << uint(slot)
}

func (s pipeSet) contains(slot int) bool {
	return s&(1<<uint(slot)) != 0
}

func (s pipeSet) empty() bool {
	return s == 0
}

func (s pipeSet) count() int {
	return bits.OnesCount64(uint64(s))
}

// slots returns the set slot indexes in ascending order.
func (s pipeSet) slots() []int {
	out := make([]int, 0, s.count())
	for v := uint64(s); v != 0; v &= v - 1 {
		out = append(out, bits.TrailingZeros64(v))
	}
	return out
}
