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
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderBytes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, byte(0x85), PipeByte(0x05, true))
	assert.Equal(t, byte(0x05), PipeByte(0x05, false))
	assert.Equal(t, byte(0x7F), PipeByte(0xFF, false))

	pipe, more := ParsePipeByte(0x81)
	assert.Equal(t, byte(0x01), pipe)
	assert.True(t, more)

	assert.Equal(t, byte(0x43), MessageHeader(TypeEvent, 0x03))
	assert.Equal(t, byte(0x80), MessageHeader(TypeResponse, 0x00))

	typ, inst := ParseMessageHeader(0x50)
	assert.Equal(t, TypeEvent, typ)
	assert.Equal(t, byte(0x10), inst)
}

func TestSegmentCount(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		n         int
		maxPacket int
		want      int
	}{
		{name: "empty payload", n: 0, maxPacket: 10, want: 1},
		{name: "fits first segment", n: 8, maxPacket: 10, want: 1},
		{name: "one byte over", n: 9, maxPacket: 10, want: 2},
		{name: "fills two segments", n: 17, maxPacket: 10, want: 2},
		{name: "three segments", n: 18, maxPacket: 10, want: 3},
		{name: "minimum packet", n: 5, maxPacket: MinPacketSize, want: 3},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, SegmentCount(tt.n, tt.maxPacket))
		})
	}
}

func TestFragment_Layout(t *testing.T) {
	t.Parallel()

	pool := NewPool(8, 16)
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	segs, err := Fragment(0x05, TypeCommand, 0x02, payload, 6, pool)
	require.NoError(t, err)
	require.Len(t, segs, 3)

	assert.Equal(t, []byte{0x85, 0x02, 1, 2, 3, 4}, segs[0])
	assert.Equal(t, []byte{0x85, 5, 6, 7, 8, 9}, segs[1])
	assert.Equal(t, []byte{0x05, 10}, segs[2])
	assert.Equal(t, 5, pool.Available())

	pool.PutAll(segs)
	assert.Equal(t, 8, pool.Available())
}

func TestFragment_EmptyPayload(t *testing.T) {
	t.Parallel()

	pool := NewPool(1, 8)
	segs, err := Fragment(0x01, TypeResponse, 0x00, nil, 8, pool)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, []byte{0x01, 0x80}, segs[0])
}

func TestFragment_NoBuffersLeavesPoolIntact(t *testing.T) {
	t.Parallel()

	pool := NewPool(2, 8)
	segs, err := Fragment(0x02, TypeEvent, 0x10, make([]byte, 30), 8, pool)
	require.ErrorIs(t, err, ErrNoBuffers)
	assert.Nil(t, segs)
	assert.Equal(t, 2, pool.Available())
}

func TestFragment_Limits(t *testing.T) {
	t.Parallel()

	pool := NewPool(4, 8)
	_, err := Fragment(0x02, TypeEvent, 0x10, []byte{1}, 2, pool)
	require.ErrorIs(t, err, ErrPacketTooSmall)

	_, err = Fragment(0x02, TypeEvent, 0x10, make([]byte, MaxMessageSize+1), 8, pool)
	require.ErrorIs(t, err, ErrMessageTooLong)
}

func TestFragmentReassemble_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, maxPacket := range []int{MinPacketSize, 4, 7, 32, 255} {
		for _, n := range []int{0, 1, 2, 3, 10, 31, 100, 513} {
			payload := make([]byte, n)
			for i := range payload {
				payload[i] = byte(i * 7)
			}

			pool := NewPool(SegmentCount(n, maxPacket), maxPacket)
			segs, err := Fragment(0x23, TypeEvent, 0x12, payload, maxPacket, pool)
			require.NoError(t, err)
			require.Len(t, segs, SegmentCount(n, maxPacket))

			r := NewReassembler()
			var msg *Message
			for i, seg := range segs {
				assert.LessOrEqual(t, len(seg), maxPacket)
				msg, err = r.Process(seg)
				require.NoError(t, err)
				if i < len(segs)-1 {
					require.Nil(t, msg)
					require.True(t, r.InProgress(0x23))
				}
			}

			require.NotNil(t, msg, "maxPacket=%d n=%d", maxPacket, n)
			assert.Equal(t, byte(0x23), msg.Pipe)
			assert.Equal(t, TypeEvent, msg.Type)
			assert.Equal(t, byte(0x12), msg.Instruction)
			assert.True(t, bytes.Equal(payload, msg.Payload), "maxPacket=%d n=%d", maxPacket, n)
			assert.False(t, r.InProgress(0x23))
		}
	}
}

func TestReassembler_InterleavedPipes(t *testing.T) {
	t.Parallel()

	r := NewReassembler()

	msg, err := r.Process([]byte{0x82, 0x01, 0xAA})
	require.NoError(t, err)
	assert.Nil(t, msg)

	msg, err = r.Process([]byte{0x03, 0x41, 0x01})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, byte(0x03), msg.Pipe)
	assert.Equal(t, []byte{0x01}, msg.Payload)

	msg, err = r.Process([]byte{0x02, 0xBB})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, byte(0x02), msg.Pipe)
	assert.Equal(t, TypeCommand, msg.Type)
	assert.Equal(t, []byte{0xAA, 0xBB}, msg.Payload)
}

func TestReassembler_Errors(t *testing.T) {
	t.Parallel()

	r := NewReassembler()
	_, err := r.Process(nil)
	require.ErrorIs(t, err, ErrShortSegment)

	_, err = r.Process([]byte{0x02})
	require.ErrorIs(t, err, ErrShortSegment)

	big := make([]byte, 600)
	big[0] = 0x84
	big[1] = 0x50
	_, err = r.Process(big)
	require.NoError(t, err)
	_, err = r.Process(big)
	require.ErrorIs(t, err, ErrMessageTooLong)
	assert.False(t, r.InProgress(0x04))

	r.Process([]byte{0x85, 0x50, 0x01})
	r.Reset()
	assert.False(t, r.InProgress(0x05))
}

func TestPool(t *testing.T) {
	t.Parallel()

	pool := NewPool(1, 4)
	assert.Equal(t, 4, pool.BufferSize())

	_, err := pool.Get(5)
	require.ErrorIs(t, err, ErrNoBuffers)

	buf, err := pool.Get(3)
	require.NoError(t, err)
	assert.Len(t, buf, 3)

	_, err = pool.Get(1)
	require.ErrorIs(t, err, ErrNoBuffers)

	pool.Put(make([]byte, 9))
	assert.Equal(t, 0, pool.Available())

	pool.Put(buf)
	assert.Equal(t, 1, pool.Available())
}
