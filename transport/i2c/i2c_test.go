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

package i2c

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/i2c/i2ctest"

	hci "github.com/ZaparooProject/go-hci"
)

func quietConfig(opts ...Option) Config {
	base := []Option{WithLoggerFactory(&logging.DefaultLoggerFactory{
		Writer:          io.Discard,
		DefaultLogLevel: logging.LogLevelDisabled,
	})}
	return newConfig(append(base, opts...))
}

// flakyBus fails the first failures transactions
type flakyBus struct {
	*i2ctest.Playback
	failures int
}

func (b *flakyBus) Tx(addr uint16, w, r []byte) error {
	if b.failures > 0 {
		b.failures--
		return errors.New("nack")
	}
	return b.Playback.Tx(addr, w, r)
}

type segments struct {
	got [][]byte
	mu  sync.Mutex
}

func (s *segments) receive(seg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, append([]byte(nil), seg...))
}

func (s *segments) all() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.got...)
}

func TestTransportCreation(t *testing.T) {
	t.Parallel()

	transport := &Transport{}
	assert.False(t, transport.IsConnected())
	assert.Equal(t, hci.TransportI2C, transport.Type())
	require.ErrorIs(t, transport.Send([]byte{0x81}), hci.ErrTransportClosed)
	require.NoError(t, transport.Close())
}

func TestTransport_Send(t *testing.T) {
	t.Parallel()

	pb := &i2ctest.Playback{Ops: []i2ctest.IO{
		{Addr: DefaultAddr, W: []byte{0x01, 0x00, 0x02, 0x81, 0x03}},
	}}
	tr := newTransport(pb, "playback", nil, quietConfig())
	assert.True(t, tr.IsConnected())
	require.NoError(t, tr.Send([]byte{0x81, 0x03}))
	require.NoError(t, pb.Close())

	require.ErrorIs(t, tr.Send(make([]byte, 256)), hci.ErrDataTooLarge)
}

func TestTransport_SendRetriesNack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		failures int
		wantErr  bool
	}{
		{name: "wakes on retry", failures: 2},
		{name: "stays asleep", failures: 10, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			bus := &flakyBus{
				Playback: &i2ctest.Playback{Ops: []i2ctest.IO{
					{Addr: 0x29, W: []byte{0x01, 0x00, 0x01, 0x81}},
				}},
				failures: tt.failures,
			}
			tr := newTransport(bus, "flaky", nil, quietConfig(WithAddr(0x29)))
			err := tr.Send([]byte{0x81})
			if tt.wantErr {
				require.ErrorIs(t, err, hci.ErrTransportWrite)
				assert.True(t, hci.IsRetryable(err))
				return
			}
			require.NoError(t, err)
			require.NoError(t, bus.Close())
		})
	}
}

func TestTransport_Poll(t *testing.T) {
	t.Parallel()

	pb := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: DefaultAddr, R: []byte{0xFF, 0xFF, 0xFF}},
			{Addr: DefaultAddr, R: []byte{0x11, 0x00, 0x01}},
			{Addr: DefaultAddr, R: []byte{0x81}},
			{Addr: DefaultAddr, R: []byte{0x01, 0x00, 0x01}},
			{Addr: DefaultAddr, R: []byte{0x80}},
			{Addr: DefaultAddr, R: []byte{0x60, 0x06, 0x03}},
			{Addr: DefaultAddr, R: []byte{0x01, 0x01, 0x01}},
		},
		DontPanic: true,
	}
	tr := newTransport(pb, "playback", nil, quietConfig())
	in := &segments{}
	tr.SetReceiver(in.receive)

	got, err := tr.poll()
	require.NoError(t, err)
	assert.False(t, got, "idle bus")

	for i := 0; i < 3; i++ {
		got, err = tr.poll()
		require.NoError(t, err)
		assert.True(t, got)
	}
	assert.Equal(t, [][]byte{{0x81, 0x80}}, in.all(), "segmented packets are joined, control packets ignored")

	got, err = tr.poll()
	require.NoError(t, err)
	assert.False(t, got, "a refused read means no data")
	require.NoError(t, pb.Close())
}

func TestTransport_PollWithIRQ(t *testing.T) {
	t.Parallel()

	irq := &gpiotest.Pin{N: "NFC_IRQ", L: gpio.Low, EdgesChan: make(chan gpio.Level, 1)}
	pb := &i2ctest.Playback{Ops: []i2ctest.IO{
		{Addr: DefaultAddr, R: []byte{0x01, 0x00, 0x00}},
	}}
	tr := newTransport(pb, "playback", irq, quietConfig())

	got, err := tr.poll()
	require.NoError(t, err)
	assert.False(t, got, "no bus traffic while the line is low")

	irq.EdgesChan <- gpio.High
	tr.wait()
	assert.Equal(t, gpio.High, irq.Read())

	got, err = tr.poll()
	require.NoError(t, err)
	assert.True(t, got)
	require.NoError(t, pb.Close())
}

func TestTransport_PollLoop(t *testing.T) {
	t.Parallel()

	pb := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: DefaultAddr, R: []byte{0x01, 0x00, 0x02}},
			{Addr: DefaultAddr, R: []byte{0x81, 0x80}},
		},
		DontPanic: true,
	}
	tr := newTransport(pb, "playback", nil, quietConfig(WithPollInterval(time.Millisecond)))
	tr.bus = pb
	in := &segments{}
	tr.SetReceiver(in.receive)
	go tr.pollLoop()

	require.Eventually(t, func() bool { return len(in.all()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, tr.Close())
	assert.False(t, tr.IsConnected())
	require.ErrorIs(t, tr.Send([]byte{0x81}), hci.ErrTransportClosed)
}
