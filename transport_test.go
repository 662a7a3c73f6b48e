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

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Microsecond,
		MaxBackoff:        10 * time.Microsecond,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryTimeout:      time.Second,
	}
}

// flakyTransport fails the first failures sends with err.
type flakyTransport struct {
	*MockTransport
	err      error
	failures int
	calls    int
	mu       sync.Mutex
}

func (f *flakyTransport) Send(seg []byte) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return f.err
	}
	return f.MockTransport.Send(seg)
}

func TestNewTransportWithRetry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		config   *RetryConfig
		expected *RetryConfig
		name     string
	}{
		{name: "default config when nil provided", config: nil, expected: DefaultRetryConfig()},
		{name: "custom config preserved", config: fastRetryConfig(5), expected: fastRetryConfig(5)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mock := NewMockTransport(testPacketSize)
			rt := NewTransportWithRetry(mock, tt.config)
			require.NotNil(t, rt)
			assert.Equal(t, tt.expected, rt.config)
			assert.Equal(t, testPacketSize, rt.MaxPacketSize())
			assert.Equal(t, TransportMock, rt.Type())
		})
	}
}

func TestTransportWithRetry_Send(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err       error
		name      string
		failures  int
		wantCalls int
		wantErr   bool
	}{
		{name: "success first try", failures: 0, wantCalls: 1},
		{name: "transient then success", err: ErrTransportWrite, failures: 2, wantCalls: 3},
		{name: "timeout then success", err: ErrTransportTimeout, failures: 1, wantCalls: 2},
		{name: "attempts exhausted", err: ErrTransportWrite, failures: 5, wantCalls: 3, wantErr: true},
		{name: "permanent error", err: ErrTransportClosed, failures: 1, wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			flaky := &flakyTransport{MockTransport: NewMockTransport(testPacketSize), err: tt.err, failures: tt.failures}
			rt := NewTransportWithRetry(flaky, fastRetryConfig(3))

			err := rt.Send([]byte{0x81, 0x03})
			assert.Equal(t, tt.wantCalls, flaky.calls)
			if tt.wantErr {
				require.Error(t, err)
				require.ErrorIs(t, err, tt.err)
				var te *TransportError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, "Send", te.Op)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, [][]byte{{0x81, 0x03}}, flaky.Sent())
		})
	}
}

func TestTransportWithRetry_Forwarding(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport(testPacketSize)
	rt := NewTransportWithRetry(mock, nil)

	var got []byte
	rt.SetReceiver(func(seg []byte) { got = append([]byte(nil), seg...) })
	require.True(t, mock.Inject([]byte{0x81, 0x80}))
	assert.Equal(t, []byte{0x81, 0x80}, got)

	rt.SetRetryConfig(fastRetryConfig(1))
	assert.Equal(t, 1, rt.config.MaxAttempts)

	require.NoError(t, rt.Close())
	require.ErrorIs(t, rt.Send([]byte{0x81}), ErrTransportClosed)
}

func TestRetryWithConfig_ContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetryConfig(10)
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- RetryWithConfig(ctx, cfg, func() error {
			calls++
			return ErrTransportWrite
		})
	}()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrTransportWrite)
		assert.Contains(t, err.Error(), "retry aborted")
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("retry did not stop on cancel")
	}
}

func TestRetryWithConfig_Backoff(t *testing.T) {
	t.Parallel()

	cfg := &RetryConfig{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 25 * time.Millisecond, BackoffMultiplier: 2}
	assert.Equal(t, 20*time.Millisecond, nextBackoff(10*time.Millisecond, cfg))
	assert.Equal(t, 25*time.Millisecond, nextBackoff(20*time.Millisecond, cfg))

	assert.Equal(t, time.Duration(0), jittered(0, 0.5))
	assert.Equal(t, 10*time.Millisecond, jittered(10*time.Millisecond, 0))
	for i := 0; i < 20; i++ {
		d := jittered(10*time.Millisecond, 0.5)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 15*time.Millisecond)
	}

	// zero attempts still runs once
	calls := 0
	err := RetryWithConfig(context.Background(), &RetryConfig{}, func() error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestTimerKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "response", TimerResponse.String())
	assert.Equal(t, "network-init", TimerNetworkInit.String())
}
