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
	"errors"
	"fmt"

	"github.com/ZaparooProject/go-hci/internal/frame"
)

// send frames one HCP message and writes every segment. Buffers for all
// segments are taken before the first write, so a shortage sends nothing.
func (e *Engine) send(pipe PipeID, t frame.Type, instruction byte, payload []byte) error {
	if e.debug != nil {
		return e.loopbackSend(pipe, t, instruction, payload)
	}

	segs, err := frame.Fragment(byte(pipe), t, instruction, payload, e.transport.MaxPacketSize(), e.pool)
	if err != nil {
		if errors.Is(err, frame.ErrNoBuffers) {
			return fmt.Errorf("failed to frame message: %w", ErrResourceExhausted)
		}
		return fmt.Errorf("failed to frame message: %w: %w", ErrInvalidParameter, err)
	}
	defer e.pool.PutAll(segs)

	for _, seg := range segs {
		e.log.Tracef("tx % X", seg)
		if err := e.transport.Send(seg); err != nil {
			return fmt.Errorf("failed to send segment on pipe 0x%02X: %w", byte(pipe), err)
		}
	}
	e.metrics.messageSent(t.String(), len(segs))
	return nil
}

// issue sends a message that expects a reply and arms the response timer.
// From Idle the engine moves to WaitResponse; bootstrap and removal states
// are kept.
func (e *Engine) issue(f *inFlight, payload []byte) error {
	if e.inFlight != nil {
		return ErrBusy
	}
	if f.timeout <= 0 {
		f.timeout = e.config.ResponseTimeout
	}
	if err := e.send(f.pipe, f.msgType, f.instruction, payload); err != nil {
		return err
	}
	e.inFlight = f
	if e.state == StateIdle {
		e.setState(StateWaitResponse)
	}
	e.timer.Start(TimerResponse, f.timeout)
	return nil
}

// respond answers an inbound command. Failures are logged; the remote side
// times out on its own.
func (e *Engine) respond(pipe PipeID, code byte, data []byte) {
	if err := e.send(pipe, frame.TypeResponse, code, data); err != nil {
		e.log.Warnf("failed to respond %s on pipe 0x%02X: %v", ResponseName(code), byte(pipe), err)
	}
}
