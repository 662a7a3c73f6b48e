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
	"github.com/ZaparooProject/go-hci/internal/frame"
)

// debugResponder stands in for the host controller and every remote gate
// when debug loopback is on. It answers each outbound message the way a
// cooperative peer would, without touching the transport.
type debugResponder struct {
	registries map[PipeID]map[byte][]byte
	nextPipe   PipeID
}

func newDebugResponder(cfg *Config) *debugResponder {
	hostList := []byte{byte(HostController), byte(HostDH)}
	hostList = append(hostList, cfg.whitelist()...)
	return &debugResponder{
		registries: map[PipeID]map[byte][]byte{
			PipeAdmin: {
				RegSessionIdentity: append([]byte(nil), DefaultSessionID[:]...),
				RegHostType:        {0x00, 0x00},
				RegHostList:        hostList,
			},
		},
		nextPipe: FirstDynamicPipe,
	}
}

// SetDebugLoopback routes all outbound traffic to an in-process responder
// instead of the transport. It must be set before Start to bootstrap
// against the responder.
func (e *Engine) SetDebugLoopback(on bool) {
	switch {
	case on && e.debug == nil:
		e.debug = newDebugResponder(e.config)
		e.log.Infof("debug loopback enabled")
	case !on && e.debug != nil:
		e.debug = nil
		e.selfQueue = nil
		e.log.Infof("debug loopback disabled")
	}
}

// DebugLoopback reports whether debug loopback is on.
func (e *Engine) DebugLoopback() bool {
	return e.debug != nil
}

// loopbackSend consumes an outbound message and queues the responder's
// reply for the next pump.
func (e *Engine) loopbackSend(pipe PipeID, t frame.Type, instruction byte, payload []byte) error {
	e.log.Tracef("loopback tx pipe 0x%02X %s 0x%02X % X", byte(pipe), t, instruction, payload)
	e.metrics.messageSent(t.String(), frame.SegmentCount(len(payload), e.transport.MaxPacketSize()))

	rt, code, data, ok := e.debug.reply(e, pipe, t, instruction, payload)
	if !ok {
		return nil
	}
	segs, err := frame.Fragment(byte(pipe), rt, code, data, e.transport.MaxPacketSize(), e.pool)
	if err != nil {
		return err
	}
	for _, seg := range segs {
		e.selfQueue = append(e.selfQueue, append([]byte(nil), seg...))
	}
	e.pool.PutAll(segs)
	return nil
}

func (d *debugResponder) reply(e *Engine, pipe PipeID, t frame.Type, instruction byte, payload []byte) (frame.Type, byte, []byte, bool) {
	switch t {
	case frame.TypeResponse:
		return 0, 0, nil, false
	case frame.TypeEvent:
		if p := e.reg.findPipe(pipe); p != nil && p.LocalGate == GateLoopback {
			return 0, 0, nil, false
		}
		return frame.TypeEvent, instruction, payload, true
	}

	switch instruction {
	case AnyOpenPipe:
		return frame.TypeResponse, AnyOK, []byte{0x00}, true
	case AnyClosePipe:
		return frame.TypeResponse, AnyOK, nil, true
	case AnySetParameter:
		if len(payload) < 1 {
			return frame.TypeResponse, AnyECmdParUnknown, nil, true
		}
		d.registry(pipe)[payload[0]] = append([]byte(nil), payload[1:]...)
		return frame.TypeResponse, AnyOK, nil, true
	case AnyGetParameter:
		if len(payload) < 1 {
			return frame.TypeResponse, AnyECmdParUnknown, nil, true
		}
		value, ok := d.registry(pipe)[payload[0]]
		if !ok {
			return frame.TypeResponse, AnyERegParUnknown, nil, true
		}
		return frame.TypeResponse, AnyOK, value, true
	}

	if pipe != PipeAdmin {
		return frame.TypeResponse, AnyOK, payload, true
	}
	switch instruction {
	case AdmCreatePipe:
		if len(payload) < 3 {
			return frame.TypeResponse, AnyECmdParUnknown, nil, true
		}
		if d.nextPipe > LastDynamicPipe {
			return frame.TypeResponse, AdmENoPipesAvailable, nil, true
		}
		id := d.nextPipe
		d.nextPipe++
		return frame.TypeResponse, AnyOK,
			[]byte{byte(HostDH), payload[0], payload[1], payload[2], byte(id)}, true
	case AdmDeletePipe:
		if len(payload) >= 1 {
			delete(d.registries, PipeID(payload[0]))
		}
		return frame.TypeResponse, AnyOK, nil, true
	default:
		return frame.TypeResponse, AnyOK, nil, true
	}
}

func (d *debugResponder) registry(pipe PipeID) map[byte][]byte {
	reg, ok := d.registries[pipe]
	if !ok {
		reg = make(map[byte][]byte)
		d.registries[pipe] = reg
	}
	return reg
}
