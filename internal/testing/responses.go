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

// Package testing builds canned HCP traffic for tests.
package testing

import (
	"github.com/ZaparooProject/go-hci/internal/frame"
)

// Wire values used by the builders. They mirror the engine's constants so
// this package stays free of engine imports.
const (
	PipeAdmin = 0x01

	HostController = 0x00
	HostDH         = 0x01
	HostUICC       = 0x02

	AnyOK                = 0x00
	AnyENok              = 0x03
	AnyERegParUnknown    = 0x05
	AnyEPipeNotOpened    = 0x06
	AnyECmdNotSupported  = 0x07
	AdmENoPipesAvailable = 0x04

	AnySetParameter       = 0x01
	AnyGetParameter       = 0x02
	AnyOpenPipe           = 0x03
	AnyClosePipe          = 0x04
	AdmNotifyPipeCreated  = 0x12
	AdmNotifyPipeDeleted  = 0x13
	AdmNotifyAllPipeClear = 0x15

	EvtHotPlug = 0x03
)

// TestSessionID is a session identity that is not the reset default.
var TestSessionID = []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}

// BuildSegment builds a single unfragmented segment.
func BuildSegment(pipe byte, t frame.Type, instruction byte, payload []byte) []byte {
	seg := make([]byte, 0, frame.FirstHeaderLen+len(payload))
	seg = append(seg, frame.PipeByte(pipe, false), frame.MessageHeader(t, instruction))
	return append(seg, payload...)
}

// BuildSegments fragments a message for a transport of maxPacket bytes.
func BuildSegments(pipe byte, t frame.Type, instruction byte, payload []byte, maxPacket int) [][]byte {
	pool := frame.NewPool(frame.SegmentCount(len(payload), maxPacket), maxPacket)
	segs, err := frame.Fragment(pipe, t, instruction, payload, maxPacket, pool)
	if err != nil {
		panic(err)
	}
	out := make([][]byte, len(segs))
	for i, s := range segs {
		out[i] = append([]byte(nil), s...)
	}
	return out
}

// BuildResponse builds a response segment.
func BuildResponse(pipe, code byte, data []byte) []byte {
	return BuildSegment(pipe, frame.TypeResponse, code, data)
}

// BuildOK builds an ANY_OK response.
func BuildOK(pipe byte, data ...byte) []byte {
	return BuildResponse(pipe, AnyOK, data)
}

// BuildCommand builds a command segment.
func BuildCommand(pipe, cmd byte, data []byte) []byte {
	return BuildSegment(pipe, frame.TypeCommand, cmd, data)
}

// BuildEvent builds an event segment.
func BuildEvent(pipe, evt byte, data []byte) []byte {
	return BuildSegment(pipe, frame.TypeEvent, evt, data)
}

// BuildCreatePipeResponse builds the ADM_CREATE_PIPE response for a pipe
// from the DH gate src to (host, gate).
func BuildCreatePipeResponse(src, host, gate, pipe byte) []byte {
	return BuildOK(PipeAdmin, HostDH, src, host, gate, pipe)
}

// BuildNotifyPipeCreated builds the ADM_NOTIFY_PIPE_CREATED command a host
// controller sends when a remote host opens a pipe to a DH gate.
func BuildNotifyPipeCreated(srcHost, srcGate, dstGate, pipe byte) []byte {
	return BuildCommand(PipeAdmin, AdmNotifyPipeCreated, []byte{srcHost, srcGate, HostDH, dstGate, pipe})
}

// BuildNotifyPipeDeleted builds ADM_NOTIFY_PIPE_DELETED.
func BuildNotifyPipeDeleted(pipe byte) []byte {
	return BuildCommand(PipeAdmin, AdmNotifyPipeDeleted, []byte{pipe})
}

// BuildNotifyAllPipeCleared builds ADM_NOTIFY_ALL_PIPE_CLEARED for host.
func BuildNotifyAllPipeCleared(host byte) []byte {
	return BuildCommand(PipeAdmin, AdmNotifyAllPipeClear, []byte{host})
}

// BuildHostList builds the HOST_LIST response: controller, DH, then hosts.
func BuildHostList(hosts ...byte) []byte {
	return BuildOK(PipeAdmin, append([]byte{HostController, HostDH}, hosts...)...)
}

// BuildHotPlug builds EVT_HOT_PLUG on the admin pipe.
func BuildHotPlug() []byte {
	return BuildEvent(PipeAdmin, EvtHotPlug, nil)
}

// BuildError builds a response with a non-OK code.
func BuildError(pipe, code byte) []byte {
	return BuildResponse(pipe, code, nil)
}
