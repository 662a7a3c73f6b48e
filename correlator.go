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
	"time"

	"github.com/ZaparooProject/go-hci/internal/frame"
)

// opKind tells the correlator how to complete an in-flight message.
type opKind int

const (
	opBootstrap opKind = iota
	opCreatePipe
	opDeletePipe
	opOpenPipe
	opClosePipe
	opGetRegistry
	opSetRegistry
	opCommand
	opEvent
	opHostList
)

// inFlight is the context of the one message awaiting a reply.
type inFlight struct {
	op          opKind
	timeout     time.Duration
	app         Handle
	msgType     frame.Type
	pipe        PipeID
	instruction byte
	index       byte
	gate        GateID
	// target is the pipe an admin command acts on.
	target   PipeID
	destHost HostID
	destGate GateID
}

// removal is the context of a RemoveGate or AppDeregister continuation.
type removal struct {
	gates      []GateID
	app        Handle
	deregister bool
}

// HandleTimeout reports that the timer armed with kind fired.
func (e *Engine) HandleTimeout(kind TimerKind) {
	switch kind {
	case TimerNetworkInit:
		if e.waitingForNetwork() {
			e.log.Infof("network enable timeout, reading host list again")
			e.networkReady()
		}
	default:
		e.responseTimeout()
	}
	e.pump()
}

func (e *Engine) responseTimeout() {
	f := e.inFlight
	if f == nil {
		e.log.Debugf("response timeout with nothing in flight ignored")
		return
	}
	e.inFlight = nil
	e.metrics.timeout()
	e.log.Warnf("no response to 0x%02X on pipe 0x%02X", f.instruction, byte(f.pipe))

	switch {
	case e.state.bootstrapping():
		e.bootFail(StatusTimeout)
	case e.state.removing():
		e.removalStep(f, StatusTimeout)
	default:
		e.finishCommand()
		e.completeFailure(f, StatusTimeout)
	}
}

// handleResponse matches a response against the in-flight command.
func (e *Engine) handleResponse(pipe PipeID, code byte, data []byte) {
	f := e.inFlight
	if f == nil || f.pipe != pipe || f.msgType != frame.TypeCommand {
		e.log.Warnf("unexpected response %s on pipe 0x%02X dropped", ResponseName(code), byte(pipe))
		e.metrics.dropped()
		return
	}
	e.timer.Stop()
	e.inFlight = nil
	if code != AnyOK {
		e.metrics.rejected(code)
		e.log.Debugf("%v", &ProtocolError{Instruction: f.instruction, Response: code})
	}

	switch {
	case e.state.bootstrapping():
		e.bootResponse(code, data)
	case e.state.removing():
		e.removalStep(f, responseStatus(code))
	default:
		e.finishCommand()
		e.complete(f, code, data)
	}
}

// handleEventReply completes an event sent with expectReply.
func (e *Engine) handleEventReply(f *inFlight, evt byte, data []byte) {
	e.timer.Stop()
	e.inFlight = nil
	e.finishCommand()
	e.deliver(f.app, Event{
		Kind: EventEventReceived, Status: StatusOK,
		Pipe: f.pipe, Gate: f.gate, Instruction: evt, Data: data,
	})
}

func (e *Engine) finishCommand() {
	if e.state == StateWaitResponse {
		e.setState(StateIdle)
	}
}

// complete applies a response to the tables and reports it to the caller.
func (e *Engine) complete(f *inFlight, code byte, data []byte) {
	st := responseStatus(code)
	ev := Event{Status: st, Pipe: f.pipe, Gate: f.gate, Instruction: code}

	switch f.op {
	case opCreatePipe:
		ev.Kind = EventCreatePipe
		ev.Pipe = 0
		ev.DestHost = f.destHost
		ev.DestGate = f.destGate
		if st != StatusOK {
			break
		}
		// [src host][src gate][dest host][dest gate][pipe id]
		if len(data) < 5 {
			e.log.Warnf("short ADM_CREATE_PIPE response (%d bytes)", len(data))
			ev.Status = StatusFailed
			break
		}
		pipe := PipeID(data[4])
		if _, err := e.reg.attachPipe(pipe, f.gate, f.destHost, f.destGate); err != nil {
			e.log.Warnf("failed to record pipe 0x%02X: %v", byte(pipe), err)
			ev.Status = StatusFromError(err)
			break
		}
		ev.Pipe = pipe
	case opDeletePipe:
		ev.Kind = EventDeletePipe
		ev.Pipe = f.target
		if st == StatusOK {
			_ = e.reg.releasePipe(f.target)
		}
	case opOpenPipe:
		ev.Kind = EventOpenPipe
		if st == StatusOK {
			e.setPipeState(f.pipe, PipeOpened)
		}
	case opClosePipe:
		ev.Kind = EventClosePipe
		if st == StatusOK {
			e.setPipeState(f.pipe, PipeClosed)
		}
	case opGetRegistry:
		ev.Kind = EventGetRegistry
		ev.Index = f.index
		ev.Data = data
	case opSetRegistry:
		ev.Kind = EventSetRegistry
		ev.Index = f.index
	case opHostList:
		ev.Kind = EventHostList
		if st == StatusOK {
			e.applyHostList(data)
			ev.Hosts = e.reg.activeHosts()
		}
	default:
		// The response code is the remote result; the status reports that
		// a response arrived.
		ev.Kind = EventRspReceived
		ev.Status = StatusOK
		ev.Data = data
	}
	e.deliver(f.app, ev)
}

// completeFailure reports a failed in-flight message to its caller.
func (e *Engine) completeFailure(f *inFlight, st Status) {
	ev := Event{Status: st, Pipe: f.pipe, Gate: f.gate, Instruction: f.instruction}
	switch f.op {
	case opCreatePipe:
		ev.Kind = EventCreatePipe
		ev.Pipe = 0
		ev.DestHost = f.destHost
		ev.DestGate = f.destGate
	case opDeletePipe:
		ev.Kind = EventDeletePipe
		ev.Pipe = f.target
	case opOpenPipe:
		ev.Kind = EventOpenPipe
	case opClosePipe:
		ev.Kind = EventClosePipe
	case opGetRegistry:
		ev.Kind = EventGetRegistry
		ev.Index = f.index
	case opSetRegistry:
		ev.Kind = EventSetRegistry
		ev.Index = f.index
	case opHostList:
		ev.Kind = EventHostList
	case opEvent:
		ev.Kind = EventEventReceived
	default:
		ev.Kind = EventCmdSent
	}
	e.deliver(f.app, ev)
}

func (e *Engine) setPipeState(id PipeID, state PipeState) {
	if p := e.reg.findPipe(id); p != nil && p.State != state {
		p.State = state
		e.reg.dirty = true
	}
}

// startRemoval deletes every pipe on gates, one ADM_DELETE_PIPE at a time,
// then frees the gates and, for a deregistration, the application.
func (e *Engine) startRemoval(app Handle, gates []GateID, deregister bool) {
	e.removal = &removal{app: app, gates: gates, deregister: deregister}
	if deregister {
		e.setState(StateAppDeregister)
	} else {
		e.setState(StateRemoveGate)
	}
	e.removalStep(nil, StatusOK)
}

// removalStep resumes the removal after the delete of done completed with
// st, or starts it when done is nil.
func (e *Engine) removalStep(done *inFlight, st Status) {
	r := e.removal
	if r == nil {
		e.log.Errorf("removal step without removal context")
		e.setState(StateIdle)
		return
	}

	if done != nil {
		if st != StatusOK {
			e.log.Warnf("delete of pipe 0x%02X failed (%s), releasing locally", byte(done.target), st)
		}
		_ = e.reg.releasePipe(done.target)
		e.deliver(r.app, Event{Kind: EventDeletePipe, Status: st, Pipe: done.target, Gate: done.gate})
	}

	for _, gate := range r.gates {
		for p := e.reg.findPipeOnGate(gate, false); p != nil; p = e.reg.findPipeOnGate(gate, false) {
			if isDynamicPipe(p.ID) && e.reg.isHostActive(p.DestHost) {
				err := e.issue(&inFlight{
					op:          opDeletePipe,
					pipe:        PipeAdmin,
					target:      p.ID,
					msgType:     frame.TypeCommand,
					instruction: AdmDeletePipe,
					app:         r.app,
					gate:        gate,
				}, []byte{byte(p.ID)})
				if err == nil {
					return
				}
				e.log.Warnf("failed to delete pipe 0x%02X: %v", byte(p.ID), err)
			}
			id := p.ID
			_ = e.reg.dropPipe(id)
			e.deliver(r.app, Event{Kind: EventDeletePipe, Status: StatusOK, Pipe: id, Gate: gate})
		}
	}

	for _, gate := range r.gates {
		e.reg.releaseGate(gate)
	}
	e.removal = nil
	if r.deregister {
		e.deliver(r.app, Event{Kind: EventDeregister, Status: StatusOK})
		e.reg.removeApp(r.app)
		e.log.Infof("deregistered 0x%04X", uint16(r.app))
	} else {
		e.deliver(r.app, Event{Kind: EventDeallocateGate, Status: StatusOK, Gate: r.gates[0]})
	}
	e.setState(StateIdle)
}
