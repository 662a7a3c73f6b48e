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

// HandleSegment feeds one inbound transport segment to the engine. Complete
// messages are dispatched before it returns.
func (e *Engine) HandleSegment(seg []byte) {
	e.receive(seg)
	e.pump()
}

func (e *Engine) receive(seg []byte) {
	e.log.Tracef("rx % X", seg)
	msg, err := e.reasm.Process(seg)
	if err != nil {
		e.log.Warnf("dropping segment: %v", err)
		e.metrics.dropped()
		return
	}
	if msg == nil {
		return
	}
	e.metrics.messageReceived(msg.Type.String())
	if e.state == StateDisabled {
		e.log.Debugf("engine disabled, dropping %s on pipe 0x%02X", msg.Type, msg.Pipe)
		e.metrics.dropped()
		return
	}
	e.dispatch(msg)
}

// dispatch routes a reassembled message by pipe and local gate.
func (e *Engine) dispatch(m *frame.Message) {
	pipe := PipeID(m.Pipe)
	switch pipe {
	case PipeAdmin:
		e.handleAdmin(m)
		return
	case PipeLinkManagement:
		e.reject(m, AnyECmdNotSupported)
		return
	}

	p := e.reg.findPipe(pipe)
	if p == nil {
		e.log.Warnf("%s 0x%02X on unknown pipe 0x%02X", m.Type, m.Instruction, byte(pipe))
		e.reject(m, AnyENok)
		return
	}
	if p.LocalGate == GateIdentityManagement {
		e.handleIdentityGate(p, m)
		return
	}
	g := e.reg.findGate(p.LocalGate)
	if g == nil {
		e.log.Warnf("pipe 0x%02X has no gate 0x%02X, releasing it", byte(pipe), byte(p.LocalGate))
		e.reject(m, AnyENok)
		_ = e.reg.dropPipe(pipe)
		return
	}

	switch m.Type {
	case frame.TypeResponse:
		e.handleResponse(pipe, m.Instruction, m.Payload)
	case frame.TypeCommand:
		e.handleGateCommand(g, p, m)
	case frame.TypeEvent:
		e.handleGateEvent(g, p, m)
	default:
		e.log.Warnf("unknown message type %d on pipe 0x%02X", m.Type, byte(pipe))
		e.metrics.dropped()
	}
}

// reject answers a command with code; other messages are dropped.
func (e *Engine) reject(m *frame.Message, code byte) {
	if m.Type == frame.TypeCommand {
		e.respond(PipeID(m.Pipe), code, nil)
		return
	}
	e.metrics.dropped()
}

func (e *Engine) handleAdmin(m *frame.Message) {
	switch m.Type {
	case frame.TypeResponse:
		e.handleResponse(PipeAdmin, m.Instruction, m.Payload)
	case frame.TypeEvent:
		if m.Instruction != EvtHotPlug {
			e.log.Debugf("admin event 0x%02X dropped", m.Instruction)
			e.metrics.dropped()
			return
		}
		e.log.Infof("hot plug")
		e.hostNetworkChanged()
	case frame.TypeCommand:
		e.handleAdminCommand(m)
	}
}

func (e *Engine) handleAdminCommand(m *frame.Message) {
	switch m.Instruction {
	case AnyOpenPipe:
		e.adminPipe = PipeOpened
		e.respond(PipeAdmin, AnyOK, nil)
	case AnyClosePipe:
		e.adminPipe = PipeClosed
		e.respond(PipeAdmin, AnyOK, nil)
	case AdmNotifyPipeCreated:
		e.notifyPipeCreated(m.Payload)
	case AdmNotifyPipeDeleted:
		e.notifyPipeDeleted(m.Payload)
	case AdmNotifyAllPipeClear:
		e.notifyAllPipeCleared(m.Payload)
	default:
		e.respond(PipeAdmin, AnyECmdNotSupported, nil)
	}
}

// notifyPipeCreated handles a pipe a remote host created to one of our
// gates. Payload: [src host][src gate][dest host][dest gate][pipe id].
func (e *Engine) notifyPipeCreated(payload []byte) {
	if len(payload) < 5 {
		e.respond(PipeAdmin, AnyECmdParUnknown, nil)
		return
	}
	srcHost, srcGate := HostID(payload[0]), GateID(payload[1])
	localGate, pipe := GateID(payload[3]), PipeID(payload[4])

	owner := HandleNone
	if localGate != GateIdentityManagement {
		g := e.reg.findGate(localGate)
		if g == nil {
			e.log.Warnf("remote pipe 0x%02X to unknown gate 0x%02X", byte(pipe), byte(localGate))
			e.respond(PipeAdmin, AnyENok, nil)
			return
		}
		owner = g.Owner
	}
	if _, err := e.reg.attachPipe(pipe, localGate, srcHost, srcGate); err != nil {
		e.log.Warnf("failed to add remote pipe 0x%02X: %v", byte(pipe), err)
		e.respond(PipeAdmin, AnyENok, nil)
		return
	}
	e.respond(PipeAdmin, AnyOK, nil)
	if owner != HandleNone {
		e.deliver(owner, Event{
			Kind: EventCreatePipe, Status: StatusOK, Remote: true,
			Pipe: pipe, Gate: localGate, DestHost: srcHost, DestGate: srcGate,
		})
	}
}

func (e *Engine) notifyPipeDeleted(payload []byte) {
	if len(payload) < 1 {
		e.respond(PipeAdmin, AnyECmdParUnknown, nil)
		return
	}
	pipe := PipeID(payload[0])
	p := e.reg.findPipe(pipe)
	if p == nil {
		e.respond(PipeAdmin, AnyOK, nil)
		return
	}
	owner, gate := e.reg.pipeOwner(p), p.LocalGate
	_ = e.reg.dropPipe(pipe)
	e.respond(PipeAdmin, AnyOK, nil)
	if owner != HandleNone {
		e.deliver(owner, Event{Kind: EventDeletePipe, Status: StatusOK, Remote: true, Pipe: pipe, Gate: gate})
	}
}

// notifyAllPipeCleared tears down every pipe to a host that reset. Static
// pipes survive but are closed.
func (e *Engine) notifyAllPipeCleared(payload []byte) {
	if len(payload) < 1 {
		e.respond(PipeAdmin, AnyECmdParUnknown, nil)
		return
	}
	host := HostID(payload[0])
	e.log.Infof("all pipes to host 0x%02X cleared", byte(host))

	for _, id := range e.reg.pipesToHost(host) {
		p := e.reg.findPipe(id)
		if !isDynamicPipe(id) {
			e.setPipeState(id, PipeClosed)
			continue
		}
		owner, gate := e.reg.pipeOwner(p), p.LocalGate
		_ = e.reg.releasePipe(id)
		if owner != HandleNone {
			e.deliver(owner, Event{Kind: EventDeletePipe, Status: StatusOK, Remote: true, Pipe: id, Gate: gate})
		}
	}
	e.respond(PipeAdmin, AnyOK, nil)

	if h := e.reg.findHost(host); h != nil && h.Resetting() {
		h.ResetMask = 0
		e.flushResetQueue()
	}
	if e.waitingForNetwork() {
		e.networkReady()
	}
}

// hostNetworkChanged reacts to EVT_HOT_PLUG.
func (e *Engine) hostNetworkChanged() {
	if e.waitingForNetwork() {
		e.networkReady()
		return
	}
	for _, req := range e.apiQueue {
		if r, ok := req.(*hostListRequest); ok && r.app == HandleNone {
			return
		}
	}
	e.apiQueue = append(e.apiQueue, &hostListRequest{app: HandleNone})
}

func (e *Engine) handleIdentityGate(p *Pipe, m *frame.Message) {
	if m.Type != frame.TypeCommand {
		e.log.Debugf("identity gate %s dropped", m.Type)
		e.metrics.dropped()
		return
	}
	switch m.Instruction {
	case AnyOpenPipe:
		open := 0
		for _, slot := range e.reg.idPipes.slots() {
			if e.reg.pipes[slot].State == PipeOpened {
				open++
			}
		}
		e.setPipeState(p.ID, PipeOpened)
		e.respond(p.ID, AnyOK, []byte{byte(open)})
	case AnyClosePipe:
		e.setPipeState(p.ID, PipeClosed)
		e.respond(p.ID, AnyOK, nil)
	case AnyGetParameter:
		if p.State != PipeOpened {
			e.respond(p.ID, AnyEPipeNotOpened, nil)
			return
		}
		if len(m.Payload) < 1 {
			e.respond(p.ID, AnyECmdParUnknown, nil)
			return
		}
		value, ok := e.identityValue(m.Payload[0])
		if !ok {
			e.respond(p.ID, AnyERegParUnknown, nil)
			return
		}
		e.respond(p.ID, AnyOK, value)
	case AnySetParameter:
		e.respond(p.ID, AnyERegAccessDenied, nil)
	default:
		e.respond(p.ID, AnyECmdNotSupported, nil)
	}
}

func (e *Engine) identityValue(index byte) ([]byte, bool) {
	id := e.config.Identity
	switch index {
	case RegVersionSW:
		return id.VersionSW[:], true
	case RegHCIVersion:
		return []byte{id.HCIVersion}, true
	case RegVersionHW:
		return id.VersionHW[:], true
	case RegVendorName:
		return []byte(id.VendorName), true
	case RegModelID:
		return []byte{id.ModelID}, true
	case RegGatesList:
		return e.reg.gateIDs(), true
	default:
		return nil, false
	}
}

func (e *Engine) handleGateCommand(g *Gate, p *Pipe, m *frame.Message) {
	switch m.Instruction {
	case AnyOpenPipe:
		open := e.reg.countOpenPipesOnGate(g.ID)
		e.setPipeState(p.ID, PipeOpened)
		e.respond(p.ID, AnyOK, []byte{byte(open)})
		if g.Owner != HandleNone {
			e.deliver(g.Owner, Event{Kind: EventOpenPipe, Status: StatusOK, Remote: true, Pipe: p.ID, Gate: g.ID})
		}
	case AnyClosePipe:
		e.setPipeState(p.ID, PipeClosed)
		e.respond(p.ID, AnyOK, nil)
		if g.Owner != HandleNone {
			e.deliver(g.Owner, Event{Kind: EventClosePipe, Status: StatusOK, Remote: true, Pipe: p.ID, Gate: g.ID})
		}
	default:
		if p.State != PipeOpened {
			e.respond(p.ID, AnyEPipeNotOpened, nil)
			return
		}
		if g.Owner == HandleNone {
			e.respond(p.ID, AnyECmdNotSupported, nil)
			return
		}
		e.deliver(g.Owner, Event{
			Kind: EventCmdReceived, Status: StatusOK,
			Pipe: p.ID, Gate: g.ID, Instruction: m.Instruction, Data: m.Payload,
		})
	}
}

func (e *Engine) handleGateEvent(g *Gate, p *Pipe, m *frame.Message) {
	if f := e.inFlight; f != nil && f.op == opEvent && f.pipe == p.ID {
		e.handleEventReply(f, m.Instruction, m.Payload)
		return
	}

	switch {
	case g.ID == GateLoopback && m.Instruction == EvtPostData:
		if err := e.send(p.ID, frame.TypeEvent, EvtPostData, m.Payload); err != nil {
			e.log.Warnf("loopback echo on pipe 0x%02X failed: %v", byte(p.ID), err)
		}
	case g.ID == GateConnectivity && isConnectivityEvent(m.Instruction):
		e.forwardConnectivity(p, m)
	case g.Owner == HandleNone:
		e.log.Debugf("event 0x%02X on unowned gate 0x%02X dropped", m.Instruction, byte(g.ID))
		e.metrics.dropped()
	default:
		e.deliver(g.Owner, Event{
			Kind: EventEventReceived, Status: StatusOK,
			Pipe: p.ID, Gate: g.ID, Instruction: m.Instruction, Data: m.Payload,
		})
	}
}

func isConnectivityEvent(evt byte) bool {
	return evt == EvtConnectivity || evt == EvtTransaction || evt == EvtOperationEnded
}

// forwardConnectivity fans a connectivity event out to every application
// that asked for them.
func (e *Engine) forwardConnectivity(p *Pipe, m *frame.Message) {
	delivered := false
	for i := range e.reg.apps {
		app := &e.reg.apps[i]
		if app.Callback == nil || !app.ForwardConnectivity {
			continue
		}
		app.Callback(Event{
			Kind: EventEventReceived, Status: StatusOK, Handle: app.Handle,
			Pipe: p.ID, Gate: GateConnectivity, DestHost: p.DestHost,
			Instruction: m.Instruction, Data: m.Payload,
		})
		delivered = true
	}
	if !delivered {
		e.log.Debugf("connectivity event 0x%02X with no subscriber", m.Instruction)
	}
}
