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
	"fmt"
	"time"

	"github.com/ZaparooProject/go-hci/internal/frame"
)

// request is an API operation that may need the transport. Requests are
// validated when submitted and again when they reach the head of the queue.
type request interface {
	check(e *Engine) error
	execute(e *Engine) error
	fail(e *Engine, st Status)
}

// hostTargeted requests are deferred while their destination host resets.
type hostTargeted interface {
	targetHost(e *Engine) (HostID, bool)
}

func targetHost(e *Engine, req request) (HostID, bool) {
	if t, ok := req.(hostTargeted); ok {
		return t.targetHost(e)
	}
	return 0, false
}

func (e *Engine) requireApp(app Handle) error {
	if !e.reg.isApp(app) {
		return fmt.Errorf("%w: application 0x%04X", ErrNotFound, uint16(app))
	}
	return nil
}

// ownedPipe returns pipe if app owns its local gate.
func (e *Engine) ownedPipe(app Handle, id PipeID) (*Pipe, error) {
	if err := e.requireApp(app); err != nil {
		return nil, err
	}
	p := e.reg.findPipe(id)
	if p == nil {
		return nil, fmt.Errorf("%w: pipe 0x%02X", ErrNotFound, byte(id))
	}
	if e.reg.pipeOwner(p) != app {
		return nil, fmt.Errorf("%w: pipe 0x%02X", ErrNotOwner, byte(id))
	}
	return p, nil
}

func (e *Engine) openPipe(app Handle, id PipeID) (*Pipe, error) {
	p, err := e.ownedPipe(app, id)
	if err != nil {
		return nil, err
	}
	if p.State != PipeOpened {
		return nil, fmt.Errorf("%w: pipe 0x%02X", ErrNotOpen, byte(id))
	}
	return p, nil
}

// pipeRequest is embedded by requests addressed to one pipe.
type pipeRequest struct {
	app  Handle
	pipe PipeID
}

func (r pipeRequest) targetHost(e *Engine) (HostID, bool) {
	if p := e.reg.findPipe(r.pipe); p != nil {
		return p.DestHost, true
	}
	return 0, false
}

func (r pipeRequest) event(kind EventKind, st Status) Event {
	return Event{Kind: kind, Status: st, Pipe: r.pipe}
}

// Register adds an application and returns its handle. Registering a name
// restored from the store returns the handle it had before.
func (e *Engine) Register(name string, cb Callback, forwardConnectivity bool) (Handle, error) {
	app, err := e.reg.registerApp(name, cb, forwardConnectivity)
	if err != nil {
		return HandleNone, err
	}
	e.log.Infof("registered %q as 0x%04X", name, uint16(app.Handle))
	e.deliver(app.Handle, Event{Kind: EventRegister, Status: StatusOK})
	return app.Handle, nil
}

// AllocateGate allocates id, or a free generic gate for GateAuto, to app.
// Allocating a gate app already owns returns it again.
func (e *Engine) AllocateGate(app Handle, id GateID) (GateID, error) {
	if err := e.requireApp(app); err != nil {
		return 0, err
	}
	if id != GateAuto && !isGenericGate(id) && id < FirstProprietaryGate {
		return 0, fmt.Errorf("%w: gate 0x%02X is reserved", ErrInvalidParameter, byte(id))
	}
	if g := e.reg.findGate(id); g != nil && g.Owner != app && g.Owner != HandleNone {
		return 0, fmt.Errorf("%w: gate 0x%02X", ErrNotOwner, byte(id))
	}

	g, err := e.reg.allocGate(id, app)
	if err != nil {
		e.deliver(app, Event{Kind: EventAllocateGate, Status: StatusFromError(err), Gate: id})
		return 0, err
	}
	if g.Owner == HandleNone {
		g.Owner = app
		e.reg.dirty = true
	}
	e.deliver(app, Event{Kind: EventAllocateGate, Status: StatusOK, Gate: g.ID})
	return g.ID, nil
}

// AddStaticPipe binds a static pipe above the dynamic range to gate on
// host. The local gate is allocated to app if needed and the pipe is
// opened at once.
func (e *Engine) AddStaticPipe(app Handle, host HostID, gate GateID, pipe PipeID) error {
	if err := e.requireApp(app); err != nil {
		return err
	}
	if pipe <= LastDynamicPipe || pipe > MaxPipeID {
		return fmt.Errorf("%w: pipe 0x%02X is not static", ErrInvalidParameter, byte(pipe))
	}
	if !e.reg.isHostActive(host) {
		return fmt.Errorf("%w: host 0x%02X not active", ErrNotFound, byte(host))
	}
	g, err := e.reg.allocGate(gate, app)
	if err != nil {
		return err
	}
	if g.Owner != app {
		return fmt.Errorf("%w: gate 0x%02X", ErrNotOwner, byte(gate))
	}
	p, err := e.reg.attachPipe(pipe, gate, host, gate)
	if err != nil {
		return err
	}
	p.State = PipeOpened
	e.deliver(app, Event{
		Kind: EventAddStaticPipe, Status: StatusOK,
		Pipe: pipe, Gate: gate, DestHost: host, DestGate: gate,
	})
	return nil
}

// SendResponse answers a command received on pipe. It is sent at once,
// even while a command of the engine is in flight.
func (e *Engine) SendResponse(app Handle, pipe PipeID, code byte, data []byte) error {
	if e.state == StateDisabled {
		return ErrDisabled
	}
	if code > frame.InstructionMask {
		return fmt.Errorf("%w: response code 0x%02X", ErrInvalidParameter, code)
	}
	if _, err := e.ownedPipe(app, pipe); err != nil {
		return err
	}
	return e.send(pipe, frame.TypeResponse, code, data)
}

// Deregister removes app, deleting the pipes of its gates and then the
// gates. EventDeregister reports completion.
func (e *Engine) Deregister(app Handle) error {
	return e.submit(&deregisterRequest{app: app})
}

// DeallocateGate deletes the pipes of gate and frees it. EventDeallocateGate
// reports completion.
func (e *Engine) DeallocateGate(app Handle, gate GateID) error {
	return e.submit(&deallocGateRequest{app: app, gate: gate})
}

// CreatePipe asks the host controller for a pipe from source to
// (host, gate). EventCreatePipe carries the new pipe id.
func (e *Engine) CreatePipe(app Handle, source GateID, host HostID, gate GateID) error {
	return e.submit(&createPipeRequest{app: app, source: source, host: host, gate: gate})
}

// OpenPipe opens pipe. EventOpenPipe reports completion.
func (e *Engine) OpenPipe(app Handle, pipe PipeID) error {
	return e.submit(&openPipeRequest{pipeRequest{app: app, pipe: pipe}})
}

// ClosePipe closes pipe. EventClosePipe reports completion.
func (e *Engine) ClosePipe(app Handle, pipe PipeID) error {
	return e.submit(&closePipeRequest{pipeRequest{app: app, pipe: pipe}})
}

// DeletePipe deletes pipe through the admin gate. EventDeletePipe reports
// completion.
func (e *Engine) DeletePipe(app Handle, pipe PipeID) error {
	return e.submit(&deletePipeRequest{pipeRequest{app: app, pipe: pipe}})
}

// GetRegistry reads registry parameter index of the gate at the far end of
// pipe. Any registered application may read. EventGetRegistry carries the
// value.
func (e *Engine) GetRegistry(app Handle, pipe PipeID, index byte) error {
	return e.submit(&getRegistryRequest{pipeRequest: pipeRequest{app: app, pipe: pipe}, index: index})
}

// SetRegistry writes registry parameter index. EventSetRegistry reports
// completion.
func (e *Engine) SetRegistry(app Handle, pipe PipeID, index byte, data []byte) error {
	return e.submit(&setRegistryRequest{
		pipeRequest: pipeRequest{app: app, pipe: pipe},
		index:       index,
		data:        append([]byte(nil), data...),
	})
}

// SendCommand sends cmd on pipe. EventCmdSent follows the transmission and
// EventRspReceived the response. A zero timeout uses the configured default.
func (e *Engine) SendCommand(app Handle, pipe PipeID, cmd byte, data []byte, timeout time.Duration) error {
	return e.submit(&sendCommandRequest{
		pipeRequest: pipeRequest{app: app, pipe: pipe},
		cmd:         cmd,
		data:        append([]byte(nil), data...),
		timeout:     timeout,
	})
}

// SendEvent sends evt on pipe. With expectReply the engine waits for an
// event back on the same pipe, up to timeout, as it would for a response.
func (e *Engine) SendEvent(app Handle, pipe PipeID, evt byte, data []byte, expectReply bool, timeout time.Duration) error {
	return e.submit(&sendEventRequest{
		pipeRequest: pipeRequest{app: app, pipe: pipe},
		evt:         evt,
		data:        append([]byte(nil), data...),
		expectReply: expectReply,
		timeout:     timeout,
	})
}

// GetHostList reads the admin HOST_LIST and refreshes host activity.
// EventHostList carries the active hosts.
func (e *Engine) GetHostList(app Handle) error {
	return e.submit(&hostListRequest{app: app})
}

// Restore re-runs the admin bootstrap on a live engine, keeping
// registrations. EventRestoreComplete reports completion.
func (e *Engine) Restore() error {
	return e.submit(&restoreRequest{})
}

type deregisterRequest struct {
	app Handle
}

func (r *deregisterRequest) check(e *Engine) error {
	return e.requireApp(r.app)
}

func (r *deregisterRequest) execute(e *Engine) error {
	e.startRemoval(r.app, e.reg.gatesOwnedBy(r.app), true)
	return nil
}

func (r *deregisterRequest) fail(e *Engine, st Status) {
	e.deliver(r.app, Event{Kind: EventDeregister, Status: st})
}

type deallocGateRequest struct {
	app  Handle
	gate GateID
}

func (r *deallocGateRequest) check(e *Engine) error {
	if err := e.requireApp(r.app); err != nil {
		return err
	}
	g := e.reg.findGate(r.gate)
	if g == nil {
		return fmt.Errorf("%w: gate 0x%02X", ErrNotFound, byte(r.gate))
	}
	if g.Owner != r.app {
		return fmt.Errorf("%w: gate 0x%02X", ErrNotOwner, byte(r.gate))
	}
	return nil
}

func (r *deallocGateRequest) execute(e *Engine) error {
	e.startRemoval(r.app, []GateID{r.gate}, false)
	return nil
}

func (r *deallocGateRequest) fail(e *Engine, st Status) {
	e.deliver(r.app, Event{Kind: EventDeallocateGate, Status: st, Gate: r.gate})
}

type createPipeRequest struct {
	app    Handle
	source GateID
	host   HostID
	gate   GateID
}

func (r *createPipeRequest) check(e *Engine) error {
	if err := e.requireApp(r.app); err != nil {
		return err
	}
	g := e.reg.findGate(r.source)
	if g == nil {
		return fmt.Errorf("%w: gate 0x%02X", ErrNotFound, byte(r.source))
	}
	if g.Owner != r.app {
		return fmt.Errorf("%w: gate 0x%02X", ErrNotOwner, byte(r.source))
	}
	if r.host == HostController || r.host == HostDH || !e.reg.isHostActive(r.host) {
		return fmt.Errorf("%w: host 0x%02X not active", ErrNotFound, byte(r.host))
	}
	return nil
}

func (r *createPipeRequest) targetHost(*Engine) (HostID, bool) {
	return r.host, true
}

func (r *createPipeRequest) execute(e *Engine) error {
	if p := e.reg.findPipeTo(r.source, r.host, r.gate); p != nil {
		e.deliver(r.app, r.event(StatusOK, p.ID))
		return nil
	}
	return e.issue(&inFlight{
		op:          opCreatePipe,
		pipe:        PipeAdmin,
		msgType:     frame.TypeCommand,
		instruction: AdmCreatePipe,
		app:         r.app,
		gate:        r.source,
		destHost:    r.host,
		destGate:    r.gate,
	}, []byte{byte(r.source), byte(r.host), byte(r.gate)})
}

func (r *createPipeRequest) event(st Status, pipe PipeID) Event {
	return Event{
		Kind: EventCreatePipe, Status: st, Pipe: pipe,
		Gate: r.source, DestHost: r.host, DestGate: r.gate,
	}
}

func (r *createPipeRequest) fail(e *Engine, st Status) {
	e.deliver(r.app, r.event(st, 0))
}

type openPipeRequest struct {
	pipeRequest
}

func (r *openPipeRequest) check(e *Engine) error {
	_, err := e.ownedPipe(r.app, r.pipe)
	return err
}

func (r *openPipeRequest) execute(e *Engine) error {
	p := e.reg.findPipe(r.pipe)
	return e.issue(&inFlight{
		op:          opOpenPipe,
		pipe:        r.pipe,
		msgType:     frame.TypeCommand,
		instruction: AnyOpenPipe,
		app:         r.app,
		gate:        p.LocalGate,
	}, nil)
}

func (r *openPipeRequest) fail(e *Engine, st Status) {
	e.deliver(r.app, r.event(EventOpenPipe, st))
}

type closePipeRequest struct {
	pipeRequest
}

func (r *closePipeRequest) check(e *Engine) error {
	_, err := e.ownedPipe(r.app, r.pipe)
	return err
}

func (r *closePipeRequest) execute(e *Engine) error {
	p := e.reg.findPipe(r.pipe)
	return e.issue(&inFlight{
		op:          opClosePipe,
		pipe:        r.pipe,
		msgType:     frame.TypeCommand,
		instruction: AnyClosePipe,
		app:         r.app,
		gate:        p.LocalGate,
	}, nil)
}

func (r *closePipeRequest) fail(e *Engine, st Status) {
	e.deliver(r.app, r.event(EventClosePipe, st))
}

type deletePipeRequest struct {
	pipeRequest
}

func (r *deletePipeRequest) check(e *Engine) error {
	p, err := e.ownedPipe(r.app, r.pipe)
	if err != nil {
		return err
	}
	if !isDynamicPipe(p.ID) {
		return fmt.Errorf("%w: static pipe 0x%02X", ErrIgnored, byte(p.ID))
	}
	return nil
}

func (r *deletePipeRequest) execute(e *Engine) error {
	p := e.reg.findPipe(r.pipe)
	return e.issue(&inFlight{
		op:          opDeletePipe,
		pipe:        PipeAdmin,
		target:      r.pipe,
		msgType:     frame.TypeCommand,
		instruction: AdmDeletePipe,
		app:         r.app,
		gate:        p.LocalGate,
	}, []byte{byte(r.pipe)})
}

func (r *deletePipeRequest) fail(e *Engine, st Status) {
	e.deliver(r.app, r.event(EventDeletePipe, st))
}

type getRegistryRequest struct {
	pipeRequest
	index byte
}

func (r *getRegistryRequest) check(e *Engine) error {
	if err := e.requireApp(r.app); err != nil {
		return err
	}
	p := e.reg.findPipe(r.pipe)
	if p == nil {
		return fmt.Errorf("%w: pipe 0x%02X", ErrNotFound, byte(r.pipe))
	}
	if p.State != PipeOpened {
		return fmt.Errorf("%w: pipe 0x%02X", ErrNotOpen, byte(r.pipe))
	}
	return nil
}

func (r *getRegistryRequest) execute(e *Engine) error {
	p := e.reg.findPipe(r.pipe)
	return e.issue(&inFlight{
		op:          opGetRegistry,
		pipe:        r.pipe,
		msgType:     frame.TypeCommand,
		instruction: AnyGetParameter,
		index:       r.index,
		app:         r.app,
		gate:        p.LocalGate,
	}, []byte{r.index})
}

func (r *getRegistryRequest) fail(e *Engine, st Status) {
	ev := r.event(EventGetRegistry, st)
	ev.Index = r.index
	e.deliver(r.app, ev)
}

type setRegistryRequest struct {
	data []byte
	pipeRequest
	index byte
}

func (r *setRegistryRequest) check(e *Engine) error {
	_, err := e.openPipe(r.app, r.pipe)
	return err
}

func (r *setRegistryRequest) execute(e *Engine) error {
	p := e.reg.findPipe(r.pipe)
	payload := append([]byte{r.index}, r.data...)
	return e.issue(&inFlight{
		op:          opSetRegistry,
		pipe:        r.pipe,
		msgType:     frame.TypeCommand,
		instruction: AnySetParameter,
		index:       r.index,
		app:         r.app,
		gate:        p.LocalGate,
	}, payload)
}

func (r *setRegistryRequest) fail(e *Engine, st Status) {
	ev := r.event(EventSetRegistry, st)
	ev.Index = r.index
	e.deliver(r.app, ev)
}

type sendCommandRequest struct {
	data []byte
	pipeRequest
	timeout time.Duration
	cmd     byte
}

func (r *sendCommandRequest) check(e *Engine) error {
	if r.cmd > frame.InstructionMask {
		return fmt.Errorf("%w: command 0x%02X", ErrInvalidParameter, r.cmd)
	}
	_, err := e.openPipe(r.app, r.pipe)
	return err
}

func (r *sendCommandRequest) execute(e *Engine) error {
	p := e.reg.findPipe(r.pipe)
	err := e.issue(&inFlight{
		op:          opCommand,
		pipe:        r.pipe,
		msgType:     frame.TypeCommand,
		instruction: r.cmd,
		app:         r.app,
		gate:        p.LocalGate,
		timeout:     r.timeout,
	}, r.data)
	if err != nil {
		return err
	}
	ev := r.event(EventCmdSent, StatusOK)
	ev.Instruction = r.cmd
	e.deliver(r.app, ev)
	return nil
}

func (r *sendCommandRequest) fail(e *Engine, st Status) {
	ev := r.event(EventCmdSent, st)
	ev.Instruction = r.cmd
	e.deliver(r.app, ev)
}

type sendEventRequest struct {
	data []byte
	pipeRequest
	timeout     time.Duration
	evt         byte
	expectReply bool
}

func (r *sendEventRequest) check(e *Engine) error {
	if r.evt > frame.InstructionMask {
		return fmt.Errorf("%w: event 0x%02X", ErrInvalidParameter, r.evt)
	}
	_, err := e.openPipe(r.app, r.pipe)
	return err
}

func (r *sendEventRequest) execute(e *Engine) error {
	var err error
	if r.expectReply {
		p := e.reg.findPipe(r.pipe)
		err = e.issue(&inFlight{
			op:          opEvent,
			pipe:        r.pipe,
			msgType:     frame.TypeEvent,
			instruction: r.evt,
			app:         r.app,
			gate:        p.LocalGate,
			timeout:     r.timeout,
		}, r.data)
	} else {
		err = e.send(r.pipe, frame.TypeEvent, r.evt, r.data)
	}
	if err != nil {
		return err
	}
	ev := r.event(EventEventSent, StatusOK)
	ev.Instruction = r.evt
	e.deliver(r.app, ev)
	return nil
}

func (r *sendEventRequest) fail(e *Engine, st Status) {
	ev := r.event(EventEventSent, st)
	ev.Instruction = r.evt
	e.deliver(r.app, ev)
}

type hostListRequest struct {
	app Handle
}

func (r *hostListRequest) check(e *Engine) error {
	if r.app == HandleNone {
		return nil
	}
	return e.requireApp(r.app)
}

func (r *hostListRequest) execute(e *Engine) error {
	return e.issue(&inFlight{
		op:          opHostList,
		pipe:        PipeAdmin,
		msgType:     frame.TypeCommand,
		instruction: AnyGetParameter,
		index:       RegHostList,
		app:         r.app,
	}, []byte{RegHostList})
}

func (r *hostListRequest) fail(e *Engine, st Status) {
	e.deliver(r.app, Event{Kind: EventHostList, Status: st})
}

type restoreRequest struct{}

func (*restoreRequest) check(*Engine) error {
	return nil
}

func (*restoreRequest) execute(e *Engine) error {
	if !e.setState(StateRestore) {
		return fmt.Errorf("%w: cannot restore from %s", ErrBusy, e.state)
	}
	e.beginBootstrap()
	return nil
}

func (*restoreRequest) fail(e *Engine, st Status) {
	e.broadcast(Event{Kind: EventRestoreComplete, Status: st})
}
