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

	"github.com/pion/logging"

	"github.com/ZaparooProject/go-hci/internal/frame"
)

// AdminRevision is the admin gate revision inferred during bootstrap.
type AdminRevision int

// Admin gate revisions
const (
	AdminRevisionUnknown AdminRevision = iota
	// AdminRevisionLegacy gates reject the HOST_TYPE registry.
	AdminRevisionLegacy
	// AdminRevisionV12 gates accept HOST_TYPE (ETSI TS 102 622 v12).
	AdminRevisionV12
)

func (r AdminRevision) String() string {
	switch r {
	case AdminRevisionLegacy:
		return "legacy"
	case AdminRevisionV12:
		return "v12"
	default:
		return "unknown"
	}
}

// Engine is the HCI protocol engine: gate and pipe registry, HCP framing,
// command correlation, admin bootstrap and dispatch.
//
// Thread Safety: Engine is NOT thread-safe. Every method must be called from
// one goroutine, and callbacks run on that goroutine. Controller owns an
// Engine and serialises access to it.
type Engine struct {
	transport  Transport
	timer      Timer
	log        logging.LeveledLogger
	config     *Config
	metrics    *Metrics
	pool       *frame.Pool
	reasm      *frame.Reassembler
	reg        *registry
	inFlight   *inFlight
	removal    *removal
	boot       *bootstrap
	debug      *debugResponder
	tick       func() uint32
	apiQueue   []request
	resetQueue []request
	selfQueue  [][]byte
	sessionID  [SessionIDLen]byte
	state      State
	adminRev   AdminRevision
	adminPipe  PipeState
	pumping    bool
}

// New creates an engine bound to transport. The engine starts Disabled;
// call Start to run the admin bootstrap.
func New(transport Transport, opts ...Option) (*Engine, error) {
	config, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	return newEngine(transport, config)
}

func newEngine(transport Transport, config *Config) (*Engine, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidParameter)
	}
	maxPacket := transport.MaxPacketSize()
	if maxPacket < frame.MinPacketSize {
		return nil, fmt.Errorf("%w: transport packet size %d", ErrInvalidParameter, maxPacket)
	}

	factory := config.LoggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	timer := config.Timer
	if timer == nil {
		timer = noopTimer{}
	}
	tick := config.Tick
	if tick == nil {
		start := time.Now()
		tick = func() uint32 {
			return uint32(time.Since(start).Milliseconds())
		}
	}

	e := &Engine{
		transport: transport,
		timer:     timer,
		log:       factory.NewLogger("hci"),
		config:    config,
		metrics:   config.Metrics,
		pool:      frame.NewPool(config.BufferCount, maxPacket),
		reasm:     frame.NewReassembler(),
		reg:       newRegistry(config, factory.NewLogger("hci-registry")),
		tick:      tick,
		sessionID: DefaultSessionID,
	}
	if config.DebugLoopback {
		e.debug = newDebugResponder(config)
	}

	for _, id := range []GateID{GateLoopback, GateConnectivity} {
		if _, err := e.reg.allocGate(id, HandleNone); err != nil {
			return nil, fmt.Errorf("failed to allocate gate 0x%02X: %w", byte(id), err)
		}
	}
	e.reg.dirty = false
	return e, nil
}

// Start runs the admin bootstrap. Completion is reported to the system
// callback and every application as EventInitComplete.
func (e *Engine) Start() error {
	if e.state != StateDisabled {
		return fmt.Errorf("%w: engine is %s", ErrBusy, e.state)
	}
	e.setState(StateStartup)
	e.beginBootstrap()
	e.pump()
	return nil
}

// Stop disables the engine. The in-flight command, a pending gate removal
// or deregistration, a running bootstrap and every queued request are
// reported to their callers with StatusFailed.
func (e *Engine) Stop() {
	if e.state == StateDisabled {
		return
	}
	f, r := e.inFlight, e.removal
	booting := e.state.bootstrapping()
	bootKind := EventInitComplete
	if e.restoring() {
		bootKind = EventRestoreComplete
	}

	e.timer.Stop()
	e.inFlight = nil
	e.boot = nil
	e.removal = nil
	e.selfQueue = nil
	e.reasm.Reset()
	e.adminPipe = PipeClosed
	e.setState(StateDisabled)

	switch {
	case booting:
		e.broadcast(Event{Kind: bootKind, Status: StatusFailed})
	case f != nil:
		e.completeFailure(f, StatusFailed)
	}
	if r != nil {
		if r.deregister {
			e.deliver(r.app, Event{Kind: EventDeregister, Status: StatusFailed})
		} else {
			e.deliver(r.app, Event{Kind: EventDeallocateGate, Status: StatusFailed, Gate: r.gates[0]})
		}
	}
	e.failQueued(StatusFailed)
}

// State returns the current engine state.
func (e *Engine) State() State {
	return e.state
}

// Busy reports whether a command is awaiting its response.
func (e *Engine) Busy() bool {
	return e.inFlight != nil
}

// SessionID returns the session identity of the current host network.
func (e *Engine) SessionID() [SessionIDLen]byte {
	return e.sessionID
}

// AdminRevision returns the admin gate revision seen during bootstrap.
func (e *Engine) AdminRevision() AdminRevision {
	return e.adminRev
}

// QueueLen returns the number of requests waiting in the API queue and the
// host-reset queue.
func (e *Engine) QueueLen() (api, reset int) {
	return len(e.apiQueue), len(e.resetQueue)
}

// Dirty reports whether the tables changed since the last ClearDirty.
func (e *Engine) Dirty() bool {
	return e.reg.dirty
}

// ClearDirty acknowledges that the tables were persisted.
func (e *Engine) ClearDirty() {
	e.reg.dirty = false
}

// IsHostActive reports whether host was in the last host list.
func (e *Engine) IsHostActive(host HostID) bool {
	return e.reg.isHostActive(host)
}

// IsHostResetting reports whether requests to host are being deferred.
func (e *Engine) IsHostResetting(host HostID) bool {
	return e.reg.isHostResetting(host)
}

// Hosts returns a copy of the host table.
func (e *Engine) Hosts() []Host {
	var out []Host
	for _, h := range e.reg.hosts {
		if h.ID != HostController {
			out = append(out, h)
		}
	}
	return out
}

// Gates returns a copy of every allocated gate.
func (e *Engine) Gates() []Gate {
	var out []Gate
	for _, g := range e.reg.gates {
		if g.ID != 0 {
			out = append(out, g)
		}
	}
	return out
}

// Pipes returns a copy of every allocated pipe.
func (e *Engine) Pipes() []Pipe {
	var out []Pipe
	for _, p := range e.reg.pipes {
		if p.ID != 0 {
			out = append(out, p)
		}
	}
	return out
}

// FindPipe returns the pipe with id.
func (e *Engine) FindPipe(id PipeID) (Pipe, bool) {
	if p := e.reg.findPipe(id); p != nil {
		return *p, true
	}
	return Pipe{}, false
}

// FindGate returns the gate with id.
func (e *Engine) FindGate(id GateID) (Gate, bool) {
	if g := e.reg.findGate(id); g != nil {
		return *g, true
	}
	return Gate{}, false
}

// SetHostResetting marks host as resetting for reason. Requests to pipes
// on host are deferred until HostResetComplete clears every reason.
func (e *Engine) SetHostResetting(host HostID, reason ResetType) error {
	h := e.reg.hostSlot(host)
	if h == nil {
		return fmt.Errorf("%w: host table full", ErrResourceExhausted)
	}
	h.ResetMask |= reason
	e.log.Infof("host 0x%02X resetting (mask 0x%02X)", byte(host), byte(h.ResetMask))
	return nil
}

// HostResetComplete clears reason on host and resumes deferred requests
// once no host is resetting.
func (e *Engine) HostResetComplete(host HostID, reason ResetType) {
	h := e.reg.findHost(host)
	if h == nil {
		return
	}
	h.ResetMask &^= reason
	e.flushResetQueue()
	e.pump()
}

func (e *Engine) flushResetQueue() {
	if e.reg.anyHostResetting() || len(e.resetQueue) == 0 {
		return
	}
	e.log.Debugf("resuming %d deferred requests", len(e.resetQueue))
	e.apiQueue = append(e.resetQueue, e.apiQueue...)
	e.resetQueue = nil
}

// deliver sends ev to the application h, or to the system callback when h
// is not a live application.
func (e *Engine) deliver(h Handle, ev Event) {
	ev.Handle = h
	if app := e.reg.findApp(h); app != nil && app.Callback != nil {
		app.Callback(ev)
		return
	}
	if e.config.SystemCallback != nil {
		e.config.SystemCallback(ev)
		return
	}
	e.log.Debugf("no receiver for %s", ev)
}

// broadcast sends ev to the system callback and every application.
func (e *Engine) broadcast(ev Event) {
	if e.config.SystemCallback != nil {
		sys := ev
		sys.Handle = HandleNone
		e.config.SystemCallback(sys)
	}
	for i := range e.reg.apps {
		app := &e.reg.apps[i]
		if app.Callback == nil {
			continue
		}
		appEv := ev
		appEv.Handle = app.Handle
		app.Callback(appEv)
	}
}

// submit is the single entry point for queued requests.
func (e *Engine) submit(req request) error {
	if e.state == StateDisabled {
		return ErrDisabled
	}
	if err := req.check(e); err != nil {
		return err
	}
	e.enqueue(req)
	e.pump()
	return nil
}

func (e *Engine) enqueue(req request) {
	if host, ok := targetHost(e, req); ok && e.reg.isHostResetting(host) {
		e.log.Debugf("host 0x%02X resetting, deferring request", byte(host))
		e.resetQueue = append(e.resetQueue, req)
		return
	}
	e.apiQueue = append(e.apiQueue, req)
}

// pump processes loopback traffic and drains the API queue while the engine
// is idle. It returns once a command is in flight or nothing is runnable.
func (e *Engine) pump() {
	if e.pumping {
		return
	}
	e.pumping = true
	defer func() {
		e.pumping = false
		e.metrics.queueDepth(len(e.apiQueue), len(e.resetQueue))
	}()

	for {
		if len(e.selfQueue) > 0 {
			seg := e.selfQueue[0]
			e.selfQueue = e.selfQueue[1:]
			e.receive(seg)
			continue
		}
		if e.state != StateIdle || e.inFlight != nil || len(e.apiQueue) == 0 {
			return
		}
		req := e.apiQueue[0]
		e.apiQueue = e.apiQueue[1:]
		if host, ok := targetHost(e, req); ok && e.reg.isHostResetting(host) {
			e.resetQueue = append(e.resetQueue, req)
			continue
		}
		e.run(req)
	}
}

func (e *Engine) run(req request) {
	err := req.check(e)
	if err == nil {
		err = req.execute(e)
	}
	if err != nil {
		e.log.Warnf("request failed: %v", err)
		req.fail(e, StatusFromError(err))
	}
}

func (e *Engine) failQueued(st Status) {
	queued := append(e.apiQueue, e.resetQueue...)
	e.apiQueue = nil
	e.resetQueue = nil
	for _, req := range queued {
		req.fail(e, st)
	}
}
