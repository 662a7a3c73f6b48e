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
	"encoding/binary"

	"github.com/ZaparooProject/go-hci/internal/frame"
)

// bootStep is one admin-pipe exchange of the bootstrap.
type bootStep int

const (
	bootOpenAdmin bootStep = iota
	bootGetHostType
	bootSetHostType
	bootGetSession
	bootSetSession
	bootSetWhitelist
	bootGetHostList
)

var bootStepNames = [...]string{
	bootOpenAdmin:    "open admin pipe",
	bootGetHostType:  "get host type",
	bootSetHostType:  "set host type",
	bootGetSession:   "get session identity",
	bootSetSession:   "set session identity",
	bootSetWhitelist: "set whitelist",
	bootGetHostList:  "get host list",
}

func (s bootStep) String() string {
	return bootStepNames[s]
}

// bootstrap tracks one run of the admin bootstrap.
type bootstrap struct {
	step bootStep
	// resume is the step retried after the admin pipe was re-opened.
	resume     bootStep
	newSession [SessionIDLen]byte
	reopened   bool
	waited     bool
}

func (e *Engine) restoring() bool {
	return e.state == StateRestore || e.state == StateRestoreNetworkEnable
}

func (e *Engine) waitingForNetwork() bool {
	return e.state == StateWaitNetworkEnable || e.state == StateRestoreNetworkEnable
}

func (e *Engine) beginBootstrap() {
	e.boot = &bootstrap{}
	e.log.Infof("admin bootstrap started (%s)", e.state)
	e.bootSend(bootOpenAdmin)
}

func (e *Engine) bootSend(step bootStep) {
	b := e.boot
	b.step = step

	f := &inFlight{
		op:      opBootstrap,
		pipe:    PipeAdmin,
		msgType: frame.TypeCommand,
		app:     HandleNone,
	}
	var payload []byte
	switch step {
	case bootOpenAdmin:
		f.instruction = AnyOpenPipe
	case bootGetHostType:
		f.instruction, f.index = AnyGetParameter, RegHostType
		payload = []byte{RegHostType}
	case bootSetHostType:
		f.instruction, f.index = AnySetParameter, RegHostType
		payload = append([]byte{RegHostType}, DHHostType...)
	case bootGetSession:
		f.instruction, f.index = AnyGetParameter, RegSessionIdentity
		payload = []byte{RegSessionIdentity}
	case bootSetSession:
		f.instruction, f.index = AnySetParameter, RegSessionIdentity
		payload = append([]byte{RegSessionIdentity}, b.newSession[:]...)
	case bootSetWhitelist:
		f.instruction, f.index = AnySetParameter, RegWhitelist
		payload = append([]byte{RegWhitelist}, e.config.whitelist()...)
	case bootGetHostList:
		f.instruction, f.index = AnyGetParameter, RegHostList
		payload = []byte{RegHostList}
	}

	e.log.Debugf("bootstrap: %s", step)
	if err := e.issue(f, payload); err != nil {
		e.log.Errorf("bootstrap %s failed: %v", step, err)
		e.bootFail(StatusFromError(err))
	}
}

// bootResponse advances the bootstrap on the response to the current step.
func (e *Engine) bootResponse(code byte, data []byte) {
	b := e.boot
	if b == nil {
		return
	}

	if code == AnyEPipeNotOpened && b.step != bootOpenAdmin && !b.reopened {
		e.log.Infof("admin pipe not open during %s, re-opening", b.step)
		b.reopened = true
		b.resume = b.step
		e.adminPipe = PipeClosed
		e.bootSend(bootOpenAdmin)
		return
	}

	switch b.step {
	case bootOpenAdmin:
		if code != AnyOK {
			e.bootReject(code)
			return
		}
		e.adminPipe = PipeOpened
		if b.reopened && b.resume != bootOpenAdmin {
			next := b.resume
			b.resume = bootOpenAdmin
			e.bootSend(next)
			return
		}
		e.bootSend(bootGetHostType)

	case bootGetHostType:
		// The revision is inferred from whether HOST_TYPE exists at all.
		switch code {
		case AnyOK:
			e.adminRev = AdminRevisionV12
			e.bootSend(bootSetHostType)
		case AnyERegParUnknown:
			e.adminRev = AdminRevisionLegacy
			e.log.Infof("legacy admin gate, skipping host type")
			e.bootSend(bootGetSession)
		default:
			e.bootReject(code)
		}

	case bootSetHostType:
		if code != AnyOK {
			e.bootReject(code)
			return
		}
		e.bootSend(bootGetSession)

	case bootGetSession:
		if code != AnyOK || len(data) < SessionIDLen {
			e.bootReject(code)
			return
		}
		var got [SessionIDLen]byte
		copy(got[:], data)
		if got == e.sessionID && got != DefaultSessionID {
			e.log.Infof("session % X unchanged, keeping pipes", got[:])
			e.bootSend(bootSetWhitelist)
			return
		}
		b.newSession = newSessionID(e.tick(), e.sessionID)
		e.log.Infof("new host network, session % X", b.newSession[:])
		e.dropSessionPipes()
		e.bootSend(bootSetSession)

	case bootSetSession:
		if code != AnyOK {
			e.bootReject(code)
			return
		}
		e.sessionID = b.newSession
		e.reg.dirty = true
		e.bootSend(bootSetWhitelist)

	case bootSetWhitelist:
		if code != AnyOK {
			e.bootReject(code)
			return
		}
		e.bootSend(bootGetHostList)

	case bootGetHostList:
		if code != AnyOK {
			e.bootReject(code)
			return
		}
		complete := e.applyHostList(data)
		if !complete && !b.waited && e.config.NetworkInitTimeout > 0 {
			b.waited = true
			next := StateWaitNetworkEnable
			if e.restoring() {
				next = StateRestoreNetworkEnable
			}
			e.log.Infof("waiting %v for missing hosts", e.config.NetworkInitTimeout)
			e.setState(next)
			e.timer.Start(TimerNetworkInit, e.config.NetworkInitTimeout)
			return
		}
		e.bootComplete()
	}
}

// networkReady re-reads the host list after a hot plug, a pipe-clear
// notification or the network-init timeout.
func (e *Engine) networkReady() {
	if e.boot == nil || e.inFlight != nil {
		return
	}
	e.timer.Stop()
	e.bootSend(bootGetHostList)
}

func (e *Engine) bootReject(code byte) {
	e.log.Errorf("bootstrap %s rejected: %s", e.boot.step, ResponseName(code))
	e.bootFail(StatusRejected)
}

// dropSessionPipes releases the dynamic pipes of the previous host network
// and reports each one to its owner. Gates stay with their applications.
func (e *Engine) dropSessionPipes() {
	var dropped []Event
	for i := range e.reg.pipes {
		p := &e.reg.pipes[i]
		if !isDynamicPipe(p.ID) {
			continue
		}
		if owner := e.reg.pipeOwner(p); owner != HandleNone {
			dropped = append(dropped, Event{
				Kind: EventDeletePipe, Status: StatusOK, Remote: true, Handle: owner,
				Pipe: p.ID, Gate: p.LocalGate, DestHost: p.DestHost, DestGate: p.DestGate,
			})
		}
	}
	e.reg.releaseDynamicPipes()
	for _, ev := range dropped {
		e.deliver(ev.Handle, ev)
	}
}

func (e *Engine) bootFail(st Status) {
	kind := EventInitComplete
	if e.restoring() {
		kind = EventRestoreComplete
	}
	e.timer.Stop()
	e.inFlight = nil
	e.boot = nil
	e.setState(StateDisabled)
	e.failQueued(StatusFailed)
	e.broadcast(Event{Kind: kind, Status: st})
}

func (e *Engine) bootComplete() {
	kind := EventInitComplete
	if e.restoring() {
		kind = EventRestoreComplete
	}
	e.timer.Stop()
	e.boot = nil
	e.setState(StateIdle)
	e.log.Infof("host network up, active hosts % X", hostBytes(e.reg.activeHosts()))
	e.broadcast(Event{Kind: kind, Status: StatusOK, Hosts: e.reg.activeHosts()})
}

// applyHostList records a HOST_LIST value and reports whether every
// whitelisted host is present.
func (e *Engine) applyHostList(data []byte) bool {
	list := make([]HostID, len(data))
	for i, b := range data {
		list[i] = HostID(b)
	}
	e.reg.setHostList(list)
	for _, h := range e.config.Hosts {
		if !e.reg.isHostActive(h) {
			return false
		}
	}
	return true
}

// newSessionID builds a session identity from the low 32 bits of a
// monotonic tick and the first half of the previous identity.
func newSessionID(tick uint32, prev [SessionIDLen]byte) [SessionIDLen]byte {
	var id [SessionIDLen]byte
	binary.LittleEndian.PutUint32(id[:4], tick)
	copy(id[4:], prev[:4])
	if id == DefaultSessionID {
		id[0] = 0
	}
	return id
}

func hostBytes(hosts []HostID) []byte {
	out := make([]byte, len(hosts))
	for i, h := range hosts {
		out[i] = byte(h)
	}
	return out
}
