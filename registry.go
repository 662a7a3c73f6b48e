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

	"github.com/pion/logging"
)

// PipeState is the open state of a pipe.
type PipeState byte

// Pipe states
const (
	PipeClosed PipeState = 0x00
	PipeOpened PipeState = 0x01
)

func (s PipeState) String() string {
	if s == PipeOpened {
		return "opened"
	}
	return "closed"
}

// Gate is a local endpoint. ID 0 marks a free entry.
type Gate struct {
	ID    GateID
	Owner Handle
	pipes pipeSet
}

// PipeCount returns the number of pipes attached to the gate.
func (g Gate) PipeCount() int {
	return g.pipes.count()
}

// Pipe connects a local gate to a gate on a remote host. ID 0 marks a free
// entry.
type Pipe struct {
	ID        PipeID
	State     PipeState
	LocalGate GateID
	DestHost  HostID
	DestGate  GateID
}

// registry holds the fixed-capacity application, host, gate and pipe
// tables. Every mutation raises dirty.
type registry struct {
	log   logging.LeveledLogger
	apps  []App
	hosts []Host
	gates []Gate
	pipes []Pipe
	// idPipes tracks pipes terminating at the identity management gate,
	// which has no entry in the gate table.
	idPipes pipeSet
	dirty   bool
}

func newRegistry(cfg *Config, log logging.LeveledLogger) *registry {
	r := &registry{
		log:   log,
		apps:  make([]App, cfg.MaxApps),
		hosts: make([]Host, cfg.MaxHosts),
		gates: make([]Gate, cfg.MaxGates),
		pipes: make([]Pipe, cfg.MaxPipes),
	}
	for _, h := range cfg.Hosts {
		r.hostSlot(h)
	}
	return r
}

// allocGate allocates id for owner, or the first free generic gate when id
// is GateAuto. An id that is already allocated returns the existing entry.
func (r *registry) allocGate(id GateID, owner Handle) (*Gate, error) {
	if !r.isApp(owner) && (id == GateAuto || !isWellKnownGate(id)) {
		return nil, fmt.Errorf("%w: owner 0x%04X for gate 0x%02X", ErrNotFound, uint16(owner), byte(id))
	}

	if id == GateAuto {
		id = r.freeGenericGate()
		if id == GateAuto {
			return nil, fmt.Errorf("%w: no free generic gate id", ErrResourceExhausted)
		}
	} else if g := r.findGate(id); g != nil {
		return g, nil
	}

	for i := range r.gates {
		if r.gates[i].ID != 0 {
			continue
		}
		r.gates[i] = Gate{ID: id, Owner: owner}
		r.dirty = true
		r.log.Debugf("allocated gate 0x%02X for 0x%04X", byte(id), uint16(owner))
		return &r.gates[i], nil
	}
	return nil, fmt.Errorf("%w: gate table full", ErrResourceExhausted)
}

// restoreGate re-creates a persisted gate for owner without checking that
// owner has registered yet.
func (r *registry) restoreGate(id GateID, owner Handle) (*Gate, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: gate id 0", ErrInvalidParameter)
	}
	if g := r.findGate(id); g != nil {
		g.Owner = owner
		return g, nil
	}
	for i := range r.gates {
		if r.gates[i].ID == 0 {
			r.gates[i] = Gate{ID: id, Owner: owner}
			return &r.gates[i], nil
		}
	}
	return nil, fmt.Errorf("%w: gate table full", ErrResourceExhausted)
}

func (r *registry) freeGenericGate() GateID {
	for id := FirstGenericGate; ; id++ {
		if id != GateConnectivity && r.findGate(id) == nil {
			return id
		}
		if id == LastGenericGate {
			return GateAuto
		}
	}
}

// releaseGate frees the gate entry. Pipes still on the gate are not touched.
func (r *registry) releaseGate(id GateID) {
	g := r.findGate(id)
	if g == nil {
		r.log.Warnf("release of unknown gate 0x%02X", byte(id))
		return
	}
	*g = Gate{}
	r.dirty = true
}

func (r *registry) findPipeSlot(id PipeID) int {
	if id == 0 {
		return -1
	}
	for i := range r.pipes {
		if r.pipes[i].ID == id {
			return i
		}
	}
	return -1
}

// allocPipe returns a table entry for id. An existing dynamic pipe with the
// same id is released first; an existing static pipe is returned as is.
func (r *registry) allocPipe(id PipeID) (*Pipe, int, error) {
	if id == 0 || id > MaxPipeID {
		return nil, -1, fmt.Errorf("%w: pipe id 0x%02X", ErrInvalidParameter, byte(id))
	}
	if slot := r.findPipeSlot(id); slot >= 0 {
		if !isDynamicPipe(id) {
			return &r.pipes[slot], slot, nil
		}
		r.log.Debugf("reallocating pipe 0x%02X", byte(id))
		_ = r.releasePipe(id)
	}
	for i := range r.pipes {
		if r.pipes[i].ID != 0 {
			continue
		}
		r.pipes[i] = Pipe{ID: id}
		r.dirty = true
		return &r.pipes[i], i, nil
	}
	return nil, -1, ErrNoPipesAvailable
}

// attachPipe creates pipe id between localGate and (destHost, destGate).
func (r *registry) attachPipe(id PipeID, localGate GateID, destHost HostID, destGate GateID) (*Pipe, error) {
	var set *pipeSet
	if localGate == GateIdentityManagement {
		set = &r.idPipes
	} else {
		g := r.findGate(localGate)
		if g == nil {
			return nil, fmt.Errorf("%w: gate 0x%02X", ErrNotFound, byte(localGate))
		}
		set = &g.pipes
	}

	p, slot, err := r.allocPipe(id)
	if err != nil {
		return nil, err
	}
	if p.LocalGate != 0 && p.LocalGate != localGate {
		r.detachSlot(p.LocalGate, slot)
	}
	p.LocalGate = localGate
	p.DestHost = destHost
	p.DestGate = destGate
	set.attach(slot)
	r.dirty = true
	r.log.Debugf("pipe 0x%02X attached: gate 0x%02X -> host 0x%02X gate 0x%02X",
		byte(id), byte(localGate), byte(destHost), byte(destGate))
	return p, nil
}

func (r *registry) detachSlot(gate GateID, slot int) {
	if gate == GateIdentityManagement {
		r.idPipes.detach(slot)
		return
	}
	if g := r.findGate(gate); g != nil {
		g.pipes.detach(slot)
	}
}

// releasePipe frees a dynamic pipe. Static ids above the dynamic range are
// never released and return ErrIgnored.
func (r *registry) releasePipe(id PipeID) error {
	if id > LastDynamicPipe {
		return ErrIgnored
	}
	return r.dropPipe(id)
}

// dropPipe frees any pipe entry, static ones included.
func (r *registry) dropPipe(id PipeID) error {
	slot := r.findPipeSlot(id)
	if slot < 0 {
		return fmt.Errorf("%w: pipe 0x%02X", ErrNotFound, byte(id))
	}
	r.detachSlot(r.pipes[slot].LocalGate, slot)
	r.pipes[slot] = Pipe{}
	r.dirty = true
	return nil
}

// releaseDynamicPipes drops every pipe in the dynamic range.
func (r *registry) releaseDynamicPipes() {
	for i := range r.pipes {
		if isDynamicPipe(r.pipes[i].ID) {
			_ = r.dropPipe(r.pipes[i].ID)
		}
	}
}

func (r *registry) findPipe(id PipeID) *Pipe {
	slot := r.findPipeSlot(id)
	if slot < 0 {
		return nil
	}
	return &r.pipes[slot]
}

func (r *registry) findGate(id GateID) *Gate {
	if id == 0 {
		return nil
	}
	for i := range r.gates {
		if r.gates[i].ID == id {
			return &r.gates[i]
		}
	}
	return nil
}

func (r *registry) findGateByOwner(owner Handle) *Gate {
	for i := range r.gates {
		if r.gates[i].ID != 0 && r.gates[i].Owner == owner {
			return &r.gates[i]
		}
	}
	return nil
}

// gatesOwnedBy returns the ids of every gate owned by owner.
func (r *registry) gatesOwnedBy(owner Handle) []GateID {
	var out []GateID
	for _, g := range r.gates {
		if g.ID != 0 && g.Owner == owner {
			out = append(out, g.ID)
		}
	}
	return out
}

// pipeOwner returns the owner of the gate a pipe is attached to.
func (r *registry) pipeOwner(p *Pipe) Handle {
	if g := r.findGate(p.LocalGate); g != nil {
		return g.Owner
	}
	return HandleNone
}

func (r *registry) findPipeByOwner(owner Handle) *Pipe {
	for i := range r.pipes {
		if r.pipes[i].ID != 0 && r.pipeOwner(&r.pipes[i]) == owner {
			return &r.pipes[i]
		}
	}
	return nil
}

// findPipeOnGate returns the first pipe of gate, optionally restricted to
// pipes whose destination host is active.
func (r *registry) findPipeOnGate(gate GateID, activeOnly bool) *Pipe {
	for i := range r.pipes {
		p := &r.pipes[i]
		if p.ID == 0 || p.LocalGate != gate {
			continue
		}
		if activeOnly && !r.isHostActive(p.DestHost) {
			continue
		}
		return p
	}
	return nil
}

func (r *registry) findActivePipeOnGate(gate GateID) *Pipe {
	return r.findPipeOnGate(gate, true)
}

// findPipeTo returns the dynamic pipe between localGate and (host, gate).
func (r *registry) findPipeTo(localGate GateID, host HostID, gate GateID) *Pipe {
	for i := range r.pipes {
		p := &r.pipes[i]
		if isDynamicPipe(p.ID) && p.LocalGate == localGate && p.DestHost == host && p.DestGate == gate {
			return p
		}
	}
	return nil
}

func (r *registry) countPipesOnGate(gate GateID) int {
	n := 0
	for _, p := range r.pipes {
		if p.ID != 0 && p.LocalGate == gate {
			n++
		}
	}
	return n
}

func (r *registry) countOpenPipesOnGate(gate GateID) int {
	n := 0
	for _, p := range r.pipes {
		if p.ID != 0 && p.LocalGate == gate && p.State == PipeOpened {
			n++
		}
	}
	return n
}

// pipesToHost returns the ids of every pipe terminating at host.
func (r *registry) pipesToHost(host HostID) []PipeID {
	var out []PipeID
	for _, p := range r.pipes {
		if p.ID != 0 && p.DestHost == host {
			out = append(out, p.ID)
		}
	}
	return out
}

// gateIDs lists allocated gate ids in table order.
func (r *registry) gateIDs() []byte {
	var out []byte
	for _, g := range r.gates {
		if g.ID != 0 {
			out = append(out, byte(g.ID))
		}
	}
	return out
}

// consistent checks that every gate's pipe set matches the pipe table.
func (r *registry) consistent() bool {
	for _, g := range r.gates {
		if g.ID == 0 {
			continue
		}
		for slot, p := range r.pipes {
			attached := p.ID != 0 && p.LocalGate == g.ID
			if attached != g.pipes.contains(slot) {
				return false
			}
		}
	}
	for slot, p := range r.pipes {
		attached := p.ID != 0 && p.LocalGate == GateIdentityManagement
		if attached != r.idPipes.contains(slot) {
			return false
		}
	}
	return true
}
