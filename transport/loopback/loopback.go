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

// Package loopback provides an in-process transport that plays the host
// controller and the remote hosts behind it. It speaks HCP exactly like a
// real controller, so the engine can be exercised without hardware.
package loopback

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"

	hci "github.com/ZaparooProject/go-hci"
	"github.com/ZaparooProject/go-hci/internal/frame"
)

const (
	defaultMaxPacket = 32
	outboxSize       = 256
	poolBuffers      = 64
)

// Option configures the loopback controller
type Option func(*Transport)

// WithMaxPacketSize sets the segment size; small values exercise
// fragmentation
func WithMaxPacketSize(n int) Option {
	return func(t *Transport) {
		t.maxPacket = n
	}
}

// WithHosts sets the hosts present in the network besides the controller
// and the device host
func WithHosts(hosts ...hci.HostID) Option {
	return func(t *Transport) {
		t.hosts = slices.Clone(hosts)
	}
}

// WithLegacyAdmin makes the admin gate reject HOST_TYPE like an older
// controller
func WithLegacyAdmin() Option {
	return func(t *Transport) {
		t.legacy = true
	}
}

// WithLoggerFactory sets the logger factory
func WithLoggerFactory(factory logging.LoggerFactory) Option {
	return func(t *Transport) {
		t.loggerFactory = factory
	}
}

// Message is one complete message the device host sent
type Message struct {
	Payload     []byte
	Type        string
	Instruction byte
	Pipe        hci.PipeID
}

type pipeEnd struct {
	registry map[byte][]byte
	host     hci.HostID
	gate     hci.GateID
	opened   bool
}

// Transport implements hci.Transport with a simulated host controller
type Transport struct {
	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger
	receiver      atomic.Pointer[func([]byte)]
	reasm         *frame.Reassembler
	pool          *frame.Pool
	admin         map[byte][]byte
	pipes         map[hci.PipeID]*pipeEnd
	out           chan []byte
	closed        chan struct{}
	done          chan struct{}
	hosts         []hci.HostID
	received      []Message
	maxPacket     int
	mu            sync.Mutex
	closeOnce     sync.Once
	nextPipe      hci.PipeID
	legacy        bool
}

var _ hci.Transport = (*Transport)(nil)

// New starts a loopback controller with a UICC in its network unless
// WithHosts says otherwise
func New(opts ...Option) (*Transport, error) {
	t := &Transport{
		maxPacket: defaultMaxPacket,
		hosts:     []hci.HostID{hci.HostUICC},
		out:       make(chan []byte, outboxSize),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.maxPacket < frame.MinPacketSize {
		return nil, fmt.Errorf("%w: max packet size %d", hci.ErrInvalidParameter, t.maxPacket)
	}
	if t.loggerFactory == nil {
		t.loggerFactory = logging.NewDefaultLoggerFactory()
	}
	t.log = t.loggerFactory.NewLogger("hci-transport-loopback")
	t.pool = frame.NewPool(poolBuffers, t.maxPacket)
	t.reset()

	go t.deliverLoop()
	return t, nil
}

func (t *Transport) reset() {
	t.reasm = frame.NewReassembler()
	t.admin = map[byte][]byte{
		hci.RegSessionIdentity: slices.Clone(hci.DefaultSessionID[:]),
		hci.RegMaxPipe:         {byte(hci.LastDynamicPipe - hci.FirstDynamicPipe + 1)},
		hci.RegHostType:        {0x00, 0x00},
	}
	t.pipes = make(map[hci.PipeID]*pipeEnd)
	t.nextPipe = hci.FirstDynamicPipe
}

// MaxPacketSize returns the segment size
func (t *Transport) MaxPacketSize() int {
	return t.maxPacket
}

// SetReceiver installs the inbound segment callback. Replies are delivered
// from a separate goroutine, never from inside Send.
func (t *Transport) SetReceiver(fn func(seg []byte)) {
	if fn == nil {
		t.receiver.Store(nil)
		return
	}
	t.receiver.Store(&fn)
}

// Send consumes one segment from the device host
func (t *Transport) Send(seg []byte) error {
	select {
	case <-t.closed:
		return hci.NewTransportError("Send", "loopback", hci.ErrTransportClosed, hci.ErrorTypePermanent)
	default:
	}
	if len(seg) > t.maxPacket {
		return hci.NewDataTooLargeError("Send", "loopback")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	m, err := t.reasm.Process(slices.Clone(seg))
	if err != nil {
		return hci.NewTransportError("Send", "loopback", fmt.Errorf("%w: %w", hci.ErrFrameCorrupted, err), hci.ErrorTypePermanent)
	}
	if m == nil {
		return nil
	}
	t.received = append(t.received, Message{
		Pipe:        hci.PipeID(m.Pipe),
		Type:        m.Type.String(),
		Instruction: m.Instruction,
		Payload:     slices.Clone(m.Payload),
	})
	t.handle(m)
	return nil
}

// Close stops delivery
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		<-t.done
	})
	return nil
}

// Type returns the transport type
func (*Transport) Type() hci.TransportType {
	return hci.TransportLoopback
}

func (t *Transport) deliverLoop() {
	defer close(t.done)
	for {
		select {
		case <-t.closed:
			return
		case seg := <-t.out:
			if fn := t.receiver.Load(); fn != nil {
				(*fn)(seg)
			}
		}
	}
}

// enqueue fragments a message towards the device host. Caller holds mu.
func (t *Transport) enqueue(pipe hci.PipeID, ft frame.Type, instruction byte, payload []byte) {
	segs, err := frame.Fragment(byte(pipe), ft, instruction, payload, t.maxPacket, t.pool)
	if err != nil {
		t.log.Errorf("failed to fragment %s 0x%02X: %v", ft, instruction, err)
		return
	}
	defer t.pool.PutAll(segs)
	for _, seg := range segs {
		select {
		case t.out <- slices.Clone(seg):
		default:
			t.log.Warnf("outbox full, dropping segment for pipe 0x%02X", byte(pipe))
		}
	}
}

func (t *Transport) respond(pipe hci.PipeID, code byte, data []byte) {
	t.enqueue(pipe, frame.TypeResponse, code, data)
}

func (t *Transport) handle(m *frame.Message) {
	pipe := hci.PipeID(m.Pipe)
	switch {
	case m.Type == frame.TypeResponse:
		t.log.Tracef("response %s on pipe 0x%02X", hci.ResponseName(m.Instruction), m.Pipe)
	case pipe == hci.PipeAdmin && m.Type == frame.TypeCommand:
		t.adminCommand(m)
	case pipe == hci.PipeAdmin:
		t.log.Debugf("admin event 0x%02X ignored", m.Instruction)
	case m.Type == frame.TypeCommand:
		t.pipeCommand(pipe, m)
	default:
		t.pipeEvent(pipe, m)
	}
}

func (t *Transport) adminCommand(m *frame.Message) {
	switch m.Instruction {
	case hci.AnyOpenPipe, hci.AnyClosePipe:
		t.respond(hci.PipeAdmin, hci.AnyOK, nil)
	case hci.AnyGetParameter:
		if len(m.Payload) < 1 {
			t.respond(hci.PipeAdmin, hci.AnyECmdParUnknown, nil)
			return
		}
		idx := m.Payload[0]
		switch {
		case idx == hci.RegHostType && t.legacy:
			t.respond(hci.PipeAdmin, hci.AnyERegParUnknown, nil)
		case idx == hci.RegHostList:
			t.respond(hci.PipeAdmin, hci.AnyOK, t.hostList())
		default:
			value, ok := t.admin[idx]
			if !ok {
				t.respond(hci.PipeAdmin, hci.AnyERegParUnknown, nil)
				return
			}
			t.respond(hci.PipeAdmin, hci.AnyOK, value)
		}
	case hci.AnySetParameter:
		if len(m.Payload) < 1 {
			t.respond(hci.PipeAdmin, hci.AnyECmdParUnknown, nil)
			return
		}
		idx := m.Payload[0]
		if (idx == hci.RegHostType && t.legacy) || idx == hci.RegHostList {
			t.respond(hci.PipeAdmin, hci.AnyERegAccessDenied, nil)
			return
		}
		t.admin[idx] = slices.Clone(m.Payload[1:])
		t.respond(hci.PipeAdmin, hci.AnyOK, nil)
	case hci.AdmCreatePipe:
		t.createPipe(m.Payload)
	case hci.AdmDeletePipe:
		if len(m.Payload) < 1 {
			t.respond(hci.PipeAdmin, hci.AnyECmdParUnknown, nil)
			return
		}
		delete(t.pipes, hci.PipeID(m.Payload[0]))
		t.respond(hci.PipeAdmin, hci.AnyOK, nil)
	case hci.AdmClearAllPipe:
		for id := range t.pipes {
			if id >= hci.FirstDynamicPipe && id <= hci.LastDynamicPipe {
				delete(t.pipes, id)
			}
		}
		t.respond(hci.PipeAdmin, hci.AnyOK, nil)
	default:
		t.respond(hci.PipeAdmin, hci.AnyECmdNotSupported, nil)
	}
}

// createPipe handles ADM_CREATE_PIPE: [src gate][dest host][dest gate]
func (t *Transport) createPipe(payload []byte) {
	if len(payload) < 3 {
		t.respond(hci.PipeAdmin, hci.AnyECmdParUnknown, nil)
		return
	}
	srcGate, host, gate := payload[0], hci.HostID(payload[1]), hci.GateID(payload[2])
	if !t.hostPresent(host) {
		t.respond(hci.PipeAdmin, hci.AnyENok, nil)
		return
	}
	id, ok := t.allocPipe()
	if !ok {
		t.respond(hci.PipeAdmin, hci.AdmENoPipesAvailable, nil)
		return
	}
	t.pipes[id] = &pipeEnd{host: host, gate: gate, registry: make(map[byte][]byte)}
	t.respond(hci.PipeAdmin, hci.AnyOK, []byte{byte(hci.HostDH), srcGate, byte(host), byte(gate), byte(id)})
}

func (t *Transport) allocPipe() (hci.PipeID, bool) {
	for i := 0; i <= int(hci.LastDynamicPipe-hci.FirstDynamicPipe); i++ {
		id := t.nextPipe
		t.nextPipe++
		if t.nextPipe > hci.LastDynamicPipe {
			t.nextPipe = hci.FirstDynamicPipe
		}
		if _, used := t.pipes[id]; !used {
			return id, true
		}
	}
	return 0, false
}

func (t *Transport) pipeCommand(pipe hci.PipeID, m *frame.Message) {
	p, ok := t.pipes[pipe]
	if !ok {
		if m.Instruction != hci.AnyOpenPipe {
			t.respond(pipe, hci.AnyEPipeNotOpened, nil)
			return
		}
		// static pipes exist without ADM_CREATE_PIPE
		p = &pipeEnd{registry: make(map[byte][]byte)}
		t.pipes[pipe] = p
	}

	switch m.Instruction {
	case hci.AnyOpenPipe:
		p.opened = true
		t.respond(pipe, hci.AnyOK, []byte{0x00})
		return
	case hci.AnyClosePipe:
		p.opened = false
		t.respond(pipe, hci.AnyOK, nil)
		return
	}
	if !p.opened {
		t.respond(pipe, hci.AnyEPipeNotOpened, nil)
		return
	}

	switch m.Instruction {
	case hci.AnyGetParameter:
		if len(m.Payload) < 1 {
			t.respond(pipe, hci.AnyECmdParUnknown, nil)
			return
		}
		value, ok := p.registry[m.Payload[0]]
		if !ok {
			t.respond(pipe, hci.AnyERegParUnknown, nil)
			return
		}
		t.respond(pipe, hci.AnyOK, value)
	case hci.AnySetParameter:
		if len(m.Payload) < 1 {
			t.respond(pipe, hci.AnyECmdParUnknown, nil)
			return
		}
		p.registry[m.Payload[0]] = slices.Clone(m.Payload[1:])
		t.respond(pipe, hci.AnyOK, nil)
	default:
		t.respond(pipe, hci.AnyOK, m.Payload)
	}
}

func (t *Transport) pipeEvent(pipe hci.PipeID, m *frame.Message) {
	p, ok := t.pipes[pipe]
	if !ok || !p.opened {
		t.log.Debugf("event 0x%02X on closed pipe 0x%02X", m.Instruction, byte(pipe))
		return
	}
	if p.gate == hci.GateLoopback && m.Instruction == hci.EvtPostData {
		t.enqueue(pipe, frame.TypeEvent, hci.EvtPostData, m.Payload)
	}
}

func (t *Transport) hostPresent(host hci.HostID) bool {
	return host == hci.HostController || slices.Contains(t.hosts, host)
}

func (t *Transport) hostList() []byte {
	list := []byte{byte(hci.HostController), byte(hci.HostDH)}
	for _, h := range t.hosts {
		list = append(list, byte(h))
	}
	return list
}

// HotPlug replaces the set of remote hosts and signals EVT_HOT_PLUG
func (t *Transport) HotPlug(hosts ...hci.HostID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hosts = slices.Clone(hosts)
	t.enqueue(hci.PipeAdmin, frame.TypeEvent, hci.EvtHotPlug, nil)
}

// CreateRemotePipe has host open a pipe from its gate srcGate to the device
// host's gate dstGate, announced with ADM_NOTIFY_PIPE_CREATED
func (t *Transport) CreateRemotePipe(host hci.HostID, srcGate, dstGate hci.GateID) (hci.PipeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hostPresent(host) {
		return 0, fmt.Errorf("%w: host 0x%02X", hci.ErrNotFound, byte(host))
	}
	id, ok := t.allocPipe()
	if !ok {
		return 0, hci.ErrNoPipesAvailable
	}
	t.pipes[id] = &pipeEnd{host: host, gate: srcGate, opened: true, registry: make(map[byte][]byte)}
	t.enqueue(hci.PipeAdmin, frame.TypeCommand, hci.AdmNotifyPipeCreated,
		[]byte{byte(host), byte(srcGate), byte(hci.HostDH), byte(dstGate), byte(id)})
	return id, nil
}

// DeleteRemotePipe removes a pipe and sends ADM_NOTIFY_PIPE_DELETED
func (t *Transport) DeleteRemotePipe(pipe hci.PipeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pipes, pipe)
	t.enqueue(hci.PipeAdmin, frame.TypeCommand, hci.AdmNotifyPipeDeleted, []byte{byte(pipe)})
}

// ClearAllPipes simulates host resetting: its pipes go away and the
// device host gets ADM_NOTIFY_ALL_PIPE_CLEARED
func (t *Transport) ClearAllPipes(host hci.HostID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.pipes {
		if p.host == host && id >= hci.FirstDynamicPipe && id <= hci.LastDynamicPipe {
			delete(t.pipes, id)
		}
	}
	t.enqueue(hci.PipeAdmin, frame.TypeCommand, hci.AdmNotifyAllPipeClear, []byte{byte(host)})
}

// SendEvent sends an event to the device host on pipe
func (t *Transport) SendEvent(pipe hci.PipeID, event byte, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enqueue(pipe, frame.TypeEvent, event, data)
}

// SendCommand sends a command to the device host on pipe
func (t *Transport) SendCommand(pipe hci.PipeID, cmd byte, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enqueue(pipe, frame.TypeCommand, cmd, data)
}

// PowerCycle forgets the session and every pipe, like a controller reset
func (t *Transport) PowerCycle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

// SessionID returns the session identity the device host last stored
func (t *Transport) SessionID() [hci.SessionIDLen]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sid [hci.SessionIDLen]byte
	copy(sid[:], t.admin[hci.RegSessionIdentity])
	return sid
}

// Whitelist returns the whitelist the device host last stored
func (t *Transport) Whitelist() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.admin[hci.RegWhitelist])
}

// PipeOpen reports whether pipe exists and is open
func (t *Transport) PipeOpen(pipe hci.PipeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pipes[pipe]
	return ok && p.opened
}

// Received returns the messages the device host has sent so far
func (t *Transport) Received() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.received)
}
