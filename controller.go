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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
)

const controllerQueueSize = 64

// Controller runs an Engine on its own goroutine. Inbound segments, timer
// firings and API calls are serialised through one channel in arrival
// order. Methods block until the loop has accepted or rejected the call;
// results arrive on the application callback.
//
// Callbacks run on the loop goroutine. They must not call Controller
// methods synchronously; hand the work to another goroutine instead.
type Controller struct {
	engine    *Engine
	transport Transport
	store     Store
	log       logging.LeveledLogger
	ops       chan func()
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	timer     *actorTimer
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	running   atomic.Bool
	dropped   atomic.Uint64
}

// NewController creates a Controller and its Engine. A configured
// RetryConfig wraps transport in TransportWithRetry. Any configured Timer
// is replaced by the controller's own.
func NewController(transport Transport, opts ...Option) (*Controller, error) {
	config, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidParameter)
	}
	if config.RetryConfig != nil {
		transport = NewTransportWithRetry(transport, config.RetryConfig)
	}

	factory := config.LoggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
		config.LoggerFactory = factory
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		transport: transport,
		store:     config.Store,
		log:       factory.NewLogger("hci-controller"),
		ops:       make(chan func(), controllerQueueSize),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.timer = &actorTimer{c: c}
	config.Timer = c.timer

	c.engine, err = newEngine(transport, config)
	if err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

// Start loads the stored snapshot, starts the loop and runs the admin
// bootstrap. EventInitComplete reports the bootstrap result.
func (c *Controller) Start(ctx context.Context) error {
	err := fmt.Errorf("%w: controller already started", ErrBusy)
	c.startOnce.Do(func() {
		err = c.start(ctx)
	})
	return err
}

func (c *Controller) start(ctx context.Context) error {
	if c.store != nil {
		snap, err := c.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load snapshot: %w", err)
		}
		if err := c.engine.LoadSnapshot(snap); err != nil {
			return fmt.Errorf("failed to apply snapshot: %w", err)
		}
	}

	c.transport.SetReceiver(c.receive)

	c.running.Store(true)
	c.wg.Add(1)
	go c.loop()

	return c.call(ctx, c.engine.Start)
}

// Stop disables the engine, ends the loop and closes the transport.
func (c *Controller) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		if c.running.Load() {
			_ = c.call(ctx, func() error {
				c.timer.Stop()
				c.engine.Stop()
				return nil
			})
		}
		close(c.done)
		c.cancel()
		c.wg.Wait()
		if cerr := c.transport.Close(); cerr != nil {
			err = fmt.Errorf("failed to close transport: %w", cerr)
		}
	})
	return err
}

func (c *Controller) loop() {
	defer c.wg.Done()
	for {
		select {
		case op := <-c.ops:
			op()
			c.persist()
		case <-c.done:
			return
		}
	}
}

// persist saves a snapshot when the last operation changed the tables.
func (c *Controller) persist() {
	if c.store == nil || !c.engine.Dirty() {
		return
	}
	if err := c.store.Save(c.ctx, c.engine.Snapshot()); err != nil {
		c.log.Warnf("failed to save snapshot: %v", err)
		return
	}
	c.engine.ClearDirty()
}

// post hands fn to the loop. It reports false once the controller stopped.
func (c *Controller) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.ops <- fn:
		return true
	case <-c.done:
		return false
	}
}

// receive queues an inbound segment without blocking the transport reader.
// A Send waiting for flow-control credits holds the loop, and the reader
// must stay free to deliver them, so a full queue drops the segment.
func (c *Controller) receive(seg []byte) {
	buf := append([]byte(nil), seg...)
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.ops <- func() { c.engine.HandleSegment(buf) }:
	default:
		c.dropped.Add(1)
		c.engine.metrics.dropped()
		c.log.Warnf("controller queue full, dropped %d byte segment", len(buf))
	}
}

// DroppedSegments returns the number of inbound segments dropped because
// the controller queue was full.
func (c *Controller) DroppedSegments() uint64 {
	return c.dropped.Load()
}

// call runs fn on the loop and waits for its result.
func (c *Controller) call(ctx context.Context, fn func() error) error {
	_, err := callValue(ctx, c, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func callValue[T any](ctx context.Context, c *Controller, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	var zero T
	ch := make(chan result, 1)
	op := func() {
		v, err := fn()
		ch <- result{v, err}
	}

	select {
	case c.ops <- op:
	case <-c.done:
		return zero, ErrControllerStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-ch:
		return r.val, r.err
	case <-c.done:
		return zero, ErrControllerStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Do runs fn against the engine on the loop goroutine.
func (c *Controller) Do(ctx context.Context, fn func(e *Engine) error) error {
	return c.call(ctx, func() error { return fn(c.engine) })
}

// Register adds an application. See Engine.Register.
func (c *Controller) Register(ctx context.Context, name string, cb Callback, forwardConnectivity bool) (Handle, error) {
	return callValue(ctx, c, func() (Handle, error) {
		return c.engine.Register(name, cb, forwardConnectivity)
	})
}

// Deregister removes an application. See Engine.Deregister.
func (c *Controller) Deregister(ctx context.Context, app Handle) error {
	return c.call(ctx, func() error { return c.engine.Deregister(app) })
}

// AllocateGate allocates a gate. See Engine.AllocateGate.
func (c *Controller) AllocateGate(ctx context.Context, app Handle, gate GateID) (GateID, error) {
	return callValue(ctx, c, func() (GateID, error) {
		return c.engine.AllocateGate(app, gate)
	})
}

// DeallocateGate frees a gate. See Engine.DeallocateGate.
func (c *Controller) DeallocateGate(ctx context.Context, app Handle, gate GateID) error {
	return c.call(ctx, func() error { return c.engine.DeallocateGate(app, gate) })
}

// CreatePipe creates a pipe. See Engine.CreatePipe.
func (c *Controller) CreatePipe(ctx context.Context, app Handle, source GateID, host HostID, gate GateID) error {
	return c.call(ctx, func() error { return c.engine.CreatePipe(app, source, host, gate) })
}

// OpenPipe opens a pipe. See Engine.OpenPipe.
func (c *Controller) OpenPipe(ctx context.Context, app Handle, pipe PipeID) error {
	return c.call(ctx, func() error { return c.engine.OpenPipe(app, pipe) })
}

// ClosePipe closes a pipe. See Engine.ClosePipe.
func (c *Controller) ClosePipe(ctx context.Context, app Handle, pipe PipeID) error {
	return c.call(ctx, func() error { return c.engine.ClosePipe(app, pipe) })
}

// DeletePipe deletes a pipe. See Engine.DeletePipe.
func (c *Controller) DeletePipe(ctx context.Context, app Handle, pipe PipeID) error {
	return c.call(ctx, func() error { return c.engine.DeletePipe(app, pipe) })
}

// AddStaticPipe binds a static pipe. See Engine.AddStaticPipe.
func (c *Controller) AddStaticPipe(ctx context.Context, app Handle, host HostID, gate GateID, pipe PipeID) error {
	return c.call(ctx, func() error { return c.engine.AddStaticPipe(app, host, gate, pipe) })
}

// GetRegistry reads a registry parameter. See Engine.GetRegistry.
func (c *Controller) GetRegistry(ctx context.Context, app Handle, pipe PipeID, index byte) error {
	return c.call(ctx, func() error { return c.engine.GetRegistry(app, pipe, index) })
}

// SetRegistry writes a registry parameter. See Engine.SetRegistry.
func (c *Controller) SetRegistry(ctx context.Context, app Handle, pipe PipeID, index byte, data []byte) error {
	data = append([]byte(nil), data...)
	return c.call(ctx, func() error { return c.engine.SetRegistry(app, pipe, index, data) })
}

// SendCommand sends a command. See Engine.SendCommand.
func (c *Controller) SendCommand(ctx context.Context, app Handle, pipe PipeID, cmd byte, data []byte, timeout time.Duration) error {
	data = append([]byte(nil), data...)
	return c.call(ctx, func() error { return c.engine.SendCommand(app, pipe, cmd, data, timeout) })
}

// SendResponse answers a received command. See Engine.SendResponse.
func (c *Controller) SendResponse(ctx context.Context, app Handle, pipe PipeID, code byte, data []byte) error {
	data = append([]byte(nil), data...)
	return c.call(ctx, func() error { return c.engine.SendResponse(app, pipe, code, data) })
}

// SendEvent sends an event. See Engine.SendEvent.
func (c *Controller) SendEvent(ctx context.Context, app Handle, pipe PipeID, evt byte, data []byte, expectReply bool, timeout time.Duration) error {
	data = append([]byte(nil), data...)
	return c.call(ctx, func() error {
		return c.engine.SendEvent(app, pipe, evt, data, expectReply, timeout)
	})
}

// GetHostList refreshes the host list. See Engine.GetHostList.
func (c *Controller) GetHostList(ctx context.Context, app Handle) error {
	return c.call(ctx, func() error { return c.engine.GetHostList(app) })
}

// Restore re-runs the bootstrap. See Engine.Restore.
func (c *Controller) Restore(ctx context.Context) error {
	return c.call(ctx, c.engine.Restore)
}

// SetHostResetting defers requests to host. See Engine.SetHostResetting.
func (c *Controller) SetHostResetting(ctx context.Context, host HostID, reason ResetType) error {
	return c.call(ctx, func() error { return c.engine.SetHostResetting(host, reason) })
}

// HostResetComplete resumes requests to host. See Engine.HostResetComplete.
func (c *Controller) HostResetComplete(ctx context.Context, host HostID, reason ResetType) error {
	return c.call(ctx, func() error {
		c.engine.HostResetComplete(host, reason)
		return nil
	})
}

// IsHostActive reports whether host was in the last host list.
func (c *Controller) IsHostActive(ctx context.Context, host HostID) (bool, error) {
	return callValue(ctx, c, func() (bool, error) {
		return c.engine.IsHostActive(host), nil
	})
}

// IsHostResetting reports whether host is marked as resetting.
func (c *Controller) IsHostResetting(ctx context.Context, host HostID) (bool, error) {
	return callValue(ctx, c, func() (bool, error) {
		return c.engine.IsHostResetting(host), nil
	})
}

// Hosts returns a copy of the host table.
func (c *Controller) Hosts(ctx context.Context) ([]Host, error) {
	return callValue(ctx, c, func() ([]Host, error) {
		return c.engine.Hosts(), nil
	})
}

// State returns the engine state.
func (c *Controller) State(ctx context.Context) (State, error) {
	return callValue(ctx, c, func() (State, error) {
		return c.engine.State(), nil
	})
}

// actorTimer implements Timer by posting firings into the controller loop.
// Start and Stop run on the loop; a firing whose generation is stale is
// discarded there.
type actorTimer struct {
	c     *Controller
	timer *time.Timer
	gen   uint64
}

func (t *actorTimer) Start(kind TimerKind, d time.Duration) {
	t.Stop()
	gen := t.gen
	t.timer = time.AfterFunc(d, func() {
		t.c.post(func() {
			if gen != t.gen {
				return
			}
			t.timer = nil
			t.c.engine.HandleTimeout(kind)
		})
	})
}

func (t *actorTimer) Stop() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
