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

package main

import (
	"context"
	"fmt"

	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"

	hci "github.com/ZaparooProject/go-hci"
	badgerstore "github.com/ZaparooProject/go-hci/store/badger"
	"github.com/ZaparooProject/go-hci/transport/i2c"
	"github.com/ZaparooProject/go-hci/transport/loopback"
	"github.com/ZaparooProject/go-hci/transport/uart"
)

// session is a started controller and what it owns
type session struct {
	ctrl   *hci.Controller
	store  *badgerstore.Store
	events chan hci.Event
}

// openTransport opens the configured transport
func openTransport(cfg *Config, factory logging.LoggerFactory) (hci.Transport, error) {
	switch cfg.Transport {
	case "uart":
		t, err := uart.New(cfg.Device, uart.WithBaudRate(cfg.Baud), uart.WithLoggerFactory(factory))
		if err != nil {
			return nil, err
		}
		return t, nil
	case "i2c":
		t, err := i2c.New(cfg.Device,
			i2c.WithAddr(cfg.I2CAddr),
			i2c.WithIRQPin(cfg.IRQPin),
			i2c.WithLoggerFactory(factory))
		if err != nil {
			return nil, err
		}
		return t, nil
	case "loopback":
		hosts, err := cfg.hostIDs()
		if err != nil {
			return nil, err
		}
		t, err := loopback.New(loopback.WithHosts(hosts...), loopback.WithLoggerFactory(factory))
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", hci.ErrInvalidParameter, cfg.Transport)
	}
}

// startSession opens the transport, starts the controller and waits for
// the admin bootstrap
func startSession(ctx context.Context, cfg *Config, out *Output, reg prometheus.Registerer) (*session, error) {
	factory := cfg.loggerFactory(nil)
	hosts, err := cfg.hostIDs()
	if err != nil {
		return nil, err
	}

	tr, err := openTransport(cfg, factory)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s transport: %w", cfg.Transport, err)
	}

	s := &session{events: make(chan hci.Event, 16)}

	opts := []hci.Option{
		hci.WithLoggerFactory(factory),
		hci.WithResponseTimeout(cfg.ResponseTimeout),
		hci.WithHosts(hosts...),
		hci.WithSystemCallback(s.systemEvent),
	}
	if reg != nil {
		opts = append(opts, hci.WithMetrics(hci.NewMetrics(reg)))
	}
	if cfg.Store != "" {
		s.store, err = badgerstore.Open(cfg.Store, badgerstore.WithLoggerFactory(factory))
		if err != nil {
			_ = tr.Close()
			return nil, err
		}
		opts = append(opts, hci.WithStore(s.store))
	}

	s.ctrl, err = hci.NewController(tr, opts...)
	if err != nil {
		_ = tr.Close()
		s.closeStore()
		return nil, err
	}
	if err := s.ctrl.Start(ctx); err != nil {
		_ = s.stop()
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	ev, err := s.wait(waitCtx, hci.EventInitComplete)
	if err != nil {
		_ = s.stop()
		return nil, fmt.Errorf("%w: %w", errNotReady, err)
	}
	if err := ev.Err(); err != nil {
		_ = s.stop()
		return nil, fmt.Errorf("%w: %w", errNotReady, err)
	}

	var rev hci.AdminRevision
	var sid [hci.SessionIDLen]byte
	_ = s.ctrl.Do(ctx, func(e *hci.Engine) error {
		rev, sid = e.AdminRevision(), e.SessionID()
		return nil
	})
	out.Ready(ev, rev, sid)
	return s, nil
}

// systemEvent runs on the controller loop and must not block
func (s *session) systemEvent(ev hci.Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// wait returns the next system event of kind
func (s *session) wait(ctx context.Context, kind hci.EventKind) (hci.Event, error) {
	for {
		select {
		case ev := <-s.events:
			if ev.Kind == kind {
				return ev, nil
			}
		case <-ctx.Done():
			return hci.Event{}, ctx.Err()
		}
	}
}

func (s *session) stop() error {
	err := s.ctrl.Stop(context.Background())
	s.closeStore()
	return err
}

func (s *session) closeStore() {
	if s.store != nil {
		_ = s.store.Close()
	}
}

// appEvents registers an application whose events arrive on the returned
// channel
func (s *session) appEvents(ctx context.Context, name string, forward bool) (hci.Handle, <-chan hci.Event, error) {
	ch := make(chan hci.Event, 32)
	h, err := s.ctrl.Register(ctx, name, func(ev hci.Event) {
		select {
		case ch <- ev:
		default:
		}
	}, forward)
	return h, ch, err
}

// waitApp returns the next event of kind from an application channel
func waitApp(ctx context.Context, ch <-chan hci.Event, kind hci.EventKind) (hci.Event, error) {
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev, ev.Err()
			}
		case <-ctx.Done():
			return hci.Event{}, ctx.Err()
		}
	}
}
