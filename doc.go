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

/*
Package hci implements the host side of the ETSI Host Controller Interface
used by NFC controllers to reach secure elements such as a UICC or an
embedded SE.

The engine keeps the gate and pipe registry, splits and reassembles HCP
messages over the transport's packet size, matches responses to the
single outstanding command on each pipe and brings up the host network
through the administration gate. Applications register a callback and
receive every result as an Event.

Features:
  - Admin bootstrap with session identity check, whitelist and host list
  - Dynamic and static pipes, gate allocation per application
  - Registry get/set on any open pipe
  - Remote pipe management initiated by other hosts
  - Persistence of the pipe tables through a Store
  - Transports for UART and I2C controllers plus an in-process loopback

Basic Usage:

	import (
	    hci "github.com/ZaparooProject/go-hci"
	    "github.com/ZaparooProject/go-hci/transport/uart"
	)

	transport, err := uart.New("/dev/ttyUSB0")
	if err != nil {
	    log.Fatal(err)
	}
	defer transport.Close()

	ready := make(chan hci.Event, 1)
	ctrl, err := hci.NewController(transport,
	    hci.WithHosts(hci.HostUICC),
	    hci.WithSystemCallback(func(ev hci.Event) {
	        if ev.Kind == hci.EventInitComplete {
	            ready <- ev
	        }
	    }),
	)
	if err != nil {
	    log.Fatal(err)
	}
	if err := ctrl.Start(ctx); err != nil {
	    log.Fatal(err)
	}
	defer ctrl.Stop(ctx)

	if ev := <-ready; ev.Err() != nil {
	    log.Fatal(ev.Err())
	}

	// Register an application and talk to the UICC's gate 0x20
	app, err := ctrl.Register(ctx, "wallet", onEvent, false)
	gate, err := ctrl.AllocateGate(ctx, app, hci.GateAuto)
	err = ctrl.CreatePipe(ctx, app, gate, hci.HostUICC, 0x20)

Threading:

Engine is single-threaded. Controller owns an Engine on its own goroutine
and is safe for concurrent use; callbacks run on that goroutine and must
not block.

Error Handling:

Synchronous failures are returned as errors that can be inspected with
errors.Is. Outcomes of requests sent to the controller arrive as events
whose Err method maps the status:

	if errors.Is(ev.Err(), hci.ErrTimeout) {
	    // no response within the response timeout
	}
*/
package hci
