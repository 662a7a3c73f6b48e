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
	"fmt"
	"io"

	hci "github.com/ZaparooProject/go-hci"
)

// Output handles consistent formatting of messages
type Output struct {
	w       io.Writer
	verbose bool
}

// NewOutput creates a new output handler
func NewOutput(w io.Writer, verbose bool) *Output {
	return &Output{w: w, verbose: verbose}
}

// Ready prints the result of the admin bootstrap
func (o *Output) Ready(ev hci.Event, rev hci.AdminRevision, session [hci.SessionIDLen]byte) {
	o.OK("host network up (%s admin gate)", rev)
	o.Verbose("   session % X", session[:])
	for _, h := range ev.Hosts {
		o.Verbose("   host %s", hostName(h))
	}
}

// HostTable prints the host table
func (o *Output) HostTable(hosts []hci.Host) {
	_, _ = fmt.Fprintf(o.w, "%-8s %-6s %s\n", "HOST", "ACTIVE", "RESETTING")
	for _, h := range hosts {
		_, _ = fmt.Fprintf(o.w, "%-8s %-6t %t\n", hostName(h.ID), h.Active, h.Resetting())
	}
}

// HostActive prints a host arrival
func (o *Output) HostActive(h hci.HostID) {
	_, _ = fmt.Fprintf(o.w, "HOST: %s joined\n", hostName(h))
}

// HostInactive prints a host departure
func (o *Output) HostInactive(h hci.HostID) {
	_, _ = fmt.Fprintf(o.w, "HOST: %s left\n", hostName(h))
}

// Event prints an application event
func (o *Output) Event(ev hci.Event) {
	if len(ev.Data) == 0 {
		_, _ = fmt.Fprintf(o.w, "EVENT: %s\n", ev)
		return
	}
	_, _ = fmt.Fprintf(o.w, "EVENT: %s data=% X\n", ev, ev.Data)
}

// Registry prints a registry value
func (o *Output) Registry(pipe hci.PipeID, index byte, data []byte) {
	_, _ = fmt.Fprintf(o.w, "pipe 0x%02X reg 0x%02X: % X\n", byte(pipe), index, data)
}

// Error prints an error message
func (o *Output) Error(format string, args ...any) {
	_, _ = fmt.Fprintf(o.w, "ERROR: "+format+"\n", args...)
}

// Warning prints a warning message
func (o *Output) Warning(format string, args ...any) {
	_, _ = fmt.Fprintf(o.w, "WARNING: "+format+"\n", args...)
}

// Info prints an info message
func (o *Output) Info(format string, args ...any) {
	_, _ = fmt.Fprintf(o.w, "INFO: "+format+"\n", args...)
}

// OK prints a success message
func (o *Output) OK(format string, args ...any) {
	_, _ = fmt.Fprintf(o.w, "OK: "+format+"\n", args...)
}

// Verbose prints only if verbose mode is enabled
func (o *Output) Verbose(format string, args ...any) {
	if o.verbose {
		_, _ = fmt.Fprintf(o.w, format+"\n", args...)
	}
}

func hostName(h hci.HostID) string {
	switch h {
	case hci.HostController:
		return "hc"
	case hci.HostDH:
		return "dh"
	case hci.HostUICC:
		return "uicc"
	case hci.HostESE:
		return "ese"
	default:
		return fmt.Sprintf("0x%02X", byte(h))
	}
}
