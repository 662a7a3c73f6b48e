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

// Package detection lists the serial ports and I2C buses an NFC controller
// may be attached to.
package detection

import (
	"context"
	"fmt"
	"sort"

	"go.bug.st/serial/enumerator"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Transport names match the hcictl --transport values.
const (
	TransportUART = "uart"
	TransportI2C  = "i2c"
)

// Candidate is a device path that may host a controller
type Candidate struct {
	Transport string
	Path      string
	// VIDPID is set for USB serial adapters, as "VVVV:PPPP"
	VIDPID  string
	Product string
}

func (c Candidate) String() string {
	s := c.Transport + " " + c.Path
	if c.VIDPID != "" {
		s += " [" + c.VIDPID + "]"
	}
	if c.Product != "" {
		s += " " + c.Product
	}
	return s
}

// Options filters the candidates returned by List
type Options struct {
	// Blocklist holds VID:PID pairs that are never reported
	Blocklist []string
	// IgnorePaths holds device paths that are never reported
	IgnorePaths []string
	SkipUART    bool
	SkipI2C     bool
}

type sources struct {
	serial func() ([]*enumerator.PortDetails, error)
	i2c    func() ([]string, error)
}

var defaultSources = sources{
	serial: enumerator.GetDetailedPortsList,
	i2c:    i2cBuses,
}

// List returns every candidate not excluded by opts, serial ports first
func List(ctx context.Context, opts Options) ([]Candidate, error) {
	return defaultSources.list(ctx, opts)
}

func (s sources) list(ctx context.Context, opts Options) ([]Candidate, error) {
	blocklist := append(DefaultBlocklist(), opts.Blocklist...)
	var out []Candidate

	if !opts.SkipUART {
		ports, err := s.serial()
		if err != nil {
			return nil, fmt.Errorf("failed to list serial ports: %w", err)
		}
		for _, p := range ports {
			if IsPathIgnored(p.Name, opts.IgnorePaths) {
				continue
			}
			c := Candidate{Transport: TransportUART, Path: p.Name}
			if p.IsUSB {
				c.VIDPID = ParseVIDPID(p.VID + ":" + p.PID)
				c.Product = p.Product
			}
			if c.VIDPID != "" && IsBlocked(c.VIDPID, blocklist) {
				continue
			}
			out = append(out, c)
		}
	}

	if err := ctx.Err(); err != nil {
		return out, err
	}

	if !opts.SkipI2C {
		buses, err := s.i2c()
		if err != nil {
			return out, fmt.Errorf("failed to list i2c buses: %w", err)
		}
		sort.Strings(buses)
		for _, b := range buses {
			if IsPathIgnored(b, opts.IgnorePaths) {
				continue
			}
			out = append(out, Candidate{Transport: TransportI2C, Path: b})
		}
	}
	return out, nil
}

func i2cBuses() ([]string, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}
	refs := i2creg.All()
	names := make([]string, 0, len(refs))
	for _, r := range refs {
		names = append(names, r.Name)
	}
	return names, nil
}
