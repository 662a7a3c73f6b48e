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

import "time"

// HostID identifies a host in the HCI host network.
type HostID byte

// GateID identifies a gate on a host.
type GateID byte

// PipeID identifies a pipe between two gates.
type PipeID byte

// Hosts
const (
	HostController HostID = 0x00 // host controller (admin side of the network)
	HostDH         HostID = 0x01 // device host, i.e. this engine
	HostUICC       HostID = 0x02 // first UICC
	HostESE        HostID = 0xC0 // first embedded secure element
)

// Pipes
const (
	PipeLinkManagement PipeID = 0x00
	PipeAdmin          PipeID = 0x01
	FirstDynamicPipe   PipeID = 0x02
	LastDynamicPipe    PipeID = 0x6F
	MaxPipeID          PipeID = 0x7F
)

// Gates
const (
	GateAdmin              GateID = 0x00
	GateLoopback           GateID = 0x04
	GateIdentityManagement GateID = 0x05
	GateLinkManagement     GateID = 0x06
	GateConnectivity       GateID = 0x41
	FirstGenericGate       GateID = 0x10
	LastGenericGate        GateID = 0xEF
	FirstProprietaryGate   GateID = 0xF0
	LastProprietaryGate    GateID = 0xFF

	// GateAuto asks AllocateGate to pick a free generic gate id.
	GateAuto GateID = 0x00
)

// Commands
const (
	AnySetParameter       byte = 0x01
	AnyGetParameter       byte = 0x02
	AnyOpenPipe           byte = 0x03
	AnyClosePipe          byte = 0x04
	AdmCreatePipe         byte = 0x10
	AdmDeletePipe         byte = 0x11
	AdmNotifyPipeCreated  byte = 0x12
	AdmNotifyPipeDeleted  byte = 0x13
	AdmClearAllPipe       byte = 0x14
	AdmNotifyAllPipeClear byte = 0x15
)

// Response codes
const (
	AnyOK                byte = 0x00
	AnyENotConnected     byte = 0x01
	AnyECmdParUnknown    byte = 0x02
	AnyENok              byte = 0x03
	AdmENoPipesAvailable byte = 0x04
	AnyERegParUnknown    byte = 0x05
	AnyEPipeNotOpened    byte = 0x06
	AnyECmdNotSupported  byte = 0x07
	AnyEInhibited        byte = 0x08
	AnyETimeout          byte = 0x09
	AnyERegAccessDenied  byte = 0x0A
	AnyEPipeAccessDenied byte = 0x0B
)

// Events
const (
	EvtEndOfOperation byte = 0x01
	EvtPostData       byte = 0x02
	EvtHotPlug        byte = 0x03
	EvtConnectivity   byte = 0x10
	EvtTransaction    byte = 0x12
	EvtOperationEnded byte = 0x13
)

// Admin gate registry
const (
	RegSessionIdentity byte = 0x01
	RegMaxPipe         byte = 0x02
	RegWhitelist       byte = 0x03
	RegHostList        byte = 0x04
	RegHostType        byte = 0x07
	RegHostTypeList    byte = 0x08
)

// Identity management gate registry
const (
	RegVersionSW  byte = 0x01
	RegHCIVersion byte = 0x02
	RegVersionHW  byte = 0x03
	RegVendorName byte = 0x04
	RegModelID    byte = 0x05
	RegGatesList  byte = 0x06
)

// SessionIDLen is the length of the admin gate session identity.
const SessionIDLen = 8

// DefaultSessionID is the value a freshly reset host controller reports.
var DefaultSessionID = [SessionIDLen]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// DHHostType is the host type this engine announces on newer admin gates.
var DHHostType = []byte{0x01, 0x00}

// Default timeouts
const (
	DefaultResponseTimeout    = 1000 * time.Millisecond
	DefaultNetworkInitTimeout = 500 * time.Millisecond
)

// Default table sizes
const (
	DefaultMaxApps     = 8
	DefaultMaxGates    = 16
	DefaultMaxPipes    = 16
	DefaultMaxHosts    = 4
	DefaultBufferCount = 32
)

func isDynamicPipe(id PipeID) bool {
	return id >= FirstDynamicPipe && id <= LastDynamicPipe
}

func isWellKnownGate(id GateID) bool {
	return id == GateLoopback || id == GateIdentityManagement || id == GateConnectivity
}

func isGenericGate(id GateID) bool {
	return id >= FirstGenericGate && id <= LastGenericGate
}
