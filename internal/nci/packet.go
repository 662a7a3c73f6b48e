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

// Package nci encodes and decodes NCI packets. HCP segments reach the NFC
// controller as the payload of NCI data packets on the static HCI
// connection.
package nci

import (
	"errors"
	"fmt"
)

// MessageType is the MT field of the packet header
type MessageType byte

const (
	MTData         MessageType = 0x00
	MTCommand      MessageType = 0x01
	MTResponse     MessageType = 0x02
	MTNotification MessageType = 0x03
)

func (mt MessageType) String() string {
	switch mt {
	case MTData:
		return "data"
	case MTCommand:
		return "command"
	case MTResponse:
		return "response"
	case MTNotification:
		return "notification"
	default:
		return fmt.Sprintf("mt(%d)", byte(mt))
	}
}

const (
	// HeaderSize is the fixed NCI packet header length
	HeaderSize = 3
	// MaxPayload is the largest payload one packet can carry
	MaxPayload = 255

	// ConnIDStaticRF is the static RF connection
	ConnIDStaticRF = 0x00
	// ConnIDHCI is the static HCI connection
	ConnIDHCI = 0x01

	// GIDCore is the core group of control messages
	GIDCore = 0x00
	// OIDCoreConnCredits is CORE_CONN_CREDITS_NTF
	OIDCoreConnCredits = 0x06

	mtShift  = 5
	mtMask   = 0x07
	pbfBit   = 0x10
	idMask   = 0x0F
	oidMask  = 0x3F
	connMask = 0x0F
)

var (
	// ErrShortPacket means the buffer does not yet hold a whole packet
	ErrShortPacket = errors.New("nci: short packet")
	// ErrPayloadTooLarge means a payload exceeds MaxPayload
	ErrPayloadTooLarge = errors.New("nci: payload too large")
	// ErrBadConnID means a connection or group id does not fit in 4 bits
	ErrBadConnID = errors.New("nci: connection id out of range")
)

// Packet is one NCI packet. ID holds the connection id for data packets
// and the group id for control packets; OID is only meaningful for control
// packets.
type Packet struct {
	Payload   []byte
	Type      MessageType
	ID        byte
	OID       byte
	Segmented bool
}

// DataPacket returns an unsegmented data packet for connID
func DataPacket(connID byte, payload []byte) Packet {
	return Packet{Type: MTData, ID: connID, Payload: payload}
}

// IsData reports whether p is a data packet
func (p Packet) IsData() bool {
	return p.Type == MTData
}

// Size returns the encoded length of p
func (p Packet) Size() int {
	return HeaderSize + len(p.Payload)
}

// AppendTo appends the encoded packet to dst
func (p Packet) AppendTo(dst []byte) ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return dst, ErrPayloadTooLarge
	}
	if p.ID > connMask {
		return dst, ErrBadConnID
	}

	b0 := (byte(p.Type)&mtMask)<<mtShift | p.ID&idMask
	if p.Segmented {
		b0 |= pbfBit
	}
	var b1 byte
	if !p.IsData() {
		b1 = p.OID & oidMask
	}

	dst = append(dst, b0, b1, byte(len(p.Payload)))
	return append(dst, p.Payload...), nil
}

// MarshalBinary encodes p
func (p Packet) MarshalBinary() ([]byte, error) {
	return p.AppendTo(make([]byte, 0, p.Size()))
}

// ParseHeader decodes a packet header and returns the payload length
func ParseHeader(hdr []byte) (Packet, int, error) {
	if len(hdr) < HeaderSize {
		return Packet{}, 0, ErrShortPacket
	}
	p := Packet{
		Type:      MessageType(hdr[0] >> mtShift & mtMask),
		Segmented: hdr[0]&pbfBit != 0,
		ID:        hdr[0] & idMask,
	}
	if !p.IsData() {
		p.OID = hdr[1] & oidMask
	}
	return p, int(hdr[2]), nil
}

// Parse decodes the packet at the start of b and returns it together with
// the number of bytes it used. The payload aliases b.
func Parse(b []byte) (Packet, int, error) {
	p, n, err := ParseHeader(b)
	if err != nil {
		return Packet{}, 0, err
	}
	if len(b) < HeaderSize+n {
		return Packet{}, 0, ErrShortPacket
	}
	p.Payload = b[HeaderSize : HeaderSize+n]
	return p, HeaderSize + n, nil
}

// Segment splits payload into data packets of at most maxPayload bytes,
// setting the continuation flag on all but the last.
func Segment(connID byte, payload []byte, maxPayload int) []Packet {
	if maxPayload <= 0 || maxPayload > MaxPayload {
		maxPayload = MaxPayload
	}
	if len(payload) == 0 {
		return []Packet{DataPacket(connID, nil)}
	}

	packets := make([]Packet, 0, (len(payload)+maxPayload-1)/maxPayload)
	for len(payload) > 0 {
		n := min(len(payload), maxPayload)
		packets = append(packets, Packet{
			Type:      MTData,
			ID:        connID,
			Payload:   payload[:n],
			Segmented: n < len(payload),
		})
		payload = payload[n:]
	}
	return packets
}

// Credit is one entry of a CORE_CONN_CREDITS_NTF
type Credit struct {
	ConnID  byte
	Credits byte
}

// IsConnCredits reports whether p is a CORE_CONN_CREDITS_NTF
func (p Packet) IsConnCredits() bool {
	return p.Type == MTNotification && p.ID == GIDCore && p.OID == OIDCoreConnCredits
}

// ParseConnCredits decodes the payload of a CORE_CONN_CREDITS_NTF
func ParseConnCredits(payload []byte) ([]Credit, error) {
	if len(payload) < 1 {
		return nil, ErrShortPacket
	}
	n := int(payload[0])
	if len(payload) < 1+2*n {
		return nil, ErrShortPacket
	}
	credits := make([]Credit, n)
	for i := range credits {
		credits[i] = Credit{ConnID: payload[1+2*i] & connMask, Credits: payload[2+2*i]}
	}
	return credits, nil
}

// ConnCreditsPacket builds a CORE_CONN_CREDITS_NTF
func ConnCreditsPacket(credits ...Credit) Packet {
	payload := make([]byte, 0, 1+2*len(credits))
	payload = append(payload, byte(len(credits)))
	for _, c := range credits {
		payload = append(payload, c.ConnID, c.Credits)
	}
	return Packet{Type: MTNotification, ID: GIDCore, OID: OIDCoreConnCredits, Payload: payload}
}
