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

package detection

import (
	"path/filepath"
	"strings"
)

// DefaultBlocklist returns the USB adapters that are never reported as
// controller candidates. Entries are VID:PID in hex.
func DefaultBlocklist() []string {
	return []string{}
}

// IsBlocked reports whether vidpid appears in blocklist, ignoring case
func IsBlocked(vidpid string, blocklist []string) bool {
	vidpid = strings.ToUpper(strings.TrimSpace(vidpid))
	for _, blocked := range blocklist {
		if vidpid == strings.ToUpper(strings.TrimSpace(blocked)) {
			return true
		}
	}
	return false
}

// ParseVIDPID normalizes a USB descriptor to "VVVV:PPPP". It accepts
// "VID:1234 PID:5678", "vid=1234 pid=5678", "vendor=1234 product=5678"
// and a bare "1234:5678". An unrecognized descriptor yields "".
func ParseVIDPID(descriptor string) string {
	descriptor = strings.ToUpper(strings.TrimSpace(descriptor))

	vid := fieldHex(descriptor, "VID:", "VID=", "VENDOR=")
	pid := fieldHex(descriptor, "PID:", "PID=", "PRODUCT=")
	if vid != "" && pid != "" {
		return vid + ":" + pid
	}

	parts := strings.Split(descriptor, ":")
	if len(parts) == 2 && isHex(parts[0]) && isHex(parts[1]) {
		return descriptor
	}
	return ""
}

func fieldHex(s string, keys ...string) string {
	for _, k := range keys {
		if idx := strings.Index(s, k); idx >= 0 {
			return leadingHex(s[idx+len(k):])
		}
	}
	return ""
}

// leadingHex returns the first run of hex digits in s
func leadingHex(s string) string {
	start := strings.IndexFunc(s, isHexRune)
	if start < 0 {
		return ""
	}
	end := strings.IndexFunc(s[start:], func(r rune) bool { return !isHexRune(r) })
	if end < 0 {
		return s[start:]
	}
	return s[start : start+end]
}

func isHexRune(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F') || (r >= 'a' && r <= 'f')
}

func isHex(s string) bool {
	return s != "" && strings.IndexFunc(s, func(r rune) bool { return !isHexRune(r) }) < 0
}

// IsPathIgnored reports whether devicePath matches one of ignorePaths.
// Paths are cleaned and compared case-insensitively.
func IsPathIgnored(devicePath string, ignorePaths []string) bool {
	if devicePath == "" {
		return false
	}
	normalized := normalizedPath(devicePath)
	for _, p := range ignorePaths {
		if p == "" {
			continue
		}
		if p == devicePath || normalizedPath(p) == normalized {
			return true
		}
	}
	return false
}

func normalizedPath(path string) string {
	return strings.ToLower(filepath.Clean(path))
}
