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
	"errors"
	"fmt"
)

// Engine errors
var (
	ErrNotFound          = errors.New("not found")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrNotOwner          = errors.New("not owner")
	ErrNotOpen           = errors.New("pipe not open")
	ErrTimeout           = errors.New("response timeout")
	ErrProtocolRejected  = errors.New("rejected by remote host")
	ErrBusy              = errors.New("command already outstanding")
	ErrIgnored           = errors.New("static pipe ignored")
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrDisabled          = errors.New("engine disabled")
	ErrFailed            = errors.New("operation failed")
	ErrControllerStopped = errors.New("controller stopped")
	ErrNoPipesAvailable  = fmt.Errorf("no pipes available: %w", ErrResourceExhausted)
)

// Transport errors
var (
	ErrTransportTimeout    = errors.New("transport timeout")
	ErrTransportRead       = errors.New("transport read failed")
	ErrTransportWrite      = errors.New("transport write failed")
	ErrTransportClosed     = errors.New("transport closed")
	ErrCommunicationFailed = errors.New("communication failed")
	ErrFrameCorrupted      = errors.New("frame corrupted")
	ErrDataTooLarge        = errors.New("data too large")
	ErrDeviceNotFound      = errors.New("device not found")
	ErrNotReady            = errors.New("controller not ready")
)

// ErrorType classifies transport errors for retry decisions
type ErrorType int

const (
	// ErrorTypePermanent errors will not go away on retry
	ErrorTypePermanent ErrorType = iota
	// ErrorTypeTransient errors may succeed on retry
	ErrorTypeTransient
	// ErrorTypeTimeout errors are timeouts that may succeed on retry
	ErrorTypeTimeout
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeTimeout:
		return "timeout"
	default:
		return "permanent"
	}
}

// TransportError describes a failed transport operation
type TransportError struct {
	Err       error
	Op        string
	Port      string
	Type      ErrorType
	Retryable bool
}

func (e *TransportError) Error() string {
	if e.Port == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a transport error, retryable unless permanent
func NewTransportError(op, port string, err error, errType ErrorType) *TransportError {
	return &TransportError{
		Op:        op,
		Port:      port,
		Err:       err,
		Type:      errType,
		Retryable: errType != ErrorTypePermanent,
	}
}

// NewTimeoutError creates a retryable timeout error
func NewTimeoutError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportTimeout, ErrorTypeTimeout)
}

// NewFrameCorruptedError creates a retryable corrupted frame error
func NewFrameCorruptedError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrFrameCorrupted, ErrorTypeTransient)
}

// NewDataTooLargeError creates a permanent oversize error
func NewDataTooLargeError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrDataTooLarge, ErrorTypePermanent)
}

// NewTransportNotReadyError creates a retryable not-ready error
func NewTransportNotReadyError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrNotReady, ErrorTypeTransient)
}

// IsRetryable reports whether a transport error may succeed when retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return GetErrorType(err) != ErrorTypePermanent
}

// GetErrorType classifies err
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypePermanent
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Type
	}
	switch {
	case errors.Is(err, ErrTransportTimeout):
		return ErrorTypeTimeout
	case errors.Is(err, ErrTransportRead),
		errors.Is(err, ErrTransportWrite),
		errors.Is(err, ErrCommunicationFailed),
		errors.Is(err, ErrFrameCorrupted),
		errors.Is(err, ErrNotReady):
		return ErrorTypeTransient
	default:
		return ErrorTypePermanent
	}
}

// ProtocolError is a non-OK response code returned by a remote host
type ProtocolError struct {
	Instruction byte
	Response    byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("instruction 0x%02X rejected: %s", e.Instruction, ResponseName(e.Response))
}

func (*ProtocolError) Unwrap() error {
	return ErrProtocolRejected
}

// ResponseName returns the mnemonic of an HCP response code
func ResponseName(code byte) string {
	switch code {
	case AnyOK:
		return "ANY_OK"
	case AnyENotConnected:
		return "ANY_E_NOT_CONNECTED"
	case AnyECmdParUnknown:
		return "ANY_E_CMD_PAR_UNKNOWN"
	case AnyENok:
		return "ANY_E_NOK"
	case AdmENoPipesAvailable:
		return "ADM_E_NO_PIPES_AVAILABLE"
	case AnyERegParUnknown:
		return "ANY_E_REG_PAR_UNKNOWN"
	case AnyEPipeNotOpened:
		return "ANY_E_PIPE_NOT_OPENED"
	case AnyECmdNotSupported:
		return "ANY_E_CMD_NOT_SUPPORTED"
	case AnyEInhibited:
		return "ANY_E_INHIBITED"
	case AnyETimeout:
		return "ANY_E_TIMEOUT"
	case AnyERegAccessDenied:
		return "ANY_E_REG_ACCESS_DENIED"
	case AnyEPipeAccessDenied:
		return "ANY_E_PIPE_ACCESS_DENIED"
	default:
		return fmt.Sprintf("0x%02X", code)
	}
}

// Status is the outcome carried by every event delivered to applications
type Status int

const (
	StatusOK Status = iota
	StatusFailed
	StatusTimeout
	StatusNotFound
	StatusResourceExhausted
	StatusNotOwner
	StatusNotOpen
	StatusRejected
	StatusBusy
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusTimeout:
		return "timeout"
	case StatusNotFound:
		return "not found"
	case StatusResourceExhausted:
		return "resource exhausted"
	case StatusNotOwner:
		return "not owner"
	case StatusNotOpen:
		return "not open"
	case StatusRejected:
		return "rejected"
	case StatusBusy:
		return "busy"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Err maps the status onto the engine sentinel errors. StatusOK maps to nil.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusTimeout:
		return ErrTimeout
	case StatusNotFound:
		return ErrNotFound
	case StatusResourceExhausted:
		return ErrResourceExhausted
	case StatusNotOwner:
		return ErrNotOwner
	case StatusNotOpen:
		return ErrNotOpen
	case StatusRejected:
		return ErrProtocolRejected
	case StatusBusy:
		return ErrBusy
	default:
		return ErrFailed
	}
}

// StatusFromError maps an engine error onto the status reported in events
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrResourceExhausted):
		return StatusResourceExhausted
	case errors.Is(err, ErrNotOwner):
		return StatusNotOwner
	case errors.Is(err, ErrNotOpen):
		return StatusNotOpen
	case errors.Is(err, ErrProtocolRejected):
		return StatusRejected
	case errors.Is(err, ErrBusy):
		return StatusBusy
	default:
		return StatusFailed
	}
}

func responseStatus(code byte) Status {
	switch code {
	case AnyOK:
		return StatusOK
	case AdmENoPipesAvailable:
		return StatusResourceExhausted
	case AnyEPipeNotOpened:
		return StatusNotOpen
	default:
		return StatusRejected
	}
}
