// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xcpio

import (
	"errors"
	"fmt"
)

// ErrCode is an XCP protocol error code, carried in the second byte of
// a negative response packet.
type ErrCode uint8

const (
	ErrCmdSynch     ErrCode = 0x00
	ErrCmdBusy      ErrCode = 0x10
	ErrDaqActive    ErrCode = 0x11
	ErrCmdUnknown   ErrCode = 0x20
	ErrCmdSyntax    ErrCode = 0x21
	ErrOutOfRange   ErrCode = 0x22
	ErrWriteProtect ErrCode = 0x23
	ErrAccessDenied ErrCode = 0x24
	ErrAccessLocked ErrCode = 0x25
	ErrPageNotValid ErrCode = 0x26
	ErrModeNotValid ErrCode = 0x27
	ErrSegNotValid  ErrCode = 0x28
	ErrSequence     ErrCode = 0x29
	ErrDaqConfig    ErrCode = 0x2A
	ErrMemOverflow  ErrCode = 0x30
	ErrGeneric      ErrCode = 0x31
	ErrVerify       ErrCode = 0x32
	ErrResTemporary ErrCode = 0x33
)

func (c ErrCode) String() string {
	switch c {
	case ErrCmdSynch:
		return "CMD_SYNCH"
	case ErrCmdBusy:
		return "CMD_BUSY"
	case ErrDaqActive:
		return "DAQ_ACTIVE"
	case ErrCmdUnknown:
		return "CMD_UNKNOWN"
	case ErrCmdSyntax:
		return "CMD_SYNTAX"
	case ErrOutOfRange:
		return "OUT_OF_RANGE"
	case ErrWriteProtect:
		return "WRITE_PROTECTED"
	case ErrAccessDenied:
		return "ACCESS_DENIED"
	case ErrAccessLocked:
		return "ACCESS_LOCKED"
	case ErrPageNotValid:
		return "PAGE_NOT_VALID"
	case ErrModeNotValid:
		return "MODE_NOT_VALID"
	case ErrSegNotValid:
		return "SEGMENT_NOT_VALID"
	case ErrSequence:
		return "SEQUENCE"
	case ErrDaqConfig:
		return "DAQ_CONFIG"
	case ErrMemOverflow:
		return "MEMORY_OVERFLOW"
	case ErrGeneric:
		return "GENERIC"
	case ErrVerify:
		return "VERIFY"
	case ErrResTemporary:
		return "RESOURCE_TEMPORARY_NOT_ACCESSIBLE"
	}
	return fmt.Sprintf("ErrCode(0x%02x)", uint8(c))
}

// Err is a protocol error surfaced to the master as a negative
// response carrying Code.
type Err struct {
	Code ErrCode
	Msg  string
}

func (e Err) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("xcpio: %v", e.Code)
	}
	return fmt.Sprintf("xcpio: %v: %s", e.Code, e.Msg)
}

// Errorf returns a protocol error with the given code and context.
func Errorf(code ErrCode, format string, args ...interface{}) error {
	return Err{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the protocol error code from err, defaulting to
// ErrGeneric for errors that are not protocol errors.
func CodeOf(err error) ErrCode {
	var e Err
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrGeneric
}
