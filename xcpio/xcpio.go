// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xcpio describes and handles XCP-on-Ethernet wire data.
//
// Every message on the wire, command (CRO), response (CRM) and data
// transmission object (DTO) alike, rides in the same transport frame:
//
//	u16 length | u16 counter | payload[length]
//
// with all multi-byte fields little-endian. The length excludes the
// 4-byte header. Several frames may be concatenated into one UDP
// datagram or TCP segment.
package xcpio // import "github.com/go-daq/xcp/xcpio"

// Command packet identifiers.
const (
	CmdConnect         = 0xFF
	CmdDisconnect      = 0xFE
	CmdGetStatus       = 0xFD
	CmdSynch           = 0xFC
	CmdGetCommModeInfo = 0xFB
	CmdGetID           = 0xFA
	CmdSetMTA          = 0xF6
	CmdUpload          = 0xF5
	CmdShortUpload     = 0xF4
	CmdBuildChecksum   = 0xF3
	CmdTransportLayer  = 0xF2
	CmdUser            = 0xF1
	CmdDownload        = 0xF0
	CmdShortDownload   = 0xED
	CmdSetCalPage      = 0xEB
	CmdGetCalPage      = 0xEA
	CmdSetSegmentMode  = 0xE6
	CmdGetSegmentMode  = 0xE5
	CmdCopyCalPage     = 0xE4
	CmdClearDaqList    = 0xE3
	CmdSetDaqPtr       = 0xE2
	CmdWriteDaq        = 0xE1
	CmdSetDaqListMode  = 0xE0
	CmdGetDaqListMode  = 0xDF
	CmdStartStopList   = 0xDE
	CmdStartStopSynch  = 0xDD
	CmdGetDaqClock     = 0xDC
	CmdGetDaqProcInfo  = 0xDA
	CmdGetDaqResInfo   = 0xD9
	CmdGetDaqEventInfo = 0xD7
	CmdFreeDaq         = 0xD6
	CmdAllocDaq        = 0xD5
	CmdAllocOdt        = 0xD4
	CmdAllocOdtEntry   = 0xD3
	CmdWriteDaqMult    = 0xC7
	CmdTimeCorrelation = 0xC6
	CmdLevel1          = 0xC0
)

// Level-1 sub-commands (first payload byte after CmdLevel1).
const (
	Lvl1GetVersion = 0x00
)

// Transport-layer sub-commands (first payload byte after CmdTransportLayer).
const (
	TLGetSlaveID       = 0xFF
	TLGetDaqClockMcast = 0xFD
)

// Response packet identifiers.
const (
	PidRes  = 0xFF // positive response
	PidErr  = 0xFE // negative response
	PidEv   = 0xFD // asynchronous event
	PidServ = 0xFC // service request
)

// Asynchronous event codes (second byte of a PidEv packet).
const (
	EvResumeMode        = 0x00
	EvClearDaq          = 0x01
	EvStoreDaq          = 0x02
	EvStoreCal          = 0x03
	EvCmdPending        = 0x05
	EvDaqOverload       = 0x06
	EvSessionTerminated = 0x07
	EvTimeSync          = 0x08
)

// Resource bits reported by CONNECT.
const (
	ResCalPag = 0x01
	ResDaq    = 0x04
	ResStim   = 0x08
	ResPgm    = 0x10
)

// Session status bits reported by GET_STATUS.
const (
	StatusStoreCalReq = 0x01
	StatusStoreDaqReq = 0x04
	StatusClearDaqReq = 0x08
	StatusDaqRunning  = 0x40
	StatusResume      = 0x80
)

// Address extensions. ExtAbs addresses are virtual addresses inside a
// registered memory segment. ExtDyn addresses encode an event channel
// in the upper 16 bits and a signed byte offset, relative to that
// event's sampling base, in the lower 16 bits.
const (
	ExtAbs   = 0x00
	ExtDyn   = 0x02
	ExtUnset = 0xFF
)

// Checksum types returned by BUILD_CHECKSUM.
const (
	ChecksumAdd11     = 0x01 // byte-wise sum into u32
	ChecksumAdd44     = 0x07 // u32-wise sum into u32
	ChecksumCrc16Citt = 0x09 // CRC-16/CCITT
)

// Calibration page-switch mode bits.
const (
	CalPageECU = 0x01
	CalPageXCP = 0x02
	CalPageAll = 0x80
)

// Segment mode bits.
const (
	SegmentFreeze = 0x01
)

// DAQ list mode bits.
const (
	DaqModeTimestamp = 0x10
	DaqModePidOff    = 0x20
)

// START_STOP_DAQ_LIST sub-modes.
const (
	DaqStop   = 0x00
	DaqStart  = 0x01
	DaqSelect = 0x02
)

// START_STOP_SYNCH sub-modes.
const (
	DaqStopAll       = 0x00
	DaqStartSelected = 0x01
	DaqStopSelected  = 0x02
	DaqPrepare       = 0x03
)

// GET_DAQ_PROCESSOR_INFO property bits.
const (
	DaqPropDynamic     = 0x01
	DaqPropTimestamped = 0x10
	DaqPropOverloadMsb = 0x40
	DaqPropOverloadPid = 0x80
)

// Timestamp units for GET_DAQ_RESOLUTION_INFO.
const (
	TimestampUnit1NS = 0x00
	TimestampUnit1US = 0x03
	TimestampUnit1MS = 0x06

	TimestampFixed = 0x08 // timestamp always present in DTOs
)

// Protocol limits.
const (
	MaxCTO          = 252 // maximum command/response payload
	MaxOdtEntrySize = 248 // maximum bytes per ODT entry
)

// Versions reported by GET_VERSION.
const (
	ProtocolMajor  = 1
	ProtocolMinor  = 4
	TransportMajor = 1
	TransportMinor = 4
)
