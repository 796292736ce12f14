// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slave

import (
	"github.com/go-daq/xcp/daq"
	"github.com/go-daq/xcp/internal/crc16"
	"github.com/go-daq/xcp/xcpio"
)

// Execute runs one master command and returns the response packet, or
// nil when the command produces none: unknown traffic before CONNECT,
// the keep-alive NOP, and commands deferred into an event's sampling
// context (their response travels through the transmit queue).
func (e *Engine) Execute(cro []byte) []byte {
	if len(cro) == 0 {
		return nil
	}
	cmd := cro[0]

	switch cmd {
	case xcpio.CmdConnect:
		resp, err := e.connect(cro)
		return e.respond(cmd, resp, err)
	case xcpio.CmdTransportLayer:
		// GET_SLAVE_ID answers discovery probes before CONNECT.
		resp, err := e.transportLayer(cro)
		return e.respond(cmd, resp, err)
	case xcpio.CmdSynch:
		return xcpio.Negative(xcpio.ErrCmdSynch)
	case xcpio.CmdUser:
		return nil // keep-alive NOP
	}

	if !e.Connected() {
		return nil
	}
	resp, err := e.dispatch(cmd, cro)
	return e.respond(cmd, resp, err)
}

func (e *Engine) respond(cmd uint8, resp []byte, err error) []byte {
	if err != nil {
		e.msg.Printf("cmd 0x%02x: %+v", cmd, err)
		return xcpio.Negative(xcpio.CodeOf(err))
	}
	return resp
}

func (e *Engine) dispatch(cmd uint8, cro []byte) ([]byte, error) {
	switch cmd {
	case xcpio.CmdDisconnect:
		e.Disconnect()
		return xcpio.Positive(), nil
	case xcpio.CmdGetStatus:
		return e.getStatus()
	case xcpio.CmdGetCommModeInfo:
		return e.getCommModeInfo()
	case xcpio.CmdGetID:
		return e.getID(cro)
	case xcpio.CmdLevel1:
		return e.level1(cro)
	case xcpio.CmdSetMTA:
		return e.setMTA(cro)
	case xcpio.CmdUpload:
		return e.upload(cro)
	case xcpio.CmdShortUpload:
		return e.shortUpload(cro)
	case xcpio.CmdDownload:
		return e.download(cro)
	case xcpio.CmdShortDownload:
		return e.shortDownload(cro)
	case xcpio.CmdBuildChecksum:
		return e.buildChecksum(cro)
	case xcpio.CmdSetCalPage:
		return e.setCalPage(cro)
	case xcpio.CmdGetCalPage:
		return e.getCalPage(cro)
	case xcpio.CmdCopyCalPage:
		return e.copyCalPage(cro)
	case xcpio.CmdSetSegmentMode:
		return e.setSegmentMode(cro)
	case xcpio.CmdGetSegmentMode:
		return e.getSegmentMode(cro)
	case xcpio.CmdFreeDaq:
		return e.freeDaq()
	case xcpio.CmdAllocDaq:
		return e.allocDaq(cro)
	case xcpio.CmdAllocOdt:
		return e.allocOdt(cro)
	case xcpio.CmdAllocOdtEntry:
		return e.allocOdtEntry(cro)
	case xcpio.CmdSetDaqPtr:
		return e.setDaqPtr(cro)
	case xcpio.CmdWriteDaq:
		return e.writeDaq(cro)
	case xcpio.CmdWriteDaqMult:
		return e.writeDaqMult(cro)
	case xcpio.CmdSetDaqListMode:
		return e.setDaqListMode(cro)
	case xcpio.CmdGetDaqListMode:
		return e.getDaqListMode(cro)
	case xcpio.CmdClearDaqList:
		return e.clearDaqList(cro)
	case xcpio.CmdStartStopList:
		return e.startStopList(cro)
	case xcpio.CmdStartStopSynch:
		return e.startStopSynch(cro)
	case xcpio.CmdGetDaqProcInfo:
		return e.getDaqProcInfo()
	case xcpio.CmdGetDaqResInfo:
		return e.getDaqResInfo()
	case xcpio.CmdGetDaqEventInfo:
		return e.getDaqEventInfo(cro)
	case xcpio.CmdGetDaqClock:
		return e.daqClock()
	case xcpio.CmdTimeCorrelation:
		return e.timeCorrelation(cro)
	}
	return nil, xcpio.Errorf(xcpio.ErrCmdUnknown, "slave: unknown command 0x%02x", cmd)
}

func arglen(cro []byte, n int) error {
	if len(cro) < n {
		return xcpio.Errorf(xcpio.ErrCmdSyntax,
			"slave: truncated command 0x%02x (got=%d, want=%d)", cro[0], len(cro), n,
		)
	}
	return nil
}

// connect establishes (or re-establishes) the master session. It
// always resets the DAQ configuration; a reconnect from a master that
// lost state must find a clean slave.
func (e *Engine) connect(cro []byte) ([]byte, error) {
	if err := arglen(cro, 2); err != nil {
		return nil, err
	}
	if !e.cfg.gate(cro[1]) {
		return nil, xcpio.Errorf(xcpio.ErrAccessLocked, "slave: connection refused by policy")
	}

	e.store.StopAll()
	e.run.Store(false)
	e.store.Free()
	e.q.Clear()
	e.pending.Clear()
	e.mta.valid = false
	e.clearStat(statDaqRunning)
	e.setStat(statConnected | statLegacy)

	resp := xcpio.Positive(
		xcpio.ResCalPag|xcpio.ResDaq, // available resources
		0x80,                         // byte order LE, optional comm info available
		xcpio.MaxCTO,
	)
	resp = xcpio.AppendU16(resp, e.maxDTO())
	return append(resp, xcpio.ProtocolMajor<<4, xcpio.TransportMajor<<4), nil
}

func (e *Engine) getStatus() ([]byte, error) {
	var status uint8
	if e.DaqRunning() {
		status |= xcpio.StatusDaqRunning
	}
	resp := xcpio.Positive(status, 0, 0)
	return xcpio.AppendU16(resp, 0), nil // session configuration id
}

func (e *Engine) getCommModeInfo() ([]byte, error) {
	return xcpio.Positive(
		0,    // reserved
		0,    // no block or interleaved modes
		0,    // reserved
		0,    // MAX_BS
		0,    // MIN_ST
		0,    // QUEUE_SIZE
		0x14, // driver version
	), nil
}

// getID stages the identification string for UPLOAD through the MTA,
// the standard transfer mode for masters that fetch the A2L name.
func (e *Engine) getID(cro []byte) ([]byte, error) {
	if err := arglen(cro, 2); err != nil {
		return nil, err
	}
	switch cro[1] {
	case 0, 1: // ASCII text, ASAM name without path
	default:
		return nil, xcpio.Errorf(xcpio.ErrOutOfRange, "slave: unsupported id type %d", cro[1])
	}
	e.id = []byte(e.cfg.station)
	e.mta.ext = extID
	e.mta.addr = 0
	e.mta.valid = true

	resp := xcpio.Positive(0, 0, 0) // transfer via UPLOAD
	return xcpio.AppendU32(resp, uint32(len(e.id))), nil
}

func (e *Engine) level1(cro []byte) ([]byte, error) {
	if err := arglen(cro, 2); err != nil {
		return nil, err
	}
	switch cro[1] {
	case xcpio.Lvl1GetVersion:
		return xcpio.Positive(0,
			xcpio.ProtocolMajor, xcpio.ProtocolMinor,
			xcpio.TransportMajor, xcpio.TransportMinor,
		), nil
	}
	return nil, xcpio.Errorf(xcpio.ErrCmdUnknown, "slave: unknown level-1 command 0x%02x", cro[1])
}

func (e *Engine) setMTA(cro []byte) ([]byte, error) {
	if err := arglen(cro, 8); err != nil {
		return nil, err
	}
	ext := cro[3]
	if ext != xcpio.ExtAbs && ext != xcpio.ExtDyn {
		return nil, xcpio.Errorf(xcpio.ErrAccessDenied, "slave: invalid address extension 0x%02x", ext)
	}
	e.mta.ext = ext
	e.mta.addr = xcpio.U32(cro[4:8])
	e.mta.valid = true
	return xcpio.Positive(), nil
}

func (e *Engine) upload(cro []byte) ([]byte, error) {
	if err := arglen(cro, 2); err != nil {
		return nil, err
	}
	n := int(cro[1])
	if n == 0 || n > xcpio.MaxCTO-1 {
		return nil, xcpio.Errorf(xcpio.ErrOutOfRange, "slave: invalid upload size %d", n)
	}
	return e.readMTA(n)
}

func (e *Engine) shortUpload(cro []byte) ([]byte, error) {
	if err := arglen(cro, 8); err != nil {
		return nil, err
	}
	if _, err := e.setMTA(cro); err != nil {
		return nil, err
	}
	n := int(cro[1])
	if n == 0 || n > xcpio.MaxCTO-1 {
		return nil, xcpio.Errorf(xcpio.ErrOutOfRange, "slave: invalid upload size %d", n)
	}
	return e.readMTA(n)
}

func (e *Engine) download(cro []byte) ([]byte, error) {
	if err := arglen(cro, 2); err != nil {
		return nil, err
	}
	n := int(cro[1])
	if n == 0 || n > xcpio.MaxCTO-2 {
		return nil, xcpio.Errorf(xcpio.ErrOutOfRange, "slave: invalid download size %d", n)
	}
	if err := arglen(cro, 2+n); err != nil {
		return nil, err
	}
	return e.writeMTA(cro[2 : 2+n])
}

func (e *Engine) shortDownload(cro []byte) ([]byte, error) {
	if err := arglen(cro, 8); err != nil {
		return nil, err
	}
	n := int(cro[1])
	if n == 0 || n > xcpio.MaxCTO-8 {
		return nil, xcpio.Errorf(xcpio.ErrOutOfRange, "slave: invalid download size %d", n)
	}
	if err := arglen(cro, 8+n); err != nil {
		return nil, err
	}
	ext := cro[3]
	if ext != xcpio.ExtAbs && ext != xcpio.ExtDyn {
		return nil, xcpio.Errorf(xcpio.ErrAccessDenied, "slave: invalid address extension 0x%02x", ext)
	}
	e.mta.ext = ext
	e.mta.addr = xcpio.U32(cro[4:8])
	e.mta.valid = true
	return e.writeMTA(cro[8 : 8+n])
}

// readMTA serves n bytes at the memory transfer address. Dynamic
// addresses defer into the owning event's sampling context; the
// response then travels through the transmit queue.
func (e *Engine) readMTA(n int) ([]byte, error) {
	if !e.mta.valid {
		return nil, xcpio.Errorf(xcpio.ErrAccessDenied, "slave: no memory transfer address set")
	}
	switch e.mta.ext {
	case extID:
		off := int(e.mta.addr)
		if off+n > len(e.id) {
			return nil, xcpio.Errorf(xcpio.ErrOutOfRange,
				"slave: id upload %d+%d outside staged data (len=%d)", off, n, len(e.id),
			)
		}
		e.mta.addr += uint32(n)
		return xcpio.Positive(e.id[off : off+n]...), nil

	case xcpio.ExtAbs:
		mem, _, err := e.window(e.mta.addr, n)
		if err != nil {
			return nil, err
		}
		e.mta.addr += uint32(n)
		return xcpio.Positive(mem...), nil

	case xcpio.ExtDyn:
		ev, off, err := e.dynAddr(e.mta.addr)
		if err != nil {
			return nil, err
		}
		d := &daq.Deferred{
			Event: ev,
			Run: func(base []byte) []byte {
				if off < 0 || off+n > len(base) {
					return xcpio.Negative(xcpio.ErrAccessDenied)
				}
				return xcpio.Positive(base[off : off+n]...)
			},
		}
		if !e.pending.Put(d) {
			return nil, xcpio.Errorf(xcpio.ErrCmdBusy, "slave: a deferred command is already pending")
		}
		e.mta.addr += uint32(n)
		return nil, nil
	}
	return nil, xcpio.Errorf(xcpio.ErrAccessDenied, "slave: invalid address extension 0x%02x", e.mta.ext)
}

// writeMTA stores data at the memory transfer address; the dynamic
// path defers like readMTA and additionally suppresses sampling for
// the occurrence that runs it, so a subsequent read cannot observe the
// pre-write value.
func (e *Engine) writeMTA(data []byte) ([]byte, error) {
	if !e.mta.valid {
		return nil, xcpio.Errorf(xcpio.ErrAccessDenied, "slave: no memory transfer address set")
	}
	n := len(data)
	switch e.mta.ext {
	case xcpio.ExtAbs:
		mem, ro, err := e.window(e.mta.addr, n)
		if err != nil {
			return nil, err
		}
		if ro {
			return nil, xcpio.Errorf(xcpio.ErrWriteProtect,
				"slave: download to read-only page (addr=0x%08x)", e.mta.addr,
			)
		}
		copy(mem, data)
		e.mta.addr += uint32(n)
		return xcpio.Positive(), nil

	case xcpio.ExtDyn:
		ev, off, err := e.dynAddr(e.mta.addr)
		if err != nil {
			return nil, err
		}
		buf := append([]byte(nil), data...)
		d := &daq.Deferred{
			Event: ev,
			Write: true,
			Run: func(base []byte) []byte {
				if off < 0 || off+n > len(base) {
					return xcpio.Negative(xcpio.ErrAccessDenied)
				}
				copy(base[off:off+n], buf)
				return xcpio.Positive()
			},
		}
		if !e.pending.Put(d) {
			return nil, xcpio.Errorf(xcpio.ErrCmdBusy, "slave: a deferred command is already pending")
		}
		e.mta.addr += uint32(n)
		return nil, nil
	}
	return nil, xcpio.Errorf(xcpio.ErrAccessDenied, "slave: invalid address extension 0x%02x", e.mta.ext)
}

// dynAddr splits a dynamic address into its event channel and signed
// byte offset.
func (e *Engine) dynAddr(addr uint32) (ev uint16, off int, err error) {
	ev = uint16(addr >> 16)
	if int(ev) >= len(e.events) {
		return 0, 0, xcpio.Errorf(xcpio.ErrOutOfRange,
			"slave: invalid event channel %d in dynamic address 0x%08x", ev, addr,
		)
	}
	return ev, int(int16(addr)), nil
}

func (e *Engine) buildChecksum(cro []byte) ([]byte, error) {
	if err := arglen(cro, 8); err != nil {
		return nil, err
	}
	n := int(xcpio.U32(cro[4:8]))
	if n <= 0 {
		return nil, xcpio.Errorf(xcpio.ErrOutOfRange, "slave: invalid checksum block size %d", n)
	}
	if !e.mta.valid {
		return nil, xcpio.Errorf(xcpio.ErrAccessDenied, "slave: no memory transfer address set")
	}

	switch e.mta.ext {
	case xcpio.ExtAbs:
		mem, _, err := e.window(e.mta.addr, n)
		if err != nil {
			return nil, err
		}
		typ, sum := e.checksum(mem)
		e.mta.addr += uint32(n)
		resp := xcpio.Positive(typ, 0, 0)
		return xcpio.AppendU32(resp, sum), nil

	case xcpio.ExtDyn:
		ev, off, err := e.dynAddr(e.mta.addr)
		if err != nil {
			return nil, err
		}
		d := &daq.Deferred{
			Event: ev,
			Run: func(base []byte) []byte {
				if off < 0 || off+n > len(base) {
					return xcpio.Negative(xcpio.ErrAccessDenied)
				}
				typ, sum := e.checksum(base[off : off+n])
				resp := xcpio.Positive(typ, 0, 0)
				return xcpio.AppendU32(resp, sum)
			},
		}
		if !e.pending.Put(d) {
			return nil, xcpio.Errorf(xcpio.ErrCmdBusy, "slave: a deferred command is already pending")
		}
		e.mta.addr += uint32(n)
		return nil, nil
	}
	return nil, xcpio.Errorf(xcpio.ErrAccessDenied, "slave: invalid address extension 0x%02x", e.mta.ext)
}

// checksum computes the block checksum and reports which algorithm was
// used: CRC-16/CCITT when configured, otherwise a word-wise additive
// sum when the block length allows it and a byte-wise one otherwise.
func (e *Engine) checksum(mem []byte) (typ uint8, sum uint32) {
	if e.cfg.crc16 {
		return xcpio.ChecksumCrc16Citt, uint32(crc16.Checksum(mem))
	}
	if len(mem)%4 == 0 {
		for i := 0; i < len(mem); i += 4 {
			sum += xcpio.U32(mem[i : i+4])
		}
		return xcpio.ChecksumAdd44, sum
	}
	for _, b := range mem {
		sum += uint32(b)
	}
	return xcpio.ChecksumAdd11, sum
}

func (e *Engine) setCalPage(cro []byte) ([]byte, error) {
	if err := arglen(cro, 4); err != nil {
		return nil, err
	}
	mode, seg, pg := cro[1], int(cro[2]), cro[3]
	if mode&(xcpio.CalPageECU|xcpio.CalPageXCP) == 0 {
		return nil, xcpio.Errorf(xcpio.ErrModeNotValid, "slave: invalid page-switch mode 0x%02x", mode)
	}

	apply := func(s *Segment) error {
		if int(pg) >= s.NumPages() {
			return xcpio.Errorf(xcpio.ErrPageNotValid,
				"slave: invalid page %d for segment %q", pg, s.Name,
			)
		}
		if mode&xcpio.CalPageECU != 0 {
			s.ecuPage = pg
		}
		if mode&xcpio.CalPageXCP != 0 {
			s.xcpPage = pg
		}
		return nil
	}

	if mode&xcpio.CalPageAll != 0 {
		for _, s := range e.segs {
			if err := apply(s); err != nil {
				return nil, err
			}
		}
		return xcpio.Positive(), nil
	}
	if seg >= len(e.segs) {
		return nil, xcpio.Errorf(xcpio.ErrSegNotValid, "slave: invalid segment %d", seg)
	}
	if err := apply(e.segs[seg]); err != nil {
		return nil, err
	}
	return xcpio.Positive(), nil
}

func (e *Engine) getCalPage(cro []byte) ([]byte, error) {
	if err := arglen(cro, 3); err != nil {
		return nil, err
	}
	mode, seg := cro[1], int(cro[2])
	if seg >= len(e.segs) {
		return nil, xcpio.Errorf(xcpio.ErrSegNotValid, "slave: invalid segment %d", seg)
	}
	s := e.segs[seg]
	switch mode {
	case xcpio.CalPageECU:
		return xcpio.Positive(0, 0, s.ecuPage), nil
	case xcpio.CalPageXCP:
		return xcpio.Positive(0, 0, s.xcpPage), nil
	}
	return nil, xcpio.Errorf(xcpio.ErrModeNotValid, "slave: invalid page-query mode 0x%02x", mode)
}

func (e *Engine) copyCalPage(cro []byte) ([]byte, error) {
	if err := arglen(cro, 5); err != nil {
		return nil, err
	}
	src, _, err := e.page(int(cro[1]), int(cro[2]))
	if err != nil {
		return nil, err
	}
	dst, _, err := e.page(int(cro[3]), int(cro[4]))
	if err != nil {
		return nil, err
	}
	if len(src) != len(dst) {
		return nil, xcpio.Errorf(xcpio.ErrOutOfRange,
			"slave: page size mismatch (src=%d, dst=%d)", len(src), len(dst),
		)
	}
	copy(dst, src)
	return xcpio.Positive(), nil
}

func (e *Engine) setSegmentMode(cro []byte) ([]byte, error) {
	if err := arglen(cro, 3); err != nil {
		return nil, err
	}
	mode, seg := cro[1], int(cro[2])
	if mode&^uint8(xcpio.SegmentFreeze) != 0 {
		return nil, xcpio.Errorf(xcpio.ErrModeNotValid, "slave: invalid segment mode 0x%02x", mode)
	}
	if seg >= len(e.segs) {
		return nil, xcpio.Errorf(xcpio.ErrSegNotValid, "slave: invalid segment %d", seg)
	}
	e.segs[seg].mode = mode
	return xcpio.Positive(), nil
}

func (e *Engine) getSegmentMode(cro []byte) ([]byte, error) {
	if err := arglen(cro, 3); err != nil {
		return nil, err
	}
	seg := int(cro[2])
	if seg >= len(e.segs) {
		return nil, xcpio.Errorf(xcpio.ErrSegNotValid, "slave: invalid segment %d", seg)
	}
	return xcpio.Positive(0, e.segs[seg].mode), nil
}

// checkDaqIdle rejects configuration mutations while acquisition runs;
// the store is lock-free readable only because it is frozen then.
func (e *Engine) checkDaqIdle() error {
	if e.run.Load() {
		return xcpio.Errorf(xcpio.ErrDaqActive, "slave: DAQ configuration change while running")
	}
	return nil
}

func (e *Engine) freeDaq() ([]byte, error) {
	if err := e.checkDaqIdle(); err != nil {
		return nil, err
	}
	e.store.Free()
	e.pending.Clear()
	e.q.Clear()
	return xcpio.Positive(), nil
}

func (e *Engine) allocDaq(cro []byte) ([]byte, error) {
	if err := arglen(cro, 4); err != nil {
		return nil, err
	}
	if err := e.checkDaqIdle(); err != nil {
		return nil, err
	}
	if err := e.store.AllocLists(int(xcpio.U16(cro[2:4]))); err != nil {
		return nil, err
	}
	return xcpio.Positive(), nil
}

func (e *Engine) allocOdt(cro []byte) ([]byte, error) {
	if err := arglen(cro, 5); err != nil {
		return nil, err
	}
	if err := e.checkDaqIdle(); err != nil {
		return nil, err
	}
	if err := e.store.AllocOdts(int(xcpio.U16(cro[2:4])), int(cro[4])); err != nil {
		return nil, err
	}
	return xcpio.Positive(), nil
}

func (e *Engine) allocOdtEntry(cro []byte) ([]byte, error) {
	if err := arglen(cro, 6); err != nil {
		return nil, err
	}
	if err := e.checkDaqIdle(); err != nil {
		return nil, err
	}
	if err := e.store.AllocEntries(int(xcpio.U16(cro[2:4])), int(cro[4]), int(cro[5])); err != nil {
		return nil, err
	}
	return xcpio.Positive(), nil
}

func (e *Engine) setDaqPtr(cro []byte) ([]byte, error) {
	if err := arglen(cro, 6); err != nil {
		return nil, err
	}
	if err := e.checkDaqIdle(); err != nil {
		return nil, err
	}
	if err := e.store.SetPtr(int(xcpio.U16(cro[2:4])), int(cro[4]), int(cro[5])); err != nil {
		return nil, err
	}
	return xcpio.Positive(), nil
}

func (e *Engine) writeDaq(cro []byte) ([]byte, error) {
	if err := arglen(cro, 8); err != nil {
		return nil, err
	}
	if err := e.checkDaqIdle(); err != nil {
		return nil, err
	}
	if err := e.writeDaqEntry(cro[1], cro[2], cro[3], xcpio.U32(cro[4:8])); err != nil {
		return nil, err
	}
	return xcpio.Positive(), nil
}

func (e *Engine) writeDaqMult(cro []byte) ([]byte, error) {
	if err := arglen(cro, 2); err != nil {
		return nil, err
	}
	if err := e.checkDaqIdle(); err != nil {
		return nil, err
	}
	n := int(cro[1])
	if err := arglen(cro, 2+8*n); err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		el := cro[2+8*i : 2+8*(i+1)]
		if err := e.writeDaqEntry(el[0], el[1], el[6], xcpio.U32(el[2:6])); err != nil {
			return nil, err
		}
	}
	return xcpio.Positive(), nil
}

// writeDaqEntry resolves one (ext, addr) pair to a sampling offset and
// configures the entry under the write cursor. Absolute addresses
// resolve against the flat segment memory; dynamic addresses keep
// their signed event-relative offset.
func (e *Engine) writeDaqEntry(bitOffset, size, ext uint8, addr uint32) error {
	if bitOffset != 0xFF {
		return xcpio.Errorf(xcpio.ErrOutOfRange, "slave: bit-level acquisition not supported")
	}
	switch ext {
	case xcpio.ExtAbs:
		off, err := e.flatOffset(addr, int(size))
		if err != nil {
			return err
		}
		return e.store.WriteEntry(ext, off, size)
	case xcpio.ExtDyn:
		ev := uint16(addr >> 16)
		if int(ev) >= len(e.events) {
			return xcpio.Errorf(xcpio.ErrOutOfRange,
				"slave: invalid event channel %d in dynamic address 0x%08x", ev, addr,
			)
		}
		return e.store.WriteEntry(ext, int32(int16(addr)), size)
	}
	return xcpio.Errorf(xcpio.ErrDaqConfig, "slave: invalid address extension 0x%02x", ext)
}

func (e *Engine) setDaqListMode(cro []byte) ([]byte, error) {
	if err := arglen(cro, 8); err != nil {
		return nil, err
	}
	if err := e.checkDaqIdle(); err != nil {
		return nil, err
	}
	mode := cro[1]
	list := int(xcpio.U16(cro[2:4]))
	event := xcpio.U16(cro[4:6])
	prescaler, prio := cro[6], cro[7]

	if mode&^uint8(xcpio.DaqModeTimestamp) != 0 {
		return nil, xcpio.Errorf(xcpio.ErrModeNotValid, "slave: unsupported list mode 0x%02x", mode)
	}
	if prescaler != 1 {
		return nil, xcpio.Errorf(xcpio.ErrOutOfRange, "slave: prescaler %d not supported", prescaler)
	}
	if int(event) >= len(e.events) {
		return nil, xcpio.Errorf(xcpio.ErrOutOfRange, "slave: invalid event channel %d", event)
	}
	if err := e.store.SetListMode(list, event, mode, prio); err != nil {
		return nil, err
	}
	return xcpio.Positive(), nil
}

func (e *Engine) getDaqListMode(cro []byte) ([]byte, error) {
	if err := arglen(cro, 4); err != nil {
		return nil, err
	}
	list := int(xcpio.U16(cro[2:4]))
	if list >= e.store.NumLists() {
		return nil, xcpio.Errorf(xcpio.ErrOutOfRange, "slave: invalid list %d", list)
	}
	l := e.store.ListAt(list)
	resp := xcpio.Positive(l.Mode, 0, 0)
	resp = xcpio.AppendU16(resp, l.Event)
	return append(resp, 1, l.Priority), nil
}

func (e *Engine) clearDaqList(cro []byte) ([]byte, error) {
	if err := arglen(cro, 4); err != nil {
		return nil, err
	}
	if err := e.checkDaqIdle(); err != nil {
		return nil, err
	}
	if err := e.store.ClearList(int(xcpio.U16(cro[2:4]))); err != nil {
		return nil, err
	}
	return xcpio.Positive(), nil
}

func (e *Engine) startStopList(cro []byte) ([]byte, error) {
	if err := arglen(cro, 4); err != nil {
		return nil, err
	}
	mode := cro[1]
	list := int(xcpio.U16(cro[2:4]))

	switch mode {
	case xcpio.DaqStop:
		if err := e.store.Stop(list); err != nil {
			return nil, err
		}
		e.syncRunning()
	case xcpio.DaqStart:
		if err := e.store.Start(list); err != nil {
			return nil, err
		}
		e.run.Store(true)
		e.setStat(statDaqRunning)
	case xcpio.DaqSelect:
		if err := e.store.Select(list, true); err != nil {
			return nil, err
		}
	default:
		return nil, xcpio.Errorf(xcpio.ErrModeNotValid, "slave: invalid start/stop mode 0x%02x", mode)
	}
	return xcpio.Positive(0), nil // first PID: relative ODT numbering
}

func (e *Engine) startStopSynch(cro []byte) ([]byte, error) {
	if err := arglen(cro, 2); err != nil {
		return nil, err
	}
	switch cro[1] {
	case xcpio.DaqStopAll:
		e.store.StopAll()
		e.syncRunning()
		// the master expects in-flight data before the ack.
		e.q.Drain(e.cfg.drainTimeout)
	case xcpio.DaqStartSelected:
		if err := e.store.StartSelected(); err != nil {
			return nil, err
		}
		if e.store.AnyRunning() {
			e.run.Store(true)
			e.setStat(statDaqRunning)
		}
	case xcpio.DaqStopSelected:
		e.store.StopSelected()
		e.syncRunning()
	case xcpio.DaqPrepare:
		// nothing to prepare: resources are allocated up front.
	default:
		return nil, xcpio.Errorf(xcpio.ErrModeNotValid,
			"slave: invalid synchronized start/stop mode 0x%02x", cro[1],
		)
	}
	return xcpio.Positive(), nil
}

// syncRunning drops the global running gate once no list acquires.
func (e *Engine) syncRunning() {
	if !e.store.AnyRunning() {
		e.run.Store(false)
		e.clearStat(statDaqRunning)
	}
}

func (e *Engine) getDaqProcInfo() ([]byte, error) {
	props := uint8(xcpio.DaqPropDynamic | xcpio.DaqPropTimestamped | xcpio.DaqPropOverloadPid)
	key := uint8(0x40) // relative ODT, 1-byte list id
	if e.cfg.wideID {
		key = 0xC0 // relative ODT, aligned 2-byte list id
	}
	resp := xcpio.Positive(props)
	resp = xcpio.AppendU16(resp, uint16(e.cfg.maxLists))
	resp = xcpio.AppendU16(resp, uint16(len(e.events)))
	return append(resp, 0, key), nil
}

func (e *Engine) getDaqResInfo() ([]byte, error) {
	tsMode := uint8(0x04) | xcpio.TimestampFixed | xcpio.TimestampUnit1US<<4
	resp := xcpio.Positive(
		1, // ODT entry size granularity
		xcpio.MaxOdtEntrySize,
		1, // STIM granularity
		0, // STIM not supported
		tsMode,
	)
	return xcpio.AppendU16(resp, 1), nil // timestamp ticks per unit
}

func (e *Engine) getDaqEventInfo(cro []byte) ([]byte, error) {
	if err := arglen(cro, 4); err != nil {
		return nil, err
	}
	ev := int(xcpio.U16(cro[2:4]))
	if ev >= len(e.events) {
		return nil, xcpio.Errorf(xcpio.ErrOutOfRange, "slave: invalid event channel %d", ev)
	}
	ch := &e.events[ev]

	// the name is fetched with UPLOAD, like GET_ID payloads.
	e.id = []byte(ch.Name)
	e.mta.ext = extID
	e.mta.addr = 0
	e.mta.valid = true

	cycle, unit := cycleOf(ch.CycleUS)
	return xcpio.Positive(
		0x04, // DAQ direction
		0x00, // unlimited lists per event
		uint8(len(ch.Name)),
		cycle, unit,
		ch.Priority,
	), nil
}

// cycleOf encodes a cycle time in microseconds into the event-info
// (cycle, unit) pair, zero meaning sporadic.
func cycleOf(us uint32) (cycle, unit uint8) {
	switch {
	case us == 0:
		return 0, 0
	case us <= 0xFF:
		return uint8(us), xcpio.TimestampUnit1US
	default:
		ms := us / 1000
		if ms > 0xFF {
			ms = 0xFF
		}
		return uint8(ms), xcpio.TimestampUnit1MS
	}
}

// daqClock reports the slave clock, in the legacy 32-bit layout until
// the master negotiates time correlation.
func (e *Engine) daqClock() ([]byte, error) {
	now := e.clk.Now()
	if e.stat.Load()&statLegacy != 0 {
		resp := xcpio.Positive(0, 0, 0)
		return xcpio.AppendU32(resp, uint32(now)), nil
	}
	resp := xcpio.Positive(
		0,    // trigger info
		0x02, // payload format: 64-bit slave clock
		0,
	)
	return xcpio.AppendU64(resp, now), nil
}

// daqClockProbe answers a multicast GET_DAQ_CLOCK probe. Unlike
// Execute it may run concurrently with the command path: it touches
// only atomic session state and the free-running clock. It returns
// nil when no session is established.
func (e *Engine) daqClockProbe() []byte {
	if !e.Connected() {
		return nil
	}
	resp, _ := e.daqClock()
	return resp
}

// timeCorrelation switches the session out of legacy mode: from here
// on GET_DAQ_CLOCK reports the 64-bit extended layout.
func (e *Engine) timeCorrelation(cro []byte) ([]byte, error) {
	if err := arglen(cro, 4); err != nil {
		return nil, err
	}
	e.clearStat(statLegacy)

	resp := xcpio.Positive(
		0x01, // extended response format in use
		0,    // no observable grandmaster clocks
		0,    // sync state: free running
		0,    // no clock info payload follows
		0,
	)
	return append(resp, cro[2], cro[3]), nil // echo cluster id
}

func (e *Engine) transportLayer(cro []byte) ([]byte, error) {
	if err := arglen(cro, 2); err != nil {
		return nil, err
	}
	switch cro[1] {
	case xcpio.TLGetSlaveID:
		if err := arglen(cro, 6); err != nil {
			return nil, err
		}
		if cro[2] != 'X' || cro[3] != 'C' || cro[4] != 'P' {
			return nil, xcpio.Errorf(xcpio.ErrCmdSyntax, "slave: malformed GET_SLAVE_ID probe")
		}
		resp := xcpio.Positive('X', 'C', 'P')
		resp = xcpio.AppendU16(resp, uint16(e.port.Load()))
		return xcpio.AppendU32(resp, 0), nil
	case xcpio.TLGetDaqClockMcast:
		if !e.Connected() {
			return nil, nil
		}
		return e.daqClock()
	}
	return nil, xcpio.Errorf(xcpio.ErrCmdUnknown,
		"slave: unknown transport-layer command 0x%02x", cro[1],
	)
}
