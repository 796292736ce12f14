// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package slave implements the slave side of the XCP measurement and
// calibration protocol: the command processor, the session state
// machine and the UDP/TCP transport.
package slave // import "github.com/go-daq/xcp/slave"

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/go-daq/xcp/daq"
	"github.com/go-daq/xcp/internal/mmap"
	"github.com/go-daq/xcp/queue"
	"github.com/go-daq/xcp/xcpio"
)

func errorf(format string, args ...interface{}) error {
	return fmt.Errorf("slave: "+format, args...)
}

// Session state bits.
const (
	statConnected uint32 = 1 << iota
	statDaqRunning
	statLegacy // legacy 32-bit GET_DAQ_CLOCK payload
)

// extID is the internal pseudo address extension used to expose
// identification strings (GET_ID, event names) to UPLOAD. It never
// appears on the wire as a valid master-selectable extension.
const extID = 0xFE

// Segment is one calibration memory segment: a window of the engine's
// flat working memory plus zero or more frozen reference pages.
// Page 0 is the working page; higher pages are read-only.
type Segment struct {
	Name string

	off  int // window offset in the engine memory
	size int

	refs [][]byte // reference pages 1..n

	ecuPage uint8
	xcpPage uint8
	mode    uint8
}

// NumPages returns the number of calibration pages of the segment.
func (s *Segment) NumPages() int { return 1 + len(s.refs) }

// Size returns the segment size in bytes.
func (s *Segment) Size() int { return s.size }

// Engine is one XCP slave protocol instance: session state, memory
// segments, DAQ configuration and the transmit queue. It has no
// package-level state; everything the protocol touches hangs off the
// struct.
//
// Execute is single-threaded: the transport serializes command
// delivery. Sampling goroutines enter only through OnEvent.
type Engine struct {
	msg *log.Logger
	cfg *config

	stat atomic.Uint32 // session state bits
	run  atomic.Bool   // gates the sampler

	mem  []byte // flat working memory, segments are windows into it
	mm   *mmap.Handle
	segs []*Segment

	events []daq.Event

	store   *daq.Store
	q       *queue.Queue
	pending *daq.Pending
	smp     *daq.Sampler

	clk  *clock
	port atomic.Uint32 // transport port, for GET_SLAVE_ID

	mta struct {
		ext   uint8
		addr  uint32
		valid bool
	}

	id []byte // staged identification bytes, read through extID
}

// New creates an XCP slave engine.
func New(opts ...Option) (*Engine, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("slave: invalid configuration: %w", err)
	}

	q, err := queue.New(cfg.queueCap, cfg.maxSeg)
	if err != nil {
		return nil, fmt.Errorf("slave: could not create transmit queue: %w", err)
	}

	eng := &Engine{
		msg:     cfg.msg,
		cfg:     cfg,
		q:       q,
		pending: new(daq.Pending),
		clk:     newClock(),
		events:  cfg.events,
	}

	var size int
	for _, sc := range cfg.segs {
		seg := &Segment{Name: sc.name, off: size, size: sc.size}
		for i := 1; i < sc.pages; i++ {
			seg.refs = append(seg.refs, make([]byte, sc.size))
		}
		eng.segs = append(eng.segs, seg)
		size += sc.size
	}
	switch {
	case cfg.memFile != "" && size > 0:
		mm, err := mmap.Map(cfg.memFile, size)
		if err != nil {
			return nil, fmt.Errorf("slave: could not map working memory: %w", err)
		}
		eng.mm = mm
		eng.mem = mm.Bytes()
	default:
		eng.mem = make([]byte, size)
	}

	eng.store = daq.NewStore(cfg.arenaCap, cfg.maxLists, eng.maxOdtSize())
	eng.smp = daq.NewSampler(eng.store, q, eng.pending, &eng.run, cfg.wideID, cfg.ts64)
	return eng, nil
}

// maxOdtSize is the DTO payload budget left once the frame header, the
// DTO identification field and the first-ODT timestamp are accounted
// for.
func (e *Engine) maxOdtSize() int {
	n := e.cfg.maxSeg - xcpio.HdrLen - 2
	if e.cfg.wideID {
		n -= 2
	}
	if e.cfg.ts64 {
		n -= 8
	} else {
		n -= 4
	}
	return n
}

// maxDTO is the maximum DTO packet size reported by CONNECT.
func (e *Engine) maxDTO() uint16 {
	n := e.cfg.maxSeg - xcpio.HdrLen
	if n > 0xFFFF {
		n = 0xFFFF
	}
	return uint16(n)
}

func (e *Engine) setStat(bits uint32) {
	for {
		old := e.stat.Load()
		if e.stat.CompareAndSwap(old, old|bits) {
			return
		}
	}
}

func (e *Engine) clearStat(bits uint32) {
	for {
		old := e.stat.Load()
		if e.stat.CompareAndSwap(old, old&^bits) {
			return
		}
	}
}

// setPort records the transport port reported by GET_SLAVE_ID.
func (e *Engine) setPort(port uint16) { e.port.Store(uint32(port)) }

// Connected reports whether a master session is established.
func (e *Engine) Connected() bool { return e.stat.Load()&statConnected != 0 }

// DaqRunning reports whether any DAQ list is acquiring.
func (e *Engine) DaqRunning() bool { return e.stat.Load()&statDaqRunning != 0 }

// Queue returns the engine's transmit queue. The transport drains it;
// everyone else only reads statistics.
func (e *Engine) Queue() *queue.Queue { return e.q }

// Overload returns the number of DAQ list occurrences abandoned
// because the transmit queue was full.
func (e *Engine) Overload() uint32 { return e.smp.Overload() }

// Dropped returns the number of deferred-command responses lost
// because the transmit queue was full.
func (e *Engine) Dropped() uint32 { return e.smp.Dropped() }

// Events returns the registered event channels.
func (e *Engine) Events() []daq.Event { return e.events }

// Segments returns the registered calibration segments.
func (e *Engine) Segments() []*Segment { return e.segs }

// Station returns the identification string reported by GET_ID.
func (e *Engine) Station() string { return e.cfg.station }

// Mem returns the working-page window of the named segment. The demo
// daemon and tests write live values through it; the sampler reads it.
func (e *Engine) Mem(segment int) []byte {
	s := e.segs[segment]
	return e.mem[s.off : s.off+s.size]
}

// OnEvent services one occurrence of an event channel from an
// application goroutine. base is the memory the event's dynamic
// addresses are relative to; nil selects the engine's own segment
// memory, for absolute addressing.
func (e *Engine) OnEvent(event uint16, base []byte) {
	if int(event) >= len(e.events) {
		return
	}
	if base == nil {
		base = e.mem
	}
	e.smp.OnEvent(event, base, e.clk.Now())
}

// Disconnect tears the session down: stops acquisition, drains the
// queue bounded by the configured timeout, and drops session state.
// Also invoked by the transport on an implicit disconnect.
func (e *Engine) Disconnect() {
	e.store.StopAll()
	e.run.Store(false)
	e.clearStat(statDaqRunning)
	e.q.Drain(e.cfg.drainTimeout)
	e.q.Clear()
	e.pending.Clear()
	e.mta.valid = false
	e.clearStat(statConnected)
}

// Close releases the engine's resources: when the working memory is
// file-backed, it is flushed and unmapped.
func (e *Engine) Close() error {
	if e.mm == nil {
		return nil
	}
	if err := e.mm.Sync(); err != nil {
		return fmt.Errorf("slave: could not flush working memory: %w", err)
	}
	if err := e.mm.Close(); err != nil {
		return fmt.Errorf("slave: could not unmap working memory: %w", err)
	}
	e.mm = nil
	return nil
}

// window resolves an absolute (segment-virtual) address range to the
// backing memory. The returned slice is the working page or, when the
// segment's XCP page is switched away from it, the read-only reference
// page; ro reports which.
func (e *Engine) window(addr uint32, n int) (mem []byte, ro bool, err error) {
	seg := int(addr >> 16)
	off := int(addr & 0xFFFF)
	if seg >= len(e.segs) {
		return nil, false, xcpio.Errorf(xcpio.ErrAccessDenied,
			"slave: invalid segment %d in address 0x%08x", seg, addr,
		)
	}
	s := e.segs[seg]
	if off+n > s.size {
		return nil, false, xcpio.Errorf(xcpio.ErrAccessDenied,
			"slave: address 0x%08x+%d outside segment %q (size=%d)", addr, n, s.Name, s.size,
		)
	}
	if s.xcpPage == 0 {
		return e.mem[s.off+off : s.off+off+n], false, nil
	}
	return s.refs[s.xcpPage-1][off : off+n], true, nil
}

// flatOffset resolves an absolute address range to an offset into the
// engine's flat working memory, for DAQ entry configuration.
func (e *Engine) flatOffset(addr uint32, n int) (int32, error) {
	seg := int(addr >> 16)
	off := int(addr & 0xFFFF)
	if seg >= len(e.segs) {
		return 0, xcpio.Errorf(xcpio.ErrAccessDenied,
			"slave: invalid segment %d in address 0x%08x", seg, addr,
		)
	}
	s := e.segs[seg]
	if off+n > s.size {
		return 0, xcpio.Errorf(xcpio.ErrAccessDenied,
			"slave: address 0x%08x+%d outside segment %q (size=%d)", addr, n, s.Name, s.size,
		)
	}
	return int32(s.off + off), nil
}

// page returns one calibration page of one segment.
func (e *Engine) page(seg, pg int) (mem []byte, ro bool, err error) {
	if seg < 0 || seg >= len(e.segs) {
		return nil, false, xcpio.Errorf(xcpio.ErrSegNotValid, "slave: invalid segment %d", seg)
	}
	s := e.segs[seg]
	if pg < 0 || pg >= s.NumPages() {
		return nil, false, xcpio.Errorf(xcpio.ErrPageNotValid,
			"slave: invalid page %d for segment %q", pg, s.Name,
		)
	}
	if pg == 0 {
		return e.mem[s.off : s.off+s.size], false, nil
	}
	return s.refs[pg-1], true, nil
}
