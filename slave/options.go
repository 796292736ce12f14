// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slave

import (
	"log"
	"os"
	"time"

	"github.com/go-daq/xcp/daq"
)

type config struct {
	msg *log.Logger

	station string // identification string reported by GET_ID

	queueCap int // transmit queue ring, bytes
	maxSeg   int // maximum transmitted segment, bytes

	arenaCap int // DAQ configuration arena budget, bytes
	maxLists int

	ts64   bool // 64-bit DTO timestamps
	wideID bool // 2-byte DTO list ids
	crc16  bool // CRC-16/CCITT checksums instead of additive sums

	memFile string // optional file backing the working memory

	flushInterval time.Duration // transmit loop periodic flush
	drainTimeout  time.Duration // queue drain bound on stop/disconnect

	events []daq.Event
	segs   []segConfig

	gate func(mode uint8) bool // CONNECT acceptance policy
}

type segConfig struct {
	name  string
	size  int
	pages int // calibration pages, including the working page
}

func newConfig() *config {
	return &config{
		msg:           log.New(os.Stdout, "xcp: ", 0),
		station:       "go-daq/xcp",
		queueCap:      64 * 1024,
		maxSeg:        1400,
		arenaCap:      16 * 1024,
		maxLists:      64,
		flushInterval: 50 * time.Millisecond,
		drainTimeout:  time.Second,
		gate:          func(mode uint8) bool { return true },
	}
}

func (cfg *config) validate() error {
	if cfg.queueCap < 2*cfg.maxSeg {
		return errorf("queue capacity %d too small for segment size %d", cfg.queueCap, cfg.maxSeg)
	}
	if cfg.maxLists <= 0 || cfg.maxLists > 0xFFFF {
		return errorf("invalid maximum list count %d", cfg.maxLists)
	}
	if !cfg.wideID && cfg.maxLists > 0x100 {
		return errorf("maximum list count %d needs wide DTO list ids", cfg.maxLists)
	}
	if len(cfg.events) > 0xFFFF {
		return errorf("too many event channels (%d)", len(cfg.events))
	}
	for _, seg := range cfg.segs {
		if seg.size <= 0 || seg.size > 0x10000 {
			return errorf("invalid size %d for segment %q", seg.size, seg.name)
		}
		if seg.pages < 1 {
			return errorf("invalid page count %d for segment %q", seg.pages, seg.name)
		}
	}
	return nil
}

// Option configures an XCP slave engine.
type Option func(*config)

// WithLogger sets the logger the engine and server report to.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithStation sets the identification string reported by GET_ID.
func WithStation(name string) Option {
	return func(cfg *config) {
		cfg.station = name
	}
}

// WithQueue sets the transmit queue ring capacity and the maximum
// transmitted segment size, in bytes.
func WithQueue(capacity, maxSeg int) Option {
	return func(cfg *config) {
		cfg.queueCap = capacity
		cfg.maxSeg = maxSeg
	}
}

// WithArena sets the DAQ configuration arena byte budget and the
// maximum number of DAQ lists.
func WithArena(capacity, maxLists int) Option {
	return func(cfg *config) {
		cfg.arenaCap = capacity
		cfg.maxLists = maxLists
	}
}

// WithTimestamp64 switches DTO timestamps to 64 bits.
func WithTimestamp64() Option {
	return func(cfg *config) {
		cfg.ts64 = true
	}
}

// WithWideListID switches DTO list ids to 16 bits, for configurations
// with more than 256 lists.
func WithWideListID() Option {
	return func(cfg *config) {
		cfg.wideID = true
	}
}

// WithCRCChecksum makes BUILD_CHECKSUM report CRC-16/CCITT checksums
// instead of additive sums.
func WithCRCChecksum() Option {
	return func(cfg *config) {
		cfg.crc16 = true
	}
}

// WithBackingFile maps the working memory onto the given file, so
// calibration changes survive a restart. The file is created or grown
// to the total segment size as needed.
func WithBackingFile(path string) Option {
	return func(cfg *config) {
		cfg.memFile = path
	}
}

// WithFlushInterval sets the transmit loop periodic flush interval.
func WithFlushInterval(d time.Duration) Option {
	return func(cfg *config) {
		cfg.flushInterval = d
	}
}

// WithDrainTimeout bounds the queue drain performed before a full DAQ
// stop or a disconnect is acknowledged.
func WithDrainTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.drainTimeout = d
	}
}

// WithEvent registers an event channel. Channels are numbered in
// registration order.
func WithEvent(name string, cycle time.Duration, prio uint8) Option {
	return func(cfg *config) {
		cfg.events = append(cfg.events, daq.Event{
			Name:     name,
			CycleUS:  uint32(cycle / time.Microsecond),
			Priority: prio,
		})
	}
}

// WithSegment registers a calibration memory segment of the given size
// with npages calibration pages, page 0 being the working page.
// Segments are numbered in registration order.
func WithSegment(name string, size, npages int) Option {
	return func(cfg *config) {
		cfg.segs = append(cfg.segs, segConfig{name: name, size: size, pages: npages})
	}
}

// WithConnectGate installs the application policy consulted by
// CONNECT. Returning false rejects the session.
func WithConnectGate(gate func(mode uint8) bool) Option {
	return func(cfg *config) {
		cfg.gate = gate
	}
}
