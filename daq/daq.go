// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package daq holds the DAQ-list configuration store and the event
// trigger that samples configured memory into the transmit queue.
package daq // import "github.com/go-daq/xcp/daq"

import (
	"sync/atomic"
)

// EventUnbound marks a DAQ list with no event channel assigned.
const EventUnbound = 0xFFFF

// List state bits.
const (
	ListSelected uint32 = 1 << iota
	ListRunning
	ListOverrun
)

// List is one independently startable acquisition stream: a contiguous
// range of ODTs, a bound event channel and a shared address extension.
// Lists are owned by the Store and referenced by index, never by
// pointer.
type List struct {
	FirstOdt int // absolute ODT index
	LastOdt  int // inclusive

	Event    uint16
	Mode     uint8
	Priority uint8
	Ext      uint8

	state atomic.Uint32
}

// NumOdts returns the number of ODTs assigned to the list.
func (l *List) NumOdts() int {
	if l.LastOdt < l.FirstOdt {
		return 0
	}
	return l.LastOdt - l.FirstOdt + 1
}

// State returns the current state bits of the list.
func (l *List) State() uint32 { return l.state.Load() }

// Running reports whether the list is currently acquiring.
func (l *List) Running() bool { return l.state.Load()&ListRunning != 0 }

// Selected reports whether the list is selected for a synchronized
// start or stop.
func (l *List) Selected() bool { return l.state.Load()&ListSelected != 0 }

func (l *List) setBits(bits uint32) {
	for {
		old := l.state.Load()
		if l.state.CompareAndSwap(old, old|bits) {
			return
		}
	}
}

func (l *List) clearBits(bits uint32) {
	for {
		old := l.state.Load()
		if l.state.CompareAndSwap(old, old&^bits) {
			return
		}
	}
}

// Odt is one acquisition frame within a list: a contiguous range of
// ODT entries and the accumulated payload size.
type Odt struct {
	FirstEntry int // absolute entry index
	LastEntry  int // inclusive
	Size       int // accumulated payload bytes
}

// NumEntries returns the number of entries assigned to the ODT.
func (o *Odt) NumEntries() int {
	if o.LastEntry < o.FirstEntry {
		return 0
	}
	return o.LastEntry - o.FirstEntry + 1
}

// Entry is the atomic unit the sampler copies: a signed offset
// relative to the addressing-mode base, and a size in bytes.
type Entry struct {
	Addr int32
	Size uint8
}

// Event describes one event channel applications trigger from their
// own goroutines.
type Event struct {
	Name     string
	CycleUS  uint32 // nominal cycle time, 0 for sporadic
	Priority uint8
}
