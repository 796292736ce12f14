// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/go-daq/xcp/queue"
)

// overrunFlag marks the first DTO after a data-loss event; bit 7 of
// the relative ODT number is reserved for it.
const overrunFlag = 0x80

// Sampler walks the DAQ lists bound to an event and copies live memory
// into queue-acquired buffers. OnEvent is called synchronously from
// application goroutines; it completes in bounded time and never
// blocks beyond the queue's short producer lock.
type Sampler struct {
	store   *Store
	q       *queue.Queue
	pending *Pending
	running *atomic.Bool

	wideID bool // 2-byte list ids, for configurations with >256 lists
	ts64   bool // 64-bit timestamps

	overload atomic.Uint32 // list occurrences abandoned on queue overrun
	dropped  atomic.Uint32 // deferred responses lost on queue overrun
}

// NewSampler creates a sampler over the given configuration store and
// transmit queue. running gates sampling globally; it is owned by the
// protocol engine.
func NewSampler(store *Store, q *queue.Queue, pending *Pending, running *atomic.Bool, wideID, ts64 bool) *Sampler {
	return &Sampler{
		store:   store,
		q:       q,
		pending: pending,
		running: running,
		wideID:  wideID,
		ts64:    ts64,
	}
}

// Overload returns the number of list occurrences abandoned because
// the transmit queue was full.
func (s *Sampler) Overload() uint32 { return s.overload.Load() }

// Dropped returns the number of deferred-command responses lost
// because the transmit queue was full.
func (s *Sampler) Dropped() uint32 { return s.dropped.Load() }

// OnEvent services one occurrence of an event channel. base is the
// memory window the event samples from; ts the acquisition timestamp.
//
// A deferred command targeting this event executes first, before any
// sampling; a deferred write suppresses sampling for this occurrence
// so the master observes write-after-read consistency.
func (s *Sampler) OnEvent(event uint16, base []byte, ts uint64) {
	if d := s.pending.Take(event); d != nil {
		s.push(d.Run(base))
		if d.Write {
			return
		}
	}

	if !s.running.Load() {
		return
	}

	for i := 0; i < s.store.NumLists(); i++ {
		l := s.store.ListAt(i)
		if l.Event != event || !l.Running() {
			continue
		}
		s.trigger(i, l, base, ts)
	}
}

// push sends a deferred-command response through the transmit queue.
func (s *Sampler) push(resp []byte) {
	if len(resp) == 0 {
		return
	}
	buf, ok := s.q.Acquire(len(resp))
	if !ok {
		// the master will time out and retry the command.
		s.dropped.Add(1)
		return
	}
	copy(buf.B, resp)
	buf.Commit(true)
}

// trigger emits one DTO per ODT of the list. When the queue is full
// the remaining ODTs of this occurrence are abandoned silently: a
// bounded, counted data-loss event, never a blocking wait.
func (s *Sampler) trigger(list int, l *List, base []byte, ts uint64) {
	hdr := 2
	if s.wideID {
		hdr = 4 // odt, filler, u16 list id
	}
	tsLen := 4
	if s.ts64 {
		tsLen = 8
	}

	nodt := l.NumOdts()
	for k := 0; k < nodt; k++ {
		o := s.store.OdtAt(l.FirstOdt + k)
		n := hdr + o.Size
		if k == 0 {
			n += tsLen
		}

		buf, ok := s.q.Acquire(n)
		if !ok {
			l.setBits(ListOverrun)
			s.overload.Add(1)
			return
		}

		p := buf.B
		pid := byte(k)
		if k == 0 && l.State()&ListOverrun != 0 {
			pid |= overrunFlag
			l.clearBits(ListOverrun)
		}
		p[0] = pid
		if s.wideID {
			p[1] = 0 // alignment filler
			binary.LittleEndian.PutUint16(p[2:4], uint16(list))
		} else {
			p[1] = byte(list)
		}

		off := hdr
		if k == 0 {
			if s.ts64 {
				binary.LittleEndian.PutUint64(p[off:], ts)
			} else {
				binary.LittleEndian.PutUint32(p[off:], uint32(ts))
			}
			off += tsLen
		}

		for e := o.FirstEntry; e <= o.LastEntry; e++ {
			off += copyEntry(p[off:], base, s.store.EntryAt(e))
		}

		flush := k == nodt-1 && l.Priority != 0
		buf.Commit(flush)
	}
}

// copyEntry copies one entry from the sampling base into the DTO,
// with width-specialized paths for the common scalar sizes. Entries
// reaching outside the base window read as zero.
func copyEntry(dst, base []byte, e Entry) int {
	n := int(e.Size)
	if n == 0 {
		return 0
	}
	off := int(e.Addr)
	if off < 0 || off+n > len(base) {
		for i := 0; i < n; i++ {
			dst[i] = 0
		}
		return n
	}
	src := base[off : off+n]
	switch n {
	case 1:
		dst[0] = src[0]
	case 2:
		dst[0] = src[0]
		dst[1] = src[1]
	case 4:
		dst[0] = src[0]
		dst[1] = src[1]
		dst[2] = src[2]
		dst[3] = src[3]
	case 8:
		copy(dst[:8], src)
	default:
		copy(dst[:n], src)
	}
	return n
}
