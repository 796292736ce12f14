// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package queue provides the fixed-capacity transmit queue that
// decouples DAQ sampling from network transmission.
//
// Producers (sampling goroutines) reserve space with Acquire, fill the
// payload without holding any lock, and publish it with Commit. The
// single consumer (the transmit loop) drains committed entries with
// Peek and Release, strictly in acquisition order even when unrelated
// producers commit out of order. When the queue is full, Acquire fails
// without blocking and the loss is counted; overruns never propagate
// to the sampling threads as errors.
//
// Entries are stored already framed (length, counter, payload), so a
// peeked segment can go to the socket verbatim.
package queue // import "github.com/go-daq/xcp/queue"

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-daq/xcp/xcpio"
)

const (
	stateFree = iota
	stateReserved
	stateCommitted
	statePadding // dead bytes at the end of the ring, skipped on peek
)

type entry struct {
	off   int // byte offset of the frame header in the ring
	size  int // total frame size (header+payload)
	state atomic.Uint32
}

// Queue is a multi-producer, single-consumer byte ring.
type Queue struct {
	mu   sync.Mutex // guards head, woff, ctr and the space check
	buf  []byte
	desc []entry

	head atomic.Uint64 // next descriptor to allocate
	tail atomic.Uint64 // next descriptor to consume; consumer-owned
	woff int           // next byte offset to reserve
	used atomic.Int64  // bytes reserved and not yet released

	ctr    uint16
	maxSeg int

	lost      atomic.Uint32
	flush     atomic.Bool
	reset     atomic.Bool   // ring reset requested, applied by the consumer
	resetHead atomic.Uint64 // discard entries below this descriptor index
	inflight  atomic.Int32  // buffers acquired and not yet committed
	avail     chan struct{}

	// last peeked segment, consumer-owned
	pk struct {
		ndesc  int
		nbytes int
	}
}

// New creates a queue with the given ring capacity in bytes. Peeked
// segments accumulate at most maxSeg bytes; maxSeg must fit the
// largest single message.
func New(capacity, maxSeg int) (*Queue, error) {
	if capacity < 2*maxSeg {
		return nil, fmt.Errorf("queue: capacity %d too small for max segment %d", capacity, maxSeg)
	}
	return &Queue{
		buf:    make([]byte, capacity),
		desc:   make([]entry, capacity/(xcpio.HdrLen+4)),
		maxSeg: maxSeg,
		avail:  make(chan struct{}, 1),
	}, nil
}

// Buffer is a reserved, not yet published queue entry. B is the
// payload region; the frame header is already stamped.
type Buffer struct {
	q *Queue
	i uint64
	B []byte
}

// Acquire reserves space for an n-byte message. It returns false,
// incrementing the lost counter, when the ring cannot hold the message;
// no partial reservation is left behind. The transport counter is
// assigned here, under the lock, so that consumption order equals
// counter order.
func (q *Queue) Acquire(n int) (Buffer, bool) {
	if n <= 0 || n+xcpio.HdrLen > q.maxSeg {
		q.lost.Add(1)
		return Buffer{}, false
	}
	need := n + xcpio.HdrLen

	q.mu.Lock()
	head := q.head.Load()
	ndesc := uint64(1)
	pad := 0
	if rest := len(q.buf) - q.woff; rest < need {
		pad = rest
		ndesc = 2
	}
	if head+ndesc-q.tailBarrier() > uint64(len(q.desc)) ||
		q.used.Load()+int64(pad+need) > int64(len(q.buf)) {
		q.mu.Unlock()
		q.lost.Add(1)
		return Buffer{}, false
	}

	if pad > 0 {
		d := &q.desc[head%uint64(len(q.desc))]
		d.off = q.woff
		d.size = pad
		d.state.Store(statePadding)
		head++
		q.woff = 0
	}

	d := &q.desc[head%uint64(len(q.desc))]
	d.off = q.woff
	d.size = need
	d.state.Store(stateReserved)

	xcpio.PutHeader(q.buf[q.woff:], uint16(n), q.ctr)
	q.ctr++
	q.woff += need
	q.used.Add(int64(pad + need))
	q.head.Store(head + 1)
	q.inflight.Add(1)
	idx := head
	q.mu.Unlock()

	off := q.desc[idx%uint64(len(q.desc))].off
	return Buffer{
		q: q,
		i: idx,
		B: q.buf[off+xcpio.HdrLen : off+xcpio.HdrLen+n],
	}, true
}

// tailBarrier is the consumer position as seen by producers. The
// consumer only ever advances it, so a stale read is conservative.
func (q *Queue) tailBarrier() uint64 {
	return q.tail.Load()
}

// Commit publishes a reserved buffer. The release store on the entry
// state makes the payload visible to the consumer. flush asks the
// consumer to transmit without waiting for more data.
func (b Buffer) Commit(flush bool) {
	q := b.q
	q.desc[b.i%uint64(len(q.desc))].state.Store(stateCommitted)
	q.inflight.Add(-1)
	if flush {
		q.flush.Store(true)
	}
	select {
	case q.avail <- struct{}{}:
	default:
	}
}

// NextCounter hands out a transport counter for a message sent outside
// the queue (an immediate command response).
func (q *Queue) NextCounter() uint16 {
	q.mu.Lock()
	c := q.ctr
	q.ctr++
	q.mu.Unlock()
	return c
}

// Peek returns the oldest committed segment, or nil when the oldest
// entry is still being written. It never skips ahead: consumption is
// strictly FIFO in acquisition order. Immediately following committed
// entries that are physically contiguous are folded into the returned
// segment, up to the maximum segment size. The segment stays valid
// until Release.
func (q *Queue) Peek() []byte {
	if q.reset.Load() && !q.applyReset() {
		return nil
	}
	head := q.head.Load()
	i := q.tail.Load()

	npad, padBytes := 0, 0
	for i < head {
		d := &q.desc[i%uint64(len(q.desc))]
		if d.state.Load() != statePadding {
			break
		}
		npad++
		padBytes += d.size
		i++
	}

	start, seglen, n := -1, 0, 0
	for i < head {
		d := &q.desc[i%uint64(len(q.desc))]
		if d.state.Load() != stateCommitted {
			break
		}
		if start < 0 {
			start = d.off
		} else if d.off != start+seglen {
			break // wrapped: not physically contiguous
		}
		if seglen+d.size > q.maxSeg {
			break
		}
		seglen += d.size
		n++
		i++
	}
	if n == 0 {
		return nil
	}

	q.pk.ndesc = npad + n
	q.pk.nbytes = padBytes + seglen
	return q.buf[start : start+seglen]
}

// Release advances past the last peeked segment and clears the flush
// flag. It must follow a successful Peek.
func (q *Queue) Release() {
	if q.pk.ndesc == 0 {
		return
	}
	tail := q.tail.Load()
	for k := 0; k < q.pk.ndesc; k++ {
		q.desc[(tail+uint64(k))%uint64(len(q.desc))].state.Store(stateFree)
	}
	q.tail.Store(tail + uint64(q.pk.ndesc))
	q.used.Add(-int64(q.pk.nbytes))
	q.pk.ndesc = 0
	q.pk.nbytes = 0
	q.flush.Store(false)
}

// Wait blocks the consumer until data is committed, a flush is
// requested or the timeout elapses.
func (q *Queue) Wait(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.avail:
	case <-timer.C:
	}
}

// Flush reports whether a producer requested immediate transmission.
func (q *Queue) Flush() bool { return q.flush.Load() }

// Lost returns the number of messages dropped on overrun.
func (q *Queue) Lost() uint32 { return q.lost.Load() }

// Level returns the number of bytes currently held in the ring.
func (q *Queue) Level() int { return int(q.used.Load()) }

// Drain waits until the ring is empty, polling, bounded by timeout.
func (q *Queue) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for q.used.Load() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}

// Clear requests that every message acquired before the call be
// discarded. The discard is applied in the consumer's context, before
// the next peek, so Clear is safe to call from the command path while
// the transmit loop runs; messages acquired after the call are kept.
// Until the discard is applied, Peek returns nil.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.resetHead.Store(q.head.Load())
	q.reset.Store(true)
	q.mu.Unlock()
	select {
	case q.avail <- struct{}{}:
	default:
	}
}

// applyReset discards the entries a Clear condemned. It runs in the
// consumer's context, between peek cycles, and holds the producer
// lock; it backs off while any acquired buffer is still uncommitted,
// since freeing a reserved descriptor would corrupt its later commit.
func (q *Queue) applyReset() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight.Load() != 0 {
		return false
	}
	var (
		tail = q.tail.Load()
		mark = q.resetHead.Load()
		n    int64
	)
	for i := tail; i < mark; i++ {
		d := &q.desc[i%uint64(len(q.desc))]
		n += int64(d.size)
		d.state.Store(stateFree)
	}
	q.tail.Store(mark)
	q.used.Add(-n)
	q.pk.ndesc = 0
	q.pk.nbytes = 0
	q.reset.Store(false)
	return true
}
