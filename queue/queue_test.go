// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package queue

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/go-daq/xcp/xcpio"
)

func TestRoundTrip(t *testing.T) {
	q, err := New(1024, 256)
	if err != nil {
		t.Fatalf("could not create queue: %+v", err)
	}

	msg := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03, 0x04}
	buf, ok := q.Acquire(len(msg))
	if !ok {
		t.Fatalf("could not acquire buffer")
	}
	copy(buf.B, msg)
	buf.Commit(true)

	seg := q.Peek()
	if seg == nil {
		t.Fatalf("could not peek committed entry")
	}
	msgs, err := xcpio.Split(seg)
	if err != nil {
		t.Fatalf("could not split segment: %+v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("invalid number of messages: got=%d, want=1", len(msgs))
	}
	if !bytes.Equal(msgs[0], msg) {
		t.Fatalf("invalid payload: got=%v, want=%v", msgs[0], msg)
	}
	if !q.Flush() {
		t.Fatalf("flush flag not set")
	}

	q.Release()
	if q.Flush() {
		t.Fatalf("flush flag not cleared")
	}
	if got := q.Peek(); got != nil {
		t.Fatalf("peek on empty queue: got=%v", got)
	}
	if got := q.Level(); got != 0 {
		t.Fatalf("level after release: got=%d, want=0", got)
	}
}

func TestOverrun(t *testing.T) {
	q, err := New(64, 32)
	if err != nil {
		t.Fatalf("could not create queue: %+v", err)
	}

	var bufs []Buffer
	for {
		buf, ok := q.Acquire(16)
		if !ok {
			break
		}
		bufs = append(bufs, buf)
	}
	if len(bufs) == 0 {
		t.Fatalf("could not acquire any buffer")
	}
	if got, want := q.Lost(), uint32(1); got != want {
		t.Fatalf("invalid lost count: got=%d, want=%d", got, want)
	}

	level := q.Level()
	if _, ok := q.Acquire(16); ok {
		t.Fatalf("acquire succeeded on full queue")
	}
	if got, want := q.Lost(), uint32(2); got != want {
		t.Fatalf("invalid lost count: got=%d, want=%d", got, want)
	}
	if got := q.Level(); got != level {
		t.Fatalf("partial reservation on failed acquire: level %d -> %d", level, got)
	}

	// drain and make sure the freed space can be re-acquired.
	for _, buf := range bufs {
		buf.Commit(false)
	}
	for {
		seg := q.Peek()
		if seg == nil {
			break
		}
		q.Release()
	}
	if _, ok := q.Acquire(16); !ok {
		t.Fatalf("could not acquire after drain")
	}
}

func TestOversizedAcquire(t *testing.T) {
	q, err := New(1024, 64)
	if err != nil {
		t.Fatalf("could not create queue: %+v", err)
	}
	if _, ok := q.Acquire(64); ok {
		t.Fatalf("acquire succeeded for message larger than max segment")
	}
	if got, want := q.Lost(), uint32(1); got != want {
		t.Fatalf("invalid lost count: got=%d, want=%d", got, want)
	}
}

func TestFIFOIsAcquireOrder(t *testing.T) {
	q, err := New(1024, 256)
	if err != nil {
		t.Fatalf("could not create queue: %+v", err)
	}

	// acquire two entries, commit them in reverse order: the consumer
	// must not see the second entry before the first is committed.
	b1, ok := q.Acquire(4)
	if !ok {
		t.Fatalf("could not acquire first buffer")
	}
	b2, ok := q.Acquire(4)
	if !ok {
		t.Fatalf("could not acquire second buffer")
	}
	copy(b2.B, []byte{2, 2, 2, 2})
	b2.Commit(false)

	if seg := q.Peek(); seg != nil {
		t.Fatalf("peek returned data before the oldest entry was committed")
	}

	copy(b1.B, []byte{1, 1, 1, 1})
	b1.Commit(false)

	seg := q.Peek()
	if seg == nil {
		t.Fatalf("could not peek after both commits")
	}
	msgs, err := xcpio.Split(seg)
	if err != nil {
		t.Fatalf("could not split segment: %+v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("invalid number of messages: got=%d, want=2", len(msgs))
	}
	if !bytes.Equal(msgs[0], []byte{1, 1, 1, 1}) {
		t.Fatalf("first message out of order: %v", msgs[0])
	}
	if !bytes.Equal(msgs[1], []byte{2, 2, 2, 2}) {
		t.Fatalf("second message out of order: %v", msgs[1])
	}
	q.Release()
}

func TestConcurrentProducers(t *testing.T) {
	const (
		nProducers = 8
		nMsgs      = 1000
	)

	q, err := New(1<<16, 1400)
	if err != nil {
		t.Fatalf("could not create queue: %+v", err)
	}

	var wg sync.WaitGroup
	done := make(chan struct{})

	for p := 0; p < nProducers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < nMsgs; i++ {
				buf, ok := q.Acquire(8)
				if !ok {
					continue
				}
				buf.B[0] = byte(p)
				buf.Commit(false)
			}
		}(p)
	}

	var (
		ctrs []uint16
		got  int
	)
	go func() {
		defer close(done)
		for {
			seg := q.Peek()
			if seg == nil {
				time.Sleep(time.Millisecond)
				if got+int(q.Lost()) >= nProducers*nMsgs && q.Level() == 0 {
					return
				}
				continue
			}
			for len(seg) > 0 {
				n, ctr := xcpio.Header(seg)
				ctrs = append(ctrs, ctr)
				seg = seg[xcpio.HdrLen+int(n):]
				got++
			}
			q.Release()
		}
	}()

	wg.Wait()
	<-done

	if got+int(q.Lost()) != nProducers*nMsgs {
		t.Fatalf("message count mismatch: got=%d, lost=%d, want=%d",
			got, q.Lost(), nProducers*nMsgs,
		)
	}
	if uint32(len(ctrs)) != uint32(got) {
		t.Fatalf("counter count mismatch: got=%d, want=%d", len(ctrs), got)
	}

	// consumption order must equal acquisition order: the counters,
	// stamped at acquire time, must be strictly increasing mod 2^16.
	for i := 1; i < len(ctrs); i++ {
		if ctrs[i] != ctrs[i-1]+1 {
			t.Fatalf("counter %d out of order: %d follows %d", i, ctrs[i], ctrs[i-1])
		}
	}
}

func TestWrapAround(t *testing.T) {
	q, err := New(64, 32)
	if err != nil {
		t.Fatalf("could not create queue: %+v", err)
	}

	// cycle enough messages through the ring to force several wraps.
	for i := 0; i < 100; i++ {
		buf, ok := q.Acquire(10)
		if !ok {
			t.Fatalf("cycle %d: could not acquire", i)
		}
		for k := range buf.B {
			buf.B[k] = byte(i)
		}
		buf.Commit(false)

		seg := q.Peek()
		if seg == nil {
			t.Fatalf("cycle %d: could not peek", i)
		}
		msgs, err := xcpio.Split(seg)
		if err != nil {
			t.Fatalf("cycle %d: could not split: %+v", i, err)
		}
		if len(msgs) != 1 || len(msgs[0]) != 10 || msgs[0][0] != byte(i) {
			t.Fatalf("cycle %d: invalid message %v", i, msgs)
		}
		q.Release()
	}
	if got, want := q.Lost(), uint32(0); got != want {
		t.Fatalf("invalid lost count: got=%d, want=%d", got, want)
	}
}

func TestCounterSequence(t *testing.T) {
	q, err := New(1024, 256)
	if err != nil {
		t.Fatalf("could not create queue: %+v", err)
	}

	b, _ := q.Acquire(4)
	b.Commit(false)
	c := q.NextCounter()
	if c != 1 {
		t.Fatalf("invalid direct counter: got=%d, want=1", c)
	}
	b, _ = q.Acquire(4)
	b.Commit(false)

	seg := q.Peek()
	_, ctr0 := xcpio.Header(seg)
	if ctr0 != 0 {
		t.Fatalf("invalid first queued counter: got=%d, want=0", ctr0)
	}
	n, _ := xcpio.Header(seg)
	_, ctr2 := xcpio.Header(seg[xcpio.HdrLen+int(n):])
	if ctr2 != 2 {
		t.Fatalf("invalid second queued counter: got=%d, want=2", ctr2)
	}
	q.Release()
}

func TestWaitTimeout(t *testing.T) {
	q, err := New(1024, 256)
	if err != nil {
		t.Fatalf("could not create queue: %+v", err)
	}
	start := time.Now()
	q.Wait(10 * time.Millisecond)
	if time.Since(start) < 5*time.Millisecond {
		t.Fatalf("wait returned too early")
	}

	b, _ := q.Acquire(4)
	b.Commit(true)
	start = time.Now()
	q.Wait(time.Second)
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("wait did not wake on commit")
	}
}

func TestClearKeepsNewMessages(t *testing.T) {
	q, err := New(1024, 256)
	if err != nil {
		t.Fatalf("could not create queue: %+v", err)
	}

	b, ok := q.Acquire(4)
	if !ok {
		t.Fatalf("could not acquire buffer")
	}
	copy(b.B, []byte{1, 1, 1, 1})
	b.Commit(false)

	q.Clear()

	// a message acquired after the clear must survive it.
	b, ok = q.Acquire(4)
	if !ok {
		t.Fatalf("could not acquire buffer after clear")
	}
	copy(b.B, []byte{2, 2, 2, 2})
	b.Commit(false)

	seg := q.Peek()
	if seg == nil {
		t.Fatalf("could not peek message committed after clear")
	}
	msgs, err := xcpio.Split(seg)
	if err != nil {
		t.Fatalf("could not split segment: %+v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("condemned message not discarded: got %d messages", len(msgs))
	}
	if !bytes.Equal(msgs[0], []byte{2, 2, 2, 2}) {
		t.Fatalf("invalid payload: got=%v", msgs[0])
	}
	q.Release()
	if got := q.Level(); got != 0 {
		t.Fatalf("level after release: got=%d, want=0", got)
	}
}

func TestClearBacksOffUncommitted(t *testing.T) {
	q, err := New(1024, 256)
	if err != nil {
		t.Fatalf("could not create queue: %+v", err)
	}

	b, ok := q.Acquire(4)
	if !ok {
		t.Fatalf("could not acquire buffer")
	}
	q.Clear()

	// the discard must wait for the outstanding commit.
	if seg := q.Peek(); seg != nil {
		t.Fatalf("peek returned data while a clear was pending: %v", seg)
	}
	b.Commit(false)
	if seg := q.Peek(); seg != nil {
		t.Fatalf("peek returned a condemned message: %v", seg)
	}
	if got := q.Level(); got != 0 {
		t.Fatalf("level after discard: got=%d, want=0", got)
	}

	b, ok = q.Acquire(4)
	if !ok {
		t.Fatalf("could not acquire buffer after discard")
	}
	b.Commit(false)
	if seg := q.Peek(); seg == nil {
		t.Fatalf("could not peek after discard")
	}
	q.Release()
}

func TestClearWhilePeeked(t *testing.T) {
	q, err := New(64, 32)
	if err != nil {
		t.Fatalf("could not create queue: %+v", err)
	}

	b, ok := q.Acquire(10)
	if !ok {
		t.Fatalf("could not acquire buffer")
	}
	b.Commit(false)

	// the command path clears the ring while the consumer still holds
	// a peeked segment; the pair must not corrupt the ring state.
	seg := q.Peek()
	if seg == nil {
		t.Fatalf("could not peek committed entry")
	}
	q.Clear()
	q.Release()

	// the ring must keep cycling cleanly afterwards.
	for i := 0; i < 100; i++ {
		buf, ok := q.Acquire(10)
		if !ok {
			t.Fatalf("cycle %d: could not acquire after clear", i)
		}
		buf.Commit(false)
		if seg := q.Peek(); seg == nil {
			t.Fatalf("cycle %d: could not peek after clear", i)
		}
		q.Release()
	}
	if got := q.Level(); got != 0 {
		t.Fatalf("level after cycling: got=%d, want=0", got)
	}
}

func TestClearUnderLoad(t *testing.T) {
	q, err := New(1<<12, 256)
	if err != nil {
		t.Fatalf("could not create queue: %+v", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if buf, ok := q.Acquire(16); ok {
				buf.Commit(false)
			}
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			q.Clear()
			time.Sleep(100 * time.Microsecond)
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()

			// drain what the last clear left behind, then prove the
			// ring still round-trips a message.
			for q.Peek() != nil {
				q.Release()
			}
			buf, ok := q.Acquire(8)
			if !ok {
				t.Fatalf("queue wedged: could not acquire after clear storm")
			}
			copy(buf.B, []byte{1, 2, 3, 4, 5, 6, 7, 8})
			buf.Commit(true)
			seg := q.Peek()
			if seg == nil {
				t.Fatalf("queue wedged: could not peek after clear storm")
			}
			msgs, err := xcpio.Split(seg)
			if err != nil {
				t.Fatalf("could not split segment: %+v", err)
			}
			last := msgs[len(msgs)-1]
			if !bytes.Equal(last, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
				t.Fatalf("invalid payload: got=%v", last)
			}
			q.Release()
			return
		default:
		}
		if q.Peek() != nil {
			q.Release()
		}
	}
}
