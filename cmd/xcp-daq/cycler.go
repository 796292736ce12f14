// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/go-daq/xcp/slave"
)

// cycler drives the cyclic event channels of an engine from a single
// goroutine, firing each event when its cycle time has elapsed.
type cycler struct {
	start time.Time
	next  []time.Time
	cnt   []uint32
}

func newCycler() *cycler {
	return &cycler{start: time.Now()}
}

func (c *cycler) idle() { time.Sleep(10 * time.Millisecond) }

// step updates the demo signals of every due cyclic event and fires
// it. Each event channel owns a 12-byte window at 16*event in the
// first segment: a sine, a ramp and an occurrence counter, as float32
// and uint32 little-endian words.
func (c *cycler) step(eng *slave.Engine) {
	events := eng.Events()
	if len(c.next) != len(events) {
		now := time.Now()
		c.next = make([]time.Time, len(events))
		c.cnt = make([]uint32, len(events))
		for i := range c.next {
			c.next[i] = now
		}
	}
	if len(eng.Segments()) == 0 {
		c.idle()
		return
	}
	mem := eng.Mem(0)

	now := time.Now()
	wake := now.Add(50 * time.Millisecond)
	for i, ev := range events {
		if ev.CycleUS == 0 {
			continue
		}
		cycle := time.Duration(ev.CycleUS) * time.Microsecond
		if now.Before(c.next[i]) {
			if c.next[i].Before(wake) {
				wake = c.next[i]
			}
			continue
		}
		c.next[i] = now.Add(cycle)
		if c.next[i].Before(wake) {
			wake = c.next[i]
		}

		off := 16 * i
		if off+12 > len(mem) {
			continue
		}
		t := now.Sub(c.start).Seconds()
		sine := float32(math.Sin(2 * math.Pi * t / 5))
		ramp := float32(math.Mod(t, 10) / 10)
		binary.LittleEndian.PutUint32(mem[off:], math.Float32bits(sine))
		binary.LittleEndian.PutUint32(mem[off+4:], math.Float32bits(ramp))
		binary.LittleEndian.PutUint32(mem[off+8:], c.cnt[i])
		c.cnt[i]++
		eng.OnEvent(uint16(i), nil)
	}
	time.Sleep(time.Until(wake))
}
