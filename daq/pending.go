// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"sync/atomic"
)

// Deferred is a command parked for execution inside an event's
// sampling context, where its memory may be touched safely. Run
// returns the response packet to push through the transmit queue.
type Deferred struct {
	Event uint16
	Write bool // a write short-circuits sampling for the call that runs it
	Run   func(base []byte) []byte
}

// Pending is the one-slot holder for a deferred command. A second
// command arriving before the first is consumed must fail with a busy
// error; the claim is a compare-and-swap so the handshake stays
// race-free against concurrently firing events.
type Pending struct {
	slot atomic.Pointer[Deferred]
}

// Put parks a deferred command. It reports false when the slot is
// already occupied.
func (p *Pending) Put(d *Deferred) bool {
	return p.slot.CompareAndSwap(nil, d)
}

// Take claims the parked command if it targets the given event.
func (p *Pending) Take(event uint16) *Deferred {
	d := p.slot.Load()
	if d == nil || d.Event != event {
		return nil
	}
	if !p.slot.CompareAndSwap(d, nil) {
		return nil
	}
	return d
}

// Busy reports whether a deferred command is parked.
func (p *Pending) Busy() bool { return p.slot.Load() != nil }

// Clear drops any parked command.
func (p *Pending) Clear() { p.slot.Store(nil) }
