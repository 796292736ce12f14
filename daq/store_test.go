// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"testing"

	"github.com/go-daq/xcp/xcpio"
)

func newTestStore() *Store {
	return NewStore(4096, 16, 1400)
}

func checkCode(t *testing.T, err error, want xcpio.ErrCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected an error with code %v", want)
	}
	if got := xcpio.CodeOf(err); got != want {
		t.Fatalf("invalid error code: got=%v, want=%v (err=%+v)", got, want, err)
	}
}

func TestAllocSequence(t *testing.T) {
	s := newTestStore()

	checkCode(t, s.AllocOdts(0, 1), xcpio.ErrSequence)
	checkCode(t, s.AllocEntries(0, 0, 1), xcpio.ErrSequence)

	checkCode(t, s.AllocLists(0), xcpio.ErrOutOfRange)
	checkCode(t, s.AllocLists(17), xcpio.ErrOutOfRange)

	if err := s.AllocLists(2); err != nil {
		t.Fatalf("could not allocate lists: %+v", err)
	}
	if err := s.AllocOdts(0, 2); err != nil {
		t.Fatalf("could not allocate ODTs for list 0: %+v", err)
	}
	if err := s.AllocOdts(1, 1); err != nil {
		t.Fatalf("could not allocate ODTs for list 1: %+v", err)
	}

	// list 0's ODT range is no longer at the arena tail.
	checkCode(t, s.AllocOdts(0, 1), xcpio.ErrSequence)

	if err := s.AllocEntries(0, 0, 2); err != nil {
		t.Fatalf("could not allocate entries: %+v", err)
	}

	// list count and ODT count are frozen now.
	checkCode(t, s.AllocLists(1), xcpio.ErrSequence)
	checkCode(t, s.AllocOdts(1, 1), xcpio.ErrSequence)

	if got, want := s.NumLists(), 2; got != want {
		t.Fatalf("invalid list count: got=%d, want=%d", got, want)
	}
	if got, want := s.NumOdts(), 3; got != want {
		t.Fatalf("invalid ODT count: got=%d, want=%d", got, want)
	}
	if got, want := s.NumEntries(), 2; got != want {
		t.Fatalf("invalid entry count: got=%d, want=%d", got, want)
	}

	s.Free()
	if s.NumLists() != 0 || s.NumOdts() != 0 || s.NumEntries() != 0 {
		t.Fatalf("free did not clear the arena")
	}
}

func TestArenaCapacity(t *testing.T) {
	s := NewStore(10*listRecSize, 64, 1400)

	if err := s.AllocLists(9); err != nil {
		t.Fatalf("could not allocate lists: %+v", err)
	}

	// one more list record would reach the capacity bound.
	err := s.AllocLists(1)
	checkCode(t, err, xcpio.ErrMemOverflow)
	if got, want := s.NumLists(), 9; got != want {
		t.Fatalf("rejected allocation mutated the arena: got=%d lists, want=%d", got, want)
	}

	err = s.AllocOdts(0, 64)
	checkCode(t, err, xcpio.ErrMemOverflow)
	if got, want := s.NumOdts(), 0; got != want {
		t.Fatalf("rejected ODT allocation mutated the arena: got=%d, want=%d", got, want)
	}

	if s.Usage() >= s.Capacity() {
		t.Fatalf("arena usage %d exceeds capacity %d", s.Usage(), s.Capacity())
	}
}

func configure(t *testing.T, s *Store, nlists, nodts, nentries int) {
	t.Helper()
	if err := s.AllocLists(nlists); err != nil {
		t.Fatalf("could not allocate lists: %+v", err)
	}
	for i := 0; i < nlists; i++ {
		if err := s.AllocOdts(i, nodts); err != nil {
			t.Fatalf("could not allocate ODTs for list %d: %+v", i, err)
		}
	}
	for i := 0; i < nlists; i++ {
		for k := 0; k < nodts; k++ {
			if err := s.AllocEntries(i, k, nentries); err != nil {
				t.Fatalf("could not allocate entries for list %d ODT %d: %+v", i, k, err)
			}
		}
	}
}

func TestWriteEntry(t *testing.T) {
	s := newTestStore()
	configure(t, s, 1, 1, 2)

	checkCode(t, s.WriteEntry(xcpio.ExtAbs, 0, 1), xcpio.ErrSequence) // no cursor

	if err := s.SetPtr(0, 0, 0); err != nil {
		t.Fatalf("could not set write cursor: %+v", err)
	}
	checkCode(t, s.SetPtr(0, 0, 2), xcpio.ErrOutOfRange)
	checkCode(t, s.SetPtr(0, 1, 0), xcpio.ErrOutOfRange)

	checkCode(t, s.WriteEntry(xcpio.ExtAbs, 0, 0), xcpio.ErrOutOfRange)
	checkCode(t, s.WriteEntry(xcpio.ExtAbs, 0, 249), xcpio.ErrOutOfRange)

	if err := s.WriteEntry(xcpio.ExtAbs, 16, 4); err != nil {
		t.Fatalf("could not write entry: %+v", err)
	}

	// the list's address extension is pinned by the first write.
	checkCode(t, s.WriteEntry(xcpio.ExtDyn, 0, 4), xcpio.ErrDaqConfig)

	if err := s.WriteEntry(xcpio.ExtAbs, 20, 8); err != nil {
		t.Fatalf("could not write second entry: %+v", err)
	}

	// the cursor never crosses into the next ODT.
	checkCode(t, s.WriteEntry(xcpio.ExtAbs, 24, 1), xcpio.ErrSequence)

	o := s.OdtAt(0)
	if got, want := o.Size, 12; got != want {
		t.Fatalf("invalid ODT size: got=%d, want=%d", got, want)
	}
	if got, want := s.EntryAt(0), (Entry{Addr: 16, Size: 4}); got != want {
		t.Fatalf("invalid entry 0: got=%+v, want=%+v", got, want)
	}
	if got, want := s.EntryAt(1), (Entry{Addr: 20, Size: 8}); got != want {
		t.Fatalf("invalid entry 1: got=%+v, want=%+v", got, want)
	}
}

func TestOdtPayloadBudget(t *testing.T) {
	s := NewStore(4096, 16, 16)
	configure(t, s, 1, 1, 2)

	if err := s.SetPtr(0, 0, 0); err != nil {
		t.Fatalf("could not set write cursor: %+v", err)
	}
	if err := s.WriteEntry(xcpio.ExtAbs, 0, 12); err != nil {
		t.Fatalf("could not write entry: %+v", err)
	}
	checkCode(t, s.WriteEntry(xcpio.ExtAbs, 12, 8), xcpio.ErrDaqConfig)

	if got, want := s.OdtAt(0).Size, 12; got != want {
		t.Fatalf("rejected write mutated the ODT size: got=%d, want=%d", got, want)
	}
}

func TestEventExtensionConsistency(t *testing.T) {
	s := newTestStore()
	configure(t, s, 2, 1, 1)

	if err := s.SetListMode(0, 3, 0, 0); err != nil {
		t.Fatalf("could not bind list 0: %+v", err)
	}
	if err := s.SetListMode(1, 3, 0, 0); err != nil {
		t.Fatalf("could not bind list 1: %+v", err)
	}

	// rebinding to another event is rejected.
	checkCode(t, s.SetListMode(0, 4, 0, 0), xcpio.ErrDaqConfig)

	if err := s.SetPtr(0, 0, 0); err != nil {
		t.Fatalf("could not set cursor on list 0: %+v", err)
	}
	if err := s.WriteEntry(xcpio.ExtAbs, 0, 4); err != nil {
		t.Fatalf("could not write entry on list 0: %+v", err)
	}

	// list 1 shares event 3: a different extension is rejected and the
	// prior configuration is unaffected.
	if err := s.SetPtr(1, 0, 0); err != nil {
		t.Fatalf("could not set cursor on list 1: %+v", err)
	}
	checkCode(t, s.WriteEntry(xcpio.ExtDyn, 0, 4), xcpio.ErrDaqConfig)
	if got, want := s.ListAt(1).Ext, uint8(xcpio.ExtUnset); got != want {
		t.Fatalf("rejected write pinned the extension: got=0x%x, want=0x%x", got, want)
	}

	if err := s.WriteEntry(xcpio.ExtAbs, 0, 4); err != nil {
		t.Fatalf("could not write matching entry on list 1: %+v", err)
	}
}

func TestStartStop(t *testing.T) {
	s := newTestStore()
	configure(t, s, 3, 1, 1)

	// starting an unbound list is a configuration error.
	checkCode(t, s.Start(0), xcpio.ErrDaqConfig)

	for i := 0; i < 3; i++ {
		if err := s.SetListMode(i, uint16(i), 0, 0); err != nil {
			t.Fatalf("could not bind list %d: %+v", i, err)
		}
	}

	if err := s.Select(0, true); err != nil {
		t.Fatalf("could not select list 0: %+v", err)
	}
	if err := s.Select(2, true); err != nil {
		t.Fatalf("could not select list 2: %+v", err)
	}
	if err := s.StartSelected(); err != nil {
		t.Fatalf("could not start selected lists: %+v", err)
	}

	if !s.ListAt(0).Running() || s.ListAt(1).Running() || !s.ListAt(2).Running() {
		t.Fatalf("invalid running states: %v %v %v",
			s.ListAt(0).Running(), s.ListAt(1).Running(), s.ListAt(2).Running(),
		)
	}
	if s.ListAt(0).Selected() {
		t.Fatalf("selection not cleared on start")
	}
	if !s.AnyRunning() {
		t.Fatalf("AnyRunning = false with running lists")
	}

	s.StopAll()
	if s.AnyRunning() {
		t.Fatalf("AnyRunning = true after stop-all")
	}
}
