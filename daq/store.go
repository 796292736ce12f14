// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"github.com/go-daq/xcp/xcpio"
)

// Record sizes charged against the arena capacity.
const (
	listRecSize  = 16
	odtRecSize   = 12
	entryRecSize = 5 // sizeof(addr) + sizeof(size)
)

// maxOdtsPerList bounds the relative ODT number to what the DTO
// header byte can carry, bit 7 being reserved for the overrun flag.
const maxOdtsPerList = 0x7C

// Store is the DAQ configuration arena: typed slices of lists, ODTs
// and ODT entries, built incrementally by the allocation commands.
//
// Allocation is staged and monotonic: lists, then ODTs, then entries.
// Once ODT allocation starts the list count is frozen; once entry
// allocation starts the ODT count is frozen. Every mutation
// re-validates the arena capacity and leaves prior state intact on
// rejection.
//
// The Store has a single logical writer, the command processor.
// Sampling goroutines read it concurrently without locks: mutating
// calls are rejected while any list is running.
type Store struct {
	capacity   int
	maxLists   int
	maxOdtSize int // payload budget per ODT, from the transport MTU

	lists   []List
	odts    []Odt
	entries []Entry

	wr struct {
		list  int
		odt   int // absolute
		entry int // absolute
		valid bool
	}
}

// NewStore creates an empty configuration store. capacity is the
// arena byte budget, maxOdtSize the maximum payload of one ODT.
func NewStore(capacity, maxLists, maxOdtSize int) *Store {
	s := &Store{
		capacity:   capacity,
		maxLists:   maxLists,
		maxOdtSize: maxOdtSize,
	}
	s.Free()
	return s
}

// Free discards the whole configuration. There is no partial
// teardown: the arena is simply cleared.
func (s *Store) Free() {
	s.lists = s.lists[:0]
	s.odts = s.odts[:0]
	s.entries = s.entries[:0]
	s.wr.valid = false
}

// Usage returns the arena bytes the current configuration accounts
// for.
func (s *Store) Usage() int {
	return len(s.lists)*listRecSize + len(s.odts)*odtRecSize + len(s.entries)*entryRecSize
}

// Capacity returns the configured arena byte budget.
func (s *Store) Capacity() int { return s.capacity }

func (s *Store) checkCapacity(nlists, nodts, nentries int) error {
	usage := nlists*listRecSize + nodts*odtRecSize + nentries*entryRecSize
	if usage >= s.capacity {
		return xcpio.Errorf(xcpio.ErrMemOverflow,
			"daq: arena overflow (need=%d, capacity=%d)", usage, s.capacity,
		)
	}
	return nil
}

// AllocLists reserves n more DAQ list slots, all unbound. It fails
// with SEQUENCE once ODT or entry allocation has started.
func (s *Store) AllocLists(n int) error {
	if len(s.odts) != 0 || len(s.entries) != 0 {
		return xcpio.Errorf(xcpio.ErrSequence, "daq: list allocation after ODT allocation")
	}
	if n <= 0 || len(s.lists)+n > s.maxLists {
		return xcpio.Errorf(xcpio.ErrOutOfRange,
			"daq: invalid list count %d (have=%d, max=%d)", n, len(s.lists), s.maxLists,
		)
	}
	if err := s.checkCapacity(len(s.lists)+n, 0, 0); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		s.lists = append(s.lists, List{
			FirstOdt: 0,
			LastOdt:  -1,
			Event:    EventUnbound,
			Ext:      xcpio.ExtUnset,
		})
	}
	return nil
}

// AllocOdts appends n ODT slots to the named list. ODTs of one list
// are contiguous in the arena, so lists must be extended in allocation
// order; it fails with SEQUENCE once entry allocation has started.
func (s *Store) AllocOdts(list, n int) error {
	if len(s.lists) == 0 {
		return xcpio.Errorf(xcpio.ErrSequence, "daq: ODT allocation before list allocation")
	}
	if len(s.entries) != 0 {
		return xcpio.Errorf(xcpio.ErrSequence, "daq: ODT allocation after entry allocation")
	}
	if list < 0 || list >= len(s.lists) {
		return xcpio.Errorf(xcpio.ErrOutOfRange, "daq: invalid list %d", list)
	}
	l := &s.lists[list]
	if n <= 0 || l.NumOdts()+n > maxOdtsPerList {
		return xcpio.Errorf(xcpio.ErrOutOfRange,
			"daq: invalid ODT count %d for list %d", n, list,
		)
	}
	if l.NumOdts() != 0 && l.LastOdt != len(s.odts)-1 {
		return xcpio.Errorf(xcpio.ErrSequence,
			"daq: list %d ODT range no longer at arena tail", list,
		)
	}
	if err := s.checkCapacity(len(s.lists), len(s.odts)+n, 0); err != nil {
		return err
	}
	if l.NumOdts() == 0 {
		l.FirstOdt = len(s.odts)
		l.LastOdt = l.FirstOdt - 1
	}
	for i := 0; i < n; i++ {
		s.odts = append(s.odts, Odt{FirstEntry: 0, LastEntry: -1})
	}
	l.LastOdt += n
	return nil
}

// AllocEntries appends n entry slots to the given ODT (relative to
// list).
func (s *Store) AllocEntries(list, odt, n int) error {
	if len(s.odts) == 0 {
		return xcpio.Errorf(xcpio.ErrSequence, "daq: entry allocation before ODT allocation")
	}
	if list < 0 || list >= len(s.lists) {
		return xcpio.Errorf(xcpio.ErrOutOfRange, "daq: invalid list %d", list)
	}
	l := &s.lists[list]
	if odt < 0 || odt >= l.NumOdts() {
		return xcpio.Errorf(xcpio.ErrOutOfRange,
			"daq: invalid ODT %d for list %d", odt, list,
		)
	}
	if n <= 0 || n > 0xFF {
		return xcpio.Errorf(xcpio.ErrOutOfRange, "daq: invalid entry count %d", n)
	}
	o := &s.odts[l.FirstOdt+odt]
	if o.NumEntries() != 0 && o.LastEntry != len(s.entries)-1 {
		return xcpio.Errorf(xcpio.ErrSequence,
			"daq: ODT %d of list %d entry range no longer at arena tail", odt, list,
		)
	}
	if err := s.checkCapacity(len(s.lists), len(s.odts), len(s.entries)+n); err != nil {
		return err
	}
	if o.NumEntries() == 0 {
		o.FirstEntry = len(s.entries)
		o.LastEntry = o.FirstEntry - 1
	}
	for i := 0; i < n; i++ {
		s.entries = append(s.entries, Entry{})
	}
	o.LastEntry += n
	return nil
}

// SetPtr positions the write cursor on one entry of one ODT.
func (s *Store) SetPtr(list, odt, idx int) error {
	if list < 0 || list >= len(s.lists) {
		return xcpio.Errorf(xcpio.ErrOutOfRange, "daq: invalid list %d", list)
	}
	l := &s.lists[list]
	if odt < 0 || odt >= l.NumOdts() {
		return xcpio.Errorf(xcpio.ErrOutOfRange,
			"daq: invalid ODT %d for list %d", odt, list,
		)
	}
	o := &s.odts[l.FirstOdt+odt]
	if idx < 0 || idx >= o.NumEntries() {
		return xcpio.Errorf(xcpio.ErrOutOfRange,
			"daq: invalid entry index %d for ODT %d of list %d", idx, odt, list,
		)
	}
	s.wr.list = list
	s.wr.odt = l.FirstOdt + odt
	s.wr.entry = o.FirstEntry + idx
	s.wr.valid = true
	return nil
}

// WriteEntry configures the entry under the write cursor and advances
// the cursor by one, never crossing into the next ODT. The address
// extension must agree across the list and across all lists sharing
// its event channel.
func (s *Store) WriteEntry(ext uint8, addr int32, size uint8) error {
	if !s.wr.valid {
		return xcpio.Errorf(xcpio.ErrSequence, "daq: no write cursor set")
	}
	if size == 0 || size > xcpio.MaxOdtEntrySize {
		return xcpio.Errorf(xcpio.ErrOutOfRange, "daq: invalid entry size %d", size)
	}

	l := &s.lists[s.wr.list]
	if l.Ext != xcpio.ExtUnset && l.Ext != ext {
		return xcpio.Errorf(xcpio.ErrDaqConfig,
			"daq: list %d address extension mismatch (got=0x%x, want=0x%x)",
			s.wr.list, ext, l.Ext,
		)
	}
	if err := s.checkEventExt(s.wr.list, l.Event, ext); err != nil {
		return err
	}

	o := &s.odts[s.wr.odt]
	if o.Size+int(size) > s.maxOdtSize {
		return xcpio.Errorf(xcpio.ErrDaqConfig,
			"daq: ODT payload overflow (size=%d+%d, max=%d)", o.Size, size, s.maxOdtSize,
		)
	}

	l.Ext = ext
	s.entries[s.wr.entry] = Entry{Addr: addr, Size: size}
	o.Size += int(size)

	s.wr.entry++
	if s.wr.entry > o.LastEntry {
		s.wr.valid = false
	}
	return nil
}

// checkEventExt verifies that every list bound to the given event
// channel uses the same address extension.
func (s *Store) checkEventExt(list int, event uint16, ext uint8) error {
	if event == EventUnbound {
		return nil
	}
	for i := range s.lists {
		if i == list || s.lists[i].Event != event {
			continue
		}
		if other := s.lists[i].Ext; other != xcpio.ExtUnset && other != ext {
			return xcpio.Errorf(xcpio.ErrDaqConfig,
				"daq: event %d address extension mismatch between lists %d and %d",
				event, list, i,
			)
		}
	}
	return nil
}

// SetListMode binds a list to an event channel with the given mode and
// priority.
func (s *Store) SetListMode(list int, event uint16, mode, prio uint8) error {
	if list < 0 || list >= len(s.lists) {
		return xcpio.Errorf(xcpio.ErrOutOfRange, "daq: invalid list %d", list)
	}
	l := &s.lists[list]
	if l.Event != EventUnbound && l.Event != event {
		return xcpio.Errorf(xcpio.ErrDaqConfig,
			"daq: list %d already bound to event %d", list, l.Event,
		)
	}
	if l.Ext != xcpio.ExtUnset {
		if err := s.checkEventExt(list, event, l.Ext); err != nil {
			return err
		}
	}
	l.Event = event
	l.Mode = mode
	l.Priority = prio
	return nil
}

// ClearList resets the dynamic state and mode of a list, leaving the
// allocated ranges in place.
func (s *Store) ClearList(list int) error {
	if list < 0 || list >= len(s.lists) {
		return xcpio.Errorf(xcpio.ErrOutOfRange, "daq: invalid list %d", list)
	}
	l := &s.lists[list]
	l.state.Store(0)
	l.Mode = 0
	l.Priority = 0
	return nil
}

// NumLists returns the number of allocated lists.
func (s *Store) NumLists() int { return len(s.lists) }

// NumOdts returns the number of allocated ODTs.
func (s *Store) NumOdts() int { return len(s.odts) }

// NumEntries returns the number of allocated ODT entries.
func (s *Store) NumEntries() int { return len(s.entries) }

// ListAt returns the i-th list.
func (s *Store) ListAt(i int) *List { return &s.lists[i] }

// OdtAt returns the ODT at the given absolute index.
func (s *Store) OdtAt(i int) *Odt { return &s.odts[i] }

// EntryAt returns the entry at the given absolute index.
func (s *Store) EntryAt(i int) Entry { return s.entries[i] }

// Select marks or unmarks a list for a synchronized start/stop.
func (s *Store) Select(list int, on bool) error {
	if list < 0 || list >= len(s.lists) {
		return xcpio.Errorf(xcpio.ErrOutOfRange, "daq: invalid list %d", list)
	}
	if on {
		s.lists[list].setBits(ListSelected)
	} else {
		s.lists[list].clearBits(ListSelected)
	}
	return nil
}

// Start switches one list to running.
func (s *Store) Start(list int) error {
	if list < 0 || list >= len(s.lists) {
		return xcpio.Errorf(xcpio.ErrOutOfRange, "daq: invalid list %d", list)
	}
	l := &s.lists[list]
	if l.Event == EventUnbound {
		return xcpio.Errorf(xcpio.ErrDaqConfig, "daq: list %d has no event bound", list)
	}
	l.setBits(ListRunning)
	return nil
}

// Stop stops one list.
func (s *Store) Stop(list int) error {
	if list < 0 || list >= len(s.lists) {
		return xcpio.Errorf(xcpio.ErrOutOfRange, "daq: invalid list %d", list)
	}
	s.lists[list].clearBits(ListRunning | ListSelected)
	return nil
}

// StartSelected starts every selected list and clears its selection.
func (s *Store) StartSelected() error {
	for i := range s.lists {
		l := &s.lists[i]
		if !l.Selected() {
			continue
		}
		if l.Event == EventUnbound {
			return xcpio.Errorf(xcpio.ErrDaqConfig, "daq: list %d has no event bound", i)
		}
		l.setBits(ListRunning)
		l.clearBits(ListSelected)
	}
	return nil
}

// StopSelected stops every selected list.
func (s *Store) StopSelected() {
	for i := range s.lists {
		l := &s.lists[i]
		if l.Selected() {
			l.clearBits(ListRunning | ListSelected)
		}
	}
}

// StopAll stops every list.
func (s *Store) StopAll() {
	for i := range s.lists {
		s.lists[i].clearBits(ListRunning | ListSelected)
	}
}

// AnyRunning reports whether at least one list is acquiring.
func (s *Store) AnyRunning() bool {
	for i := range s.lists {
		if s.lists[i].Running() {
			return true
		}
	}
	return false
}
