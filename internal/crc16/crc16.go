// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package crc16 provides the CRC-16/CCITT-FALSE checksum used by the
// BUILD_CHECKSUM command (polynomial 0x1021, initial value 0xFFFF).
package crc16 // import "github.com/go-daq/xcp/internal/crc16"

import "hash"

const (
	poly   = 0x1021
	init16 = 0xFFFF
)

// Table is a 256-word lookup table for the CRC-16 polynomial.
type Table [256]uint16

var ccittFalse = makeTable(poly)

func makeTable(poly uint16) *Table {
	var tab Table
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		tab[i] = crc
	}
	return &tab
}

// Hash16 is the common interface implemented by 16-bit hash functions.
type Hash16 interface {
	hash.Hash
	Sum16() uint16
}

// New creates a new Hash16 computing the CRC-16 checksum using the
// given table. A nil table selects CRC-16/CCITT-FALSE.
func New(tab *Table) Hash16 {
	if tab == nil {
		tab = ccittFalse
	}
	return &digest{crc: init16, tab: tab}
}

// Checksum returns the CRC-16/CCITT-FALSE checksum of data.
func Checksum(data []byte) uint16 {
	d := digest{crc: init16, tab: ccittFalse}
	d.Write(data)
	return d.crc
}

type digest struct {
	crc uint16
	tab *Table
}

func (d *digest) Size() int      { return 2 }
func (d *digest) BlockSize() int { return 1 }
func (d *digest) Reset()         { d.crc = init16 }

func (d *digest) Write(p []byte) (int, error) {
	crc := d.crc
	for _, v := range p {
		crc = crc<<8 ^ d.tab[byte(crc>>8)^v]
	}
	d.crc = crc
	return len(p), nil
}

func (d *digest) Sum16() uint16 { return d.crc }

func (d *digest) Sum(in []byte) []byte {
	return append(in, byte(d.crc>>8), byte(d.crc))
}
