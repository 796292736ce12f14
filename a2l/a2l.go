// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package a2l generates a minimal ASAP2 description file from a slave
// engine's metadata, so master tools can address its memory segments
// and event channels. Generation runs once, off the real-time path.
package a2l // import "github.com/go-daq/xcp/a2l"

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-daq/xcp/slave"
	"github.com/go-daq/xcp/xcpio"
)

// Write emits the description of eng to w. port is the slave's
// transport port, advertised in the XCP IF_DATA block.
func Write(w io.Writer, eng *slave.Engine, host string, port uint16) error {
	enc := &encoder{w: w}

	name := ident(eng.Station())
	enc.printf("/begin PROJECT %s \"%s\"\n", name, eng.Station())
	enc.printf("  /begin MODULE %s \"\"\n", name)

	enc.printf("    /begin MOD_PAR \"%s\"\n", eng.Station())
	for i, seg := range eng.Segments() {
		enc.printf("      /begin MEMORY_SEGMENT %s \"\" DATA RAM INTERN 0x%08x 0x%x -1 -1 -1 -1 -1\n",
			ident(seg.Name), uint32(i)<<16, seg.Size(),
		)
		enc.printf("        /begin IF_DATA XCP SEGMENT %d %d 0 0 0 /end IF_DATA\n",
			i, seg.NumPages(),
		)
		enc.printf("      /end MEMORY_SEGMENT\n")
	}
	enc.printf("    /end MOD_PAR\n")

	enc.printf("    /begin IF_DATA XCP\n")
	enc.printf("      /begin PROTOCOL_LAYER %d%02d 1000 1000 0 0 0 0 0 %d %d BYTE_ORDER_MSB_LAST\n",
		xcpio.ProtocolMajor, xcpio.ProtocolMinor, xcpio.MaxCTO, xcpio.MaxCTO,
	)
	enc.printf("      /end PROTOCOL_LAYER\n")
	enc.printf("      /begin DAQ DYNAMIC 0 %d 0 OPTIMISATION_TYPE_DEFAULT ADDRESS_EXTENSION_FREE\n",
		len(eng.Events()),
	)
	enc.printf("        IDENTIFICATION_FIELD_TYPE_RELATIVE_BYTE GRANULARITY_ODT_ENTRY_SIZE_DAQ_BYTE %d NO_OVERLOAD_INDICATION\n",
		xcpio.MaxOdtEntrySize,
	)
	enc.printf("        /begin TIMESTAMP_SUPPORTED 1 UNIT_1US TIMESTAMP_FIXED /end TIMESTAMP_SUPPORTED\n")
	for i, ev := range eng.Events() {
		cycle, unit := cycleSpec(ev.CycleUS)
		enc.printf("        /begin EVENT \"%s\" \"%s\" %d DAQ 0xFF %d %d %d /end EVENT\n",
			ev.Name, shortName(ev.Name), i, cycle, unit, ev.Priority,
		)
	}
	enc.printf("      /end DAQ\n")
	enc.printf("      /begin XCP_ON_UDP_IP 0x%02x%02x %d ADDRESS \"%s\" /end XCP_ON_UDP_IP\n",
		xcpio.TransportMajor, xcpio.TransportMinor, port, host,
	)
	enc.printf("    /end IF_DATA\n")

	enc.printf("  /end MODULE\n")
	enc.printf("/end PROJECT\n")

	if enc.err != nil {
		return fmt.Errorf("a2l: could not write description: %w", enc.err)
	}
	return nil
}

// encoder is a sticky-error writer: after the first failure every
// printf is a no-op.
type encoder struct {
	w   io.Writer
	err error
}

func (enc *encoder) printf(format string, args ...interface{}) {
	if enc.err != nil {
		return
	}
	_, enc.err = fmt.Fprintf(enc.w, format, args...)
}

// ident mangles a free-form name into an ASAP2 identifier.
func ident(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// shortName truncates a name to the 8 characters the short-name slot
// allows.
func shortName(name string) string {
	if len(name) > 8 {
		return name[:8]
	}
	return name
}

// cycleSpec encodes a cycle time in microseconds into the (cycle,
// unit-exponent) pair used by EVENT blocks; zero means sporadic.
func cycleSpec(us uint32) (cycle int, unit int) {
	if us == 0 {
		return 0, 0
	}
	// unit is the power of ten, in nanoseconds, of one cycle tick.
	unit = 3 // 1 us
	for us >= 256 && us%10 == 0 {
		us /= 10
		unit++
	}
	if us > 255 {
		us = 255
	}
	return int(us), unit
}
