// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xcpio

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// HdrLen is the size of the transport frame header.
const HdrLen = 4

// PutHeader writes the transport frame header for a payload of n bytes
// tagged with the given counter.
func PutHeader(p []byte, n, ctr uint16) {
	binary.LittleEndian.PutUint16(p[0:2], n)
	binary.LittleEndian.PutUint16(p[2:4], ctr)
}

// Header decodes the transport frame header.
func Header(p []byte) (n, ctr uint16) {
	n = binary.LittleEndian.Uint16(p[0:2])
	ctr = binary.LittleEndian.Uint16(p[2:4])
	return n, ctr
}

// Frame frames one payload into a freshly allocated transport message.
func Frame(payload []byte, ctr uint16) []byte {
	msg := make([]byte, HdrLen+len(payload))
	PutHeader(msg, uint16(len(payload)), ctr)
	copy(msg[HdrLen:], payload)
	return msg
}

// ReadFrame reads one length-prefixed transport frame from a stream,
// reassembling it across short reads. The returned payload aliases buf
// when buf is large enough.
func ReadFrame(r io.Reader, buf []byte) (payload []byte, ctr uint16, err error) {
	var hdr [HdrLen]byte
	_, err = io.ReadFull(r, hdr[:])
	if err != nil {
		return nil, 0, xerrors.Errorf("xcpio: could not read frame header: %w", err)
	}
	n, ctr := Header(hdr[:])
	if int(n) > cap(buf) {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	_, err = io.ReadFull(r, buf)
	if err != nil {
		if xerrors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, 0, xerrors.Errorf("xcpio: could not read frame payload (n=%d): %w", n, err)
	}
	return buf, ctr, nil
}

// Split cuts a segment of concatenated transport frames into its
// payloads. It fails on a truncated trailing frame.
func Split(seg []byte) ([][]byte, error) {
	var msgs [][]byte
	for len(seg) > 0 {
		if len(seg) < HdrLen {
			return nil, xerrors.Errorf("xcpio: truncated frame header (n=%d)", len(seg))
		}
		n, _ := Header(seg)
		if int(n)+HdrLen > len(seg) {
			return nil, xerrors.Errorf("xcpio: truncated frame payload (want=%d, got=%d)",
				n, len(seg)-HdrLen,
			)
		}
		msgs = append(msgs, seg[HdrLen:HdrLen+int(n)])
		seg = seg[HdrLen+int(n):]
	}
	return msgs, nil
}

// AppendU16 appends v to p in wire byte order.
func AppendU16(p []byte, v uint16) []byte {
	return append(p, byte(v), byte(v>>8))
}

// AppendU32 appends v to p in wire byte order.
func AppendU32(p []byte, v uint32) []byte {
	return append(p, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// AppendU64 appends v to p in wire byte order.
func AppendU64(p []byte, v uint64) []byte {
	p = AppendU32(p, uint32(v))
	return AppendU32(p, uint32(v>>32))
}

// U16 reads a wire-order uint16 from p.
func U16(p []byte) uint16 { return binary.LittleEndian.Uint16(p) }

// U32 reads a wire-order uint32 from p.
func U32(p []byte) uint32 { return binary.LittleEndian.Uint32(p) }

// U64 reads a wire-order uint64 from p.
func U64(p []byte) uint64 { return binary.LittleEndian.Uint64(p) }

// Positive starts a positive response packet.
func Positive(args ...byte) []byte {
	resp := make([]byte, 0, 1+len(args))
	resp = append(resp, PidRes)
	return append(resp, args...)
}

// Negative builds a negative response packet for the given error code.
func Negative(code ErrCode) []byte {
	return []byte{PidErr, byte(code)}
}

// Event builds an asynchronous event packet.
func Event(code uint8) []byte {
	return []byte{PidEv, code}
}
