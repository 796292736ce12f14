// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-daq/xcp/xcpio"
)

// client is a minimal XCP master: one socket, one command in flight.
type client struct {
	conn net.Conn
	tcp  bool
	buf  []byte
	ctr  uint16
}

func dial(network, addr string) (*client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("xcp-spy: could not dial %s://%s: %w", network, addr, err)
	}
	return &client{
		conn: conn,
		tcp:  network == "tcp",
		buf:  make([]byte, 1<<16),
	}, nil
}

func (c *client) close() error { return c.conn.Close() }

func (c *client) send(cro []byte) error {
	c.ctr++
	_, err := c.conn.Write(xcpio.Frame(cro, c.ctr))
	if err != nil {
		return fmt.Errorf("xcp-spy: could not send command: %w", err)
	}
	return nil
}

// recv returns the next messages from the slave: one frame for TCP,
// every frame of one datagram for UDP.
func (c *client) recv(timeout time.Duration) ([][]byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	if c.tcp {
		msg, _, err := xcpio.ReadFrame(c.conn, c.buf)
		if err != nil {
			return nil, err
		}
		return [][]byte{msg}, nil
	}
	n, err := c.conn.Read(c.buf)
	if err != nil {
		return nil, err
	}
	return xcpio.Split(c.buf[:n])
}

// roundTrip sends one command and waits for its response, printing any
// DAQ data that arrives in between.
func (c *client) roundTrip(w io.Writer, cro []byte) ([]byte, error) {
	if err := c.send(cro); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := c.recv(time.Until(deadline))
		if err != nil {
			return nil, fmt.Errorf("xcp-spy: no response to 0x%02x: %w", cro[0], err)
		}
		for i, msg := range msgs {
			if len(msg) > 0 && msg[0] >= xcpio.PidServ {
				for _, dto := range msgs[i+1:] {
					printDTO(w, dto)
				}
				return msg, nil
			}
			printDTO(w, msg)
		}
	}
	return nil, fmt.Errorf("xcp-spy: no response to 0x%02x", cro[0])
}

func (c *client) exec(w io.Writer, cro []byte) ([]byte, error) {
	resp, err := c.roundTrip(w, cro)
	if err != nil {
		return nil, err
	}
	if resp[0] == xcpio.PidErr {
		if len(resp) > 1 {
			return nil, fmt.Errorf("xcp-spy: slave error: %v", xcpio.ErrCode(resp[1]))
		}
		return nil, fmt.Errorf("xcp-spy: slave error")
	}
	return resp, nil
}

func printDTO(w io.Writer, msg []byte) {
	if len(msg) < 2 {
		return
	}
	odt := msg[0]
	if odt&0x80 != 0 {
		fmt.Fprintf(w, "dto: list=%d odt=%d OVERRUN data=% x\n", msg[1], odt&0x7F, msg[2:])
		return
	}
	fmt.Fprintf(w, "dto: list=%d odt=%d data=% x\n", msg[1], odt, msg[2:])
}

func (c *client) run(w io.Writer, args []string) error {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "help":
		fmt.Fprint(w, usage)
		return nil
	case "connect":
		resp, err := c.exec(w, []byte{xcpio.CmdConnect, 0})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "connected: resources=0x%02x max-cto=%d max-dto=%d version=%d.%d\n",
			resp[1], resp[3], xcpio.U16(resp[4:6]), resp[6]>>4, resp[7]>>4,
		)
		return nil
	case "disconnect":
		_, err := c.exec(w, []byte{xcpio.CmdDisconnect})
		return err
	case "status":
		resp, err := c.exec(w, []byte{xcpio.CmdGetStatus})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "status=0x%02x daq-running=%v\n",
			resp[1], resp[1]&xcpio.StatusDaqRunning != 0,
		)
		return nil
	case "id":
		resp, err := c.exec(w, []byte{xcpio.CmdGetID, 1})
		if err != nil {
			return err
		}
		n := xcpio.U32(resp[4:8])
		resp, err = c.exec(w, []byte{xcpio.CmdUpload, byte(n)})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "id: %q\n", string(resp[1:]))
		return nil
	case "clock":
		resp, err := c.exec(w, []byte{xcpio.CmdGetDaqClock})
		if err != nil {
			return err
		}
		switch len(resp) {
		case 8:
			fmt.Fprintf(w, "clock: %d us\n", xcpio.U32(resp[4:8]))
		default:
			fmt.Fprintf(w, "clock: %d us\n", xcpio.U64(resp[4:12]))
		}
		return nil
	case "upload":
		addr, n, err := addrSize(args)
		if err != nil {
			return err
		}
		cro := []byte{xcpio.CmdShortUpload, byte(n), 0, xcpio.ExtAbs}
		cro = xcpio.AppendU32(cro, addr)
		resp, err := c.exec(w, cro)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "0x%08x: % x\n", addr, resp[1:])
		return nil
	case "download":
		if len(args) < 2 {
			return fmt.Errorf("xcp-spy: usage: download <addr> <byte>...")
		}
		addr, err := num(args[0])
		if err != nil {
			return err
		}
		var data []byte
		for _, arg := range args[1:] {
			v, err := num(arg)
			if err != nil {
				return err
			}
			data = append(data, byte(v))
		}
		cro := []byte{xcpio.CmdShortDownload, byte(len(data)), 0, xcpio.ExtAbs}
		cro = xcpio.AppendU32(cro, addr)
		_, err = c.exec(w, append(cro, data...))
		return err
	case "measure":
		return c.measure(w, args)
	case "watch":
		return c.watch(w, args)
	}
	return fmt.Errorf("xcp-spy: unknown command %q (try 'help')", cmd)
}

// measure configures one DAQ list sampling the given absolute address
// ranges on an event channel: measure <event> <addr:size>...
func (c *client) measure(w io.Writer, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("xcp-spy: usage: measure <event> <addr:size>...")
	}
	event, err := num(args[0])
	if err != nil {
		return err
	}

	type entry struct {
		addr uint32
		size byte
	}
	var entries []entry
	for _, arg := range args[1:] {
		addr, size, ok := strings.Cut(arg, ":")
		if !ok {
			return fmt.Errorf("xcp-spy: invalid range %q (want addr:size)", arg)
		}
		a, err := num(addr)
		if err != nil {
			return err
		}
		n, err := num(size)
		if err != nil {
			return err
		}
		entries = append(entries, entry{addr: a, size: byte(n)})
	}

	steps := [][]byte{
		{xcpio.CmdFreeDaq},
		{xcpio.CmdAllocDaq, 0, 1, 0},
		{xcpio.CmdAllocOdt, 0, 0, 0, 1},
		{xcpio.CmdAllocOdtEntry, 0, 0, 0, 0, byte(len(entries))},
		{xcpio.CmdSetDaqPtr, 0, 0, 0, 0, 0},
	}
	for _, e := range entries {
		cro := []byte{xcpio.CmdWriteDaq, 0xFF, e.size, xcpio.ExtAbs}
		steps = append(steps, xcpio.AppendU32(cro, e.addr))
	}
	steps = append(steps,
		[]byte{xcpio.CmdSetDaqListMode, xcpio.DaqModeTimestamp, 0, 0, byte(event), byte(event >> 8), 1, 0},
		[]byte{xcpio.CmdStartStopList, xcpio.DaqStart, 0, 0},
	)
	for _, cro := range steps {
		if _, err := c.exec(w, cro); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "list 0 started on event %d (%d entries); 'watch <seconds>' to stream\n",
		event, len(entries),
	)
	return nil
}

// watch prints the DAQ stream for a few seconds: watch [seconds].
func (c *client) watch(w io.Writer, args []string) error {
	secs := uint32(5)
	if len(args) > 0 {
		v, err := num(args[0])
		if err != nil {
			return err
		}
		secs = v
	}
	deadline := time.Now().Add(time.Duration(secs) * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := c.recv(time.Until(deadline))
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return nil
			}
			return err
		}
		for _, msg := range msgs {
			printDTO(w, msg)
		}
	}
	return nil
}

func num(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("xcp-spy: invalid number %q: %w", s, err)
	}
	return uint32(v), nil
}

func addrSize(args []string) (addr uint32, n uint32, err error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("xcp-spy: usage: upload <addr> <size>")
	}
	addr, err = num(args[0])
	if err != nil {
		return 0, 0, err
	}
	n, err = num(args[1])
	if err != nil {
		return 0, 0, err
	}
	return addr, n, nil
}

const usage = `commands:
  connect                    establish the session
  disconnect                 tear the session down
  status                     session status
  id                         slave identification
  clock                      slave DAQ clock
  upload <addr> <size>       read slave memory
  download <addr> <byte>...  write slave memory
  measure <ev> <addr:size>.. configure+start a DAQ list on an event
  watch [seconds]            print the DAQ stream
  quit
`
