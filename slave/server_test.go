// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slave

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-daq/xcp/xcpio"
)

func startServer(t *testing.T, eng *Engine, network string) (*Server, net.Addr, func()) {
	t.Helper()
	srv, err := NewServer(eng, network, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not create server: %+v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	var addr net.Addr
	for i := 0; i < 100; i++ {
		if addr = srv.Addr(); addr != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == nil {
		cancel()
		t.Fatalf("server did not bind")
	}
	stop := func() {
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("server failed: %+v", err)
		}
	}
	return srv, addr, stop
}

func udpRoundTrip(t *testing.T, conn net.Conn, cro []byte) []byte {
	t.Helper()
	if _, err := conn.Write(xcpio.Frame(cro, 0)); err != nil {
		t.Fatalf("could not send command: %+v", err)
	}
	buf := make([]byte, 1500)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("could not read response: %+v", err)
	}
	msgs, err := xcpio.Split(buf[:n])
	if err != nil {
		t.Fatalf("could not split response: %+v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("invalid response count: %d", len(msgs))
	}
	return msgs[0]
}

func TestServeUDP(t *testing.T) {
	eng := newTestEngine(t, WithFlushInterval(5*time.Millisecond))
	_, addr, stop := startServer(t, eng, "udp")
	defer stop()

	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("could not dial server: %+v", err)
	}
	defer conn.Close()

	resp := udpRoundTrip(t, conn, []byte{xcpio.CmdConnect, 0})
	if resp[0] != xcpio.PidRes {
		t.Fatalf("could not connect: %x", resp)
	}
	if !eng.Connected() {
		t.Fatalf("engine not connected")
	}

	resp = udpRoundTrip(t, conn, []byte{xcpio.CmdGetStatus})
	if resp[0] != xcpio.PidRes {
		t.Fatalf("invalid GET_STATUS response: %x", resp)
	}

	// a configured, started list delivers DTOs to the master socket.
	copy(eng.Mem(0), []byte{9, 8, 7, 6})
	for _, cro := range [][]byte{
		{xcpio.CmdAllocDaq, 0, 1, 0},
		{xcpio.CmdAllocOdt, 0, 0, 0, 1},
		{xcpio.CmdAllocOdtEntry, 0, 0, 0, 0, 1},
		{xcpio.CmdSetDaqPtr, 0, 0, 0, 0, 0},
		{xcpio.CmdWriteDaq, 0xFF, 4, xcpio.ExtAbs, 0, 0, 0, 0},
		{xcpio.CmdSetDaqListMode, xcpio.DaqModeTimestamp, 0, 0, 0, 0, 1, 0},
		{xcpio.CmdStartStopList, xcpio.DaqStart, 0, 0},
	} {
		resp := udpRoundTrip(t, conn, cro)
		if resp[0] != xcpio.PidRes {
			t.Fatalf("command 0x%02x failed: %x", cro[0], resp)
		}
	}

	eng.OnEvent(0, nil)

	buf := make([]byte, 1500)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("could not read DTO: %+v", err)
	}
	msgs, err := xcpio.Split(buf[:n])
	if err != nil {
		t.Fatalf("could not split DTO segment: %+v", err)
	}
	dto := msgs[0]
	if dto[0] != 0 || dto[1] != 0 {
		t.Fatalf("invalid DTO header: %x", dto)
	}
	if got, want := dto[6:10], []byte{9, 8, 7, 6}; !bytes.Equal(got, want) {
		t.Fatalf("invalid DTO payload: got=%x, want=%x", got, want)
	}

	udpRoundTrip(t, conn, []byte{xcpio.CmdStartStopSynch, xcpio.DaqStopAll})
}

func TestServeUDPPeerChange(t *testing.T) {
	eng := newTestEngine(t)
	_, addr, stop := startServer(t, eng, "udp")
	defer stop()

	conn1, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("could not dial server: %+v", err)
	}
	defer conn1.Close()
	if resp := udpRoundTrip(t, conn1, []byte{xcpio.CmdConnect, 0}); resp[0] != xcpio.PidRes {
		t.Fatalf("could not connect: %x", resp)
	}

	// a command from another source implicitly disconnects the first
	// master; the new CONNECT establishes a fresh session.
	conn2, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("could not dial server: %+v", err)
	}
	defer conn2.Close()
	if resp := udpRoundTrip(t, conn2, []byte{xcpio.CmdConnect, 0}); resp[0] != xcpio.PidRes {
		t.Fatalf("could not take over the session: %x", resp)
	}
	if !eng.Connected() {
		t.Fatalf("engine not connected to the new master")
	}

	resp := udpRoundTrip(t, conn2, []byte{xcpio.CmdGetStatus})
	if resp[0] != xcpio.PidRes {
		t.Fatalf("new session not serviceable: %x", resp)
	}
}

func TestServeTCP(t *testing.T) {
	eng := newTestEngine(t)
	_, addr, stop := startServer(t, eng, "tcp")
	defer stop()

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("could not dial server: %+v", err)
	}

	buf := make([]byte, 1500)
	exchange := func(cro []byte) []byte {
		t.Helper()
		if _, err := conn.Write(xcpio.Frame(cro, 0)); err != nil {
			t.Fatalf("could not send command: %+v", err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		resp, _, err := xcpio.ReadFrame(conn, buf)
		if err != nil {
			t.Fatalf("could not read response: %+v", err)
		}
		return resp
	}

	if resp := exchange([]byte{xcpio.CmdConnect, 0}); resp[0] != xcpio.PidRes {
		t.Fatalf("could not connect: %x", resp)
	}
	if resp := exchange([]byte{xcpio.CmdGetStatus}); resp[0] != xcpio.PidRes {
		t.Fatalf("invalid GET_STATUS response: %x", resp)
	}

	// closing the stream tears the session down.
	conn.Close()
	for i := 0; i < 100 && eng.Connected(); i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if eng.Connected() {
		t.Fatalf("engine still connected after stream close")
	}
}
