// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slave

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/go-daq/xcp/xcpio"
)

// Server binds an engine to an XCP-on-Ethernet transport: a receive
// loop feeding the command processor and a transmit loop draining the
// queue, over one UDP socket or one TCP listener.
type Server struct {
	msg *log.Logger
	eng *Engine

	network string // "udp" or "tcp"
	addr    string

	mcastAddr string // optional GET_DAQ_CLOCK multicast group

	flush time.Duration

	udp  *net.UDPConn
	lst  net.Listener
	peer atomic.Pointer[net.UDPAddr] // UDP session master
	tcp  atomic.Pointer[tcpSession]
}

type tcpSession struct {
	conn net.Conn
	wmu  sync.Mutex // responses and DAQ segments share the stream
}

func (s *tcpSession) write(p []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.conn.Write(p)
	return err
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMulticast joins the given UDP group and answers multicast
// GET_DAQ_CLOCK probes on it.
func WithMulticast(addr string) ServerOption {
	return func(srv *Server) {
		srv.mcastAddr = addr
	}
}

// NewServer creates a transport server for the engine. network selects
// "udp" or "tcp"; addr is the bind address.
func NewServer(eng *Engine, network, addr string, opts ...ServerOption) (*Server, error) {
	switch network {
	case "udp", "tcp":
	default:
		return nil, fmt.Errorf("slave: invalid network %q", network)
	}
	srv := &Server{
		msg:     eng.msg,
		eng:     eng,
		network: network,
		addr:    addr,
		flush:   eng.cfg.flushInterval,
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv, nil
}

// Run binds the socket and serves until ctx is cancelled.
func (srv *Server) Run(ctx context.Context) error {
	switch srv.network {
	case "udp":
		return srv.runUDP(ctx)
	default:
		return srv.runTCP(ctx)
	}
}

// Addr returns the bound transport address, once Run has bound it.
func (srv *Server) Addr() net.Addr {
	switch srv.network {
	case "udp":
		if srv.udp != nil {
			return srv.udp.LocalAddr()
		}
	default:
		if srv.lst != nil {
			return srv.lst.Addr()
		}
	}
	return nil
}

// control tunes the listening socket: address reuse for fast restarts
// and a receive buffer large enough for command bursts.
func control(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if serr != nil {
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 1<<20)
	})
	if err != nil {
		return err
	}
	return serr
}

func (srv *Server) runUDP(ctx context.Context) error {
	lc := net.ListenConfig{Control: control}
	pc, err := lc.ListenPacket(ctx, "udp", srv.addr)
	if err != nil {
		return fmt.Errorf("slave: could not bind UDP socket %q: %w", srv.addr, err)
	}
	conn := pc.(*net.UDPConn)
	srv.udp = conn
	srv.eng.setPort(uint16(conn.LocalAddr().(*net.UDPAddr).Port))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		conn.Close()
		return nil
	})
	g.Go(func() error {
		defer srv.teardown()
		return srv.rxUDP(ctx, conn)
	})
	g.Go(func() error {
		return srv.txUDP(ctx, conn)
	})
	if srv.mcastAddr != "" {
		g.Go(func() error {
			return srv.rxMulticast(ctx)
		})
	}
	return g.Wait()
}

func (srv *Server) rxUDP(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, 1<<16)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("slave: could not read UDP datagram: %w", err)
		}
		srv.handleDatagram(conn, buf[:n], peer)
	}
}

// handleDatagram runs every command of one datagram. A datagram from a
// different source while a session is established triggers an implicit
// disconnect: the previous master is gone.
func (srv *Server) handleDatagram(conn *net.UDPConn, dgram []byte, peer *net.UDPAddr) {
	if cur := srv.peer.Load(); cur != nil && !udpAddrEqual(cur, peer) {
		srv.msg.Printf("master moved from %v to %v: implicit disconnect", cur, peer)
		srv.eng.Disconnect()
		srv.peer.Store(nil)
	}

	msgs, err := xcpio.Split(dgram)
	if err != nil {
		srv.msg.Printf("dropping malformed datagram from %v: %+v", peer, err)
		return
	}
	for _, cro := range msgs {
		resp := srv.eng.Execute(cro)
		if srv.eng.Connected() {
			if srv.peer.Load() == nil {
				p := *peer
				srv.peer.Store(&p)
			}
		} else {
			srv.peer.Store(nil)
		}
		if resp == nil {
			continue
		}
		msg := xcpio.Frame(resp, srv.eng.q.NextCounter())
		if _, err := conn.WriteToUDP(msg, peer); err != nil {
			srv.msg.Printf("could not send response to %v: %+v", peer, err)
		}
	}
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func (srv *Server) txUDP(ctx context.Context, conn *net.UDPConn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		srv.eng.q.Wait(srv.flush)
		for {
			seg := srv.eng.q.Peek()
			if seg == nil {
				break
			}
			peer := srv.peer.Load()
			if peer == nil {
				// no session to deliver to
				srv.eng.q.Release()
				continue
			}
			if _, err := conn.WriteToUDP(seg, peer); err != nil {
				if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
					break // retry after the next wait
				}
				if ctx.Err() != nil {
					return nil
				}
				srv.msg.Printf("could not send DAQ segment to %v: %+v", peer, err)
			}
			srv.eng.q.Release()
		}
	}
}

// rxMulticast answers GET_DAQ_CLOCK probes on the multicast group.
// Only the clock sub-command is honored there; everything else on the
// group is ignored.
func (srv *Server) rxMulticast(ctx context.Context) error {
	gaddr, err := net.ResolveUDPAddr("udp", srv.mcastAddr)
	if err != nil {
		return fmt.Errorf("slave: could not resolve multicast group %q: %w", srv.mcastAddr, err)
	}
	conn, err := net.ListenMulticastUDP("udp", nil, gaddr)
	if err != nil {
		return fmt.Errorf("slave: could not join multicast group %v: %w", gaddr, err)
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 1<<16)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("slave: could not read multicast datagram: %w", err)
		}
		msgs, err := xcpio.Split(buf[:n])
		if err != nil {
			continue
		}
		for _, cro := range msgs {
			if len(cro) < 2 || cro[0] != xcpio.CmdTransportLayer || cro[1] != xcpio.TLGetDaqClockMcast {
				continue
			}
			// runs concurrently with the main receive loop, so it must
			// stay off the single-threaded Execute path.
			resp := srv.eng.daqClockProbe()
			if resp == nil {
				continue
			}
			msg := xcpio.Frame(resp, srv.eng.q.NextCounter())
			if _, err := conn.WriteToUDP(msg, peer); err != nil {
				srv.msg.Printf("could not send multicast clock to %v: %+v", peer, err)
			}
		}
	}
}

func (srv *Server) runTCP(ctx context.Context) error {
	lc := net.ListenConfig{Control: control}
	lst, err := lc.Listen(ctx, "tcp", srv.addr)
	if err != nil {
		return fmt.Errorf("slave: could not bind TCP listener %q: %w", srv.addr, err)
	}
	srv.lst = lst
	srv.eng.setPort(uint16(lst.Addr().(*net.TCPAddr).Port))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		lst.Close()
		return nil
	})
	g.Go(func() error {
		defer srv.teardown()
		for {
			conn, err := lst.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("slave: could not accept connection: %w", err)
			}
			// one master at a time; the stream is the session.
			srv.serveConn(ctx, conn)
		}
	})
	g.Go(func() error {
		return srv.txTCP(ctx)
	})
	return g.Wait()
}

func (srv *Server) serveConn(ctx context.Context, conn net.Conn) {
	srv.msg.Printf("master connected from %v", conn.RemoteAddr())
	sess := &tcpSession{conn: conn}
	srv.tcp.Store(sess)
	defer func() {
		srv.tcp.Store(nil)
		conn.Close()
		if srv.eng.Connected() {
			srv.eng.Disconnect()
		}
		srv.msg.Printf("master %v gone", conn.RemoteAddr())
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	buf := make([]byte, 1<<16)
	for {
		cro, _, err := xcpio.ReadFrame(conn, buf)
		if err != nil {
			return
		}
		resp := srv.eng.Execute(cro)
		if resp == nil {
			continue
		}
		msg := xcpio.Frame(resp, srv.eng.q.NextCounter())
		if err := sess.write(msg); err != nil {
			return
		}
	}
}

func (srv *Server) txTCP(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		srv.eng.q.Wait(srv.flush)
		for {
			seg := srv.eng.q.Peek()
			if seg == nil {
				break
			}
			sess := srv.tcp.Load()
			if sess == nil {
				srv.eng.q.Release()
				continue
			}
			if err := sess.write(seg); err != nil {
				if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
					break
				}
				// the receive side will notice and tear the session down.
				srv.eng.q.Release()
				continue
			}
			srv.eng.q.Release()
		}
	}
}

// teardown drops any live session when the serving loops exit.
func (srv *Server) teardown() {
	if srv.eng.Connected() {
		srv.eng.Disconnect()
	}
	srv.peer.Store(nil)
}
