// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command xcp-daq exposes an XCP slave as a TDAQ process, so a
// calibration target can be configured, started and stopped from a
// TDAQ run-control partition alongside the rest of an experiment.
//
// Usage:
//
//	$> xcp-daq -cfg ./xcpd.yaml <process-name>
package main // import "github.com/go-daq/xcp/cmd/xcp-daq"

import (
	"context"
	"log"
	"os"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"golang.org/x/xerrors"

	"github.com/go-daq/xcp/slave"
)

func main() {
	cmd := flags.New()

	dev := xcpDev{
		cfgPath: "xcpd.yaml",
	}
	if v, ok := os.LookupEnv("XCP_CFG"); ok {
		dev.cfgPath = v
	}

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.RunHandle(dev.run)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

// xcpDev wraps one XCP slave engine and its transport inside the TDAQ
// state machine. The transport serves masters for the whole lifetime
// of the process; /start and /stop gate the cyclic event channels.
type xcpDev struct {
	cfgPath string

	cfg *slave.Config
	eng *slave.Engine
	srv *slave.Server

	stop context.CancelFunc // cancels the transport
	done chan error         // transport exit status

	fire chan struct{} // RunHandle cycles events while open
}

func (dev *xcpDev) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	cfg, err := slave.LoadConfig(dev.cfgPath)
	if err != nil {
		ctx.Msg.Errorf("could not load configuration %q: %+v", dev.cfgPath, err)
		return xerrors.Errorf("could not load configuration %q: %w", dev.cfgPath, err)
	}
	dev.cfg = cfg
	ctx.Msg.Infof("configured slave %q: %s %s, %d event(s), %d segment(s)",
		cfg.Station, cfg.Network, cfg.Addr, len(cfg.Events), len(cfg.Segments),
	)
	return nil
}

func (dev *xcpDev) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	if dev.cfg == nil {
		return xerrors.Errorf("xcp-daq not configured (missing /config)")
	}
	if err := dev.teardown(); err != nil {
		ctx.Msg.Errorf("could not tear previous slave down: %+v", err)
		return xerrors.Errorf("could not tear previous slave down: %w", err)
	}

	eng, err := slave.New(dev.cfg.Options()...)
	if err != nil {
		return xerrors.Errorf("could not create slave engine: %w", err)
	}
	var opts []slave.ServerOption
	if dev.cfg.Multicast != "" {
		opts = append(opts, slave.WithMulticast(dev.cfg.Multicast))
	}
	srv, err := slave.NewServer(eng, dev.cfg.Network, dev.cfg.Addr, opts...)
	if err != nil {
		return xerrors.Errorf("could not create slave transport: %w", err)
	}

	sctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(sctx) }()

	dev.eng = eng
	dev.srv = srv
	dev.stop = stop
	dev.done = done
	ctx.Msg.Infof("serving XCP on %s %s", dev.cfg.Network, dev.cfg.Addr)
	return nil
}

func (dev *xcpDev) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	dev.stopEvents()
	if err := dev.teardown(); err != nil {
		ctx.Msg.Errorf("could not tear slave down: %+v", err)
		return xerrors.Errorf("could not tear slave down: %w", err)
	}
	return nil
}

func (dev *xcpDev) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	if dev.eng == nil {
		return xerrors.Errorf("xcp-daq not initialized (missing /init)")
	}
	dev.fire = make(chan struct{})
	close(dev.fire)
	return nil
}

func (dev *xcpDev) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	dev.stopEvents()
	if dev.eng != nil {
		ctx.Msg.Infof("queue: level=%d lost=%d overload=%d",
			dev.eng.Queue().Level(), dev.eng.Queue().Lost(), dev.eng.Overload(),
		)
	}
	return nil
}

func (dev *xcpDev) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	dev.stopEvents()
	if err := dev.teardown(); err != nil {
		ctx.Msg.Errorf("could not tear slave down: %+v", err)
		return xerrors.Errorf("could not tear slave down: %w", err)
	}
	return nil
}

func (dev *xcpDev) stopEvents() { dev.fire = nil }

func (dev *xcpDev) started() bool { return dev.fire != nil }

func (dev *xcpDev) teardown() error {
	if dev.srv == nil {
		return nil
	}
	dev.stop()
	err := <-dev.done
	if cerr := dev.eng.Close(); cerr != nil && err == nil {
		err = cerr
	}
	dev.eng, dev.srv, dev.stop, dev.done = nil, nil, nil, nil
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// run cycles the engine's event channels while the process is started.
// Event memory holds live demo signals, the same layout cmd/xcpd uses.
func (dev *xcpDev) run(ctx tdaq.Context) error {
	cyc := newCycler()
	for {
		select {
		case <-ctx.Ctx.Done():
			dev.stopEvents()
			return dev.teardown()
		default:
		}
		if !dev.started() || dev.eng == nil {
			cyc.idle()
			continue
		}
		cyc.step(dev.eng)
	}
}
