// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command xcpd runs an XCP slave daemon: it serves masters over
// UDP or TCP, samples demo signals on the configured event channels
// and exposes Prometheus metrics.
package main // import "github.com/go-daq/xcp/cmd/xcpd"

import (
	"context"
	"encoding/binary"
	"flag"
	"log"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/go-daq/xcp/a2l"
	"github.com/go-daq/xcp/slave"
)

func main() {
	log.SetPrefix("xcpd: ")
	log.SetFlags(0)

	var (
		cfgFlag  = flag.String("cfg", "xcpd.yaml", "path to the daemon configuration file")
		monFlag  = flag.String("mon", ":8080", "address of the Prometheus metrics endpoint")
		a2lFlag  = flag.String("a2l", "", "path to write the A2L description file to")
		demoFlag = flag.Bool("demo", true, "generate demo signals on the cyclic event channels")
	)
	flag.Parse()

	err := run(*cfgFlag, *monFlag, *a2lFlag, *demoFlag)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(cfgPath, mon, a2lPath string, demo bool) error {
	cfg, err := slave.LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	eng, err := slave.New(cfg.Options()...)
	if err != nil {
		return err
	}
	defer eng.Close()

	var sopts []slave.ServerOption
	if cfg.Multicast != "" {
		sopts = append(sopts, slave.WithMulticast(cfg.Multicast))
	}
	srv, err := slave.NewServer(eng, cfg.Network, cfg.Addr, sopts...)
	if err != nil {
		return err
	}

	if a2lPath != "" {
		err = writeA2L(a2lPath, eng, cfg.Addr)
		if err != nil {
			return err
		}
		log.Printf("wrote description file %q", a2lPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("serving XCP on %s %s", cfg.Network, cfg.Addr)
		return srv.Run(ctx)
	})
	g.Go(func() error {
		return serveMetrics(ctx, mon, eng)
	})
	if demo {
		for i, ev := range eng.Events() {
			if ev.CycleUS == 0 {
				continue
			}
			i, ev := i, ev
			g.Go(func() error {
				runSignal(ctx, eng, uint16(i), ev.CycleUS)
				return nil
			})
		}
	}
	return g.Wait()
}

func writeA2L(path string, eng *slave.Engine, addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" {
		host = "127.0.0.1"
	}
	p, err := net.LookupPort("udp", port)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := a2l.Write(f, eng, host, uint16(p)); err != nil {
		return err
	}
	return f.Close()
}

// runSignal writes a sine, a ramp and a counter into the first
// segment's working page and fires the event, at the event's cycle.
// Each event channel owns a 12-byte window at 16*event.
func runSignal(ctx context.Context, eng *slave.Engine, event uint16, cycleUS uint32) {
	if len(eng.Segments()) == 0 {
		return
	}
	mem := eng.Mem(0)
	off := 16 * int(event)
	if off+12 > len(mem) {
		return
	}

	tick := time.NewTicker(time.Duration(cycleUS) * time.Microsecond)
	defer tick.Stop()

	var (
		cnt   uint32
		start = time.Now()
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t := time.Since(start).Seconds()
			sine := float32(math.Sin(2 * math.Pi * t / 5))
			ramp := float32(math.Mod(t, 10) / 10)
			binary.LittleEndian.PutUint32(mem[off:], math.Float32bits(sine))
			binary.LittleEndian.PutUint32(mem[off+4:], math.Float32bits(ramp))
			binary.LittleEndian.PutUint32(mem[off+8:], cnt)
			cnt++
			eng.OnEvent(event, nil)
		}
	}
}

func serveMetrics(ctx context.Context, addr string, eng *slave.Engine) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(eng))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	log.Printf("serving metrics on %s/metrics", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
