// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slave

import (
	"strings"
	"testing"
	"time"
)

func TestParseConfig(t *testing.T) {
	const raw = `
network: udp
addr: ":5555"
station: bench-rig-07
queue:
  capacity: 131072
  max-segment: 1400
daq:
  arena: 32768
  max-lists: 128
  timestamp-64: true
flush-interval: 20ms
events:
  - name: 1ms
    cycle: 1ms
    priority: 1
  - name: keyb
segments:
  - name: cal
    size: 4096
    pages: 2
`
	cfg, err := ParseConfig(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("could not parse config: %+v", err)
	}

	if got, want := cfg.Station, "bench-rig-07"; got != want {
		t.Fatalf("invalid station: got=%q, want=%q", got, want)
	}
	if got, want := cfg.Queue.Capacity, 131072; got != want {
		t.Fatalf("invalid queue capacity: got=%d, want=%d", got, want)
	}
	if !cfg.Daq.Timestamp64 {
		t.Fatalf("timestamp-64 not picked up")
	}
	if got, want := time.Duration(cfg.FlushInterval), 20*time.Millisecond; got != want {
		t.Fatalf("invalid flush interval: got=%v, want=%v", got, want)
	}
	// unset durations fall back to defaults.
	if got, want := time.Duration(cfg.DrainTimeout), time.Second; got != want {
		t.Fatalf("invalid drain timeout: got=%v, want=%v", got, want)
	}
	if got, want := time.Duration(cfg.Events[0].Cycle), time.Millisecond; got != want {
		t.Fatalf("invalid event cycle: got=%v, want=%v", got, want)
	}
	if got, want := time.Duration(cfg.Events[1].Cycle), time.Duration(0); got != want {
		t.Fatalf("sporadic event has a cycle: %v", got)
	}
	if got, want := cfg.Segments[0].Pages, 2; got != want {
		t.Fatalf("invalid page count: got=%d, want=%d", got, want)
	}

	// the parsed configuration builds a working engine.
	eng, err := New(cfg.Options()...)
	if err != nil {
		t.Fatalf("could not build engine from config: %+v", err)
	}
	if got, want := len(eng.Events()), 2; got != want {
		t.Fatalf("invalid engine event count: got=%d, want=%d", got, want)
	}
	if got, want := eng.Segments()[0].Size(), 4096; got != want {
		t.Fatalf("invalid engine segment size: got=%d, want=%d", got, want)
	}
}

func TestParseConfigErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  string
	}{
		{
			name: "unknown-field",
			raw:  "bogus: 1\nevents:\n  - name: e\n",
		},
		{
			name: "bad-network",
			raw:  "network: sctp\nevents:\n  - name: e\n",
		},
		{
			name: "no-events",
			raw:  "network: udp\n",
		},
		{
			name: "unnamed-event",
			raw:  "events:\n  - cycle: 1ms\n",
		},
		{
			name: "tiny-queue",
			raw:  "queue: {capacity: 64, max-segment: 1400}\nevents:\n  - name: e\n",
		},
		{
			name: "bad-duration",
			raw:  "flush-interval: often\nevents:\n  - name: e\n",
		},
		{
			name: "oversized-segment",
			raw:  "events:\n  - name: e\nsegments:\n  - {name: s, size: 100000}\n",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig(strings.NewReader(tc.raw))
			if err == nil {
				t.Fatalf("expected a config error")
			}
		})
	}
}
