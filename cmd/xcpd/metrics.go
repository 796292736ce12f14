// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-daq/xcp/slave"
)

// xcpCollector implements prometheus.Collector, reading the engine's
// counters on each scrape.
type xcpCollector struct {
	eng *slave.Engine

	connected  *prometheus.Desc
	daqRunning *prometheus.Desc
	queueLevel *prometheus.Desc
	queueLost  *prometheus.Desc
	overload   *prometheus.Desc
	dropped    *prometheus.Desc
}

func newCollector(eng *slave.Engine) *xcpCollector {
	return &xcpCollector{
		eng: eng,
		connected: prometheus.NewDesc(
			"xcp_session_connected",
			"Whether a master session is established.",
			nil, nil,
		),
		daqRunning: prometheus.NewDesc(
			"xcp_daq_running",
			"Whether data acquisition is running.",
			nil, nil,
		),
		queueLevel: prometheus.NewDesc(
			"xcp_queue_level_bytes",
			"Bytes currently held in the transmit queue.",
			nil, nil,
		),
		queueLost: prometheus.NewDesc(
			"xcp_queue_lost_total",
			"Total messages dropped on transmit queue overrun.",
			nil, nil,
		),
		overload: prometheus.NewDesc(
			"xcp_daq_overload_total",
			"Total DAQ list occurrences abandoned on queue overrun.",
			nil, nil,
		),
		dropped: prometheus.NewDesc(
			"xcp_deferred_dropped_total",
			"Total deferred-command responses lost on queue overrun.",
			nil, nil,
		),
	}
}

func (c *xcpCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connected
	ch <- c.daqRunning
	ch <- c.queueLevel
	ch <- c.queueLost
	ch <- c.overload
	ch <- c.dropped
}

func (c *xcpCollector) Collect(ch chan<- prometheus.Metric) {
	b2f := func(v bool) float64 {
		if v {
			return 1
		}
		return 0
	}
	ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, b2f(c.eng.Connected()))
	ch <- prometheus.MustNewConstMetric(c.daqRunning, prometheus.GaugeValue, b2f(c.eng.DaqRunning()))
	ch <- prometheus.MustNewConstMetric(c.queueLevel, prometheus.GaugeValue, float64(c.eng.Queue().Level()))
	ch <- prometheus.MustNewConstMetric(c.queueLost, prometheus.CounterValue, float64(c.eng.Queue().Lost()))
	ch <- prometheus.MustNewConstMetric(c.overload, prometheus.CounterValue, float64(c.eng.Overload()))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(c.eng.Dropped()))
}
