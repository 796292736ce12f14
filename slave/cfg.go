// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slave

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML text such as
// "50ms" or "1s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("slave: could not decode duration: %w", err)
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("slave: could not parse duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the slave daemon configuration file.
type Config struct {
	Network   string `yaml:"network"`   // "udp" or "tcp"
	Addr      string `yaml:"addr"`      // bind address
	Station   string `yaml:"station"`   // GET_ID identification
	Multicast string `yaml:"multicast"` // optional clock multicast group
	Memory    string `yaml:"memory"`    // optional file backing the working memory

	ChecksumCRC bool `yaml:"crc-checksum"` // BUILD_CHECKSUM uses CRC-16/CCITT

	Queue struct {
		Capacity   int `yaml:"capacity"`
		MaxSegment int `yaml:"max-segment"`
	} `yaml:"queue"`

	Daq struct {
		Arena       int  `yaml:"arena"`
		MaxLists    int  `yaml:"max-lists"`
		Timestamp64 bool `yaml:"timestamp-64"`
		WideListID  bool `yaml:"wide-list-id"`
	} `yaml:"daq"`

	FlushInterval Duration `yaml:"flush-interval"`
	DrainTimeout  Duration `yaml:"drain-timeout"`

	Events   []EventConfig   `yaml:"events"`
	Segments []SegmentConfig `yaml:"segments"`
}

// EventConfig describes one event channel.
type EventConfig struct {
	Name     string   `yaml:"name"`
	Cycle    Duration `yaml:"cycle"` // zero for sporadic
	Priority uint8    `yaml:"priority"`
}

// SegmentConfig describes one calibration memory segment.
type SegmentConfig struct {
	Name  string `yaml:"name"`
	Size  int    `yaml:"size"`
	Pages int    `yaml:"pages"`
}

// LoadConfig reads and validates a daemon configuration file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("slave: could not open config file: %w", err)
	}
	defer f.Close()
	cfg, err := ParseConfig(f)
	if err != nil {
		return nil, fmt.Errorf("slave: could not parse config file %q: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes and validates a daemon configuration.
func ParseConfig(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("slave: could not decode config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Network == "" {
		c.Network = "udp"
	}
	if c.Addr == "" {
		c.Addr = ":5555"
	}
	if c.Station == "" {
		c.Station = "go-daq/xcp"
	}
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = 64 * 1024
	}
	if c.Queue.MaxSegment == 0 {
		c.Queue.MaxSegment = 1400
	}
	if c.Daq.Arena == 0 {
		c.Daq.Arena = 16 * 1024
	}
	if c.Daq.MaxLists == 0 {
		c.Daq.MaxLists = 64
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = Duration(50 * time.Millisecond)
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = Duration(time.Second)
	}
	for i := range c.Segments {
		if c.Segments[i].Pages == 0 {
			c.Segments[i].Pages = 1
		}
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Network {
	case "udp", "tcp":
	default:
		return errorf("invalid network %q", c.Network)
	}
	if c.Queue.Capacity < 2*c.Queue.MaxSegment {
		return errorf("queue capacity %d too small for segment size %d",
			c.Queue.Capacity, c.Queue.MaxSegment,
		)
	}
	if len(c.Events) == 0 {
		return errorf("no event channels configured")
	}
	for i, ev := range c.Events {
		if ev.Name == "" {
			return errorf("event %d has no name", i)
		}
	}
	for i, seg := range c.Segments {
		if seg.Name == "" {
			return errorf("segment %d has no name", i)
		}
		if seg.Size <= 0 || seg.Size > 0x10000 {
			return errorf("invalid size %d for segment %q", seg.Size, seg.Name)
		}
		if seg.Pages < 1 {
			return errorf("invalid page count %d for segment %q", seg.Pages, seg.Name)
		}
	}
	return nil
}

// Options converts the configuration into engine options.
func (c *Config) Options() []Option {
	opts := []Option{
		WithStation(c.Station),
		WithQueue(c.Queue.Capacity, c.Queue.MaxSegment),
		WithArena(c.Daq.Arena, c.Daq.MaxLists),
		WithFlushInterval(time.Duration(c.FlushInterval)),
		WithDrainTimeout(time.Duration(c.DrainTimeout)),
	}
	if c.Daq.Timestamp64 {
		opts = append(opts, WithTimestamp64())
	}
	if c.Daq.WideListID {
		opts = append(opts, WithWideListID())
	}
	if c.ChecksumCRC {
		opts = append(opts, WithCRCChecksum())
	}
	if c.Memory != "" {
		opts = append(opts, WithBackingFile(c.Memory))
	}
	for _, ev := range c.Events {
		opts = append(opts, WithEvent(ev.Name, time.Duration(ev.Cycle), ev.Priority))
	}
	for _, seg := range c.Segments {
		opts = append(opts, WithSegment(seg.Name, seg.Size, seg.Pages))
	}
	return opts
}
