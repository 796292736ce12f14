// Copyright 2023 The go-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slave

import (
	"time"
)

// clock is the DAQ timestamp source: monotonic microseconds since the
// engine was created. time.Since reads the runtime monotonic clock, so
// wall-clock steps never move it.
type clock struct {
	epoch time.Time
}

func newClock() *clock {
	return &clock{epoch: time.Now()}
}

// Now returns the current timestamp in microseconds.
func (c *clock) Now() uint64 {
	return uint64(time.Since(c.epoch) / time.Microsecond)
}
