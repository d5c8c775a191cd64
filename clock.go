// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import "time"

// Clock is the monotonic time source every engine consults instead of
// calling time.Now() inline, per spec.md §6's collaborator contract. RTU
// timeouts are evaluated in microseconds, TCP ones in milliseconds; both
// are derived from the same monotonic reading.
type Clock interface {
	NowMicros() int64
}

// SystemClock implements Clock against the Go runtime's monotonic clock.
// It is the production default; tests supply a fake for deterministic
// tick-by-tick control.
type SystemClock struct{ start time.Time }

// NewSystemClock returns a Clock anchored at the current instant.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// NowMicros implements Clock.
func (c *SystemClock) NowMicros() int64 {
	return time.Since(c.start).Microseconds()
}

// nowMillis is a convenience used by the TCP engine, which reasons in
// milliseconds.
func nowMillis(c Clock) int64 {
	return c.NowMicros() / 1000
}
