// Package system provides the wall clock used to stamp sessions and merges.
package system

import "time"

// Clock implements engine.Clock. Timestamps are UTC and truncated to the
// microsecond precision Postgres stores, so values read back compare equal to
// the values written.
type Clock struct {
	precision time.Duration
}

// New creates a Clock with microsecond precision.
func New() *Clock {
	return &Clock{precision: time.Microsecond}
}

// Now returns the current time.
func (c Clock) Now() time.Time {
	now := time.Now().UTC()
	if c.precision > 0 {
		now = now.Truncate(c.precision)
	}
	return now
}
