package engine

import "time"

// Clock supplies the wall time used for the minimum retry interval.
// Tests substitute a manual clock so throttling is deterministic.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now()
}
