package sync

import "time"

// Clock abstracts wall-clock reads so backoff arithmetic and probe
// debouncing are testable without real timers.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
