// Package monitoring holds the diagnostic logger shared by the ingest path
// and the optional rotating log file.
package monitoring

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Logf is the diagnostic logger for per-frame events. Tests replace it with
// SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf. nil mutes it.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Throttle passes at most one message per Interval to Logf. Messages in
// between are counted and the count is appended to the next one let
// through.
type Throttle struct {
	interval time.Duration
	now      func() time.Time

	mu         sync.Mutex
	last       time.Time
	suppressed int
}

// NewThrottle returns a throttle reading time from now, or time.Now when
// now is nil.
func NewThrottle(interval time.Duration, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{interval: interval, now: now}
}

// Logf logs the message unless one was logged less than an interval ago.
// It reports whether the message was logged.
func (t *Throttle) Logf(format string, v ...interface{}) bool {
	t.mu.Lock()
	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		t.suppressed++
		t.mu.Unlock()
		return false
	}
	suppressed := t.suppressed
	t.last = now
	t.suppressed = 0
	t.mu.Unlock()

	msg := fmt.Sprintf(format, v...)
	if suppressed > 0 {
		msg = fmt.Sprintf("%s (%d similar suppressed)", msg, suppressed)
	}
	Logf("%s", msg)
	return true
}
