package window

import (
	"sync/atomic"
	"time"
)

type Clock func() time.Time

func WallClock() time.Time {
	return time.Now().UTC()
}

// EventClock follows the newest event time observed. Replays of recorded
// traffic use it so retention is measured in event time, not wall time.
type EventClock struct {
	latest atomic.Int64
}

func (c *EventClock) Observe(ts time.Time) {
	n := ts.UnixNano()
	for {
		cur := c.latest.Load()
		if n <= cur || c.latest.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (c *EventClock) Now() time.Time {
	n := c.latest.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
