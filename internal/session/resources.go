package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// ResourceTracker counts sockets and timers held by sessions. After a run
// both counts must be back at zero.
type ResourceTracker struct {
	sockets atomic.Int64
	timers  atomic.Int64
}

func NewResourceTracker() *ResourceTracker {
	return &ResourceTracker{}
}

// Sockets returns the number of open sockets.
func (t *ResourceTracker) Sockets() int64 {
	if t == nil {
		return 0
	}
	return t.sockets.Load()
}

// Timers returns the number of armed timers and tickers.
func (t *ResourceTracker) Timers() int64 {
	if t == nil {
		return 0
	}
	return t.timers.Load()
}

func (t *ResourceTracker) addSockets(n int64) {
	if t != nil {
		t.sockets.Add(n)
	}
}

func (t *ResourceTracker) addTimers(n int64) {
	if t != nil {
		t.timers.Add(n)
	}
}

// timerHandle owns one timer or ticker. Cancel is idempotent and a nil
// handle never fires.
type timerHandle struct {
	timer   *time.Timer
	ticker  *time.Ticker
	once    sync.Once
	tracker *ResourceTracker
}

func newTimer(tracker *ResourceTracker, d time.Duration) *timerHandle {
	if d < 0 {
		d = 0
	}
	tracker.addTimers(1)
	return &timerHandle{timer: time.NewTimer(d), tracker: tracker}
}

func newTicker(tracker *ResourceTracker, d time.Duration) *timerHandle {
	if d <= 0 {
		return nil
	}
	tracker.addTimers(1)
	return &timerHandle{ticker: time.NewTicker(d), tracker: tracker}
}

func (h *timerHandle) C() <-chan time.Time {
	switch {
	case h == nil:
		return nil
	case h.ticker != nil:
		return h.ticker.C
	default:
		return h.timer.C
	}
}

func (h *timerHandle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.ticker != nil {
			h.ticker.Stop()
		} else {
			h.timer.Stop()
		}
		h.tracker.addTimers(-1)
	})
}
