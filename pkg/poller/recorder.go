package poller

import (
	"sync"
	"time"
)

// tickLog keeps the times of the latest successful polls, oldest first.
type tickLog struct {
	mu       sync.Mutex
	capacity int
	interval time.Duration
	ticks    []time.Time
}

func newTickLog(capacity int, interval time.Duration) *tickLog {
	return &tickLog{
		capacity: capacity,
		interval: interval,
		ticks:    make([]time.Time, 0, capacity),
	}
}

func (l *tickLog) add(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Drop the monotonic reading, wall time is what gets reported.
	t = t.Round(0)

	if len(l.ticks) >= l.capacity {
		l.ticks = l.ticks[1:]
	}
	l.ticks = append(l.ticks, t)
}

// reset forgets every tick and sets the expected interval. Ticks taken on
// the old schedule do not count towards a streak on the new one.
func (l *tickLog) reset(interval time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.interval = interval
	l.ticks = l.ticks[:0]
}

// streak counts the ticks inside window that follow each other without a
// missed poll, walking back from the newest. It is zero when the newest tick
// is overdue.
func (l *tickLog) streak(now time.Time, window time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.ticks) == 0 {
		return 0
	}

	maxGap := l.interval + time.Second
	next := now
	n := 0
	for i := len(l.ticks) - 1; i >= 0; i-- {
		t := l.ticks[i]
		if now.Sub(t) > window || next.Sub(t) >= maxGap {
			break
		}
		next = t
		n++
	}
	return n
}

// since returns the ticks inside window, newest first.
func (l *tickLog) since(now time.Time, window time.Duration) []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []time.Time
	for i := len(l.ticks) - 1; i >= 0 && now.Sub(l.ticks[i]) <= window; i-- {
		out = append(out, l.ticks[i])
	}
	return out
}
