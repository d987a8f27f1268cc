package inference

import (
	"sync"
	"time"
)

// QuotaTracker counts primary-path calls against the provider's daily
// free tier. The counter resets at local midnight; a restart resets it
// too, which errs on the generous side and is acceptable for a
// soft-budget signal.
type QuotaTracker struct {
	mu      sync.Mutex
	limit   int
	warnAt  int
	used    int
	day     int // year*1000 + yday of the current window
	nowFunc func() time.Time
}

// NewQuotaTracker creates a tracker. limit <= 0 disables tracking.
func NewQuotaTracker(limit, warnAt int) *QuotaTracker {
	return &QuotaTracker{limit: limit, warnAt: warnAt, nowFunc: time.Now}
}

func dayKey(t time.Time) int {
	return t.Year()*1000 + t.YearDay()
}

func (q *QuotaTracker) rollover() {
	today := dayKey(q.nowFunc())
	if q.day != today {
		q.day = today
		q.used = 0
	}
}

// Consume records one primary-path call. Returns the remaining budget
// and whether the warning threshold was crossed by this call.
func (q *QuotaTracker) Consume() (remaining int, warn bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limit <= 0 {
		return -1, false
	}
	q.rollover()

	before := q.limit - q.used
	q.used++
	remaining = q.limit - q.used
	if remaining < 0 {
		remaining = 0
	}
	warn = before > q.warnAt && remaining <= q.warnAt
	return remaining, warn
}

// Exhausted reports whether the daily budget is spent.
func (q *QuotaTracker) Exhausted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limit <= 0 {
		return false
	}
	q.rollover()
	return q.used >= q.limit
}

// Remaining returns the calls left today (-1 when tracking is off).
func (q *QuotaTracker) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limit <= 0 {
		return -1
	}
	q.rollover()
	remaining := q.limit - q.used
	if remaining < 0 {
		return 0
	}
	return remaining
}
