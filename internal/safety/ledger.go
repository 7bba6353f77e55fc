package safety

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateWindow is the trailing window the per-minute limit applies to.
const RateWindow = 60 * time.Second

// RateLedger tracks recent transmission timestamps. It is append-only plus
// pruning: entries older than the window are dropped on every query. The
// ledger is the one piece of state that outlives a workflow run.
type RateLedger struct {
	mu           sync.Mutex
	clock        clockwork.Clock
	stamps       []time.Time
	maxPerMinute int
}

// NewRateLedger creates a ledger bounded to maxPerMinute in the window.
func NewRateLedger(maxPerMinute int, clock clockwork.Clock) *RateLedger {
	return &RateLedger{clock: clock, maxPerMinute: maxPerMinute}
}

// Record appends the current time.
func (r *RateLedger) Record() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stamps = append(r.stamps, r.clock.Now())
}

// Seed appends an explicit timestamp. Used by tests and by restore paths.
func (r *RateLedger) Seed(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stamps = append(r.stamps, t)
}

// Count returns the number of transmissions within the trailing window.
func (r *RateLedger) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	return len(r.stamps)
}

// Allow reports whether another transmission stays within the limit.
func (r *RateLedger) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	return len(r.stamps) < r.maxPerMinute
}

// Limit returns the configured per-minute maximum.
func (r *RateLedger) Limit() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxPerMinute
}

// SetLimit updates the per-minute maximum.
func (r *RateLedger) SetLimit(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > 0 {
		r.maxPerMinute = n
	}
}

// prune drops entries older than the window. Caller holds the lock.
func (r *RateLedger) prune() {
	cutoff := r.clock.Now().Add(-RateWindow)
	keep := r.stamps[:0]
	for _, t := range r.stamps {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	r.stamps = keep
}
