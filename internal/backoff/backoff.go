// Package backoff implements the crash-respawn policy of spec.md §4.5: the
// first five retries are spaced 2s apart, subsequent retries 5s apart, and
// a hard ceiling (default 10) stops automatic restarts and marks the
// service crashed.
//
// Grounded on catrate.Limiter (github.com/joeycumines/go-catrate): rather
// than reimplementing sliding-window bookkeeping, the ceiling is enforced by
// a Limiter configured with a single window wide enough to hold the whole
// back-off sequence, one category per service. The delay schedule itself
// (2s vs 5s) is a simple counter-driven lookup, since catrate answers
// "is this category still allowed", not "how long should I wait".
package backoff

import (
	"sync"
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

const (
	// FastRetries is the number of retries spaced at FastDelay before the
	// schedule switches to SlowDelay (spec.md §4.5: "first five retries at
	// 2s, subsequent at 5s").
	FastRetries = 5
	FastDelay   = 2 * time.Second
	SlowDelay   = 5 * time.Second

	// DefaultCeiling is the default restart_cnt ceiling (spec.md §3, §8
	// invariant 5: "restart_cnt ≤ 10").
	DefaultCeiling = 10

	// window is wide enough that DefaultCeiling restarts, back-to-back at
	// the slow delay, still fall inside a single sliding window; this keeps
	// the ceiling meaningful ("within a 5s window" per the crash-respawn
	// end-to-end scenario) without the Limiter aging out early attempts.
	window = (FastRetries)*FastDelay + (DefaultCeiling-FastRetries)*SlowDelay + time.Minute
)

// Policy decides restart delays and enforces the respawn ceiling for a set
// of services, keyed by an arbitrary comparable category (the service's
// service.ID in practice).
type Policy struct {
	ceiling int
	limiter *catrate.Limiter

	mu  sync.Mutex
	gen map[any]int
}

// New constructs a Policy with the given ceiling. ceiling <= 0 uses
// DefaultCeiling.
func New(ceiling int) *Policy {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Policy{
		ceiling: ceiling,
		limiter: catrate.NewLimiter(map[time.Duration]int{window: ceiling}),
		gen:     make(map[any]int),
	}
}

// Delay returns the back-off delay to use for the Nth restart attempt
// (1-indexed: the first automatic restart after a crash is attempt 1).
func Delay(attempt int) time.Duration {
	if attempt <= FastRetries {
		return FastDelay
	}
	return SlowDelay
}

// Allow reports whether category may attempt another restart right now,
// consuming one slot from the ceiling if so. A false result means the
// ceiling has been reached and the service should be marked crashed
// (spec.md §4.5, §7 "Respawn exhausted").
func (p *Policy) Allow(category any) bool {
	_, ok := p.limiter.Allow(p.key(category))
	return ok
}

// Reset forgets category's restart history, used when restart_cnt resets to
// 0 per spec.md §3 ("restart_cnt resets to 0 whenever the service leaves
// the halted-with-restarting-block condition") — an operator restart/
// reload, or a runlevel re-entry. The underlying Limiter has no explicit
// per-category reset, so Reset instead bumps an internal generation number,
// which Allow folds into the Limiter's category key, giving the category a
// clean slate without waiting out the sliding window.
func (p *Policy) Reset(category any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen[category]++
}

func (p *Policy) key(category any) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return [2]any{category, p.gen[category]}
}
