// Package throttle tracks which connection sources are under service
// protection and when each becomes safe to use again.
package throttle

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRetryAfter is applied when a throttle signal arrives without a
// server hint.
const DefaultRetryAfter = 30 * time.Second

// Tracker records, per source name, the earliest instant new requests are
// considered safe. It is safe for concurrent use and never fails; sources
// it has not seen are simply not throttled.
type Tracker struct {
	defaultRetryAfter time.Duration
	now               func() time.Time

	mu    sync.RWMutex
	until map[string]time.Time

	events atomic.Int64
}

// NewTracker builds a tracker. A non-positive defaultRetryAfter selects
// DefaultRetryAfter.
func NewTracker(defaultRetryAfter time.Duration) *Tracker {
	if defaultRetryAfter <= 0 {
		defaultRetryAfter = DefaultRetryAfter
	}
	return &Tracker{
		defaultRetryAfter: defaultRetryAfter,
		now:               time.Now,
		until:             make(map[string]time.Time),
	}
}

// Note records a throttle signal for source. A non-positive retryAfter
// means the server omitted the hint and the tracker's default applies. If
// the source is already marked further into the future, the longer mark
// wins.
func (t *Tracker) Note(source string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = t.defaultRetryAfter
	}
	expires := t.now().Add(retryAfter)

	t.mu.Lock()
	if existing, ok := t.until[source]; !ok || expires.After(existing) {
		t.until[source] = expires
	}
	t.mu.Unlock()
	t.events.Add(1)
}

// IsThrottled reports whether source is currently marked unsafe.
func (t *Tracker) IsThrottled(source string) bool {
	t.mu.RLock()
	expires, ok := t.until[source]
	t.mu.RUnlock()
	return ok && t.now().Before(expires)
}

// ThrottledUntil returns the expiry mark for source, if one is active.
func (t *Tracker) ThrottledUntil(source string) (time.Time, bool) {
	t.mu.RLock()
	expires, ok := t.until[source]
	t.mu.RUnlock()
	if !ok || !t.now().Before(expires) {
		return time.Time{}, false
	}
	return expires, true
}

// Available filters names down to the sources that are not throttled.
func (t *Tracker) Available(names []string) []string {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(names))
	for _, n := range names {
		if expires, ok := t.until[n]; ok && now.Before(expires) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// SoonestExpiry returns the earliest active expiry among names. ok is
// false when none of the names is throttled.
func (t *Tracker) SoonestExpiry(names []string) (time.Time, bool) {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()

	var soonest time.Time
	found := false
	for _, n := range names {
		expires, ok := t.until[n]
		if !ok || !now.Before(expires) {
			continue
		}
		if !found || expires.Before(soonest) {
			soonest = expires
			found = true
		}
	}
	return soonest, found
}

// Events returns the total number of throttle signals recorded.
func (t *Tracker) Events() int64 {
	return t.events.Load()
}
