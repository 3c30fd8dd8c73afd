package memorylimiter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limit defines window and max count for a bucket.
type Limit struct {
	Limit  int
	Window time.Duration
}

// Limiter is an in-memory sliding-window rate limiter for a single replica.
// Use ratelimit/redis when several replicas must share counts.
type Limiter struct {
	mu      sync.Mutex
	limits  map[string]Limit
	windows map[windowKey][]time.Time
	now     func() time.Time
}

type windowKey struct{ bucket, key string }

// New constructs a limiter. Buckets without an entry use limits["default"],
// then 100 per minute.
func New(limits map[string]Limit) *Limiter {
	if limits == nil {
		limits = map[string]Limit{}
	}
	return &Limiter{limits: limits, windows: make(map[windowKey][]time.Time), now: time.Now}
}

func (l *Limiter) limitFor(bucket string) Limit {
	if v, ok := l.limits[bucket]; ok {
		return v
	}
	if v, ok := l.limits["default"]; ok {
		return v
	}
	return Limit{Limit: 100, Window: time.Minute}
}

// Allow records one hit for key in bucket and reports whether it is within the
// limit. Denied hits are not recorded. A nil limiter allows everything.
func (l *Limiter) Allow(_ context.Context, bucket, key string) (bool, error) {
	if l == nil {
		return true, nil
	}
	if bucket == "" || key == "" {
		return false, fmt.Errorf("bucket and key required")
	}
	lim := l.limitFor(bucket)
	now := l.now()
	cutoff := now.Add(-lim.Window)
	id := windowKey{bucket, key}

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.windows[id]
	drop := 0
	for drop < len(hits) && !hits[drop].After(cutoff) {
		drop++
	}
	hits = hits[drop:]

	if len(hits) >= lim.Limit {
		l.windows[id] = hits
		return false, nil
	}
	l.windows[id] = append(hits, now)
	return true, nil
}

// Sweep drops keys whose hits have all left their window.
func (l *Limiter) Sweep() {
	if l == nil {
		return
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, hits := range l.windows {
		if len(hits) == 0 {
			delete(l.windows, id)
			continue
		}
		if !hits[len(hits)-1].After(now.Add(-l.limitFor(id.bucket).Window)) {
			delete(l.windows, id)
		}
	}
}
