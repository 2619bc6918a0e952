// Package ratelimit limits requests per client with sliding windows.
//
// Each window is split into sub-buckets so that old requests age out
// gradually instead of all at once at a window boundary.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Config sets the per-client limits. A zero limit disables that window.
type Config struct {
	RequestsPerMinute int `json:"requests_per_minute" toml:"requests_per_minute"`
	RequestsPerHour   int `json:"requests_per_hour" toml:"requests_per_hour"`
}

// Enabled reports whether any window has a limit.
func (c Config) Enabled() bool {
	return c.RequestsPerMinute > 0 || c.RequestsPerHour > 0
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed    bool          `json:"allowed"`
	LimitType  string        `json:"limit_type,omitempty"` // "minute" or "hour"
	Current    int           `json:"current"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// =============================================================================
// SLIDING WINDOW
// =============================================================================

const bucketsPerWindow = 10

// window counts requests over a fixed span. Callers hold the Limiter lock.
type window struct {
	span    time.Duration
	buckets map[int64]int
}

func newWindow(span time.Duration) *window {
	return &window{span: span, buckets: make(map[int64]int)}
}

func (w *window) bucketSize() time.Duration {
	return w.span / bucketsPerWindow
}

func (w *window) bucketOf(now time.Time) int64 {
	return now.UnixNano() / int64(w.bucketSize())
}

// prune drops buckets that fell out of the window.
func (w *window) prune(now time.Time) {
	oldest := w.bucketOf(now) - bucketsPerWindow
	for b := range w.buckets {
		if b < oldest {
			delete(w.buckets, b)
		}
	}
}

func (w *window) record(now time.Time) {
	w.prune(now)
	w.buckets[w.bucketOf(now)]++
}

func (w *window) count(now time.Time) int {
	oldest := w.bucketOf(now) - bucketsPerWindow
	total := 0
	for b, n := range w.buckets {
		if b >= oldest {
			total += n
		}
	}
	return total
}

// retryAfter returns how long until the count drops below limit.
func (w *window) retryAfter(now time.Time, limit int) time.Duration {
	current := w.count(now)
	if current < limit {
		return 0
	}

	oldest := w.bucketOf(now) - bucketsPerWindow
	live := make([]int64, 0, len(w.buckets))
	for b := range w.buckets {
		if b >= oldest {
			live = append(live, b)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })

	excess := current - limit + 1
	expired := 0
	size := int64(w.bucketSize())
	for _, b := range live {
		expired += w.buckets[b]
		if expired >= excess {
			// bucket b leaves the window once bucketOf(now) exceeds b+bucketsPerWindow
			leaves := time.Unix(0, (b+bucketsPerWindow+1)*size)
			if d := leaves.Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}
	return w.span
}

// =============================================================================
// LIMITER
// =============================================================================

type windowKey struct {
	client string
	kind   string
}

// Limiter tracks request windows per client. Safe for concurrent use.
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	windows map[windowKey]*window
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[windowKey]*window),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type check struct {
	kind  string
	span  time.Duration
	limit int
}

func (l *Limiter) checks() []check {
	return []check{
		{"minute", time.Minute, l.cfg.RequestsPerMinute},
		{"hour", time.Hour, l.cfg.RequestsPerHour},
	}
}

// Allow checks every window for client and records the request when all of
// them have room. A rejected request is not recorded.
func (l *Limiter) Allow(client string) Result {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	checks := l.checks()
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		w := l.window(client, c)
		if current := w.count(now); current >= c.limit {
			return Result{
				LimitType:  c.kind,
				Current:    current,
				Limit:      c.limit,
				RetryAfter: w.retryAfter(now, c.limit),
			}
		}
	}

	remaining := -1
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		w := l.window(client, c)
		w.record(now)
		if left := c.limit - w.count(now); remaining < 0 || left < remaining {
			remaining = left
		}
	}
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Remaining: remaining}
}

func (l *Limiter) window(client string, c check) *window {
	key := windowKey{client, c.kind}
	w, ok := l.windows[key]
	if !ok {
		w = newWindow(c.span)
		l.windows[key] = w
	}
	return w
}

// Reset forgets every window for client and returns how many were removed.
func (l *Limiter) Reset(client string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key := range l.windows {
		if key.client == client {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Cleanup drops windows with no live requests and returns how many went.
func (l *Limiter) Cleanup() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		w.prune(now)
		if len(w.buckets) == 0 {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Run calls Cleanup every interval until ctx ends.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}
