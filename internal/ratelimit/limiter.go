// Package ratelimit implements the per-key windowed token bucket that gates
// every REST call against the CLOB API quotas.
package ratelimit

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
)

// Rule describes one rate-limit window: at most Limit admissions per Window
// for the bucket identified by Key. Keys are "host" or "host/path".
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// bucket holds the live state for one key. A bucket starts full and refills
// completely when the window rolls over.
type bucket struct {
	tokens  int
	resetAt time.Time
}

// Limiter admits calls against a set of Rules. Safe for concurrent use;
// bucket access is serialized by a single mutex, which is fine at the call
// volumes the 10s windows imply.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	rules []Rule
}

// New creates a Limiter over the given rules.
func New(rules []Rule) *Limiter {
	rs := append([]Rule(nil), rules...)
	// Longest key first so prefix matching picks the most specific rule.
	sort.Slice(rs, func(i, j int) bool { return len(rs[i].Key) > len(rs[j].Key) })
	return &Limiter{
		buckets: make(map[string]*bucket),
		rules:   rs,
	}
}

// Match resolves the governing rule for host+path by longest-path-prefix,
// falling back to the host-wide rule. ok is false when no rule covers the
// host at all, in which case the call is unmetered.
func (l *Limiter) Match(host, path string) (Rule, bool) {
	for _, r := range l.rules {
		if r.Key == host {
			continue // host-wide fallback checked last
		}
		if h, p, found := strings.Cut(r.Key, "/"); found && h == host && strings.HasPrefix(path, "/"+p) {
			return r, true
		}
	}
	for _, r := range l.rules {
		if r.Key == host {
			return r, true
		}
	}
	return Rule{}, false
}

// Take blocks until a token is available for the rule's key, then consumes
// it. When the bucket is empty the caller sleeps until the window resets
// plus a small random jitter so concurrent waiters do not wake in lockstep.
func (l *Limiter) Take(ctx context.Context, rule Rule) error {
	for {
		l.mu.Lock()
		b, ok := l.buckets[rule.Key]
		now := time.Now()
		if !ok || !now.Before(b.resetAt) {
			b = &bucket{tokens: rule.Limit, resetAt: now.Add(rule.Window)}
			l.buckets[rule.Key] = b
		}
		if b.tokens > 0 {
			b.tokens--
			l.mu.Unlock()
			return nil
		}
		wait := time.Until(b.resetAt) + jitter()
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// jitter returns a random delay in [20ms, 120ms).
func jitter() time.Duration {
	return 20*time.Millisecond + time.Duration(rand.Int63n(int64(100*time.Millisecond)))
}
