// Package ratelimit provides fixed-window rate limiting keyed by remote
// address, with multiple stacked buckets (for example per-minute and
// per-hour) and periodic eviction of expired entries.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Limited describes which bucket rejected a key and when it may retry.
type Limited struct {
	Bucket     string
	RetryAfter time.Duration
}

func (l *Limited) Error() string {
	return fmt.Sprintf("exceeded the %s limit, try again in %s", l.Bucket, l.RetryAfter.Round(time.Second))
}

type entry struct {
	windowStart time.Time
	count       int
}

// Bucket is one fixed window: at most max hits per key per window.
type Bucket struct {
	name   string
	max    int
	window time.Duration
	clock  clock.Clock

	mu      sync.Mutex
	entries map[string]*entry
}

func NewBucket(name string, max int, window time.Duration, clk clock.Clock) *Bucket {
	if clk == nil {
		clk = clock.New()
	}
	return &Bucket{
		name:    name,
		max:     max,
		window:  window,
		clock:   clk,
		entries: make(map[string]*entry),
	}
}

// Take consumes one hit for key. It returns nil when allowed, or a Limited
// describing the rejection.
func (b *Bucket) Take(key string) *Limited {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok || now.Sub(e.windowStart) >= b.window {
		b.entries[key] = &entry{windowStart: now, count: 1}
		return nil
	}
	if e.count < b.max {
		e.count++
		return nil
	}
	return &Limited{Bucket: b.name, RetryAfter: e.windowStart.Add(b.window).Sub(now)}
}

// Pump drops entries whose window has fully elapsed.
func (b *Bucket) Pump() {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, e := range b.entries {
		if now.Sub(e.windowStart) >= b.window {
			delete(b.entries, key)
		}
	}
}

func (b *Bucket) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Limiter stacks buckets; a key is allowed only when every bucket allows it.
type Limiter struct {
	buckets []*Bucket
}

func NewLimiter(buckets ...*Bucket) *Limiter {
	return &Limiter{buckets: buckets}
}

// Take consumes a hit in every bucket and reports the last rejection, if any.
func (l *Limiter) Take(key string) *Limited {
	var limited *Limited
	for _, b := range l.buckets {
		if lim := b.Take(key); lim != nil {
			limited = lim
		}
	}
	return limited
}

// RunPump sweeps expired entries at the given interval until ctx is done.
func (l *Limiter) RunPump(ctx context.Context, clk clock.Clock, interval time.Duration) {
	if clk == nil {
		clk = clock.New()
	}
	t := clk.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, b := range l.buckets {
				b.Pump()
			}
		}
	}
}
