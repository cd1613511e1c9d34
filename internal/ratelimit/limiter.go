// Package ratelimit throttles calls to the remote store to a quota of N calls
// per window T. Limiters delay callers; they never drop a call.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var ErrInvalidConfig = errors.New("ratelimit: invalid config")

type Policy string

const (
	// PolicyTokenBucket spaces grants evenly, one every T/N.
	PolicyTokenBucket Policy = "token_bucket"
	// PolicySlidingWindow keeps the last N grant times and lets a burst of N through.
	PolicySlidingWindow Policy = "sliding_window"
)

type Config struct {
	Quota  int
	Window time.Duration
	Policy Policy
}

type Stats struct {
	Quota    int           `json:"quota"`
	Window   time.Duration `json:"window"`
	Policy   Policy        `json:"policy"`
	Granted  uint64        `json:"granted"`
	Waited   uint64        `json:"waited"`
	WaitTime time.Duration `json:"wait_time"`
}

// Limiter is safe for concurrent use.
type Limiter interface {
	// Acquire blocks until weight slots are granted or ctx is done.
	// A weight above the quota is served as consecutive single slots.
	Acquire(ctx context.Context, weight int) error
	Stats() Stats
}

// New builds a limiter for cfg. An empty policy selects the token bucket.
func New(cfg Config) (Limiter, error) {
	if cfg.Quota <= 0 {
		return nil, fmt.Errorf("%w: quota must be > 0, got %d", ErrInvalidConfig, cfg.Quota)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("%w: window must be > 0, got %s", ErrInvalidConfig, cfg.Window)
	}
	switch cfg.Policy {
	case "", PolicyTokenBucket:
		cfg.Policy = PolicyTokenBucket
		return newTokenBucket(cfg), nil
	case PolicySlidingWindow:
		return newSlidingWindow(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unknown policy %q", ErrInvalidConfig, cfg.Policy)
	}
}

// slotReserver is the single-slot primitive both policies share. reserve
// books the next slot at or after now and returns its grant time; cancel
// gives back a slot that was never used.
type slotReserver interface {
	reserve(now time.Time) (at time.Time, cancel func())
}

type counters struct {
	granted  atomic.Uint64
	waited   atomic.Uint64
	waitTime atomic.Int64
}

func acquire(ctx context.Context, r slotReserver, c *counters, weight int) error {
	if weight <= 0 {
		weight = 1
	}
	for range weight {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := time.Now()
		at, cancel := r.reserve(now)
		if d := at.Sub(now); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				cancel()
				return ctx.Err()
			case <-t.C:
			}
			c.waited.Add(1)
			c.waitTime.Add(int64(d))
		}
		c.granted.Add(1)
	}
	return nil
}

func (c *counters) stats(cfg Config) Stats {
	return Stats{
		Quota:    cfg.Quota,
		Window:   cfg.Window,
		Policy:   cfg.Policy,
		Granted:  c.granted.Load(),
		Waited:   c.waited.Load(),
		WaitTime: time.Duration(c.waitTime.Load()),
	}
}

type tokenBucket struct {
	cfg Config
	lim *rate.Limiter
	counters
}

// Burst 1 with one token every T/N keeps any window of length T at or below N grants.
func newTokenBucket(cfg Config) *tokenBucket {
	return &tokenBucket{cfg: cfg, lim: rate.NewLimiter(rate.Every(tokenInterval(cfg)), 1)}
}

// tokenInterval is T/N rounded up, plus a nanosecond: rate truncates its
// float delays, and N intervals must never add up to less than T.
func tokenInterval(cfg Config) time.Duration {
	n := time.Duration(cfg.Quota)
	return (cfg.Window + n) / n
}

func (t *tokenBucket) reserve(now time.Time) (time.Time, func()) {
	r := t.lim.ReserveN(now, 1)
	return now.Add(r.DelayFrom(now)), r.Cancel
}

func (t *tokenBucket) Acquire(ctx context.Context, weight int) error {
	return acquire(ctx, t, &t.counters, weight)
}

func (t *tokenBucket) Stats() Stats { return t.counters.stats(t.cfg) }
