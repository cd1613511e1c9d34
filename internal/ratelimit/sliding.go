package ratelimit

import (
	"context"
	"slices"
	"sync"
	"time"
)

// slidingWindow grants a slot once fewer than N grants fall inside the
// trailing window. Grant times never go backwards.
type slidingWindow struct {
	cfg Config

	mu  sync.Mutex
	log []time.Time // sorted grant times, possibly in the future

	counters
}

func newSlidingWindow(cfg Config) *slidingWindow {
	return &slidingWindow{cfg: cfg, log: make([]time.Time, 0, cfg.Quota)}
}

func (s *slidingWindow) reserve(now time.Time) (time.Time, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// entries older than one window no longer constrain anything
	cut := 0
	for cut < len(s.log) && !s.log[cut].Add(s.cfg.Window).After(now) {
		cut++
	}
	s.log = s.log[cut:]

	at := now
	if n := len(s.log); n > 0 {
		if last := s.log[n-1]; last.After(at) {
			at = last
		}
		if n >= s.cfg.Quota {
			if edge := s.log[n-s.cfg.Quota].Add(s.cfg.Window); edge.After(at) {
				at = edge
			}
		}
	}
	s.log = append(s.log, at)
	return at, func() { s.release(at) }
}

func (s *slidingWindow) release(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.log) - 1; i >= 0; i-- {
		if s.log[i].Equal(at) {
			s.log = slices.Delete(s.log, i, i+1)
			return
		}
	}
}

func (s *slidingWindow) Acquire(ctx context.Context, weight int) error {
	return acquire(ctx, s, &s.counters, weight)
}

func (s *slidingWindow) Stats() Stats { return s.counters.stats(s.cfg) }
