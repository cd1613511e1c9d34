package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "zero quota", cfg: Config{Quota: 0, Window: time.Second}},
		{name: "negative quota", cfg: Config{Quota: -1, Window: time.Second}},
		{name: "zero window", cfg: Config{Quota: 5}},
		{name: "unknown policy", cfg: Config{Quota: 5, Window: time.Second, Policy: "leaky"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

// grantTimes books b slots at the same instant and returns their grant times.
func grantTimes(r slotReserver, base time.Time, b int) []time.Time {
	out := make([]time.Time, b)
	for i := range out {
		out[i], _ = r.reserve(base)
	}
	return out
}

// rate.Limiter computes delays in float seconds.
const rounding = time.Microsecond

// assertWithinQuota checks that no half-open window of length w holds more than n grants.
func assertWithinQuota(t *testing.T, grants []time.Time, n int, w time.Duration) {
	t.Helper()
	for i := 0; i+n < len(grants); i++ {
		gap := grants[i+n].Sub(grants[i])
		assert.GreaterOrEqual(t, gap, w, "grants %d..%d", i, i+n)
	}
}

func TestGrantTimesRespectQuota(t *testing.T) {
	t.Parallel()

	const b = 23
	base := time.Now()

	tests := []struct {
		name string
		n    int
		w    time.Duration
		r    slotReserver
	}{
		{name: "token bucket", n: 5, w: 100 * time.Millisecond,
			r: newTokenBucket(Config{Quota: 5, Window: 100 * time.Millisecond, Policy: PolicyTokenBucket})},
		{name: "token bucket uneven", n: 3, w: time.Second,
			r: newTokenBucket(Config{Quota: 3, Window: time.Second, Policy: PolicyTokenBucket})},
		{name: "token bucket prime window", n: 7, w: 1000003 * time.Nanosecond,
			r: newTokenBucket(Config{Quota: 7, Window: 1000003 * time.Nanosecond, Policy: PolicyTokenBucket})},
		{name: "sliding window", n: 5, w: 100 * time.Millisecond,
			r: newSlidingWindow(Config{Quota: 5, Window: 100 * time.Millisecond, Policy: PolicySlidingWindow})},
		{name: "sliding window uneven", n: 3, w: time.Second,
			r: newSlidingWindow(Config{Quota: 3, Window: time.Second, Policy: PolicySlidingWindow})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			grants := grantTimes(tt.r, base, b)
			assert.True(t, grants[0].Equal(base), "first grant is immediate")
			assertWithinQuota(t, grants, tt.n, tt.w)
			// (ceil(B/N)-1)*T: the first batch is immediate.
			minSpan := time.Duration((b+tt.n-1)/tt.n-1) * tt.w
			assert.GreaterOrEqual(t, grants[b-1].Sub(grants[0]), minSpan-rounding)
		})
	}
}

func TestSlidingWindowAllowsBurst(t *testing.T) {
	t.Parallel()

	s := newSlidingWindow(Config{Quota: 3, Window: time.Second})
	base := time.Now()
	grants := grantTimes(s, base, 4)
	for _, g := range grants[:3] {
		assert.True(t, g.Equal(base))
	}
	assert.True(t, grants[3].Equal(base.Add(time.Second)))
}

func TestSlidingWindowReleaseReturnsSlot(t *testing.T) {
	t.Parallel()

	s := newSlidingWindow(Config{Quota: 1, Window: time.Second})
	base := time.Now()
	first, _ := s.reserve(base)
	second, cancel := s.reserve(base)
	require.True(t, second.Equal(first.Add(time.Second)))

	cancel()
	third, _ := s.reserve(base)
	assert.True(t, third.Equal(second), "released slot is handed out again")
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	for _, p := range []Policy{PolicyTokenBucket, PolicySlidingWindow} {
		t.Run(string(p), func(t *testing.T) {
			t.Parallel()
			lim, err := New(Config{Quota: 1, Window: time.Hour, Policy: p})
			require.NoError(t, err)
			require.NoError(t, lim.Acquire(context.Background(), 1))

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			err = lim.Acquire(ctx, 1)
			assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
			assert.Equal(t, uint64(1), lim.Stats().Granted)
		})
	}
}

func TestAcquireWeightAboveQuota(t *testing.T) {
	t.Parallel()

	lim, err := New(Config{Quota: 2, Window: 60 * time.Millisecond, Policy: PolicySlidingWindow})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, lim.Acquire(context.Background(), 3))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Equal(t, uint64(3), lim.Stats().Granted)
}

// 200 concurrent callers against 10 calls per 50ms: every call completes and
// the batch cannot finish faster than the quota allows.
func TestConcurrentCallersStayWithinQuota(t *testing.T) {
	t.Parallel()

	const (
		callers = 200
		n       = 10
		w       = 50 * time.Millisecond
	)
	minSpan := time.Duration(callers/n-1) * w

	for _, p := range []Policy{PolicyTokenBucket, PolicySlidingWindow} {
		t.Run(string(p), func(t *testing.T) {
			t.Parallel()
			lim, err := New(Config{Quota: n, Window: w, Policy: p})
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			start := time.Now()
			var wg sync.WaitGroup
			errs := make(chan error, callers)
			for range callers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- lim.Acquire(ctx, 1)
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			assert.GreaterOrEqual(t, time.Since(start), minSpan)
			assert.Equal(t, uint64(callers), lim.Stats().Granted)
		})
	}
}
