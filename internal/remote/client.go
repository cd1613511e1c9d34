package remote

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"sheetbot/internal/ratelimit"
	"sheetbot/internal/record"
	logx "sheetbot/pkg/logx"
)

type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

type Options struct {
	Retry RetryConfig
	// RequestTimeout bounds a single attempt. 0 disables it.
	RequestTimeout time.Duration
	Logger         logx.Logger
}

// Client wraps a Backend with the limiter, retries and read coalescing.
type Client struct {
	backend Backend
	limiter ratelimit.Limiter
	opts    Options
	log     logx.Logger

	sf    singleflight.Group
	stats *recorder
}

func NewClient(b Backend, lim ratelimit.Limiter, opts Options) *Client {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 5
	}
	if opts.Retry.InitialInterval <= 0 {
		opts.Retry.InitialInterval = 500 * time.Millisecond
	}
	if opts.Retry.MaxInterval <= 0 {
		opts.Retry.MaxInterval = 30 * time.Second
	}
	if opts.Retry.Multiplier < 1 {
		opts.Retry.Multiplier = 2
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		backend: b,
		limiter: lim,
		opts:    opts,
		log:     log,
		stats:   newRecorder(),
	}
}

// FetchAll returns every remote record. Concurrent calls share one remote
// read; each caller gets its own copy.
func (c *Client) FetchAll(ctx context.Context) ([]record.Record, error) {
	v, err, shared := c.sf.Do("all", func() (any, error) {
		return call(c, ctx, OpFetchAll, c.backend.FetchAll)
	})
	if shared {
		c.stats.coalesced.Add(1)
	}
	if err != nil {
		return nil, err
	}
	src := v.([]record.Record)
	out := make([]record.Record, len(src))
	for i, r := range src {
		out[i] = r.Clone()
	}
	return out, nil
}

// Fetch returns one record or ErrNotFound. Concurrent fetches of the same key
// are collapsed.
func (c *Client) Fetch(ctx context.Context, key string) (record.Record, error) {
	v, err, shared := c.sf.Do("key:"+key, func() (any, error) {
		return call(c, ctx, OpFetch, func(ctx context.Context) (record.Record, error) {
			return c.backend.Fetch(ctx, key)
		})
	})
	if shared {
		c.stats.coalesced.Add(1)
	}
	if err != nil {
		return record.Record{}, err
	}
	return v.(record.Record).Clone(), nil
}

// Write conditionally applies delta against baseVersion and returns the new
// remote version. Conflicts come back as *ConflictError and are not retried.
func (c *Client) Write(ctx context.Context, key string, delta, base record.Fields, baseVersion uint64) (uint64, error) {
	return call(c, ctx, OpWrite, func(ctx context.Context) (uint64, error) {
		return c.backend.Write(ctx, key, delta, base, baseVersion)
	})
}

func (c *Client) Stats() Stats {
	st := c.stats.snapshot()
	if c.limiter != nil {
		st.Limiter = c.limiter.Stats()
	}
	return st
}

// hintedBackOff yields a server-provided delay once, then falls back to the
// exponential schedule.
type hintedBackOff struct {
	inner *backoff.ExponentialBackOff
	hint  time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	next := h.inner.NextBackOff()
	if h.hint > 0 {
		next, h.hint = h.hint, 0
	}
	return next
}

func (h *hintedBackOff) Reset() { h.inner.Reset() }

func (c *Client) newBackOff() *hintedBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.Retry.InitialInterval
	b.MaxInterval = c.opts.Retry.MaxInterval
	b.Multiplier = c.opts.Retry.Multiplier
	b.RandomizationFactor = 0.5
	return &hintedBackOff{inner: b}
}

// call runs one logical operation: every attempt acquires the limiter first,
// transient failures back off and retry, and exhaustion is reported as
// *UnavailableError.
func call[T any](c *Client, ctx context.Context, op Op, fn func(context.Context) (T, error)) (T, error) {
	attempts := 0
	bo := c.newBackOff()
	weight := c.backend.Cost(op)

	res, err := backoff.Retry(ctx, func() (T, error) {
		var zero T
		attempts++
		if c.limiter != nil {
			if err := c.limiter.Acquire(ctx, weight); err != nil {
				return zero, backoff.Permanent(err)
			}
		}

		actx, cancel := ctx, context.CancelFunc(func() {})
		if c.opts.RequestTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		}
		start := time.Now()
		v, err := fn(actx)
		cancel()
		c.stats.observe(op, time.Since(start), err)

		if err == nil {
			return v, nil
		}
		if IsPermanent(err) || ctx.Err() != nil {
			return zero, backoff.Permanent(err)
		}
		var ra *RetryAfterError
		if errors.As(err, &ra) {
			bo.hint = ra.After
		}
		return zero, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.opts.Retry.MaxAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.stats.retry(op)
			c.log.Debug("remote call retrying", logx.String("op", string(op)), logx.Int("attempt", attempts), logx.Duration("backoff", d), logx.Err(err))
		}),
	)
	if err == nil {
		return res, nil
	}
	if IsPermanent(err) {
		var p *permanentError
		if errors.As(err, &p) {
			return res, p.err
		}
		return res, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	c.log.Warn("remote unavailable", logx.String("op", string(op)), logx.Int("attempts", attempts), logx.Err(err))
	return res, &UnavailableError{Op: op, Attempts: attempts, Err: err}
}
