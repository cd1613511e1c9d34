package remote

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/caio/go-tdigest/v4"

	"sheetbot/internal/ratelimit"
)

type OpStats struct {
	Calls   uint64        `json:"calls"`
	Errors  uint64        `json:"errors"`
	Retries uint64        `json:"retries"`
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
}

type Stats struct {
	Ops map[Op]OpStats `json:"ops"`
	// Coalesced counts callers that shared an in-flight read.
	Coalesced uint64          `json:"coalesced"`
	Limiter   ratelimit.Stats `json:"limiter"`
}

// recorder keeps per-operation counters and a latency digest. TDigest is
// not safe for concurrent use, hence the mutex.
type recorder struct {
	mu  sync.Mutex
	ops map[Op]*opRecorder

	coalesced atomic.Uint64
}

type opRecorder struct {
	calls, errors, retries uint64
	td                     *tdigest.TDigest
}

func newRecorder() *recorder {
	return &recorder{ops: map[Op]*opRecorder{}}
}

func (r *recorder) op(op Op) *opRecorder {
	o := r.ops[op]
	if o == nil {
		o = &opRecorder{}
		if td, err := tdigest.New(); err == nil {
			o.td = td
		}
		r.ops[op] = o
	}
	return o
}

func (r *recorder) observe(op Op, d time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.op(op)
	o.calls++
	if err != nil {
		o.errors++
	}
	if o.td != nil {
		_ = o.td.AddWeighted(float64(d), 1)
	}
}

func (r *recorder) retry(op Op) {
	r.mu.Lock()
	r.op(op).retries++
	r.mu.Unlock()
}

func (r *recorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{Ops: make(map[Op]OpStats, len(r.ops)), Coalesced: r.coalesced.Load()}
	for op, o := range r.ops {
		s := OpStats{Calls: o.calls, Errors: o.errors, Retries: o.retries}
		if o.td != nil && o.td.Count() > 0 {
			s.P50 = time.Duration(o.td.Quantile(0.50))
			s.P95 = time.Duration(o.td.Quantile(0.95))
			s.P99 = time.Duration(o.td.Quantile(0.99))
		}
		st.Ops[op] = s
	}
	return st
}
