// Package reconcile drains buffered cache writes to the remote store and
// refreshes the cache from it, one non-reentrant cycle at a time:
//
//	Idle -> Draining -> Flushing -> Refreshing -> Idle
package reconcile

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"sheetbot/internal/cache"
	"sheetbot/internal/eventbus"
	"sheetbot/internal/record"
	"sheetbot/internal/remote"
	logx "sheetbot/pkg/logx"
)

var ErrCycleRunning = errors.New("reconcile: cycle already running")

// Remote is the slice of remote.Client the reconciler drives.
type Remote interface {
	FetchAll(ctx context.Context) ([]record.Record, error)
	Fetch(ctx context.Context, key string) (record.Record, error)
	Write(ctx context.Context, key string, delta, base record.Fields, baseVersion uint64) (uint64, error)
}

// Journal persists the pending set at the end of each cycle.
type Journal interface {
	SavePending(ctx context.Context, pws []cache.PendingWrite) error
}

type Config struct {
	// Deadline bounds a whole cycle. 0 disables it.
	Deadline         time.Duration
	MergePolicy      MergePolicy
	StaleAfter       time.Duration
	FlushConcurrency int
}

type Reconciler struct {
	cfg     Config
	cache   *cache.Cache
	remote  Remote
	bus     eventbus.Bus
	journal Journal
	log     logx.Logger
	now     func() time.Time

	runMu sync.Mutex
	state atomic.Int32

	// guarded by runMu
	lastHash     uint64
	hashed       bool
	lastDeferred int

	mu            sync.Mutex
	started       time.Time
	lastSuccess   time.Time
	degraded      bool
	degradedSince time.Time
	last          *CycleReport
	cycles        uint64
	failures      uint64
}

type Option func(*Reconciler)

func WithJournal(j Journal) Option          { return func(r *Reconciler) { r.journal = j } }
func WithLogger(l logx.Logger) Option       { return func(r *Reconciler) { r.log = l } }
func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

func New(cfg Config, c *cache.Cache, rm Remote, bus eventbus.Bus, opts ...Option) *Reconciler {
	if cfg.FlushConcurrency <= 0 {
		cfg.FlushConcurrency = 4
	}
	if cfg.MergePolicy == "" {
		cfg.MergePolicy = LastWriterWins
	}
	r := &Reconciler{cfg: cfg, cache: c, remote: rm, bus: bus, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	r.started = r.now()
	return r
}

func (r *Reconciler) State() State { return State(r.state.Load()) }

func (r *Reconciler) setState(s State) { r.state.Store(int32(s)) }

func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		State:       r.State().String(),
		Cycles:      r.cycles,
		Failures:    r.failures,
		LastSuccess: r.lastSuccess,
		Degraded:    r.degraded,
	}
	if r.last != nil {
		cp := *r.last
		st.Last = &cp
	}
	return st
}

// RunCycle drains, flushes and refreshes once. A concurrent call returns
// ErrCycleRunning immediately. When the deadline fires mid-flush, committed
// writes stand and the rest are requeued.
func (r *Reconciler) RunCycle(ctx context.Context) (CycleReport, error) {
	if !r.runMu.TryLock() {
		return CycleReport{}, ErrCycleRunning
	}
	defer r.runMu.Unlock()
	defer r.setState(StateIdle)

	parent := ctx
	if r.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Deadline)
		defer cancel()
	}

	rep := CycleReport{ID: uuid.Must(uuid.NewV7()).String(), StartedAt: r.now()}
	log := r.log.With(logx.String("cycle", rep.ID))

	r.setState(StateDraining)
	pws := r.cache.DrainPending()
	rep.Drained = len(pws)

	r.setState(StateFlushing)
	flushStart := time.Now()
	r.flush(ctx, pws, &rep, log)
	rep.FlushDuration = time.Since(flushStart)

	var refreshErr error
	if err := ctx.Err(); err != nil {
		rep.Aborted = true
		refreshErr = err
	} else {
		r.setState(StateRefreshing)
		refreshStart := time.Now()
		refreshErr = r.refresh(ctx, &rep)
		rep.RefreshDuration = time.Since(refreshStart)
		if refreshErr != nil && ctx.Err() != nil {
			rep.Aborted = true
		}
	}
	if refreshErr != nil {
		rep.Err = refreshErr
		rep.Error = refreshErr.Error()
	}
	rep.Duration = r.now().Sub(rep.StartedAt)

	r.track(rep, log)
	r.saveJournal(parent, log)
	r.publish(EventCycle, rep)

	if rep.Err != nil {
		log.Warn("sync cycle failed",
			logx.Int("flushed", rep.Flushed), logx.Int("requeued", rep.Requeued),
			logx.Bool("aborted", rep.Aborted), logx.Err(rep.Err))
	} else {
		log.Info("sync cycle done",
			logx.Int("drained", rep.Drained), logx.Int("flushed", rep.Flushed),
			logx.Int("conflicts", rep.Conflicts), logx.Int("requeued", rep.Requeued),
			logx.Int("changed", rep.Apply.Changed()), logx.Int("deferred", len(rep.Apply.Deferred)),
			logx.Bool("refresh_skipped", rep.RefreshSkipped), logx.Duration("took", rep.Duration))
	}
	return rep, rep.Err
}

type flushCounts struct {
	flushed, conflicts, merged, recreated, requeued atomic.Int64
}

func (r *Reconciler) flush(ctx context.Context, pws []cache.PendingWrite, rep *CycleReport, log logx.Logger) {
	var n flushCounts
	var g errgroup.Group
	g.SetLimit(r.cfg.FlushConcurrency)

	for i, pw := range pws {
		if ctx.Err() != nil {
			// never attempted: requeue untouched
			for _, rest := range pws[i:] {
				r.cache.Requeue(rest)
				n.requeued.Add(1)
			}
			break
		}
		g.Go(func() error {
			r.flushOne(ctx, pw, &n, log)
			return nil
		})
	}
	_ = g.Wait()

	rep.Flushed = int(n.flushed.Load())
	rep.Conflicts = int(n.conflicts.Load())
	rep.Merged = int(n.merged.Load())
	rep.Recreated = int(n.recreated.Load())
	rep.Requeued = int(n.requeued.Load())
}

func (r *Reconciler) flushOne(ctx context.Context, pw cache.PendingWrite, n *flushCounts, log logx.Logger) {
	if ctx.Err() != nil {
		r.cache.Requeue(pw)
		n.requeued.Add(1)
		return
	}
	v, err := r.remote.Write(ctx, pw.Key, pw.Delta, pw.Base, pw.BaseVersion)
	if err == nil {
		r.cache.Commit(pw.Key, nil, v)
		n.flushed.Add(1)
		return
	}

	var ce *remote.ConflictError
	if !errors.As(err, &ce) {
		r.requeue(pw, n, log, err)
		return
	}
	n.conflicts.Add(1)

	current := ce.Current
	if current == nil {
		cur, ferr := r.remote.Fetch(ctx, pw.Key)
		switch {
		case ferr == nil:
			current = &cur
		case errors.Is(ferr, remote.ErrNotFound):
		default:
			r.requeue(pw, n, log, ferr)
			return
		}
	}

	if current == nil {
		// deleted remotely: recreate from the local row
		fields := pw.Delta
		if local, ok := r.cache.Get(pw.Key); ok && len(local.Fields) > 0 {
			fields = local.Fields
		}
		v, err := r.remote.Write(ctx, pw.Key, fields, nil, 0)
		if err != nil {
			r.requeue(pw, n, log, err)
			return
		}
		r.cache.Commit(pw.Key, fields, v)
		n.recreated.Add(1)
		n.flushed.Add(1)
		log.Info("sync recreated deleted row", logx.String("key", pw.Key))
		return
	}

	res := Merge(pw, *current, r.cfg.MergePolicy)
	log.Debug("sync conflict merged",
		logx.String("key", pw.Key), logx.Strings("conflicted", res.Conflicted),
		logx.Int("local_fields", len(res.Delta)), logx.String("policy", string(r.cfg.MergePolicy)))

	version := current.RemoteVersion
	if len(res.Delta) > 0 {
		v, err = r.remote.Write(ctx, pw.Key, res.Delta, current.Fields.Pick(res.Delta.Names()), current.RemoteVersion)
		if err != nil {
			r.requeue(pw, n, log, err)
			return
		}
		version = v
	}
	r.cache.Commit(pw.Key, res.Fields, version)
	n.merged.Add(1)
	n.flushed.Add(1)
}

func (r *Reconciler) requeue(pw cache.PendingWrite, n *flushCounts, log logx.Logger, cause error) {
	pw.Attempts++
	r.cache.Requeue(pw)
	n.requeued.Add(1)
	log.Debug("sync write requeued", logx.String("key", pw.Key), logx.Int("attempts", pw.Attempts), logx.Err(cause))
}

func (r *Reconciler) refresh(ctx context.Context, rep *CycleReport) error {
	recs, err := r.remote.FetchAll(ctx)
	if err != nil {
		return err
	}
	h := snapshotHash(recs)
	if r.hashed && h == r.lastHash && r.lastDeferred == 0 {
		rep.RefreshSkipped = true
	} else {
		rep.Apply = r.cache.ApplyRemoteSnapshot(recs)
		r.lastHash, r.hashed = h, true
		r.lastDeferred = len(rep.Apply.Deferred)
	}
	return nil
}

// track updates staleness bookkeeping and publishes degraded/recovered
// transitions.
func (r *Reconciler) track(rep CycleReport, log logx.Logger) {
	now := r.now()
	r.mu.Lock()
	r.cycles++
	cp := rep
	r.last = &cp

	var evType string
	var data any
	if rep.Err == nil {
		r.lastSuccess = now
		if r.degraded {
			r.degraded = false
			evType, data = EventRecovered, RecoveredNotice{DegradedFor: now.Sub(r.degradedSince)}
		}
	} else {
		r.failures++
		since := r.lastSuccess
		if since.IsZero() {
			since = r.started
		}
		stale := now.Sub(since)
		if r.cfg.StaleAfter > 0 && stale > r.cfg.StaleAfter && !r.degraded {
			r.degraded = true
			r.degradedSince = now
			evType, data = EventDegraded, DegradedNotice{
				LastSuccess: r.lastSuccess,
				Staleness:   stale,
				StaleAfter:  r.cfg.StaleAfter,
				Error:       rep.Error,
			}
		}
	}
	r.mu.Unlock()

	if evType != "" {
		log.Warn("sync "+evType[len("sync."):], logx.Any("notice", data))
		r.publish(evType, data)
	}
}

func (r *Reconciler) saveJournal(ctx context.Context, log logx.Logger) {
	if r.journal == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.journal.SavePending(sctx, r.cache.Pending()); err != nil {
		log.Warn("pending journal save failed", logx.Err(err))
	}
}

func (r *Reconciler) publish(typ string, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: data})
}

// snapshotHash fingerprints a remote snapshot independent of row order.
func snapshotHash(recs []record.Record) uint64 {
	sorted := make([]record.Record, len(recs))
	copy(sorted, recs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	h := fnv.New64a()
	for _, rec := range sorted {
		h.Write([]byte(rec.Key))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatUint(rec.RemoteVersion, 10)))
		for _, f := range rec.Fields {
			h.Write([]byte{1})
			h.Write([]byte(f.Name))
			h.Write([]byte{0})
			h.Write([]byte(f.Value))
		}
		h.Write([]byte{2})
	}
	return h.Sum64()
}
