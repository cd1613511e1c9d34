package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetbot/internal/cache"
	"sheetbot/internal/eventbus"
	"sheetbot/internal/ratelimit"
	"sheetbot/internal/reconcile"
	"sheetbot/internal/record"
	"sheetbot/internal/remote"
	"sheetbot/internal/remote/memory"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type journal struct {
	mu    sync.Mutex
	saves [][]cache.PendingWrite
}

func (j *journal) SavePending(_ context.Context, pws []cache.PendingWrite) error {
	j.mu.Lock()
	j.saves = append(j.saves, pws)
	j.mu.Unlock()
	return nil
}

func (j *journal) last() []cache.PendingWrite {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.saves) == 0 {
		return nil
	}
	return j.saves[len(j.saves)-1]
}

func fs(kv ...string) record.Fields {
	var out record.Fields
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, record.Field{Name: kv[i], Value: kv[i+1]})
	}
	return out
}

type harness struct {
	clk   *clock
	bus   *eventbus.MemBus
	cache *cache.Cache
	sheet *memory.Backend
	rec   *reconcile.Reconciler
	jrnl  *journal
}

func newHarness(t *testing.T, cfg reconcile.Config) *harness {
	t.Helper()
	h := &harness{clk: newClock(), bus: eventbus.New(), jrnl: &journal{}}
	h.cache = cache.New(cache.Options{Publisher: h.bus, Now: h.clk.Now})
	h.sheet = memory.New().WithClock(h.clk.Now)
	h.rec = reconcile.New(cfg, h.cache, h.sheet, h.bus,
		reconcile.WithJournal(h.jrnl), reconcile.WithClock(h.clk.Now))
	return h
}

func (h *harness) cycle(t *testing.T) reconcile.CycleReport {
	t.Helper()
	rep, err := h.rec.RunCycle(context.Background())
	require.NoError(t, err)
	return rep
}

func TestWriteIsBufferedUntilFlushed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, reconcile.Config{})

	_, err := h.cache.Write("u1", fs("name", "Ann"))
	require.NoError(t, err)
	_, ok := h.sheet.Row("u1")
	assert.False(t, ok, "write must not reach the remote before a cycle")
	assert.Zero(t, h.sheet.Calls(remote.OpWrite))

	rep := h.cycle(t)
	assert.Equal(t, 1, rep.Drained)
	assert.Equal(t, 1, rep.Flushed)
	assert.Zero(t, rep.Apply.Changed())
	assert.NotEmpty(t, rep.ID)

	row, ok := h.sheet.Row("u1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), row.RemoteVersion)
	assert.True(t, fs("name", "Ann").Equal(row.Fields))

	got, ok := h.cache.Get("u1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.RemoteVersion)
	assert.Zero(t, h.cache.Stats().Pending)
	assert.Zero(t, h.cache.Stats().InFlight)
	assert.Empty(t, h.jrnl.last())
}

func TestConflictMergesDisjointFields(t *testing.T) {
	t.Parallel()
	h := newHarness(t, reconcile.Config{})

	h.sheet.Put("u1", fs("name", "Ann", "city", "Oslo"))
	h.cycle(t)

	h.clk.Advance(time.Second)
	_, err := h.cache.Write("u1", fs("city", "Bergen"))
	require.NoError(t, err)
	h.clk.Advance(time.Second)
	h.sheet.Put("u1", fs("name", "Anna"))

	rep := h.cycle(t)
	assert.Equal(t, 1, rep.Conflicts)
	assert.Equal(t, 1, rep.Merged)
	assert.Equal(t, 1, rep.Flushed)

	row, _ := h.sheet.Row("u1")
	assert.True(t, fs("name", "Anna", "city", "Bergen").Equal(row.Fields), "remote: %v", row.Fields)
	assert.Equal(t, uint64(3), row.RemoteVersion)

	got, _ := h.cache.Get("u1")
	assert.True(t, row.Fields.Equal(got.Fields), "cache: %v", got.Fields)
	assert.Equal(t, uint64(3), got.RemoteVersion)
}

func TestConflictOnSameFieldHonorsPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		policy   reconcile.MergePolicy
		wantCity string
		wantVer  uint64
	}{
		{reconcile.LastWriterWins, "Trondheim", 2},
		{reconcile.RemoteWins, "Trondheim", 2},
		{reconcile.LocalWins, "Bergen", 3},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, reconcile.Config{MergePolicy: tt.policy})

			h.sheet.Put("u1", fs("city", "Oslo"))
			h.cycle(t)

			_, err := h.cache.Write("u1", fs("city", "Bergen"))
			require.NoError(t, err)
			h.clk.Advance(time.Minute)
			h.sheet.Put("u1", fs("city", "Trondheim"))

			rep := h.cycle(t)
			assert.Equal(t, 1, rep.Conflicts)

			row, _ := h.sheet.Row("u1")
			city, _ := row.Fields.Get("city")
			assert.Equal(t, tt.wantCity, city)
			assert.Equal(t, tt.wantVer, row.RemoteVersion)

			got, _ := h.cache.Get("u1")
			city, _ = got.Fields.Get("city")
			assert.Equal(t, tt.wantCity, city)
			assert.Equal(t, tt.wantVer, got.RemoteVersion)
		})
	}
}

func TestSheetEditWithoutVersionBumpIsAConflict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		policy   reconcile.MergePolicy
		wantCity string
		wantVer  uint64
	}{
		{reconcile.RemoteWins, "Tromsø", 1},
		{reconcile.LocalWins, "Bergen", 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, reconcile.Config{MergePolicy: tt.policy})

			h.sheet.Put("u1", fs("name", "Ann", "city", "Oslo"))
			h.cycle(t)

			_, err := h.cache.Write("u1", fs("city", "Bergen"))
			require.NoError(t, err)
			h.sheet.Edit("u1", fs("city", "Tromsø"))

			rep := h.cycle(t)
			assert.Equal(t, 1, rep.Conflicts)
			assert.Equal(t, 1, rep.Merged)

			row, _ := h.sheet.Row("u1")
			city, _ := row.Fields.Get("city")
			assert.Equal(t, tt.wantCity, city)
			assert.Equal(t, tt.wantVer, row.RemoteVersion)

			got, _ := h.cache.Get("u1")
			city, _ = got.Fields.Get("city")
			assert.Equal(t, tt.wantCity, city)
		})
	}
}

func TestRemotelyDeletedRowIsRecreated(t *testing.T) {
	t.Parallel()
	h := newHarness(t, reconcile.Config{})

	h.sheet.Put("u1", fs("name", "Ann", "city", "Oslo"))
	h.cycle(t)

	_, err := h.cache.Write("u1", fs("city", "Bergen"))
	require.NoError(t, err)
	h.sheet.Delete("u1")

	rep := h.cycle(t)
	assert.Equal(t, 1, rep.Conflicts)
	assert.Equal(t, 1, rep.Recreated)

	row, ok := h.sheet.Row("u1")
	require.True(t, ok)
	assert.True(t, fs("name", "Ann", "city", "Bergen").Equal(row.Fields), "remote: %v", row.Fields)
	assert.Equal(t, uint64(1), row.RemoteVersion)

	got, ok := h.cache.Get("u1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.RemoteVersion)
}

func TestRemoteDeletionPropagates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, reconcile.Config{})

	h.sheet.Put("u1", fs("name", "Ann"))
	h.sheet.Put("u2", fs("name", "Bob"))
	h.cycle(t)
	require.Equal(t, 2, h.cache.Len())

	h.sheet.Delete("u2")
	rep := h.cycle(t)
	assert.Equal(t, []string{"u2"}, rep.Apply.Deleted)
	_, ok := h.cache.Get("u2")
	assert.False(t, ok)
}

func TestUnchangedSnapshotSkipsApply(t *testing.T) {
	t.Parallel()
	h := newHarness(t, reconcile.Config{})

	h.sheet.Put("u1", fs("name", "Ann"))
	first := h.cycle(t)
	assert.False(t, first.RefreshSkipped)
	assert.Equal(t, []string{"u1"}, first.Apply.Created)

	second := h.cycle(t)
	assert.True(t, second.RefreshSkipped)

	h.sheet.Put("u1", fs("name", "Anne"))
	third := h.cycle(t)
	assert.False(t, third.RefreshSkipped)
	assert.Equal(t, []string{"u1"}, third.Apply.Updated)
}

func TestFailedWriteIsRequeuedAndJournaled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, reconcile.Config{})

	_, err := h.cache.Write("u1", fs("name", "Ann"))
	require.NoError(t, err)
	h.sheet.FailNext(1, errors.New("503 backend error"))

	rep := h.cycle(t)
	assert.Equal(t, 1, rep.Requeued)
	assert.Zero(t, rep.Flushed)

	pending := h.jrnl.last()
	require.Len(t, pending, 1)
	assert.Equal(t, "u1", pending[0].Key)
	assert.Equal(t, 1, pending[0].Attempts)

	rep = h.cycle(t)
	assert.Equal(t, 1, rep.Flushed)
	assert.Empty(t, h.jrnl.last())
}

func TestDeadlineRequeuesUnflushedWrites(t *testing.T) {
	t.Parallel()

	c := cache.New(cache.Options{})
	sheet := memory.New()
	sheet.SetDelay(200 * time.Millisecond)
	r := reconcile.New(reconcile.Config{Deadline: 50 * time.Millisecond, FlushConcurrency: 1}, c, sheet, nil)

	for _, k := range []string{"a", "b", "c"} {
		_, err := c.Write(k, fs("n", k))
		require.NoError(t, err)
	}

	rep, err := r.RunCycle(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, rep.Aborted)
	assert.Equal(t, 3, rep.Drained)
	assert.Equal(t, 3, rep.Requeued)
	assert.Zero(t, rep.Flushed)

	pending := c.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, 1, pending[0].Attempts, "attempted write counts")
	assert.Zero(t, pending[1].Attempts, "never attempted")
	assert.Zero(t, pending[2].Attempts, "never attempted")
	assert.Equal(t, reconcile.StateIdle, r.State())
}

func TestConcurrentCycleIsRejected(t *testing.T) {
	t.Parallel()

	c := cache.New(cache.Options{})
	sheet := memory.New()
	sheet.SetDelay(150 * time.Millisecond)
	r := reconcile.New(reconcile.Config{}, c, sheet, nil)

	done := make(chan error, 1)
	go func() {
		_, err := r.RunCycle(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return r.State() != reconcile.StateIdle }, time.Second, time.Millisecond)

	_, err := r.RunCycle(context.Background())
	assert.ErrorIs(t, err, reconcile.ErrCycleRunning)
	require.NoError(t, <-done)
}

func TestStalenessRaisesDegradedOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, reconcile.Config{StaleAfter: time.Minute})
	sub := h.bus.Subscribe(64)
	defer sub.Close()

	h.sheet.Put("u1", fs("name", "Ann"))
	h.clk.Advance(2 * time.Minute)

	h.sheet.FailNext(1, errors.New("connection reset"))
	_, err := h.rec.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, h.rec.Status().Degraded)

	h.clk.Advance(time.Minute)
	h.sheet.FailNext(1, errors.New("connection reset"))
	_, err = h.rec.RunCycle(context.Background())
	require.Error(t, err)

	h.clk.Advance(time.Minute)
	h.cycle(t)

	var degraded, recovered int
	var notice reconcile.RecoveredNotice
	for {
		select {
		case ev := <-sub.C:
			switch ev.Type {
			case reconcile.EventDegraded:
				degraded++
				dn := ev.Data.(reconcile.DegradedNotice)
				assert.Equal(t, 2*time.Minute, dn.Staleness)
			case reconcile.EventRecovered:
				recovered++
				notice = ev.Data.(reconcile.RecoveredNotice)
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, degraded)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, 2*time.Minute, notice.DegradedFor)

	st := h.rec.Status()
	assert.False(t, st.Degraded)
	assert.Equal(t, uint64(3), st.Cycles)
	assert.Equal(t, uint64(2), st.Failures)
	require.NotNil(t, st.Last)
	assert.Empty(t, st.Last.Error)
}

func TestCycleThroughRetryingClient(t *testing.T) {
	t.Parallel()

	c := cache.New(cache.Options{})
	sheet := memory.New()
	lim, err := ratelimit.New(ratelimit.Config{Quota: 100, Window: time.Second})
	require.NoError(t, err)
	client := remote.NewClient(sheet, lim, remote.Options{Retry: remote.RetryConfig{
		MaxAttempts: 4, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2,
	}})
	r := reconcile.New(reconcile.Config{}, c, client, nil)

	_, err = c.Write("u1", fs("name", "Ann"))
	require.NoError(t, err)
	sheet.FailNext(2, errors.New("connection reset"))

	rep, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Flushed)
	assert.Equal(t, 3, sheet.Calls(remote.OpWrite))
}
