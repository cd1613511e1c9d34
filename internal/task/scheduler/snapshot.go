package scheduler

import (
	"time"

	"sheetbot/internal/task/engine"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	eng := s.engine
	s.mu.Unlock()

	if tz == "" {
		if loc == nil {
			loc = time.Local
		}
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout, StartupSpread: d.startupSpread}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		if eng != nil {
			st := eng.State(d.name)
			it.LastRun = st.LastRun
			it.Running = st.Running
			it.Skipped = st.Skipped
		}
		items = append(items, it)
	}

	snap := Snapshot{Enabled: enabled, Timezone: tz, Schedules: items}
	if eng == nil {
		return snap
	}
	es := eng.Snapshot()
	opt := engine.DefaultTaskOptions(engine.Config{RetryMax: es.RetryMax})
	snap.Workers = es.Workers
	snap.InFlight = es.InFlight
	snap.QueueLen = es.QueueLen
	snap.QueueCap = es.QueueCap
	snap.Dropped = es.Dropped
	snap.DroppedQueueFull = es.DroppedQueueFull
	snap.DroppedStale = es.DroppedStale
	snap.Skipped = es.Skipped
	snap.DefaultTimeout = es.DefaultTimeout
	snap.RetryMax = opt.RetryMax
	snap.RetryBase = opt.RetryBase
	snap.RetryMaxDelay = opt.RetryMaxDelay
	snap.History = es.History
	return snap
}
