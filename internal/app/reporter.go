package app

import (
	"sheetbot/internal/cache"
	"sheetbot/internal/reconcile"
	"sheetbot/internal/remote"
	"sheetbot/internal/task/scheduler"
)

// statusDoc is served on /status of the debug server.
type statusDoc struct {
	Cache     cache.Stats        `json:"cache"`
	Sync      reconcile.Status   `json:"sync"`
	Scheduler scheduler.Snapshot `json:"scheduler"`
	Remote    remote.Stats       `json:"remote"`
}

// appReporter adapts App to debughttp.Reporter.
type appReporter struct{ a *App }

func (p appReporter) Healthy() (bool, string) {
	st := p.a.rec.Status()
	if st.Degraded {
		return false, "sync degraded"
	}
	return true, ""
}

func (p appReporter) Status() any {
	return statusDoc{
		Cache:     p.a.cache.Stats(),
		Sync:      p.a.rec.Status(),
		Scheduler: p.a.sched.Snapshot(),
		Remote:    p.a.remote.Stats(),
	}
}
