package reconcile

import (
	"time"

	"sheetbot/internal/cache"
)

type State int32

const (
	StateIdle State = iota
	StateDraining
	StateFlushing
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateFlushing:
		return "flushing"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

const (
	EventCycle     = "sync.cycle"
	EventDegraded  = "sync.degraded"
	EventRecovered = "sync.recovered"
)

// CycleReport summarizes one reconciliation cycle.
type CycleReport struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`

	Duration        time.Duration `json:"duration"`
	FlushDuration   time.Duration `json:"flush_duration"`
	RefreshDuration time.Duration `json:"refresh_duration"`

	Drained   int `json:"drained"`
	Flushed   int `json:"flushed"`
	Conflicts int `json:"conflicts"`
	Merged    int `json:"merged"`
	Recreated int `json:"recreated"`
	Requeued  int `json:"requeued"`

	Apply          cache.ApplyResult `json:"apply"`
	RefreshSkipped bool              `json:"refresh_skipped"`
	Aborted        bool              `json:"aborted"`

	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// DegradedNotice is published once when reads have gone stale.
type DegradedNotice struct {
	LastSuccess time.Time     `json:"last_success,omitzero"`
	Staleness   time.Duration `json:"staleness"`
	StaleAfter  time.Duration `json:"stale_after"`
	Error       string        `json:"error,omitempty"`
}

type RecoveredNotice struct {
	DegradedFor time.Duration `json:"degraded_for"`
}

type Status struct {
	State       string       `json:"state"`
	Cycles      uint64       `json:"cycles"`
	Failures    uint64       `json:"failures"`
	LastSuccess time.Time    `json:"last_success,omitzero"`
	Degraded    bool         `json:"degraded"`
	Last        *CycleReport `json:"last,omitempty"`
}
