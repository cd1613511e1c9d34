package cache

import (
	"sheetbot/internal/eventbus"
	"sheetbot/internal/record"
)

type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindDeleted Kind = "deleted"
)

type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
	SourceFlush  Source = "flush"
)

const (
	EventCreated = "cache.created"
	EventUpdated = "cache.updated"
	EventDeleted = "cache.deleted"
)

// ChangeEvent describes one committed mutation. For a given key, events are
// published in commit order.
type ChangeEvent struct {
	Key        string        `json:"key"`
	OldVersion uint64        `json:"old_version"`
	NewVersion uint64        `json:"new_version"`
	Kind       Kind          `json:"kind"`
	Source     Source        `json:"source"`
	Fields     record.Fields `json:"fields,omitempty"`
}

// Publisher is the slice of the event bus the cache needs.
type Publisher interface {
	Publish(e eventbus.Event)
}

func (c ChangeEvent) event() eventbus.Event {
	return eventbus.Event{Type: "cache." + string(c.Kind), Data: c}
}
