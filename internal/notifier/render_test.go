package notifier

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetbot/internal/cache"
	"sheetbot/internal/eventbus"
	"sheetbot/internal/reconcile"
	"sheetbot/internal/record"
)

func TestRenderGolden(t *testing.T) {
	t.Parallel()

	fields := record.Fields{
		{Name: "name", Value: "Ada"},
		{Name: "city", Value: "Bergen"},
		{Name: "team", Value: "ops"},
	}
	last := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		ev   eventbus.Event
		max  int
	}{
		{"change_updated", eventbus.Event{Type: cache.EventUpdated, Data: cache.ChangeEvent{
			Key: "u1", OldVersion: 2, NewVersion: 3, Kind: cache.KindUpdated, Source: cache.SourceRemote, Fields: fields,
		}}, 8},
		{"change_updated_truncated", eventbus.Event{Type: cache.EventUpdated, Data: cache.ChangeEvent{
			Key: "u1", OldVersion: 2, NewVersion: 3, Kind: cache.KindUpdated, Source: cache.SourceLocal, Fields: fields,
		}}, 2},
		{"change_created", eventbus.Event{Type: cache.EventCreated, Data: cache.ChangeEvent{
			Key: "u9", NewVersion: 1, Kind: cache.KindCreated, Source: cache.SourceRemote, Fields: fields[:1],
		}}, 8},
		{"change_deleted", eventbus.Event{Type: cache.EventDeleted, Data: cache.ChangeEvent{
			Key: "u4", OldVersion: 5, Kind: cache.KindDeleted, Source: cache.SourceRemote, Fields: fields,
		}}, 8},
		{"sync_degraded", eventbus.Event{Type: reconcile.EventDegraded, Data: reconcile.DegradedNotice{
			LastSuccess: last, Staleness: 6*time.Minute + 3*time.Second, StaleAfter: 5 * time.Minute,
			Error: "sheets: 503 backend unavailable",
		}}, 8},
		{"sync_recovered", eventbus.Event{Type: reconcile.EventRecovered, Data: reconcile.RecoveredNotice{
			DegradedFor: 2 * time.Minute,
		}}, 8},
	}

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, ok := Render(tc.ev, tc.max)
			require.True(t, ok)
			g.Assert(t, tc.name, []byte(r.Text+"\n"))
		})
	}
}

func TestRenderPriorityAndDedupKey(t *testing.T) {
	t.Parallel()

	r, ok := Render(eventbus.Event{Data: cache.ChangeEvent{Key: "u1", NewVersion: 4, Kind: cache.KindUpdated}}, 0)
	require.True(t, ok)
	assert.Equal(t, 3, r.Priority)
	assert.Equal(t, "updated:u1:4", r.DedupKey)

	r, _ = Render(eventbus.Event{Data: reconcile.DegradedNotice{}}, 0)
	assert.Equal(t, 9, r.Priority)
	assert.Equal(t, reconcile.EventDegraded, r.DedupKey)

	_, ok = Render(eventbus.Event{Type: "sync.cycle", Data: reconcile.CycleReport{}}, 0)
	assert.False(t, ok)
}
